package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"farmscheduler/internal/models"
	"farmscheduler/internal/storage"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Push(ctx context.Context, job models.PushJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func token(s string) *string { return &s }

func seedRecipients(store *storage.MemoryStorage) {
	store.PutRecipient(models.Recipient{UserID: 1, Role: "petugas", DeviceToken: token("tok-1")})
	store.PutRecipient(models.Recipient{UserID: 2, Role: "petugas", DeviceToken: token("tok-2")})
	store.PutRecipient(models.Recipient{UserID: 3, Role: "petugas"})
	store.PutRecipient(models.Recipient{UserID: 4, Role: "admin", DeviceToken: token("tok-4")})
}

func jobFor(token string) interface{} {
	return mock.MatchedBy(func(job models.PushJob) bool { return job.Token == token })
}

func TestDispatcher_Send(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		target      string
		setup       func(m *mockTransport)
		wantSuccess int
		wantFailure int
		wantSkipped int
		wantInvalid []string
	}{
		{
			name:   "role recipients without token are skipped",
			target: "petugas",
			setup: func(m *mockTransport) {
				m.On("Push", ctx, jobFor("tok-1")).Return(nil)
				m.On("Push", ctx, jobFor("tok-2")).Return(nil)
			},
			wantSuccess: 2,
			wantSkipped: 1,
		},
		{
			name:   "wildcard reaches every role",
			target: models.TargetAll,
			setup: func(m *mockTransport) {
				m.On("Push", ctx, mock.Anything).Return(nil)
			},
			wantSuccess: 3,
			wantSkipped: 1,
		},
		{
			name:   "partial failure is counted not returned",
			target: "petugas",
			setup: func(m *mockTransport) {
				m.On("Push", ctx, jobFor("tok-1")).Return(errors.New("timeout"))
				m.On("Push", ctx, jobFor("tok-2")).Return(nil)
			},
			wantSuccess: 1,
			wantFailure: 1,
			wantSkipped: 1,
		},
		{
			name:   "invalid token is reported for pruning",
			target: "petugas",
			setup: func(m *mockTransport) {
				m.On("Push", ctx, jobFor("tok-1")).Return(ErrInvalidToken)
				m.On("Push", ctx, jobFor("tok-2")).Return(nil)
			},
			wantSuccess: 1,
			wantFailure: 1,
			wantSkipped: 1,
			wantInvalid: []string{"tok-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			seedRecipients(store)
			transport := &mockTransport{}
			tt.setup(transport)

			d := NewDispatcher(store, transport, zerolog.Nop())
			res, err := d.Send(ctx, Message{Target: tt.target, Title: "t", Body: "b"})
			require.NoError(t, err)

			assert.Equal(t, tt.wantSuccess, res.Success)
			assert.Equal(t, tt.wantFailure, res.Failure)
			assert.Equal(t, tt.wantSkipped, res.Skipped)
			assert.Equal(t, tt.wantInvalid, res.InvalidTokens)
			assert.NotEmpty(t, res.DispatchID)
			transport.AssertExpectations(t)
		})
	}
}

func TestDispatcher_PrunesInvalidTokens(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedRecipients(store)

	transport := &mockTransport{}
	transport.On("Push", ctx, jobFor("tok-1")).Return(ErrInvalidToken)
	transport.On("Push", ctx, jobFor("tok-2")).Return(nil)

	d := NewDispatcher(store, transport, zerolog.Nop())
	_, err := d.Send(ctx, Message{Target: "petugas", Title: "t", Body: "b"})
	require.NoError(t, err)

	r1, _ := store.Recipient(1)
	r2, _ := store.Recipient(2)
	assert.Nil(t, r1.DeviceToken)
	require.NotNil(t, r2.DeviceToken)
	assert.Equal(t, "tok-2", *r2.DeviceToken)
}

func TestDispatcher_TransportUnavailable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		setup       func(m *mockTransport)
		wantPushes  int
		wantInvalid []string
	}{
		{
			name: "first push fails",
			setup: func(m *mockTransport) {
				m.On("Push", ctx, mock.Anything).Return(ErrTransportUnavailable).Once()
			},
			wantPushes: 1,
		},
		{
			name: "rejected token before the outage is still pruned",
			setup: func(m *mockTransport) {
				m.On("Push", ctx, jobFor("tok-1")).Return(ErrInvalidToken)
				m.On("Push", ctx, jobFor("tok-2")).Return(ErrTransportUnavailable)
			},
			wantPushes:  2,
			wantInvalid: []string{"tok-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			seedRecipients(store)

			transport := &mockTransport{}
			tt.setup(transport)

			d := NewDispatcher(store, transport, zerolog.Nop())
			res, err := d.Send(ctx, Message{Target: "petugas", Title: "t", Body: "b"})

			require.ErrorIs(t, err, ErrTransportUnavailable)
			assert.Zero(t, res.Success)
			assert.Equal(t, tt.wantInvalid, res.InvalidTokens)
			transport.AssertNumberOfCalls(t, "Push", tt.wantPushes)

			r1, _ := store.Recipient(1)
			if len(tt.wantInvalid) > 0 {
				assert.Nil(t, r1.DeviceToken)
			} else {
				require.NotNil(t, r1.DeviceToken)
			}
			r2, _ := store.Recipient(2)
			assert.NotNil(t, r2.DeviceToken)
		})
	}
}

func TestDispatcher_TransportLostMidway(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedRecipients(store)

	transport := &mockTransport{}
	transport.On("Push", ctx, jobFor("tok-1")).Return(nil)
	transport.On("Push", ctx, jobFor("tok-2")).Return(ErrTransportUnavailable)

	d := NewDispatcher(store, transport, zerolog.Nop())
	res, err := d.Send(ctx, Message{Target: "petugas", Title: "t", Body: "b"})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 1, res.Failure)
	assert.Equal(t, 1, res.Skipped)
}

func TestDispatcher_CarriesPayload(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	store.PutRecipient(models.Recipient{UserID: 9, Role: "petugas", DeviceToken: token("tok-9")})

	transport := &mockTransport{}
	transport.On("Push", ctx, mock.MatchedBy(func(job models.PushJob) bool {
		return job.Title == "Pakan" && job.Body == "Beri pakan" && job.Data["rule_id"] == "7" && job.DispatchID != ""
	})).Return(nil)

	d := NewDispatcher(store, transport, zerolog.Nop())
	res, err := d.Send(ctx, Message{
		Target: "petugas",
		Title:  "Pakan",
		Body:   "Beri pakan",
		Data:   map[string]string{"rule_id": "7"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	transport.AssertExpectations(t)
}
