package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmscheduler/internal/clock"
	"farmscheduler/internal/models"
	"farmscheduler/internal/storage"
)

func TestShouldFireGlobal(t *testing.T) {
	date := func(y int, m time.Month, d int) *time.Time {
		t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return &t
	}

	tests := []struct {
		name string
		rule models.GlobalRule
		now  time.Time
		want bool
	}{
		{
			name: "repeating at scheduled minute, never fired",
			rule: models.GlobalRule{Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0)},
			now:  at(2024, 3, 1, 9, 0),
			want: true,
		},
		{
			name: "repeating one minute late",
			rule: models.GlobalRule{Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0)},
			now:  at(2024, 3, 1, 9, 1),
			want: false,
		},
		{
			name: "repeating already fired today",
			rule: models.GlobalRule{Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), LastTriggeredAt: ptrTime(at(2024, 3, 1, 9, 0))},
			now:  at(2024, 3, 1, 9, 0),
			want: false,
		},
		{
			name: "repeating fired yesterday",
			rule: models.GlobalRule{Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), LastTriggeredAt: ptrTime(at(2024, 2, 29, 9, 0))},
			now:  at(2024, 3, 1, 9, 0),
			want: true,
		},
		{
			name: "repeating last trigger compared in farm time",
			// 2024-03-01 01:30 UTC is 08:30 on the same day in Jakarta.
			rule: models.GlobalRule{Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), LastTriggeredAt: ptrTime(time.Date(2024, 3, 1, 1, 30, 0, 0, time.UTC))},
			now:  at(2024, 3, 1, 9, 0),
			want: false,
		},
		{
			name: "once before scheduled date",
			rule: models.GlobalRule{Kind: models.GlobalOnce, ScheduledTime: hm(8, 0), ScheduledDate: date(2024, 3, 1)},
			now:  at(2024, 2, 28, 9, 0),
			want: false,
		},
		{
			name: "once on date before time",
			rule: models.GlobalRule{Kind: models.GlobalOnce, ScheduledTime: hm(8, 0), ScheduledDate: date(2024, 3, 1)},
			now:  at(2024, 3, 1, 7, 59),
			want: false,
		},
		{
			name: "once late tick still fires",
			rule: models.GlobalRule{Kind: models.GlobalOnce, ScheduledTime: hm(8, 0), ScheduledDate: date(2024, 3, 1)},
			now:  at(2024, 3, 1, 8, 5),
			want: true,
		},
		{
			name: "once on a later day waits for the time of day",
			rule: models.GlobalRule{Kind: models.GlobalOnce, ScheduledTime: hm(8, 0), ScheduledDate: date(2024, 3, 1)},
			now:  at(2024, 3, 3, 7, 0),
			want: false,
		},
		{
			name: "once already fired",
			rule: models.GlobalRule{Kind: models.GlobalOnce, ScheduledTime: hm(8, 0), ScheduledDate: date(2024, 3, 1), LastTriggeredAt: ptrTime(at(2024, 3, 1, 8, 5))},
			now:  at(2024, 3, 5, 9, 0),
			want: false,
		},
		{
			name: "once without a date never fires",
			rule: models.GlobalRule{Kind: models.GlobalOnce, ScheduledTime: hm(8, 0)},
			now:  at(2024, 3, 1, 8, 0),
			want: false,
		},
		{
			name: "unknown kind",
			rule: models.GlobalRule{Kind: "hourly", ScheduledTime: hm(8, 0)},
			now:  at(2024, 3, 1, 8, 0),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldFireGlobal(tt.rule, tt.now))
		})
	}
}

func newGlobalFixture(now time.Time) (*storage.MemoryStorage, *recordingNotifier, *clock.Fixed, *GlobalEvaluator) {
	store := storage.NewMemoryStorage()
	notifier := &recordingNotifier{}
	clk := clock.NewFixed(now)
	return store, notifier, clk, NewGlobalEvaluator(store, notifier, clk, zerolog.Nop())
}

// Repeating rules fire once per day at most, and the current behaviour also
// deactivates them after the first fire.
func TestGlobalEvaluator_RepeatingFiresOncePerDay(t *testing.T) {
	ctx := context.Background()
	store, notifier, clk, eval := newGlobalFixture(at(2024, 3, 1, 9, 0))
	store.PutGlobalRule(models.GlobalRule{
		ID: 1, Title: "Morning check", Message: "Check the water", TargetRole: "petugas",
		Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), Active: true,
	})

	report := eval.Run(ctx)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, notifier.messages(), 1)

	rule, _ := store.GlobalRule(1)
	require.NotNil(t, rule.LastTriggeredAt)
	assert.True(t, rule.LastTriggeredAt.Equal(at(2024, 3, 1, 9, 0)))
	assert.False(t, rule.Active)

	// Same minute again: nothing new.
	eval.Run(ctx)
	assert.Len(t, notifier.messages(), 1)

	// Next day: the rule is dormant, so it stays silent.
	clk.Set(at(2024, 3, 2, 9, 0))
	eval.Run(ctx)
	assert.Len(t, notifier.messages(), 1)

	// Once reactivated it fires again on the next matching day.
	rule.Active = true
	store.PutGlobalRule(rule)
	report = eval.Run(ctx)
	assert.Equal(t, 1, report.Processed)
	assert.Len(t, notifier.messages(), 2)

	// And still only once that day.
	rule, _ = store.GlobalRule(1)
	rule.Active = true
	store.PutGlobalRule(rule)
	eval.Run(ctx)
	assert.Len(t, notifier.messages(), 2)
}

func TestGlobalEvaluator_OnceFiresOnlyOnce(t *testing.T) {
	ctx := context.Background()
	scheduled := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store, notifier, clk, eval := newGlobalFixture(at(2024, 2, 28, 8, 0))
	store.PutGlobalRule(models.GlobalRule{
		ID: 2, Title: "Harvest", Message: "Harvest day", TargetRole: models.TargetAll,
		Kind: models.GlobalOnce, ScheduledTime: hm(8, 0), ScheduledDate: &scheduled, Active: true,
	})

	eval.Run(ctx)
	assert.Empty(t, notifier.messages())

	clk.Set(at(2024, 3, 1, 8, 5))
	report := eval.Run(ctx)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, notifier.messages(), 1)

	rule, _ := store.GlobalRule(2)
	require.NotNil(t, rule.LastTriggeredAt)
	assert.True(t, rule.LastTriggeredAt.Equal(at(2024, 3, 1, 8, 5)))

	// Even if someone reactivates it, a once rule never fires again.
	rule.Active = true
	store.PutGlobalRule(rule)
	for _, now := range []time.Time{at(2024, 3, 1, 8, 6), at(2024, 3, 2, 8, 0), at(2025, 1, 1, 12, 0)} {
		clk.Set(now)
		eval.Run(ctx)
	}
	assert.Len(t, notifier.messages(), 1)
}

func TestGlobalEvaluator_MessageShape(t *testing.T) {
	ctx := context.Background()
	store, notifier, _, eval := newGlobalFixture(at(2024, 3, 1, 9, 0))
	store.PutGlobalRule(models.GlobalRule{
		ID: 7, Title: "Announcement", Message: "Market closed", Kind: models.GlobalRepeating,
		ScheduledTime: hm(9, 0), Active: true,
	})

	eval.Run(ctx)
	msgs := notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.TargetAll, msgs[0].Target)
	assert.Equal(t, "Announcement", msgs[0].Title)
	assert.Equal(t, "Market closed", msgs[0].Body)
	assert.Equal(t, map[string]string{"type": "global_notification", "rule_id": "7"}, msgs[0].Data)
}

func TestGlobalEvaluator_SkipsInactiveAndDeleted(t *testing.T) {
	ctx := context.Background()
	store, notifier, _, eval := newGlobalFixture(at(2024, 3, 1, 9, 0))
	store.PutGlobalRule(models.GlobalRule{ID: 1, Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), Active: false})
	store.PutGlobalRule(models.GlobalRule{ID: 2, Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), Active: true, Deleted: true})

	report := eval.Run(ctx)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, notifier.messages())
}

func TestGlobalEvaluator_DispatchFailureKeepsRulePending(t *testing.T) {
	ctx := context.Background()
	store, notifier, _, eval := newGlobalFixture(at(2024, 3, 1, 9, 0))
	notifier.err = errors.New("transport down")
	store.PutGlobalRule(models.GlobalRule{ID: 1, Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), Active: true})

	report := eval.Run(ctx)
	assert.Equal(t, 1, report.Failed)

	rule, _ := store.GlobalRule(1)
	assert.Nil(t, rule.LastTriggeredAt)
	assert.True(t, rule.Active)
}

// failingRuleStore fails persistence for one rule id.
type failingRuleStore struct {
	*storage.MemoryStorage
	failID int64
}

func (s failingRuleStore) UpdateGlobalRule(ctx context.Context, id int64, last time.Time, active bool) error {
	if id == s.failID {
		return errors.New("connection reset")
	}
	return s.MemoryStorage.UpdateGlobalRule(ctx, id, last, active)
}

func (s failingRuleStore) UpdateUnitRule(ctx context.Context, id int64, last time.Time) error {
	if id == s.failID {
		return errors.New("connection reset")
	}
	return s.MemoryStorage.UpdateUnitRule(ctx, id, last)
}

func TestGlobalEvaluator_PersistFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	for id := int64(1); id <= 3; id++ {
		mem.PutGlobalRule(models.GlobalRule{ID: id, Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), Active: true})
	}
	notifier := &recordingNotifier{}
	eval := NewGlobalEvaluator(failingRuleStore{MemoryStorage: mem, failID: 2}, notifier, clock.NewFixed(at(2024, 3, 1, 9, 0)), zerolog.Nop())

	report := eval.Run(ctx)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)
	// Dispatch happened before the failed write, so all three were notified.
	assert.Len(t, notifier.messages(), 3)

	r1, _ := mem.GlobalRule(1)
	r2, _ := mem.GlobalRule(2)
	r3, _ := mem.GlobalRule(3)
	assert.NotNil(t, r1.LastTriggeredAt)
	assert.Nil(t, r2.LastTriggeredAt)
	assert.NotNil(t, r3.LastTriggeredAt)
}

func TestGlobalEvaluator_StopsBetweenRulesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store, notifier, _, eval := newGlobalFixture(at(2024, 3, 1, 9, 0))
	store.PutGlobalRule(models.GlobalRule{ID: 1, Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), Active: true})

	report := eval.Run(ctx)
	assert.Zero(t, report.Processed)
	assert.Empty(t, notifier.messages())
}

// utcClock reports instants in UTC while the farm runs on another zone.
type utcClock struct {
	now time.Time
	loc *time.Location
}

func (c utcClock) Now() time.Time { return c.now.UTC() }

func (c utcClock) Location() *time.Location { return c.loc }

func TestGlobalEvaluator_EvaluatesInFarmLocation(t *testing.T) {
	store := storage.NewMemoryStorage()
	notifier := &recordingNotifier{}
	// 09:00 in Jakarta is 02:00 UTC.
	clk := utcClock{now: at(2024, 3, 1, 9, 0), loc: jakarta}
	eval := NewGlobalEvaluator(store, notifier, clk, zerolog.Nop())
	store.PutGlobalRule(models.GlobalRule{ID: 1, Kind: models.GlobalRepeating, ScheduledTime: hm(9, 0), Active: true})

	report := eval.Run(context.Background())
	assert.Equal(t, 1, report.Processed)
	assert.Len(t, notifier.messages(), 1)
}
