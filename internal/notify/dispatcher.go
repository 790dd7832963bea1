package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"farmscheduler/internal/metrics"
	"farmscheduler/internal/models"
	"farmscheduler/internal/storage"
)

var (
	// ErrInvalidToken is returned by a Transport when the device token is permanently dead.
	ErrInvalidToken = errors.New("invalid device token")
	// ErrTransportUnavailable means the transport cannot be reached at all.
	ErrTransportUnavailable = errors.New("push transport unavailable")
)

// Transport delivers one push to one device.
type Transport interface {
	Push(ctx context.Context, job models.PushJob) error
}

// Message is addressed to a role, or to everyone with models.TargetAll.
type Message struct {
	Target string
	Title  string
	Body   string
	Data   map[string]string
}

type RecipientStatus string

const (
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientInvalid RecipientStatus = "invalid_token"
	RecipientSkipped RecipientStatus = "skipped"
)

type RecipientResult struct {
	UserID int64
	Status RecipientStatus
	Err    error
}

type Result struct {
	DispatchID    string
	Success       int
	Failure       int
	Skipped       int
	Results       []RecipientResult
	InvalidTokens []string
}

type Dispatcher struct {
	recipients storage.RecipientSource
	transport  Transport
	now        func() time.Time
	log        zerolog.Logger
}

func NewDispatcher(recipients storage.RecipientSource, transport Transport, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		recipients: recipients,
		transport:  transport,
		now:        time.Now,
		log:        logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Send resolves the recipients of msg at call time and pushes to each of them.
// Per-recipient failures are reported in the Result; an error is returned only
// when nobody could be reached because recipients or the transport were unavailable.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (Result, error) {
	res := Result{DispatchID: uuid.NewString()}

	recipients, err := d.recipients.ListRecipients(ctx, msg.Target)
	if err != nil {
		return res, fmt.Errorf("failed to resolve recipients for %q: %w", msg.Target, err)
	}

	for i, r := range recipients {
		if r.DeviceToken == nil || *r.DeviceToken == "" {
			res.Skipped++
			res.Results = append(res.Results, RecipientResult{UserID: r.UserID, Status: RecipientSkipped})
			continue
		}

		job := models.PushJob{
			DispatchID: res.DispatchID,
			UserID:     r.UserID,
			Token:      *r.DeviceToken,
			Title:      msg.Title,
			Body:       msg.Body,
			Data:       msg.Data,
			CreatedAt:  d.now(),
		}

		err := d.transport.Push(ctx, job)
		switch {
		case err == nil:
			res.Success++
			res.Results = append(res.Results, RecipientResult{UserID: r.UserID, Status: RecipientSent})
		case errors.Is(err, ErrInvalidToken):
			res.Failure++
			res.InvalidTokens = append(res.InvalidTokens, job.Token)
			res.Results = append(res.Results, RecipientResult{UserID: r.UserID, Status: RecipientInvalid, Err: err})
		case errors.Is(err, ErrTransportUnavailable):
			if res.Success == 0 {
				// Tokens already rejected are dead regardless of the transport outage.
				d.prune(ctx, res.DispatchID, res.InvalidTokens)
				return Result{DispatchID: res.DispatchID, InvalidTokens: res.InvalidTokens},
					fmt.Errorf("dispatch %s: %w", res.DispatchID, err)
			}
			// The transport went away midway; everyone left over is a failure.
			for _, rest := range recipients[i:] {
				if rest.DeviceToken == nil || *rest.DeviceToken == "" {
					res.Skipped++
					res.Results = append(res.Results, RecipientResult{UserID: rest.UserID, Status: RecipientSkipped})
					continue
				}
				res.Failure++
				res.Results = append(res.Results, RecipientResult{UserID: rest.UserID, Status: RecipientFailed, Err: err})
			}
			d.finish(ctx, msg, res)
			return res, nil
		default:
			res.Failure++
			res.Results = append(res.Results, RecipientResult{UserID: r.UserID, Status: RecipientFailed, Err: err})
		}
	}

	d.finish(ctx, msg, res)
	return res, nil
}

func (d *Dispatcher) finish(ctx context.Context, msg Message, res Result) {
	d.record(res)
	d.prune(ctx, res.DispatchID, res.InvalidTokens)

	d.log.Info().
		Str("dispatch_id", res.DispatchID).
		Str("target", msg.Target).
		Int("success", res.Success).
		Int("failure", res.Failure).
		Int("skipped", res.Skipped).
		Msg("Dispatch finished")
}

// prune clears tokens best-effort; a failure is only logged.
func (d *Dispatcher) prune(ctx context.Context, dispatchID string, tokens []string) {
	if len(tokens) == 0 {
		return
	}
	if err := d.recipients.ClearDeviceTokens(ctx, tokens); err != nil {
		d.log.Warn().Err(err).
			Str("dispatch_id", dispatchID).
			Int("tokens", len(tokens)).
			Msg("Failed to prune invalid device tokens")
	}
}

func (d *Dispatcher) record(res Result) {
	metrics.DispatchRecipients.WithLabelValues("sent").Add(float64(res.Success))
	metrics.DispatchRecipients.WithLabelValues("failed").Add(float64(res.Failure))
	metrics.DispatchRecipients.WithLabelValues("skipped").Add(float64(res.Skipped))
}
