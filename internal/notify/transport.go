package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"

	"farmscheduler/internal/models"
)

// Publisher is the queue side of the push gateway.
type Publisher interface {
	PublishPush(ctx context.Context, job models.PushJob) error
}

// QueueTransport enqueues pushes for the gateway. Invalid tokens come back
// asynchronously as receipts, so Push never returns ErrInvalidToken.
type QueueTransport struct {
	publisher Publisher
	strategy  retry.Strategy
}

func NewQueueTransport(publisher Publisher) *QueueTransport {
	return &QueueTransport{
		publisher: publisher,
		strategy: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
	}
}

func (t *QueueTransport) Push(ctx context.Context, job models.PushJob) error {
	err := retry.DoContext(ctx, t.strategy, func() error {
		return t.publisher.PublishPush(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// LogTransport only logs pushes. Used by the memory driver for dry runs.
type LogTransport struct {
	log zerolog.Logger
}

func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{log: logger.With().Str("component", "log-transport").Logger()}
}

func (t *LogTransport) Push(ctx context.Context, job models.PushJob) error {
	t.log.Info().
		Str("dispatch_id", job.DispatchID).
		Int64("user_id", job.UserID).
		Str("title", job.Title).
		Interface("data", job.Data).
		Msg("Push (dry run)")
	return nil
}
