package worker

import (
	"context"
	"time"

	"github.com/wb-go/wbf/retry"

	"farmscheduler/internal/notify"
)

// Job is one independent unit of work run on every tick.
type Job interface {
	Name() string
	Run(ctx context.Context) JobReport
}

// Notifier is the dispatcher as seen by the evaluators.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) (notify.Result, error)
}

// JobReport summarises one job run. For evaluators Processed counts fired rules;
// for the reconciler it counts expired orders. Elsewhere and AlreadyRan mark a
// job skipped because its slot lease is held by another replica or by this one.
type JobReport struct {
	Job        string        `json:"job"`
	Scanned    int           `json:"scanned"`
	Processed  int           `json:"processed"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Elsewhere  bool          `json:"held_elsewhere"`
	AlreadyRan bool          `json:"already_ran_this_slot"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// listStrategy retries the per-tick listing query before giving up on the tick.
var listStrategy = retry.Strategy{
	Attempts: 3,
	Delay:    100 * time.Millisecond,
	Backoff:  2,
}
