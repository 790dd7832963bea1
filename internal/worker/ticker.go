package worker

import (
	"context"
	"time"
)

// RunEvery calls fn at every interval boundary until ctx is cancelled. The first
// call waits for the next wall-clock multiple of interval. fn runs on the calling
// goroutine, so calls never overlap and RunEvery returns only after the last
// call has finished.
func RunEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	first := time.Until(time.Now().Truncate(interval).Add(interval))
	timer := time.NewTimer(first)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		fn(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
	}
}
