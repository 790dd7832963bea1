package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"farmscheduler/internal/clock"
	"farmscheduler/internal/metrics"
)

// Locker grants a lease to a single replica per key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// TickReport describes one tick.
type TickReport struct {
	Slot       time.Time   `json:"slot"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Manual     bool        `json:"manual"`
	Jobs       []JobReport `json:"jobs"`
}

// Scheduler drives all jobs from a single recurring timer. Ticks never overlap:
// a tick requested while another is running is skipped.
type Scheduler struct {
	jobs     []Job
	locker   Locker
	clock    clock.Clock
	interval time.Duration
	log      zerolog.Logger

	running sync.Mutex

	leaseMu sync.Mutex
	leased  map[string]time.Time // job name -> last slot this replica leased

	mu   sync.RWMutex
	last *TickReport

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Scheduler)

// WithLocker makes every job take a per-slot lease before running.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func NewScheduler(jobs []Job, clk clock.Clock, interval time.Duration, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:     jobs,
		clock:    clk,
		interval: interval,
		log:      logger.With().Str("component", "scheduler").Logger(),
		leased:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		RunEvery(ctx, s.interval, func(ctx context.Context) {
			s.Tick(ctx, false)
		})
	}()
	s.log.Info().Dur("interval", s.interval).Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop stops scheduling new ticks and waits for the running one to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info().Msg("Scheduler stopped")
}

// Tick runs every job once, concurrently, and waits for all of them. It returns
// false without doing anything when a tick is already running.
func (s *Scheduler) Tick(ctx context.Context, manual bool) (TickReport, bool) {
	if !s.running.TryLock() {
		metrics.SkippedTicks.Inc()
		s.log.Warn().Bool("manual", manual).Msg("Previous tick still running, skipping")
		return TickReport{}, false
	}
	defer s.running.Unlock()

	now := s.clock.Now()
	report := TickReport{
		Slot:      now.Truncate(s.interval),
		StartedAt: now,
		Manual:    manual,
		Jobs:      make([]JobReport, len(s.jobs)),
	}

	var g errgroup.Group
	for i, job := range s.jobs {
		i, job := i, job
		g.Go(func() error {
			report.Jobs[i] = s.runJob(ctx, job, report.Slot)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = s.clock.Now()

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	s.log.Debug().
		Time("slot", report.Slot).
		Interface("jobs", report.Jobs).
		Msg("Tick finished")
	return report, true
}

// runJob isolates one job: a lease conflict skips it and a panic is logged, never
// propagated to the other jobs.
func (s *Scheduler) runJob(ctx context.Context, job Job, slot time.Time) (report JobReport) {
	start := time.Now()
	report = JobReport{Job: job.Name()}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job", job.Name()).Interface("panic", r).Msg("Job panicked")
			report.Error = fmt.Sprintf("panic: %v", r)
		}
		report.Duration = time.Since(start)
		metrics.JobDuration.WithLabelValues(job.Name()).Observe(report.Duration.Seconds())
	}()

	if s.locker != nil {
		key := job.Name() + ":" + strconv.FormatInt(slot.Unix(), 10)
		ok, err := s.locker.Acquire(ctx, key, 2*s.interval)
		switch {
		case err != nil:
			// Without the lease store, running is preferable to silently missing the slot.
			s.log.Warn().Err(err).Str("job", job.Name()).Msg("Lease unavailable, running without it")
		case !ok:
			if s.leasedHere(job.Name(), slot) {
				report.AlreadyRan = true
			} else {
				report.Elsewhere = true
			}
			return report
		default:
			s.markLeased(job.Name(), slot)
		}
	}

	report = job.Run(ctx)
	report.Job = job.Name()
	return report
}

func (s *Scheduler) markLeased(job string, slot time.Time) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	s.leased[job] = slot
}

func (s *Scheduler) leasedHere(job string, slot time.Time) bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	last, ok := s.leased[job]
	return ok && last.Equal(slot)
}

// LastTick returns the most recent finished tick.
func (s *Scheduler) LastTick() (TickReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return TickReport{}, false
	}
	return *s.last, true
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}
