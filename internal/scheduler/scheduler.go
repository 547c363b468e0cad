package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
)

// Runner executes one ingestion batch.
type Runner interface {
	Run(ctx context.Context) (airquality.RunReport, error)
}

// Result is the outcome of the most recent run.
type Result struct {
	Report     airquality.RunReport `json:"report"`
	Error      string               `json:"error,omitempty"`
	FinishedAt time.Time            `json:"finishedAt"`
}

// Scheduler triggers the pipeline periodically. It is an external trigger
// only; the pipeline itself never schedules.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	interval  time.Duration
	timeout   time.Duration

	mu   sync.RWMutex
	last *Result
}

// New creates a new Scheduler. timeout bounds each scheduled run.
func New(runner Runner, interval, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	s := gocron.NewScheduler(time.UTC)
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		interval:  interval,
		timeout:   timeout,
	}
}

// Start schedules the periodic job and starts the underlying scheduler. The
// first run fires immediately.
func (s *Scheduler) Start() error {
	interval := s.interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	_, err := s.scheduler.Every(interval).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		log.Info().Msg("scheduler: running ingestion job")
		if _, err := s.RunNow(ctx); err != nil {
			ev := log.Error()
			if errors.Is(err, airquality.ErrLocked) {
				ev = log.Warn()
			}
			ev.Err(err).Msg("scheduler: ingestion job failed")
			return
		}
		log.Info().Msg("scheduler: completed ingestion job")
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// RunNow runs one batch synchronously and records its outcome.
func (s *Scheduler) RunNow(ctx context.Context) (airquality.RunReport, error) {
	report, err := s.runner.Run(ctx)

	res := &Result{Report: report, FinishedAt: time.Now().UTC()}
	if err != nil {
		res.Error = err.Error()
	}
	// A run rejected by the lock never started, so keep the previous result.
	if !errors.Is(err, airquality.ErrLocked) {
		s.mu.Lock()
		s.last = res
		s.mu.Unlock()
	}
	return report, err
}

// Last returns the outcome of the most recent run, if any.
func (s *Scheduler) Last() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
