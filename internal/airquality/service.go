package airquality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/i474232898/air-quality-ingestion/internal/common"
	"github.com/i474232898/air-quality-ingestion/internal/metrics"
)

// Options tune a Service.
type Options struct {
	// Workers bounds concurrent fetches. Values < 1 mean sequential.
	Workers int
	// LogMaxAge prunes log rows older than this. Zero keeps everything.
	LogMaxAge time.Duration
}

// Service runs the fetch, normalize, classify and merge pipeline once per
// call to Run. It does not schedule itself.
type Service struct {
	fetcher   Fetcher
	store     Store
	targets   Targets
	opts      Options
	lock      RunLock
	publisher Publisher
	now       func() time.Time
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithRunLock guards each run with lock.
func WithRunLock(lock RunLock) Option {
	return func(s *Service) { s.lock = lock }
}

// WithPublisher forwards each finished batch to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new Service.
func NewService(fetcher Fetcher, store Store, targets Targets, opts Options, extra ...Option) *Service {
	s := &Service{
		fetcher: fetcher,
		store:   store,
		targets: targets,
		opts:    opts,
		now:     time.Now,
	}
	for _, o := range extra {
		o(s)
	}
	return s
}

// Targets returns the configured fetch targets.
func (s *Service) Targets() Targets {
	return s.targets
}

// Run executes one batch. Per-target failures are logged and excluded from
// the batch; configuration, lock and persistence failures abort the run.
func (s *Service) Run(ctx context.Context) (report RunReport, err error) {
	report = RunReport{
		RunID:     uuid.NewString(),
		StartedAt: s.now().UTC(),
		Targets:   len(s.targets),
	}
	logger := log.With().Str("run_id", report.RunID).Logger()

	defer func() {
		report.Duration = s.now().Sub(report.StartedAt)
		metrics.RecordRun(report.Duration, err)
	}()

	if len(s.targets) == 0 {
		return report, &ConfigError{Reason: "no fetch targets configured"}
	}

	if s.lock != nil {
		release, lockErr := s.lock.Acquire(ctx)
		if lockErr != nil {
			return report, lockErr
		}
		defer func() {
			if relErr := release(); relErr != nil {
				logger.Warn().Err(relErr).Msg("failed to release run lock")
			}
		}()
	}

	logger.Info().Int("targets", len(s.targets)).Str("provider", s.fetcher.Name()).Msg("starting ingestion run")

	results := s.collect(ctx, logger)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, fmt.Errorf("run cancelled before persistence: %w", ctxErr)
	}

	batch := make([]ObservationRecord, 0, len(results))
	for _, res := range results {
		switch {
		case res.Err != nil:
			report.Failed++
		case res.Record == nil:
			report.Fetched++
			report.Dropped++
		default:
			report.Fetched++
			batch = append(batch, *res.Record)
		}
		if res.Err == nil && res.URL != "" {
			report.URLs = append(report.URLs, res.URL)
		}
	}

	if err := s.persist(ctx, logger, batch, &report); err != nil {
		return report, err
	}

	provErr := s.store.WriteProvenance(ctx, report.URLs)
	metrics.RecordPersist("provenance", provErr)
	if provErr != nil {
		logger.Warn().Err(provErr).Msg("failed to write provenance record")
	}

	if s.publisher != nil && len(batch) > 0 {
		pubErr := s.publisher.Publish(ctx, report.RunID, batch)
		metrics.RecordPersist("publish", pubErr)
		if pubErr != nil {
			logger.Warn().Err(pubErr).Msg("failed to publish batch")
		}
	}

	logger.Info().
		Int("fetched", report.Fetched).
		Int("failed", report.Failed).
		Int("dropped", report.Dropped).
		Int("snapshot_rows", report.SnapshotRows).
		Int("log_rows", report.LogRows).
		Int("log_added", report.LogAdded).
		Msg("ingestion run completed")

	return report, nil
}

func (s *Service) persist(ctx context.Context, logger zerolog.Logger, batch []ObservationRecord, report *RunReport) error {
	if err := s.store.WriteSnapshot(ctx, batch); err != nil {
		metrics.RecordPersist("snapshot", err)
		return asPersistence("write snapshot", err)
	}
	metrics.RecordPersist("snapshot", nil)
	report.SnapshotRows = len(batch)
	logger.Info().Int("rows", len(batch)).Msg("saved latest snapshot")

	existing, err := s.store.ReadLog(ctx)
	switch {
	case errors.Is(err, ErrLogUnreadable):
		logger.Warn().Err(err).Msg("historical log preserved aside; starting a new one")
		existing = nil
	case err != nil:
		metrics.RecordPersist("log", err)
		return asPersistence("read log", err)
	}

	merged := MergeWithStats(existing, batch)
	if merged.Unkeyed > 0 {
		logger.Warn().Int("rows", merged.Unkeyed).Msg("records without a valid timestamp were left out of the log")
	}

	rows := merged.Log
	if s.opts.LogMaxAge > 0 {
		var pruned int
		rows, pruned = PruneBefore(rows, s.now().Add(-s.opts.LogMaxAge))
		if pruned > 0 {
			logger.Info().Int("rows", pruned).Dur("max_age", s.opts.LogMaxAge).Msg("pruned historical log")
		}
	}

	if err := s.store.WriteLog(ctx, rows); err != nil {
		metrics.RecordPersist("log", err)
		return asPersistence("write log", err)
	}
	metrics.RecordPersist("log", nil)
	metrics.LogRows.Set(float64(len(rows)))

	report.LogRows = len(rows)
	report.LogAdded = merged.Added
	logger.Info().Int("rows", len(rows)).Int("added", merged.Added).Int("replaced", merged.Replaced).Msg("historical log updated")
	return nil
}

// collect fans the targets out over a bounded worker pool. Results are
// placed by target index so the batch order does not depend on completion
// order.
func (s *Service) collect(ctx context.Context, logger zerolog.Logger) []FetchResult {
	results := make([]FetchResult, len(s.targets))

	numWorkers := s.opts.Workers
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(s.targets) {
		numWorkers = len(s.targets)
	}

	jobs := make(chan int, len(s.targets))
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = s.fetchOne(ctx, logger, s.targets[idx])
			}
		}()
	}

	for i := range s.targets {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func (s *Service) fetchOne(ctx context.Context, logger zerolog.Logger, target FetchTarget) FetchResult {
	res := FetchResult{Target: target}
	l := logger.With().Str("city", target.Name).Logger()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	raw, err := s.fetcher.Fetch(ctx, target)
	if err != nil {
		l.Warn().Err(err).Msg("fetch failed")
		metrics.RecordFetch(target.Name, "error")
		res.Err = err
		return res
	}
	res.URL = raw.URL

	rec, err := Normalize(raw.Feed, target, target.Name)
	if rec == nil {
		ev := l.Warn()
		if common.HasAnyFold(raw.Feed.Message, "invalid key", "over quota") {
			ev = l.Error()
		}
		ev.Str("status", raw.Feed.Status).Str("message", raw.Feed.Message).Msg("provider returned non-ok status; record dropped")
		metrics.RecordFetch(target.Name, "dropped")
		return res
	}
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			l.Warn().Err(err).Msg("observation time unparsable; record kept with invalid timestamp")
		}
	}

	metrics.RecordFetch(target.Name, "ok")
	metrics.RecordsByCategory.WithLabelValues(string(rec.Category())).Inc()
	if rec.AQI != nil {
		metrics.LatestAQI.WithLabelValues(rec.City).Set(*rec.AQI)
	}
	l.Debug().Str("category", string(rec.Category())).Str("observed_at", rec.ObservedAt.String()).Msg("normalized record")

	res.Record = rec
	return res
}

func asPersistence(op string, err error) error {
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
