package airquality

import "context"

// Fetcher abstracts the remote air-quality source (WAQI geo feed).
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, target FetchTarget) (RawResponse, error)
}

// Store is the storage port for the snapshot, the historical log and the
// provenance record. CSV files are the default; see package store.
type Store interface {
	ReadLog(ctx context.Context) ([]ObservationRecord, error)
	WriteLog(ctx context.Context, records []ObservationRecord) error
	WriteSnapshot(ctx context.Context, records []ObservationRecord) error
	WriteProvenance(ctx context.Context, urls []string) error
}

// RunLock provides mutual exclusion between concurrent pipeline runs that
// share the same log location.
type RunLock interface {
	Acquire(ctx context.Context) (release func() error, err error)
}

// Publisher forwards a finished batch to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, runID string, records []ObservationRecord) error
}
