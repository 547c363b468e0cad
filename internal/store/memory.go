package store

import (
	"context"
	"errors"
	"sync"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
)

var (
	// ErrNotFound is returned when no snapshot has been written yet.
	ErrNotFound = errors.New("no air-quality snapshot")
)

// MemoryStore is a concurrency-safe in-memory implementation of the storage
// port. It backs dry runs and tests.
type MemoryStore struct {
	mu sync.RWMutex

	snapshot   []airquality.ObservationRecord
	log        []airquality.ObservationRecord
	provenance []string
	written    bool
}

// NewMemoryStore creates a MemoryStore, optionally seeded with an existing log.
func NewMemoryStore(seed ...airquality.ObservationRecord) *MemoryStore {
	return &MemoryStore{log: clone(seed)}
}

func (s *MemoryStore) ReadLog(_ context.Context) ([]airquality.ObservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.log), nil
}

func (s *MemoryStore) WriteLog(_ context.Context, records []airquality.ObservationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = clone(records)
	return nil
}

func (s *MemoryStore) WriteSnapshot(_ context.Context, records []airquality.ObservationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = clone(records)
	s.written = true
	return nil
}

func (s *MemoryStore) WriteProvenance(_ context.Context, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provenance = append([]string(nil), urls...)
	return nil
}

// ReadSnapshot returns the last written snapshot, or ErrNotFound if no run
// has written one yet.
func (s *MemoryStore) ReadSnapshot(_ context.Context) ([]airquality.ObservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.written {
		return nil, ErrNotFound
	}
	return clone(s.snapshot), nil
}

// Provenance returns the URLs recorded by the last run.
func (s *MemoryStore) Provenance() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.provenance...)
}

func clone(records []airquality.ObservationRecord) []airquality.ObservationRecord {
	if records == nil {
		return nil
	}
	out := make([]airquality.ObservationRecord, len(records))
	copy(out, records)
	return out
}
