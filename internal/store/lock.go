package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
)

const LockFile = ".ingest.lock"

// FileLock is a run lock backed by an exclusively created file in the data
// directory. A lock older than staleAfter is assumed to belong to a crashed
// run and is taken over.
type FileLock struct {
	path       string
	staleAfter time.Duration
}

// NewFileLock creates a lock for dir. staleAfter <= 0 disables takeover.
func NewFileLock(dir string, staleAfter time.Duration) *FileLock {
	return &FileLock{path: filepath.Join(dir, LockFile), staleAfter: staleAfter}
}

// Acquire creates the lock file or returns airquality.ErrLocked.
func (l *FileLock) Acquire(ctx context.Context) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			f.Close()
			if werr != nil {
				os.Remove(l.path)
				return nil, fmt.Errorf("write lock file: %w", werr)
			}
			return l.release, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if attempt > 0 || !l.stale() {
			break
		}
		log.Warn().Str("path", l.path).Msg("removing stale run lock")
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lock file %s exists", airquality.ErrLocked, l.path)
}

func (l *FileLock) stale() bool {
	if l.staleAfter <= 0 {
		return false
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > l.staleAfter
}

func (l *FileLock) release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
