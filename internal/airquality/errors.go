package airquality

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks malformed target configuration. Fatal before any fetch.
	ErrConfig = errors.New("config error")
	// ErrFetch marks a network or HTTP failure for one target.
	ErrFetch = errors.New("fetch error")
	// ErrParse marks a malformed payload or unparsable timestamp.
	ErrParse = errors.New("parse error")
	// ErrPersistence marks a failed write of snapshot, log or provenance.
	ErrPersistence = errors.New("persistence error")
	// ErrLocked is returned when another run holds the run lock.
	ErrLocked = errors.New("run already in progress")
	// ErrLogUnreadable is returned by a Store whose log could not be decoded
	// and has already been preserved elsewhere. The run continues with an
	// empty history.
	ErrLogUnreadable = errors.New("historical log unreadable")
)

// ConfigError describes a single bad configuration entry.
type ConfigError struct {
	Entry  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("config error: %s", e.Reason)
	}
	return fmt.Sprintf("config error: entry %q: %s", e.Entry, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// FetchError wraps the failure of one target's request.
type FetchError struct {
	Target string
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Target, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Target, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// ParseError wraps a payload field that could not be decoded.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// PersistenceError wraps a failed durable write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
