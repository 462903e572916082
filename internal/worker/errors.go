package worker

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by errors.Is against a *FetchError.
var (
	ErrFailedLoadingJob     = errors.New("failed to load job")
	ErrNoDatabaseConnection = errors.New("no database connection")
	ErrNoMessageReceived    = errors.New("no message received from worker")
)

// FetchErrorKind is the terminal outcome of a failed polling run.
type FetchErrorKind int

const (
	FailedLoadingJob FetchErrorKind = iota
	NoDatabaseConnection
	NoMessageReceived
)

// FetchError is returned by RunAllPendingJobs when a polling run ends on
// anything other than an empty queue. The caller is expected to log it and
// try again on its own schedule.
type FetchError struct {
	Kind FetchErrorKind
	// Err is the underlying cause for FailedLoadingJob and
	// NoDatabaseConnection.
	Err error
	// Timeout is the wait that elapsed for NoMessageReceived.
	Timeout time.Duration
}

func (e *FetchError) sentinel() error {
	switch e.Kind {
	case FailedLoadingJob:
		return ErrFailedLoadingJob
	case NoDatabaseConnection:
		return ErrNoDatabaseConnection
	default:
		return ErrNoMessageReceived
	}
}

func (e *FetchError) Error() string {
	if e.Kind == NoMessageReceived {
		return fmt.Sprintf("%v within %s", ErrNoMessageReceived, e.Timeout)
	}
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%v: %v", e.sentinel(), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *FetchError) Is(target error) bool { return target == e.sentinel() }

// JobsFailedError reports the number of dead-lettered jobs found by
// CheckForFailedJobs.
type JobsFailedError struct {
	Count int64
}

func (e *JobsFailedError) Error() string {
	return fmt.Sprintf("%d jobs failed", e.Count)
}

// PanicError reports worker tasks that terminated abnormally. Job panics are
// already recovered per attempt, so a non-zero count means the runner itself
// hit a broken invariant (e.g. a commit failure after a claim).
type PanicError struct {
	Count int
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%d worker tasks panicked", e.Count)
}
