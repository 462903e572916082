package worker

import (
	"errors"
	"fmt"
)

// errJobPanicked is the fallback when a recovered value carries no usable
// message.
var errJobPanicked = errors.New("job panicked")

// errJobExited reports a handler that ended its goroutine with
// runtime.Goexit instead of returning.
var errJobExited = fmt.Errorf("%w: handler exited without returning", errJobPanicked)

// panicError converts a value recovered from a job handler into an error.
// It prefers, in order, an error value, a string, and a fmt.Stringer.
func panicError(r any) error {
	switch v := r.(type) {
	case error:
		return fmt.Errorf("job panicked: %w", v)
	case string:
		return fmt.Errorf("job panicked: %s", v)
	case fmt.Stringer:
		return fmt.Errorf("job panicked: %s", v.String())
	default:
		return errJobPanicked
	}
}
