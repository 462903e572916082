// Package backoff defines the retry eligibility curve for failed jobs.
//
// A failed job becomes claimable again once Delay(retries) has elapsed since
// its last_retry timestamp. The curve is evaluated twice: in SQL by the
// claim query, and in Go when reporting when a job will next be attempted.
// Both must agree, so the SQL fragment lives next to the Go formula.
package backoff

import (
	"math"
	"strconv"
	"time"
)

// MaxExponent clamps 2^retries so now() minus the computed interval stays
// inside the Postgres timestamp range for any sane initial delay.
const MaxExponent = 20

// Exponential doubles the delay with every recorded retry.
// Delay = min(Initial * 2^retries, Max). A zero Max means uncapped.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff curve.
func NewExponential(initial, maxDelay time.Duration) Exponential {
	return Exponential{Initial: initial, Max: maxDelay}
}

// Default returns the curve used when nothing is configured: one minute,
// doubling, capped at one day.
func Default() Exponential {
	return NewExponential(time.Minute, 24*time.Hour)
}

// Delay returns how long a job that has failed retries times must wait after
// its last attempt before it is eligible again. A job that has never failed
// has no delay.
func (e Exponential) Delay(retries int) time.Duration {
	if retries <= 0 || e.Initial <= 0 {
		return 0
	}
	exp := min(retries, MaxExponent)
	d := float64(e.Initial) * math.Pow(2, float64(exp))
	delay := time.Duration(math.MaxInt64)
	if d < float64(math.MaxInt64) {
		delay = time.Duration(d)
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// NextAttempt returns the earliest time a job last tried at lastRetry may be
// claimed again.
func (e Exponential) NextAttempt(lastRetry time.Time, retries int) time.Time {
	return lastRetry.Add(e.Delay(retries))
}

// SQLArgs returns the two positional arguments consumed by EligibleClause:
// the initial delay in seconds and the cap in seconds (nil when uncapped,
// which LEAST ignores).
func (e Exponential) SQLArgs() (initialSeconds float64, maxSeconds any) {
	initialSeconds = max(e.Initial.Seconds(), 0)
	if e.Max > 0 {
		return initialSeconds, e.Max.Seconds()
	}
	return initialSeconds, nil
}

// EligibleClause renders the SQL predicate matching Delay. initialParam and
// maxParam are the placeholders (e.g. "$1", "$2") bound to SQLArgs.
//
// Rows with retries = 0 yield a zero interval, so a fresh row (last_retry =
// 'epoch') is always eligible.
func EligibleClause(initialParam, maxParam string) string {
	return "last_retry < now() - LEAST(" +
		"make_interval(secs => CASE WHEN retries = 0 THEN 0 ELSE " + initialParam +
		"::float8 * power(2, LEAST(retries, " + strconv.Itoa(MaxExponent) + ")) END), " +
		"make_interval(secs => " + maxParam + "::float8))"
}
