package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Claimed.Inc()
	m.Failed.WithLabelValues(ReasonPanic).Inc()
	m.PollRuns.WithLabelValues("ok").Inc()
	m.DeadLetters.Set(3)

	n, err := promtestutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// succeeded_total, claimed_total, dead_letters, and one series each for
	// the two vectors touched above.
	if n != 5 {
		t.Errorf("series = %d, want 5", n)
	}
	if got := promtestutil.ToFloat64(m.DeadLetters); got != 3 {
		t.Errorf("dead_letters = %v, want 3", got)
	}
}

func TestNewWithNilRegistry(t *testing.T) {
	t.Parallel()
	m := New(nil)
	m.Succeeded.Inc()
	if got := promtestutil.ToFloat64(m.Succeeded); got != 1 {
		t.Errorf("succeeded = %v, want 1", got)
	}
}
