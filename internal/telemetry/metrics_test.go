package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncTick()
	m.IncConflict()
	m.IncRetriesExceeded()
	m.AddDispatched(3)
	m.IncAttempt("succeeded")
	m.ObservePass("task", time.Millisecond)
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncTick()
	m.IncTick()
	m.AddDispatched(5)
	m.AddDispatched(0)
	m.IncAttempt("failed")
	m.ObservePass("step", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.Ticks); got != 2 {
		t.Errorf("expected 2 ticks, got %v", got)
	}
	if got := testutil.ToFloat64(m.TasksDispatched); got != 5 {
		t.Errorf("expected 5 dispatched tasks, got %v", got)
	}
	if got := testutil.ToFloat64(m.Attempts.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed attempt, got %v", got)
	}
	if n := testutil.CollectAndCount(m.PassDuration); n != 1 {
		t.Errorf("expected one pass series, got %d", n)
	}
}
