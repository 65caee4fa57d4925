package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetricsWith(prometheus.NewRegistry())
}

func TestRecordLLMRequestCountsAndTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("model", "fake", "ok", 1.2, 100, 50)
	m.RecordLLMRequest("model", "fake", "ok", 0.4, 30, 10)
	m.RecordLLMRequest("model", "fake", "error", 0.1, 0, 0)

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("model", "fake", "ok")); got != 2 {
		t.Errorf("ok requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("model", "fake", "error")); got != 1 {
		t.Errorf("error requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("model", "fake", "prompt")); got != 130 {
		t.Errorf("prompt tokens = %v, want 130", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("model", "fake", "completion")); got != 60 {
		t.Errorf("completion tokens = %v, want 60", got)
	}
}

func TestRecordLLMRequestSkipsZeroTokenCounts(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordLLMRequest("model", "fake", "ok", 0.5, 0, 0)

	// Zero token reports must not create series at all.
	if got := testutil.CollectAndCount(m.LLMTokensUsed); got != 0 {
		t.Errorf("token series = %d, want 0 for zero-token rounds", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordToolExecution("read_file", "ok", 0.02)
	m.RecordToolExecution("read_file", "ok", 0.03)
	m.RecordToolExecution("read_file", "error", 1.5)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("read_file", "ok")); got != 2 {
		t.Errorf("ok executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("read_file", "error")); got != 1 {
		t.Errorf("error executions = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ToolExecutionDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("orchestrator", "tool_loop_exhausted")
	m.RecordError("orchestrator", "tool_loop_exhausted")
	m.RecordError("store", "busy")

	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("orchestrator", "tool_loop_exhausted")); got != 2 {
		t.Errorf("orchestrator errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("store", "busy")); got != 1 {
		t.Errorf("store errors = %v, want 1", got)
	}
}

func TestRecordContextWindow(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordContextWindow("orchestrator", "fake", 12000)
	m.RecordContextWindow("orchestrator", "fake", 98000)

	if got := testutil.CollectAndCount(m.ContextWindowUsed); got != 1 {
		t.Errorf("context window series = %d, want 1", got)
	}
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	// Two constructions must not panic with duplicate registration.
	a := NewMetricsWith(prometheus.NewRegistry())
	b := NewMetricsWith(prometheus.NewRegistry())
	a.RecordError("orchestrator", "panic")
	if got := testutil.ToFloat64(b.ErrorCounter.WithLabelValues("orchestrator", "panic")); got != 0 {
		t.Errorf("registries must be independent, got %v", got)
	}
}
