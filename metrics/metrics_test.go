package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cortexflow/engine/metrics"
)

func TestRecordWorkflowTriggeredIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordWorkflowTriggered("greet", "Created")
	m.RecordWorkflowTriggered("greet", "Created")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var got float64
	for _, f := range families {
		if f.GetName() != "cortexflow_workflows_triggered_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			got += metric.GetCounter().GetValue()
		}
	}
	if got != 2 {
		t.Errorf("workflows_triggered_total = %v, want 2", got)
	}
}

func TestRecordAIRequestObservesTokensAndCost(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordAIRequest("openai", "gpt-4o", "ok", 50*time.Millisecond, 1000, 500, 0.0125)

	count, err := testutil.GatherAndCount(reg,
		"cortexflow_ai_requests_total",
		"cortexflow_ai_tokens_total",
		"cortexflow_ai_cost_total_usd",
	)
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count == 0 {
		t.Error("expected at least one sample across ai request metrics")
	}
}

func TestCrossSystemTimerTracksActiveGaugeAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	done := m.CrossSystemTimer("mcp", "invoke_tool")
	count, err := testutil.GatherAndCount(reg, "cortexflow_cross_system_calls_active")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected the active gauge series to exist while the timer is open, got %d", count)
	}

	done(errors.New("boom"))

	total, err := testutil.GatherAndCount(reg, "cortexflow_cross_system_calls_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if total != 1 {
		t.Errorf("cross_system_calls_total samples = %d, want 1", total)
	}
}

func TestRecordBudgetViolationAndUsageRatio(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.SetBudgetUsageRatio("global", "monthly", 0.82)
	m.RecordBudgetViolation("global", "monthly", "denied")

	count, err := testutil.GatherAndCount(reg, "cortexflow_ai_budget_usage_ratio", "cortexflow_ai_budget_violations_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 2 {
		t.Errorf("expected one sample per instrument, got %d", count)
	}
}

func TestUptimeAndMemoryGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Uptime()
	m.SetMemoryUsage(1 << 20)
	m.SetActiveConnections("mcp", 3)

	count, err := testutil.GatherAndCount(reg, "cortexflow_uptime_seconds", "cortexflow_memory_usage_bytes", "cortexflow_active_connections")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 3 {
		t.Errorf("expected one sample per instrument, got %d", count)
	}
}
