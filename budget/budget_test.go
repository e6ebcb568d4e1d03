package budget_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortexflow/engine/budget"
)

func TestCheckBudgetAllowedUnconfiguredScopeAlwaysAllowed(t *testing.T) {
	tr := budget.New(budget.DefaultConfig(), nil)
	if !tr.CheckBudgetAllowed("openai", decimal.NewFromInt(1_000_000), "", "") {
		t.Error("unconfigured budget should never deny")
	}
}

func TestCheckBudgetAllowedGlobalDailyLimit(t *testing.T) {
	cfg := budget.DefaultConfig()
	cfg.Global = budget.Limits{Enabled: true, DailyLimit: decimal.NewFromInt(10)}
	tr := budget.New(cfg, nil)

	if !tr.CheckBudgetAllowed("openai", decimal.NewFromInt(5), "", "") {
		t.Fatal("expected 5 <= 10 to be allowed")
	}
	if err := tr.RecordSpending("openai", decimal.NewFromInt(5), "", ""); err != nil {
		t.Fatalf("RecordSpending: %v", err)
	}
	if tr.CheckBudgetAllowed("openai", decimal.NewFromInt(6), "", "") {
		t.Error("expected 5+6 > 10 to be denied")
	}
	if !tr.CheckBudgetAllowed("openai", decimal.NewFromInt(4), "", "") {
		t.Error("expected 5+4 <= 10 to be allowed")
	}
}

func TestCheckBudgetAllowedShortCircuitsInOrder(t *testing.T) {
	cfg := budget.DefaultConfig()
	cfg.Global = budget.Limits{Enabled: true, DailyLimit: decimal.NewFromInt(1000)}
	cfg.Provider["openai"] = budget.Limits{Enabled: true, DailyLimit: decimal.NewFromInt(1)}
	tr := budget.New(cfg, nil)

	if tr.CheckBudgetAllowed("openai", decimal.NewFromInt(5), "", "") {
		t.Error("expected provider-scope denial even though global scope has headroom")
	}
}

func TestRecordSpendingRejectsNegativeCost(t *testing.T) {
	tr := budget.New(budget.DefaultConfig(), nil)
	if err := tr.RecordSpending("openai", decimal.NewFromInt(-1), "", ""); err == nil {
		t.Fatal("expected error for negative cost")
	}
}

func TestGetBudgetStatusHealthBoundaries(t *testing.T) {
	cfg := budget.DefaultConfig()
	cfg.Global = budget.Limits{Enabled: true, MonthlyLimit: decimal.NewFromInt(100)}
	tr := budget.New(cfg, nil)

	cases := []struct {
		spend  int64
		health budget.HealthStatus
	}{
		{10, budget.Healthy},
		{60, budget.Warning},
		{85, budget.Critical},
		{96, budget.Exceeded},
		{100, budget.Depleted},
	}
	for _, c := range cases {
		tr.ResetBudget(budget.GlobalScope(), budget.Monthly)
		if err := tr.RecordSpending("openai", decimal.NewFromInt(c.spend), "", ""); err != nil {
			t.Fatalf("RecordSpending: %v", err)
		}
		status := tr.GetBudgetStatus(budget.GlobalScope(), budget.Monthly)
		if status.Health != c.health {
			t.Errorf("spend=%d: Health = %v, want %v (percentage_used=%s)", c.spend, status.Health, c.health, status.PercentageUsed)
		}
	}
}

func TestResetBudgetClearsOnlyRequestedPeriod(t *testing.T) {
	cfg := budget.DefaultConfig()
	cfg.Global = budget.Limits{Enabled: true, DailyLimit: decimal.NewFromInt(100), MonthlyLimit: decimal.NewFromInt(1000)}
	tr := budget.New(cfg, nil)

	if err := tr.RecordSpending("openai", decimal.NewFromInt(50), "", ""); err != nil {
		t.Fatalf("RecordSpending: %v", err)
	}
	tr.ResetBudget(budget.GlobalScope(), budget.Daily)

	daily := tr.GetBudgetStatus(budget.GlobalScope(), budget.Daily)
	monthly := tr.GetBudgetStatus(budget.GlobalScope(), budget.Monthly)

	if !daily.CurrentSpend.IsZero() {
		t.Errorf("daily.CurrentSpend = %s, want 0 after reset", daily.CurrentSpend)
	}
	if monthly.CurrentSpend.IsZero() {
		t.Error("monthly.CurrentSpend should be untouched by a daily-only reset")
	}
}

type countingChannel struct {
	calls int
}

func (c *countingChannel) Name() string { return "counting" }
func (c *countingChannel) Notify(budget.Alert) error {
	c.calls++
	return nil
}

func TestRecordSpendingFiresAlertOnceThenCoolsDown(t *testing.T) {
	cfg := budget.DefaultConfig()
	cfg.Global = budget.Limits{Enabled: true, MonthlyLimit: decimal.NewFromInt(100)}
	cfg.WarningThresholds = []decimal.Decimal{decimal.NewFromFloat(0.5)}
	cfg.AlertCooldown = time.Hour
	ch := &countingChannel{}
	cfg.AlertChannels = []budget.NotificationChannel{ch}
	tr := budget.New(cfg, nil)

	if err := tr.RecordSpending("openai", decimal.NewFromInt(60), "", ""); err != nil {
		t.Fatalf("RecordSpending: %v", err)
	}
	if err := tr.RecordSpending("openai", decimal.NewFromInt(1), "", ""); err != nil {
		t.Fatalf("RecordSpending: %v", err)
	}
	if ch.calls != 1 {
		t.Errorf("alert channel called %d times, want 1 (second crossing should be in cooldown)", ch.calls)
	}
}

func TestProjectedMonthlyCostExtrapolates(t *testing.T) {
	cfg := budget.DefaultConfig()
	cfg.Global = budget.Limits{Enabled: true, MonthlyLimit: decimal.NewFromInt(1000)}
	tr := budget.New(cfg, nil)

	if err := tr.RecordSpending("openai", decimal.NewFromInt(10), "", ""); err != nil {
		t.Fatalf("RecordSpending: %v", err)
	}
	status := tr.GetBudgetStatus(budget.GlobalScope(), budget.Monthly)
	if status.ProjectedMonthlyCost.IsZero() {
		t.Error("expected a non-zero projected monthly cost")
	}
}
