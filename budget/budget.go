// Package budget implements the hierarchical AI spend budget tracker
// (spec §4.11/§5.11): four scopes (global, provider, user, project), four
// rolling periods per scope, threshold-cooldown alerting, and health
// classification.
package budget

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortexflow/engine/emit"
	"github.com/cortexflow/engine/errs"
)

// Period names one of the four rolling accumulation windows tracked per
// scope.
type Period int

const (
	Daily Period = iota
	Weekly
	Monthly
	Yearly
)

func (p Period) String() string {
	switch p {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Yearly:
		return "yearly"
	default:
		return "unknown"
	}
}

// HealthStatus classifies a scope/period's percentage-used against
// spec.md's exact boundaries.
type HealthStatus int

const (
	Healthy  HealthStatus = iota // < 50%
	Warning                      // < 80%
	Critical                     // < 95%
	Exceeded                     // < 100%
	Depleted                     // >= 100%
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Exceeded:
		return "exceeded"
	case Depleted:
		return "depleted"
	default:
		return "unknown"
	}
}

func classifyHealth(percentageUsed decimal.Decimal) HealthStatus {
	switch {
	case percentageUsed.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return Depleted
	case percentageUsed.GreaterThanOrEqual(decimal.NewFromInt(95)):
		return Exceeded
	case percentageUsed.GreaterThanOrEqual(decimal.NewFromInt(80)):
		return Critical
	case percentageUsed.GreaterThanOrEqual(decimal.NewFromInt(50)):
		return Warning
	default:
		return Healthy
	}
}

// Limits bounds a single scope: a zero/absent limit means "not
// configured" — no gating, no percentage reporting (spec §4.11 edge
// cases).
type Limits struct {
	Enabled      bool
	DailyLimit   decimal.Decimal
	WeeklyLimit  decimal.Decimal
	MonthlyLimit decimal.Decimal
	YearlyLimit  decimal.Decimal
}

func (l Limits) limitFor(p Period) decimal.Decimal {
	switch p {
	case Daily:
		return l.DailyLimit
	case Weekly:
		return l.WeeklyLimit
	case Monthly:
		return l.MonthlyLimit
	case Yearly:
		return l.YearlyLimit
	default:
		return decimal.Zero
	}
}

// Config seeds a Tracker's per-scope limits and alerting behavior.
type Config struct {
	Global   Limits
	Provider map[string]Limits // keyed by provider name
	User     map[string]Limits // keyed by user id
	Project  map[string]Limits // keyed by project id

	// WarningThresholds are fractions in (0,1], e.g. [0.5, 0.8, 0.95].
	WarningThresholds []decimal.Decimal
	AlertCooldown     time.Duration
	AlertChannels     []NotificationChannel
}

// DefaultConfig carries no limits (everything unconfigured) and a
// 15-minute alert cooldown with the standard 50/80/95 thresholds.
func DefaultConfig() Config {
	return Config{
		Provider:          make(map[string]Limits),
		User:              make(map[string]Limits),
		Project:           make(map[string]Limits),
		WarningThresholds: []decimal.Decimal{decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.8), decimal.NewFromFloat(0.95)},
		AlertCooldown:     15 * time.Minute,
	}
}

// NotificationChannel delivers a rendered alert message; Log always
// fires through the tracker's emit.Emitter regardless of this slice.
type NotificationChannel interface {
	Name() string
	Notify(alert Alert) error
}

// Alert records a single threshold crossing.
type Alert struct {
	Scope          string
	Threshold      decimal.Decimal
	CurrentSpend   decimal.Decimal
	Limit          decimal.Decimal
	PercentageUsed decimal.Decimal
	Timestamp      time.Time
	Message        string
}

// spending accumulates one scope's four rolling totals and their last
// reset timestamps.
type spending struct {
	mu sync.Mutex

	dailyTotal   decimal.Decimal
	weeklyTotal  decimal.Decimal
	monthlyTotal decimal.Decimal
	yearlyTotal  decimal.Decimal

	lastResetDaily   time.Time
	lastResetWeekly  time.Time
	lastResetMonthly time.Time
	lastResetYearly  time.Time
}

func newSpending(now time.Time) *spending {
	return &spending{
		lastResetDaily:   now,
		lastResetWeekly:  now,
		lastResetMonthly: now,
		lastResetYearly:  now,
	}
}

// lazyReset zeroes any period whose boundary now has crossed, must be
// called with s.mu held.
func (s *spending) lazyReset(now time.Time) {
	if s.lastResetDaily.UTC().YearDay() != now.UTC().YearDay() || s.lastResetDaily.UTC().Year() != now.UTC().Year() {
		s.dailyTotal = decimal.Zero
		s.lastResetDaily = now
	}
	if isoWeekChanged(s.lastResetWeekly, now) {
		s.weeklyTotal = decimal.Zero
		s.lastResetWeekly = now
	}
	if s.lastResetMonthly.UTC().Month() != now.UTC().Month() || s.lastResetMonthly.UTC().Year() != now.UTC().Year() {
		s.monthlyTotal = decimal.Zero
		s.lastResetMonthly = now
	}
	if s.lastResetYearly.UTC().Year() != now.UTC().Year() {
		s.yearlyTotal = decimal.Zero
		s.lastResetYearly = now
	}
}

// isoWeekChanged compares ISO week boundaries in UTC — the spec's
// deliberate deviation from the reference's day-count/weekday mix
// (see DESIGN.md).
func isoWeekChanged(last, now time.Time) bool {
	lastYear, lastWeek := last.UTC().ISOWeek()
	nowYear, nowWeek := now.UTC().ISOWeek()
	return lastYear != nowYear || lastWeek != nowWeek
}

func (s *spending) totalFor(p Period) decimal.Decimal {
	switch p {
	case Daily:
		return s.dailyTotal
	case Weekly:
		return s.weeklyTotal
	case Monthly:
		return s.monthlyTotal
	case Yearly:
		return s.yearlyTotal
	default:
		return decimal.Zero
	}
}

func (s *spending) lastResetFor(p Period) time.Time {
	switch p {
	case Daily:
		return s.lastResetDaily
	case Weekly:
		return s.lastResetWeekly
	case Monthly:
		return s.lastResetMonthly
	case Yearly:
		return s.lastResetYearly
	default:
		return time.Time{}
	}
}

func (s *spending) add(cost decimal.Decimal) {
	s.dailyTotal = s.dailyTotal.Add(cost)
	s.weeklyTotal = s.weeklyTotal.Add(cost)
	s.monthlyTotal = s.monthlyTotal.Add(cost)
	s.yearlyTotal = s.yearlyTotal.Add(cost)
}

func (s *spending) resetPeriod(p Period, now time.Time) {
	switch p {
	case Daily:
		s.dailyTotal = decimal.Zero
		s.lastResetDaily = now
	case Weekly:
		s.weeklyTotal = decimal.Zero
		s.lastResetWeekly = now
	case Monthly:
		s.monthlyTotal = decimal.Zero
		s.lastResetMonthly = now
	case Yearly:
		s.yearlyTotal = decimal.Zero
		s.lastResetYearly = now
	}
}

// Status is the projection returned by GetBudgetStatus.
type Status struct {
	Scope                string
	Period               Period
	CurrentSpend         decimal.Decimal
	Limit                decimal.Decimal
	Remaining            decimal.Decimal
	PercentageUsed       decimal.Decimal
	Health               HealthStatus
	LastUpdated          time.Time
	ProjectedMonthlyCost decimal.Decimal
}

// Tracker is the process-wide budget tracker. Scope spending maps are
// partitioned by key so contention is limited to concurrent writers of
// the same scope (spec §5, "partitioned by key").
type Tracker struct {
	cfgMu sync.RWMutex
	cfg   Config

	scopesMu sync.Mutex
	scopes   map[string]*spending

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time

	emitter emit.Emitter
}

// New constructs a Tracker from cfg. emitter may be nil.
func New(cfg Config, emitter emit.Emitter) *Tracker {
	if cfg.Provider == nil {
		cfg.Provider = make(map[string]Limits)
	}
	if cfg.User == nil {
		cfg.User = make(map[string]Limits)
	}
	if cfg.Project == nil {
		cfg.Project = make(map[string]Limits)
	}
	return &Tracker{
		cfg:       cfg,
		scopes:    make(map[string]*spending),
		cooldowns: make(map[string]time.Time),
		emitter:   emitter,
	}
}

func globalKey() string             { return "global" }
func providerKey(p string) string   { return "provider:" + p }
func userKey(u string) string       { return "user:" + u }
func projectKey(p string) string    { return "project:" + p }

func (t *Tracker) scopeFor(key string, now time.Time) *spending {
	t.scopesMu.Lock()
	defer t.scopesMu.Unlock()
	s, ok := t.scopes[key]
	if !ok {
		s = newSpending(now)
		t.scopes[key] = s
	}
	return s
}

// CheckBudgetAllowed reports whether adding cost would push any
// applicable configured scope past its limit, checked in the defined
// order: global, then provider, then user, then project — the first
// scope to deny short-circuits the rest.
func (t *Tracker) CheckBudgetAllowed(provider string, cost decimal.Decimal, userID, projectID string) bool {
	t.cfgMu.RLock()
	cfg := t.cfg
	t.cfgMu.RUnlock()

	now := time.Now()

	if cfg.Global.Enabled && !t.withinLimit(globalKey(), cfg.Global, cost, now) {
		return false
	}
	if pb, ok := cfg.Provider[provider]; ok && pb.Enabled {
		if !t.withinLimit(providerKey(provider), pb, cost, now) {
			return false
		}
	}
	if userID != "" {
		if ub, ok := cfg.User[userID]; ok && ub.Enabled {
			if !t.withinLimit(userKey(userID), ub, cost, now) {
				return false
			}
		}
	}
	if projectID != "" {
		if pjb, ok := cfg.Project[projectID]; ok && pjb.Enabled {
			if !t.withinLimit(projectKey(projectID), pjb, cost, now) {
				return false
			}
		}
	}
	return true
}

// withinLimit checks every configured non-zero limit on lim against the
// scope's current totals plus cost, each period independently (daily
// limit vs daily total, monthly limit vs monthly total, etc).
func (t *Tracker) withinLimit(key string, lim Limits, cost decimal.Decimal, now time.Time) bool {
	s := t.scopeFor(key, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazyReset(now)

	for _, p := range []Period{Daily, Weekly, Monthly, Yearly} {
		limit := lim.limitFor(p)
		if limit.IsZero() {
			continue // unconfigured: no gating
		}
		if s.totalFor(p).Add(cost).GreaterThan(limit) {
			return false
		}
	}
	return true
}

// RecordSpending posts cost against every applicable scope (global,
// provider, user if set, project if set), then evaluates cooldown-gated
// alerts for each scope touched.
func (t *Tracker) RecordSpending(provider string, cost decimal.Decimal, userID, projectID string) error {
	if cost.IsNegative() {
		return &errs.ValidationError{Message: "spending cost must not be negative"}
	}

	now := time.Now()
	touched := []string{globalKey(), providerKey(provider)}
	if userID != "" {
		touched = append(touched, userKey(userID))
	}
	if projectID != "" {
		touched = append(touched, projectKey(projectID))
	}

	for _, key := range touched {
		s := t.scopeFor(key, now)
		s.mu.Lock()
		s.lazyReset(now)
		s.add(cost)
		s.mu.Unlock()
	}

	for _, key := range touched {
		t.checkAlerts(key, now)
	}
	return nil
}

// checkAlerts evaluates every configured warning threshold against
// scope's monthly usage (the reference's own alerting period), emitting
// through every configured channel when a threshold is newly crossed
// and not in cooldown.
func (t *Tracker) checkAlerts(scope string, now time.Time) {
	t.cfgMu.RLock()
	thresholds := t.cfg.WarningThresholds
	cooldown := t.cfg.AlertCooldown
	channels := t.cfg.AlertChannels
	t.cfgMu.RUnlock()

	status := t.statusFor(scope, Monthly, now)
	if status.Limit.IsZero() {
		return
	}

	for _, threshold := range thresholds {
		thresholdPct := threshold.Mul(decimal.NewFromInt(100))
		if status.PercentageUsed.LessThan(thresholdPct) {
			continue
		}

		cooldownKey := scope + ":" + threshold.String()
		if t.inCooldown(cooldownKey, cooldown, now) {
			continue
		}

		alert := Alert{
			Scope:          scope,
			Threshold:      threshold,
			CurrentSpend:   status.CurrentSpend,
			Limit:          status.Limit,
			PercentageUsed: status.PercentageUsed,
			Timestamp:      now,
		}
		alert.Message = formatAlertMessage(alert)

		if t.emitter != nil {
			t.emitter.Emit(emit.Event{Msg: "budget_alert", Meta: map[string]interface{}{
				"scope":           scope,
				"threshold":       threshold.String(),
				"percentage_used": status.PercentageUsed.String(),
			}})
		}
		for _, ch := range channels {
			_ = ch.Notify(alert) // per-channel failures are non-fatal to RecordSpending
		}

		t.cooldownMu.Lock()
		t.cooldowns[cooldownKey] = now
		t.cooldownMu.Unlock()
	}
}

func formatAlertMessage(a Alert) string {
	return "budget alert for " + a.Scope + ": " + a.PercentageUsed.StringFixed(2) + "% used"
}

func (t *Tracker) inCooldown(key string, cooldown time.Duration, now time.Time) bool {
	t.cooldownMu.Lock()
	defer t.cooldownMu.Unlock()
	last, ok := t.cooldowns[key]
	if !ok {
		return false
	}
	return now.Sub(last) < cooldown
}

// GetBudgetStatus projects scope's status for period.
func (t *Tracker) GetBudgetStatus(scope string, period Period) Status {
	return t.statusFor(scope, period, time.Now())
}

func (t *Tracker) statusFor(scopeKey string, period Period, now time.Time) Status {
	limit := t.limitFor(scopeKey, period)

	s := t.scopeFor(scopeKey, now)
	s.mu.Lock()
	s.lazyReset(now)
	current := s.totalFor(period)
	monthlyTotal := s.monthlyTotal
	s.mu.Unlock()

	remaining := limit.Sub(current)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	var percentageUsed decimal.Decimal
	if limit.GreaterThan(decimal.Zero) {
		percentageUsed = current.Div(limit).Mul(decimal.NewFromInt(100))
	}

	return Status{
		Scope:                scopeKey,
		Period:               period,
		CurrentSpend:         current,
		Limit:                limit,
		Remaining:            remaining,
		PercentageUsed:       percentageUsed,
		Health:               classifyHealth(percentageUsed),
		LastUpdated:          now,
		ProjectedMonthlyCost: projectedMonthlyCost(monthlyTotal, now),
	}
}

// projectedMonthlyCost extrapolates monthlyTotal to a full 30-day month
// from the elapsed day-of-month, per spec.md §4.11.
func projectedMonthlyCost(monthlyTotal decimal.Decimal, now time.Time) decimal.Decimal {
	dayOfMonth := now.UTC().Day()
	if dayOfMonth <= 0 {
		return decimal.Zero
	}
	return monthlyTotal.Div(decimal.NewFromInt(int64(dayOfMonth))).Mul(decimal.NewFromInt(30))
}

func (t *Tracker) limitFor(scopeKey string, period Period) decimal.Decimal {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()

	switch {
	case scopeKey == globalKey():
		return t.cfg.Global.limitFor(period)
	case hasPrefix(scopeKey, "provider:"):
		return t.cfg.Provider[trimPrefix(scopeKey, "provider:")].limitFor(period)
	case hasPrefix(scopeKey, "user:"):
		return t.cfg.User[trimPrefix(scopeKey, "user:")].limitFor(period)
	case hasPrefix(scopeKey, "project:"):
		return t.cfg.Project[trimPrefix(scopeKey, "project:")].limitFor(period)
	default:
		return decimal.Zero
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func trimPrefix(s, prefix string) string {
	return s[len(prefix):]
}

// ResetBudget clears exactly scope's period counter.
func (t *Tracker) ResetBudget(scope string, period Period) {
	now := time.Now()
	s := t.scopeFor(scope, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetPeriod(period, now)
}

// ScopeKey helpers exposed so callers can address scopes the same way
// RecordSpending does internally.
func GlobalScope() string            { return globalKey() }
func ProviderScope(p string) string  { return providerKey(p) }
func UserScope(u string) string      { return userKey(u) }
func ProjectScope(p string) string   { return projectKey(p) }
