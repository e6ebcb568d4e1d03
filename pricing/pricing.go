// Package pricing implements the pricing engine (spec §4.10/§5.10): a
// mutable model→price table seeded with bundled defaults, exact
// decimal-arithmetic cost calculation, and staleness tracking.
package pricing

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ModelPricing is a model's per-token price, fixed-point rather than
// float64 so CalculateCost never accumulates floating-point error
// across a long-running workflow's call history.
type ModelPricing struct {
	Provider         string
	Model            string
	InputPerToken    decimal.Decimal
	OutputPerToken   decimal.Decimal
	Currency         string
}

var million = decimal.NewFromInt(1_000_000)

// perMillion converts the teacher's USD-per-1M-tokens figures into the
// engine's per-token fixed-point representation.
func perMillion(usd float64) decimal.Decimal {
	return decimal.NewFromFloat(usd).Div(million)
}

// defaultPricing seeds the engine with the same providers/models the
// teacher's static table covers, converted from per-1M-token float64 to
// per-token decimal.Decimal.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {Provider: "openai", Model: "gpt-4o", InputPerToken: perMillion(2.50), OutputPerToken: perMillion(10.00), Currency: "USD"},
	"gpt-4o-2024-08-06":          {Provider: "openai", Model: "gpt-4o-2024-08-06", InputPerToken: perMillion(2.50), OutputPerToken: perMillion(10.00), Currency: "USD"},
	"gpt-4o-mini":                {Provider: "openai", Model: "gpt-4o-mini", InputPerToken: perMillion(0.15), OutputPerToken: perMillion(0.60), Currency: "USD"},
	"gpt-4-turbo":                {Provider: "openai", Model: "gpt-4-turbo", InputPerToken: perMillion(10.00), OutputPerToken: perMillion(30.00), Currency: "USD"},
	"gpt-4-turbo-2024-04-09":     {Provider: "openai", Model: "gpt-4-turbo-2024-04-09", InputPerToken: perMillion(10.00), OutputPerToken: perMillion(30.00), Currency: "USD"},
	"gpt-3.5-turbo":              {Provider: "openai", Model: "gpt-3.5-turbo", InputPerToken: perMillion(0.50), OutputPerToken: perMillion(1.50), Currency: "USD"},
	"claude-3-5-sonnet-20241022": {Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", InputPerToken: perMillion(3.00), OutputPerToken: perMillion(15.00), Currency: "USD"},
	"claude-3.5-sonnet":          {Provider: "anthropic", Model: "claude-3.5-sonnet", InputPerToken: perMillion(3.00), OutputPerToken: perMillion(15.00), Currency: "USD"},
	"claude-3-opus-20240229":     {Provider: "anthropic", Model: "claude-3-opus-20240229", InputPerToken: perMillion(15.00), OutputPerToken: perMillion(75.00), Currency: "USD"},
	"claude-3-opus":              {Provider: "anthropic", Model: "claude-3-opus", InputPerToken: perMillion(15.00), OutputPerToken: perMillion(75.00), Currency: "USD"},
	"claude-3-sonnet-20240229":   {Provider: "anthropic", Model: "claude-3-sonnet-20240229", InputPerToken: perMillion(3.00), OutputPerToken: perMillion(15.00), Currency: "USD"},
	"claude-3-sonnet":            {Provider: "anthropic", Model: "claude-3-sonnet", InputPerToken: perMillion(3.00), OutputPerToken: perMillion(15.00), Currency: "USD"},
	"claude-3-haiku-20240307":    {Provider: "anthropic", Model: "claude-3-haiku-20240307", InputPerToken: perMillion(0.25), OutputPerToken: perMillion(1.25), Currency: "USD"},
	"claude-3-haiku":             {Provider: "anthropic", Model: "claude-3-haiku", InputPerToken: perMillion(0.25), OutputPerToken: perMillion(1.25), Currency: "USD"},
	"gemini-1.5-pro":             {Provider: "google", Model: "gemini-1.5-pro", InputPerToken: perMillion(1.25), OutputPerToken: perMillion(5.00), Currency: "USD"},
	"gemini-1.5-pro-001":         {Provider: "google", Model: "gemini-1.5-pro-001", InputPerToken: perMillion(1.25), OutputPerToken: perMillion(5.00), Currency: "USD"},
	"gemini-1.5-flash":           {Provider: "google", Model: "gemini-1.5-flash", InputPerToken: perMillion(0.075), OutputPerToken: perMillion(0.30), Currency: "USD"},
	"gemini-1.5-flash-001":       {Provider: "google", Model: "gemini-1.5-flash-001", InputPerToken: perMillion(0.075), OutputPerToken: perMillion(0.30), Currency: "USD"},
	"gemini-1.0-pro":             {Provider: "google", Model: "gemini-1.0-pro", InputPerToken: perMillion(0.50), OutputPerToken: perMillion(1.50), Currency: "USD"},
}

// Usage is a single call's token counts.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Freshness classifies how long it has been since the pricing table was
// last refreshed (spec §4.10 buckets).
type Freshness int

const (
	VeryFresh Freshness = iota // < 1h
	Fresh                      // < 24h
	Moderate                   // < 72h
	Stale                      // >= 72h
)

func (f Freshness) String() string {
	switch f {
	case VeryFresh:
		return "very_fresh"
	case Fresh:
		return "fresh"
	case Moderate:
		return "moderate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

func classifyFreshness(since time.Duration) Freshness {
	switch {
	case since < time.Hour:
		return VeryFresh
	case since < 24*time.Hour:
		return Fresh
	case since < 72*time.Hour:
		return Moderate
	default:
		return Stale
	}
}

// VolumeTier discounts CalculateCostWithVolumeDiscount by cumulative
// monthly spend tier, per original_source's VolumeTier ladder.
type VolumeTier int

const (
	VolumeStandard   VolumeTier = iota // 1x, no discount
	VolumeHigh                         // 5% discount
	VolumeEnterprise                   // 10% discount
)

func (t VolumeTier) multiplier() decimal.Decimal {
	switch t {
	case VolumeHigh:
		return decimal.NewFromFloat(0.95)
	case VolumeEnterprise:
		return decimal.NewFromFloat(0.90)
	default:
		return decimal.NewFromInt(1)
	}
}

// CostComparison is the result of CompareModelCosts.
type CostComparison struct {
	ModelA               string
	ModelB               string
	CostA                decimal.Decimal
	CostB                decimal.Decimal
	Savings              decimal.Decimal // |cost_a - cost_b|
	PercentageDifference decimal.Decimal // savings / max(cost_a, cost_b) * 100
	CheaperModel         string
}

// Engine is the process-wide pricing table: read-mostly, refreshed
// in place under a readers-writer lock (spec §4.10, "mutable table ...
// under a readers-writer lock").
type Engine struct {
	mu         sync.RWMutex
	pricing    map[string]ModelPricing
	lastUpdate time.Time

	sourcesMu       sync.Mutex
	sources         []Source
	fallbackEnabled bool
}

// Source fetches pricing updates from an external provider (e.g. a
// vendor pricing API). FetchPricing returns the subset of models that
// source knows about.
type Source interface {
	Name() string
	FetchPricing() (map[string]ModelPricing, error)
}

// New constructs an Engine seeded with the bundled defaults.
func New() *Engine {
	seeded := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		seeded[k] = v
	}
	return &Engine{pricing: seeded, lastUpdate: time.Now(), fallbackEnabled: true}
}

// SetFallbackEnabled controls whether RefreshFromSources degrades to the
// already-loaded table when every source fails (true) or returns the
// first source error (false). A refresh in which some sources succeed
// merges their data either way.
func (e *Engine) SetFallbackEnabled(enabled bool) {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	e.fallbackEnabled = enabled
}

// RegisterSource adds a pricing source consulted by RefreshFromSources.
func (e *Engine) RegisterSource(s Source) {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	e.sources = append(e.sources, s)
}

// GetPricing returns the pricing row for model, and whether it was
// found.
func (e *Engine) GetPricing(model string) (ModelPricing, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pricing[model]
	return p, ok
}

// GetAllPricing returns a copy of the full pricing table.
func (e *Engine) GetAllPricing() map[string]ModelPricing {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]ModelPricing, len(e.pricing))
	for k, v := range e.pricing {
		out[k] = v
	}
	return out
}

// UpdateModelPricing overrides (or adds) a single model's pricing row,
// e.g. for enterprise-negotiated rates.
func (e *Engine) UpdateModelPricing(p ModelPricing) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pricing[p.Model] = p
	e.lastUpdate = time.Now()
}

// CalculateCost returns the input, output and total cost of usage
// against model's pricing, using exact decimal arithmetic end to end.
// An unknown model costs zero rather than erroring, matching the
// teacher's "still record but with zero cost" behavior.
func (e *Engine) CalculateCost(usage Usage, model string) (input, output, total decimal.Decimal) {
	p, _ := e.GetPricing(model)
	input = p.InputPerToken.Mul(decimal.NewFromInt(usage.InputTokens))
	output = p.OutputPerToken.Mul(decimal.NewFromInt(usage.OutputTokens))
	total = input.Add(output)
	return input, output, total
}

// CalculateCostWithVolumeDiscount applies tier's discount multiplier to
// CalculateCost's total.
func (e *Engine) CalculateCostWithVolumeDiscount(usage Usage, model string, tier VolumeTier) decimal.Decimal {
	_, _, total := e.CalculateCost(usage, model)
	return total.Mul(tier.multiplier())
}

// CompareModelCosts computes usage's cost under both models and reports
// the cheaper one with absolute savings and percentage difference.
func (e *Engine) CompareModelCosts(usage Usage, modelA, modelB string) CostComparison {
	_, _, costA := e.CalculateCost(usage, modelA)
	_, _, costB := e.CalculateCost(usage, modelB)

	savings := costA.Sub(costB).Abs()
	larger := costA
	if costB.GreaterThan(larger) {
		larger = costB
	}
	pct := decimal.Zero
	if !larger.IsZero() {
		pct = savings.Div(larger).Mul(decimal.NewFromInt(100))
	}

	cheaper := modelA
	if costB.LessThan(costA) {
		cheaper = modelB
	}

	return CostComparison{
		ModelA:               modelA,
		ModelB:               modelB,
		CostA:                costA,
		CostB:                costB,
		Savings:              savings,
		PercentageDifference: pct,
		CheaperModel:         cheaper,
	}
}

// GetCostPerToken returns model's input/output per-token price.
func (e *Engine) GetCostPerToken(model string) (input, output decimal.Decimal, ok bool) {
	p, ok := e.GetPricing(model)
	return p.InputPerToken, p.OutputPerToken, ok
}

// EstimateCost projects the cost of a call before it happens, given
// expected token counts; it is CalculateCost under another name, kept
// distinct because callers use it at planning time rather than after
// the fact.
func (e *Engine) EstimateCost(estimatedInputTokens, estimatedOutputTokens int64, model string) decimal.Decimal {
	_, _, total := e.CalculateCost(Usage{InputTokens: estimatedInputTokens, OutputTokens: estimatedOutputTokens}, model)
	return total
}

// Freshness classifies how stale the pricing table is.
func (e *Engine) Freshness() Freshness {
	e.mu.RLock()
	last := e.lastUpdate
	e.mu.RUnlock()
	return classifyFreshness(time.Since(last))
}

// LastUpdate returns when the table was last refreshed.
func (e *Engine) LastUpdate() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastUpdate
}

// NeedsUpdate reports whether the table is at least as stale as
// threshold.
func (e *Engine) NeedsUpdate(threshold time.Duration) bool {
	e.mu.RLock()
	last := e.lastUpdate
	e.mu.RUnlock()
	return time.Since(last) >= threshold
}
