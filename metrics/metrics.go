// Package metrics exposes the engine's process-wide Prometheus
// instrument table (spec §4.12), namespaced "cortexflow", grounded on
// the teacher's PrometheusMetrics construction pattern in
// graph/metrics.go (promauto.With(registry), Gauge/CounterVec/
// HistogramVec per concern) and extended from the graph-engine-only
// instrument set to the full cross-system/workflow/AI/budget/HTTP table.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cortexflow"

// Metrics owns every instrument in spec.md §4.12. All fields are
// safe for concurrent use (Prometheus collectors are inherently so);
// no additional locking is needed.
type Metrics struct {
	registry prometheus.Registerer

	crossSystemCallsTotal  *prometheus.CounterVec
	crossSystemErrorsTotal *prometheus.CounterVec
	crossSystemActive      *prometheus.GaugeVec
	crossSystemDuration    *prometheus.HistogramVec

	workflowsTriggeredTotal *prometheus.CounterVec
	workflowsActive         *prometheus.GaugeVec
	workflowDuration        *prometheus.HistogramVec

	workflowStepsTotal    *prometheus.CounterVec
	workflowStepDuration  *prometheus.HistogramVec

	aiRequestsTotal  *prometheus.CounterVec
	aiRequestDuration *prometheus.HistogramVec
	aiTokensPerRequest *prometheus.HistogramVec
	aiTokensTotal      *prometheus.CounterVec
	aiCostPerRequest   *prometheus.HistogramVec
	aiCostTotal        *prometheus.CounterVec

	aiBudgetUsageRatio   *prometheus.GaugeVec
	aiBudgetViolations   *prometheus.CounterVec

	httpRequestsTotal  *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	uptimeSeconds      prometheus.Gauge
	memoryUsageBytes   prometheus.Gauge
	activeConnections  *prometheus.GaugeVec

	startedAt time.Time
}

// New constructs and registers every instrument against registry. A nil
// registry registers against prometheus.DefaultRegisterer, matching the
// teacher's NewPrometheusMetrics convention.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	m := &Metrics{registry: registry, startedAt: time.Now()}

	m.crossSystemCallsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cross_system_calls_total",
		Help: "Total cross-system collaborator calls.",
	}, []string{"target", "operation", "status"})

	m.crossSystemErrorsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cross_system_call_errors_total",
		Help: "Total cross-system collaborator call errors.",
	}, []string{"target", "operation", "error_type"})

	m.crossSystemActive = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "cross_system_calls_active",
		Help: "In-flight cross-system collaborator calls.",
	}, []string{"target", "operation"})

	m.crossSystemDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "cross_system_call_duration_seconds",
		Help:    "Cross-system collaborator call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"target", "operation"})

	m.workflowsTriggeredTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "workflows_triggered_total",
		Help: "Total workflow instances triggered.",
	}, []string{"workflow_name", "status"})

	m.workflowsActive = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "workflows_active",
		Help: "Currently running workflow instances.",
	}, []string{"workflow_name", "status"})

	m.workflowDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "workflow_execution_duration_seconds",
		Help:    "Workflow instance end-to-end execution duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"workflow_name"})

	m.workflowStepsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "workflow_steps_total",
		Help: "Total workflow node/step executions.",
	}, []string{"workflow_name", "step_type", "status"})

	m.workflowStepDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "workflow_step_duration_seconds",
		Help:    "Workflow node/step execution duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"workflow_name", "step_type", "status"})

	m.aiRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "ai_requests_total",
		Help: "Total AI provider requests.",
	}, []string{"provider", "model", "status"})

	m.aiRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "ai_request_duration_seconds",
		Help:    "AI provider request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "model", "status"})

	m.aiTokensPerRequest = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "ai_tokens_per_request",
		Help:    "Token count per AI provider request.",
		Buckets: []float64{16, 64, 256, 1024, 4096, 16384, 65536, 262144},
	}, []string{"provider", "model", "token_type"})

	m.aiTokensTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "ai_tokens_total",
		Help: "Total tokens consumed across AI provider requests.",
	}, []string{"provider", "model", "token_type"})

	m.aiCostPerRequest = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "ai_cost_per_request_usd",
		Help:    "Cost of a single AI provider request in USD.",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	}, []string{"provider", "model"})

	m.aiCostTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "ai_cost_total_usd",
		Help: "Total AI provider cost in USD.",
	}, []string{"provider", "model"})

	m.aiBudgetUsageRatio = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "ai_budget_usage_ratio",
		Help: "Fraction of the configured budget limit consumed, per scope.",
	}, []string{"scope", "limit_type"})

	m.aiBudgetViolations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "ai_budget_violations_total",
		Help: "Total budget-denied spend attempts.",
	}, []string{"scope", "limit_type", "action"})

	m.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total",
		Help: "Total HTTP requests served.",
	}, []string{"method", "endpoint", "status_code"})

	m.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status_code"})

	m.uptimeSeconds = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds",
		Help: "Seconds since the process started.",
	})

	m.memoryUsageBytes = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "memory_usage_bytes",
		Help: "Current process memory usage in bytes.",
	})

	m.activeConnections = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "active_connections",
		Help: "Currently open connections, by connection type.",
	}, []string{"connection_type"})

	return m
}

// Uptime refreshes the uptime gauge from startedAt; callers typically
// wire this to a periodic collector tick.
func (m *Metrics) Uptime() {
	m.uptimeSeconds.Set(time.Since(m.startedAt).Seconds())
}

// SetMemoryUsage sets the memory usage gauge to bytes, e.g. from
// runtime.MemStats.Alloc.
func (m *Metrics) SetMemoryUsage(bytes float64) {
	m.memoryUsageBytes.Set(bytes)
}

// SetActiveConnections sets the active connection gauge for
// connectionType.
func (m *Metrics) SetActiveConnections(connectionType string, count float64) {
	m.activeConnections.WithLabelValues(connectionType).Set(count)
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, statusCode).Observe(duration.Seconds())
}

// RecordWorkflowTriggered increments the trigger counter for
// workflowName in its initial status (normally "Created").
func (m *Metrics) RecordWorkflowTriggered(workflowName, status string) {
	m.workflowsTriggeredTotal.WithLabelValues(workflowName, status).Inc()
}

// SetWorkflowsActive sets the active-instance gauge for
// (workflowName, status).
func (m *Metrics) SetWorkflowsActive(workflowName, status string, count float64) {
	m.workflowsActive.WithLabelValues(workflowName, status).Set(count)
}

// RecordWorkflowDuration observes a completed instance's end-to-end
// duration.
func (m *Metrics) RecordWorkflowDuration(workflowName string, d time.Duration) {
	m.workflowDuration.WithLabelValues(workflowName).Observe(d.Seconds())
}

// RecordWorkflowStep records one step's outcome and duration.
func (m *Metrics) RecordWorkflowStep(workflowName, stepType, status string, d time.Duration) {
	m.workflowStepsTotal.WithLabelValues(workflowName, stepType, status).Inc()
	m.workflowStepDuration.WithLabelValues(workflowName, stepType, status).Observe(d.Seconds())
}

// RecordAIRequest records one AI provider request's outcome, duration,
// token usage and cost.
func (m *Metrics) RecordAIRequest(provider, model, status string, d time.Duration, inputTokens, outputTokens int64, costUSD float64) {
	m.aiRequestsTotal.WithLabelValues(provider, model, status).Inc()
	m.aiRequestDuration.WithLabelValues(provider, model, status).Observe(d.Seconds())

	m.aiTokensPerRequest.WithLabelValues(provider, model, "input").Observe(float64(inputTokens))
	m.aiTokensPerRequest.WithLabelValues(provider, model, "output").Observe(float64(outputTokens))
	m.aiTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.aiTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))

	m.aiCostPerRequest.WithLabelValues(provider, model).Observe(costUSD)
	m.aiCostTotal.WithLabelValues(provider, model).Add(costUSD)
}

// SetBudgetUsageRatio sets the budget gauge for (scope, limitType).
func (m *Metrics) SetBudgetUsageRatio(scope, limitType string, ratio float64) {
	m.aiBudgetUsageRatio.WithLabelValues(scope, limitType).Set(ratio)
}

// RecordBudgetViolation increments the violation counter for
// (scope, limitType, action) — action is e.g. "denied" or "throttled".
func (m *Metrics) RecordBudgetViolation(scope, limitType, action string) {
	m.aiBudgetViolations.WithLabelValues(scope, limitType, action).Inc()
}

// RecordCrossSystemCall records one completed cross-system collaborator
// call.
func (m *Metrics) RecordCrossSystemCall(target, operation, status string, d time.Duration) {
	m.crossSystemCallsTotal.WithLabelValues(target, operation, status).Inc()
	m.crossSystemDuration.WithLabelValues(target, operation).Observe(d.Seconds())
}

// RecordCrossSystemError increments the cross-system error counter.
func (m *Metrics) RecordCrossSystemError(target, operation, errorType string) {
	m.crossSystemErrorsTotal.WithLabelValues(target, operation, errorType).Inc()
}

// CrossSystemTimer is a scoped in-flight call tracker: acquiring it
// increments the active gauge; calling the returned func decrements it
// and records the completed-call counter/histogram (spec §4.12, "timers
// are scoped objects").
func (m *Metrics) CrossSystemTimer(target, operation string) func(err error) {
	m.crossSystemActive.WithLabelValues(target, operation).Inc()
	start := time.Now()
	return func(err error) {
		m.crossSystemActive.WithLabelValues(target, operation).Dec()
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.RecordCrossSystemCall(target, operation, status, time.Since(start))
	}
}
