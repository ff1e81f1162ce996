package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upb/prompt-firewall/models"
)

const namespace = "firewall"

// Metrics is the Prometheus collector for the firewall.
//
// Metrics:
//   - firewall_evaluations_total: evaluations by tenant, verdict and severity
//   - firewall_evaluation_duration_seconds: end-to-end evaluation latency
//   - firewall_findings_total: findings by category, subtype and scope
//   - firewall_fail_closed_total: fail-closed blocks by stage
//   - firewall_llm_requests_total: responder calls by backend and outcome
//   - firewall_policy_writes_total: policy writes by operation and outcome
//   - firewall_policy_cache_lookups_total: snapshot cache hits and misses
//   - firewall_audit_writes_total: audit inserts by outcome
//   - firewall_audit_dropped_total: audit rows the pipeline could not enqueue
//   - firewall_audit_queue_depth: pending audit rows
//   - firewall_http_requests_total and firewall_http_request_duration_seconds
type Metrics struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	findings           *prometheus.CounterVec
	failClosed         *prometheus.CounterVec
	llmRequests        *prometheus.CounterVec
	policyWrites       *prometheus.CounterVec
	policyCache        *prometheus.CounterVec
	auditWrites        *prometheus.CounterVec
	auditDropped       prometheus.Counter
	auditQueueDepth    prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewMetrics creates and registers every firewall metric. If registry is nil
// a fresh registry with the Go and process collectors is used.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: registry,
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of evaluated queries",
		}, []string{"tenant_id", "verdict", "severity"}),
		evaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "End-to-end query evaluation latency in seconds",
			// Screening alone is sub-millisecond; model calls dominate the tail
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"verdict"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Total number of risk findings",
		}, []string{"category", "subtype", "scope"}),
		failClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_closed_total",
			Help:      "Queries blocked because screening could not run",
		}, []string{"stage"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Language model calls by backend and outcome",
		}, []string{"responder", "status"}),
		policyWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_writes_total",
			Help:      "Policy writes by operation and outcome",
		}, []string{"operation", "status"}),
		policyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_cache_lookups_total",
			Help:      "Policy snapshot cache lookups",
		}, []string{"result"}),
		auditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Audit log inserts by outcome",
		}, []string{"status"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit rows that could not be enqueued",
		}),
		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_queue_depth",
			Help:      "Audit rows waiting to be written",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	registry.MustRegister(
		m.evaluations,
		m.evaluationDuration,
		m.findings,
		m.failClosed,
		m.llmRequests,
		m.policyWrites,
		m.policyCache,
		m.auditWrites,
		m.auditDropped,
		m.auditQueueDepth,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveEvaluation records one finished query
func (m *Metrics) ObserveEvaluation(tenantID string, verdict models.Verdict, severity models.Severity, latencySeconds float64) {
	m.evaluations.WithLabelValues(tenantID, string(verdict), string(severity)).Inc()
	m.evaluationDuration.WithLabelValues(string(verdict)).Observe(latencySeconds)
}

// ObserveFindings counts detector hits
func (m *Metrics) ObserveFindings(findings []models.RiskFinding) {
	for _, f := range findings {
		m.findings.WithLabelValues(string(f.Type), findingSubtype(f), string(f.Scope)).Inc()
	}
}

// ObserveFailClosed counts a fail-closed block
func (m *Metrics) ObserveFailClosed(stage string) {
	m.failClosed.WithLabelValues(stage).Inc()
}

// ObserveResponder counts a language model call
func (m *Metrics) ObserveResponder(name string, err error) {
	m.llmRequests.WithLabelValues(name, status(err)).Inc()
}

// ObserveAuditDropped counts a row the pipeline gave up on
func (m *Metrics) ObserveAuditDropped() {
	m.auditDropped.Inc()
}

// ObservePolicyWrite counts a policy write
func (m *Metrics) ObservePolicyWrite(op string, err error) {
	m.policyWrites.WithLabelValues(op, status(err)).Inc()
}

// ObservePolicyCache counts a snapshot cache lookup
func (m *Metrics) ObservePolicyCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.policyCache.WithLabelValues(result).Inc()
}

// ObserveAuditWrite counts an audit insert
func (m *Metrics) ObserveAuditWrite(err error) {
	m.auditWrites.WithLabelValues(status(err)).Inc()
}

// ObserveAuditQueue sets the pending audit row gauge
func (m *Metrics) ObserveAuditQueue(depth int) {
	m.auditQueueDepth.Set(float64(depth))
}

// ObserveHTTP records one served request. route is the matched pattern, not the raw path.
func (m *Metrics) ObserveHTTP(route, method string, code int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// findingSubtype keeps custom policy names out of label values
func findingSubtype(f models.RiskFinding) string {
	if f.Type == models.FindingTypeCustom || f.Type == models.FindingTypeAnomaly {
		return "policy"
	}
	return f.Subtype
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
