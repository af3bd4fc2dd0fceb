package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/events"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/monitor"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/orchestrator"
)

const namespace = "geoschem"

// Submission outcomes.
const (
	SubmissionAccepted = "accepted"
	SubmissionInvalid  = "invalid"
	SubmissionQuota    = "quota_exceeded"
	SubmissionError    = "error"
)

// Metrics is the lifecycle collector. It records orchestrator progress and
// counts terminal transitions by consuming status events.
type Metrics struct {
	registry *prometheus.Registry

	submissions  *prometheus.CounterVec
	terminal     *prometheus.CounterVec
	polls        *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	runtime      prometheus.Histogram
	actualCost   prometheus.Histogram
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var (
	_ orchestrator.Recorder = (*Metrics)(nil)
	_ events.Publisher      = (*Metrics)(nil)
)

// NewMetrics registers the collector on a fresh registry along with the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Simulation submissions by outcome.",
		}, []string{"outcome"}),
		terminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulations_finished_total",
			Help:      "Terminal transitions by status and failure kind.",
		}, []string{"status", "failure_kind"}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_polls_total",
			Help:      "Monitor polls by decision and bucket.",
		}, []string{"decision", "bucket"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch attempts by result.",
		}, []string{"result"}),
		runtime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "simulation_runtime_seconds",
			Help:      "Compute runtime of successful simulations.",
			Buckets:   []float64{60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 48 * 3600},
		}),
		actualCost: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "simulation_actual_cost_dollars",
			Help:      "Actual cost of completed simulations.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 50, 100, 500},
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveSubmission counts one submission outcome.
func (m *Metrics) ObserveSubmission(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

// ObservePoll implements orchestrator.Recorder.
func (m *Metrics) ObservePoll(decision monitor.Decision, bucket monitor.Bucket) {
	m.polls.WithLabelValues(string(decision), string(bucket)).Inc()
}

// ObserveDispatch implements orchestrator.Recorder.
func (m *Metrics) ObserveDispatch(err error) {
	result := "submitted"
	if err != nil {
		result = "failed"
	}
	m.dispatches.WithLabelValues(result).Inc()
}

// ObserveRuntime implements orchestrator.Recorder.
func (m *Metrics) ObserveRuntime(seconds float64) {
	m.runtime.Observe(seconds)
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method, code string, seconds float64) {
	m.httpRequests.WithLabelValues(route, method, code).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(seconds)
}

// Publish implements events.Publisher.
func (m *Metrics) Publish(_ context.Context, ev events.Event) error {
	if !ev.NewStatus.IsTerminal() {
		return nil
	}
	m.terminal.WithLabelValues(string(ev.NewStatus), string(ev.FailureKind)).Inc()
	if ev.Metrics.ActualCost != nil {
		m.actualCost.Observe(*ev.Metrics.ActualCost)
	}
	return nil
}

// Close implements events.Publisher.
func (m *Metrics) Close() error { return nil }
