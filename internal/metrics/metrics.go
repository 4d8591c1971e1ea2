package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for both jobs. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Registry owns the collectors and backs the /metrics endpoint.
	Registry *prometheus.Registry

	remoteAttempts    *prometheus.CounterVec
	remoteDuration    prometheus.Histogram
	rateLimitWait     prometheus.Counter
	accountsResolved  *prometheus.CounterVec
	reconcileRuns     *prometheus.CounterVec
	sinkWrites        *prometheus.CounterVec
	rowsAppended      *prometheus.CounterVec
	lastSuccess       *prometheus.GaugeVec
	consecutiveErrors prometheus.Gauge
}

// New creates a private registry so repeated construction in tests does not
// panic on duplicate registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		remoteAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dailybalance_remote_attempts_total",
				Help: "Remote financial API attempts by outcome.",
			},
			[]string{"outcome"},
		),
		remoteDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dailybalance_remote_attempt_duration_seconds",
				Help:    "Duration of a single remote financial API attempt.",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		rateLimitWait: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dailybalance_ratelimit_wait_seconds_total",
				Help: "Seconds spent blocked by the remote rate limiter.",
			},
		),
		accountsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dailybalance_accounts_resolved_total",
				Help: "Sub-account balance resolutions by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		),
		reconcileRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dailybalance_reconcile_iterations_total",
				Help: "Reconciliation loop iterations by result.",
			},
			[]string{"result"},
		),
		sinkWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dailybalance_sink_writes_total",
				Help: "Spreadsheet writes by tab and result.",
			},
			[]string{"tab", "result"},
		),
		rowsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dailybalance_rows_appended_total",
				Help: "Rows appended to log tabs.",
			},
			[]string{"tab"},
		),
		lastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dailybalance_last_success_timestamp_seconds",
				Help: "Unix time of the last successful run per job.",
			},
			[]string{"job"},
		),
		consecutiveErrors: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dailybalance_reconcile_consecutive_failures",
				Help: "Reconciliation iterations failed in a row.",
			},
		),
	}
}

// RemoteAttempt records one remote attempt.
func (m *Metrics) RemoteAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteAttempts.WithLabelValues(outcome).Inc()
	m.remoteDuration.Observe(d.Seconds())
}

// RateLimitWait adds time spent waiting on the limiter.
func (m *Metrics) RateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.Add(d.Seconds())
}

// AccountResolved counts a resolver outcome.
func (m *Metrics) AccountResolved(strategy, outcome string) {
	if m == nil {
		return
	}
	m.accountsResolved.WithLabelValues(strategy, outcome).Inc()
}

// ReconcileIteration counts a loop iteration and tracks the failure streak.
func (m *Metrics) ReconcileIteration(result string, streak int) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
	m.consecutiveErrors.Set(float64(streak))
}

// SinkWrite counts a spreadsheet write.
func (m *Metrics) SinkWrite(tab string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkWrites.WithLabelValues(tab, result).Inc()
}

// RowsAppended counts rows appended to a log tab.
func (m *Metrics) RowsAppended(tab string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsAppended.WithLabelValues(tab).Add(float64(n))
}

// Success stamps the last successful run of job.
func (m *Metrics) Success(job string, at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.WithLabelValues(job).Set(float64(at.Unix()))
}
