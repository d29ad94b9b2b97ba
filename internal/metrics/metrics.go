// Package metrics provides Prometheus metrics for the moderation bot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-blackswan/chatwarden/internal/deletion"
)

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	JobsScheduled     prometheus.Counter
	DeleteAttempts    *prometheus.CounterVec
	DeleteDuration    prometheus.Histogram
	JobsFinished      *prometheus.CounterVec
	ModerationActions *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsScheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatwarden_deletion_jobs_scheduled_total",
				Help: "Total number of deletion jobs scheduled, including superseding ones.",
			},
		),
		DeleteAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatwarden_delete_attempts_total",
				Help: "Delete calls against the Telegram API by classified outcome.",
			},
			[]string{"outcome"},
		),
		DeleteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatwarden_delete_duration_seconds",
				Help:    "Latency of delete calls against the Telegram API.",
				Buckets: prometheus.DefBuckets,
			},
		),
		JobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatwarden_deletion_jobs_finished_total",
				Help: "Deletion jobs that reached a terminal state, by status.",
			},
			[]string{"status"},
		),
		ModerationActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatwarden_moderation_actions_total",
				Help: "Moderation decisions taken on incoming messages.",
			},
			[]string{"action"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatwarden_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.JobsScheduled)
	reg.MustRegister(m.DeleteAttempts)
	reg.MustRegister(m.DeleteDuration)
	reg.MustRegister(m.JobsFinished)
	reg.MustRegister(m.ModerationActions)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterActiveJobs exposes the live job count as a gauge sampled on scrape.
func (m *Metrics) RegisterActiveJobs(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "chatwarden_deletion_jobs_active",
			Help: "Number of live deletion jobs.",
		},
		func() float64 { return float64(count()) },
	))
}

// RegisterStoreSize exposes the database file size, sampled on scrape.
func (m *Metrics) RegisterStoreSize(size func() (int64, error)) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "chatwarden_store_size_bytes",
			Help: "Size of the SQLite database in bytes.",
		},
		func() float64 {
			n, err := size()
			if err != nil {
				return 0
			}
			return float64(n)
		},
	))
}

// RecordJobScheduled increments the scheduled-jobs counter.
func (m *Metrics) RecordJobScheduled() {
	m.JobsScheduled.Inc()
}

// ObserveAttempt records one delete call.
func (m *Metrics) ObserveAttempt(outcome string, d time.Duration) {
	m.DeleteAttempts.WithLabelValues(outcome).Inc()
	m.DeleteDuration.Observe(d.Seconds())
}

// RecordJobFinished counts a job leaving the registry. It matches
// deletion.TerminalFunc.
func (m *Metrics) RecordJobFinished(job deletion.Job) {
	m.JobsFinished.WithLabelValues(job.Status.String()).Inc()
}

// RecordAction increments the moderation action counter.
func (m *Metrics) RecordAction(action string) {
	m.ModerationActions.WithLabelValues(action).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
