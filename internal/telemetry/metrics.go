package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "humanitas"

// Metrics — счётчики сервиса на собственном registry.
//
// Реализует retry.Observer, verify.Observer и cache.Observer, поэтому
// передаётся в эти компоненты напрямую.
type Metrics struct {
	registry *prometheus.Registry

	tasksEnqueued     *prometheus.CounterVec
	tasksSucceeded    *prometheus.CounterVec
	tasksDeadLettered *prometheus.CounterVec
	tasksRedelivered  *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec

	retries          *prometheus.CounterVec
	retriesExhausted *prometheus.CounterVec

	verificationTimeouts *prometheus.CounterVec
	cacheLookups         *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в новом registry
// (вместе с go- и process-коллекторами).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		tasksEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted into the queue.",
		}, []string{"kind"}),
		tasksSucceeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_succeeded_total",
			Help:      "Tasks acknowledged after a successful run.",
		}, []string{"kind"}),
		tasksDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dead_lettered_total",
			Help:      "Tasks moved to the dead-letter state.",
		}, []string{"kind"}),
		tasksRedelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_redelivered_total",
			Help:      "Tasks returned to the queue for another attempt.",
		}, []string{"kind"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Handler run time per task attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"kind", "outcome"}),

		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled by retry policies.",
		}, []string{"operation"}),
		retriesExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Operations that used up their retry budget.",
		}, []string{"operation"}),

		verificationTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_timeouts_total",
			Help:      "Verification challenges that were not resolved in time.",
		}, []string{"kind"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache-aside lookups by tier and result.",
		}, []string{"tier", "result"}),
	}
}

// Registry возвращает registry (для тестов и дополнительных коллекторов).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler возвращает HTTP handler для /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TaskEnqueued(kind string)     { m.tasksEnqueued.WithLabelValues(kind).Inc() }
func (m *Metrics) TaskSucceeded(kind string)    { m.tasksSucceeded.WithLabelValues(kind).Inc() }
func (m *Metrics) TaskDeadLettered(kind string) { m.tasksDeadLettered.WithLabelValues(kind).Inc() }
func (m *Metrics) TaskRedelivered(kind string)  { m.tasksRedelivered.WithLabelValues(kind).Inc() }

// TaskFinished записывает длительность попытки.
func (m *Metrics) TaskFinished(kind, outcome string, d time.Duration) {
	m.taskDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// RetryScheduled реализует retry.Observer.
func (m *Metrics) RetryScheduled(op string, _ int, _ time.Duration, _ error) {
	m.retries.WithLabelValues(op).Inc()
}

// RetriesExhausted реализует retry.Observer.
func (m *Metrics) RetriesExhausted(op string, _ int, _ error) {
	m.retriesExhausted.WithLabelValues(op).Inc()
}

// VerificationTimedOut реализует verify.Observer.
func (m *Metrics) VerificationTimedOut(kind string) {
	m.verificationTimeouts.WithLabelValues(kind).Inc()
}

// CacheLookup реализует cache.Observer.
func (m *Metrics) CacheLookup(tier, result string) {
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}
