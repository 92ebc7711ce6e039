package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — метрики цикла планировщика.
//
// Все методы безопасны для nil: ядро можно запускать без метрик.
type Metrics struct {
	PassDuration    *prometheus.HistogramVec
	Ticks           prometheus.Counter
	Conflicts       prometheus.Counter
	RetriesExceeded prometheus.Counter
	TasksDispatched prometheus.Counter
	Attempts        *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg.
// nil reg — prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		PassDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tapestry_scheduler_pass_duration_seconds",
			Help:    "Duration of a scheduler pass",
			Buckets: prometheus.DefBuckets,
		}, []string{"pass"}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "tapestry_scheduler_ticks_total",
			Help: "Total scheduler ticks",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "tapestry_revision_conflicts_total",
			Help: "Conditional writes rejected because of a concurrent modification",
		}),
		RetriesExceeded: f.NewCounter(prometheus.CounterOpts{
			Name: "tapestry_revision_retries_exceeded_total",
			Help: "Writes abandoned after exhausting conflict retries",
		}),
		TasksDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "tapestry_tasks_created_total",
			Help: "Tasks created by the dispatcher",
		}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tapestry_attempts_total",
			Help: "Finished attempts by outcome",
		}, []string{"outcome"}),
	}
}

// ObservePass фиксирует длительность прохода.
func (m *Metrics) ObservePass(pass string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.WithLabelValues(pass).Observe(d.Seconds())
}

// IncTick увеличивает счётчик тиков.
func (m *Metrics) IncTick() {
	if m == nil {
		return
	}
	m.Ticks.Inc()
}

// IncConflict увеличивает счётчик конфликтов ревизий.
func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

// IncRetriesExceeded увеличивает счётчик исчерпанных повторов.
func (m *Metrics) IncRetriesExceeded() {
	if m == nil {
		return
	}
	m.RetriesExceeded.Inc()
}

// AddDispatched добавляет число созданных tasks.
func (m *Metrics) AddDispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksDispatched.Add(float64(n))
}

// IncAttempt учитывает завершённую попытку.
func (m *Metrics) IncAttempt(outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}
