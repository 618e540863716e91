package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "summarizer"

// Metrics holds the Prometheus collectors for the delivery lifecycle.
// All methods are safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	duplicates       prometheus.Counter
	degraded         *prometheus.CounterVec
	filesFetched     *prometheus.CounterVec
	armedTimers      prometheus.Gauge
	deliveryDuration prometheus.Histogram
}

// New registers the collectors on registry, or on a fresh registry when nil.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions accepted for delivery.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal status, by outcome.",
		}, []string{"outcome"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Report files dropped because their type was already present.",
		}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_actions_total",
			Help:      "Best-effort actions that failed, by action.",
		}, []string{"action"}),
		filesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_fetched_total",
			Help:      "Report fetch attempts, by result.",
		}, []string{"result"}),
		armedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "armed_timers",
			Help:      "Sessions currently waiting for confirmation or expiry.",
		}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time from start request to completed dispatch.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsFinished,
		m.duplicates,
		m.degraded,
		m.filesFetched,
		m.armedTimers,
		m.deliveryDuration,
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DuplicatesDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.duplicates.Add(float64(n))
}

func (m *Metrics) Degraded(action string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(action).Inc()
}

func (m *Metrics) FileFetched(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.filesFetched.WithLabelValues(result).Inc()
}

func (m *Metrics) TimerArmed() {
	if m == nil {
		return
	}
	m.armedTimers.Inc()
}

func (m *Metrics) TimerReleased() {
	if m == nil {
		return
	}
	m.armedTimers.Dec()
}

func (m *Metrics) ObserveDelivery(d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryDuration.Observe(d.Seconds())
}
