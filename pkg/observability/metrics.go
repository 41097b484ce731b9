package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors updated by the coordinator, router and firewall.
type Metrics struct {
	turns        *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	retries      prometheus.Counter
	activeTasks  prometheus.Gauge
	connections  prometheus.Gauge
	deliveries   *prometheus.CounterVec
	expired      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexedge_turns_total",
				Help: "Total number of turns by terminal status",
			},
			[]string{"status", "fault"},
		),
		turnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexedge_turn_duration_seconds",
				Help:    "Duration of turns from resolution to commit",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"status"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lexedge_turn_retries_total",
			Help: "Total number of retried attempts after transient faults",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lexedge_active_tasks",
			Help: "Execution tasks currently registered",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lexedge_connections",
			Help: "Live real-time connections",
		}),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexedge_deliveries_total",
				Help: "Payload deliveries by result",
			},
			[]string{"result"},
		),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lexedge_sessions_expired_total",
			Help: "Sessions expired by the firewall sweep",
		}),
	}
	reg.MustRegister(m.turns, m.turnDuration, m.retries, m.activeTasks, m.connections, m.deliveries, m.expired)
	return m
}

// TurnFinished records a terminal turn.
func (m *Metrics) TurnFinished(status, fault string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(status, fault).Inc()
	m.turnDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Retried records one retry.
func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// TaskStarted and TaskEnded track the registered-task gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.activeTasks.Inc()
}

func (m *Metrics) TaskEnded() {
	if m == nil {
		return
	}
	m.activeTasks.Dec()
}

// SetConnections sets the live-connection gauge.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// Delivered records a delivery attempt.
func (m *Metrics) Delivered(ok bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !ok {
		result = "dropped"
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// Expired records sessions removed by the firewall.
func (m *Metrics) Expired(n int) {
	if m == nil {
		return
	}
	m.expired.Add(float64(n))
}
