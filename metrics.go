package amqp

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes open session and link counts, and settled deliveries
// by outcome, as a Prometheus collector; it has no connection count. It's entirely optional: a nil *Metrics (the
// default) costs nothing, since every update site checks for nil
// before touching it.
type Metrics struct {
	sessionsOpen prometheus.Gauge
	linksOpen    prometheus.Gauge
	settled      *prometheus.CounterVec
}

// NewMetrics builds a Metrics ready to register with a
// prometheus.Registerer. One Metrics is meant to be shared by every
// Conn the process dials, the way a single registry is shared process-wide.
func NewMetrics() *Metrics {
	return &Metrics{
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "amqp",
			Name:      "sessions_open",
			Help:      "Number of currently open AMQP sessions across all connections.",
		}),
		linksOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "amqp",
			Name:      "links_open",
			Help:      "Number of currently attached AMQP links across all sessions.",
		}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amqp",
			Name:      "deliveries_settled_total",
			Help:      "Deliveries settled, by outcome.",
		}, []string{"outcome"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.sessionsOpen.Describe(ch)
	m.linksOpen.Describe(ch)
	m.settled.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.sessionsOpen.Collect(ch)
	m.linksOpen.Collect(ch)
	m.settled.Collect(ch)
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessionsOpen.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessionsOpen.Dec()
	}
}

func (m *Metrics) linkOpened() {
	if m != nil {
		m.linksOpen.Inc()
	}
}

func (m *Metrics) linkClosed() {
	if m != nil {
		m.linksOpen.Dec()
	}
}

func (m *Metrics) deliverySettled(outcome string) {
	if m != nil {
		m.settled.WithLabelValues(outcome).Inc()
	}
}
