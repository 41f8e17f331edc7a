package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is used when NewPrometheus is given an empty namespace.
const DefaultNamespace = "kvbeat"

// Prometheus implements Collector backed by Prometheus.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	monitorsActive prometheus.Gauge
	monitorStops   *prometheus.CounterVec
	rounds         *prometheus.CounterVec
	rtt            prometheus.Histogram
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates a Prometheus-backed collector.
//
// reg defaults to prometheus.DefaultRegisterer and namespace to "kvbeat".
// Metrics are registered lazily on first use.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.monitorsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "heartbeat",
			Name:      "monitors_active",
			Help:      "Number of heartbeat monitors currently watching a connection.",
		})
		p.monitorStops = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "heartbeat",
			Name:      "monitor_stops_total",
			Help:      "Heartbeat monitors stopped, by reason (stopped, heartbeat_timeout).",
		}, []string{"reason"})
		p.rounds = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "heartbeat",
			Name:      "rounds_total",
			Help:      "Heartbeat round events by result (started, ok, ping_error, timeout, late_pong).",
		}, []string{"result"})
		p.rtt = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "heartbeat",
			Name:      "rtt_seconds",
			Help:      "Ping round-trip time of successful heartbeat rounds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		})

		p.reg.MustRegister(p.monitorsActive, p.monitorStops, p.rounds, p.rtt)
	})
}

// MonitorStarted implements Collector.
func (p *Prometheus) MonitorStarted() {
	p.ensureRegistered()
	p.monitorsActive.Inc()
}

// MonitorStopped implements Collector.
func (p *Prometheus) MonitorStopped(reason string) {
	p.ensureRegistered()
	p.monitorsActive.Dec()
	p.monitorStops.WithLabelValues(reason).Inc()
}

// RoundStarted implements Collector.
func (p *Prometheus) RoundStarted() {
	p.ensureRegistered()
	p.rounds.WithLabelValues("started").Inc()
}

// RoundSucceeded implements Collector.
func (p *Prometheus) RoundSucceeded(rtt time.Duration) {
	p.ensureRegistered()
	p.rounds.WithLabelValues("ok").Inc()
	p.rtt.Observe(rtt.Seconds())
}

// PingFailed implements Collector.
func (p *Prometheus) PingFailed() {
	p.ensureRegistered()
	p.rounds.WithLabelValues("ping_error").Inc()
}

// HeartbeatTimeout implements Collector.
func (p *Prometheus) HeartbeatTimeout() {
	p.ensureRegistered()
	p.rounds.WithLabelValues("timeout").Inc()
}

// LatePong implements Collector.
func (p *Prometheus) LatePong() {
	p.ensureRegistered()
	p.rounds.WithLabelValues("late_pong").Inc()
}
