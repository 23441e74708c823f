// Package metrics holds the prometheus collectors of the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is a valid no-op sink.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsReleased  prometheus.Counter
	SessionDuration   prometheus.Histogram
	ProxyBytes        *prometheus.CounterVec
	CaptchaTasks      *prometheus.CounterVec
	RealtimeConns     *prometheus.GaugeVec
	GeoLookupFailures prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "browserctl",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Sessions started",
		}),
		SessionsReleased: f.NewCounter(prometheus.CounterOpts{
			Namespace: "browserctl",
			Subsystem: "session",
			Name:      "released_total",
			Help:      "Sessions released",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "browserctl",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Lifetime of released sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		ProxyBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browserctl",
			Subsystem: "proxy",
			Name:      "bytes_total",
			Help:      "Bytes relayed by session proxy tunnels",
		}, []string{"direction"}),
		CaptchaTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browserctl",
			Subsystem: "captcha",
			Name:      "tasks_settled_total",
			Help:      "Captcha tasks by final status",
		}, []string{"status"}),
		RealtimeConns: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "browserctl",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open realtime websocket connections",
		}, []string{"route"}),
		GeoLookupFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "browserctl",
			Subsystem: "geo",
			Name:      "lookup_failures_total",
			Help:      "Failed timezone lookups",
		}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) SessionReleased(seconds float64) {
	if m == nil {
		return
	}
	m.SessionsReleased.Inc()
	m.SessionDuration.Observe(seconds)
}

func (m *Metrics) AddProxyBytes(tx, rx int64) {
	if m == nil {
		return
	}
	m.ProxyBytes.WithLabelValues("tx").Add(float64(tx))
	m.ProxyBytes.WithLabelValues("rx").Add(float64(rx))
}

func (m *Metrics) CaptchaSettled(status string) {
	if m == nil {
		return
	}
	m.CaptchaTasks.WithLabelValues(status).Inc()
}

// RealtimeConnected increments the route gauge and returns its decrement.
func (m *Metrics) RealtimeConnected(route string) func() {
	if m == nil {
		return func() {}
	}
	g := m.RealtimeConns.WithLabelValues(route)
	g.Inc()
	return g.Dec
}

func (m *Metrics) GeoLookupFailed() {
	if m == nil {
		return
	}
	m.GeoLookupFailures.Inc()
}
