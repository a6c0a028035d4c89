package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeSessions prometheus.Gauge
	sessionTotal   prometheus.Counter
	frameErrors    *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	routed         *prometheus.CounterVec
	drained        prometheus.Counter
	storeErrors    *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	evictions      prometheus.Counter
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_sessions_active",
			Help: "Current number of identified client sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_sessions_total",
			Help: "Total number of sessions that reached the active state.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_frame_errors_total",
			Help: "Inbound frames rejected, grouped by error code.",
		}, []string{"code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatty_request_latency_seconds",
			Help:    "Latency for handling client requests by act.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"act"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_messages_routed_total",
			Help: "Messages routed, grouped by delivery path.",
		}, []string{"path"}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_mailbox_drained_total",
			Help: "Offline messages delivered on identification.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_store_errors_total",
			Help: "Store operations that failed after all retries.",
		}, []string{"op"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_rejections_total",
			Help: "Connections closed before or during identification, by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_evictions_total",
			Help: "Sessions replaced by a newer login for the same uid.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.frameErrors,
		m.requestLatency,
		m.routed,
		m.drained,
		m.storeErrors,
		m.rejections,
		m.evictions,
	)
	return m
}

func (m *relayMetrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *relayMetrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(act string, dur time.Duration) {
	if m == nil || act == "" {
		return
	}
	m.requestLatency.WithLabelValues(act).Observe(dur.Seconds())
}

func (m *relayMetrics) recordRouted(path string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(path).Inc()
}

func (m *relayMetrics) recordDrained(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drained.Add(float64(n))
}

func (m *relayMetrics) recordStoreError(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *relayMetrics) recordRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) recordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
