package pulse

import "github.com/prometheus/client_golang/prometheus"

// Reconciliation outcomes recorded by Metrics.
const (
	OutcomeTempID    = "temp_id"
	OutcomeFallback  = "fallback"
	OutcomeAppended  = "appended"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
)

// Metrics instruments the engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsReceived  *prometheus.CounterVec
	eventsEmitted   *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	sendFailures    prometheus.Counter
	handlerPanics   *prometheus.CounterVec
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "events_received_total",
			Help:      "Realtime events received, by event name.",
		}, []string{"event"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "events_emitted_total",
			Help:      "Realtime events emitted, by event name.",
		}, []string{"event"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "reconciliations_total",
			Help:      "Inbound message reconciliation outcomes.",
		}, []string{"outcome"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "send_failures_total",
			Help:      "Optimistic sends rolled back after a failed or missing ack.",
		}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "handler_panics_total",
			Help:      "Recovered panics in event handlers, by event name.",
		}, []string{"event"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts scheduled by the connection supervisor.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "connected",
			Help:      "1 while the realtime transport is connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsReceived, m.eventsEmitted, m.reconciliations,
			m.sendFailures, m.handlerPanics, m.reconnects, m.connected,
		)
	}
	return m
}

func (m *Metrics) received(event string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) emitted(event string) {
	if m != nil {
		m.eventsEmitted.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) reconciled(outcome string) {
	if m != nil {
		m.reconciliations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) panicked(event string) {
	if m != nil {
		m.handlerPanics.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) reconnecting() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
