package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the data layer's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsReceived *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec
	Reconnects     prometheus.Counter
	Resyncs        prometheus.Counter
	Actions        *prometheus.CounterVec
	ActionRetries  prometheus.Counter
	PendingActions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to keep them isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_received_total",
			Help:      "Socket events received, by event name.",
		}, []string{"event"}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "decode_failures_total",
			Help:      "Inbound payloads discarded as malformed, by event name.",
		}, []string{"event"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Successful socket reconnects.",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "resyncs_total",
			Help:      "Completed state resyncs.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "actions_total",
			Help:      "Finished optimistic actions, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ActionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "action_retries_total",
			Help:      "Remote calls retried after a transient failure.",
		}),
		PendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "pending_actions",
			Help:      "Actions applied optimistically and not yet settled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsReceived, m.DecodeFailures, m.Reconnects, m.Resyncs,
			m.Actions, m.ActionRetries, m.PendingActions)
	}
	return m
}

func (m *Metrics) eventReceived(event string) {
	if m != nil {
		m.EventsReceived.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) decodeFailed(event string) {
	if m != nil {
		m.DecodeFailures.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) reconnected() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) resynced() {
	if m != nil {
		m.Resyncs.Inc()
	}
}

func (m *Metrics) actionFinished(kind ActionKind, outcome ActionState) {
	if m != nil {
		m.Actions.WithLabelValues(string(kind), string(outcome)).Inc()
		m.PendingActions.Dec()
	}
}

func (m *Metrics) actionStarted() {
	if m != nil {
		m.PendingActions.Inc()
	}
}

func (m *Metrics) actionRetried() {
	if m != nil {
		m.ActionRetries.Inc()
	}
}
