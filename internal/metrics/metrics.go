// Package metrics exposes the Prometheus collectors of the event core.
//
// Collectors are registered on the registerer passed to New; nothing is
// registered globally. Every method is safe to call on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sipvoice"

// Drop reasons reported by the dispatcher.
const (
	DropOldest    = "drop_oldest"
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
)

type Metrics struct {
	notifications      *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	unknownSession     prometheus.Counter
	eventsPublished    *prometheus.CounterVec
	eventsDropped      *prometheus.CounterVec
	subscriberFailures *prometheus.CounterVec
	activeCalls        prometheus.Gauge
	callDuration       prometheus.Histogram
	codecNegotiations  *prometheus.CounterVec
	engineCommands     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "notifications_total",
			Help:      "Engine notifications accepted, by type.",
		}, []string{"type"}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "decode_errors_total",
			Help:      "Engine notifications rejected by the codec, by reason.",
		}, []string{"reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "state_transitions_total",
			Help:      "Call state transitions, by source and destination state.",
		}, []string{"from", "to"}),
		unknownSession: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "unknown_session_transitions_total",
			Help:      "Call state notifications for call ids without a live session.",
		}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "events_published_total",
			Help:      "Events accepted by the dispatcher, by kind.",
		}, []string{"kind"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "events_dropped_total",
			Help:      "Events discarded by the dispatcher, by reason.",
		}, []string{"reason"}),
		subscriberFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "subscriber_failures_total",
			Help:      "Subscriber invocations that returned an error, panicked or timed out.",
		}, []string{"reason"}),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "active",
			Help:      "Number of live call sessions.",
		}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Duration of finished calls from creation to disconnect.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}),
		codecNegotiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codecs",
			Name:      "negotiations_total",
			Help:      "Codec priority updates, by result.",
		}, []string{"result"}),
		engineCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Commands forwarded to the SIP engine, by command and result.",
		}, []string{"command", "result"}),
	}
}

func (m *Metrics) NotificationReceived(typ string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(typ).Inc()
}

func (m *Metrics) DecodeFailed(reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) UnknownSession() {
	if m == nil {
		return
	}
	m.unknownSession.Inc()
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SubscriberFailed(reason string) {
	if m == nil {
		return
	}
	m.subscriberFailures.WithLabelValues(reason).Inc()
}

// SetActiveCalls records the current number of live sessions.
func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(n))
}

func (m *Metrics) CallFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.Observe(d.Seconds())
}

func (m *Metrics) CodecNegotiation(success bool) {
	if m == nil {
		return
	}
	m.codecNegotiations.WithLabelValues(result(success)).Inc()
}

func (m *Metrics) EngineCommand(command string, err error) {
	if m == nil {
		return
	}
	m.engineCommands.WithLabelValues(command, result(err == nil)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
