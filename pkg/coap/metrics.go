package coap

import (
	"github.com/backkem/coap/pkg/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation of one Agent.
//
// All methods are safe on a nil receiver, which is what an Agent without
// a Registerer uses.
type Metrics struct {
	// Message metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec

	// Reliability metrics
	Retransmissions prometheus.Counter
	Timeouts        prometheus.Counter
	Resets          prometheus.Counter
	Duplicates      prometheus.Counter
	Stray           prometheus.Counter
	ProtocolErrors  prometheus.Counter

	// Observe metrics
	NotificationsAccepted prometheus.Counter
	NotificationsDropped  prometheus.Counter

	// Blockwise metrics
	Blocks *prometheus.CounterVec

	// Exchange metrics
	ActiveExchanges prometheus.Gauge
}

// NewMetrics registers the Agent metrics with reg. Every series carries
// the const label agent=agentID so several Agents can share a registry.
// A nil reg returns nil.
func NewMetrics(reg prometheus.Registerer, agentID string) *Metrics {
	if reg == nil {
		return nil
	}

	factory := promauto.With(reg)
	labels := prometheus.Labels{"agent": agentID}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "coap",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Metrics{
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "coap",
				Name:        "messages_sent_total",
				Help:        "Datagrams sent, by message type",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "coap",
				Name:        "messages_received_total",
				Help:        "Datagrams received and decoded, by message type",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		Retransmissions:       counter("retransmissions_total", "Confirmable messages resent after a timer expiry"),
		Timeouts:              counter("timeouts_total", "Confirmable messages that exhausted their retransmissions"),
		Resets:                counter("resets_total", "Reset messages received"),
		Duplicates:            counter("duplicates_total", "Duplicate datagrams suppressed by the dedup cache"),
		Stray:                 counter("stray_messages_total", "Messages matching no exchange"),
		ProtocolErrors:        counter("protocol_errors_total", "Malformed or inconsistent messages"),
		NotificationsAccepted: counter("observe_notifications_accepted_total", "Observe notifications delivered"),
		NotificationsDropped:  counter("observe_notifications_dropped_total", "Observe notifications dropped as stale"),
		Blocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "coap",
				Name:        "blocks_total",
				Help:        "Blockwise transfer blocks, by direction",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),
		ActiveExchanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "coap",
			Name:        "active_exchanges",
			Help:        "Exchanges currently holding the socket open",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) sent(typ message.Type) {
	if m != nil {
		m.MessagesSent.WithLabelValues(typ.String()).Inc()
	}
}

func (m *Metrics) received(typ message.Type) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(typ.String()).Inc()
	}
}

func (m *Metrics) inc(c func(*Metrics) prometheus.Counter) {
	if m != nil {
		c(m).Inc()
	}
}

func (m *Metrics) block(direction string) {
	if m != nil {
		m.Blocks.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.ActiveExchanges.Set(float64(n))
	}
}

func retransmissions(m *Metrics) prometheus.Counter { return m.Retransmissions }
func timeouts(m *Metrics) prometheus.Counter        { return m.Timeouts }
func resets(m *Metrics) prometheus.Counter          { return m.Resets }
func duplicates(m *Metrics) prometheus.Counter      { return m.Duplicates }
func stray(m *Metrics) prometheus.Counter           { return m.Stray }
func protocolErrors(m *Metrics) prometheus.Counter  { return m.ProtocolErrors }
func accepted(m *Metrics) prometheus.Counter        { return m.NotificationsAccepted }
func dropped(m *Metrics) prometheus.Counter         { return m.NotificationsDropped }
