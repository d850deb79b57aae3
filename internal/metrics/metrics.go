// ABOUTME: Prometheus instruments for stores, transactions, change events and the relay
// ABOUTME: A nil *Metrics is valid and records nothing

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "covenkv"

// Metrics groups every instrument the module records.
type Metrics struct {
	operations    *prometheus.CounterVec
	transactions  *prometheus.CounterVec
	changeEvents  *prometheus.CounterVec
	relayMessages prometheus.Counter
	relayMembers  prometheus.Gauge
	dropped       *prometheus.CounterVec
}

// New creates the instruments and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Store operations issued, by operation.",
		}, []string{"op"}),
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		changeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Change events published or received, by direction.",
		}, []string{"direction"}),
		relayMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages relayed between attached members.",
		}),
		relayMembers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_members",
			Help:      "Members currently attached to the relay.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast messages dropped for slow members, by channel.",
		}, []string{"channel"}),
	}
}

// Operation counts one store operation.
func (m *Metrics) Operation(op string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op).Inc()
}

// Transaction counts one transaction outcome ("finished" or "aborted").
func (m *Metrics) Transaction(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

// ChangeEvent counts one change event ("published" or "received").
func (m *Metrics) ChangeEvent(direction string) {
	if m == nil {
		return
	}
	m.changeEvents.WithLabelValues(direction).Inc()
}

// RelayMessage counts one relayed message.
func (m *Metrics) RelayMessage() {
	if m == nil {
		return
	}
	m.relayMessages.Inc()
}

// RelayMembers adjusts the attached-member gauge.
func (m *Metrics) RelayMembers(delta float64) {
	if m == nil {
		return
	}
	m.relayMembers.Add(delta)
}

// Dropped counts one dropped broadcast message.
func (m *Metrics) Dropped(channel string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(channel).Inc()
}
