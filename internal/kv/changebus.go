// ABOUTME: Change bus: publishes committed mutations to other stores sharing the name
// ABOUTME: Inbound events become local add/set/remove notifications

package kv

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/coven-kv/internal/broadcast"
	"github.com/2389/coven-kv/internal/engine"
	"github.com/2389/coven-kv/internal/metrics"
)

// ChangeEvent describes one committed mutation. Key is absent for clear and for
// ranged removes, which carry Range instead. Value is absent for removes.
type ChangeEvent struct {
	Method EventType `json:"method"`
	Key    any       `json:"key,omitempty"`
	Value  any       `json:"value,omitempty"`
	Range  *KeyRange `json:"range,omitempty"`
}

type changeBus struct {
	ch       broadcast.Channel
	notifier *Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func openChangeBus(b broadcast.Broadcaster, name string, n *Notifier, logger *slog.Logger, m *metrics.Metrics) (*changeBus, error) {
	bus := &changeBus{
		notifier: n,
		logger:   logger,
		metrics:  m,
	}
	ch, err := b.Open(name, bus.receive)
	if err != nil {
		return nil, fmt.Errorf("opening change channel: %w", err)
	}
	bus.ch = ch
	return bus, nil
}

func (b *changeBus) publish(ev ChangeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("failed to encode change event", "method", ev.Method, "error", err)
		return
	}
	if err := b.ch.Send(data); err != nil {
		b.logger.Warn("failed to publish change event", "method", ev.Method, "error", err)
		return
	}
	b.metrics.ChangeEvent("published")
	b.logger.Debug("change published", "method", ev.Method, "key", ev.Key)
}

func (b *changeBus) receive(data []byte) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Warn("ignoring malformed change event", "error", err)
		return
	}
	if !ev.Method.isChange() {
		b.logger.Debug("ignoring unknown change event", "method", ev.Method)
		return
	}
	if ev.Key != nil {
		if k, err := engine.NormalizeKey(ev.Key); err == nil {
			ev.Key = k
		}
	}
	ev.Range.normalize()

	b.metrics.ChangeEvent("received")
	b.notifier.emit(Event{Type: ev.Method, Change: &ev})
}

func (b *changeBus) close() error {
	return b.ch.Close()
}
