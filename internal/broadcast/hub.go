// ABOUTME: In-process broadcast primitive: named channels with fan-out to every other member
// ABOUTME: A member never receives its own messages; slow members drop rather than block senders

package broadcast

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// inboxSize is the per-member delivery buffer.
	inboxSize = 256
)

// ErrChannelClosed is returned by Send on a closed channel.
var ErrChannelClosed = errors.New("broadcast channel closed")

// Handler receives one inbound message.
type Handler func(msg []byte)

// Channel is one member's handle on a named channel.
type Channel interface {
	// Send delivers msg to every other member of the channel.
	Send(msg []byte) error
	// Close leaves the channel. It is safe to call more than once.
	Close() error
}

// Broadcaster opens channels by name.
type Broadcaster interface {
	// Open joins the channel called name. onMessage is invoked sequentially,
	// in send order, for each message sent by another member.
	Open(name string, onMessage Handler) (Channel, error)
}

// Hub is an in-memory Broadcaster. Members are keyed by channel name and a
// generated member ID.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*member // name -> memberID -> member
	logger   *slog.Logger
	onDrop   func(name string)
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels: make(map[string]map[string]*member),
		logger:   logger.With("component", "broadcast"),
	}
}

// OnDrop registers a hook invoked whenever a message is dropped for a full inbox.
func (h *Hub) OnDrop(fn func(name string)) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Open implements Broadcaster.
func (h *Hub) Open(name string, onMessage Handler) (Channel, error) {
	if onMessage == nil {
		onMessage = func([]byte) {}
	}
	m := &member{
		id:      uuid.New().String(),
		name:    name,
		hub:     h,
		handler: onMessage,
		inbox:   make(chan []byte, inboxSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if _, ok := h.channels[name]; !ok {
		h.channels[name] = make(map[string]*member)
	}
	h.channels[name][m.id] = m
	h.mu.Unlock()

	go m.deliver()

	h.logger.Debug("member joined", "channel", name, "member_id", m.id)
	return m, nil
}

// Publish sends msg to every member of the channel except excludeID.
// Non-blocking: messages are dropped for members whose inbox is full.
// It returns the number of members the message was queued for.
func (h *Hub) Publish(name string, msg []byte, excludeID string) int {
	h.mu.RLock()
	members, ok := h.channels[name]
	if !ok || len(members) == 0 {
		h.mu.RUnlock()
		return 0
	}

	targets := make([]*member, 0, len(members))
	for id, m := range members {
		if excludeID != "" && id == excludeID {
			continue
		}
		targets = append(targets, m)
	}
	onDrop := h.onDrop
	h.mu.RUnlock()

	sent := 0
	for _, m := range targets {
		select {
		case m.inbox <- msg:
			sent++
		default:
			h.logger.Warn("dropped message for slow member",
				"channel", name,
				"member_id", m.id)
			if onDrop != nil {
				onDrop(name)
			}
		}
	}
	return sent
}

// Members returns the number of members currently joined to name.
func (h *Hub) Members(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[name])
}

// Close removes every member from every channel.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*member
	for name, members := range h.channels {
		for _, m := range members {
			all = append(all, m)
		}
		delete(h.channels, name)
	}
	h.mu.Unlock()

	for _, m := range all {
		m.stop()
	}
	h.logger.Debug("hub closed")
}

func (h *Hub) remove(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.channels[m.name]
	if !ok {
		return
	}
	delete(members, m.id)
	if len(members) == 0 {
		delete(h.channels, m.name)
	}
}

type member struct {
	id      string
	name    string
	hub     *Hub
	handler Handler
	inbox   chan []byte
	done    chan struct{}
	once    sync.Once
}

// ID returns the member's identifier within its channel.
func (m *member) ID() string {
	return m.id
}

func (m *member) Send(msg []byte) error {
	select {
	case <-m.done:
		return ErrChannelClosed
	default:
	}
	m.hub.Publish(m.name, bytes.Clone(msg), m.id)
	return nil
}

func (m *member) Close() error {
	m.hub.remove(m)
	m.stop()
	m.hub.logger.Debug("member left", "channel", m.name, "member_id", m.id)
	return nil
}

func (m *member) stop() {
	m.once.Do(func() {
		close(m.done)
	})
}

func (m *member) deliver() {
	for {
		select {
		case msg := <-m.inbox:
			m.handler(msg)
		case <-m.done:
			return
		}
	}
}
