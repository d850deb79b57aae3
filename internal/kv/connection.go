// ABOUTME: Connection lifecycle: one asynchronous open, queue drain, external close detection
// ABOUTME: A handle that arrives after close is closed instead of adopted

package kv

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/coven-kv/internal/engine"
)

type connState int

const (
	connConnecting connState = iota
	connDraining
	connOpen
	connClosed
)

type connManager struct {
	store  *Store
	driver engine.Driver
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}

	mu    sync.Mutex
	state connState
	queue opQueue
	conn  *engine.Conn
}

func newConnManager(s *Store, driver engine.Driver, logger *slog.Logger) *connManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &connManager{
		store:  s,
		driver: driver,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
}

// upgrade creates the autoincrementing record container on first open.
func upgrade(s engine.Schema, oldVersion int) error {
	if oldVersion < 1 && !s.HasContainer(engine.DefaultContainer) {
		return s.CreateContainer(engine.DefaultContainer, true)
	}
	return nil
}

func (m *connManager) start() {
	go func() {
		db, err := m.driver.Open(m.ctx, m.store.name, upgrade)
		m.resolve(db, err)
	}()
}

func (m *connManager) resolve(db engine.Database, err error) {
	m.mu.Lock()
	if m.state == connClosed {
		m.mu.Unlock()
		if db != nil {
			_ = db.Close()
			m.logger.Debug("discarded connection opened after close")
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to open store", "driver", m.driver.Name(), "error", err)
		_ = m.store.shutdown(&ConnectionError{Err: err})
		return
	}

	conn := engine.NewConn(db, m.logger)
	m.conn = conn
	m.state = connDraining
	replay := m.queue.len()
	m.mu.Unlock()

	go m.watch(conn)

	for op := m.next(); op != nil; op = m.next() {
		m.store.execute(op)
	}

	m.mu.Lock()
	open := m.state == connOpen
	m.mu.Unlock()
	if open {
		m.logger.Debug("store opened", "driver", m.driver.Name(), "replayed", replay)
		m.store.opened(nil)
	}
}

// next pops the next queued operation while draining. Once the queue is
// empty it switches to live mode and returns nil.
func (m *connManager) next() *operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != connDraining {
		return nil
	}
	if op := m.queue.pop(); op != nil {
		return op
	}
	m.state = connOpen
	return nil
}

// watch turns an out-of-band close of the engine handle into a store close.
func (m *connManager) watch(conn *engine.Conn) {
	select {
	case <-conn.Done():
	case <-m.stop:
		return
	}
	select {
	case <-m.stop:
		return
	default:
	}

	err := conn.Err()
	if err == nil {
		err = engine.ErrDatabaseClosed
	}
	m.logger.Warn("connection closed externally", "error", err)
	_ = m.store.shutdown(&ConnectionError{Err: err})
}

// enqueue records op while the connection is not yet live. It reports false
// when op should run directly.
func (m *connManager) enqueue(op *operation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case connConnecting, connDraining:
		m.queue.push(op)
		return true, nil
	case connOpen:
		return false, nil
	default:
		return false, ErrClosed
	}
}

// current returns the live connection, or nil once closed.
func (m *connManager) current() *engine.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == connClosed {
		return nil
	}
	return m.conn
}

// close marks the manager closed and hands back the connection and the
// operations still queued. ok is false if it was already closed.
func (m *connManager) close() (conn *engine.Conn, queued []*operation, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == connClosed {
		return nil, nil, false
	}
	m.state = connClosed
	conn = m.conn
	m.conn = nil
	queued = m.queue.take()
	close(m.stop)
	m.cancel()
	return conn, queued, true
}
