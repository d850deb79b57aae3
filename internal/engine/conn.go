// ABOUTME: Asynchronous connection facade over a Database handle
// ABOUTME: Starts transactions in creation order so writers never overlap

package engine

import (
	"fmt"
	"log/slog"
	"sync"
)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Conn schedules asynchronous transactions against an open Database.
//
// A readwrite transaction starts only after every earlier transaction on the
// connection has ended; a readonly transaction waits for the last earlier
// readwrite transaction.
type Conn struct {
	db     Database
	logger *slog.Logger

	mu        sync.Mutex
	lastWrite <-chan struct{}
	reads     []<-chan struct{}
}

// NewConn wraps db. Pass nil logger for default.
func NewConn(db Database, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		db:        db,
		logger:    logger.With("component", "engine"),
		lastWrite: closedChan,
	}
}

// Transaction creates a transaction over container. It never blocks: the
// transaction begins on its own goroutine once earlier transactions allow it.
// onComplete is invoked exactly once with nil after a commit or with the error
// that ended the transaction.
func (c *Conn) Transaction(container string, mode Mode, onComplete func(error)) *Txn {
	t := newTxn(c, container, mode, onComplete)

	c.mu.Lock()
	if mode == ReadWrite {
		t.deps = append(c.reads, c.lastWrite)
		c.lastWrite = t.done
		c.reads = nil
	} else {
		t.deps = []<-chan struct{}{c.lastWrite}
		c.reads = append(c.reads, t.done)
	}
	c.mu.Unlock()

	go t.run()
	return t
}

// Done is closed when the underlying database handle closes.
func (c *Conn) Done() <-chan struct{} {
	return c.db.Done()
}

// Err reports why the database handle closed, or nil after an explicit Close.
func (c *Conn) Err() error {
	return c.db.Err()
}

// Close closes the database handle. Running transactions observe the close
// and abort.
func (c *Conn) Close() error {
	return c.db.Close()
}

func (c *Conn) closedError() error {
	if err := c.db.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseClosed, err)
	}
	return ErrDatabaseClosed
}
