// ABOUTME: Asynchronous transaction worker with a FIFO request queue
// ABOUTME: Commits once drained after a commit request; abort fails queued requests

package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrCursorAdvanced is returned when Continue is called twice on the same cursor.
var ErrCursorAdvanced = errors.New("cursor already advanced")

type request struct {
	run  func(tx Tx)
	fail func(err error)
}

// Txn is an asynchronous transaction. Requests run in issuance order on the
// transaction's worker goroutine and their callbacks are invoked there, so a
// callback may issue follow-up requests that run before the transaction commits.
type Txn struct {
	conn       *Conn
	container  string
	mode       Mode
	deps       []<-chan struct{}
	done       chan struct{}
	wake       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	onComplete func(error)

	mu              sync.Mutex
	queue           []request
	commitRequested bool
	abortErr        error
	closing         bool
}

func newTxn(c *Conn, container string, mode Mode, onComplete func(error)) *Txn {
	ctx, cancel := context.WithCancel(context.Background())
	if onComplete == nil {
		onComplete = func(error) {}
	}
	return &Txn{
		conn:       c,
		container:  container,
		mode:       mode,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		onComplete: onComplete,
	}
}

// Mode returns the transaction's access mode.
func (t *Txn) Mode() Mode {
	return t.mode
}

// Done is closed once the transaction has ended.
func (t *Txn) Done() <-chan struct{} {
	return t.done
}

// Commit asks the transaction to commit once every request issued so far, and
// every request those requests' callbacks issue, has completed.
func (t *Txn) Commit() {
	t.mu.Lock()
	t.commitRequested = true
	t.mu.Unlock()
	t.signal()
}

// Abort rolls the transaction back. Queued requests fail with reason, which is
// also what onComplete receives. Aborting an ended transaction does nothing.
func (t *Txn) Abort(reason error) {
	if reason == nil {
		reason = context.Canceled
	}
	t.mu.Lock()
	if t.closing || t.abortErr != nil {
		t.mu.Unlock()
		return
	}
	t.abortErr = reason
	t.mu.Unlock()
	t.cancel()
	t.signal()
}

func (t *Txn) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Txn) submit(r request) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		r.fail(ErrInactive)
		return
	}
	t.queue = append(t.queue, r)
	t.mu.Unlock()
	t.signal()
}

func (t *Txn) run() {
	defer close(t.done)

	if blocked := t.blockedBy(); blocked > 0 {
		t.conn.logger.Debug("transaction waiting for earlier transactions",
			"container", t.container,
			"mode", t.mode,
			"waiting_on", blocked)
	}
	for _, dep := range t.deps {
		if err := t.await(dep); err != nil {
			t.finish(nil, err)
			return
		}
	}

	tx, err := t.conn.db.Begin(t.ctx, t.container, t.mode)
	if err != nil {
		if reason := t.abortReason(); reason != nil {
			err = reason
		}
		t.finish(nil, err)
		return
	}

	for {
		t.mu.Lock()
		if t.abortErr != nil {
			reason := t.abortErr
			t.closing = true
			t.mu.Unlock()
			t.finish(tx, reason)
			return
		}
		if len(t.queue) > 0 {
			req := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			req.run(tx)
			continue
		}
		if t.commitRequested {
			t.closing = true
			t.mu.Unlock()
			if err := tx.Commit(); err != nil {
				t.finish(tx, err)
				return
			}
			t.finish(nil, nil)
			return
		}
		t.mu.Unlock()

		select {
		case <-t.wake:
		case <-t.conn.db.Done():
			t.Abort(t.conn.closedError())
		}
	}
}

// await blocks until dep is closed, the transaction is aborted, or the
// database closes.
// blockedBy counts earlier transactions that have not ended yet. An explicit
// readwrite transaction that is never committed keeps this above zero for
// every transaction created after it.
func (t *Txn) blockedBy() int {
	n := 0
	for _, dep := range t.deps {
		select {
		case <-dep:
		default:
			n++
		}
	}
	return n
}

func (t *Txn) await(dep <-chan struct{}) error {
	for {
		select {
		case <-dep:
			return nil
		case <-t.wake:
			if reason := t.abortReason(); reason != nil {
				return reason
			}
		case <-t.conn.db.Done():
			return t.conn.closedError()
		}
	}
}

func (t *Txn) abortReason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortErr
}

// finish ends the transaction. A non-nil tx is rolled back.
func (t *Txn) finish(tx Tx, err error) {
	if tx != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			t.conn.logger.Debug("rollback failed", "container", t.container, "error", rbErr)
		}
	}

	t.mu.Lock()
	t.closing = true
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	failErr := err
	if failErr == nil {
		failErr = ErrInactive
	}
	for _, r := range pending {
		r.fail(failErr)
	}

	t.cancel()
	t.onComplete(err)
}

func (t *Txn) write(fail func(error), run func(tx Tx)) request {
	return request{
		run: func(tx Tx) {
			if t.mode != ReadWrite {
				fail(ErrReadOnly)
				return
			}
			run(tx)
		},
		fail: fail,
	}
}

// Get looks up key; cb receives nil when the key is absent.
func (t *Txn) Get(key []byte, cb func([]byte, error)) {
	t.submit(request{
		run: func(tx Tx) {
			cb(tx.Get(key))
		},
		fail: func(err error) { cb(nil, err) },
	})
}

// Put stores value at key.
func (t *Txn) Put(key, value []byte, cb func(error)) {
	t.submit(t.write(cb, func(tx Tx) {
		cb(tx.Put(key, value))
	}))
}

// Add inserts value; a nil key is assigned by the key generator.
func (t *Txn) Add(key, value []byte, cb func([]byte, error)) {
	fail := func(err error) { cb(nil, err) }
	t.submit(t.write(fail, func(tx Tx) {
		cb(tx.Add(key, value))
	}))
}

// Delete removes every record in r.
func (t *Txn) Delete(r Range, cb func(error)) {
	t.submit(t.write(cb, func(tx Tx) {
		cb(tx.Delete(r))
	}))
}

// Clear removes every record.
func (t *Txn) Clear(cb func(error)) {
	t.submit(t.write(cb, func(tx Tx) {
		cb(tx.Clear())
	}))
}

// Count counts the records in r.
func (t *Txn) Count(r Range, cb func(int, error)) {
	t.submit(request{
		run: func(tx Tx) {
			cb(tx.Count(r))
		},
		fail: func(err error) { cb(0, err) },
	})
}

// OpenCursor starts an ordered scan over r. cb receives the first record, then
// one record per Continue, and finally a nil cursor once the scan is exhausted.
func (t *Txn) OpenCursor(r Range, cb func(*Cursor, error)) {
	t.step(r, nil, cb)
}

func (t *Txn) step(r Range, after []byte, cb func(*Cursor, error)) {
	t.submit(request{
		run: func(tx Tx) {
			key, value, err := tx.Next(r, after)
			if err != nil {
				cb(nil, err)
				return
			}
			if key == nil {
				cb(nil, nil)
				return
			}
			cb(&Cursor{txn: t, rng: r, cb: cb, Key: key, Value: value}, nil)
		},
		fail: func(err error) { cb(nil, err) },
	})
}

// Cursor is one position of an ordered scan.
type Cursor struct {
	Key   []byte
	Value []byte

	txn      *Txn
	rng      Range
	cb       func(*Cursor, error)
	mu       sync.Mutex
	advanced bool
}

// Continue requests the next record. The scan's callback is invoked again with
// the result.
func (c *Cursor) Continue() error {
	c.mu.Lock()
	if c.advanced {
		c.mu.Unlock()
		return ErrCursorAdvanced
	}
	c.advanced = true
	c.mu.Unlock()
	c.txn.step(c.rng, c.Key, c.cb)
	return nil
}
