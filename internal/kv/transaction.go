// ABOUTME: Transaction coordinator multiplexing record operations onto one engine transaction
// ABOUTME: Pending transactions queue waiters; the engine outcome drives exactly one terminal state

package kv

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/coven-kv/internal/engine"
)

// Mode is a transaction's access mode.
type Mode = engine.Mode

const (
	ReadOnly  = engine.ReadOnly
	ReadWrite = engine.ReadWrite
)

// TxState is the lifecycle state of a Transaction.
type TxState int

const (
	StatePending TxState = iota
	StateActive
	StateFinished
	StateAborted
)

func (s TxState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s TxState) terminal() bool {
	return s == StateFinished || s == StateAborted
}

// waiter runs against the engine transaction once it exists, or receives the
// error that prevented it from existing.
type waiter func(etx *engine.Txn, err error)

// IterateFunc receives one cursor position per step, then a nil cursor once
// the scan is exhausted. After an error it is not called again.
type IterateFunc func(c *Cursor, err error)

// Cursor is one position of an Iterate scan.
type Cursor struct {
	Key   any
	Value any

	c *engine.Cursor
}

// Continue asks for the next position. It may be called once per cursor.
func (c *Cursor) Continue() error {
	if err := c.c.Continue(); err != nil {
		return &ValidationError{Op: "continue", Err: err}
	}
	return nil
}

// Transaction groups operations into one atomic unit over the store's record
// container. Operations run in issuance order. An explicit transaction
// commits when Commit is called and every operation issued before it has
// completed.
type Transaction struct {
	store    *Store
	mode     Mode
	implicit bool
	logger   *slog.Logger
	done     chan struct{}
	seq      uint64

	mu       sync.Mutex
	state    TxState
	etx      *engine.Txn
	waiters  []waiter
	onFinish func(error)
	err      error
}

func newTransaction(s *Store, mode Mode, implicit bool) *Transaction {
	return &Transaction{
		store:    s,
		mode:     mode,
		implicit: implicit,
		logger:   s.logger,
		done:     make(chan struct{}),
	}
}

// materialize attaches the engine transaction and replays waiters in order.
func (t *Transaction) materialize(conn *engine.Conn, err error) {
	if err != nil {
		t.finish(err)
		return
	}
	if t.State() != StatePending {
		return
	}
	if !t.store.track(t) {
		t.finish(&ConnectionError{Err: ErrClosed})
		return
	}

	etx := conn.Transaction(engine.DefaultContainer, t.mode, t.complete)

	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		etx.Abort(&TransactionError{Err: ErrAborted})
		t.store.untrack(t)
		return
	}
	t.etx = etx
	t.mu.Unlock()

	for {
		t.mu.Lock()
		if t.state != StatePending {
			t.mu.Unlock()
			return
		}
		if len(t.waiters) == 0 {
			t.state = StateActive
			t.mu.Unlock()
			return
		}
		w := t.waiters[0]
		t.waiters = t.waiters[1:]
		t.mu.Unlock()
		w(etx, nil)
	}
}

// withTxn runs w now if the transaction is active, queues it while pending,
// and rejects it once the transaction has ended.
func (t *Transaction) withTxn(op string, w waiter) error {
	t.mu.Lock()
	switch {
	case t.state.terminal():
		t.mu.Unlock()
		return &ValidationError{Op: op, Err: ErrTransactionFinished}
	case t.state == StatePending:
		t.waiters = append(t.waiters, w)
		t.mu.Unlock()
		return nil
	}
	etx := t.etx
	t.mu.Unlock()
	w(etx, nil)
	return nil
}

func (t *Transaction) complete(err error) {
	t.finish(outcomeError(err))
}

func (t *Transaction) finish(err error) {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	if err == nil {
		t.state = StateFinished
	} else {
		t.state = StateAborted
	}
	t.err = err
	t.etx = nil
	waiters := t.waiters
	t.waiters = nil
	notify := t.onFinish
	t.onFinish = nil
	close(t.done)
	t.mu.Unlock()

	t.store.untrack(t)

	outcome := "finished"
	if err != nil {
		outcome = "aborted"
	}
	t.store.metrics.Transaction(outcome)
	if !t.implicit {
		t.logger.Debug("transaction ended", "mode", t.mode, "outcome", outcome, "error", err)
	}

	failErr := err
	if failErr == nil {
		failErr = &ValidationError{Op: "transaction", Err: ErrTransactionFinished}
	}
	for _, w := range waiters {
		w(nil, failErr)
	}
	if notify != nil {
		notify(err)
	}
}

// abortWith forces the aborted state with reason. It reports false when the
// transaction had already ended.
func (t *Transaction) abortWith(reason error) bool {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return false
	}
	etx := t.etx
	t.mu.Unlock()

	if etx != nil {
		etx.Abort(reason)
	}
	t.finish(reason)
	return true
}

// Mode returns the transaction's access mode.
func (t *Transaction) Mode() Mode {
	return t.mode
}

// State returns the current lifecycle state.
func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the transaction is finished or aborted.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that aborted the transaction, or nil.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the transaction ends or ctx is done, returning the
// transaction's terminal error.
func (t *Transaction) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnFinish sets the finish notifier. It fires once with nil on commit or the
// aborting error. Set on an ended transaction, it fires immediately.
func (t *Transaction) OnFinish(fn func(error)) {
	t.mu.Lock()
	if t.state.terminal() {
		err := t.err
		t.mu.Unlock()
		if fn != nil {
			fn(err)
		}
		return
	}
	t.onFinish = fn
	t.mu.Unlock()
}

// Commit asks the transaction to commit once every operation issued so far
// has completed.
func (t *Transaction) Commit() error {
	return t.withTxn("commit", func(etx *engine.Txn, err error) {
		if err == nil {
			etx.Commit()
		}
	})
}

// Abort rolls the transaction back. Pending operations and the finish
// notifier receive a TransactionError wrapping ErrAborted.
func (t *Transaction) Abort() error {
	if !t.abortWith(&TransactionError{Err: ErrAborted}) {
		return &ValidationError{Op: "abort", Err: ErrTransactionFinished}
	}
	return nil
}

func (t *Transaction) get(op string, key []byte, done func(any, error)) error {
	return t.withTxn(op, func(etx *engine.Txn, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		etx.Get(key, func(b []byte, err error) {
			if err != nil {
				done(nil, requestError(err))
				return
			}
			done(decodeValue(b))
		})
	})
}

// getMany looks every key up in one transaction. The first failure fails the
// whole batch and nothing collected so far is delivered.
func (t *Transaction) getMany(op string, keys [][]byte, done func(any, error)) error {
	return t.withTxn(op, func(etx *engine.Txn, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		out := make([]any, len(keys))
		if len(keys) == 0 {
			done(out, nil)
			return
		}

		var mu sync.Mutex
		remaining := len(keys)
		failed := false
		for i, k := range keys {
			etx.Get(k, func(b []byte, err error) {
				var v any
				if err == nil {
					v, err = decodeValue(b)
				}

				mu.Lock()
				if failed {
					mu.Unlock()
					return
				}
				if err != nil {
					failed = true
					mu.Unlock()
					done(nil, requestError(err))
					return
				}
				out[i] = v
				remaining--
				last := remaining == 0
				mu.Unlock()

				if last {
					done(out, nil)
				}
			})
		}
	})
}

func (t *Transaction) set(op string, key, value []byte, done func(any, error)) error {
	return t.withTxn(op, func(etx *engine.Txn, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		etx.Put(key, value, func(err error) {
			done(nil, requestError(err))
		})
	})
}

func (t *Transaction) add(op string, key, value []byte, done func(any, error)) error {
	return t.withTxn(op, func(etx *engine.Txn, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		etx.Add(key, value, func(k []byte, err error) {
			if err != nil {
				done(nil, requestError(err))
				return
			}
			done(engine.DecodeKey(k))
		})
	})
}

func (t *Transaction) remove(op string, r engine.Range, done func(any, error)) error {
	return t.withTxn(op, func(etx *engine.Txn, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		etx.Delete(r, func(err error) {
			done(nil, requestError(err))
		})
	})
}

func (t *Transaction) clear(op string, done func(any, error)) error {
	return t.withTxn(op, func(etx *engine.Txn, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		etx.Clear(func(err error) {
			done(nil, requestError(err))
		})
	})
}

func (t *Transaction) count(op string, r engine.Range, done func(any, error)) error {
	return t.withTxn(op, func(etx *engine.Txn, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		etx.Count(r, func(n int, err error) {
			if err != nil {
				done(nil, requestError(err))
				return
			}
			done(n, nil)
		})
	})
}

// scan walks r in key order, calling visit for each record, then done.
func (t *Transaction) scan(op string, r engine.Range, visit func(k, v []byte) error, done func(error)) error {
	return t.withTxn(op, func(etx *engine.Txn, err error) {
		if err != nil {
			done(err)
			return
		}
		etx.OpenCursor(r, func(c *engine.Cursor, err error) {
			if err != nil {
				done(requestError(err))
				return
			}
			if c == nil {
				done(nil)
				return
			}
			if err := visit(c.Key, c.Value); err != nil {
				done(err)
				return
			}
			if err := c.Continue(); err != nil {
				done(err)
			}
		})
	})
}

func (t *Transaction) keys(op string, r engine.Range, done func(any, error)) error {
	out := []any{}
	return t.scan(op, r, func(k, _ []byte) error {
		key, err := engine.DecodeKey(k)
		if err != nil {
			return err
		}
		out = append(out, key)
		return nil
	}, func(err error) {
		if err != nil {
			done(nil, err)
			return
		}
		done(out, nil)
	})
}

func (t *Transaction) values(op string, r engine.Range, done func(any, error)) error {
	out := []any{}
	return t.scan(op, r, func(_, v []byte) error {
		value, err := decodeValue(v)
		if err != nil {
			return err
		}
		out = append(out, value)
		return nil
	}, func(err error) {
		if err != nil {
			done(nil, err)
			return
		}
		done(out, nil)
	})
}

func (t *Transaction) json(op string, r engine.Range, done func(any, error)) error {
	out := Document{}
	return t.scan(op, r, func(k, v []byte) error {
		key, err := engine.DecodeKey(k)
		if err != nil {
			return err
		}
		value, err := decodeValue(v)
		if err != nil {
			return err
		}
		out = append(out, Record{Key: key, Value: value})
		return nil
	}, func(err error) {
		if err != nil {
			done(nil, err)
			return
		}
		done(out, nil)
	})
}

func (t *Transaction) iterate(op string, r engine.Range, fn IterateFunc) error {
	return t.withTxn(op, func(etx *engine.Txn, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		etx.OpenCursor(r, func(c *engine.Cursor, err error) {
			if err != nil {
				fn(nil, requestError(err))
				return
			}
			if c == nil {
				fn(nil, nil)
				return
			}
			key, err := engine.DecodeKey(c.Key)
			if err != nil {
				fn(nil, err)
				return
			}
			value, err := decodeValue(c.Value)
			if err != nil {
				fn(nil, err)
				return
			}
			fn(&Cursor{Key: key, Value: value, c: c}, nil)
		})
	})
}

// Get looks key up. A missing key resolves to nil. Passing a []any of keys
// fans out like GetMany and resolves to a []any.
func (t *Transaction) Get(key any, cb ...Callback[any]) (*Future[any], error) {
	s, f := target(cb)
	if keys, ok := key.([]any); ok {
		encoded, err := encodeKeys("get", keys)
		if err != nil {
			return nil, err
		}
		if err := t.getMany("get", encoded, s.complete); err != nil {
			return nil, err
		}
		t.store.metrics.Operation("get")
		return f, nil
	}

	k, err := encodeKey("get", key)
	if err != nil {
		return nil, err
	}
	if err := t.get("get", k, s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("get")
	return f, nil
}

// GetMany looks every key up and resolves to their values in input order.
// The first failed lookup fails the whole call.
func (t *Transaction) GetMany(keys []any, cb ...Callback[[]any]) (*Future[[]any], error) {
	encoded, err := encodeKeys("get", keys)
	if err != nil {
		return nil, err
	}
	s, f := target(cb)
	if err := t.getMany("get", encoded, s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("get")
	return f, nil
}

// Set stores value at key, replacing any existing value.
func (t *Transaction) Set(key, value any, cb ...Callback[struct{}]) (*Future[struct{}], error) {
	k, err := encodeKey("set", key)
	if err != nil {
		return nil, err
	}
	v, err := encodeValue("set", value)
	if err != nil {
		return nil, err
	}
	s, f := target(cb)
	if err := t.set("set", k, v, s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("set")
	return f, nil
}

// Add inserts value and resolves to its key. A nil key is assigned by the
// store's key generator; an existing key fails with a *ConstraintError.
func (t *Transaction) Add(key, value any, cb ...Callback[any]) (*Future[any], error) {
	var k []byte
	if key != nil {
		var err error
		if k, err = encodeKey("add", key); err != nil {
			return nil, err
		}
	}
	v, err := encodeValue("add", value)
	if err != nil {
		return nil, err
	}
	s, f := target(cb)
	if err := t.add("add", k, v, s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("add")
	return f, nil
}

// Remove deletes key, or every key in a *KeyRange.
func (t *Transaction) Remove(key any, cb ...Callback[struct{}]) (*Future[struct{}], error) {
	r, _, err := removeRange(key)
	if err != nil {
		return nil, err
	}
	s, f := target(cb)
	if err := t.remove("remove", r, s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("remove")
	return f, nil
}

// Clear deletes every record.
func (t *Transaction) Clear(cb ...Callback[struct{}]) (*Future[struct{}], error) {
	s, f := target(cb)
	if err := t.clear("clear", s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("clear")
	return f, nil
}

// Count counts the records in r (nil for all).
func (t *Transaction) Count(r *KeyRange, cb ...Callback[int]) (*Future[int], error) {
	rng, err := r.encode("count")
	if err != nil {
		return nil, err
	}
	s, f := target(cb)
	if err := t.count("count", rng, s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("count")
	return f, nil
}

// Keys resolves to the keys in r in ascending order.
func (t *Transaction) Keys(r *KeyRange, cb ...Callback[[]any]) (*Future[[]any], error) {
	rng, err := r.encode("keys")
	if err != nil {
		return nil, err
	}
	s, f := target(cb)
	if err := t.keys("keys", rng, s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("keys")
	return f, nil
}

// Values resolves to the values in r in ascending key order.
func (t *Transaction) Values(r *KeyRange, cb ...Callback[[]any]) (*Future[[]any], error) {
	rng, err := r.encode("values")
	if err != nil {
		return nil, err
	}
	s, f := target(cb)
	if err := t.values("values", rng, s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("values")
	return f, nil
}

// JSON resolves to the records in r as an ordered Document.
func (t *Transaction) JSON(r *KeyRange, cb ...Callback[Document]) (*Future[Document], error) {
	rng, err := r.encode("json")
	if err != nil {
		return nil, err
	}
	s, f := target(cb)
	if err := t.json("json", rng, s.complete); err != nil {
		return nil, err
	}
	t.store.metrics.Operation("json")
	return f, nil
}

// Iterate scans r one record at a time. fn must call Continue on the cursor
// to receive the next record.
func (t *Transaction) Iterate(r *KeyRange, fn IterateFunc) error {
	if fn == nil {
		return invalid("iterate", "continuation is required")
	}
	rng, err := r.encode("iterate")
	if err != nil {
		return err
	}
	if err := t.iterate("iterate", rng, fn); err != nil {
		return err
	}
	t.store.metrics.Operation("iterate")
	return nil
}

func encodeKeys(op string, keys []any) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		b, err := encodeKey(op, k)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// removeRange resolves Remove's argument: a key or a key range. The returned
// key is the normalized single key, nil for ranges.
func removeRange(key any) (engine.Range, any, error) {
	switch v := key.(type) {
	case *KeyRange:
		if v == nil {
			return engine.Range{}, nil, invalid("remove", "key is required")
		}
		r, err := v.encode("remove")
		return r, nil, err
	case KeyRange:
		r, err := v.encode("remove")
		return r, nil, err
	}
	k, err := encodeKey("remove", key)
	if err != nil {
		return engine.Range{}, nil, err
	}
	n, _ := engine.NormalizeKey(key)
	return engine.Only(k), n, nil
}
