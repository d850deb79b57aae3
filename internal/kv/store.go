// ABOUTME: Store: named key-value handle over an asynchronous engine connection
// ABOUTME: Single-shot calls run on implicit transactions and publish committed mutations

package kv

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/coven-kv/internal/broadcast"
	"github.com/2389/coven-kv/internal/engine"
	"github.com/2389/coven-kv/internal/metrics"
)

// Capabilities records what the hosting environment provides. Compute it once
// at startup and pass it to every Store.
type Capabilities struct {
	Engine    bool
	Broadcast bool
}

// DetectCapabilities reports which collaborators are available.
func DetectCapabilities(driver engine.Driver, b broadcast.Broadcaster) Capabilities {
	return Capabilities{
		Engine:    driver != nil,
		Broadcast: b != nil,
	}
}

// Options configures a Store.
type Options struct {
	Driver       engine.Driver
	Broadcaster  broadcast.Broadcaster
	Capabilities Capabilities
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	// OnOpen is called once with nil when the store opens, or with the error
	// that prevented it from opening.
	OnOpen func(error)
}

// Store is a named key-value store. Operations issued before the engine
// connection opens are queued and replayed in call order.
type Store struct {
	name     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	caps     Capabilities
	conn     *connManager
	bus      *changeBus
	notifier *Notifier
	ready    *Future[struct{}]
	onOpen   func(error)

	openOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	closed bool
	seq    uint64
	txs    map[*Transaction]struct{}
}

// Open creates a Store and starts opening its connection in the background.
func Open(name string, opts Options) (*Store, error) {
	if name == "" {
		return nil, invalid("open", "store name is required")
	}
	if !opts.Capabilities.Engine || opts.Driver == nil {
		return nil, &UnsupportedFeatureError{Feature: "storage engine"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kv", "store", name)

	withBus := opts.Capabilities.Broadcast && opts.Broadcaster != nil
	s := &Store{
		name:     name,
		logger:   logger,
		metrics:  opts.Metrics,
		caps:     opts.Capabilities,
		notifier: newNotifier(withBus),
		ready:    newFuture[struct{}](),
		onOpen:   opts.OnOpen,
		txs:      make(map[*Transaction]struct{}),
	}

	if withBus {
		bus, err := openChangeBus(opts.Broadcaster, name, s.notifier, logger, opts.Metrics)
		if err != nil {
			return nil, err
		}
		s.bus = bus
	}

	s.conn = newConnManager(s, opts.Driver, logger)
	s.conn.start()
	return s, nil
}

// Name returns the store's name.
func (s *Store) Name() string {
	return s.name
}

// Capabilities returns the capabilities the store was opened with.
func (s *Store) Capabilities() Capabilities {
	return s.caps
}

// Ready settles once the connection opens, or with the error that closed the
// store first.
func (s *Store) Ready() *Future[struct{}] {
	return s.ready
}

// Events returns the store's notification sink.
func (s *Store) Events() *Notifier {
	return s.notifier
}

// On registers fn for notifications of type t. See Notifier.On.
func (s *Store) On(t EventType, fn Handler) (func(), error) {
	return s.notifier.On(t, fn)
}

func (s *Store) opened(err error) {
	s.openOnce.Do(func() {
		s.ready.settle(struct{}{}, err)
		if err == nil {
			s.notifier.emit(Event{Type: EventOpen})
		}
		if s.onOpen != nil {
			s.onOpen(err)
		}
	})
}

func (s *Store) track(t *Transaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.seq++
	t.seq = s.seq
	s.txs[t] = struct{}{}
	return true
}

func (s *Store) untrack(t *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txs, t)
}

// Close closes the store. Queued operations fail and live transactions abort
// with a ConnectionError. Calling Close again does nothing.
func (s *Store) Close() error {
	return s.shutdown(nil)
}

// shutdown tears the store down once. cause is nil for an explicit Close.
func (s *Store) shutdown(cause error) error {
	s.closeOnce.Do(func() {
		conn, queued, _ := s.conn.close()

		failErr := cause
		if failErr == nil {
			failErr = &ConnectionError{Err: ErrClosed}
		}

		s.mu.Lock()
		s.closed = true
		live := make([]*Transaction, 0, len(s.txs))
		for t := range s.txs {
			live = append(live, t)
		}
		s.txs = make(map[*Transaction]struct{})
		s.mu.Unlock()
		slices.SortFunc(live, func(a, b *Transaction) int {
			return cmp.Compare(a.seq, b.seq)
		})

		failAll(queued, failErr)
		for _, t := range live {
			t.abortWith(failErr)
		}

		var errs []error
		if conn != nil {
			errs = append(errs, conn.Close())
		}
		if s.bus != nil {
			errs = append(errs, s.bus.close())
		}
		s.closeErr = errors.Join(errs...)

		s.opened(failErr)
		s.notifier.shutdown(cause)
		s.logger.Debug("store closed", "queued", len(queued), "aborted", len(live), "cause", cause)
	})
	return s.closeErr
}

// submit queues op until the connection opens, or runs it now.
func (s *Store) submit(op *operation) error {
	queued, err := s.conn.enqueue(op)
	if err != nil {
		return err
	}
	s.metrics.Operation(op.kind.String())
	if !queued {
		s.execute(op)
	}
	return nil
}

func (s *Store) execute(op *operation) {
	dispatch[op.kind](s, op)
}

// runImplicit runs one request on a store-owned transaction and delivers its
// outcome after the transaction commits. Committed mutations are published.
func (s *Store) runImplicit(op *operation, mode Mode, issue func(t *Transaction, done func(any, error)) error) {
	t := newTransaction(s, mode, true)

	var result any
	var opErr error
	t.onFinish = func(err error) {
		if err == nil {
			err = opErr
		}
		if err != nil {
			op.target.complete(nil, err)
			return
		}
		s.publish(op, result)
		op.target.complete(result, nil)
	}

	conn := s.conn.current()
	if conn == nil {
		t.materialize(nil, &ConnectionError{Err: ErrClosed})
		return
	}
	t.materialize(conn, nil)

	err := issue(t, func(v any, err error) {
		result, opErr = v, err
	})
	if err != nil {
		return
	}
	_ = t.Commit()
}

func (s *Store) publish(op *operation, result any) {
	if s.bus == nil || op.change == nil {
		return
	}
	ev := *op.change
	if op.kind == opAdd {
		ev.Key = result
	}
	s.bus.publish(ev)
}

func (s *Store) runGet(op *operation) {
	s.runImplicit(op, ReadOnly, func(t *Transaction, done func(any, error)) error {
		return t.get("get", op.key, done)
	})
}

func (s *Store) runGetMany(op *operation) {
	s.runImplicit(op, ReadOnly, func(t *Transaction, done func(any, error)) error {
		return t.getMany("get", op.keys, done)
	})
}

func (s *Store) runSet(op *operation) {
	s.runImplicit(op, ReadWrite, func(t *Transaction, done func(any, error)) error {
		return t.set("set", op.key, op.value, done)
	})
}

func (s *Store) runAdd(op *operation) {
	s.runImplicit(op, ReadWrite, func(t *Transaction, done func(any, error)) error {
		return t.add("add", op.key, op.value, done)
	})
}

func (s *Store) runRemove(op *operation) {
	s.runImplicit(op, ReadWrite, func(t *Transaction, done func(any, error)) error {
		return t.remove("remove", op.rng, done)
	})
}

func (s *Store) runClear(op *operation) {
	s.runImplicit(op, ReadWrite, func(t *Transaction, done func(any, error)) error {
		return t.clear("clear", done)
	})
}

func (s *Store) runCount(op *operation) {
	s.runImplicit(op, ReadOnly, func(t *Transaction, done func(any, error)) error {
		return t.count("count", op.rng, done)
	})
}

func (s *Store) runKeys(op *operation) {
	s.runImplicit(op, ReadOnly, func(t *Transaction, done func(any, error)) error {
		return t.keys("keys", op.rng, done)
	})
}

func (s *Store) runValues(op *operation) {
	s.runImplicit(op, ReadOnly, func(t *Transaction, done func(any, error)) error {
		return t.values("values", op.rng, done)
	})
}

func (s *Store) runJSON(op *operation) {
	s.runImplicit(op, ReadOnly, func(t *Transaction, done func(any, error)) error {
		return t.json("json", op.rng, done)
	})
}

// runIterate hands cursor steps straight to the continuation. The
// transaction commits once the continuation stops calling Continue.
func (s *Store) runIterate(op *operation) {
	t := newTransaction(s, ReadOnly, true)
	conn := s.conn.current()
	if conn == nil {
		op.iter(nil, &ConnectionError{Err: ErrClosed})
		return
	}
	t.materialize(conn, nil)
	if err := t.iterate("iterate", op.rng, op.iter); err != nil {
		if terr := t.Err(); terr != nil {
			err = terr
		}
		op.iter(nil, err)
		return
	}
	_ = t.Commit()
}

func (s *Store) runBegin(op *operation) {
	conn := s.conn.current()
	if conn == nil {
		op.tx.materialize(nil, &ConnectionError{Err: ErrClosed})
		return
	}
	op.tx.materialize(conn, nil)
}

// Get looks key up; a missing key resolves to nil. Passing a []any of keys
// fans out like GetMany and resolves to a []any.
func (s *Store) Get(key any, cb ...Callback[any]) (*Future[any], error) {
	if keys, ok := key.([]any); ok {
		encoded, err := encodeKeys("get", keys)
		if err != nil {
			return nil, err
		}
		sk, f := target(cb)
		if err := s.submit(&operation{kind: opGetMany, keys: encoded, target: sk}); err != nil {
			return nil, err
		}
		return f, nil
	}

	k, err := encodeKey("get", key)
	if err != nil {
		return nil, err
	}
	sk, f := target(cb)
	if err := s.submit(&operation{kind: opGet, key: k, target: sk}); err != nil {
		return nil, err
	}
	return f, nil
}

// GetMany looks every key up in one transaction and resolves to the values in
// input order. The first failed lookup fails the whole call.
func (s *Store) GetMany(keys []any, cb ...Callback[[]any]) (*Future[[]any], error) {
	encoded, err := encodeKeys("get", keys)
	if err != nil {
		return nil, err
	}
	sk, f := target(cb)
	if err := s.submit(&operation{kind: opGetMany, keys: encoded, target: sk}); err != nil {
		return nil, err
	}
	return f, nil
}

// Set stores value at key.
func (s *Store) Set(key, value any, cb ...Callback[struct{}]) (*Future[struct{}], error) {
	k, err := encodeKey("set", key)
	if err != nil {
		return nil, err
	}
	v, err := encodeValue("set", value)
	if err != nil {
		return nil, err
	}
	n, _ := engine.NormalizeKey(key)
	sk, f := target(cb)
	op := &operation{
		kind:   opSet,
		key:    k,
		value:  v,
		target: sk,
		change: &ChangeEvent{Method: EventSet, Key: n, Value: value},
	}
	if err := s.submit(op); err != nil {
		return nil, err
	}
	return f, nil
}

// Add inserts value and resolves to its key. A nil key is assigned by the key
// generator; an existing key fails with a *ConstraintError.
func (s *Store) Add(key, value any, cb ...Callback[any]) (*Future[any], error) {
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
	sk, f := target(cb)
	op := &operation{
		kind:   opAdd,
		key:    k,
		value:  v,
		target: sk,
		change: &ChangeEvent{Method: EventAdd, Value: value},
	}
	if err := s.submit(op); err != nil {
		return nil, err
	}
	return f, nil
}

// Remove deletes key, or every key in a *KeyRange.
func (s *Store) Remove(key any, cb ...Callback[struct{}]) (*Future[struct{}], error) {
	r, k, err := removeRange(key)
	if err != nil {
		return nil, err
	}
	change := &ChangeEvent{Method: EventRemove, Key: k}
	if k == nil {
		switch v := key.(type) {
		case *KeyRange:
			change.Range = v
		case KeyRange:
			change.Range = &v
		}
	}
	sk, f := target(cb)
	if err := s.submit(&operation{kind: opRemove, rng: r, target: sk, change: change}); err != nil {
		return nil, err
	}
	return f, nil
}

// Clear deletes every record.
func (s *Store) Clear(cb ...Callback[struct{}]) (*Future[struct{}], error) {
	sk, f := target(cb)
	op := &operation{
		kind:   opClear,
		target: sk,
		change: &ChangeEvent{Method: EventRemove},
	}
	if err := s.submit(op); err != nil {
		return nil, err
	}
	return f, nil
}

// Count counts the records in r (nil for all).
func (s *Store) Count(r *KeyRange, cb ...Callback[int]) (*Future[int], error) {
	rng, err := r.encode("count")
	if err != nil {
		return nil, err
	}
	sk, f := target(cb)
	if err := s.submit(&operation{kind: opCount, rng: rng, target: sk}); err != nil {
		return nil, err
	}
	return f, nil
}

// Keys resolves to the keys in r in ascending order.
func (s *Store) Keys(r *KeyRange, cb ...Callback[[]any]) (*Future[[]any], error) {
	rng, err := r.encode("keys")
	if err != nil {
		return nil, err
	}
	sk, f := target(cb)
	if err := s.submit(&operation{kind: opKeys, rng: rng, target: sk}); err != nil {
		return nil, err
	}
	return f, nil
}

// Values resolves to the values in r in ascending key order.
func (s *Store) Values(r *KeyRange, cb ...Callback[[]any]) (*Future[[]any], error) {
	rng, err := r.encode("values")
	if err != nil {
		return nil, err
	}
	sk, f := target(cb)
	if err := s.submit(&operation{kind: opValues, rng: rng, target: sk}); err != nil {
		return nil, err
	}
	return f, nil
}

// JSON resolves to the records in r as an ordered Document.
func (s *Store) JSON(r *KeyRange, cb ...Callback[Document]) (*Future[Document], error) {
	rng, err := r.encode("json")
	if err != nil {
		return nil, err
	}
	sk, f := target(cb)
	if err := s.submit(&operation{kind: opJSON, rng: rng, target: sk}); err != nil {
		return nil, err
	}
	return f, nil
}

// Iterate scans r one record at a time on a readonly transaction. fn must
// call Continue from inside the callback to receive the next record; the
// transaction commits as soon as no step is pending.
func (s *Store) Iterate(r *KeyRange, fn IterateFunc) error {
	if fn == nil {
		return invalid("iterate", "continuation is required")
	}
	rng, err := r.encode("iterate")
	if err != nil {
		return err
	}
	return s.submit(&operation{kind: opIterate, rng: rng, iter: fn})
}

// Transaction starts an explicit transaction. An empty mode means readwrite.
// The transaction holds the engine until Commit or Abort, so a readwrite
// transaction left open blocks every later transaction on the store.
func (s *Store) Transaction(mode Mode) (*Transaction, error) {
	if mode == "" {
		mode = ReadWrite
	}
	if !mode.Valid() {
		return nil, invalid("transaction", "invalid mode %q", mode)
	}
	t := newTransaction(s, mode, false)
	if err := s.submit(&operation{kind: opBegin, tx: t}); err != nil {
		return nil, err
	}
	return t, nil
}
