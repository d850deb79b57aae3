// ABOUTME: Shared helpers for kv tests: goleak, gated drivers and future waiting
// ABOUTME: The gated driver holds Open until the test releases it

package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-kv/internal/broadcast"
	"github.com/2389/coven-kv/internal/engine"
	"github.com/2389/coven-kv/internal/engine/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 5 * time.Second

// gatedDriver delays Open until release is called, then opens with the inner
// driver or fails with err.
type gatedDriver struct {
	inner engine.Driver
	gate  chan struct{}
	once  sync.Once
	err   error

	mu     sync.Mutex
	opened []*trackedDB
}

func newGatedDriver(t *testing.T, inner engine.Driver) *gatedDriver {
	d := &gatedDriver{inner: inner, gate: make(chan struct{})}
	t.Cleanup(d.release)
	return d
}

func (d *gatedDriver) release() {
	d.once.Do(func() { close(d.gate) })
}

func (d *gatedDriver) Name() string {
	return "gated"
}

// Open ignores ctx so a test can observe a handle arriving after Close.
func (d *gatedDriver) Open(ctx context.Context, name string, upgrade engine.UpgradeFunc) (engine.Database, error) {
	<-d.gate
	if d.err != nil {
		return nil, d.err
	}
	db, err := d.inner.Open(context.Background(), name, upgrade)
	if err != nil {
		return nil, err
	}
	tracked := &trackedDB{Database: db}
	d.mu.Lock()
	d.opened = append(d.opened, tracked)
	d.mu.Unlock()
	return tracked, nil
}

func (d *gatedDriver) handles() []*trackedDB {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*trackedDB(nil), d.opened...)
}

type trackedDB struct {
	engine.Database
	closed atomic.Bool
}

func (db *trackedDB) Close() error {
	db.closed.Store(true)
	return db.Database.Close()
}

type storeOption func(*Options)

func withBroadcaster(b broadcast.Broadcaster) storeOption {
	return func(o *Options) {
		o.Broadcaster = b
		o.Capabilities.Broadcast = b != nil
	}
}

func withOnOpen(fn func(error)) storeOption {
	return func(o *Options) {
		o.OnOpen = fn
	}
}

func openStore(t *testing.T, name string, driver engine.Driver, opts ...storeOption) *Store {
	t.Helper()
	o := Options{
		Driver:       driver,
		Capabilities: Capabilities{Engine: true},
	}
	for _, opt := range opts {
		opt(&o)
	}
	s, err := Open(name, o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newStore opens a store on a private in-memory driver and waits for it.
func newStore(t *testing.T, opts ...storeOption) *Store {
	t.Helper()
	s := openStore(t, "test", memory.New(nil), opts...)
	wait(s.Ready(), nil).ok(t)
	return s
}

// pending pairs a call's future with its synchronous error.
type pending[T any] struct {
	f   *Future[T]
	err error
}

func wait[T any](f *Future[T], err error) pending[T] {
	return pending[T]{f: f, err: err}
}

// ok requires the call to succeed and returns its value.
func (p pending[T]) ok(t *testing.T) T {
	t.Helper()
	require.NoError(t, p.err)
	require.NotNil(t, p.f)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	v, err := p.f.Wait(ctx)
	require.NoError(t, err)
	return v
}

// fail requires the call to be accepted and returns the error it settled with.
func (p pending[T]) fail(t *testing.T) error {
	t.Helper()
	require.NoError(t, p.err)
	require.NotNil(t, p.f)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := p.f.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "future never settled")
	return err
}

func waitTx(t *testing.T, tx *Transaction) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := tx.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "transaction never ended")
	return err
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func silent[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}
