// ABOUTME: Result delivery for every public operation: a completion callback or a Future
// ABOUTME: Exactly one of the two is chosen per call and it is settled exactly once

package kv

import (
	"context"
	"sync"
)

// Callback receives the outcome of an operation. It runs on an engine worker
// goroutine and may issue further operations, including on the same
// transaction.
type Callback[T any] func(T, error)

// Future is the outcome of an operation called without a Callback.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		if err == nil {
			f.value = v
		}
		f.err = err
		close(f.done)
	})
}

func (f *Future[T]) complete(v any, err error) {
	t, _ := v.(T)
	f.settle(t, err)
}

// sink is where an operation's outcome goes. complete is called exactly once.
type sink interface {
	complete(v any, err error)
}

type callbackSink[T any] struct {
	once sync.Once
	cb   Callback[T]
}

func (s *callbackSink[T]) complete(v any, err error) {
	s.once.Do(func() {
		var t T
		if err == nil {
			t, _ = v.(T)
		}
		s.cb(t, err)
	})
}

// target picks the delivery mode for one call: the callback when one was
// given, otherwise a new Future which is also returned.
func target[T any](cbs []Callback[T]) (sink, *Future[T]) {
	if len(cbs) > 0 && cbs[0] != nil {
		return &callbackSink[T]{cb: cbs[0]}, nil
	}
	f := newFuture[T]()
	return f, f
}
