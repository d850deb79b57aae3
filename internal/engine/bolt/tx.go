// ABOUTME: bbolt transaction implementing engine.Tx
// ABOUTME: Re-seeks on every step so writes between steps never invalidate a scan

package bolt

import (
	"bytes"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/2389/coven-kv/internal/engine"
)

type tx struct {
	btx           *bbolt.Tx
	bucket        *bbolt.Bucket
	name          string
	autoIncrement bool
}

func (t *tx) Get(key []byte) ([]byte, error) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

func (t *tx) Put(key, value []byte) error {
	if err := t.bucket.Put(key, value); err != nil {
		return fmt.Errorf("putting record: %w", err)
	}
	return t.bumpGenerator(key)
}

// generator returns the next key the generator would hand out.
func (t *tx) generator() int64 {
	return int64(t.bucket.Sequence()) + 1
}

func (t *tx) bumpGenerator(key []byte) error {
	if !t.autoIncrement {
		return nil
	}
	current := t.generator()
	next := engine.NextGeneratorValue(current, key)
	if next == current {
		return nil
	}
	return t.bucket.SetSequence(uint64(next - 1))
}

func (t *tx) Add(key, value []byte) ([]byte, error) {
	if key == nil {
		if !t.autoIncrement {
			return nil, fmt.Errorf("%w: container %s has no key generator", engine.ErrInvalidKey, t.name)
		}
		key = engine.EncodeInt(t.generator())
	}
	if t.bucket.Get(key) != nil {
		k, _ := engine.DecodeKey(key)
		return nil, &engine.ConstraintError{Key: k}
	}
	if err := t.Put(key, value); err != nil {
		return nil, err
	}
	return key, nil
}

// scan visits records in r after after until fn returns false.
func (t *tx) scan(r engine.Range, after []byte, fn func(k, v []byte) bool) {
	c := t.bucket.Cursor()
	seek, skipEqual := r.Start(after)

	var k, v []byte
	if seek == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(seek)
		if k != nil && skipEqual && bytes.Equal(k, seek) {
			k, v = c.Next()
		}
	}
	for ; k != nil; k, v = c.Next() {
		if r.Above(k) {
			return
		}
		if !fn(k, v) {
			return
		}
	}
}

func (t *tx) Delete(r engine.Range) error {
	var doomed [][]byte
	t.scan(r, nil, func(k, _ []byte) bool {
		doomed = append(doomed, bytes.Clone(k))
		return true
	})
	for _, k := range doomed {
		if err := t.bucket.Delete(k); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
	}
	return nil
}

func (t *tx) Clear() error {
	return t.Delete(engine.All)
}

func (t *tx) Count(r engine.Range) (int, error) {
	n := 0
	t.scan(r, nil, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, nil
}

func (t *tx) Next(r engine.Range, after []byte) ([]byte, []byte, error) {
	var key, value []byte
	t.scan(r, after, func(k, v []byte) bool {
		key, value = bytes.Clone(k), bytes.Clone(v)
		return false
	})
	return key, value, nil
}

func (t *tx) Commit() error {
	if !t.btx.Writable() {
		return t.btx.Rollback()
	}
	if err := t.btx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.btx.Rollback(); err != nil && err != bbolt.ErrTxClosed {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}
