// ABOUTME: In-memory engine driver backed by copy-on-write btrees
// ABOUTME: Databases are process-wide by name so separate handles share data

package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"github.com/2389/coven-kv/internal/engine"
)

// ErrDropped is reported by handles whose database was dropped out from under them.
var ErrDropped = errors.New("database dropped")

const degree = 16

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type container struct {
	tree          *btree.BTreeG[item]
	autoIncrement bool
	next          int64
}

type database struct {
	mu         sync.Mutex
	version    int
	containers map[string]*container
	handles    map[*handle]struct{}
	writer     chan struct{}
}

// Driver keeps every database in memory.
type Driver struct {
	mu     sync.Mutex
	dbs    map[string]*database
	logger *slog.Logger
}

// New creates a driver. Pass nil logger for default.
func New(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		dbs:    make(map[string]*database),
		logger: logger.With("component", "memory"),
	}
}

// Name implements engine.Driver.
func (d *Driver) Name() string {
	return "memory"
}

// Open implements engine.Driver.
func (d *Driver) Open(ctx context.Context, name string, upgrade engine.UpgradeFunc) (engine.Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	db, ok := d.dbs[name]
	if !ok {
		db = &database{
			containers: make(map[string]*container),
			handles:    make(map[*handle]struct{}),
			writer:     make(chan struct{}, 1),
		}
		d.dbs[name] = db
	}
	d.mu.Unlock()

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.version < engine.SchemaVersion {
		if upgrade != nil {
			if err := upgrade(schema{db}, db.version); err != nil {
				return nil, fmt.Errorf("upgrading %s: %w", name, err)
			}
		}
		db.version = engine.SchemaVersion
	}

	h := &handle{db: db, done: make(chan struct{})}
	db.handles[h] = struct{}{}
	d.logger.Debug("database opened", "name", name)
	return h, nil
}

// Drop deletes the named database and closes every open handle on it, the way
// an out-of-band delete would.
func (d *Driver) Drop(name string) {
	d.mu.Lock()
	db, ok := d.dbs[name]
	delete(d.dbs, name)
	d.mu.Unlock()
	if !ok {
		return
	}

	db.mu.Lock()
	handles := make([]*handle, 0, len(db.handles))
	for h := range db.handles {
		handles = append(handles, h)
	}
	db.mu.Unlock()

	for _, h := range handles {
		h.shutdown(ErrDropped)
	}
	d.logger.Debug("database dropped", "name", name, "handles", len(handles))
}

type schema struct {
	db *database
}

func (s schema) CreateContainer(name string, autoIncrement bool) error {
	if _, ok := s.db.containers[name]; ok {
		return fmt.Errorf("container %q already exists", name)
	}
	s.db.containers[name] = &container{
		tree:          btree.NewG[item](degree, less),
		autoIncrement: autoIncrement,
		next:          1,
	}
	return nil
}

func (s schema) HasContainer(name string) bool {
	_, ok := s.db.containers[name]
	return ok
}

type handle struct {
	db   *database
	once sync.Once
	done chan struct{}
	err  error
}

func (h *handle) shutdown(err error) {
	h.once.Do(func() {
		h.err = err
		h.db.mu.Lock()
		delete(h.db.handles, h)
		h.db.mu.Unlock()
		close(h.done)
	})
}

func (h *handle) Close() error {
	h.shutdown(nil)
	return nil
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *handle) Begin(ctx context.Context, name string, mode engine.Mode) (engine.Tx, error) {
	select {
	case <-h.done:
		return nil, engine.ErrDatabaseClosed
	default:
	}

	if mode == engine.ReadWrite {
		select {
		case h.db.writer <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.done:
			return nil, engine.ErrDatabaseClosed
		}
	}

	h.db.mu.Lock()
	c, ok := h.db.containers[name]
	var tree *btree.BTreeG[item]
	if ok {
		tree = c.tree.Clone()
	}
	h.db.mu.Unlock()

	if !ok {
		if mode == engine.ReadWrite {
			<-h.db.writer
		}
		return nil, fmt.Errorf("%w: %s", engine.ErrNoContainer, name)
	}

	return &tx{
		h:             h,
		name:          name,
		mode:          mode,
		tree:          tree,
		autoIncrement: c.autoIncrement,
		next:          c.next,
	}, nil
}

type tx struct {
	h             *handle
	name          string
	mode          engine.Mode
	tree          *btree.BTreeG[item]
	autoIncrement bool
	next          int64
	ended         bool
}

func (t *tx) Get(key []byte) ([]byte, error) {
	it, ok := t.tree.Get(item{key: key})
	if !ok {
		return nil, nil
	}
	return bytes.Clone(it.value), nil
}

func (t *tx) Put(key, value []byte) error {
	t.tree.ReplaceOrInsert(item{key: bytes.Clone(key), value: bytes.Clone(value)})
	if t.autoIncrement {
		t.next = engine.NextGeneratorValue(t.next, key)
	}
	return nil
}

func (t *tx) Add(key, value []byte) ([]byte, error) {
	if key == nil {
		if !t.autoIncrement {
			return nil, fmt.Errorf("%w: container %s has no key generator", engine.ErrInvalidKey, t.name)
		}
		key = engine.EncodeInt(t.next)
	}
	if t.tree.Has(item{key: key}) {
		k, _ := engine.DecodeKey(key)
		return nil, &engine.ConstraintError{Key: k}
	}
	if err := t.Put(key, value); err != nil {
		return nil, err
	}
	return key, nil
}

func (t *tx) Delete(r engine.Range) error {
	var doomed []item
	t.scan(r, nil, func(it item) bool {
		doomed = append(doomed, it)
		return true
	})
	for _, it := range doomed {
		t.tree.Delete(it)
	}
	return nil
}

func (t *tx) Clear() error {
	t.tree.Clear(false)
	return nil
}

func (t *tx) Count(r engine.Range) (int, error) {
	if r.Lower == nil && r.Upper == nil {
		return t.tree.Len(), nil
	}
	n := 0
	t.scan(r, nil, func(item) bool {
		n++
		return true
	})
	return n, nil
}

func (t *tx) Next(r engine.Range, after []byte) ([]byte, []byte, error) {
	var found *item
	t.scan(r, after, func(it item) bool {
		found = &it
		return false
	})
	if found == nil {
		return nil, nil, nil
	}
	return bytes.Clone(found.key), bytes.Clone(found.value), nil
}

// scan visits records in r after after, in key order, until fn returns false.
func (t *tx) scan(r engine.Range, after []byte, fn func(item) bool) {
	seek, skipEqual := r.Start(after)
	visit := func(it item) bool {
		if skipEqual && bytes.Equal(it.key, seek) {
			return true
		}
		if r.Above(it.key) {
			return false
		}
		return fn(it)
	}
	if seek == nil {
		t.tree.Ascend(visit)
		return
	}
	t.tree.AscendGreaterOrEqual(item{key: seek}, visit)
}

func (t *tx) Commit() error {
	if t.ended {
		return engine.ErrInactive
	}
	t.ended = true
	if t.mode != engine.ReadWrite {
		return nil
	}
	defer func() { <-t.h.db.writer }()

	select {
	case <-t.h.done:
		return engine.ErrDatabaseClosed
	default:
	}

	t.h.db.mu.Lock()
	c := t.h.db.containers[t.name]
	c.tree = t.tree
	c.next = t.next
	t.h.db.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.ended {
		return nil
	}
	t.ended = true
	if t.mode == engine.ReadWrite {
		<-t.h.db.writer
	}
	return nil
}
