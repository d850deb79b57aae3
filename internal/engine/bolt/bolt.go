// ABOUTME: bbolt engine driver, one bolt file per database name
// ABOUTME: Containers are buckets; bucket sequences back the key generator

package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/2389/coven-kv/internal/engine"
)

var (
	bucketMeta = []byte("__meta")
	keyVersion = []byte("version")
)

func containerBucket(name string) []byte {
	return []byte("c:" + name)
}

func autoIncrementKey(name string) []byte {
	return []byte("auto:" + name)
}

type shared struct {
	db   *bbolt.DB
	refs int
}

// Driver opens bolt files under a directory. Handles on the same name share one
// *bbolt.DB, since bolt holds an exclusive file lock per open.
type Driver struct {
	dir     string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	open     map[string]*shared
	releases sync.WaitGroup
}

// New creates a driver storing databases under dir. Pass nil logger for default.
func New(dir string, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		dir:     dir,
		timeout: time.Second,
		logger:  logger.With("component", "bolt"),
		open:    make(map[string]*shared),
	}
}

// Name implements engine.Driver.
func (d *Driver) Name() string {
	return "bolt"
}

// Path returns the file backing the named database.
func (d *Driver) Path(name string) string {
	return filepath.Join(d.dir, url.PathEscape(name)+".bolt")
}

// Open implements engine.Driver.
func (d *Driver) Open(ctx context.Context, name string, upgrade engine.UpgradeFunc) (engine.Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.dir == "" {
		return nil, errors.New("bolt driver requires a directory")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.open[name]
	if !ok {
		if err := os.MkdirAll(d.dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		db, err := bbolt.Open(d.Path(name), 0o600, &bbolt.Options{Timeout: d.timeout})
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		s = &shared{db: db}
	}

	if err := migrate(s.db, upgrade); err != nil {
		if !ok {
			_ = s.db.Close()
		}
		return nil, fmt.Errorf("upgrading %s: %w", name, err)
	}

	s.refs++
	d.open[name] = s
	d.logger.Debug("database opened", "name", name, "refs", s.refs)
	return &handle{driver: d, name: name, db: s.db, done: make(chan struct{})}, nil
}

// Wait blocks until every closed handle has released its file.
func (d *Driver) Wait() {
	d.releases.Wait()
}

func (d *Driver) release(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.open[name]
	if !ok {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(d.open, name)
	d.logger.Debug("database closed", "name", name)
	return s.db.Close()
}

func migrate(db *bbolt.DB, upgrade engine.UpgradeFunc) error {
	return db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("creating meta bucket: %w", err)
		}
		version := 0
		if v := meta.Get(keyVersion); len(v) == 8 {
			version = int(binary.BigEndian.Uint64(v))
		}
		if version >= engine.SchemaVersion {
			return nil
		}
		if upgrade != nil {
			if err := upgrade(schema{tx: tx, meta: meta}, version); err != nil {
				return err
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(engine.SchemaVersion))
		return meta.Put(keyVersion, buf)
	})
}

type schema struct {
	tx   *bbolt.Tx
	meta *bbolt.Bucket
}

func (s schema) CreateContainer(name string, autoIncrement bool) error {
	if _, err := s.tx.CreateBucket(containerBucket(name)); err != nil {
		return fmt.Errorf("creating container %s: %w", name, err)
	}
	flag := []byte{0}
	if autoIncrement {
		flag[0] = 1
	}
	return s.meta.Put(autoIncrementKey(name), flag)
}

func (s schema) HasContainer(name string) bool {
	return s.tx.Bucket(containerBucket(name)) != nil
}

type handle struct {
	driver *Driver
	name   string
	db     *bbolt.DB
	once   sync.Once
	done   chan struct{}
}

// Close marks the handle closed and releases the file in the background:
// bolt's own Close waits for open transactions, which may belong to the
// goroutine calling this.
func (h *handle) Close() error {
	h.once.Do(func() {
		close(h.done)
		h.driver.releases.Add(1)
		go func() {
			defer h.driver.releases.Done()
			if err := h.driver.release(h.name); err != nil {
				h.driver.logger.Warn("failed to close database", "name", h.name, "error", err)
			}
		}()
	})
	return nil
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

// Err is always nil: bolt files are never closed out of band.
func (h *handle) Err() error {
	return nil
}

func (h *handle) Begin(ctx context.Context, container string, mode engine.Mode) (engine.Tx, error) {
	select {
	case <-h.done:
		return nil, engine.ErrDatabaseClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	btx, err := h.db.Begin(mode == engine.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	b := btx.Bucket(containerBucket(container))
	if b == nil {
		_ = btx.Rollback()
		return nil, fmt.Errorf("%w: %s", engine.ErrNoContainer, container)
	}
	auto := false
	if meta := btx.Bucket(bucketMeta); meta != nil {
		auto = bytes.Equal(meta.Get(autoIncrementKey(container)), []byte{1})
	}
	return &tx{btx: btx, bucket: b, name: container, autoIncrement: auto}, nil
}
