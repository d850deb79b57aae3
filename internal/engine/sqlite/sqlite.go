// ABOUTME: SQLite engine driver using modernc.org/sqlite (or mattn/go-sqlite3 with cgo)
// ABOUTME: One database file per store name, records keyed by container and encoded key

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-kv/internal/engine"
)

const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver.
	DriverMattn = "sqlite3"
)

const baseSchema = `
	CREATE TABLE IF NOT EXISTS containers (
		name           TEXT PRIMARY KEY,
		auto_increment INTEGER NOT NULL,
		next_key       INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS records (
		container TEXT NOT NULL,
		key       BLOB NOT NULL,
		value     BLOB NOT NULL,
		PRIMARY KEY (container, key)
	) WITHOUT ROWID;
`

// Driver opens one SQLite file per database name under a directory.
type Driver struct {
	dir        string
	driverName string
	logger     *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithDriverName selects the database/sql driver: DriverModernc or DriverMattn.
func WithDriverName(name string) Option {
	return func(d *Driver) {
		d.driverName = name
	}
}

// New creates a driver storing databases under dir. Pass nil logger for default.
func New(dir string, logger *slog.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		dir:        dir,
		driverName: DriverModernc,
		logger:     logger.With("component", "sqlite"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements engine.Driver.
func (d *Driver) Name() string {
	return d.driverName
}

// Path returns the file backing the named database.
func (d *Driver) Path(name string) string {
	return filepath.Join(d.dir, url.PathEscape(name)+".db")
}

func (d *Driver) dsn(path string) (string, error) {
	switch d.driverName {
	case DriverModernc:
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", nil
	case DriverMattn:
		return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", d.driverName)
	}
}

// Open implements engine.Driver.
func (d *Driver) Open(ctx context.Context, name string, upgrade engine.UpgradeFunc) (engine.Database, error) {
	if d.dir == "" {
		return nil, errors.New("sqlite driver requires a directory")
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	path := d.Path(name)
	dsn, err := d.dsn(path)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(4)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := migrate(ctx, sqlDB, upgrade); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("upgrading %s: %w", name, err)
	}

	d.logger.Debug("database opened", "name", name, "path", path)
	return &database{db: sqlDB, done: make(chan struct{})}, nil
}

// migrate creates the base tables and runs upgrade when user_version is behind.
func migrate(ctx context.Context, db *sql.DB, upgrade engine.UpgradeFunc) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("beginning upgrade: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}
	if version >= engine.SchemaVersion {
		return nil
	}

	if _, err := conn.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if upgrade != nil {
		if err := upgrade(&schema{ctx: ctx, conn: conn}, version); err != nil {
			return err
		}
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", engine.SchemaVersion)); err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("committing upgrade: %w", err)
	}
	committed = true
	return nil
}

type schema struct {
	ctx  context.Context
	conn *sql.Conn
}

func (s *schema) CreateContainer(name string, autoIncrement bool) error {
	auto := 0
	if autoIncrement {
		auto = 1
	}
	_, err := s.conn.ExecContext(s.ctx,
		`INSERT INTO containers (name, auto_increment, next_key) VALUES (?, ?, 1)`, name, auto)
	if err != nil {
		return fmt.Errorf("creating container %s: %w", name, err)
	}
	return nil
}

func (s *schema) HasContainer(name string) bool {
	var n int
	err := s.conn.QueryRowContext(s.ctx, `SELECT COUNT(*) FROM containers WHERE name = ?`, name).Scan(&n)
	return err == nil && n > 0
}

type database struct {
	db   *sql.DB
	once sync.Once
	done chan struct{}
}

func (d *database) Close() error {
	var err error
	d.once.Do(func() {
		err = d.db.Close()
		close(d.done)
	})
	return err
}

func (d *database) Done() <-chan struct{} {
	return d.done
}

// Err is always nil: SQLite files are never closed out of band.
func (d *database) Err() error {
	return nil
}

func (d *database) Begin(ctx context.Context, container string, mode engine.Mode) (engine.Tx, error) {
	select {
	case <-d.done:
		return nil, engine.ErrDatabaseClosed
	default:
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	begin := "BEGIN"
	if mode == engine.ReadWrite {
		begin = "BEGIN IMMEDIATE"
	}
	if _, err := conn.ExecContext(ctx, begin); err != nil {
		conn.Close()
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	t := &tx{ctx: ctx, conn: conn, container: container}
	var auto int
	err = conn.QueryRowContext(ctx,
		`SELECT auto_increment FROM containers WHERE name = ?`, container).Scan(&auto)
	if errors.Is(err, sql.ErrNoRows) {
		_ = t.Rollback()
		return nil, fmt.Errorf("%w: %s", engine.ErrNoContainer, container)
	}
	if err != nil {
		_ = t.Rollback()
		return nil, fmt.Errorf("loading container: %w", err)
	}
	t.autoIncrement = auto == 1
	return t, nil
}
