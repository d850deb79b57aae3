// ABOUTME: Driver contracts for the persistent engines backing a key-value store
// ABOUTME: Defines Mode, Driver, Database, Tx and the engine error taxonomy

package engine

import (
	"context"
	"errors"
	"fmt"
)

// Mode is the access mode of a transaction.
type Mode string

const (
	ReadOnly  Mode = "readonly"
	ReadWrite Mode = "readwrite"
)

// Valid reports whether m is one of the two supported modes.
func (m Mode) Valid() bool {
	return m == ReadOnly || m == ReadWrite
}

// DefaultContainer is the name of the single record container every store uses.
const DefaultContainer = "kv"

// SchemaVersion is the version a database is upgraded to on first open.
const SchemaVersion = 1

var (
	// ErrReadOnly is returned when a write is issued in a readonly transaction.
	ErrReadOnly = errors.New("transaction is readonly")
	// ErrInactive is returned when a request is issued on a transaction that already ended.
	ErrInactive = errors.New("transaction is not active")
	// ErrNoContainer is returned when a transaction names a container that does not exist.
	ErrNoContainer = errors.New("container not found")
	// ErrInvalidKey is returned for keys that are neither integers nor strings.
	ErrInvalidKey = errors.New("invalid key")
	// ErrDatabaseClosed is reported when the database handle is closed.
	ErrDatabaseClosed = errors.New("database closed")
)

// ConstraintError reports an engine conflict, such as adding a key that already exists.
type ConstraintError struct {
	Key any
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation: key %v already exists", e.Key)
}

// Schema is handed to an UpgradeFunc to create containers.
type Schema interface {
	CreateContainer(name string, autoIncrement bool) error
	HasContainer(name string) bool
}

// UpgradeFunc is invoked once when a database is opened at a version older than SchemaVersion.
type UpgradeFunc func(s Schema, oldVersion int) error

// Driver opens named databases.
type Driver interface {
	// Name identifies the driver in logs and config.
	Name() string
	// Open opens (creating if needed) the database called name. When the stored schema
	// version is older than SchemaVersion, upgrade runs before Open returns.
	Open(ctx context.Context, name string, upgrade UpgradeFunc) (Database, error)
}

// Database is an open handle on a named database.
type Database interface {
	// Begin starts a transaction scoped to one container. Implementations may block
	// until the underlying storage admits the transaction.
	Begin(ctx context.Context, container string, mode Mode) (Tx, error)
	// Close releases the handle. It is safe to call more than once.
	Close() error
	// Done is closed when the handle closes, explicitly or out of band.
	Done() <-chan struct{}
	// Err reports why the handle closed. It is nil for an explicit Close.
	Err() error
}

// Tx is a synchronous transaction used from exactly one goroutine.
//
// Keys and values are opaque byte strings; keys are produced by EncodeKey and
// compare bytewise in key order.
type Tx interface {
	// Get returns the value stored at key, or nil when absent.
	Get(key []byte) ([]byte, error)
	// Put stores value at key, replacing any existing value.
	Put(key, value []byte) error
	// Add inserts value. A nil key asks the container's key generator for one.
	// It returns the key used, or a *ConstraintError when key already exists.
	Add(key, value []byte) ([]byte, error)
	// Delete removes every record in r.
	Delete(r Range) error
	// Clear removes every record.
	Clear() error
	// Count returns the number of records in r.
	Count(r Range) (int, error)
	// Next returns the first record in r whose key sorts strictly after after,
	// or the first record in r when after is nil. A nil key means exhausted.
	Next(r Range, after []byte) (key, value []byte, err error)
	Commit() error
	Rollback() error
}
