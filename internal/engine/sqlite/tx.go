// ABOUTME: SQLite transaction implementing engine.Tx over a dedicated connection
// ABOUTME: Range scans are keyset queries so cursors survive interleaved writes

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/2389/coven-kv/internal/engine"
)

type tx struct {
	ctx           context.Context
	conn          *sql.Conn
	container     string
	autoIncrement bool
	ended         bool
}

func (t *tx) Get(key []byte) ([]byte, error) {
	var value []byte
	err := t.conn.QueryRowContext(t.ctx,
		`SELECT value FROM records WHERE container = ? AND key = ?`, t.container, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return value, nil
}

func (t *tx) Put(key, value []byte) error {
	_, err := t.conn.ExecContext(t.ctx, `
		INSERT INTO records (container, key, value) VALUES (?, ?, ?)
		ON CONFLICT (container, key) DO UPDATE SET value = excluded.value
	`, t.container, key, value)
	if err != nil {
		return fmt.Errorf("putting record: %w", err)
	}
	return t.bumpGenerator(key)
}

func (t *tx) Add(key, value []byte) ([]byte, error) {
	if key == nil {
		if !t.autoIncrement {
			return nil, fmt.Errorf("%w: container %s has no key generator", engine.ErrInvalidKey, t.container)
		}
		var next int64
		err := t.conn.QueryRowContext(t.ctx,
			`SELECT next_key FROM containers WHERE name = ?`, t.container).Scan(&next)
		if err != nil {
			return nil, fmt.Errorf("reading key generator: %w", err)
		}
		key = engine.EncodeInt(next)
	}

	var exists int
	err := t.conn.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM records WHERE container = ? AND key = ?`, t.container, key).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking record: %w", err)
	}
	if exists > 0 {
		k, _ := engine.DecodeKey(key)
		return nil, &engine.ConstraintError{Key: k}
	}

	if _, err := t.conn.ExecContext(t.ctx,
		`INSERT INTO records (container, key, value) VALUES (?, ?, ?)`, t.container, key, value); err != nil {
		return nil, fmt.Errorf("adding record: %w", err)
	}
	if err := t.bumpGenerator(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (t *tx) bumpGenerator(key []byte) error {
	if !t.autoIncrement {
		return nil
	}
	n, ok := engine.KeyInt(key)
	if !ok || n == math.MaxInt64 {
		return nil
	}
	_, err := t.conn.ExecContext(t.ctx,
		`UPDATE containers SET next_key = MAX(next_key, ?) WHERE name = ?`, n+1, t.container)
	if err != nil {
		return fmt.Errorf("advancing key generator: %w", err)
	}
	return nil
}

// where builds the filter for r, positioned after after when it is non-nil.
func (t *tx) where(r engine.Range, after []byte) (string, []any) {
	clauses := []string{"container = ?"}
	args := []any{t.container}

	seek, skipEqual := r.Start(after)
	if seek != nil {
		if skipEqual {
			clauses = append(clauses, "key > ?")
		} else {
			clauses = append(clauses, "key >= ?")
		}
		args = append(args, seek)
	}
	if r.Upper != nil {
		if r.UpperOpen {
			clauses = append(clauses, "key < ?")
		} else {
			clauses = append(clauses, "key <= ?")
		}
		args = append(args, r.Upper)
	}
	return strings.Join(clauses, " AND "), args
}

func (t *tx) Delete(r engine.Range) error {
	where, args := t.where(r, nil)
	if _, err := t.conn.ExecContext(t.ctx, "DELETE FROM records WHERE "+where, args...); err != nil {
		return fmt.Errorf("deleting records: %w", err)
	}
	return nil
}

func (t *tx) Clear() error {
	return t.Delete(engine.All)
}

func (t *tx) Count(r engine.Range) (int, error) {
	where, args := t.where(r, nil)
	var n int
	if err := t.conn.QueryRowContext(t.ctx, "SELECT COUNT(*) FROM records WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

func (t *tx) Next(r engine.Range, after []byte) ([]byte, []byte, error) {
	where, args := t.where(r, after)
	var key, value []byte
	err := t.conn.QueryRowContext(t.ctx,
		"SELECT key, value FROM records WHERE "+where+" ORDER BY key ASC LIMIT 1", args...).Scan(&key, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("advancing cursor: %w", err)
	}
	return key, value, nil
}

func (t *tx) Commit() error {
	if t.ended {
		return engine.ErrInactive
	}
	t.ended = true
	defer t.conn.Close()
	if _, err := t.conn.ExecContext(t.ctx, "COMMIT"); err != nil {
		_, _ = t.conn.ExecContext(context.Background(), "ROLLBACK")
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.ended {
		return nil
	}
	t.ended = true
	defer t.conn.Close()
	if _, err := t.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}
