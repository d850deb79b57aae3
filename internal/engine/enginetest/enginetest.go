// ABOUTME: Conformance suite every engine driver runs from its own tests
// ABOUTME: Covers upgrades, the key generator, ordered scans and commit/rollback visibility

package enginetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-kv/internal/engine"
)

// Factory returns a fresh driver with no databases. Drivers that hold files
// should register their cleanup on t.
type Factory func(t *testing.T) engine.Driver

const (
	autoContainer  = engine.DefaultContainer
	plainContainer = "plain"
)

// Run runs the suite against drivers made by newDriver.
func Run(t *testing.T, newDriver Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d engine.Driver)
	}{
		{"UpgradeRunsOnce", testUpgradeRunsOnce},
		{"UpgradeFailure", testUpgradeFailure},
		{"GetPut", testGetPut},
		{"KeyGenerator", testKeyGenerator},
		{"AddConstraint", testAddConstraint},
		{"PlainContainerHasNoGenerator", testPlainContainer},
		{"OrderedScan", testOrderedScan},
		{"RangeScan", testRangeScan},
		{"DeleteAndClear", testDeleteAndClear},
		{"RollbackDiscards", testRollbackDiscards},
		{"CommitVisibleToOtherHandles", testCommitVisible},
		{"MissingContainer", testMissingContainer},
		{"ClosedHandle", testClosedHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newDriver(t))
		})
	}
}

func upgrade(calls *int) engine.UpgradeFunc {
	return func(s engine.Schema, oldVersion int) error {
		*calls++
		if oldVersion != 0 {
			return errors.New("unexpected version")
		}
		if err := s.CreateContainer(autoContainer, true); err != nil {
			return err
		}
		return s.CreateContainer(plainContainer, false)
	}
}

func open(t *testing.T, d engine.Driver, name string) engine.Database {
	t.Helper()
	var calls int
	db, err := d.Open(context.Background(), name, upgrade(&calls))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func begin(t *testing.T, db engine.Database, container string, mode engine.Mode) engine.Tx {
	t.Helper()
	tx, err := db.Begin(context.Background(), container, mode)
	require.NoError(t, err)
	return tx
}

func key(t *testing.T, k any) []byte {
	t.Helper()
	b, err := engine.EncodeKey(k)
	require.NoError(t, err)
	return b
}

// write runs fn in a committed readwrite transaction.
func write(t *testing.T, db engine.Database, fn func(tx engine.Tx)) {
	t.Helper()
	tx := begin(t, db, autoContainer, engine.ReadWrite)
	fn(tx)
	require.NoError(t, tx.Commit())
}

// read runs fn in a readonly transaction.
func read(t *testing.T, db engine.Database, fn func(tx engine.Tx)) {
	t.Helper()
	tx := begin(t, db, autoContainer, engine.ReadOnly)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func scanKeys(t *testing.T, tx engine.Tx, r engine.Range) []any {
	t.Helper()
	var out []any
	var after []byte
	for {
		k, _, err := tx.Next(r, after)
		require.NoError(t, err)
		if k == nil {
			return out
		}
		dk, err := engine.DecodeKey(k)
		require.NoError(t, err)
		out = append(out, dk)
		after = k
	}
}

func testUpgradeRunsOnce(t *testing.T, d engine.Driver) {
	var calls int
	first, err := d.Open(context.Background(), "upgrades", upgrade(&calls))
	require.NoError(t, err)
	defer first.Close()

	second, err := d.Open(context.Background(), "upgrades", upgrade(&calls))
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, 1, calls)
}

func testUpgradeFailure(t *testing.T, d engine.Driver) {
	boom := errors.New("boom")
	_, err := d.Open(context.Background(), "broken", func(engine.Schema, int) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var calls int
	db, err := d.Open(context.Background(), "broken", upgrade(&calls))
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 1, calls, "a failed upgrade is retried on the next open")
}

func testGetPut(t *testing.T, d engine.Driver) {
	db := open(t, d, "getput")

	write(t, db, func(tx engine.Tx) {
		require.NoError(t, tx.Put(key(t, "a"), []byte(`"one"`)))
		require.NoError(t, tx.Put(key(t, "a"), []byte(`"two"`)))
	})

	read(t, db, func(tx engine.Tx) {
		v, err := tx.Get(key(t, "a"))
		require.NoError(t, err)
		assert.Equal(t, []byte(`"two"`), v)

		v, err = tx.Get(key(t, "missing"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func testKeyGenerator(t *testing.T, d engine.Driver) {
	db := open(t, d, "generator")

	var got []any
	add := func(tx engine.Tx, k []byte) {
		out, err := tx.Add(k, []byte(`true`))
		require.NoError(t, err)
		dk, err := engine.DecodeKey(out)
		require.NoError(t, err)
		got = append(got, dk)
	}

	write(t, db, func(tx engine.Tx) {
		add(tx, nil)
		add(tx, nil)
		add(tx, key(t, 10))
		add(tx, nil)
		add(tx, key(t, "str"))
		add(tx, key(t, 5))
		add(tx, nil)
	})
	assert.Equal(t, []any{int64(1), int64(2), int64(10), int64(11), "str", int64(5), int64(12)}, got)

	write(t, db, func(tx engine.Tx) {
		require.NoError(t, tx.Put(key(t, 20), []byte(`1`)))
		add(tx, nil)
	})
	assert.Equal(t, int64(21), got[len(got)-1], "explicit puts advance the generator")
}

func testAddConstraint(t *testing.T, d engine.Driver) {
	db := open(t, d, "constraint")

	write(t, db, func(tx engine.Tx) {
		_, err := tx.Add(key(t, "k"), []byte(`1`))
		require.NoError(t, err)

		_, err = tx.Add(key(t, "k"), []byte(`2`))
		var ce *engine.ConstraintError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "k", ce.Key)

		v, err := tx.Get(key(t, "k"))
		require.NoError(t, err)
		assert.Equal(t, []byte(`1`), v, "a rejected add leaves the record alone")
	})
}

func testPlainContainer(t *testing.T, d engine.Driver) {
	db := open(t, d, "plain")

	tx := begin(t, db, plainContainer, engine.ReadWrite)
	_, err := tx.Add(nil, []byte(`1`))
	assert.ErrorIs(t, err, engine.ErrInvalidKey)

	out, err := tx.Add(key(t, 3), []byte(`1`))
	require.NoError(t, err)
	assert.Equal(t, key(t, 3), out)
	require.NoError(t, tx.Rollback())
}

func testOrderedScan(t *testing.T, d engine.Driver) {
	db := open(t, d, "ordered")

	write(t, db, func(tx engine.Tx) {
		for _, k := range []any{"b", 3, "a", -7, 100, "", "ab"} {
			require.NoError(t, tx.Put(key(t, k), []byte(`0`)))
		}
	})

	read(t, db, func(tx engine.Tx) {
		assert.Equal(t,
			[]any{int64(-7), int64(3), int64(100), "", "a", "ab", "b"},
			scanKeys(t, tx, engine.All))

		n, err := tx.Count(engine.All)
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	})
}

func testRangeScan(t *testing.T, d engine.Driver) {
	db := open(t, d, "ranges")

	write(t, db, func(tx engine.Tx) {
		for i := 1; i <= 5; i++ {
			require.NoError(t, tx.Put(key(t, i), []byte(`0`)))
		}
		require.NoError(t, tx.Put(key(t, "x"), []byte(`0`)))
	})

	tests := []struct {
		name string
		r    engine.Range
		want []any
	}{
		{"closed", engine.Range{Lower: key(t, 2), Upper: key(t, 4)}, []any{int64(2), int64(3), int64(4)}},
		{"open", engine.Range{Lower: key(t, 2), Upper: key(t, 4), LowerOpen: true, UpperOpen: true}, []any{int64(3)}},
		{"lower only", engine.Range{Lower: key(t, 5)}, []any{int64(5), "x"}},
		{"upper only", engine.Range{Upper: key(t, 2), UpperOpen: true}, []any{int64(1)}},
		{"only", engine.Only(key(t, "x")), []any{"x"}},
		{"nothing", engine.Only(key(t, 9)), nil},
	}
	read(t, db, func(tx engine.Tx) {
		for _, tt := range tests {
			assert.Equal(t, tt.want, scanKeys(t, tx, tt.r), tt.name)
			n, err := tx.Count(tt.r)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n, tt.name)
		}
	})
}

func testDeleteAndClear(t *testing.T, d engine.Driver) {
	db := open(t, d, "deletes")

	write(t, db, func(tx engine.Tx) {
		for i := 1; i <= 6; i++ {
			require.NoError(t, tx.Put(key(t, i), []byte(`0`)))
		}
		require.NoError(t, tx.Delete(engine.Only(key(t, 1))))
		require.NoError(t, tx.Delete(engine.Range{Lower: key(t, 3), Upper: key(t, 5), UpperOpen: true}))
		require.NoError(t, tx.Delete(engine.Only(key(t, 42))))
	})

	read(t, db, func(tx engine.Tx) {
		assert.Equal(t, []any{int64(2), int64(5), int64(6)}, scanKeys(t, tx, engine.All))
	})

	write(t, db, func(tx engine.Tx) {
		require.NoError(t, tx.Clear())
	})
	read(t, db, func(tx engine.Tx) {
		n, err := tx.Count(engine.All)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func testRollbackDiscards(t *testing.T, d engine.Driver) {
	db := open(t, d, "rollback")

	tx := begin(t, db, autoContainer, engine.ReadWrite)
	require.NoError(t, tx.Put(key(t, "k"), []byte(`1`)))
	_, err := tx.Add(nil, []byte(`1`))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	read(t, db, func(tx engine.Tx) {
		n, err := tx.Count(engine.All)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	write(t, db, func(tx engine.Tx) {
		out, err := tx.Add(nil, []byte(`1`))
		require.NoError(t, err)
		assert.Equal(t, engine.EncodeInt(1), out, "a rolled back add does not consume the generator")
	})
}

func testCommitVisible(t *testing.T, d engine.Driver) {
	a := open(t, d, "shared")
	b := open(t, d, "shared")

	write(t, a, func(tx engine.Tx) {
		require.NoError(t, tx.Put(key(t, "k"), []byte(`"v"`)))
	})

	read(t, b, func(tx engine.Tx) {
		v, err := tx.Get(key(t, "k"))
		require.NoError(t, err)
		assert.Equal(t, []byte(`"v"`), v)
	})
}

func testMissingContainer(t *testing.T, d engine.Driver) {
	db := open(t, d, "missing")

	_, err := db.Begin(context.Background(), "nope", engine.ReadOnly)
	assert.ErrorIs(t, err, engine.ErrNoContainer)
	_, err = db.Begin(context.Background(), "nope", engine.ReadWrite)
	assert.ErrorIs(t, err, engine.ErrNoContainer)

	// A failed readwrite begin must not hold the writer slot.
	write(t, db, func(tx engine.Tx) {
		require.NoError(t, tx.Put(key(t, 1), []byte(`1`)))
	})
}

func testClosedHandle(t *testing.T, d engine.Driver) {
	db := open(t, d, "closing")

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	select {
	case <-db.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.NoError(t, db.Err(), "explicit close has no error")

	_, err := db.Begin(context.Background(), autoContainer, engine.ReadOnly)
	assert.ErrorIs(t, err, engine.ErrDatabaseClosed)
}
