// ABOUTME: Tests for the in-memory driver: conformance plus out-of-band drops

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-kv/internal/engine"
	"github.com/2389/coven-kv/internal/engine/enginetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Driver {
		return New(nil)
	})
}

func TestDrop_ClosesHandlesWithError(t *testing.T) {
	d := New(nil)
	db, err := d.Open(context.Background(), "doomed", nil)
	require.NoError(t, err)

	d.Drop("doomed")

	select {
	case <-db.Done():
	default:
		t.Fatal("handle still open after drop")
	}
	assert.ErrorIs(t, db.Err(), ErrDropped)

	_, err = db.Begin(context.Background(), engine.DefaultContainer, engine.ReadOnly)
	assert.ErrorIs(t, err, engine.ErrDatabaseClosed)

	d.Drop("never-opened")
}

func TestDrop_ReopenStartsEmpty(t *testing.T) {
	d := New(nil)
	var upgrades int
	up := func(s engine.Schema, _ int) error {
		upgrades++
		return s.CreateContainer(engine.DefaultContainer, true)
	}

	db, err := d.Open(context.Background(), "again", up)
	require.NoError(t, err)
	tx, err := db.Begin(context.Background(), engine.DefaultContainer, engine.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Put(engine.EncodeInt(1), []byte(`1`)))
	require.NoError(t, tx.Commit())

	d.Drop("again")

	db, err = d.Open(context.Background(), "again", up)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 2, upgrades)

	tx, err = db.Begin(context.Background(), engine.DefaultContainer, engine.ReadOnly)
	require.NoError(t, err)
	n, err := tx.Count(engine.All)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, tx.Rollback())
}

func TestBegin_WriterWaitsForContext(t *testing.T) {
	d := New(nil)
	db, err := d.Open(context.Background(), "busy", func(s engine.Schema, _ int) error {
		return s.CreateContainer(engine.DefaultContainer, false)
	})
	require.NoError(t, err)
	defer db.Close()

	first, err := db.Begin(context.Background(), engine.DefaultContainer, engine.ReadWrite)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = db.Begin(ctx, engine.DefaultContainer, engine.ReadWrite)
	assert.ErrorIs(t, err, context.Canceled)

	// Readers never wait for the writer and see the last committed state.
	reader, err := db.Begin(context.Background(), engine.DefaultContainer, engine.ReadOnly)
	require.NoError(t, err)
	require.NoError(t, first.Put(engine.EncodeInt(1), []byte(`1`)))
	v, err := reader.Get(engine.EncodeInt(1))
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, first.Commit())
	require.NoError(t, reader.Commit())
}
