// ABOUTME: Tests for the coven-kv command line: argument parsing, output and logging
// ABOUTME: Data commands run against a temporary SQLite directory with the relay disabled

package main

import (
	"bytes"
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-kv/internal/config"
	"github.com/2389/coven-kv/internal/kv"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestParseKey(t *testing.T) {
	assert.Equal(t, int64(42), parseKey("42", false))
	assert.Equal(t, int64(-7), parseKey("-7", false))
	assert.Equal(t, "42", parseKey("42", true))
	assert.Equal(t, "4.2", parseKey("4.2", false))
	assert.Equal(t, "name", parseKey("name", false))
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, float64(3), parseValue("3"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "quoted", parseValue(`"quoted"`))
	assert.Equal(t, map[string]any{"a": []any{float64(1)}}, parseValue(`{"a":[1]}`))
	assert.Equal(t, "plain words", parseValue("plain words"))
}

func TestRangeFlags(t *testing.T) {
	tests := []struct {
		args []string
		want *kv.KeyRange
	}{
		{nil, nil},
		{[]string{"-from", "1", "-to", "5", "-to-open"}, kv.Bound(int64(1), int64(5), false, true)},
		{[]string{"-from", "b", "-from-open"}, kv.LowerBound("b", true)},
		{[]string{"-to", "9"}, kv.UpperBound(int64(9), false)},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			c := newCommand("keys", true)
			_, err := c.parse(tt.args, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.keyRange())
		})
	}
}

func TestCommandArgumentCounts(t *testing.T) {
	c := newCommand("set", false)
	_, err := c.parse([]string{"only-key"}, 2, 2)
	assert.Error(t, err)

	c = newCommand("get", false)
	rest, err := c.parse([]string{"-store", "notes", "-string", "a", "b", "c"}, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, rest)
	assert.Equal(t, "notes", c.store.store)
	assert.Equal(t, "1", c.key("1"))

	c = newCommand("clear", false)
	c.fs.SetOutput(&bytes.Buffer{})
	_, err = c.parse([]string{"-bogus"}, 0, 0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, flag.ErrHelp)
}

func TestRemoveNeedsKeyOrRange(t *testing.T) {
	ctx := context.Background()
	assert.ErrorContains(t, runRemove(ctx, nil), "a key or a range is required")
	assert.ErrorContains(t, runRemove(ctx, []string{"-from", "1", "k"}), "not both")
}

func TestWatcherPrintsChanges(t *testing.T) {
	var out bytes.Buffer
	w := &watcher{out: &out}

	w.print(kv.Event{Type: kv.EventSet, Change: &kv.ChangeEvent{Method: kv.EventSet, Key: "k", Value: "v"}})
	w.print(kv.Event{Type: kv.EventOpen})

	line := out.String()
	assert.Equal(t, 1, strings.Count(line, "\n"))
	assert.Contains(t, line, "set")
	assert.Contains(t, line, `{"method":"set","key":"k","value":"v"}`)
}

func TestColorHandler(t *testing.T) {
	var out bytes.Buffer
	logger := newLogger(&out, config.LoggingConfig{Level: "info"})

	logger.Debug("hidden")
	logger.With("component", "kv").WithGroup("req").Info("stored", "key", "a")

	line := out.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "INF stored")
	assert.Contains(t, line, " component=kv")
	assert.NotContains(t, line, "req.component")
	assert.Contains(t, line, "req.key=a")
}

func TestJSONLogger(t *testing.T) {
	var out bytes.Buffer
	logger := newLogger(&out, config.LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("careful", "n", 1)

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"level":"WARN"`)
	assert.Contains(t, out.String(), `"msg":"careful"`)
}

func TestNewDriverRejectsUnknown(t *testing.T) {
	_, _, err := newDriver(config.DatabaseConfig{Driver: "leveldb"}, slog.Default())
	assert.Error(t, err)
}

func TestSetThenReadBack(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "kv.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
database:
  driver: sqlite
  dir: `+filepath.Join(dir, "data")+`
relay:
  enabled: false
logging:
  level: error
`), 0644))
	t.Setenv("COVEN_KV_CONFIG", cfgPath)

	ctx := t.Context()
	require.NoError(t, runSet(ctx, []string{"-store", "notes", "greeting", `{"text":"hi"}`}))
	require.NoError(t, runSet(ctx, []string{"-store", "notes", "7", "seven"}))

	sess, err := openSession(ctx, "notes", false)
	require.NoError(t, err)
	defer sess.Close()

	v, err := await(sess.store.Get("greeting")).in(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi"}, v)

	v, err = await(sess.store.Get(int64(7))).in(ctx)
	require.NoError(t, err)
	assert.Equal(t, "seven", v)
}

func TestWatchRequiresRelay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "kv.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
database:
  driver: memory
relay:
  enabled: false
`), 0644))
	t.Setenv("COVEN_KV_CONFIG", cfgPath)

	err := runWatch(t.Context(), nil)
	assert.ErrorContains(t, err, "relay.enabled")
}
