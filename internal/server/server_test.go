// ABOUTME: Tests for the coven-kv server process
// ABOUTME: Starts real listeners on loopback ports and drives them with relay clients and HTTP

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-kv/internal/config"
	"github.com/2389/coven-kv/internal/relay"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Driver = config.DriverMemory
	cfg.Relay.Addr = "127.0.0.1:0"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

// start runs s until the test ends and returns a channel carrying Run's result.
func start(t *testing.T, s *Server) (context.CancelFunc, <-chan error) {
	t.Helper()
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		errCh <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, errCh
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNewRequiresSomethingToServe(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.Enabled = false
	cfg.Metrics.Enabled = false

	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestRunAndShutdown(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)

	cancel, errCh := start(t, s)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestShutdownEndsAttachedMembers(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)
	cancel, errCh := start(t, s)

	c, err := relay.Dial(s.RelayAddr(), nil)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Open("idle", nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.Hub().Members("idle"))

	began := time.Now()
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down in time")
	}
	assert.Less(t, time.Since(began), shutdownTimeout, "idle members must not hold up shutdown")
}

func TestHealthEndpoint(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)
	start(t, s)

	code, body := get(t, "http://"+s.MetricsAddr()+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)
}

func TestMetricsEndpointReportsRelayMembers(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)
	start(t, s)

	c, err := relay.Dial(s.RelayAddr(), nil)
	require.NoError(t, err)
	defer c.Close()
	ch, err := c.Open("metered", nil)
	require.NoError(t, err)
	defer ch.Close()

	code, body := get(t, "http://"+s.MetricsAddr()+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "covenkv_relay_members 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestRelayOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	s, err := New(cfg, nil)
	require.NoError(t, err)
	start(t, s)

	assert.Empty(t, s.MetricsAddr())
	assert.True(t, strings.HasPrefix(s.RelayAddr(), "127.0.0.1:"))
}

func TestListenFailure(t *testing.T) {
	first, err := New(testConfig(), nil)
	require.NoError(t, err)
	start(t, first)

	cfg := testConfig()
	cfg.Relay.Addr = first.RelayAddr()
	second, err := New(cfg, nil)
	require.NoError(t, err)

	err = second.Run(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Contains(t, err.Error(), "relay address")
}
