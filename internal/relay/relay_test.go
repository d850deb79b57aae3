// ABOUTME: Tests for the relay over an in-memory gRPC listener
// ABOUTME: Covers fan-out between clients, interop with local hub members and store change events

package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-kv/internal/broadcast"
	"github.com/2389/coven-kv/internal/engine/memory"
	"github.com/2389/coven-kv/internal/kv"
	"github.com/2389/coven-kv/internal/metrics"
)

const waitTimeout = 5 * time.Second

type harness struct {
	hub     *broadcast.Hub
	lis     *bufconn.Listener
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	h := &harness{
		hub:     broadcast.NewHub(nil),
		lis:     bufconn.Listen(1 << 20),
		reg:     reg,
		metrics: metrics.New(reg),
	}
	srv := NewGRPCServer(NewServer(h.hub, nil, h.metrics), 0)
	go func() { _ = srv.Serve(h.lis) }()
	t.Cleanup(func() {
		srv.Stop()
		h.hub.Close()
	})
	return h
}

func (h *harness) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return h.lis.DialContext(ctx)
	})
}

func (h *harness) client(t *testing.T) *Client {
	t.Helper()
	c, err := Dial("passthrough:///relay", nil, h.dialer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// value reads a single-series counter or gauge from the registry.
func (h *harness) value(t *testing.T, name string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	return 0
}

func collect(t *testing.T, b broadcast.Broadcaster, name string) (broadcast.Channel, <-chan string) {
	t.Helper()
	got := make(chan string, 16)
	ch, err := b.Open(name, func(msg []byte) { got <- string(msg) })
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, got
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out")
		return ""
	}
}

func silent(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected message %q", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_FansOutBetweenClients(t *testing.T) {
	h := newHarness(t)
	a, fromA := collect(t, h.client(t), "notes")
	_, fromB := collect(t, h.client(t), "notes")
	_, other := collect(t, h.client(t), "other")

	require.NoError(t, a.Send([]byte("hello")))

	assert.Equal(t, "hello", recv(t, fromB))
	silent(t, fromA)
	silent(t, other)
	assert.Eventually(t, func() bool {
		return h.value(t, "covenkv_relay_messages_total") == 1
	}, waitTimeout, 10*time.Millisecond)
}

func TestRelay_InteropsWithLocalMembers(t *testing.T) {
	h := newHarness(t)
	local, fromLocal := collect(t, h.hub, "mixed")
	remote, fromRemote := collect(t, h.client(t), "mixed")

	require.NoError(t, remote.Send([]byte("from remote")))
	assert.Equal(t, "from remote", recv(t, fromLocal))

	require.NoError(t, local.Send([]byte("from local")))
	assert.Equal(t, "from local", recv(t, fromRemote))
}

func TestRelay_PreservesSendOrder(t *testing.T) {
	h := newHarness(t)
	a, _ := collect(t, h.client(t), "ordered")
	_, fromB := collect(t, h.client(t), "ordered")

	want := []string{"1", "2", "3", "4", "5"}
	for _, m := range want {
		require.NoError(t, a.Send([]byte(m)))
	}
	for _, m := range want {
		assert.Equal(t, m, recv(t, fromB))
	}
}

func TestRelay_OpenWaitsForJoin(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	collect(t, c, "joined")
	assert.Equal(t, 1, h.hub.Members("joined"), "member exists once Open returns")
	assert.Equal(t, 1.0, h.value(t, "covenkv_relay_members"))
}

func TestRelay_CloseLeavesChannel(t *testing.T) {
	h := newHarness(t)
	ch, _ := collect(t, h.client(t), "leaving")
	require.Equal(t, 1, h.hub.Members("leaving"))

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send([]byte("late")), broadcast.ErrChannelClosed)

	assert.Eventually(t, func() bool {
		return h.hub.Members("leaving") == 0
	}, waitTimeout, 10*time.Millisecond)
}

func TestRelay_RejectsStreamsThatDoNotJoin(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	raw, err := c.conn.NewStream(t.Context(), &serviceDesc.Streams[0], attachMethod)
	require.NoError(t, err)
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: raw}

	require.NoError(t, stream.Send(dataFrame(frameSend, []byte("too soon"))))
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRelay_IgnoresMalformedFrames(t *testing.T) {
	h := newHarness(t)
	_, fromLocal := collect(t, h.hub, "frames")
	c := h.client(t)

	raw, err := c.conn.NewStream(t.Context(), &serviceDesc.Streams[0], attachMethod)
	require.NoError(t, err)
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: raw}
	require.NoError(t, stream.Send(joinFrame("frames")))
	ack, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, frameJoined, frameType(ack))

	bad := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(frameSend),
		"data": structpb.NewStringValue("%%% not base64"),
	}}
	require.NoError(t, stream.Send(bad))
	require.NoError(t, stream.Send(joinFrame("ignored")))
	require.NoError(t, stream.Send(dataFrame(frameSend, []byte("good"))))

	assert.Equal(t, "good", recv(t, fromLocal))
	silent(t, fromLocal)
	require.NoError(t, stream.CloseSend())
}

func TestRelay_CarriesStoreChangeEvents(t *testing.T) {
	h := newHarness(t)
	driver := memory.New(nil)

	open := func(b broadcast.Broadcaster) *kv.Store {
		s, err := kv.Open("shared", kv.Options{
			Driver:       driver,
			Broadcaster:  b,
			Capabilities: kv.DetectCapabilities(driver, b),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	writer := open(h.client(t))
	watcher := open(h.client(t))

	events := make(chan kv.Event, 4)
	_, err := watcher.On(kv.EventSet, func(ev kv.Event) { events <- ev })
	require.NoError(t, err)

	f, err := writer.Set("k", "v")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
	defer cancel()
	_, err = f.Wait(ctx)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, &kv.ChangeEvent{Method: kv.EventSet, Key: "k", Value: "v"}, ev.Change)
	case <-time.After(waitTimeout):
		t.Fatal("change never arrived")
	}
}
