// ABOUTME: Tests for the in-process broadcast hub
// ABOUTME: Covers fan-out, sender exclusion, channel isolation, close and concurrency

package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collector() (Handler, <-chan []byte) {
	ch := make(chan []byte, 64)
	return func(msg []byte) { ch <- msg }, ch
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func assertSilent(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_OtherMembersReceive(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	h1, in1 := collector()
	h2, in2 := collector()
	h3, in3 := collector()

	sender, err := h.Open("notes", h1)
	require.NoError(t, err)
	_, err = h.Open("notes", h2)
	require.NoError(t, err)
	_, err = h.Open("notes", h3)
	require.NoError(t, err)

	require.NoError(t, sender.Send([]byte("hello")))

	assert.Equal(t, "hello", string(receive(t, in2)))
	assert.Equal(t, "hello", string(receive(t, in3)))
	assertSilent(t, in1)
}

func TestHub_ChannelsAreIsolated(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ha, inA := collector()
	hb, inB := collector()

	a, err := h.Open("a", nil)
	require.NoError(t, err)
	_, err = h.Open("a", ha)
	require.NoError(t, err)
	_, err = h.Open("b", hb)
	require.NoError(t, err)

	require.NoError(t, a.Send([]byte("only-a")))

	assert.Equal(t, "only-a", string(receive(t, inA)))
	assertSilent(t, inB)
}

func TestHub_DeliveryPreservesSendOrder(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	handler, in := collector()
	sender, err := h.Open("ordered", nil)
	require.NoError(t, err)
	_, err = h.Open("ordered", handler)
	require.NoError(t, err)

	for i := range 20 {
		require.NoError(t, sender.Send([]byte(fmt.Sprint(i))))
	}
	for i := range 20 {
		assert.Equal(t, fmt.Sprint(i), string(receive(t, in)))
	}
}

func TestHub_SendCopiesPayload(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	handler, in := collector()
	sender, err := h.Open("copy", nil)
	require.NoError(t, err)
	_, err = h.Open("copy", handler)
	require.NoError(t, err)

	buf := []byte("abc")
	require.NoError(t, sender.Send(buf))
	buf[0] = 'x'

	assert.Equal(t, "abc", string(receive(t, in)))
}

func TestHub_CloseLeavesChannel(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	handler, in := collector()
	sender, err := h.Open("leave", nil)
	require.NoError(t, err)
	member, err := h.Open("leave", handler)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Members("leave"))

	require.NoError(t, member.Close())
	require.NoError(t, member.Close())
	assert.Equal(t, 1, h.Members("leave"))

	require.NoError(t, sender.Send([]byte("gone")))
	assertSilent(t, in)

	assert.ErrorIs(t, member.Send([]byte("late")), ErrChannelClosed)
}

func TestHub_LastMemberRemovesChannel(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	m, err := h.Open("solo", nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	h.mu.RLock()
	_, exists := h.channels["solo"]
	h.mu.RUnlock()
	assert.False(t, exists)
}

func TestHub_PublishExcludesByID(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	h1, in1 := collector()
	h2, in2 := collector()
	m1, err := h.Open("direct", h1)
	require.NoError(t, err)
	_, err = h.Open("direct", h2)
	require.NoError(t, err)

	sent := h.Publish("direct", []byte("x"), m1.(*member).ID())
	assert.Equal(t, 1, sent)
	assert.Equal(t, "x", string(receive(t, in2)))
	assertSilent(t, in1)

	assert.Equal(t, 0, h.Publish("nobody", []byte("x"), ""))
}

func TestHub_SlowMemberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var dropped sync.WaitGroup
	dropped.Add(1)
	var once sync.Once
	h.OnDrop(func(name string) {
		assert.Equal(t, "slow", name)
		once.Do(dropped.Done)
	})

	block := make(chan struct{})
	defer close(block)
	sender, err := h.Open("slow", nil)
	require.NoError(t, err)
	_, err = h.Open("slow", func([]byte) { <-block })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for range inboxSize + 10 {
			_ = sender.Send([]byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender blocked on a slow member")
	}
	dropped.Wait()
}

func TestHub_ConcurrentSenders(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var mu sync.Mutex
	got := 0
	all := make(chan struct{})
	const senders, each = 8, 25
	_, err := h.Open("busy", func([]byte) {
		mu.Lock()
		got++
		if got == senders*each {
			close(all)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range senders {
		ch, err := h.Open("busy", nil)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				_ = ch.Send([]byte("m"))
			}
		}()
	}
	wg.Wait()

	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatal("not every message was delivered")
	}
}

func TestHub_CloseStopsAllMembers(t *testing.T) {
	h := NewHub(nil)

	m1, err := h.Open("x", nil)
	require.NoError(t, err)
	_, err = h.Open("y", nil)
	require.NoError(t, err)

	h.Close()
	assert.Equal(t, 0, h.Members("x"))
	assert.Equal(t, 0, h.Members("y"))
	assert.ErrorIs(t, m1.Send([]byte("z")), ErrChannelClosed)
}
