// ABOUTME: Relay client: a broadcast.Broadcaster whose channels live on a remote relay
// ABOUTME: Each opened channel is one Attach stream with its own receive goroutine

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-kv/internal/broadcast"
)

// joinTimeout bounds how long Open waits for the relay to acknowledge a join.
const joinTimeout = 10 * time.Second

// Client opens broadcast channels on a relay server.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
	wg     sync.WaitGroup
}

var _ broadcast.Broadcaster = (*Client)(nil)

// Dial creates a client for the relay at addr. The connection is plaintext
// unless opts override the transport credentials.
func Dial(addr string, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to relay %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		logger: logger.With("component", "relay-client", "addr", addr),
	}, nil
}

// Open joins the named channel on the relay and returns once the relay has
// acknowledged the join.
func (c *Client) Open(name string, onMessage broadcast.Handler) (broadcast.Channel, error) {
	if onMessage == nil {
		onMessage = func([]byte) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	raw, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], attachMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attaching to relay: %w", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: raw}

	if err := stream.Send(joinFrame(name)); err != nil {
		cancel()
		return nil, fmt.Errorf("joining %s: %w", name, err)
	}

	timer := time.AfterFunc(joinTimeout, cancel)
	ack, err := stream.Recv()
	timer.Stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("joining %s: %w", name, err)
	}
	if frameType(ack) != frameJoined {
		cancel()
		return nil, fmt.Errorf("joining %s: unexpected %q frame", name, frameType(ack))
	}

	ch := &channel{
		name:   name,
		stream: stream,
		cancel: cancel,
		logger: c.logger.With("channel", name, "member_id", field(ack, "member_id")),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ch.receive(onMessage)
	}()
	ch.logger.Debug("joined relay channel")
	return ch, nil
}

// Close closes the connection and waits for every channel's receive loop to
// stop. It must not be called from a message handler.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

type channel struct {
	name   string
	stream grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (ch *channel) Send(msg []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return broadcast.ErrChannelClosed
	}
	if err := ch.stream.Send(dataFrame(frameSend, msg)); err != nil {
		return fmt.Errorf("relaying to %s: %w", ch.name, err)
	}
	return nil
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	_ = ch.stream.CloseSend()
	ch.mu.Unlock()
	ch.cancel()
	return nil
}

func (ch *channel) receive(onMessage broadcast.Handler) {
	for {
		f, err := ch.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				ch.logger.Warn("relay stream ended", "error", err)
			}
			return
		}
		if frameType(f) != frameMessage {
			continue
		}
		data, err := frameData(f)
		if err != nil {
			ch.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		onMessage(data)
	}
}
