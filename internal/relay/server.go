// ABOUTME: Relay server: attaches remote stream members to a local broadcast Hub
// ABOUTME: Each Attach stream joins one channel and lives until the client disconnects

package relay

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-kv/internal/broadcast"
	"github.com/2389/coven-kv/internal/metrics"
)

// outboxSize bounds messages waiting to be written to one stream.
const outboxSize = 64

// Server serves the relay service over a Hub.
type Server struct {
	hub     *broadcast.Hub
	logger  *slog.Logger
	metrics *metrics.Metrics

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a relay over hub. Pass nil logger for default; nil
// metrics records nothing.
func NewServer(hub *broadcast.Hub, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:     hub,
		logger:  logger.With("component", "relay"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Close ends every attached stream. Streams that attach afterwards are
// refused.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// NewGRPCServer creates a grpc.Server with the relay registered. interval is
// the keepalive ping interval; zero uses 15s.
func NewGRPCServer(s *Server, interval time.Duration) *grpc.Server {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	g := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    interval,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.Register(g)
	return g
}

// Register adds the relay service to g.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	g.RegisterService(&serviceDesc, s)
}

// Attach handles one remote member. The first frame must be a join; the
// server answers with joined once the member is in the channel.
func (s *Server) Attach(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	select {
	case <-s.done:
		return status.Error(codes.Unavailable, "relay shutting down")
	default:
	}

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	channel := field(first, "channel")
	if frameType(first) != frameJoin || channel == "" {
		return status.Error(codes.InvalidArgument, "first frame must join a channel")
	}

	ctx := stream.Context()
	outbox := make(chan []byte, outboxSize)
	member, err := s.hub.Open(channel, func(msg []byte) {
		select {
		case outbox <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return status.Errorf(codes.Internal, "joining channel: %v", err)
	}
	defer member.Close()

	memberID := ""
	if m, ok := member.(interface{ ID() string }); ok {
		memberID = m.ID()
	}
	logger := s.logger.With("channel", channel, "member_id", memberID)

	s.metrics.RelayMembers(1)
	defer s.metrics.RelayMembers(-1)

	if err := stream.Send(joinedFrame(memberID)); err != nil {
		return err
	}
	logger.Info("member attached")
	defer logger.Info("member detached")

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.receive(stream, member, logger)
	}()

	for {
		select {
		case msg := <-outbox:
			if err := stream.Send(dataFrame(frameMessage, msg)); err != nil {
				logger.Warn("failed to forward message", "error", err)
				return status.Errorf(codes.Unavailable, "sending message: %v", err)
			}
		case err := <-recvErr:
			return err
		case <-s.done:
			return status.Error(codes.Unavailable, "relay shutting down")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// receive publishes every send frame until the client stops sending. A clean
// end of stream returns nil.
func (s *Server) receive(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct], member broadcast.Channel, logger *slog.Logger) error {
	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if frameType(f) != frameSend {
			logger.Debug("ignoring frame", "type", frameType(f))
			continue
		}
		data, err := frameData(f)
		if err != nil {
			logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		if err := member.Send(data); err != nil {
			return status.Errorf(codes.Unavailable, "publishing: %v", err)
		}
		s.metrics.RelayMessage()
	}
}
