// ABOUTME: Server wires the change relay and the metrics endpoint into one process
// ABOUTME: Run listens on the configured addresses and shuts both down when the context ends

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/2389/coven-kv/internal/broadcast"
	"github.com/2389/coven-kv/internal/config"
	"github.com/2389/coven-kv/internal/metrics"
	"github.com/2389/coven-kv/internal/relay"
)

// shutdownTimeout bounds graceful shutdown once the context ends.
const shutdownTimeout = 5 * time.Second

// Server hosts the relay hub and, when enabled, the metrics endpoint.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	hub      *broadcast.Hub
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	relay      *relay.Server
	grpcServer *grpc.Server
	httpServer *http.Server

	relayLn net.Listener
	httpLn  net.Listener
}

// New builds a server from cfg. Nothing listens until Listen or Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if !cfg.Relay.Enabled && !cfg.Metrics.Enabled {
		return nil, errors.New("nothing to serve: relay and metrics are both disabled")
	}
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	hub := broadcast.NewHub(logger)
	hub.OnDrop(m.Dropped)

	s := &Server{
		config:   cfg,
		logger:   logger.With("component", "server"),
		hub:      hub,
		registry: reg,
		metrics:  m,
	}

	if cfg.Relay.Enabled {
		s.relay = relay.NewServer(hub, logger, m)
		s.grpcServer = relay.NewGRPCServer(s.relay, cfg.Relay.KeepaliveInterval)
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/health", s.handleHealth)
		s.httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Hub returns the hub relayed members join.
func (s *Server) Hub() *broadcast.Hub {
	return s.hub
}

// Metrics returns the server's instruments.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Listen opens the configured listeners.
func (s *Server) Listen() error {
	if s.grpcServer != nil {
		ln, err := net.Listen("tcp", s.config.Relay.Addr)
		if err != nil {
			return fmt.Errorf("listening on relay address: %w", err)
		}
		s.relayLn = ln
	}
	if s.httpServer != nil {
		ln, err := net.Listen("tcp", s.config.Metrics.Addr)
		if err != nil {
			if s.relayLn != nil {
				_ = s.relayLn.Close()
			}
			return fmt.Errorf("listening on metrics address: %w", err)
		}
		s.httpLn = ln
	}
	return nil
}

// RelayAddr returns the relay listener's address, or "" before Listen.
func (s *Server) RelayAddr() string {
	if s.relayLn == nil {
		return ""
	}
	return s.relayLn.Addr().String()
}

// MetricsAddr returns the metrics listener's address, or "" before Listen.
func (s *Server) MetricsAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Run listens if Listen has not been called, then serves until ctx ends or a
// server fails. A context cancellation is a clean shutdown and returns nil.
func (s *Server) Run(ctx context.Context) error {
	if s.relayLn == nil && s.httpLn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.relayLn != nil {
		g.Go(func() error {
			s.logger.Info("relay listening", "addr", s.relayLn.Addr().String())
			if err := s.grpcServer.Serve(s.relayLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("relay server: %w", err)
			}
			return nil
		})
	}

	if s.httpLn != nil {
		g.Go(func() error {
			s.logger.Info("metrics listening", "addr", s.httpLn.Addr().String(), "path", s.config.Metrics.Path)
			if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("context canceled, initiating shutdown")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops both servers and closes the hub. Attached relay streams are
// given until ctx ends to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}

	if s.grpcServer != nil {
		s.relay.Close()
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	s.hub.Close()

	return errors.Join(errs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
