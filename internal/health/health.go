// Package health serves the standard gRPC health protocol for the relay.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/igefined/orderbook-relay/internal/config"
)

// ServiceName is the health service name reported next to the server-wide
// ("") status.
const ServiceName = "orderbook.relay"

const moduleName = "health"

var Module = fx.Module(moduleName,
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, server *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return server.Start(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return server.Stop(ctx)
			},
		})
	}),
)

type Server struct {
	addr   string
	logger *zap.Logger

	grpc   *grpc.Server
	health *health.Server
	ln     net.Listener
}

func New(cfg *config.Config, logger *zap.Logger) *Server {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	// NOT_SERVING until the relay loop has started.
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{
		addr:   cfg.Server.HealthAddr,
		logger: logger.Named(moduleName),
		grpc:   srv,
		health: hs,
	}
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.logger.Info("gRPC health server listening", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Stop flips every status to NOT_SERVING, then drains the server. If ctx
// expires first the remaining RPCs are cut.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gRPC health server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
