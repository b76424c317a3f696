package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"rewardsledger/services/incentivesd/server"
)

// Config captures the gRPC listener settings.
type Config struct {
	ListenAddress   string
	TLSCertPath     string
	TLSKeyPath      string
	TLSDisable      bool
	ShutdownTimeout time.Duration
}

// Server serves IncentivesService next to the HTTP API.
type Server struct {
	cfg    Config
	grpc   *grpc.Server
	logger *slog.Logger
}

// New builds the gRPC server. Calls are authenticated by auth and metered
// by limiter, the same principal and budget used over HTTP.
func New(cfg Config, ledger server.Ledger, auth *server.Authenticator, limiter *server.RateLimiter, logger *slog.Logger) (*Server, error) {
	if ledger == nil {
		return nil, errors.New("rpc: ledger required")
	}
	if auth == nil {
		return nil, errors.New("rpc: authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			NewAuthInterceptor(auth, limiter),
			otelgrpc.UnaryServerInterceptor(),
		),
	}
	if !cfg.TLSDisable {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("rpc: load tls keypair: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	srv := grpc.NewServer(opts...)
	RegisterIncentivesServiceServer(srv, NewService(ledger, logger))
	return &Server{cfg: cfg, grpc: srv, logger: logger}, nil
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop closes all connections immediately.
func (s *Server) Stop() { s.grpc.Stop() }

// Run listens on the configured address until ctx is cancelled, then drains
// in-flight calls for up to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("grpc server listening", "listen", lis.Addr().String(), "tls", !s.cfg.TLSDisable)
		serverErr <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		timer := time.NewTimer(s.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.logger.Warn("forcing grpc server stop")
			s.grpc.Stop()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	}
}
