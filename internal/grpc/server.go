// Package grpc provides the node heartbeat server.
//
// Nodes report over a unary Heartbeat call or a client stream. Heartbeat messages are JSON
// encoded whatever content subtype the client sends; clients should send "application/grpc+json".
// The standard gRPC health service is served alongside with its protobuf encoding.
package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/reconciler"
	"github.com/narvanalabs/fleet/pkg/config"
)

// Config holds the gRPC server configuration.
type Config struct {
	Port                 int
	TLSCertFile          string
	TLSKeyFile           string
	MaxConcurrentStreams uint32
	KeepaliveTime        time.Duration
	KeepaliveTimeout     time.Duration
	MaxRecvMsgSize       int
	// StopTimeout bounds graceful stop before in-flight streams are cut.
	StopTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                 9090,
		MaxConcurrentStreams: 1000,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		MaxRecvMsgSize:       4 * 1024 * 1024,
		StopTimeout:          30 * time.Second,
	}
}

// ConfigFrom builds a Config from application settings.
func ConfigFrom(cfg *config.Config) *Config {
	c := DefaultConfig()
	c.Port = cfg.GRPCPort
	if cfg.GRPC.MaxConcurrentStreams > 0 {
		c.MaxConcurrentStreams = cfg.GRPC.MaxConcurrentStreams
	}
	if cfg.GRPC.KeepaliveTime > 0 {
		c.KeepaliveTime = cfg.GRPC.KeepaliveTime
	}
	if cfg.GRPC.KeepaliveTimeout > 0 {
		c.KeepaliveTimeout = cfg.GRPC.KeepaliveTimeout
	}
	if cfg.GRPC.MaxRecvMsgSize > 0 {
		c.MaxRecvMsgSize = cfg.GRPC.MaxRecvMsgSize
	}
	if cfg.ShutdownTimeout > 0 {
		c.StopTimeout = cfg.ShutdownTimeout
	}
	return c
}

// Ingester applies node heartbeats.
type Ingester interface {
	IngestHeartbeat(ctx context.Context, hb models.Heartbeat) (reconciler.Action, error)
}

// Server implements the heartbeat service.
type Server struct {
	config   *Config
	ingester Ingester
	logger   *slog.Logger
	now      func() time.Time

	grpcServer *grpc.Server
	health     *health.Server

	serving atomic.Bool
}

// NewServer creates a new gRPC server instance.
func NewServer(cfg *Config, ingester Ingester, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		ingester: ingester,
		logger:   logger.With("component", "grpc"),
		now:      time.Now,
		health:   health.NewServer(),
	}

	opts, err := s.buildServerOptions()
	if err != nil {
		return nil, fmt.Errorf("building server options: %w", err)
	}
	s.grpcServer = grpc.NewServer(opts...)
	RegisterHeartbeatServiceServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return s, nil
}

// buildServerOptions constructs the gRPC server options.
func (s *Server) buildServerOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(serverCodec{}),
		grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams),
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			s.recoveryInterceptor(),
			s.loggingInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			s.streamRecoveryInterceptor(),
			s.streamLoggingInterceptor(),
		),
	}

	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS credentials: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	return opts, nil
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.serving.Store(true)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("gRPC server starting", "address", lis.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

// Stop gracefully stops the gRPC server, forcing it after the stop timeout.
func (s *Server) Stop(ctx context.Context) error {
	if !s.serving.CompareAndSwap(true, false) {
		return nil
	}
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(s.config.StopTimeout):
		s.logger.Warn("gRPC server graceful stop timed out, forcing stop")
		s.grpcServer.Stop()
	case <-ctx.Done():
		s.logger.Warn("context cancelled, forcing stop")
		s.grpcServer.Stop()
	}
	return nil
}

// IsServing returns whether the server is currently serving requests.
func (s *Server) IsServing() bool {
	return s.serving.Load()
}
