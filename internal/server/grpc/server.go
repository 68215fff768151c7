package grpcserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	DefaultProbeInterval = 5 * time.Second

	// ServiceName is the health entry tracking the KV cluster. The empty
	// name reports the same status.
	ServiceName = "raftchat.kv"
)

// Config holds gRPC server configuration.
type Config struct {
	Address       string
	ProbeInterval time.Duration
}

// Prober checks the KV cluster; *kv.Client satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Server exposes grpc.health.v1 with a status that follows periodic
// cluster probes: SERVING while the last probe succeeded.
type Server struct {
	cfg    Config
	prober Prober
	log    *zap.Logger
	srv    *grpc.Server
	health *health.Server

	mu      sync.Mutex
	serving bool
	stopped bool
}

// New constructs a Server. A nil prober reports SERVING once started.
func New(cfg Config, prober Prober, log *zap.Logger) *Server {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		prober: prober,
		log:    log,
		srv:    grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.publish(false)
	return s
}

// Start listens on the configured address, probes once and keeps probing
// until ctx is done, then stops the server.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		return fmt.Errorf("grpc address is empty")
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.Probe(ctx)
	go func() {
		if err := s.srv.Serve(lis); err != nil {
			s.log.Warn("grpc serve", zap.Error(err))
		}
	}()
	go s.probeLoop(ctx)
	go func() {
		<-ctx.Done()
		s.Stop()
		_ = lis.Close()
	}()
	s.log.Info("grpc health listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Stop shuts down the server.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.health.Shutdown()
	s.srv.GracefulStop()
}

// Serving reports the last published status.
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

// Probe pings the cluster once and publishes the result.
func (s *Server) Probe(ctx context.Context) {
	if s.prober == nil {
		s.publish(true)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeInterval)
	defer cancel()
	err := s.prober.Ping(pctx)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("cluster probe failed", zap.Error(err))
	}
	s.publish(err == nil)
}

func (s *Server) probeLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Probe(ctx)
		}
	}
}

func (s *Server) publish(serving bool) {
	s.mu.Lock()
	changed := s.serving != serving
	s.serving = serving
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if changed {
		s.log.Info("cluster health changed", zap.Bool("serving", serving))
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
