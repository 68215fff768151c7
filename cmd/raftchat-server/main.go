package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"raftchat/internal/config"
	"raftchat/internal/logger"
	"raftchat/internal/observability/tracing"
	grpcserver "raftchat/internal/server/grpc"
)

func main() {
	configPath := flag.String("config", "", "path to server config (defaults apply when empty)")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.Setup(cfg.Log)
	if err != nil {
		log.Fatalf("failed to set up logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.TracingConfig())
	if err != nil {
		lg.Fatal("failed to set up tracing", zap.Error(err))
	}

	a, err := newApp(cfg, lg, nil)
	if err != nil {
		lg.Fatal("failed to build services", zap.Error(err))
	}

	if err := a.startMetrics(ctx, cfg.Metrics.Address); err != nil {
		lg.Fatal("failed to start metrics server", zap.Error(err))
	}

	grpcSrv := grpcserver.New(cfg.GRPCConfig(), a.kv, lg.Named("grpc"))
	if err := grpcSrv.Start(ctx); err != nil {
		lg.Fatal("failed to start grpc server", zap.Error(err))
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		lg.Info("http listening", zap.String("address", cfg.HTTP.Address),
			zap.Int("raft_nodes", len(cfg.Nodes())))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("http server", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	lg.Info("shutting down")

	cancel()
	grpcSrv.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := httpSrv.Shutdown(stopCtx); err != nil {
		lg.Warn("http shutdown", zap.Error(err))
	}
	if err := shutdownTracing(stopCtx); err != nil {
		lg.Warn("tracing shutdown", zap.Error(err))
	}
	if err := a.Close(); err != nil {
		lg.Warn("close services", zap.Error(err))
	}
}
