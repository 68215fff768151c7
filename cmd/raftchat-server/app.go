package main

import (
	"context"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"raftchat/internal/auth"
	"raftchat/internal/backend"
	"raftchat/internal/cache"
	"raftchat/internal/cluster"
	"raftchat/internal/config"
	"raftchat/internal/conversation"
	"raftchat/internal/kv"
	"raftchat/internal/llm"
	"raftchat/internal/observability/metrics"
	"raftchat/internal/server/httpapi"
)

// app holds the wired services of one server process.
type app struct {
	reg   *prometheus.Registry
	cache cache.Cache
	kv    *kv.Client
	api   *httpapi.Server
	log   *zap.Logger
}

// newApp wires every service from cfg. A nil sender uses the configured
// transport.
func newApp(cfg *config.ServerConfig, lg *zap.Logger, sender cluster.Sender) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewClientCollector(reg, "")

	tr := cfg.Transport()
	if sender == nil {
		sender = tr
	}
	router, err := cluster.NewRouter(cluster.Config{
		Nodes:         cfg.Nodes(),
		TryAgainDelay: cfg.Raft.TryAgainDelay,
		Text:          tr.Charset.Decode,
		Logger:        lg.Named("cluster"),
		Observer:      collector,
	}, sender)
	if err != nil {
		return nil, err
	}
	client := kv.New(router, kv.WithLogger(lg.Named("kv")), kv.WithCallObserver(collector))

	c, err := cache.Open(cfg.Cache.Driver, cfg.CacheDir())
	if err != nil {
		return nil, err
	}

	users, err := auth.New(filepath.Join(cfg.DataDir, "users"), auth.Options{
		SessionTTL: cfg.Session.TTL,
		Logger:     lg.Named("auth"),
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	backends, err := backend.New(filepath.Join(cfg.DataDir, "user_backends"), backend.Options{
		Defaults: backend.Defaults{
			BaseURL: cfg.LLM.APIBaseURL,
			Model:   cfg.LLM.Model,
			APIKey:  cfg.LLM.APIKey,
		},
		Logger: lg.Named("backend"),
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	convs, err := conversation.New(filepath.Join(cfg.DataDir, "conversations"), client, c, conversation.Options{
		MaxHistoryChars: cfg.Chat.MaxHistoryChars,
		Logger:          lg.Named("conversation"),
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	api := httpapi.New(httpapi.Config{
		RequestTimeout: cfg.Chat.RequestTimeout,
		SessionTTL:     cfg.Session.TTL,
	}, httpapi.Services{
		Auth:          users,
		Backends:      backends,
		Conversations: convs,
		LLM:           llm.New(nil, lg.Named("llm")),
		Cluster:       client,
	}, lg.Named("http"))

	return &app{reg: reg, cache: c, kv: client, api: api, log: lg}, nil
}

func (a *app) startMetrics(ctx context.Context, addr string) error {
	if addr == "" {
		a.log.Info("metrics disabled")
		return nil
	}
	return metrics.StartServer(ctx, addr, a.reg, a.log.Named("metrics"))
}

func (a *app) Close() error {
	return a.cache.Close()
}
