package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"raftchat/internal/transport"
)

// Default matches the three-node local cluster on ports 8001-8003.
func Default() *ServerConfig {
	return &ServerConfig{
		HTTP:    HTTPConfig{Address: ":5000"},
		DataDir: "data",
		Raft: RaftConfig{
			Host:          "127.0.0.1",
			Ports:         []int{8001, 8002, 8003},
			Timeout:       3 * time.Second,
			TryAgainDelay: 200 * time.Millisecond,
			SettleWait:    100 * time.Millisecond,
			Charsets:      []string{"gbk"},
		},
		Log:     LogConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Address: ":9100"},
		Tracing: TracingConfig{ServiceName: "raftchat-server", SampleRatio: 1},
		GRPC:    GRPCConfig{Address: ":10001", ProbeInterval: 5 * time.Second},
		Cache:   CacheConfig{Driver: "bolt"},
		Chat: ChatConfig{
			MaxHistoryChars: 10000,
			RequestTimeout:  120 * time.Second,
		},
		Session: SessionConfig{TTL: 7 * 24 * time.Hour},
		LLM: LLMConfig{
			APIBaseURL: "https://api.openai.com/v1",
			Model:      "gpt-3.5-turbo",
		},
	}
}

// LoadServerConfig reads path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("RAFT_HOST"); ok && v != "" {
		c.Raft.Host = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("API_BASE_URL"); ok && v != "" {
		c.LLM.APIBaseURL = v
	}
	if v, ok := lookup("MODEL_NAME"); ok && v != "" {
		c.LLM.Model = v
	}
	if v, ok := lookup("API_KEY"); ok && v != "" {
		c.LLM.APIKey = v
	}
}

func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Raft.Host == "" {
		errs = append(errs, errors.New("raft.host is required"))
	}
	if len(c.Raft.Ports) == 0 {
		errs = append(errs, errors.New("raft.ports must not be empty"))
	}
	for _, p := range c.Raft.Ports {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("raft.ports: invalid port %d", p))
		}
	}
	if c.Raft.Timeout <= 0 {
		errs = append(errs, errors.New("raft.timeout must be positive"))
	}
	if c.Raft.TryAgainDelay < 0 || c.Raft.SettleWait < 0 {
		errs = append(errs, errors.New("raft delays must not be negative"))
	}
	if _, err := transport.NewCharset(c.Raft.Charsets...); err != nil {
		errs = append(errs, fmt.Errorf("raft.charsets: %w", err))
	}
	switch c.Cache.Driver {
	case "bolt", "pebble":
	default:
		errs = append(errs, fmt.Errorf("cache.driver: unknown driver %q", c.Cache.Driver))
	}
	if c.Chat.MaxHistoryChars <= 0 {
		errs = append(errs, errors.New("chat.maxHistoryChars must be positive"))
	}
	if c.Chat.RequestTimeout <= 0 {
		errs = append(errs, errors.New("chat.requestTimeout must be positive"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	return errors.Join(errs...)
}

// CacheDir defaults to <dataDir>/chat_cache.
func (c *ServerConfig) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.DataDir, "chat_cache")
}
