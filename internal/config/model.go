package config

import (
	"time"

	"raftchat/internal/cluster"
	"raftchat/internal/observability/tracing"
	grpcserver "raftchat/internal/server/grpc"
	"raftchat/internal/transport"
)

type ServerConfig struct {
	HTTP    HTTPConfig    `yaml:"http"`
	DataDir string        `yaml:"dataDir"`
	Raft    RaftConfig    `yaml:"raft"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Cache   CacheConfig   `yaml:"cache"`
	Chat    ChatConfig    `yaml:"chat"`
	Session SessionConfig `yaml:"session"`
	LLM     LLMConfig     `yaml:"llm"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

type RaftConfig struct {
	Host          string        `yaml:"host"`
	Ports         []int         `yaml:"ports"`
	Timeout       time.Duration `yaml:"timeout"`
	TryAgainDelay time.Duration `yaml:"tryAgainDelay"`
	SettleWait    time.Duration `yaml:"settleWait"`
	Charsets      []string      `yaml:"charsets"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type GRPCConfig struct {
	Address       string        `yaml:"address"`
	ProbeInterval time.Duration `yaml:"probeInterval"`
}

type CacheConfig struct {
	// Driver is "bolt" or "pebble".
	Driver string `yaml:"driver"`
	Dir    string `yaml:"dir"`
}

type ChatConfig struct {
	MaxHistoryChars int           `yaml:"maxHistoryChars"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LLMConfig holds defaults for backends added without a URL or model.
type LLMConfig struct {
	APIBaseURL string `yaml:"apiBaseURL"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"apiKey"`
}

// Nodes maps the port list to cluster members with 1-based ids.
func (c *ServerConfig) Nodes() []cluster.Node {
	nodes := make([]cluster.Node, 0, len(c.Raft.Ports))
	for i, port := range c.Raft.Ports {
		nodes = append(nodes, cluster.Node{ID: i + 1, Host: c.Raft.Host, Port: port})
	}
	return nodes
}

// Transport builds the per-call transport. Charset names are checked by
// Validate.
func (c *ServerConfig) Transport() *transport.Transport {
	return &transport.Transport{
		DialTimeout: c.Raft.Timeout,
		SettleWait:  c.Raft.SettleWait,
		Charset:     transport.MustCharset(c.Raft.Charsets...),
	}
}

func (c *ServerConfig) TracingConfig() tracing.Config {
	return tracing.Config{
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		ServiceName: c.Tracing.ServiceName,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

func (c *ServerConfig) GRPCConfig() grpcserver.Config {
	return grpcserver.Config{
		Address:       c.GRPC.Address,
		ProbeInterval: c.GRPC.ProbeInterval,
	}
}
