package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"iriscache/cacheerr"
)

const (
	TopologyPartitioned = "partitioned"
	TopologyReplicated  = "replicated"

	EngineMemory = "memory"
	EnginePebble = "pebble"
)

const (
	DefaultBucketCount       = 1000
	MinOpTimeout             = 60 * time.Second
	MinStatsReplInterval     = 1 * time.Second
	MaxStatsReplInterval     = 300 * time.Second
	DefaultStatsReplInterval = 5 * time.Second
	DefaultBalanceThreshold  = 60
	DefaultBalanceInterval   = 180 * time.Second
	DefaultChunkSize         = 20 * 1024
	DefaultRetryCount        = 3
	DefaultClientPort        = 8008
)

type Config struct {
	CacheName         string          `yaml:"cache-name"`
	Topology          string          `yaml:"topology"`
	BucketCount       int             `yaml:"bucket-count"`
	OpTimeout         time.Duration   `yaml:"op-timeout"`
	StatsReplInterval time.Duration   `yaml:"stats-repl-interval"`
	AsyncOperation    bool            `yaml:"async-operation"`
	Cluster           ClusterConfig   `yaml:"cluster"`
	DataLoadBalancing BalancingConfig `yaml:"data-load-balancing"`
	StateTransfer     StateTxfrConfig `yaml:"state-transfer"`
	Storage           StorageConfig   `yaml:"storage"`
	Client            ClientConfig    `yaml:"client"`
}

type ClusterConfig struct {
	GroupID    string   `yaml:"group-id"`
	SubGroupID string   `yaml:"sub-group-id"`
	BindAddr   string   `yaml:"bind-addr"`
	BindPort   int      `yaml:"bind-port"`
	Seeds      []string `yaml:"seeds"`
}

type BalancingConfig struct {
	Enabled                bool          `yaml:"enabled"`
	AutoBalancingThreshold int           `yaml:"auto-balancing-threshold"`
	AutoBalancingInterval  time.Duration `yaml:"auto-balancing-interval"`
}

type StateTxfrConfig struct {
	ChunkSize  int64 `yaml:"chunk-size"`
	RetryCount int   `yaml:"retry-count"`
}

type StorageConfig struct {
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`
}

type ClientConfig struct {
	Port int `yaml:"port"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		CacheName:         "iriscache",
		Topology:          TopologyPartitioned,
		BucketCount:       DefaultBucketCount,
		OpTimeout:         MinOpTimeout,
		StatsReplInterval: DefaultStatsReplInterval,
		AsyncOperation:    true,
		DataLoadBalancing: BalancingConfig{
			AutoBalancingThreshold: DefaultBalanceThreshold,
			AutoBalancingInterval:  DefaultBalanceInterval,
		},
		StateTransfer: StateTxfrConfig{ChunkSize: DefaultChunkSize, RetryCount: DefaultRetryCount},
		Storage:       StorageConfig{Engine: EngineMemory},
		Client:        ClientConfig{Port: DefaultClientPort},
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &cacheerr.ConfigurationError{Msg: fmt.Sprintf("read %s", path), Cause: err}
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &cacheerr.ConfigurationError{Msg: "invalid yaml", Cause: err}
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize applies the clamping and defaulting rules and then validates.
func (c *Config) Normalize() error {
	c.Topology = strings.ToLower(strings.TrimSpace(c.Topology))
	if c.Topology == "" {
		c.Topology = TopologyPartitioned
	}
	if c.BucketCount == 0 {
		c.BucketCount = DefaultBucketCount
	}
	if c.OpTimeout < MinOpTimeout {
		c.OpTimeout = MinOpTimeout
	}
	if c.StatsReplInterval == 0 {
		c.StatsReplInterval = DefaultStatsReplInterval
	}
	if c.Cluster.GroupID == "" {
		c.Cluster.GroupID = c.CacheName
	}
	c.Cluster.GroupID = strings.ToLower(c.Cluster.GroupID)
	if c.Cluster.SubGroupID == "" {
		c.Cluster.SubGroupID = c.Cluster.GroupID
	}
	c.Cluster.SubGroupID = strings.ToLower(c.Cluster.SubGroupID)
	if c.DataLoadBalancing.AutoBalancingThreshold == 0 {
		c.DataLoadBalancing.AutoBalancingThreshold = DefaultBalanceThreshold
	}
	if c.DataLoadBalancing.AutoBalancingInterval == 0 {
		c.DataLoadBalancing.AutoBalancingInterval = DefaultBalanceInterval
	}
	if c.StateTransfer.ChunkSize == 0 {
		c.StateTransfer.ChunkSize = DefaultChunkSize
	}
	if c.StateTransfer.RetryCount == 0 {
		c.StateTransfer.RetryCount = DefaultRetryCount
	}
	if c.Storage.Engine == "" {
		c.Storage.Engine = EngineMemory
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.CacheName == "" {
		return cacheerr.Configuration("cache-name", "must not be empty")
	}
	if c.Topology != TopologyPartitioned && c.Topology != TopologyReplicated {
		return cacheerr.Configuration("topology", "unknown topology %q", c.Topology)
	}
	if c.BucketCount < 1 {
		return cacheerr.Configuration("bucket-count", "must be positive, got %d", c.BucketCount)
	}
	if c.StatsReplInterval < MinStatsReplInterval || c.StatsReplInterval > MaxStatsReplInterval {
		return cacheerr.Configuration("stats-repl-interval", "must be between %s and %s, got %s",
			MinStatsReplInterval, MaxStatsReplInterval, c.StatsReplInterval)
	}
	if t := c.DataLoadBalancing.AutoBalancingThreshold; t < 1 || t > 100 {
		return cacheerr.Configuration("data-load-balancing.auto-balancing-threshold", "must be a percentage, got %d", t)
	}
	if c.DataLoadBalancing.AutoBalancingInterval < time.Second {
		return cacheerr.Configuration("data-load-balancing.auto-balancing-interval", "must be at least 1s")
	}
	if c.StateTransfer.ChunkSize < 1 || c.StateTransfer.RetryCount < 1 {
		return cacheerr.Configuration("state-transfer", "chunk-size and retry-count must be positive")
	}
	if c.Storage.Engine != EngineMemory && c.Storage.Engine != EnginePebble {
		return cacheerr.Configuration("storage.engine", "unknown engine %q", c.Storage.Engine)
	}
	if c.Client.Port < 0 || c.Client.Port > 0xFFFF || c.Cluster.BindPort < 0 || c.Cluster.BindPort > 0xFFFF {
		return cacheerr.Configuration("port", "out of range")
	}
	return nil
}
