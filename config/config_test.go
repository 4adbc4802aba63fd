package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iriscache/cacheerr"
)

// TestDefaultIsValid verifies the defaults pass validation unchanged.
func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Normalize())
	assert.Equal(t, DefaultBucketCount, cfg.BucketCount)
	assert.Equal(t, 5*time.Second, cfg.StatsReplInterval)
	assert.Equal(t, 60*time.Second, cfg.OpTimeout)
	assert.Equal(t, 60, cfg.DataLoadBalancing.AutoBalancingThreshold)
	assert.Equal(t, 180*time.Second, cfg.DataLoadBalancing.AutoBalancingInterval)
	assert.Equal(t, "iriscache", cfg.Cluster.GroupID)
	assert.Equal(t, "iriscache", cfg.Cluster.SubGroupID)
}

// TestParseYAML verifies the YAML surface, duration parsing and normalization rules.
func TestParseYAML(t *testing.T) {
	data := []byte(`
cache-name: Orders
topology: Replicated
bucket-count: 500
op-timeout: 10s
stats-repl-interval: 2s
async-operation: false
cluster:
  group-id: ORDERS-EU
  bind-port: 7946
  seeds: ["10.0.0.1:7946", "10.0.0.2:7946"]
data-load-balancing:
  enabled: true
  auto-balancing-threshold: 40
  auto-balancing-interval: 30s
storage:
  engine: pebble
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, TopologyReplicated, cfg.Topology)
	assert.Equal(t, 500, cfg.BucketCount)
	assert.Equal(t, MinOpTimeout, cfg.OpTimeout, "op-timeout is raised to the minimum")
	assert.Equal(t, 2*time.Second, cfg.StatsReplInterval)
	assert.False(t, cfg.AsyncOperation)
	assert.Equal(t, "orders-eu", cfg.Cluster.GroupID)
	assert.Equal(t, "orders-eu", cfg.Cluster.SubGroupID)
	assert.Len(t, cfg.Cluster.Seeds, 2)
	assert.True(t, cfg.DataLoadBalancing.Enabled)
	assert.Equal(t, 40, cfg.DataLoadBalancing.AutoBalancingThreshold)
	assert.Equal(t, 30*time.Second, cfg.DataLoadBalancing.AutoBalancingInterval)
	assert.Equal(t, EnginePebble, cfg.Storage.Engine)
	assert.Equal(t, int64(DefaultChunkSize), cfg.StateTransfer.ChunkSize)
}

// TestValidationFailures verifies that bad values fail fast with configuration errors.
func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "stats interval too large", yaml: "stats-repl-interval: 301s"},
		{name: "stats interval too small", yaml: "stats-repl-interval: 500ms"},
		{name: "unknown topology", yaml: "topology: mirrored"},
		{name: "negative buckets", yaml: "bucket-count: -4"},
		{name: "bad threshold", yaml: "data-load-balancing:\n  auto-balancing-threshold: 120"},
		{name: "unknown engine", yaml: "storage:\n  engine: rocks"},
		{name: "broken yaml", yaml: "cluster: [unclosed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, cacheerr.ErrConfiguration)
		})
	}
}

// TestLoadFromFile verifies loading from disk and the missing-file error.
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache-name: files\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "files", cfg.CacheName)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, cacheerr.ErrConfiguration)
}

// TestResolveEndpoints verifies the bus port is derived from the client port.
func TestResolveEndpoints(t *testing.T) {
	cfg := Default()
	cfg.Cluster.BindAddr = "127.0.0.1"
	cfg.Client.Port = 8100
	require.NoError(t, cfg.ResolveEndpoints())
	assert.Equal(t, 18100, cfg.Cluster.BindPort)
	assert.Equal(t, ":8100", cfg.ClientAddr())
}
