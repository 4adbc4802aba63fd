package topology

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"iriscache/bus"
	"iriscache/config"
	"iriscache/engine"
	"iriscache/membership"
)

var generation = atomic.NewInt64(0)

type testNode struct {
	addr  membership.Address
	cache Cache
	store *engine.LocalCache
}

func (n *testNode) partitioned() *Partitioned { return n.cache.(*Partitioned) }
func (n *testNode) replicated() *Replicated   { return n.cache.(*Replicated) }

func testConfig(t *testing.T, topology string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Topology = topology
	cfg.BucketCount = 16
	cfg.StateTransfer.ChunkSize = 512
	require.NoError(t, cfg.Normalize())
	cfg.OpTimeout = 2 * time.Second
	cfg.StatsReplInterval = time.Second
	return cfg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startNode joins a new member to hub and waits until it serves requests.
func startNode(t *testing.T, hub *bus.Hub, cfg *config.Config, name string) *testNode {
	t.Helper()
	addr := membership.Address{Host: name, Port: 7946, Generation: generation.Inc(), ID: name}
	store := engine.NewMemoryCache(cfg.BucketCount)
	c, err := New(cfg, hub.NewChannel(addr, IdentityOf(cfg)), store)
	require.NoError(t, err)

	ctx := testCtx(t)
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.WaitUntilRunning(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return &testNode{addr: addr, cache: c, store: store}
}

// settled waits until every node sees the same servers and the same
// distribution map with nothing left to move.
func settled(t *testing.T, nodes ...*testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		var version uint64
		for i, n := range nodes {
			if len(n.cache.Servers()) != len(nodes) {
				return false
			}
			p := n.partitioned()
			dm := p.Distribution()
			if dm == nil || dm.InStateTransfer() || p.transfer.busy() {
				return false
			}
			if i == 0 {
				version = dm.Version
			} else if dm.Version != version {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond)
}

func value(i int) *engine.Entry { return engine.NewEntry([]byte(fmt.Sprintf("value-%03d", i))) }

func fillKeys(t *testing.T, c Cache, prefix string, n int) {
	t.Helper()
	ctx := testCtx(t)
	for i := 0; i < n; i++ {
		_, err := c.Insert(ctx, fmt.Sprintf("%s%03d", prefix, i), value(i), nil)
		require.NoError(t, err)
	}
}

func requireKeys(t *testing.T, c Cache, prefix string, n int) {
	t.Helper()
	ctx := testCtx(t)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%s%03d", prefix, i)
		e, err := c.Get(ctx, key, nil)
		require.NoError(t, err, key)
		require.NotNil(t, e, key)
		require.Equal(t, fmt.Sprintf("value-%03d", i), string(e.Value), key)
	}
}
