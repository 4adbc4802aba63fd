package topology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/config"
	"iriscache/engine"
	"iriscache/membership"
)

// TestReplicatedWritesReachEveryServer checks writes issued on any server
// are applied on all of them.
func TestReplicatedWritesReachEveryServer(t *testing.T) {
	hub := bus.NewHub()
	cfg := testConfig(t, config.TopologyReplicated)
	a := startNode(t, hub, cfg, "a")
	b := startNode(t, hub, cfg, "b")
	require.Eventually(t, func() bool { return len(a.cache.Servers()) == 2 }, 5*time.Second, 10*time.Millisecond)
	ctx := testCtx(t)

	res, err := b.cache.Add(ctx, "k", engine.NewEntry([]byte("v1")), nil)
	require.NoError(t, err)
	assert.Equal(t, engine.AddSuccess, res)
	ires, err := a.cache.Insert(ctx, "k", engine.NewEntry([]byte("v2")), nil)
	require.NoError(t, err)
	assert.Equal(t, engine.InsertOverwritten, ires)

	for _, n := range []*testNode{a, b} {
		e, err := n.store.Get("k")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "v2", string(e.Value))

		count, err := n.cache.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	}

	info, err := b.cache.Lock(ctx, "k", "holder")
	require.NoError(t, err)
	assert.True(t, info.Acquired)
	info, err = a.cache.IsLocked(ctx, "k", "holder")
	require.NoError(t, err)
	assert.True(t, info.Acquired)
	_, err = a.cache.Remove(ctx, "k", nil)
	assert.ErrorIs(t, err, cacheerr.ErrLocking)
	require.NoError(t, a.cache.Unlock(ctx, "k", "holder", false))

	old, err := b.cache.Remove(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(old.Value))
	assert.Zero(t, a.store.Count())
	assert.Zero(t, b.store.Count())
}

// TestReplicatedJoinCopiesData verifies a joining replica receives the full
// data set before it accepts writes.
func TestReplicatedJoinCopiesData(t *testing.T) {
	hub := bus.NewHub()
	cfg := testConfig(t, config.TopologyReplicated)
	a := startNode(t, hub, cfg, "a")
	fillKeys(t, a.cache, "key-", 120)

	b := startNode(t, hub, cfg, "b")
	require.NoError(t, b.replicated().waitReady(testCtx(t)))
	assert.EqualValues(t, 120, b.store.Count())
	requireKeys(t, b.cache, "key-", 120)
	require.Eventually(t, func() bool { return a.replicated().arena.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, b.replicated().svc.JoinsAllowed, 5*time.Second, 10*time.Millisecond)

	ctx := testCtx(t)
	_, err := b.cache.Insert(ctx, "late", engine.NewEntry([]byte("v")), nil)
	require.NoError(t, err)
	found, err := a.cache.Contains(ctx, "late", nil)
	require.NoError(t, err)
	assert.True(t, found)

	keys, err := b.cache.Search(ctx, "key-00*")
	require.NoError(t, err)
	assert.Len(t, keys, 10)
}

// TestReplicatedRollback expects a write that a replica refuses to be undone
// on the coordinator.
func TestReplicatedRollback(t *testing.T) {
	hub := bus.NewHub()
	cfg := testConfig(t, config.TopologyReplicated)
	a := startNode(t, hub, cfg, "a")
	b := startNode(t, hub, cfg, "b")
	require.NoError(t, b.replicated().waitReady(testCtx(t)))
	ctx := testCtx(t)

	require.NoError(t, b.store.Close())
	_, err := a.cache.Add(ctx, "doomed", engine.NewEntry([]byte("v")), nil)
	assert.ErrorIs(t, err, cacheerr.ErrGeneralFailure)

	found, err := a.store.Contains("doomed")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestReplicatedCoordinatorFailover checks a replica takes over writes when
// the coordinator crashes.
func TestReplicatedCoordinatorFailover(t *testing.T) {
	hub := bus.NewHub()
	cfg := testConfig(t, config.TopologyReplicated)
	a := startNode(t, hub, cfg, "a")
	b := startNode(t, hub, cfg, "b")
	require.NoError(t, b.replicated().waitReady(testCtx(t)))
	fillKeys(t, b.cache, "key-", 20)

	hub.Kill(a.addr)
	require.Eventually(t, func() bool {
		return b.replicated().svc.IsCoordinator()
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, membership.StatusCoordinator, b.cache.Status())

	requireKeys(t, b.cache, "key-", 20)
	_, err := b.cache.Insert(testCtx(t), "after", engine.NewEntry([]byte("v")), nil)
	require.NoError(t, err)
}

// TestReplicatedRefusesPartitionOps verifies bucket operations are rejected.
func TestReplicatedRefusesPartitionOps(t *testing.T) {
	hub := bus.NewHub()
	a := startNode(t, hub, testConfig(t, config.TopologyReplicated), "a")
	ctx := testCtx(t)

	_, err := a.cache.Balance(ctx)
	assert.ErrorIs(t, err, cacheerr.ErrOperationNotSupported)

	r := a.replicated()
	_, err = bus.Call[bus.LockBucketsResponse](ctx, r.gw, a.addr, &bus.LockBucketsRequest{Buckets: []int{1}})
	assert.ErrorIs(t, err, cacheerr.ErrOperationNotSupported)
	_, err = bus.Call[bus.MapResponse](ctx, r.gw, a.addr, &bus.GetDistributionMapsRequest{})
	assert.ErrorIs(t, err, cacheerr.ErrOperationNotSupported)
}

// TestReplicatedReaderIsLocal checks readers and enumeration walk only the
// local copy.
func TestReplicatedReaderIsLocal(t *testing.T) {
	hub := bus.NewHub()
	cfg := testConfig(t, config.TopologyReplicated)
	a := startNode(t, hub, cfg, "a")
	b := startNode(t, hub, cfg, "b")
	require.NoError(t, b.replicated().waitReady(testCtx(t)))
	fillKeys(t, a.cache, "key-", 25)
	ctx := testCtx(t)

	rd, err := b.cache.OpenReader(ctx, "key-*", 10)
	require.NoError(t, err)
	total := 0
	for {
		chunk, done, err := rd.Next(ctx)
		require.NoError(t, err)
		total += len(chunk)
		if done {
			break
		}
	}
	assert.Equal(t, 25, total)

	seen := 0
	require.NoError(t, b.cache.Enumerate(ctx, 8, func(string, *engine.Entry) bool {
		seen++
		return true
	}))
	assert.Equal(t, 25, seen)
}

// TestReplicatedWritesWaitForCopy checks a replica that has not finished its
// initial copy holds writes back instead of applying them.
func TestReplicatedWritesWaitForCopy(t *testing.T) {
	hub := bus.NewHub()
	cfg := testConfig(t, config.TopologyReplicated)
	addr := membership.Address{Host: "pending", Port: 7946, Generation: generation.Inc(), ID: "pending"}
	c, err := New(cfg, hub.NewChannel(addr, IdentityOf(cfg)), engine.NewMemoryCache(cfg.BucketCount))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Insert(ctx, "k", engine.NewEntry([]byte("v")), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.Status().IsRunning())
}

// TestReplicatedJoinerRunsOnlyWithFullCopy pauses a joining replica partway
// through its initial copy. It must stay out of Running and hold writes back
// until every key has arrived.
func TestReplicatedJoinerRunsOnlyWithFullCopy(t *testing.T) {
	hub := bus.NewHub()
	cfg := testConfig(t, config.TopologyReplicated)
	cfg.OpTimeout = 5 * time.Second
	a := startNode(t, hub, cfg, "a")
	fillKeys(t, a.cache, "key-", 1000)

	chunks := 0
	release := hub.Hold(func(to membership.Address, op bus.Opcode) bool {
		if to != a.addr || op != bus.OpReplicaChunk {
			return false
		}
		chunks++
		return chunks > 1
	})
	t.Cleanup(release)

	addr := membership.Address{Host: "b", Port: 7946, Generation: generation.Inc(), ID: "b"}
	store := engine.NewMemoryCache(cfg.BucketCount)
	b, err := New(cfg, hub.NewChannel(addr, IdentityOf(cfg)), store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := testCtx(t)
	require.NoError(t, b.Start(ctx))

	var partial int64
	require.Eventually(t, func() bool {
		n := store.Count()
		stable := n > 0 && n == partial
		partial = n
		return stable
	}, 5*time.Second, 50*time.Millisecond)
	assert.Less(t, partial, int64(1000))
	assert.False(t, b.Status().IsRunning())

	inserted := make(chan error, 1)
	go func() {
		_, err := b.Insert(ctx, "late", engine.NewEntry([]byte("v")), nil)
		inserted <- err
	}()
	assert.Never(t, func() bool { return len(inserted) > 0 }, 300*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, partial, store.Count())
	assert.False(t, b.Status().IsRunning())

	release()
	require.NoError(t, b.WaitUntilRunning(ctx))
	assert.GreaterOrEqual(t, store.Count(), int64(1000))
	requireKeys(t, b, "key-", 1000)

	select {
	case err := <-inserted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write still held after the copy completed")
	}
	assert.EqualValues(t, 1001, store.Count())
	assert.EqualValues(t, 1001, a.store.Count())
}
