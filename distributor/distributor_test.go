package distributor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iriscache/cacheerr"
	"iriscache/engine"
	"iriscache/membership"
)

func addr(i int) membership.Address {
	return membership.Address{Host: "10.0.0.1", Port: 7000 + i, Generation: int64(i), ID: string(rune('a' + i))}
}

// settle releases every planned move as if each requester finished its transfer.
func settle(t *testing.T, m *Manager) {
	t.Helper()
	for owner, ids := range m.Map().OwnershipMap() {
		_, _, err := m.LockBuckets(ids, owner)
		require.NoError(t, err)
		_, err = m.ReleaseBuckets(ids, owner)
		require.NoError(t, err)
	}
	require.False(t, m.InStateTransfer())
}

func counts(dm *DistributionMap) map[membership.Address]int {
	out := map[membership.Address]int{}
	for _, b := range dm.Buckets {
		out[b.PermanentAddress]++
	}
	return out
}

// TestBootstrapMap verifies a lone node receives every bucket.
func TestBootstrapMap(t *testing.T) {
	m := NewManager(100, 60)
	assert.True(t, m.SelectNode("k").IsZero())

	dm, res, err := m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(1), Members: []membership.Address{addr(1)}, ViewID: 1})
	require.NoError(t, err)
	assert.Equal(t, BalanceDone, res)
	require.NoError(t, dm.CheckPartition(100, []membership.Address{addr(1)}))
	assert.Equal(t, addr(1), m.SelectNode("anything"))
	assert.False(t, dm.InStateTransfer())
	assert.Empty(t, dm.Mirrors)
}

// TestJoinAndLeavePreservePartition verifies the bucket partition invariant across joins and leaves.
func TestJoinAndLeavePreservePartition(t *testing.T) {
	const n = 1000
	m := NewManager(n, 60)
	members := []membership.Address{addr(1)}
	_, _, err := m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(1), Members: members, ViewID: 1})
	require.NoError(t, err)

	for i := 2; i <= 3; i++ {
		members = append(members, addr(i))
		dm, _, err := m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(i), Members: members, ViewID: uint64(i)})
		require.NoError(t, err)
		require.NoError(t, dm.CheckPartition(n, members))

		pulls := m.BucketsForTransfer(addr(i))
		total := 0
		for _, ids := range pulls {
			total += len(ids)
		}
		assert.InDelta(t, n/len(members), total, 2)
		settle(t, m)
	}

	for a, c := range counts(m.Map()) {
		assert.InDelta(t, n/3, c, 2, "bucket count of %s", a)
	}
	assert.Len(t, m.Map().Mirrors, 3)

	survivors := []membership.Address{addr(1), addr(3)}
	dm, _, err := m.GetMaps(DistributionInfo{Type: NodeLeave, Affected: addr(2), Members: survivors, ViewID: 4})
	require.NoError(t, err)
	require.NoError(t, dm.CheckPartition(n, survivors))
	assert.False(t, dm.InStateTransfer())
	for _, c := range counts(dm) {
		assert.InDelta(t, n/2, c, 2)
	}
}

// TestLeaveDuringTransferRevertsMove verifies a departed requester's moves are cancelled.
func TestLeaveDuringTransferRevertsMove(t *testing.T) {
	m := NewManager(10, 60)
	_, _, err := m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(1), Members: []membership.Address{addr(1)}, ViewID: 1})
	require.NoError(t, err)
	_, _, err = m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(2), Members: []membership.Address{addr(1), addr(2)}, ViewID: 2})
	require.NoError(t, err)
	require.True(t, m.InStateTransfer())

	dm, _, err := m.GetMaps(DistributionInfo{Type: NodeLeave, Affected: addr(2), Members: []membership.Address{addr(1)}, ViewID: 3})
	require.NoError(t, err)
	assert.False(t, dm.InStateTransfer())
	assert.Equal(t, 10, counts(dm)[addr(1)])
}

// TestLockAndReleaseAreCompareAndSet verifies only the planned requester can lock and release.
func TestLockAndReleaseAreCompareAndSet(t *testing.T) {
	m := NewManager(10, 60)
	_, _, err := m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(1), Members: []membership.Address{addr(1)}, ViewID: 1})
	require.NoError(t, err)
	_, _, err = m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(2), Members: []membership.Address{addr(1), addr(2)}, ViewID: 2})
	require.NoError(t, err)

	ids := m.BucketsForTransfer(addr(2))[addr(1)]
	require.Len(t, ids, 5)

	res, _, err := m.LockBuckets(ids, addr(3))
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, OwnerChanged, res[id])
	}

	before := m.Map().Version
	res, dm, err := m.LockBuckets(ids, addr(2))
	require.NoError(t, err)
	assert.Greater(t, dm.Version, before)
	for _, id := range ids {
		assert.Equal(t, LockAcquired, res[id])
		b, _ := m.Bucket(id)
		assert.Equal(t, UnderStateTransfer, b.Status)
		assert.Equal(t, addr(1), b.PermanentAddress, "routing stays on the holder until release")
	}

	_, err = m.ReleaseBuckets(ids, addr(3))
	require.NoError(t, err)
	assert.True(t, m.VerifyPermanentOwnership(ids[0], addr(1)))

	_, err = m.ReleaseBuckets(ids, addr(2))
	require.NoError(t, err)
	assert.True(t, m.VerifyPermanentOwnership(ids[0], addr(2)))
	assert.True(t, m.VerifyTemporaryOwnership(ids[0], addr(2)))
	assert.False(t, m.InStateTransfer())
	assert.Len(t, m.LocalBuckets(addr(2)), 5)
}

// TestInstallMapIsMonotonic verifies older maps are ignored.
func TestInstallMapIsMonotonic(t *testing.T) {
	m := NewManager(4, 60)
	newer := &DistributionMap{Version: mapVersion(2, 1), ViewID: 2, Buckets: make([]HashMapBucket, 4)}
	older := &DistributionMap{Version: mapVersion(1, 9), ViewID: 1, Buckets: make([]HashMapBucket, 4)}
	assert.True(t, m.InstallMap(newer))
	assert.False(t, m.InstallMap(older))
	assert.False(t, m.InstallMap(newer))
	assert.Same(t, newer, m.Map())
}

// TestAnnounceAndWait verifies the announce overlay blocks Wait until the next map arrives.
func TestAnnounceAndWait(t *testing.T) {
	m := NewManager(1, 60)
	_, _, err := m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(1), Members: []membership.Address{addr(1)}, ViewID: 1})
	require.NoError(t, err)
	_, _, err = m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(2), Members: []membership.Address{addr(1), addr(2)}, ViewID: 2})
	require.NoError(t, err)

	assert.Equal(t, map[membership.Address][]int{addr(1): {0}}, m.BucketsForTransfer(addr(2)))
	require.NoError(t, m.Wait(context.Background(), "k"), "need-transfer buckets stay routable")

	m.AnnounceStateTransfer([]int{0}, addr(2))
	b, _ := m.Bucket(0)
	require.Equal(t, UnderStateTransfer, b.Status)

	done := make(chan error, 1)
	go func() { done <- m.Wait(context.Background(), "k") }()
	select {
	case <-done:
		t.Fatal("wait returned while the bucket is under state transfer")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = m.ReleaseBuckets([]int{0}, addr(2))
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after the map changed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.AnnounceStateTransfer([]int{0}, addr(2))
	assert.NoError(t, m.Wait(ctx, "k"), "functional bucket never blocks")
}

// TestDecommissionMovesEverything verifies a leaving node hands every bucket to survivors.
func TestDecommissionMovesEverything(t *testing.T) {
	m := NewManager(30, 60)
	members := []membership.Address{addr(1), addr(2), addr(3)}
	_, _, err := m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(1), Members: members[:1], ViewID: 1})
	require.NoError(t, err)
	for i := 2; i <= 3; i++ {
		_, _, err = m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(i), Members: members[:i], ViewID: uint64(i)})
		require.NoError(t, err)
		settle(t, m)
	}

	_, _, err = m.GetMaps(DistributionInfo{Type: Decommission, Affected: addr(2), Members: members, ViewID: 3})
	require.NoError(t, err)
	assert.Empty(t, m.BucketsForTransfer(addr(2)))
	moving := len(m.BucketsForTransfer(addr(1))[addr(2)]) + len(m.BucketsForTransfer(addr(3))[addr(2)])
	assert.Equal(t, 10, moving)

	settle(t, m)
	assert.Empty(t, m.LocalBuckets(addr(2)))
	require.NoError(t, m.Map().CheckPartition(30, []membership.Address{addr(1), addr(3)}))

	_, _, err = m.GetMaps(DistributionInfo{Type: Decommission, Affected: addr(1), Members: members[:1], ViewID: 4})
	assert.Error(t, err)
}

// TestBalanceNodes verifies balancing outcomes and weight movement.
func TestBalanceNodes(t *testing.T) {
	m := NewManager(10, 20)
	members := []membership.Address{addr(1), addr(2)}
	_, _, err := m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(1), Members: members[:1], ViewID: 1})
	require.NoError(t, err)
	_, res, err := m.GetMaps(DistributionInfo{Type: ManualBalance, Affected: addr(1), Members: members[:1], ViewID: 1})
	require.NoError(t, err)
	assert.Equal(t, NotRequired, res)

	_, _, err = m.GetMaps(DistributionInfo{Type: NodeJoin, Affected: addr(2), Members: members, ViewID: 2})
	require.NoError(t, err)
	_, res, err = m.GetMaps(DistributionInfo{Type: ManualBalance, Affected: addr(1), Members: members, ViewID: 2})
	require.NoError(t, err)
	assert.Equal(t, AlreadyInBalancing, res)
	settle(t, m)

	heavy := engine.Statistics{Buckets: map[int]engine.BucketStats{}}
	for _, id := range m.LocalBuckets(addr(1)) {
		heavy.Buckets[id] = engine.BucketStats{Count: 10, DataSize: 1000}
		heavy.DataSize += 1000
	}
	light := engine.Statistics{Buckets: map[int]engine.BucketStats{}}
	for _, id := range m.LocalBuckets(addr(2)) {
		light.Buckets[id] = engine.BucketStats{Count: 1, DataSize: 100}
		light.DataSize += 100
	}
	m.UpdateNodeStats(addr(1), heavy)
	m.UpdateNodeStats(addr(2), light)

	cands := m.CandidateNodesForBalance(members)
	require.Len(t, cands, 1)
	assert.Equal(t, addr(1), cands[0].Address)

	_, res, err = m.GetMaps(DistributionInfo{Type: ManualBalance, Affected: addr(2), Members: members, ViewID: 2})
	require.NoError(t, err)
	assert.Equal(t, NotRequired, res)

	_, res, err = m.GetMaps(DistributionInfo{Type: AutoBalance, Affected: addr(1), Members: members, ViewID: 2})
	require.NoError(t, err)
	assert.Equal(t, BalanceDone, res)
	// 5500 total, average 2750, node 1 holds 5000: two 1000 buckets move
	assert.Len(t, m.BucketsForTransfer(addr(2))[addr(1)], 2)
}

// TestOperationLog verifies logging, drain order and the handoff gate.
func TestOperationLog(t *testing.T) {
	l := NewOperationLog()
	l.Record(3, "ignored", false)
	assert.Empty(t, l.Drain(3))

	l.StartLogging(3)
	l.Record(3, "a", false)
	l.Record(3, "b", false)
	l.Record(3, "a", true)
	assert.Equal(t, []LoggedOp{{Key: "a", Removed: true}, {Key: "b"}}, l.Drain(3))
	assert.Empty(t, l.Drain(3))
	assert.True(t, l.IsLogging(3))

	assert.True(t, l.IsOperationAllowed(3))
	l.MarkTransferred(3)
	assert.False(t, l.IsLogging(3))
	assert.False(t, l.IsOperationAllowed(3))
	l.Reclaim(3)
	assert.True(t, l.IsOperationAllowed(3))
}

// TestGuardAndFinish checks guarded writes are logged until hand-off and refused after it.
func TestGuardAndFinish(t *testing.T) {
	l := NewOperationLog()
	applied := 0
	write := func() error { applied++; return nil }

	require.NoError(t, l.Guard(5, "x", false, write))
	l.StartLogging(5)
	require.NoError(t, l.Guard(5, "y", false, write))
	require.NoError(t, l.Guard(5, "z", true, write))

	assert.Equal(t, []LoggedOp{{Key: "y"}, {Key: "z", Removed: true}}, l.Finish(5))
	assert.ErrorIs(t, l.Guard(5, "y", false, write), cacheerr.ErrStateTransfer)
	assert.Equal(t, 3, applied)
	assert.False(t, l.IsOperationAllowed(5))
}
