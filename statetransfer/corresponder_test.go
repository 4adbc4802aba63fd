package statetransfer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/distributor"
	"iriscache/engine"
	"iriscache/membership"
)

var requester = membership.Address{Host: "10.0.0.2", Port: 7946, Generation: 2, ID: "r"}

func fill(t *testing.T, c engine.InternalCache, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.Insert(fmt.Sprintf("key-%02d", i), engine.NewEntry([]byte("0123456789")), nil)
		require.NoError(t, err)
	}
}

// guardedInsert writes through the operation log like a serving node does.
func guardedInsert(oplog *distributor.OperationLog, c engine.InternalCache, key, val string) error {
	return oplog.Guard(0, key, false, func() error {
		_, err := c.Insert(key, engine.NewEntry([]byte(val)), nil)
		return err
	})
}

// TestBucketTransferChunksThenLog verifies items arrive in bounded chunks followed by the logged delta.
func TestBucketTransferChunksThenLog(t *testing.T) {
	cache := engine.NewMemoryCache(1)
	fill(t, cache, 10)
	oplog := distributor.NewOperationLog()
	arena := NewArena(cache, oplog, 25)
	c := arena.Get(requester)

	seen := map[string]bool{}
	id := 0
	var resp *bus.TransferBucketResponse
	for {
		var err error
		resp, err = c.TransferBucket(0, id)
		require.NoError(t, err)
		if resp.DataType == bus.LoggedOperations {
			break
		}
		assert.LessOrEqual(t, resp.Len(), 3)
		for i := 0; i < resp.Len(); i++ {
			k, _ := resp.Entry(i)
			seen[k] = true
		}
		if id == 0 {
			require.NoError(t, guardedInsert(oplog, cache, "key-00", "changed"))
			require.NoError(t, guardedInsert(oplog, cache, "late", "new"))
			require.NoError(t, oplog.Guard(0, "key-09", true, func() error {
				_, err := cache.Remove("key-09", nil)
				return err
			}))
		}
		id++
	}

	assert.Len(t, seen, 9, "key-09 was removed before its chunk")
	assert.True(t, resp.Complete)
	assert.Equal(t, []string{"key-09"}, resp.Removed)
	delta := resp.Map()
	require.Len(t, delta, 2)
	assert.Equal(t, []byte("changed"), delta["key-00"].Value)
	assert.Equal(t, []byte("new"), delta["late"].Value)

	again, err := c.TransferBucket(0, id)
	require.NoError(t, err)
	assert.Same(t, resp, again, "asking for the same chunk resends it")
	_, err = c.TransferBucket(0, id+5)
	assert.ErrorIs(t, err, cacheerr.ErrGeneralFailure)

	assert.ErrorIs(t, guardedInsert(oplog, cache, "key-01", "too late"), cacheerr.ErrStateTransfer)

	require.NoError(t, c.Ack([]int{0}))
	assert.Zero(t, cache.Count())
	assert.False(t, oplog.IsOperationAllowed(0))
}

// TestDisposeStopsLogging checks an abandoned session no longer logs writes.
func TestDisposeStopsLogging(t *testing.T) {
	cache := engine.NewMemoryCache(1)
	fill(t, cache, 4)
	oplog := distributor.NewOperationLog()
	arena := NewArena(cache, oplog, 1<<20)

	_, err := arena.Get(requester).TransferBucket(0, 0)
	require.NoError(t, err)
	assert.True(t, oplog.IsLogging(0))
	assert.Equal(t, 1, arena.Len())

	arena.Dispose(requester)
	assert.False(t, oplog.IsLogging(0))
	assert.True(t, oplog.IsOperationAllowed(0))
	assert.Zero(t, arena.Len())

	restarted := requester
	restarted.Generation++
	_, ok := arena.Lookup(restarted)
	assert.False(t, ok)
	assert.NotEqual(t, SessionOf(requester), SessionOf(restarted))
}

// TestReplicaChunks verifies the replica snapshot is paged and skips removed keys.
func TestReplicaChunks(t *testing.T) {
	cache := engine.NewMemoryCache(8)
	fill(t, cache, 7)
	c := NewArena(cache, distributor.NewOperationLog(), 1<<20).Get(requester)

	total, err := c.ReplicaKeyList()
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	_, err = cache.Remove("key-03", nil)
	require.NoError(t, err)

	got := map[string]bool{}
	for pos := 0; ; {
		chunk, err := c.ReplicaChunk(pos, 20)
		require.NoError(t, err)
		for i := 0; i < chunk.Len(); i++ {
			k, _ := chunk.Entry(i)
			got[k] = true
		}
		if chunk.Done {
			break
		}
		assert.Greater(t, chunk.Next, pos)
		pos = chunk.Next
	}
	assert.Len(t, got, 6)
	assert.False(t, got["key-03"])

	_, err = c.ReplicaChunk(100, 20)
	assert.Error(t, err)
}
