package statetransfer

import (
	"context"
	"errors"
	"fmt"
	"log"

	mapset "github.com/deckarep/golang-set/v2"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/engine"
	"iriscache/membership"
)

// ErrStopped is returned by a replica task that was stopped before it
// finished copying.
var ErrStopped = errors.New("state transfer stopped")

// ReplicaTask copies the coordinator's full data set into a joining replica.
// Writes replicated to this node while the copy runs win over the snapshot:
// Add never overwrites, and keys removed meanwhile are not brought back.
type ReplicaTask struct {
	cluster   Cluster
	cache     engine.InternalCache
	chunkSize int64
	removed   mapset.Set[string]
}

func NewReplicaTask(c Cluster, cache engine.InternalCache, chunkSize int64) *ReplicaTask {
	return &ReplicaTask{cluster: c, cache: cache, chunkSize: chunkSize, removed: mapset.NewSet[string]()}
}

// NoteRemoved records a replicated removal that arrived during the copy.
func (t *ReplicaTask) NoteRemoved(key string) { t.removed.Add(key) }

func (t *ReplicaTask) Run(ctx context.Context) error {
	gw := t.cluster.Gateway()
	source := t.cluster.Coordinator()
	if source == t.cluster.LocalAddress() || source.IsZero() {
		return nil
	}

	total, err := bus.Call[bus.ReplicaKeyListResponse](ctx, gw, source, &bus.ReplicaKeyListRequest{})
	if err != nil {
		return t.stopped(source, err)
	}
	log.Printf("[INFO] statetransfer: copying %d key(s) from %s", total.Total, source)

	oc := engine.NewOperationContext().WithLockOverride()
	copied := 0
	for pos := 0; ; {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrStopped, err)
		}
		if t.cluster.Coordinator() != source {
			return fmt.Errorf("%w: coordinator %s left", ErrStopped, source)
		}
		chunk, err := bus.Call[bus.ReplicaChunkResponse](ctx, gw, source,
			&bus.ReplicaChunkRequest{Position: pos, ChunkSize: t.chunkSize})
		if err != nil {
			return t.stopped(source, err)
		}
		for i := 0; i < chunk.Len(); i++ {
			key, e := chunk.Entry(i)
			if t.removed.Contains(key) {
				continue
			}
			res, err := t.cache.Add(key, e, oc)
			if err != nil {
				return fmt.Errorf("copy %s: %w", key, err)
			}
			if res == engine.AddSuccess {
				copied++
			}
		}
		if chunk.Done {
			break
		}
		pos = chunk.Next
	}

	if _, err := gw.Send(ctx, source, &bus.SignalEndOfStateTxfrRequest{}, 0); err != nil {
		log.Printf("[WARN] statetransfer: end of transfer to %s: %v", source, err)
	}
	t.removed.Clear()
	log.Printf("[SUCCESS] statetransfer: copied %d key(s) from %s", copied, source)
	return nil
}

func (t *ReplicaTask) stopped(source membership.Address, err error) error {
	if errors.Is(err, cacheerr.ErrSuspected) {
		return fmt.Errorf("%w: coordinator %s left", ErrStopped, source)
	}
	return err
}
