package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"

	"go.uber.org/atomic"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/cluster"
	"iriscache/config"
	"iriscache/distributor"
	"iriscache/engine"
	"iriscache/membership"
	"iriscache/statetransfer"
)

// Replicated keeps a full copy of the data on every server. Reads are served
// locally; writes are ordered by the coordinator and applied everywhere.
type Replicated struct {
	*base
	arena   *statetransfer.Arena
	latch   *membership.Latch[membership.TransferState]
	replica atomic.Pointer[statetransfer.ReplicaTask]
	joined  *atomic.Bool

	// writeMu orders writes on the coordinator so every replica applies
	// them in the same order.
	writeMu sync.Mutex
}

func NewReplicated(cfg *config.Config, ch bus.GroupChannel, store engine.InternalCache) (*Replicated, error) {
	b, err := newBase(cfg, ch, store)
	if err != nil {
		return nil, err
	}
	return &Replicated{
		base:   b,
		arena:  statetransfer.NewArena(store, distributor.NewOperationLog(), cfg.StateTransfer.ChunkSize),
		latch:  membership.NewLatch(membership.UnderStateTransfer),
		joined: atomic.NewBool(false),
	}, nil
}

func (r *Replicated) Start(ctx context.Context) error { return r.start(ctx, r) }
func (r *Replicated) Close() error                    { return r.shutdown() }
func (r *Replicated) Leave(ctx context.Context) error { return r.svc.Leave(ctx) }

// waitReady blocks a mutation until the initial copy has finished.
func (r *Replicated) waitReady(ctx context.Context) error {
	return r.latch.WaitFor(ctx, func(s membership.TransferState) bool {
		return s == membership.StateTransferCompleted
	})
}

func toCoordinator[T any](ctx context.Context, r *Replicated, req bus.Request, opts ...bus.CallOption) (T, error) {
	return route(ctx, nil, "", routeState{}, r.svc.Coordinator, func(dest membership.Address) (T, error) {
		return bus.Call[T](ctx, r.gw, dest, req, opts...)
	})
}

func sequenced(oc *engine.OperationContext) *engine.OperationContext {
	return oc.WithSequenced().WithLockOverride()
}

func (r *Replicated) Get(ctx context.Context, key string, oc *engine.OperationContext) (*engine.Entry, error) {
	return r.cache.Get(key)
}

func (r *Replicated) GetBulk(ctx context.Context, keys []string, oc *engine.OperationContext) (map[string]*engine.Entry, KeyErrors) {
	out, err := r.cache.GetBulk(keys)
	if err != nil {
		failed := KeyErrors{}
		for _, key := range keys {
			failed.set(key, cacheerr.GeneralFailure(err))
		}
		return nil, failed
	}
	return out, KeyErrors{}
}

func (r *Replicated) Contains(ctx context.Context, key string, oc *engine.OperationContext) (bool, error) {
	return r.cache.Contains(key)
}

func (r *Replicated) ContainsBulk(ctx context.Context, keys []string, oc *engine.OperationContext) (map[string]bool, KeyErrors) {
	out := make(map[string]bool, len(keys))
	failed := KeyErrors{}
	for _, key := range keys {
		found, err := r.cache.Contains(key)
		if err != nil {
			failed.set(key, cacheerr.GeneralFailure(err))
			continue
		}
		out[key] = found
	}
	return out, failed
}

func (r *Replicated) Count(ctx context.Context) (int64, error) { return r.cache.Count(), nil }

func (r *Replicated) IsLocked(ctx context.Context, key, lockID string) (engine.LockInfo, error) {
	return r.cache.IsLocked(key, lockID)
}

func (r *Replicated) Add(ctx context.Context, key string, e *engine.Entry, oc *engine.OperationContext) (engine.AddResult, error) {
	if err := r.waitReady(ctx); err != nil {
		return engine.AddKeyExists, err
	}
	resp, err := toCoordinator[bus.AddResponse](ctx, r, &bus.AddRequest{EntrySet: single(key, e), Ctx: oc}, bus.WithSyncKey(key))
	if err == nil {
		err = resp.KeyErrors.Get(key)
	}
	if err != nil {
		return engine.AddKeyExists, err
	}
	return resp.Results[key], nil
}

func (r *Replicated) Insert(ctx context.Context, key string, e *engine.Entry, oc *engine.OperationContext) (engine.InsertResult, error) {
	if err := r.waitReady(ctx); err != nil {
		return engine.InsertAdded, err
	}
	resp, err := toCoordinator[bus.InsertResponse](ctx, r, &bus.InsertRequest{EntrySet: single(key, e), Ctx: oc}, bus.WithSyncKey(key))
	if err == nil {
		err = resp.KeyErrors.Get(key)
	}
	if err != nil {
		return engine.InsertAdded, err
	}
	return resp.Results[key], nil
}

func (r *Replicated) Remove(ctx context.Context, key string, oc *engine.OperationContext) (*engine.Entry, error) {
	if err := r.waitReady(ctx); err != nil {
		return nil, err
	}
	resp, err := toCoordinator[bus.RemoveResponse](ctx, r, &bus.RemoveRequest{Keys: []string{key}, Ctx: oc}, bus.WithSyncKey(key))
	if err == nil {
		err = resp.KeyErrors.Get(key)
	}
	if err != nil {
		return nil, err
	}
	return resp.Map()[key], nil
}

// bulkFailed marks every key as failed with err.
func bulkFailed(keys []string, err error) KeyErrors {
	failed := make(KeyErrors, len(keys))
	for _, key := range keys {
		failed.set(key, err)
	}
	return failed
}

func (r *Replicated) AddBulk(ctx context.Context, entries map[string]*engine.Entry, oc *engine.OperationContext) (map[string]engine.AddResult, KeyErrors) {
	keys := slices.Sorted(maps.Keys(entries))
	if err := r.waitReady(ctx); err != nil {
		return nil, bulkFailed(keys, err)
	}
	resp, err := toCoordinator[bus.AddResponse](ctx, r, &bus.AddRequest{EntrySet: entrySetOf(entries, keys), Ctx: oc})
	if err != nil {
		return nil, bulkFailed(keys, err)
	}
	return resp.Results, keyErrorsOf(resp.KeyErrors)
}

func (r *Replicated) InsertBulk(ctx context.Context, entries map[string]*engine.Entry, oc *engine.OperationContext) (map[string]engine.InsertResult, KeyErrors) {
	keys := slices.Sorted(maps.Keys(entries))
	if err := r.waitReady(ctx); err != nil {
		return nil, bulkFailed(keys, err)
	}
	resp, err := toCoordinator[bus.InsertResponse](ctx, r, &bus.InsertRequest{EntrySet: entrySetOf(entries, keys), Ctx: oc})
	if err != nil {
		return nil, bulkFailed(keys, err)
	}
	return resp.Results, keyErrorsOf(resp.KeyErrors)
}

func (r *Replicated) RemoveBulk(ctx context.Context, keys []string, oc *engine.OperationContext) (map[string]*engine.Entry, KeyErrors) {
	if err := r.waitReady(ctx); err != nil {
		return nil, bulkFailed(keys, err)
	}
	resp, err := toCoordinator[bus.RemoveResponse](ctx, r, &bus.RemoveRequest{Keys: keys, Ctx: oc})
	if err != nil {
		return nil, bulkFailed(keys, err)
	}
	return resp.Map(), keyErrorsOf(resp.KeyErrors)
}

func (r *Replicated) Clear(ctx context.Context, oc *engine.OperationContext) error {
	if err := r.waitReady(ctx); err != nil {
		return err
	}
	_, err := toCoordinator[bus.Ack](ctx, r, &bus.ClearRequest{Ctx: oc})
	return err
}

func (r *Replicated) Lock(ctx context.Context, key, lockID string) (engine.LockInfo, error) {
	if err := r.waitReady(ctx); err != nil {
		return engine.LockInfo{}, err
	}
	resp, err := toCoordinator[bus.LockResponse](ctx, r, &bus.LockKeyRequest{Key: key, LockID: lockID}, bus.WithSyncKey(key))
	return resp.Info, err
}

func (r *Replicated) Unlock(ctx context.Context, key, lockID string, force bool) error {
	if err := r.waitReady(ctx); err != nil {
		return err
	}
	_, err := toCoordinator[bus.Ack](ctx, r, &bus.UnLockKeyRequest{Key: key, LockID: lockID, Force: force}, bus.WithSyncKey(key))
	return err
}

func (r *Replicated) Search(ctx context.Context, pattern string) ([]string, error) {
	if err := r.waitReady(ctx); err != nil {
		return nil, err
	}
	keys, err := r.cache.Search(pattern)
	if err != nil {
		return nil, cacheerr.GeneralFailure(err)
	}
	slices.Sort(keys)
	return keys, nil
}

func (r *Replicated) SearchEntries(ctx context.Context, pattern string) (map[string]*engine.Entry, error) {
	if err := r.waitReady(ctx); err != nil {
		return nil, err
	}
	out, err := r.cache.SearchEntries(pattern)
	if err != nil {
		return nil, cacheerr.GeneralFailure(err)
	}
	return out, nil
}

func (r *Replicated) OpenReader(ctx context.Context, pattern string, chunkSize int) (*Reader, error) {
	return openReader(ctx, r.gw, []membership.Address{r.local}, pattern, chunkSize, r.svc.ViewID())
}

func (r *Replicated) Enumerate(ctx context.Context, chunkSize int, fn func(key string, e *engine.Entry) bool) error {
	return r.enumerate(ctx, []membership.Address{r.local}, chunkSize, fn)
}

func (r *Replicated) Balance(ctx context.Context) (distributor.BalanceResult, error) {
	return distributor.NotRequired, fmt.Errorf("balance: %w", cacheerr.ErrOperationNotSupported)
}

// replicate applies req on every other server and returns, per key, the
// failures of replicas that are still members.
func replicate[T any](ctx context.Context, r *Replicated, req bus.Request, keys []string, keyErrs func(T) bus.KeyErrors) map[string]error {
	failed := map[string]error{}
	rs, err := r.gw.Multicast(ctx, r.svc.Servers(), req, bus.GetAll, 0, bus.ExcludeSelf())
	if err != nil {
		for _, key := range keys {
			failed[key] = err
		}
		return failed
	}
	for _, resp := range rs {
		v, err := bus.Decode[T](resp)
		if errors.Is(err, cacheerr.ErrSuspected) {
			continue
		}
		if err != nil {
			log.Printf("[WARN] topology: replica %s refused %s: %v", resp.From, req.Opcode(), err)
			for _, key := range keys {
				failed[key] = err
			}
			continue
		}
		if keyErrs == nil {
			continue
		}
		kerrs := keyErrs(v)
		for _, key := range keys {
			if err := kerrs.Get(key); err != nil && !errors.Is(err, cacheerr.ErrSuspected) {
				failed[key] = err
			}
		}
	}
	return failed
}

// rollback undoes writes that did not reach every replica.
func (r *Replicated) rollback(ctx context.Context, failed map[string]error, kerrs *bus.KeyErrors) {
	if len(failed) == 0 {
		return
	}
	keys := slices.Sorted(maps.Keys(failed))
	oc := engine.NewOperationContext().WithLockOverride()
	for _, key := range keys {
		if _, err := r.cache.Remove(key, oc); err != nil {
			log.Printf("[ERROR] topology: rolling back %s: %v", key, err)
		}
		kerrs.Set(key, &cacheerr.GeneralFailureError{Msg: "not applied on every replica: " + failed[key].Error()})
	}
	replicate[bus.RemoveResponse](ctx, r, &bus.RemoveRequest{Keys: keys, Ctx: sequenced(oc)}, nil, nil)
	log.Printf("[WARN] topology: rolled back %d key(s) not applied on every replica", len(keys))
}

func (r *Replicated) requireCoordinator() error {
	if !r.svc.IsCoordinator() {
		return fmt.Errorf("%s: %w", r.local, cacheerr.ErrNotCoordinator)
	}
	return nil
}

func (r *Replicated) OnAdd(ctx context.Context, in bus.Inbound, req *bus.AddRequest) (bus.AddResponse, error) {
	resp := bus.AddResponse{Results: make(map[string]engine.AddResult, req.Len())}
	seq := req.Ctx.Sequenced()
	if !seq {
		if err := r.requireCoordinator(); err != nil {
			return resp, err
		}
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
	}

	var added bus.EntrySet
	for i := 0; i < req.Len(); i++ {
		key, e := req.Entry(i)
		res, err := r.cache.Add(key, e, req.Ctx)
		if err != nil {
			resp.KeyErrors.Set(key, err)
			continue
		}
		resp.Results[key] = res
		if res == engine.AddSuccess {
			added.Append(key, e)
		}
	}
	if seq || added.Len() == 0 {
		return resp, nil
	}

	keys := slices.Collect(maps.Keys(added.Map()))
	failed := replicate(ctx, r, &bus.AddRequest{EntrySet: added, Ctx: sequenced(req.Ctx)}, keys,
		func(v bus.AddResponse) bus.KeyErrors { return v.KeyErrors })
	// an add is all or nothing: one refusal undoes every key of the request
	if len(failed) > 0 {
		var cause error
		for _, err := range failed {
			cause = err
			break
		}
		for _, key := range keys {
			if _, ok := failed[key]; !ok {
				failed[key] = cause
			}
		}
	}
	r.rollback(ctx, failed, &resp.KeyErrors)
	for key := range failed {
		delete(resp.Results, key)
	}
	return resp, nil
}

func (r *Replicated) OnInsert(ctx context.Context, in bus.Inbound, req *bus.InsertRequest) (bus.InsertResponse, error) {
	resp := bus.InsertResponse{Results: make(map[string]engine.InsertResult, req.Len())}
	seq := req.Ctx.Sequenced()
	if !seq {
		if err := r.requireCoordinator(); err != nil {
			return resp, err
		}
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
	}

	var stored bus.EntrySet
	for i := 0; i < req.Len(); i++ {
		key, e := req.Entry(i)
		res, err := r.cache.Insert(key, e, req.Ctx)
		if err != nil {
			resp.KeyErrors.Set(key, err)
			continue
		}
		resp.Results[key] = res
		stored.Append(key, e)
	}
	if seq || stored.Len() == 0 {
		return resp, nil
	}

	keys := slices.Collect(maps.Keys(stored.Map()))
	failed := replicate(ctx, r, &bus.InsertRequest{EntrySet: stored, Ctx: sequenced(req.Ctx)}, keys,
		func(v bus.InsertResponse) bus.KeyErrors { return v.KeyErrors })
	r.rollback(ctx, failed, &resp.KeyErrors)
	for key := range failed {
		delete(resp.Results, key)
	}
	return resp, nil
}

func (r *Replicated) OnRemove(ctx context.Context, in bus.Inbound, req *bus.RemoveRequest) (bus.RemoveResponse, error) {
	var resp bus.RemoveResponse
	seq := req.Ctx.Sequenced()
	if !seq {
		if err := r.requireCoordinator(); err != nil {
			return resp, err
		}
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
	}

	var removed []string
	task := r.replica.Load()
	for _, key := range req.Keys {
		old, err := r.cache.Remove(key, req.Ctx)
		if err != nil {
			resp.KeyErrors.Set(key, err)
			continue
		}
		if task != nil {
			task.NoteRemoved(key)
		}
		if old != nil {
			resp.Append(key, old)
			removed = append(removed, key)
		}
	}
	if seq || len(removed) == 0 {
		return resp, nil
	}
	failed := replicate[bus.RemoveResponse](ctx, r, &bus.RemoveRequest{Keys: removed, Ctx: sequenced(req.Ctx)}, removed, nil)
	for key, err := range failed {
		log.Printf("[WARN] topology: removal of %s not applied on every replica: %v", key, err)
	}
	return resp, nil
}

func (r *Replicated) OnClear(ctx context.Context, in bus.Inbound, req *bus.ClearRequest) (bus.Ack, error) {
	seq := req.Ctx.Sequenced()
	if !seq {
		if err := r.requireCoordinator(); err != nil {
			return bus.Ack{}, err
		}
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
	}
	if err := r.cache.Clear(); err != nil {
		return bus.Ack{}, cacheerr.GeneralFailure(err)
	}
	r.readers.invalidateAll()
	if !seq {
		replicate[bus.Ack](ctx, r, &bus.ClearRequest{Ctx: sequenced(req.Ctx)}, nil, nil)
	}
	return bus.Ack{}, nil
}

func (r *Replicated) OnLockKey(ctx context.Context, in bus.Inbound, req *bus.LockKeyRequest) (bus.LockResponse, error) {
	seq := req.Ctx.Sequenced()
	if !seq {
		if err := r.requireCoordinator(); err != nil {
			return bus.LockResponse{}, err
		}
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
	}
	info, err := r.cache.Lock(req.Key, req.LockID)
	if err != nil || seq || !info.Acquired {
		return bus.LockResponse{Info: info}, err
	}
	replicate[bus.LockResponse](ctx, r, &bus.LockKeyRequest{Key: req.Key, LockID: req.LockID, Ctx: sequenced(req.Ctx)}, nil, nil)
	return bus.LockResponse{Info: info}, nil
}

func (r *Replicated) OnUnLockKey(ctx context.Context, in bus.Inbound, req *bus.UnLockKeyRequest) (bus.Ack, error) {
	seq := req.Ctx.Sequenced()
	if !seq {
		if err := r.requireCoordinator(); err != nil {
			return bus.Ack{}, err
		}
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
	}
	if err := r.cache.Unlock(req.Key, req.LockID, req.Force || seq); err != nil || seq {
		return bus.Ack{}, err
	}
	replicate[bus.Ack](ctx, r, &bus.UnLockKeyRequest{Key: req.Key, LockID: req.LockID, Force: true, Ctx: sequenced(req.Ctx)}, nil, nil)
	return bus.Ack{}, nil
}

func (r *Replicated) OnGet(ctx context.Context, in bus.Inbound, req *bus.GetRequest) (bus.GetResponse, error) {
	var resp bus.GetResponse
	for _, key := range req.Keys {
		e, err := r.cache.Get(key)
		switch {
		case err != nil:
			resp.KeyErrors.Set(key, err)
		case e != nil:
			resp.Append(key, e)
		}
	}
	return resp, nil
}

func (r *Replicated) OnContains(ctx context.Context, in bus.Inbound, req *bus.ContainsRequest) (bus.ContainsResponse, error) {
	var resp bus.ContainsResponse
	for _, key := range req.Keys {
		found, err := r.cache.Contains(key)
		switch {
		case err != nil:
			resp.KeyErrors.Set(key, err)
		case found:
			resp.Found = append(resp.Found, key)
		}
	}
	return resp, nil
}

func (r *Replicated) OnCount(ctx context.Context, in bus.Inbound, req *bus.CountRequest) (bus.CountResponse, error) {
	return bus.CountResponse{Count: r.cache.Count()}, nil
}

func (r *Replicated) OnIsLocked(ctx context.Context, in bus.Inbound, req *bus.IsLockedRequest) (bus.LockResponse, error) {
	info, err := r.cache.IsLocked(req.Key, req.LockID)
	return bus.LockResponse{Info: info}, err
}

func (r *Replicated) OnSearch(ctx context.Context, in bus.Inbound, req *bus.SearchRequest) (bus.SearchResponse, error) {
	if err := r.checkView(req.ViewID); err != nil {
		return bus.SearchResponse{}, err
	}
	keys, err := r.cache.Search(req.Pattern)
	if err != nil {
		return bus.SearchResponse{}, cacheerr.GeneralFailure(err)
	}
	return bus.SearchResponse{Keys: keys}, nil
}

func (r *Replicated) OnSearchEntries(ctx context.Context, in bus.Inbound, req *bus.SearchEntriesRequest) (bus.SearchEntriesResponse, error) {
	if err := r.checkView(req.ViewID); err != nil {
		return bus.SearchEntriesResponse{}, err
	}
	entries, err := r.cache.SearchEntries(req.Pattern)
	if err != nil {
		return bus.SearchEntriesResponse{}, cacheerr.GeneralFailure(err)
	}
	return bus.SearchEntriesResponse{EntrySet: bus.EntrySetOf(entries)}, nil
}

func (r *Replicated) OnExecuteReader(ctx context.Context, in bus.Inbound, req *bus.ExecuteReaderRequest) (bus.ReaderChunkResponse, error) {
	if err := r.checkView(req.ViewID); err != nil {
		return bus.ReaderChunkResponse{}, err
	}
	keys, err := r.cache.Search(req.Pattern)
	if err != nil {
		return bus.ReaderChunkResponse{}, cacheerr.GeneralFailure(err)
	}
	return r.readers.open(req.ReaderID, keys, req.ChunkSize)
}

func (r *Replicated) OnGetNextChunk(ctx context.Context, in bus.Inbound, req *bus.GetNextChunkRequest) (bus.EnumerationChunkResponse, error) {
	return r.localChunk(req, nil)
}

func (r *Replicated) OnPeriodicUpdate(ctx context.Context, in bus.Inbound, req *bus.PeriodicUpdateRequest) (bus.Ack, error) {
	r.recordPresence(in.From, req.Info)
	return bus.Ack{}, nil
}

// OnReplicaKeyList starts a copy for a joining replica. The replica must
// already receive replicated writes, otherwise writes made between the
// snapshot and its admission would be lost.
func (r *Replicated) OnReplicaKeyList(ctx context.Context, in bus.Inbound, req *bus.ReplicaKeyListRequest) (bus.ReplicaKeyListResponse, error) {
	if err := r.requireCoordinator(); err != nil {
		return bus.ReplicaKeyListResponse{}, err
	}
	if !r.svc.IsServer(in.From) {
		return bus.ReplicaKeyListResponse{}, fmt.Errorf("%w: %s is not a server yet", cacheerr.ErrStateTransferInProgress, in.From)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	total, err := r.arena.Get(in.From).ReplicaKeyList()
	if err != nil {
		return bus.ReplicaKeyListResponse{}, err
	}
	return bus.ReplicaKeyListResponse{Total: total}, nil
}

func (r *Replicated) OnReplicaChunk(ctx context.Context, in bus.Inbound, req *bus.ReplicaChunkRequest) (bus.ReplicaChunkResponse, error) {
	c, ok := r.arena.Lookup(in.From)
	if !ok {
		return bus.ReplicaChunkResponse{}, fmt.Errorf("%w: no copy in progress for %s", cacheerr.ErrStateTransferInProgress, in.From)
	}
	resp, err := c.ReplicaChunk(req.Position, req.ChunkSize)
	if err != nil {
		return bus.ReplicaChunkResponse{}, err
	}
	return *resp, nil
}

func (r *Replicated) OnSignalEndOfStateTxfr(ctx context.Context, in bus.Inbound, req *bus.SignalEndOfStateTxfrRequest) (bus.Ack, error) {
	r.arena.Dispose(in.From)
	return bus.Ack{}, nil
}

func notSupported(op bus.Opcode) error {
	return fmt.Errorf("%s on a replicated cache: %w", op, cacheerr.ErrOperationNotSupported)
}

func (r *Replicated) OnLockBuckets(ctx context.Context, in bus.Inbound, req *bus.LockBucketsRequest) (bus.LockBucketsResponse, error) {
	return bus.LockBucketsResponse{}, notSupported(req.Opcode())
}

func (r *Replicated) OnReleaseBuckets(ctx context.Context, in bus.Inbound, req *bus.ReleaseBucketsRequest) (bus.Ack, error) {
	return bus.Ack{}, notSupported(req.Opcode())
}

func (r *Replicated) OnTransferBucket(ctx context.Context, in bus.Inbound, req *bus.TransferBucketRequest) (bus.TransferBucketResponse, error) {
	return bus.TransferBucketResponse{}, notSupported(req.Opcode())
}

func (r *Replicated) OnAnnounceStateTransfer(ctx context.Context, in bus.Inbound, req *bus.AnnounceStateTransferRequest) (bus.Ack, error) {
	return bus.Ack{}, notSupported(req.Opcode())
}

func (r *Replicated) OnAckStateTxfr(ctx context.Context, in bus.Inbound, req *bus.AckStateTxfrRequest) (bus.Ack, error) {
	return bus.Ack{}, notSupported(req.Opcode())
}

func (r *Replicated) OnBalanceNode(ctx context.Context, in bus.Inbound, req *bus.BalanceNodeRequest) (bus.BalanceResponse, error) {
	return bus.BalanceResponse{}, notSupported(req.Opcode())
}

func (r *Replicated) OnPublishMap(ctx context.Context, in bus.Inbound, req *bus.PublishMapRequest) (bus.Ack, error) {
	return bus.Ack{}, notSupported(req.Opcode())
}

func (r *Replicated) OnGetDistributionMaps(ctx context.Context, in bus.Inbound, req *bus.GetDistributionMapsRequest) (bus.MapResponse, error) {
	return bus.MapResponse{}, notSupported(req.Opcode())
}

func (r *Replicated) OnDecommission(ctx context.Context, in bus.Inbound, req *bus.DecommissionRequest) (bus.BalanceResponse, error) {
	return bus.BalanceResponse{}, notSupported(req.Opcode())
}

func (r *Replicated) OnMemberLeft(addr membership.Address) {
	r.arena.Dispose(addr)
}

// OnAfterMembershipChange starts the initial copy the first time this node
// sees a view. The first server of a cluster has nothing to copy.
func (r *Replicated) OnAfterMembershipChange(ch cluster.Change) {
	if !r.joined.CompareAndSwap(false, true) {
		return
	}
	if r.svc.IsCoordinator() {
		r.copied()
		if ch.Bootstrap {
			r.svc.ConfirmStartup()
			log.Printf("[SUCCESS] topology: %s started a new replicated cluster", r.local)
		}
		return
	}
	r.background(r.catchUp)
}

func (r *Replicated) copied() {
	r.latch.Set(membership.StateTransferCompleted)
	r.svc.Status().SetRunning()
}

// catchUp copies the coordinator's data, starting over when the coordinator
// changes, until the copy completes or this node becomes the coordinator.
func (r *Replicated) catchUp(ctx context.Context) {
	r.svc.AllowJoin(false)
	defer r.svc.AllowJoin(true)
	defer r.replica.Store(nil)

	for !r.svc.IsCoordinator() {
		task := statetransfer.NewReplicaTask(r.svc, r.cache, r.cfg.StateTransfer.ChunkSize)
		r.replica.Store(task)
		err := task.Run(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("[WARN] topology: initial copy: %v; retrying", err)
		if sleepCtx(ctx, suspectBackoff*4) != nil {
			return
		}
	}
	r.copied()
}
