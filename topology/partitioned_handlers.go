package topology

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/distributor"
	"iriscache/engine"
)

// owns reports whether this node serves key right now.
func (p *Partitioned) owns(key string) bool {
	bucket := p.dist.GetBucketID(key)
	return p.dist.VerifyPermanentOwnership(bucket, p.local) && p.dist.OpLog.IsOperationAllowed(bucket)
}

func (p *Partitioned) readable(key string) error {
	if !p.owns(key) {
		return cacheerr.ErrStateTransfer
	}
	return nil
}

// guardWrite runs fn when this node holds key's bucket. Writes to a bucket
// being copied are logged so the copy catches up.
func (p *Partitioned) guardWrite(key string, removed bool, fn func() error) error {
	bucket := p.dist.GetBucketID(key)
	if !p.dist.VerifyPermanentOwnership(bucket, p.local) {
		return cacheerr.ErrStateTransfer
	}
	return p.dist.OpLog.Guard(bucket, key, removed, fn)
}

func (p *Partitioned) localGet(key string) (*engine.Entry, error) {
	if err := p.readable(key); err != nil {
		return nil, err
	}
	return p.cache.Get(key)
}

func (p *Partitioned) localContains(key string) (bool, error) {
	if err := p.readable(key); err != nil {
		return false, err
	}
	return p.cache.Contains(key)
}

func (p *Partitioned) localAdd(key string, e *engine.Entry, oc *engine.OperationContext) (res engine.AddResult, err error) {
	err = p.guardWrite(key, false, func() error {
		res, err = p.cache.Add(key, e, oc)
		return err
	})
	return res, err
}

func (p *Partitioned) localInsert(key string, e *engine.Entry, oc *engine.OperationContext) (res engine.InsertResult, err error) {
	err = p.guardWrite(key, false, func() error {
		res, err = p.cache.Insert(key, e, oc)
		return err
	})
	return res, err
}

func (p *Partitioned) localRemove(key string, oc *engine.OperationContext) (old *engine.Entry, err error) {
	err = p.guardWrite(key, true, func() error {
		old, err = p.cache.Remove(key, oc)
		return err
	})
	return old, err
}

// searchFilter refuses a search while any local bucket is being handed off,
// since its keys could be reported by both sides or by neither.
func (p *Partitioned) searchFilter(viewID uint64) error {
	if err := p.checkView(viewID); err != nil {
		return err
	}
	for _, b := range p.dist.LocalBuckets(p.local) {
		if !p.dist.OpLog.IsOperationAllowed(b) {
			return fmt.Errorf("%w: bucket %d is being handed off", cacheerr.ErrStateTransferInProgress, b)
		}
	}
	return nil
}

func (p *Partitioned) ownedKeys(keys []string) []string {
	return slices.DeleteFunc(keys, func(k string) bool { return !p.owns(k) })
}

func (p *Partitioned) OnPeriodicUpdate(ctx context.Context, in bus.Inbound, req *bus.PeriodicUpdateRequest) (bus.Ack, error) {
	if p.recordPresence(in.From, req.Info) {
		p.dist.UpdateNodeStats(in.From, req.Info.Statistics)
	}
	return bus.Ack{}, nil
}

func (p *Partitioned) OnGet(ctx context.Context, in bus.Inbound, req *bus.GetRequest) (bus.GetResponse, error) {
	var resp bus.GetResponse
	for _, key := range req.Keys {
		e, err := p.localGet(key)
		switch {
		case err != nil:
			resp.KeyErrors.Set(key, err)
		case e != nil:
			resp.Append(key, e)
		}
	}
	return resp, nil
}

func (p *Partitioned) OnContains(ctx context.Context, in bus.Inbound, req *bus.ContainsRequest) (bus.ContainsResponse, error) {
	var resp bus.ContainsResponse
	for _, key := range req.Keys {
		found, err := p.localContains(key)
		switch {
		case err != nil:
			resp.KeyErrors.Set(key, err)
		case found:
			resp.Found = append(resp.Found, key)
		}
	}
	return resp, nil
}

func (p *Partitioned) OnAdd(ctx context.Context, in bus.Inbound, req *bus.AddRequest) (bus.AddResponse, error) {
	resp := bus.AddResponse{Results: make(map[string]engine.AddResult, req.Len())}
	for i := 0; i < req.Len(); i++ {
		key, e := req.Entry(i)
		res, err := p.localAdd(key, e, req.Ctx)
		if err != nil {
			resp.KeyErrors.Set(key, err)
			continue
		}
		resp.Results[key] = res
	}
	return resp, nil
}

func (p *Partitioned) OnInsert(ctx context.Context, in bus.Inbound, req *bus.InsertRequest) (bus.InsertResponse, error) {
	resp := bus.InsertResponse{Results: make(map[string]engine.InsertResult, req.Len())}
	for i := 0; i < req.Len(); i++ {
		key, e := req.Entry(i)
		res, err := p.localInsert(key, e, req.Ctx)
		if err != nil {
			resp.KeyErrors.Set(key, err)
			continue
		}
		resp.Results[key] = res
	}
	return resp, nil
}

func (p *Partitioned) OnRemove(ctx context.Context, in bus.Inbound, req *bus.RemoveRequest) (bus.RemoveResponse, error) {
	var resp bus.RemoveResponse
	for _, key := range req.Keys {
		old, err := p.localRemove(key, req.Ctx)
		switch {
		case err != nil:
			resp.KeyErrors.Set(key, err)
		case old != nil:
			resp.Append(key, old)
		}
	}
	return resp, nil
}

func (p *Partitioned) OnClear(ctx context.Context, in bus.Inbound, req *bus.ClearRequest) (bus.Ack, error) {
	if err := p.cache.Clear(); err != nil {
		return bus.Ack{}, cacheerr.GeneralFailure(err)
	}
	p.readers.invalidateAll()
	return bus.Ack{}, nil
}

// OnCount counts only the buckets this node owns, so a bucket still held by
// both ends of a move is counted once.
func (p *Partitioned) OnCount(ctx context.Context, in bus.Inbound, req *bus.CountRequest) (bus.CountResponse, error) {
	stats := p.cache.Statistics()
	var n int64
	for _, b := range p.dist.LocalBuckets(p.local) {
		if p.dist.OpLog.IsOperationAllowed(b) {
			n += stats.Buckets[b].Count
		}
	}
	return bus.CountResponse{Count: n}, nil
}

func (p *Partitioned) OnLockKey(ctx context.Context, in bus.Inbound, req *bus.LockKeyRequest) (bus.LockResponse, error) {
	var info engine.LockInfo
	err := p.guardWrite(req.Key, false, func() (err error) {
		info, err = p.cache.Lock(req.Key, req.LockID)
		return err
	})
	return bus.LockResponse{Info: info}, err
}

func (p *Partitioned) OnUnLockKey(ctx context.Context, in bus.Inbound, req *bus.UnLockKeyRequest) (bus.Ack, error) {
	err := p.guardWrite(req.Key, false, func() error {
		return p.cache.Unlock(req.Key, req.LockID, req.Force)
	})
	return bus.Ack{}, err
}

func (p *Partitioned) OnIsLocked(ctx context.Context, in bus.Inbound, req *bus.IsLockedRequest) (bus.LockResponse, error) {
	if err := p.readable(req.Key); err != nil {
		return bus.LockResponse{}, err
	}
	info, err := p.cache.IsLocked(req.Key, req.LockID)
	return bus.LockResponse{Info: info}, err
}

func (p *Partitioned) OnSearch(ctx context.Context, in bus.Inbound, req *bus.SearchRequest) (bus.SearchResponse, error) {
	if err := p.searchFilter(req.ViewID); err != nil {
		return bus.SearchResponse{}, err
	}
	keys, err := p.cache.Search(req.Pattern)
	if err != nil {
		return bus.SearchResponse{}, cacheerr.GeneralFailure(err)
	}
	return bus.SearchResponse{Keys: p.ownedKeys(keys)}, nil
}

func (p *Partitioned) OnSearchEntries(ctx context.Context, in bus.Inbound, req *bus.SearchEntriesRequest) (bus.SearchEntriesResponse, error) {
	if err := p.searchFilter(req.ViewID); err != nil {
		return bus.SearchEntriesResponse{}, err
	}
	entries, err := p.cache.SearchEntries(req.Pattern)
	if err != nil {
		return bus.SearchEntriesResponse{}, cacheerr.GeneralFailure(err)
	}
	var resp bus.SearchEntriesResponse
	for _, key := range slices.Sorted(maps.Keys(entries)) {
		if p.owns(key) {
			resp.Append(key, entries[key])
		}
	}
	return resp, nil
}

func (p *Partitioned) OnExecuteReader(ctx context.Context, in bus.Inbound, req *bus.ExecuteReaderRequest) (bus.ReaderChunkResponse, error) {
	if err := p.searchFilter(req.ViewID); err != nil {
		return bus.ReaderChunkResponse{}, err
	}
	keys, err := p.cache.Search(req.Pattern)
	if err != nil {
		return bus.ReaderChunkResponse{}, cacheerr.GeneralFailure(err)
	}
	return p.readers.open(req.ReaderID, p.ownedKeys(keys), req.ChunkSize)
}

func (p *Partitioned) OnGetNextChunk(ctx context.Context, in bus.Inbound, req *bus.GetNextChunkRequest) (bus.EnumerationChunkResponse, error) {
	return p.localChunk(req, p.owns)
}

func (p *Partitioned) OnLockBuckets(ctx context.Context, in bus.Inbound, req *bus.LockBucketsRequest) (bus.LockBucketsResponse, error) {
	if err := p.requireCoordinator(); err != nil {
		return bus.LockBucketsResponse{}, err
	}
	before := p.dist.Map()
	status, dm, err := p.dist.LockBuckets(req.Buckets, req.Requester)
	if err != nil {
		return bus.LockBucketsResponse{}, err
	}
	if dm != before {
		p.publish(p.ctx, dm)
	}
	return bus.LockBucketsResponse{Status: status}, nil
}

func (p *Partitioned) OnReleaseBuckets(ctx context.Context, in bus.Inbound, req *bus.ReleaseBucketsRequest) (bus.Ack, error) {
	if err := p.requireCoordinator(); err != nil {
		return bus.Ack{}, err
	}
	before := p.dist.Map()
	dm, err := p.dist.ReleaseBuckets(req.Buckets, req.Requester)
	if err != nil {
		return bus.Ack{}, err
	}
	if dm != before {
		p.publish(p.ctx, dm)
	}
	return bus.Ack{}, nil
}

func (p *Partitioned) OnTransferBucket(ctx context.Context, in bus.Inbound, req *bus.TransferBucketRequest) (bus.TransferBucketResponse, error) {
	resp, err := p.arena.Get(in.From).TransferBucket(req.Bucket, req.TxfrID)
	if err != nil {
		return bus.TransferBucketResponse{}, err
	}
	return *resp, nil
}

func (p *Partitioned) OnAnnounceStateTransfer(ctx context.Context, in bus.Inbound, req *bus.AnnounceStateTransferRequest) (bus.Ack, error) {
	p.dist.AnnounceStateTransfer(req.Buckets, req.Requester)
	return bus.Ack{}, nil
}

// OnAckStateTxfr drops buckets the requester has finished copying.
func (p *Partitioned) OnAckStateTxfr(ctx context.Context, in bus.Inbound, req *bus.AckStateTxfrRequest) (bus.Ack, error) {
	if err := p.arena.Get(in.From).Ack(req.Buckets); err != nil {
		return bus.Ack{}, err
	}
	p.readers.invalidateAll()
	return bus.Ack{}, nil
}

func (p *Partitioned) OnSignalEndOfStateTxfr(ctx context.Context, in bus.Inbound, req *bus.SignalEndOfStateTxfrRequest) (bus.Ack, error) {
	p.arena.Dispose(in.From)
	return bus.Ack{}, nil
}

func (p *Partitioned) OnBalanceNode(ctx context.Context, in bus.Inbound, req *bus.BalanceNodeRequest) (bus.BalanceResponse, error) {
	if err := p.requireCoordinator(); err != nil {
		return bus.BalanceResponse{}, err
	}
	p.dist.UpdateNodeStats(p.local, p.cache.Statistics())
	dm, res, err := p.dist.GetMaps(p.distributionInfo(distributor.ManualBalance, req.Node))
	if err != nil {
		return bus.BalanceResponse{}, err
	}
	if res == distributor.BalanceDone {
		p.publish(p.ctx, dm)
	}
	return bus.BalanceResponse{Result: res}, nil
}

// OnDecommission moves every bucket of the leaving node to the others. The
// leaving node stays a member until it has handed them all off.
func (p *Partitioned) OnDecommission(ctx context.Context, in bus.Inbound, req *bus.DecommissionRequest) (bus.BalanceResponse, error) {
	if err := p.requireCoordinator(); err != nil {
		return bus.BalanceResponse{}, err
	}
	dm, res, err := p.dist.GetMaps(p.distributionInfo(distributor.Decommission, req.Node))
	if err != nil {
		return bus.BalanceResponse{}, err
	}
	if res == distributor.BalanceDone {
		p.publish(p.ctx, dm)
	}
	return bus.BalanceResponse{Result: res}, nil
}

func (p *Partitioned) OnPublishMap(ctx context.Context, in bus.Inbound, req *bus.PublishMapRequest) (bus.Ack, error) {
	if p.dist.InstallMap(req.Map) {
		p.mapInstalled()
	}
	return bus.Ack{}, nil
}

func (p *Partitioned) OnGetDistributionMaps(ctx context.Context, in bus.Inbound, req *bus.GetDistributionMapsRequest) (bus.MapResponse, error) {
	if err := p.requireCoordinator(); err != nil {
		return bus.MapResponse{}, err
	}
	dm := p.dist.Map()
	if dm == nil {
		return bus.MapResponse{}, fmt.Errorf("%w: no distribution map yet", cacheerr.ErrStateTransfer)
	}
	return bus.MapResponse{Map: dm}, nil
}

func (p *Partitioned) OnReplicaKeyList(ctx context.Context, in bus.Inbound, req *bus.ReplicaKeyListRequest) (bus.ReplicaKeyListResponse, error) {
	return bus.ReplicaKeyListResponse{}, fmt.Errorf("replica key list: %w", cacheerr.ErrOperationNotSupported)
}

func (p *Partitioned) OnReplicaChunk(ctx context.Context, in bus.Inbound, req *bus.ReplicaChunkRequest) (bus.ReplicaChunkResponse, error) {
	return bus.ReplicaChunkResponse{}, fmt.Errorf("replica chunk: %w", cacheerr.ErrOperationNotSupported)
}
