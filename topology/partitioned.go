package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/cluster"
	"iriscache/config"
	"iriscache/distributor"
	"iriscache/engine"
	"iriscache/membership"
	"iriscache/statetransfer"
)

// Partitioned spreads the buckets over the servers. A key lives on the
// server holding its bucket and every operation on it is routed there.
type Partitioned struct {
	*base
	dist     *distributor.Manager
	arena    *statetransfer.Arena
	transfer *taskRunner

	mapMu sync.Mutex
	owned []int
}

func NewPartitioned(cfg *config.Config, ch bus.GroupChannel, store engine.InternalCache) (*Partitioned, error) {
	b, err := newBase(cfg, ch, store)
	if err != nil {
		return nil, err
	}
	dist := distributor.NewManager(cfg.BucketCount, cfg.DataLoadBalancing.AutoBalancingThreshold)
	p := &Partitioned{
		base:  b,
		dist:  dist,
		arena: statetransfer.NewArena(store, dist.OpLog, cfg.StateTransfer.ChunkSize),
	}
	task := statetransfer.NewTask(b.svc, dist, store, cfg.StateTransfer.RetryCount)
	p.transfer = newTaskRunner("bucket transfer", task.Run)
	return p, nil
}

func (p *Partitioned) Start(ctx context.Context) error {
	if err := p.start(ctx, p); err != nil {
		return err
	}
	if p.cfg.DataLoadBalancing.Enabled {
		p.every(p.cfg.DataLoadBalancing.AutoBalancingInterval, p.autoBalance)
	}
	return nil
}

func (p *Partitioned) Close() error { return p.shutdown() }

// Distribution exposes the installed distribution map.
func (p *Partitioned) Distribution() *distributor.DistributionMap { return p.dist.Map() }

func (p *Partitioned) owner(key string) func() membership.Address {
	return func() membership.Address { return p.dist.SelectNode(key) }
}

// fastPath reports whether key can be served by the local store without
// resolving its owner: the caller saw the current view, nothing is moving
// and this node holds the key.
func (p *Partitioned) fastPath(key string, oc *engine.OperationContext) bool {
	viewID, ok := oc.ClientViewID()
	return ok && viewID == p.svc.ViewID() && !p.dist.InStateTransfer() && p.dist.SelectNode(key) == p.local
}

// routeKey sends req to key's owner until it is served. keyErr extracts the
// per-key error from the reply.
func routeKey[T any](ctx context.Context, p *Partitioned, key string, req bus.Request, keyErr func(T) error, opts ...bus.CallOption) (T, error) {
	return route(ctx, p.dist, key, routeState{}, p.owner(key), func(dest membership.Address) (T, error) {
		resp, err := bus.Call[T](ctx, p.gw, dest, req, opts...)
		if err == nil && keyErr != nil {
			err = keyErr(resp)
		}
		return resp, err
	})
}

func single(key string, e *engine.Entry) bus.EntrySet {
	var s bus.EntrySet
	s.Append(key, e)
	return s
}

func (p *Partitioned) Get(ctx context.Context, key string, oc *engine.OperationContext) (*engine.Entry, error) {
	if p.fastPath(key, oc) {
		if e, err := p.localGet(key); !errors.Is(err, cacheerr.ErrStateTransfer) {
			return e, err
		}
	}
	resp, err := routeKey(ctx, p, key, &bus.GetRequest{Keys: []string{key}, Ctx: oc},
		func(r bus.GetResponse) error { return r.KeyErrors.Get(key) })
	if err != nil {
		return nil, err
	}
	return resp.Map()[key], nil
}

func (p *Partitioned) Contains(ctx context.Context, key string, oc *engine.OperationContext) (bool, error) {
	if p.fastPath(key, oc) {
		if found, err := p.localContains(key); !errors.Is(err, cacheerr.ErrStateTransfer) {
			return found, err
		}
	}
	resp, err := routeKey(ctx, p, key, &bus.ContainsRequest{Keys: []string{key}, Ctx: oc},
		func(r bus.ContainsResponse) error { return r.KeyErrors.Get(key) })
	if err != nil {
		return false, err
	}
	return slices.Contains(resp.Found, key), nil
}

func (p *Partitioned) Add(ctx context.Context, key string, e *engine.Entry, oc *engine.OperationContext) (engine.AddResult, error) {
	if p.fastPath(key, oc) {
		if res, err := p.localAdd(key, e, oc); !errors.Is(err, cacheerr.ErrStateTransfer) {
			return res, err
		}
	}
	resp, err := routeKey(ctx, p, key, &bus.AddRequest{EntrySet: single(key, e), Ctx: oc},
		func(r bus.AddResponse) error { return r.KeyErrors.Get(key) }, bus.WithSyncKey(key))
	if err != nil {
		return engine.AddKeyExists, err
	}
	return resp.Results[key], nil
}

func (p *Partitioned) Insert(ctx context.Context, key string, e *engine.Entry, oc *engine.OperationContext) (engine.InsertResult, error) {
	if p.fastPath(key, oc) {
		if res, err := p.localInsert(key, e, oc); !errors.Is(err, cacheerr.ErrStateTransfer) {
			return res, err
		}
	}
	resp, err := routeKey(ctx, p, key, &bus.InsertRequest{EntrySet: single(key, e), Ctx: oc},
		func(r bus.InsertResponse) error { return r.KeyErrors.Get(key) }, bus.WithSyncKey(key))
	if err != nil {
		return engine.InsertAdded, err
	}
	return resp.Results[key], nil
}

func (p *Partitioned) Remove(ctx context.Context, key string, oc *engine.OperationContext) (*engine.Entry, error) {
	if p.fastPath(key, oc) {
		if e, err := p.localRemove(key, oc); !errors.Is(err, cacheerr.ErrStateTransfer) {
			return e, err
		}
	}
	resp, err := routeKey(ctx, p, key, &bus.RemoveRequest{Keys: []string{key}, Ctx: oc},
		func(r bus.RemoveResponse) error { return r.KeyErrors.Get(key) }, bus.WithSyncKey(key))
	if err != nil {
		return nil, err
	}
	return resp.Map()[key], nil
}

func (p *Partitioned) Lock(ctx context.Context, key, lockID string) (engine.LockInfo, error) {
	resp, err := routeKey[bus.LockResponse](ctx, p, key, &bus.LockKeyRequest{Key: key, LockID: lockID}, nil, bus.WithSyncKey(key))
	return resp.Info, err
}

func (p *Partitioned) Unlock(ctx context.Context, key, lockID string, force bool) error {
	_, err := routeKey[bus.Ack](ctx, p, key, &bus.UnLockKeyRequest{Key: key, LockID: lockID, Force: force}, nil, bus.WithSyncKey(key))
	return err
}

func (p *Partitioned) IsLocked(ctx context.Context, key, lockID string) (engine.LockInfo, error) {
	resp, err := routeKey[bus.LockResponse](ctx, p, key, &bus.IsLockedRequest{Key: key, LockID: lockID}, nil)
	return resp.Info, err
}

// fanOut groups keys by owner and calls every owner with its batch in
// parallel. Keys that come back suspected or mid-transfer are resolved
// again and retried; other failures are returned per key.
func (p *Partitioned) fanOut(ctx context.Context, keys []string, call func(ctx context.Context, dest membership.Address, batch []string) (KeyErrors, error)) KeyErrors {
	failed := KeyErrors{}
	st := bulkRouteState(len(p.svc.Servers()))
	pending := slices.Compact(slices.Sorted(slices.Values(keys)))

	for len(pending) > 0 {
		round := KeyErrors{}
		batches := map[membership.Address][]string{}
		for _, key := range pending {
			if dest := p.dist.SelectNode(key); dest.IsZero() {
				round.set(key, cacheerr.ErrStateTransfer)
			} else {
				batches[dest] = append(batches[dest], key)
			}
		}

		var mu sync.Mutex
		var g errgroup.Group
		for dest, batch := range batches {
			g.Go(func() error {
				kerrs, err := call(ctx, dest, batch)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					for _, key := range batch {
						round.set(key, err)
					}
					return nil
				}
				maps.Copy(round, kerrs)
				return nil
			})
		}
		_ = g.Wait()

		var retry []string
		var cause error
		for key, err := range round {
			if severity(err) == 0 {
				failed.set(key, err)
				continue
			}
			retry = append(retry, key)
			if cause == nil || severity(err) > severity(cause) {
				cause = err
			}
		}
		if len(retry) == 0 {
			break
		}
		slices.Sort(retry)
		out := classify(ctx, p.dist, retry[0], cause, &st)
		if out.IsRetry() {
			out = Fail(sleepCtx(ctx, out.Delay()))
			if out.Err() == nil {
				pending = retry
				continue
			}
		}
		for _, key := range retry {
			failed.set(key, out.Err())
		}
		break
	}
	return failed
}

// severity orders the errors a bulk round retries; zero means the key
// failed for good.
func severity(err error) int {
	switch {
	case errors.Is(err, cacheerr.ErrSuspected):
		return 3
	case errors.Is(err, cacheerr.ErrTimeout):
		return 2
	case errors.Is(err, cacheerr.ErrStateTransfer):
		return 1
	}
	return 0
}

func keyErrorsOf(w bus.KeyErrors) KeyErrors {
	out := make(KeyErrors, len(w))
	for key := range w {
		out[key] = w.Get(key)
	}
	return out
}

func entrySetOf(entries map[string]*engine.Entry, keys []string) bus.EntrySet {
	var s bus.EntrySet
	for _, key := range keys {
		s.Append(key, entries[key])
	}
	return s
}

func (p *Partitioned) GetBulk(ctx context.Context, keys []string, oc *engine.OperationContext) (map[string]*engine.Entry, KeyErrors) {
	var mu sync.Mutex
	out := map[string]*engine.Entry{}
	failed := p.fanOut(ctx, keys, func(ctx context.Context, dest membership.Address, batch []string) (KeyErrors, error) {
		resp, err := bus.Call[bus.GetResponse](ctx, p.gw, dest, &bus.GetRequest{Keys: batch, Ctx: oc})
		if err != nil {
			return nil, err
		}
		mu.Lock()
		maps.Copy(out, resp.Map())
		mu.Unlock()
		return keyErrorsOf(resp.KeyErrors), nil
	})
	return out, failed
}

func (p *Partitioned) ContainsBulk(ctx context.Context, keys []string, oc *engine.OperationContext) (map[string]bool, KeyErrors) {
	var mu sync.Mutex
	out := map[string]bool{}
	failed := p.fanOut(ctx, keys, func(ctx context.Context, dest membership.Address, batch []string) (KeyErrors, error) {
		resp, err := bus.Call[bus.ContainsResponse](ctx, p.gw, dest, &bus.ContainsRequest{Keys: batch, Ctx: oc})
		if err != nil {
			return nil, err
		}
		mu.Lock()
		for _, key := range batch {
			if _, failed := resp.KeyErrors[key]; !failed {
				out[key] = slices.Contains(resp.Found, key)
			}
		}
		mu.Unlock()
		return keyErrorsOf(resp.KeyErrors), nil
	})
	return out, failed
}

func (p *Partitioned) AddBulk(ctx context.Context, entries map[string]*engine.Entry, oc *engine.OperationContext) (map[string]engine.AddResult, KeyErrors) {
	var mu sync.Mutex
	out := map[string]engine.AddResult{}
	failed := p.fanOut(ctx, slices.Collect(maps.Keys(entries)), func(ctx context.Context, dest membership.Address, batch []string) (KeyErrors, error) {
		resp, err := bus.Call[bus.AddResponse](ctx, p.gw, dest, &bus.AddRequest{EntrySet: entrySetOf(entries, batch), Ctx: oc})
		if err != nil {
			return nil, err
		}
		mu.Lock()
		maps.Copy(out, resp.Results)
		mu.Unlock()
		return keyErrorsOf(resp.KeyErrors), nil
	})
	return out, failed
}

func (p *Partitioned) InsertBulk(ctx context.Context, entries map[string]*engine.Entry, oc *engine.OperationContext) (map[string]engine.InsertResult, KeyErrors) {
	var mu sync.Mutex
	out := map[string]engine.InsertResult{}
	failed := p.fanOut(ctx, slices.Collect(maps.Keys(entries)), func(ctx context.Context, dest membership.Address, batch []string) (KeyErrors, error) {
		resp, err := bus.Call[bus.InsertResponse](ctx, p.gw, dest, &bus.InsertRequest{EntrySet: entrySetOf(entries, batch), Ctx: oc})
		if err != nil {
			return nil, err
		}
		mu.Lock()
		maps.Copy(out, resp.Results)
		mu.Unlock()
		return keyErrorsOf(resp.KeyErrors), nil
	})
	return out, failed
}

func (p *Partitioned) RemoveBulk(ctx context.Context, keys []string, oc *engine.OperationContext) (map[string]*engine.Entry, KeyErrors) {
	var mu sync.Mutex
	out := map[string]*engine.Entry{}
	failed := p.fanOut(ctx, keys, func(ctx context.Context, dest membership.Address, batch []string) (KeyErrors, error) {
		resp, err := bus.Call[bus.RemoveResponse](ctx, p.gw, dest, &bus.RemoveRequest{Keys: batch, Ctx: oc})
		if err != nil {
			return nil, err
		}
		mu.Lock()
		maps.Copy(out, resp.Map())
		mu.Unlock()
		return keyErrorsOf(resp.KeyErrors), nil
	})
	return out, failed
}

// gather sends req to every server and folds the replies. A round with a
// suspected member is repeated so its buckets are read from their new
// owner.
func gather[T any](ctx context.Context, p *Partitioned, req bus.Request, fold func(T)) error {
	st := bulkRouteState(len(p.svc.Servers()))
	for {
		rs, err := p.gw.Multicast(ctx, p.svc.Servers(), req, bus.GetAll, 0)
		if err != nil {
			return err
		}
		var (
			bodies []T
			cause  error
		)
		for _, r := range rs {
			v, err := bus.Decode[T](r)
			if err != nil {
				if cause == nil || severity(err) > severity(cause) {
					cause = err
				}
				continue
			}
			bodies = append(bodies, v)
		}
		if cause == nil {
			for _, v := range bodies {
				fold(v)
			}
			return nil
		}
		out := classify(ctx, p.dist, "", cause, &st)
		if !out.IsRetry() {
			return out.Err()
		}
		if err := sleepCtx(ctx, out.Delay()); err != nil {
			return err
		}
	}
}

func (p *Partitioned) Clear(ctx context.Context, oc *engine.OperationContext) error {
	return gather(ctx, p, &bus.ClearRequest{Ctx: oc}, func(bus.Ack) {})
}

func (p *Partitioned) Count(ctx context.Context) (int64, error) {
	var n int64
	err := gather(ctx, p, &bus.CountRequest{}, func(r bus.CountResponse) { n += r.Count })
	return n, err
}

func (p *Partitioned) Search(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := gather(ctx, p, &bus.SearchRequest{Pattern: pattern, ViewID: p.svc.ViewID()},
		func(r bus.SearchResponse) { keys = append(keys, r.Keys...) })
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (p *Partitioned) SearchEntries(ctx context.Context, pattern string) (map[string]*engine.Entry, error) {
	out := map[string]*engine.Entry{}
	err := gather(ctx, p, &bus.SearchEntriesRequest{Pattern: pattern, ViewID: p.svc.ViewID()},
		func(r bus.SearchEntriesResponse) { maps.Copy(out, r.Map()) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenReader starts a chunked reader over the keys matching pattern. The
// reader is bound to the current view.
func (p *Partitioned) OpenReader(ctx context.Context, pattern string, chunkSize int) (*Reader, error) {
	return openReader(ctx, p.gw, p.svc.Servers(), pattern, chunkSize, p.svc.ViewID())
}

func (p *Partitioned) Enumerate(ctx context.Context, chunkSize int, fn func(key string, e *engine.Entry) bool) error {
	return p.enumerate(ctx, p.svc.Servers(), chunkSize, fn)
}

// Balance asks the coordinator to move buckets off this node if it holds
// more data than the others.
func (p *Partitioned) Balance(ctx context.Context) (distributor.BalanceResult, error) {
	resp, err := route(ctx, nil, "", routeState{maxSuspects: maxBulkRetries}, p.svc.Coordinator,
		func(dest membership.Address) (bus.BalanceResponse, error) {
			return bus.Call[bus.BalanceResponse](ctx, p.gw, dest, &bus.BalanceNodeRequest{Node: p.local})
		})
	return resp.Result, err
}

// Leave hands every bucket this node holds to the remaining servers and
// then leaves the group.
func (p *Partitioned) Leave(ctx context.Context) error {
	if len(p.svc.Servers()) > 1 {
		resp, err := route(ctx, nil, "", routeState{maxSuspects: maxBulkRetries}, p.svc.Coordinator,
			func(dest membership.Address) (bus.BalanceResponse, error) {
				return bus.Call[bus.BalanceResponse](ctx, p.gw, dest, &bus.DecommissionRequest{Node: p.local})
			})
		if err != nil {
			return fmt.Errorf("decommission %s: %w", p.local, err)
		}
		if resp.Result == distributor.BalanceDone {
			if err := p.waitDrained(ctx); err != nil {
				return fmt.Errorf("decommission %s: %w", p.local, err)
			}
		}
	}
	log.Printf("[INFO] topology: %s leaving with %d bucket(s)", p.local, len(p.dist.LocalBuckets(p.local)))
	return p.svc.Leave(ctx)
}

func (p *Partitioned) waitDrained(ctx context.Context) error {
	for {
		changed := p.dist.Changed()
		if len(p.dist.LocalBuckets(p.local)) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// publish sends a map computed here to every other server and applies it
// locally.
func (p *Partitioned) publish(ctx context.Context, dm *distributor.DistributionMap) {
	if dm == nil {
		return
	}
	p.mapInstalled()
	if err := p.gw.SendNoReply(ctx, p.svc.Servers(), &bus.PublishMapRequest{Map: dm}, bus.ExcludeSelf()); err != nil {
		log.Printf("[WARN] topology: publishing map v%d: %v", dm.Version, err)
	}
}

// mapInstalled brings the node in line with the installed map: the store
// learns its buckets, buckets that came back are writable again, readers
// over a changed bucket set are dropped and missing buckets are pulled.
func (p *Partitioned) mapInstalled() {
	dm := p.dist.Map()
	if dm == nil {
		return
	}
	p.mapMu.Lock()
	owned := dm.PermanentBuckets(p.local)
	changed := !slices.Equal(owned, p.owned)
	p.owned = owned
	for _, b := range dm.Buckets {
		if b.PermanentAddress == p.local && b.TempAddress == p.local {
			p.dist.OpLog.Reclaim(b.ID)
		}
	}
	p.mapMu.Unlock()

	if changed {
		p.cache.UpdateLocalBuckets(owned)
		p.readers.invalidateAll()
	}
	p.svc.Status().SetRunning()
	if len(p.dist.BucketsForTransfer(p.local)) > 0 {
		p.transfer.kick(p.base)
	}
}

func (p *Partitioned) requireCoordinator() error {
	if !p.svc.IsCoordinator() {
		return fmt.Errorf("%s: %w", p.local, cacheerr.ErrNotCoordinator)
	}
	return nil
}

// distributionInfo describes a change against the current server list.
func (p *Partitioned) distributionInfo(t distributor.ChangeType, affected membership.Address) distributor.DistributionInfo {
	return distributor.DistributionInfo{
		Type:     t,
		Affected: affected,
		Members:  p.svc.Servers(),
		ViewID:   p.svc.ViewID(),
	}
}

func (p *Partitioned) autoBalance() {
	if !p.svc.IsCoordinator() || p.dist.InStateTransfer() {
		return
	}
	p.dist.UpdateNodeStats(p.local, p.cache.Statistics())
	candidates := p.dist.CandidateNodesForBalance(p.svc.Servers())
	if len(candidates) == 0 {
		return
	}
	top := candidates[0]
	log.Printf("[INFO] topology: %s holds %d%% above average, balancing", top.Address, top.PercentAboveAverage)
	dm, res, err := p.dist.GetMaps(p.distributionInfo(distributor.AutoBalance, top.Address))
	if err != nil {
		log.Printf("[ERROR] topology: auto balance: %v", err)
		return
	}
	if res == distributor.BalanceDone {
		p.publish(p.ctx, dm)
	}
}

func (p *Partitioned) OnMemberLeft(addr membership.Address) {
	p.arena.Dispose(addr)
	p.dist.RemoveNodeStats(addr)
}

// OnAfterMembershipChange recomputes the distribution on the coordinator.
// Other servers wait for the published map, asking the coordinator for it
// when they have none yet.
func (p *Partitioned) OnAfterMembershipChange(ch cluster.Change) {
	if ch.Bootstrap {
		if _, _, err := p.dist.GetMaps(p.distributionInfo(distributor.NodeJoin, p.local)); err != nil {
			log.Printf("[ERROR] topology: bootstrap map: %v", err)
			return
		}
		p.mapInstalled()
		p.svc.ConfirmStartup()
		log.Printf("[SUCCESS] topology: %s started a new cluster", p.local)
		return
	}

	if !p.svc.IsCoordinator() {
		if p.dist.Map() == nil {
			p.background(p.fetchMap)
		}
		return
	}

	var dm *distributor.DistributionMap
	if p.dist.Map() == nil {
		m, _, err := p.dist.GetMaps(p.distributionInfo(distributor.NodeJoin, p.local))
		if err != nil {
			log.Printf("[ERROR] topology: initial map: %v", err)
			return
		}
		dm = m
	}
	for _, a := range ch.Left {
		m, _, err := p.dist.GetMaps(p.distributionInfo(distributor.NodeLeave, a))
		if err != nil {
			log.Printf("[ERROR] topology: map after %s left: %v", a, err)
			continue
		}
		dm = m
	}
	for _, a := range ch.Joined {
		if a == p.local {
			continue
		}
		m, _, err := p.dist.GetMaps(p.distributionInfo(distributor.NodeJoin, a))
		if err != nil {
			log.Printf("[ERROR] topology: map after %s joined: %v", a, err)
			continue
		}
		dm = m
	}
	p.publish(p.ctx, dm)
}

// fetchMap asks the coordinator for its map until one is installed by any
// means.
func (p *Partitioned) fetchMap(ctx context.Context) {
	for p.dist.Map() == nil && ctx.Err() == nil {
		coord := p.svc.Coordinator()
		if coord == p.local {
			return
		}
		resp, err := bus.Call[bus.MapResponse](ctx, p.gw, coord, &bus.GetDistributionMapsRequest{})
		if err == nil && p.dist.InstallMap(resp.Map) {
			p.mapInstalled()
			return
		}
		if err != nil {
			log.Printf("[WARN] topology: distribution map from %s: %v", coord, err)
		}
		select {
		case <-ctx.Done():
		case <-p.dist.Changed():
		case <-time.After(suspectBackoff * 4):
		}
	}
}

// taskRunner keeps at most one instance of a task running. A kick while it
// runs makes it run once more.
type taskRunner struct {
	name string
	run  func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	pending bool
}

func newTaskRunner(name string, run func(ctx context.Context) error) *taskRunner {
	return &taskRunner{name: name, run: run}
}

func (r *taskRunner) kick(b *base) {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	b.background(func(ctx context.Context) {
		for {
			if err := r.run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[ERROR] topology: %s: %v", r.name, err)
			}
			r.mu.Lock()
			if !r.pending || ctx.Err() != nil {
				r.running = false
				r.mu.Unlock()
				return
			}
			r.pending = false
			r.mu.Unlock()
		}
	})
}

func (r *taskRunner) busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
