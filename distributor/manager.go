package distributor

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"iriscache/cacheerr"
	"iriscache/engine"
	"iriscache/membership"
	"iriscache/ring"
	"iriscache/utils"
)

type ChangeType uint8

const (
	NodeJoin ChangeType = iota + 1
	NodeLeave
	ManualBalance
	AutoBalance
	Decommission
)

func (c ChangeType) String() string {
	switch c {
	case NodeJoin:
		return "node-join"
	case NodeLeave:
		return "node-leave"
	case ManualBalance:
		return "manual-balance"
	case AutoBalance:
		return "auto-balance"
	case Decommission:
		return "decommission"
	}
	return fmt.Sprintf("change(%d)", uint8(c))
}

// DistributionInfo describes the membership event a new map is computed for.
// Members is the server list after the event.
type DistributionInfo struct {
	Type     ChangeType
	Affected membership.Address
	Members  []membership.Address
	ViewID   uint64
}

type BalanceResult uint8

const (
	BalanceDone BalanceResult = iota
	AlreadyInBalancing
	NotRequired
)

func (r BalanceResult) String() string {
	switch r {
	case BalanceDone:
		return "done"
	case AlreadyInBalancing:
		return "already-in-balancing"
	case NotRequired:
		return "not-required"
	}
	return fmt.Sprintf("BalanceResult(%d)", uint8(r))
}

type LockStatus uint8

const (
	LockAcquired LockStatus = iota
	OwnerChanged
)

// maximum time Wait blocks before letting the caller re-resolve
const waitSlice = time.Second

// Manager routes keys to buckets and buckets to owners. The installed map is
// swapped atomically; every change made on the coordinator goes through mu.
type Manager struct {
	mu        sync.Mutex
	buckets   int
	threshold int

	current atomic.Pointer[DistributionMap]
	changed chan struct{}
	load    map[membership.Address]engine.Statistics

	OpLog *OperationLog
}

func NewManager(buckets, threshold int) *Manager {
	return &Manager{
		buckets:   buckets,
		threshold: threshold,
		changed:   make(chan struct{}),
		load:      map[membership.Address]engine.Statistics{},
		OpLog:     NewOperationLog(),
	}
}

func (m *Manager) BucketCount() int { return m.buckets }

func (m *Manager) GetBucketID(key string) int {
	return utils.BucketOf(key, m.buckets)
}

func (m *Manager) Map() *DistributionMap { return m.current.Load() }

func (m *Manager) Bucket(id int) (HashMapBucket, bool) {
	return m.current.Load().Bucket(id)
}

// SelectNode returns the node holding key's data, or the zero address while
// no map is installed.
func (m *Manager) SelectNode(key string) membership.Address {
	b, ok := m.Bucket(m.GetBucketID(key))
	if !ok {
		return membership.Address{}
	}
	return b.PermanentAddress
}

// InstallMap swaps in dm when it is newer than the installed map.
func (m *Manager) InstallMap(dm *DistributionMap) bool {
	if dm == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.current.Load(); cur != nil && dm.Version <= cur.Version {
		return false
	}
	m.installLocked(dm)
	return true
}

func (m *Manager) installLocked(dm *DistributionMap) {
	m.current.Store(dm)
	close(m.changed)
	m.changed = make(chan struct{})
}

// Changed returns a channel closed on the next map change.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Wait blocks while key's bucket is under state transfer, until the map
// changes, ctx ends or a short slice elapses.
func (m *Manager) Wait(ctx context.Context, key string) error {
	m.mu.Lock()
	ch := m.changed
	b, ok := m.current.Load().Bucket(m.GetBucketID(key))
	m.mu.Unlock()

	if ok && b.Status != UnderStateTransfer {
		return nil
	}
	timer := time.NewTimer(waitSlice)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) UpdateNodeStats(addr membership.Address, stats engine.Statistics) {
	m.mu.Lock()
	m.load[addr] = stats.Clone()
	m.mu.Unlock()
}

func (m *Manager) RemoveNodeStats(addr membership.Address) {
	m.mu.Lock()
	delete(m.load, addr)
	m.mu.Unlock()
}

// bucketWeights reports the data size of every bucket as announced by its
// current holder.
func (m *Manager) bucketWeights(dm *DistributionMap) map[int]int64 {
	weights := make(map[int]int64, len(dm.Buckets))
	for _, b := range dm.Buckets {
		if st, ok := m.load[b.PermanentAddress]; ok {
			weights[b.ID] = st.Buckets[b.ID].DataSize
		}
	}
	return weights
}

// GetMaps computes, installs and returns the map that follows a membership
// event. It runs on the coordinator only.
func (m *Manager) GetMaps(info DistributionInfo) (*DistributionMap, BalanceResult, error) {
	if len(info.Members) == 0 {
		return nil, NotRequired, fmt.Errorf("%w: no servers to distribute over", cacheerr.ErrGeneralFailure)
	}
	members := slices.Clone(info.Members)
	slices.SortFunc(members, membership.Address.Compare)

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	if cur == nil {
		owner := info.Affected
		if owner.IsZero() || !slices.Contains(members, owner) {
			owner = members[0]
		}
		dm := &DistributionMap{
			Version: mapVersion(info.ViewID, 1),
			ViewID:  info.ViewID,
			Buckets: make([]HashMapBucket, m.buckets),
			Mirrors: ring.New(members).MirrorMap(),
		}
		for i := range dm.Buckets {
			dm.Buckets[i] = HashMapBucket{ID: i, PermanentAddress: owner, TempAddress: owner}
		}
		m.installLocked(dm)
		log.Printf("[INFO] distributor: initial map v%d, all %d buckets on %s", dm.Version, m.buckets, owner)
		return dm, BalanceDone, nil
	}

	next := cur.next(info.ViewID)
	reallocBucketsInTransfer(next, members)
	distributeOrphanBuckets(next, members)

	switch info.Type {
	case NodeJoin:
		balanceBuckets(next, info.Affected, members, m.bucketWeights(next))
	case NodeLeave:
	case ManualBalance, AutoBalance:
		mgr := NewBalanceNodeMgr(next, members, m.bucketWeights(next))
		if res := mgr.BalanceNodes(info.Affected); res != BalanceDone {
			return cur, res, nil
		}
	case Decommission:
		if err := decommission(next, info.Affected, members); err != nil {
			return cur, NotRequired, err
		}
	}

	next.Mirrors = ring.New(members).MirrorMap()
	m.installLocked(next)
	log.Printf("[INFO] distributor: %s %s -> map v%d", info.Type, info.Affected, next.Version)
	return next, BalanceDone, nil
}

// reallocBucketsInTransfer cancels moves involving departed members. A bucket
// whose holder left while it was being copied stays with the receiver.
func reallocBucketsInTransfer(dm *DistributionMap, members []membership.Address) {
	for i := range dm.Buckets {
		b := &dm.Buckets[i]
		if !slices.Contains(members, b.PermanentAddress) && slices.Contains(members, b.TempAddress) &&
			b.TempAddress != b.PermanentAddress {
			b.PermanentAddress = b.TempAddress
			b.Status = Functional
		}
		if !slices.Contains(members, b.TempAddress) {
			b.TempAddress = b.PermanentAddress
			b.Status = Functional
		}
	}
}

// distributeOrphanBuckets hands buckets of departed members round robin to
// members holding fewer than their share.
func distributeOrphanBuckets(dm *DistributionMap, members []membership.Address) {
	var orphans []int
	for _, b := range dm.Buckets {
		if !slices.Contains(members, b.PermanentAddress) {
			orphans = append(orphans, b.ID)
		}
	}
	if len(orphans) == 0 {
		return
	}

	perNode := (len(dm.Buckets) + len(members) - 1) / len(members)
	owned := dm.OwnershipMap()
	counts := make(map[membership.Address]int, len(members))
	for _, a := range members {
		counts[a] = len(owned[a])
	}

	next := 0
	for _, id := range orphans {
		target := membership.Address{}
		for tries := 0; tries < len(members); tries++ {
			cand := members[next%len(members)]
			next++
			if counts[cand] < perNode {
				target = cand
				break
			}
		}
		if target.IsZero() {
			target = leastLoaded(members, counts)
		}
		dm.Buckets[id] = HashMapBucket{ID: id, PermanentAddress: target, TempAddress: target, Status: Functional}
		counts[target]++
	}
	log.Printf("[WARN] distributor: %d orphan buckets redistributed", len(orphans))
}

func leastLoaded(members []membership.Address, counts map[membership.Address]int) membership.Address {
	best := members[0]
	for _, a := range members[1:] {
		if counts[a] < counts[best] {
			best = a
		}
	}
	return best
}

// balanceBuckets moves each existing member's excess over N/members to the
// new member. Heavy buckets are taken first while they fit the member's
// weight share, light ones after.
func balanceBuckets(dm *DistributionMap, newNode membership.Address, members []membership.Address, weights map[int]int64) {
	target := len(dm.Buckets) / len(members)
	owned := dm.OwnershipMap()

	for _, o := range members {
		if o == newNode {
			continue
		}
		excess := len(owned[o]) - target
		if excess <= 0 {
			continue
		}

		var stable []int
		var nodeWeight int64
		for _, id := range owned[o] {
			if !dm.Buckets[id].Moving() && dm.Buckets[id].PermanentAddress == o {
				stable = append(stable, id)
				nodeWeight += weights[id]
			}
		}
		picks := pickBuckets(stable, excess, weights, nodeWeight/int64(len(members)))
		changeOwnership(dm, picks, newNode)
	}
}

func pickBuckets(ids []int, count int, weights map[int]int64, share int64) []int {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, func(a, b int) int {
		if weights[a] != weights[b] {
			if weights[a] > weights[b] {
				return -1
			}
			return 1
		}
		return a - b
	})

	taken := make(map[int]bool, count)
	var picks []int
	var acc int64
	for _, id := range sorted {
		if len(picks) == count {
			return picks
		}
		if w := weights[id]; w > 0 && acc+w <= share {
			acc += w
			picks = append(picks, id)
			taken[id] = true
		}
	}
	for i := len(sorted) - 1; i >= 0 && len(picks) < count; i-- {
		if !taken[sorted[i]] {
			picks = append(picks, sorted[i])
		}
	}
	slices.Sort(picks)
	return picks
}

func changeOwnership(dm *DistributionMap, ids []int, to membership.Address) {
	for _, id := range ids {
		dm.Buckets[id].TempAddress = to
		dm.Buckets[id].Status = NeedTransfer
	}
}

// decommission moves every bucket held by leaving to the least loaded survivor.
func decommission(dm *DistributionMap, leaving membership.Address, members []membership.Address) error {
	survivors := slices.DeleteFunc(slices.Clone(members), func(a membership.Address) bool { return a == leaving })
	if len(survivors) == 0 {
		return fmt.Errorf("%w: last server cannot hand off its buckets", cacheerr.ErrOperationNotSupported)
	}

	owned := dm.OwnershipMap()
	counts := make(map[membership.Address]int, len(survivors))
	for _, a := range survivors {
		counts[a] = len(owned[a])
	}
	for i := range dm.Buckets {
		b := &dm.Buckets[i]
		if b.TempAddress == leaving && b.PermanentAddress != leaving {
			b.TempAddress = b.PermanentAddress
			b.Status = Functional
			continue
		}
		if b.PermanentAddress != leaving || b.TempAddress != leaving {
			continue
		}
		target := leastLoaded(survivors, counts)
		b.TempAddress = target
		b.Status = NeedTransfer
		counts[target]++
	}
	return nil
}

// coordinatorChange clones the installed map with the next sequence number.
func (m *Manager) coordinatorChange() (*DistributionMap, error) {
	cur := m.current.Load()
	if cur == nil {
		return nil, fmt.Errorf("%w: no distribution map installed", cacheerr.ErrGeneralFailure)
	}
	return cur.next(cur.ViewID), nil
}

// LockBuckets marks the buckets requester is about to pull as under state
// transfer. Buckets no longer heading to requester report OwnerChanged. The
// returned map must be published when it differs from the previous one.
func (m *Manager) LockBuckets(ids []int, requester membership.Address) (map[int]LockStatus, *DistributionMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.coordinatorChange()
	if err != nil {
		return nil, nil, err
	}

	result := make(map[int]LockStatus, len(ids))
	changed := false
	for _, id := range ids {
		if id < 0 || id >= len(next.Buckets) {
			continue
		}
		b := &next.Buckets[id]
		if b.TempAddress != requester || b.PermanentAddress == requester {
			result[id] = OwnerChanged
			continue
		}
		if b.Status != UnderStateTransfer {
			b.Status = UnderStateTransfer
			changed = true
		}
		result[id] = LockAcquired
	}
	if !changed {
		return result, m.current.Load(), nil
	}
	m.installLocked(next)
	return result, next, nil
}

// ReleaseBuckets completes the move of buckets pulled by requester.
func (m *Manager) ReleaseBuckets(ids []int, requester membership.Address) (*DistributionMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.coordinatorChange()
	if err != nil {
		return nil, err
	}
	changed := false
	for _, id := range ids {
		if id < 0 || id >= len(next.Buckets) {
			continue
		}
		b := &next.Buckets[id]
		if b.TempAddress != requester {
			continue
		}
		b.PermanentAddress = requester
		b.Status = Functional
		changed = true
	}
	if !changed {
		return m.current.Load(), nil
	}
	m.installLocked(next)
	return next, nil
}

// AnnounceStateTransfer applies the requester's announcement locally: buckets
// heading to requester are marked under state transfer. The version is not
// bumped, the next published map supersedes the overlay.
func (m *Manager) AnnounceStateTransfer(ids []int, requester membership.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current.Load()
	if cur == nil {
		return
	}
	overlay := cur.Clone()
	changed := false
	for _, id := range ids {
		if id < 0 || id >= len(overlay.Buckets) {
			continue
		}
		b := &overlay.Buckets[id]
		if b.TempAddress == requester && b.Status == NeedTransfer {
			b.Status = UnderStateTransfer
			changed = true
		}
	}
	if changed {
		m.installLocked(overlay)
	}
}

func (m *Manager) VerifyTemporaryOwnership(bucket int, addr membership.Address) bool {
	b, ok := m.Bucket(bucket)
	return ok && b.TempAddress == addr
}

func (m *Manager) VerifyPermanentOwnership(bucket int, addr membership.Address) bool {
	b, ok := m.Bucket(bucket)
	return ok && b.PermanentAddress == addr
}

// BucketsForTransfer groups the buckets local has to pull by current holder.
func (m *Manager) BucketsForTransfer(local membership.Address) map[membership.Address][]int {
	out := map[membership.Address][]int{}
	dm := m.current.Load()
	if dm == nil {
		return out
	}
	for _, b := range dm.Buckets {
		if b.TempAddress == local && b.PermanentAddress != local && b.Status != Functional {
			out[b.PermanentAddress] = append(out[b.PermanentAddress], b.ID)
		}
	}
	return out
}

func (m *Manager) InStateTransfer() bool {
	return m.current.Load().InStateTransfer()
}

func (m *Manager) LocalBuckets(local membership.Address) []int {
	return m.current.Load().PermanentBuckets(local)
}

// NodeLoad is the announced data size of one server.
type NodeLoad struct {
	Address             membership.Address
	DataSize            int64
	PercentAboveAverage int64
}

// CandidateNodesForBalance returns the servers whose data size exceeds the
// average by more than the auto-balancing threshold, most loaded first.
func (m *Manager) CandidateNodesForBalance(members []membership.Address) []NodeLoad {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(members) < 2 {
		return nil
	}
	var total int64
	sizes := make(map[membership.Address]int64, len(members))
	for _, a := range members {
		sizes[a] = m.load[a].DataSize
		total += sizes[a]
	}
	avg := total / int64(len(members))
	if avg == 0 {
		return nil
	}

	var out []NodeLoad
	for _, a := range members {
		above := (sizes[a] - avg) * 100 / avg
		if above > int64(m.threshold) {
			out = append(out, NodeLoad{Address: a, DataSize: sizes[a], PercentAboveAverage: above})
		}
	}
	slices.SortFunc(out, func(x, y NodeLoad) int {
		if x.PercentAboveAverage != y.PercentAboveAverage {
			if x.PercentAboveAverage > y.PercentAboveAverage {
				return -1
			}
			return 1
		}
		return x.Address.Compare(y.Address)
	})
	return out
}

// Reset forgets the installed map, used when the node leaves the cluster.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Store(nil)
	close(m.changed)
	m.changed = make(chan struct{})
	m.load = map[membership.Address]engine.Statistics{}
	m.OpLog.Reset()
}
