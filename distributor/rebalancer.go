package distributor

import (
	"log"
	"slices"

	"iriscache/membership"
)

// BalanceNodeMgr plans moving weight off one overloaded server. Buckets are
// reassigned on the map it was given; nothing moves until the requesters pull
// them through state transfer.
type BalanceNodeMgr struct {
	dm      *DistributionMap
	members []membership.Address
	weights map[int]int64
}

func NewBalanceNodeMgr(dm *DistributionMap, members []membership.Address, weights map[int]int64) *BalanceNodeMgr {
	return &BalanceNodeMgr{dm: dm, members: members, weights: weights}
}

func (b *BalanceNodeMgr) nodeSizes() (map[membership.Address]int64, int64) {
	sizes := make(map[membership.Address]int64, len(b.members))
	var total int64
	for _, bucket := range b.dm.Buckets {
		if slices.Contains(b.members, bucket.PermanentAddress) {
			sizes[bucket.PermanentAddress] += b.weights[bucket.ID]
			total += b.weights[bucket.ID]
		}
	}
	return sizes, total
}

// BalanceNodes moves the primary's weight above the average to the servers
// below it, in proportion to how far each is below. A bucket may overshoot a
// target by at most a 10% cushion.
func (b *BalanceNodeMgr) BalanceNodes(primary membership.Address) BalanceResult {
	if b.dm.InStateTransfer() {
		return AlreadyInBalancing
	}
	if len(b.members) < 2 || !slices.Contains(b.members, primary) {
		return NotRequired
	}

	sizes, total := b.nodeSizes()
	if total == 0 {
		return NotRequired
	}
	avg := total / int64(len(b.members))
	if sizes[primary] <= avg {
		return NotRequired
	}
	weightToMove := sizes[primary] - avg

	type gap struct {
		addr    membership.Address
		missing int64
	}
	var gaps []gap
	var totalMissing int64
	for _, a := range b.members {
		if a != primary && sizes[a] < avg {
			gaps = append(gaps, gap{addr: a, missing: avg - sizes[a]})
			totalMissing += avg - sizes[a]
		}
	}
	if len(gaps) == 0 {
		return NotRequired
	}

	candidates := b.dm.PermanentBuckets(primary)
	slices.SortFunc(candidates, func(x, y int) int {
		if b.weights[x] != b.weights[y] {
			if b.weights[x] > b.weights[y] {
				return -1
			}
			return 1
		}
		return x - y
	})

	moved := map[int]membership.Address{}
	for _, g := range gaps {
		percentShare := g.missing * 100 / totalMissing
		weightToGain := percentShare * weightToMove / 100
		cushion := weightToGain / 10

		var gained int64
		for _, id := range candidates {
			if gained >= weightToGain {
				break
			}
			w := b.weights[id]
			if _, taken := moved[id]; taken || w == 0 || gained+w > weightToGain+cushion {
				continue
			}
			moved[id] = g.addr
			gained += w
		}
	}
	if len(moved) == 0 {
		return NotRequired
	}
	b.ApplyChangesInHashMap(moved)
	log.Printf("[INFO] distributor: balancing %s, %d buckets scheduled to move", primary, len(moved))
	return BalanceDone
}

// ApplyChangesInHashMap schedules each bucket to move to its new owner.
func (b *BalanceNodeMgr) ApplyChangesInHashMap(moved map[int]membership.Address) {
	for id, to := range moved {
		b.dm.Buckets[id].TempAddress = to
		b.dm.Buckets[id].Status = NeedTransfer
	}
}
