package distributor

import (
	"fmt"
	"slices"

	"iriscache/membership"
)

type BucketStatus uint8

const (
	Functional BucketStatus = iota
	UnderStateTransfer
	NeedTransfer
)

func (s BucketStatus) String() string {
	switch s {
	case Functional:
		return "functional"
	case UnderStateTransfer:
		return "under-state-transfer"
	case NeedTransfer:
		return "need-transfer"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// HashMapBucket is one unit of ownership. PermanentAddress holds the data and
// receives routed requests; TempAddress is the owner the bucket is moving to
// and equals PermanentAddress when no move is planned.
type HashMapBucket struct {
	ID               int
	PermanentAddress membership.Address
	TempAddress      membership.Address
	Status           BucketStatus
}

func (b HashMapBucket) Moving() bool {
	return b.TempAddress != b.PermanentAddress || b.Status != Functional
}

// DistributionMap is never mutated once installed; changes are made on a Clone.
type DistributionMap struct {
	Version uint64
	ViewID  uint64
	Buckets []HashMapBucket
	Mirrors map[string]membership.Address
}

func mapVersion(viewID uint64, seq uint32) uint64 {
	return viewID<<32 | uint64(seq)
}

func (m *DistributionMap) Clone() *DistributionMap {
	if m == nil {
		return nil
	}
	c := *m
	c.Buckets = slices.Clone(m.Buckets)
	return &c
}

// next returns a clone carrying the version that follows m for the given view.
func (m *DistributionMap) next(viewID uint64) *DistributionMap {
	c := m.Clone()
	seq := uint32(1)
	if m.ViewID == viewID {
		seq = uint32(m.Version) + 1
	} else if m.ViewID > viewID {
		viewID = m.ViewID
		seq = uint32(m.Version) + 1
	}
	c.ViewID = viewID
	c.Version = mapVersion(viewID, seq)
	return c
}

func (m *DistributionMap) Bucket(id int) (HashMapBucket, bool) {
	if m == nil || id < 0 || id >= len(m.Buckets) {
		return HashMapBucket{}, false
	}
	return m.Buckets[id], true
}

// OwnershipMap groups bucket ids by the owner they are heading to.
func (m *DistributionMap) OwnershipMap() map[membership.Address][]int {
	out := map[membership.Address][]int{}
	if m == nil {
		return out
	}
	for _, b := range m.Buckets {
		owner := b.TempAddress
		if owner.IsZero() {
			owner = b.PermanentAddress
		}
		out[owner] = append(out[owner], b.ID)
	}
	return out
}

// PermanentBuckets lists the buckets whose data addr currently holds.
func (m *DistributionMap) PermanentBuckets(addr membership.Address) []int {
	var ids []int
	if m == nil {
		return ids
	}
	for _, b := range m.Buckets {
		if b.PermanentAddress == addr {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

func (m *DistributionMap) InStateTransfer() bool {
	if m == nil {
		return false
	}
	for _, b := range m.Buckets {
		if b.Moving() {
			return true
		}
	}
	return false
}

// CheckPartition verifies that every bucket has exactly one permanent owner
// drawn from members and, for stable maps, that nothing is moving.
func (m *DistributionMap) CheckPartition(n int, members []membership.Address) error {
	if m == nil {
		return fmt.Errorf("no distribution map")
	}
	if len(m.Buckets) != n {
		return fmt.Errorf("map has %d buckets, want %d", len(m.Buckets), n)
	}
	for i, b := range m.Buckets {
		if b.ID != i {
			return fmt.Errorf("bucket at %d has id %d", i, b.ID)
		}
		if !slices.Contains(members, b.PermanentAddress) {
			return fmt.Errorf("bucket %d owned by non-member %s", i, b.PermanentAddress)
		}
	}
	return nil
}
