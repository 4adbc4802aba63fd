package membership

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// View is an immutable membership snapshot. Members are sorted in join order
// and the first one is the coordinator.
type View struct {
	ID      uint64
	Members []Address
}

func NewView(id uint64, members []Address) *View {
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, Address.Compare)
	sorted = slices.Compact(sorted)
	return &View{ID: id, Members: sorted}
}

func (v *View) Size() int {
	if v == nil {
		return 0
	}
	return len(v.Members)
}

func (v *View) Coordinator() Address {
	if v.Size() == 0 {
		return Address{}
	}
	return v.Members[0]
}

func (v *View) Contains(a Address) bool {
	if v == nil {
		return false
	}
	return slices.Contains(v.Members, a)
}

// Diff returns the members present only in next (joined) and only in prev
// (left), each in join order.
func Diff(prev, next *View) (joined, left []Address) {
	oldSet := mapset.NewThreadUnsafeSet[Address]()
	newSet := mapset.NewThreadUnsafeSet[Address]()
	if prev != nil {
		oldSet.Append(prev.Members...)
	}
	if next != nil {
		newSet.Append(next.Members...)
	}
	joined = newSet.Difference(oldSet).ToSlice()
	left = oldSet.Difference(newSet).ToSlice()
	slices.SortFunc(joined, Address.Compare)
	slices.SortFunc(left, Address.Compare)
	return joined, left
}
