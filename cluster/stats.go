package cluster

import (
	"slices"
	"sync"

	"iriscache/membership"
)

// Stats is the table of NodeInfo announced by every server, the local one
// included.
type Stats struct {
	mu    sync.RWMutex
	local membership.Address
	nodes map[membership.Address]*membership.NodeInfo
}

func NewStats(local membership.Address) *Stats {
	return &Stats{
		local: local,
		nodes: map[membership.Address]*membership.NodeInfo{
			local: {Address: local},
		},
	}
}

// Local returns a copy of the local node's info.
func (s *Stats) Local() *membership.NodeInfo {
	return s.Get(s.local)
}

func (s *Stats) Get(a membership.Address) *membership.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[a].Clone()
}

// UpdateLocal applies fn to the local entry under the table lock.
func (s *Stats) UpdateLocal(fn func(*membership.NodeInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.nodes[s.local])
}

// Update replaces a remote node's info. Announcements about the local node
// are ignored.
func (s *Stats) Update(info *membership.NodeInfo) {
	if info == nil || info.Address == s.local {
		return
	}
	s.mu.Lock()
	s.nodes[info.Address] = info.Clone()
	s.mu.Unlock()
}

// Modify applies fn to a remote node's entry under the table lock, creating
// the entry if the node has not announced itself yet.
func (s *Stats) Modify(a membership.Address, fn func(*membership.NodeInfo)) {
	if a == s.local {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.nodes[a]
	if !ok {
		info = &membership.NodeInfo{Address: a}
		s.nodes[a] = info
	}
	fn(info)
}

func (s *Stats) Remove(a membership.Address) {
	if a == s.local {
		return
	}
	s.mu.Lock()
	delete(s.nodes, a)
	s.mu.Unlock()
}

// All returns copies of every known entry in join order.
func (s *Stats) All() []*membership.NodeInfo {
	s.mu.RLock()
	out := make([]*membership.NodeInfo, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *membership.NodeInfo) int { return a.Address.Compare(b.Address) })
	return out
}
