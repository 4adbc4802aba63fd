package cluster

import (
	"maps"
	"slices"

	"iriscache/membership"
)

// Snapshot is the membership as of one applied view. It is never mutated
// after it is published; readers load it without locking.
type Snapshot struct {
	View            *membership.View
	Servers         []membership.Address
	ValidMembers    []membership.Address
	Coordinator     membership.Address
	SubClusters     map[string][]membership.Address
	SubCoordinators map[string]membership.Address
	States          map[membership.Address]membership.MemberState
	Identities      map[membership.Address]membership.Identity
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		SubClusters:     map[string][]membership.Address{},
		SubCoordinators: map[string]membership.Address{},
		States:          map[membership.Address]membership.MemberState{},
		Identities:      map[membership.Address]membership.Identity{},
	}
}

func (s *Snapshot) ViewID() uint64 {
	if s.View == nil {
		return 0
	}
	return s.View.ID
}

func (s *Snapshot) IsServer(a membership.Address) bool {
	return s.States[a] == membership.StateValidatedServer
}

func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		View:            s.View,
		Servers:         slices.Clone(s.Servers),
		ValidMembers:    slices.Clone(s.ValidMembers),
		Coordinator:     s.Coordinator,
		SubClusters:     maps.Clone(s.SubClusters),
		SubCoordinators: maps.Clone(s.SubCoordinators),
		States:          maps.Clone(s.States),
		Identities:      maps.Clone(s.Identities),
	}
}

// derive recomputes everything that follows from the view and the member
// states: server list, coordinators and sub-clusters.
func (s *Snapshot) derive() {
	s.Servers = s.Servers[:0]
	s.ValidMembers = s.ValidMembers[:0]
	s.SubClusters = map[string][]membership.Address{}
	s.SubCoordinators = map[string]membership.Address{}
	if s.View == nil {
		s.Coordinator = membership.Address{}
		return
	}
	for _, a := range s.View.Members {
		switch s.States[a] {
		case membership.StateValidatedServer:
			s.Servers = append(s.Servers, a)
			s.ValidMembers = append(s.ValidMembers, a)
			group := s.Identities[a].SubGroupID
			s.SubClusters[group] = append(s.SubClusters[group], a)
		case membership.StateValidatedNonServer:
			s.ValidMembers = append(s.ValidMembers, a)
		}
	}
	s.Coordinator = membership.Address{}
	if len(s.Servers) > 0 {
		s.Coordinator = s.Servers[0]
	}
	for group, members := range s.SubClusters {
		s.SubCoordinators[group] = members[0]
	}
}
