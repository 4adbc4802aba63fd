package ring

import (
	"hash/crc32"
	"sort"

	"iriscache/membership"
)

type Node struct {
	Hash   uint32
	Member membership.Address
}

// HashRing places servers on a crc32 ring. Each server's mirror is its
// successor on the ring, so every node has a distinct backup target.
type HashRing []Node

func (h HashRing) Len() int {
	return len(h)
}
func (h HashRing) Less(i, j int) bool {
	if h[i].Hash == h[j].Hash {
		return h[i].Member.Compare(h[j].Member) < 0
	}
	return h[i].Hash < h[j].Hash
}

func (h HashRing) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func New(members []membership.Address) HashRing {
	h := HashRing{}
	for _, m := range members {
		h.AddServer(m)
	}
	return h
}

func (h *HashRing) AddServer(server membership.Address) {
	for _, n := range *h {
		if n.Member == server {
			return
		}
	}
	hash := crc32.ChecksumIEEE([]byte(server.Name()))
	*h = append(*h, Node{Hash: hash, Member: server})
	sort.Sort(h)
}

func (h *HashRing) RemoveServer(server membership.Address) {
	for i, node := range *h {
		if node.Member == server {
			*h = append((*h)[:i], (*h)[i+1:]...)
			break
		}
	}
}

// Successor returns the next server clockwise from server, or the zero
// address when the ring holds fewer than two servers.
func (h HashRing) Successor(server membership.Address) membership.Address {
	if len(h) < 2 {
		return membership.Address{}
	}
	for i, node := range h {
		if node.Member == server {
			return h[(i+1)%len(h)].Member
		}
	}
	return membership.Address{}
}

// MirrorMap maps every server name to its successor.
func (h HashRing) MirrorMap() map[string]membership.Address {
	out := make(map[string]membership.Address, len(h))
	for _, node := range h {
		if next := h.Successor(node.Member); !next.IsZero() {
			out[node.Member.Name()] = next
		}
	}
	return out
}
