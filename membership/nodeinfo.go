package membership

import (
	"slices"

	"iriscache/engine"
	"iriscache/utils"
)

// NodeInfo is the snapshot a member publishes about itself in presence
// announcements. Clone before handing it to another goroutine or the wire.
type NodeInfo struct {
	Address            Address
	Status             NodeStatus
	SubGroupID         string
	ConnectedClients   []string
	Statistics         engine.Statistics
	DataAffinityGroups []string
	RendererHost       string
	RendererPort       int
	InStateTransfer    bool
	Host               utils.HostStats
}

func (n *NodeInfo) Clone() *NodeInfo {
	if n == nil {
		return nil
	}
	c := *n
	c.ConnectedClients = slices.Clone(n.ConnectedClients)
	c.DataAffinityGroups = slices.Clone(n.DataAffinityGroups)
	c.Statistics = n.Statistics.Clone()
	return &c
}
