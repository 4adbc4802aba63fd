package bus

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/memberlist"
	"go.uber.org/atomic"

	"iriscache/membership"
)

// MemberlistConfig configures the gossip transport. Seeds are host:port
// addresses of existing members; an empty list starts a new cluster.
type MemberlistConfig struct {
	Seeds []string
	// LAN timings are used unless Local is set, which selects the faster
	// loopback profile.
	Local bool
}

type nodeMeta struct {
	Generation int64
	Identity   membership.Identity
}

type packet struct {
	From membership.Address
	Data []byte
}

type mlMember struct {
	addr     membership.Address
	identity membership.Identity
	node     *memberlist.Node
}

// MemberlistChannel is a GroupChannel on top of hashicorp/memberlist. Every
// membership change observed by the local node yields a new view with a
// locally increasing id.
type MemberlistChannel struct {
	cfg      MemberlistConfig
	local    membership.Address
	identity membership.Identity

	list *memberlist.Memberlist
	recv Receiver
	in   *inbox

	mu        sync.Mutex
	viewID    uint64
	members   map[string]*mlMember
	allowJoin *atomic.Bool
	left      *atomic.Bool
}

var _ GroupChannel = (*MemberlistChannel)(nil)

func NewMemberlistChannel(local membership.Address, id membership.Identity, cfg MemberlistConfig) *MemberlistChannel {
	return &MemberlistChannel{
		cfg:       cfg,
		local:     local,
		identity:  id,
		members:   map[string]*mlMember{},
		allowJoin: atomic.NewBool(true),
		left:      atomic.NewBool(false),
	}
}

func (c *MemberlistChannel) Connect(ctx context.Context, r Receiver) error {
	conf := memberlist.DefaultLANConfig()
	if c.cfg.Local {
		conf = memberlist.DefaultLocalConfig()
	}
	conf.Name = c.local.Name()
	conf.BindAddr = c.local.Host
	conf.BindPort = c.local.Port
	conf.AdvertiseAddr = c.local.Host
	conf.AdvertisePort = c.local.Port
	conf.Delegate = (*mlDelegate)(c)
	conf.Events = (*mlEvents)(c)
	conf.Merge = (*mlMerge)(c)
	conf.Logger = log.Default()

	c.recv = r
	c.in = newInbox()

	list, err := memberlist.Create(conf)
	if err != nil {
		c.in.close()
		return fmt.Errorf("start memberlist on %s: %w", c.local.HostPort(), err)
	}
	c.list = list
	c.addMember(list.LocalNode())

	seeds := slices.DeleteFunc(slices.Clone(c.cfg.Seeds), func(s string) bool { return s == c.local.HostPort() })
	if len(seeds) > 0 {
		n, err := list.Join(seeds)
		if err != nil {
			if ctx.Err() != nil {
				list.Shutdown()
				return ctx.Err()
			}
			log.Printf("[WARN] memberlist: could not reach any seed %v (%v), starting a new cluster", seeds, err)
		} else {
			log.Printf("[INFO] memberlist: joined through %d seed(s)", n)
		}
	}
	return nil
}

func (c *MemberlistChannel) LocalAddress() membership.Address { return c.local }

func (c *MemberlistChannel) decodeNode(n *memberlist.Node) (*mlMember, error) {
	var meta nodeMeta
	if err := cbor.Unmarshal(n.Meta, &meta); err != nil {
		return nil, fmt.Errorf("node %s meta: %w", n.Name, err)
	}
	addr, err := membership.ParseAddress(n.Name, meta.Generation)
	if err != nil {
		return nil, err
	}
	return &mlMember{addr: addr, identity: meta.Identity, node: n}, nil
}

func (c *MemberlistChannel) addMember(n *memberlist.Node) {
	m, err := c.decodeNode(n)
	if err != nil {
		log.Printf("[WARN] memberlist: ignoring member: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[n.Name]; ok {
		c.members[n.Name] = m
		return
	}
	c.members[n.Name] = m
	c.pushViewLocked()
}

func (c *MemberlistChannel) removeMember(n *memberlist.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[n.Name]
	if !ok {
		return
	}
	delete(c.members, n.Name)
	recv, addr := c.recv, m.addr
	c.in.push(func() { recv.Suspect(addr) })
	c.pushViewLocked()
}

func (c *MemberlistChannel) pushViewLocked() {
	c.viewID++
	addrs := make([]membership.Address, 0, len(c.members))
	for _, m := range c.members {
		addrs = append(addrs, m.addr)
	}
	view := membership.NewView(c.viewID, addrs)
	recv := c.recv
	c.in.push(func() { recv.ViewAccepted(view) })
}

func (c *MemberlistChannel) Send(ctx context.Context, dest membership.Address, data []byte) error {
	c.mu.Lock()
	m, ok := c.members[dest.Name()]
	c.mu.Unlock()
	if !ok || m.addr != dest || c.list == nil {
		return fmt.Errorf("send to %s: %w", dest, ErrNotMember)
	}
	buf, err := cbor.Marshal(packet{From: c.local, Data: data})
	if err != nil {
		return err
	}
	if err := c.list.SendReliable(m.node, buf); err != nil {
		return fmt.Errorf("send to %s: %w", dest, err)
	}
	return nil
}

func (c *MemberlistChannel) MemberIdentity(addr membership.Address) (membership.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[addr.Name()]
	if !ok {
		return membership.Identity{}, false
	}
	return m.identity, true
}

func (c *MemberlistChannel) Down(ev Event) {
	switch ev.Type {
	case EventConfig:
		c.mu.Lock()
		c.identity = ev.Identity
		c.mu.Unlock()
		if c.list != nil {
			if err := c.list.UpdateNode(5 * time.Second); err != nil {
				log.Printf("[WARN] memberlist: metadata update failed: %v", err)
			}
		}
	case EventMarkClusterInStateTransfer:
		c.allowJoin.Store(false)
	case EventMarkClusterStateTransferCompleted:
		c.allowJoin.Store(true)
	case EventConfirmClusterStartup:
		log.Printf("[INFO] memberlist: cluster startup confirmed on %s", c.local)
	}
}

func (c *MemberlistChannel) Leave(ctx context.Context) error {
	if c.list == nil || !c.left.CompareAndSwap(false, true) {
		return nil
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := c.list.Leave(timeout); err != nil {
		log.Printf("[WARN] memberlist: leave broadcast failed: %v", err)
	}
	err := c.list.Shutdown()
	c.in.close()
	return err
}

func (c *MemberlistChannel) Close() error {
	return c.Leave(context.Background())
}

type mlDelegate MemberlistChannel

func (d *mlDelegate) NodeMeta(limit int) []byte {
	c := (*MemberlistChannel)(d)
	c.mu.Lock()
	meta := nodeMeta{Generation: c.local.Generation, Identity: c.identity}
	c.mu.Unlock()
	buf, err := cbor.Marshal(meta)
	if err != nil || len(buf) > limit {
		log.Printf("[ERROR] memberlist: node metadata does not fit (%d > %d bytes)", len(buf), limit)
		return nil
	}
	return buf
}

func (d *mlDelegate) NotifyMsg(buf []byte) {
	c := (*MemberlistChannel)(d)
	var p packet
	if err := cbor.Unmarshal(buf, &p); err != nil {
		log.Printf("[WARN] memberlist: dropping malformed packet: %v", err)
		return
	}
	recv := c.recv
	c.in.push(func() { recv.Receive(p.From, p.Data) })
}

func (d *mlDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *mlDelegate) LocalState(join bool) []byte { return nil }

func (d *mlDelegate) MergeRemoteState(buf []byte, join bool) {}

type mlEvents MemberlistChannel

func (e *mlEvents) NotifyJoin(n *memberlist.Node) { (*MemberlistChannel)(e).addMember(n) }

func (e *mlEvents) NotifyLeave(n *memberlist.Node) { (*MemberlistChannel)(e).removeMember(n) }

func (e *mlEvents) NotifyUpdate(n *memberlist.Node) { (*MemberlistChannel)(e).addMember(n) }

type mlMerge MemberlistChannel

// NotifyMerge refuses new members while this node is in state transfer.
func (m *mlMerge) NotifyMerge(peers []*memberlist.Node) error {
	if !(*MemberlistChannel)(m).allowJoin.Load() {
		return fmt.Errorf("cluster is in state transfer, joins are refused")
	}
	return nil
}
