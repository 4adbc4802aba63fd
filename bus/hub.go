package bus

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"iriscache/membership"
)

// Hub is an in-process group transport. Views are installed under one lock
// and queued to every member in the same order, which makes it view
// synchronous. Used by tests and single-process demos.
type Hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	viewID  uint64
	members []*HubChannel
	holds   []*hold
}

type hold struct {
	match   func(to membership.Address, op Opcode) bool
	pending []func()
}

func NewHub() *Hub {
	h := &Hub{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

type HubChannel struct {
	hub      *Hub
	addr     membership.Address
	identity membership.Identity

	recv      Receiver
	in        *inbox
	connected bool
	allowJoin bool
}

var _ GroupChannel = (*HubChannel)(nil)

func (h *Hub) NewChannel(addr membership.Address, id membership.Identity) *HubChannel {
	return &HubChannel{hub: h, addr: addr, identity: id, allowJoin: true}
}

func (h *Hub) joinsAllowed() bool {
	for _, m := range h.members {
		if !m.allowJoin {
			return false
		}
	}
	return true
}

// installViewLocked queues the current view to every member. h.mu is held.
func (h *Hub) installViewLocked() {
	h.viewID++
	addrs := make([]membership.Address, 0, len(h.members))
	for _, m := range h.members {
		addrs = append(addrs, m.addr)
	}
	view := membership.NewView(h.viewID, addrs)
	for _, m := range h.members {
		recv := m.recv
		m.in.push(func() { recv.ViewAccepted(view) })
	}
}

func (h *Hub) lookup(addr membership.Address) *HubChannel {
	for _, m := range h.members {
		if m.addr == addr {
			return m
		}
	}
	return nil
}

func (h *Hub) remove(c *HubChannel, suspect bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.connected {
		return
	}
	for i, m := range h.members {
		if m == c {
			h.members = append(h.members[:i], h.members[i+1:]...)
			break
		}
	}
	c.connected = false
	c.in.close()
	if suspect {
		for _, m := range h.members {
			recv := m.recv
			m.in.push(func() { recv.Suspect(c.addr) })
		}
	}
	h.installViewLocked()
	h.cond.Broadcast()
}

// Kill drops a member without a graceful leave, the way a crashed process
// disappears: peers first suspect it, then get a view without it.
func (h *Hub) Kill(addr membership.Address) {
	h.mu.Lock()
	c := h.lookup(addr)
	h.mu.Unlock()
	if c != nil {
		log.Printf("[WARN] hub: killing %s", addr)
		h.remove(c, true)
	}
}

// Hold parks every request sent to a member for which match returns true
// until release is called. Parked requests are then delivered in the order
// they were sent. Replies are never held. match runs under the hub lock.
func (h *Hub) Hold(match func(to membership.Address, op Opcode) bool) (release func()) {
	hd := &hold{match: match}
	h.mu.Lock()
	h.holds = append(h.holds, hd)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.holds = slices.DeleteFunc(h.holds, func(x *hold) bool { return x == hd })
			for _, deliver := range hd.pending {
				deliver()
			}
			hd.pending = nil
		})
	}
}

// heldLocked returns the hold that parks data on its way to dest. h.mu is held.
func (h *Hub) heldLocked(dest membership.Address, data []byte) *hold {
	if len(h.holds) == 0 {
		return nil
	}
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil || f.Function == nil {
		return nil
	}
	for _, hd := range h.holds {
		if hd.match(dest, f.Function.Opcode) {
			return hd
		}
	}
	return nil
}

// Connect joins the hub. It blocks while any member refuses joins.
func (c *HubChannel) Connect(ctx context.Context, r Receiver) error {
	h := c.hub
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	if c.connected {
		return fmt.Errorf("%s already connected", c.addr)
	}
	for !h.joinsAllowed() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("join refused while cluster is in state transfer: %w", err)
		}
		h.cond.Wait()
	}
	c.recv = r
	c.in = newInbox()
	c.connected = true
	h.members = append(h.members, c)
	h.installViewLocked()
	return nil
}

func (c *HubChannel) LocalAddress() membership.Address { return c.addr }

func (c *HubChannel) Send(ctx context.Context, dest membership.Address, data []byte) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("send from %s: %w", c.addr, ErrNotMember)
	}
	target := h.lookup(dest)
	if target == nil {
		return fmt.Errorf("send to %s: %w", dest, ErrNotMember)
	}
	from, recv := c.addr, target.recv
	if hd := h.heldLocked(dest, data); hd != nil {
		hd.pending = append(hd.pending, func() { target.in.push(func() { recv.Receive(from, data) }) })
		return nil
	}
	if !target.in.push(func() { recv.Receive(from, data) }) {
		return fmt.Errorf("send to %s: %w", dest, ErrNotMember)
	}
	return nil
}

func (c *HubChannel) MemberIdentity(addr membership.Address) (membership.Identity, bool) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.lookup(addr); m != nil {
		return m.identity, true
	}
	return membership.Identity{}, false
}

func (c *HubChannel) Down(ev Event) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	switch ev.Type {
	case EventConfig:
		c.identity = ev.Identity
	case EventMarkClusterInStateTransfer:
		c.allowJoin = false
	case EventMarkClusterStateTransferCompleted:
		c.allowJoin = true
		h.cond.Broadcast()
	case EventConfirmClusterStartup:
	}
}

func (c *HubChannel) Leave(ctx context.Context) error {
	c.hub.remove(c, false)
	return nil
}

func (c *HubChannel) Close() error {
	return c.Leave(context.Background())
}
