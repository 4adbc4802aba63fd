package bus

import (
	"context"
	"errors"
	"sync"

	"iriscache/membership"
)

// ErrNotMember is returned by a channel asked to reach an address that is not
// in its current view.
var ErrNotMember = errors.New("destination is not a member")

type EventType uint8

const (
	EventConfig EventType = iota + 1
	EventMarkClusterInStateTransfer
	EventMarkClusterStateTransferCompleted
	EventConfirmClusterStartup
)

// Event is a control-plane signal sent down to the channel.
type Event struct {
	Type     EventType
	Identity membership.Identity
}

// Receiver gets the channel's upcalls. Calls are made from a single goroutine
// per channel, in delivery order.
type Receiver interface {
	ViewAccepted(view *membership.View)
	Receive(from membership.Address, data []byte)
	Suspect(member membership.Address)
}

// GroupChannel is a view-synchronous group transport.
type GroupChannel interface {
	Connect(ctx context.Context, r Receiver) error
	LocalAddress() membership.Address
	Send(ctx context.Context, dest membership.Address, data []byte) error
	MemberIdentity(addr membership.Address) (membership.Identity, bool)
	Down(ev Event)
	Leave(ctx context.Context) error
	Close() error
}

// inbox is an unbounded FIFO drained by one goroutine, so producers never
// block on a slow receiver.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newInbox() *inbox {
	in := &inbox{done: make(chan struct{})}
	in.cond = sync.NewCond(&in.mu)
	go in.run()
	return in
}

func (in *inbox) push(fn func()) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.queue = append(in.queue, fn)
	in.cond.Signal()
	return true
}

func (in *inbox) run() {
	defer close(in.done)
	for {
		in.mu.Lock()
		for len(in.queue) == 0 && !in.closed {
			in.cond.Wait()
		}
		if len(in.queue) == 0 && in.closed {
			in.mu.Unlock()
			return
		}
		fn := in.queue[0]
		in.queue[0] = nil
		in.queue = in.queue[1:]
		in.mu.Unlock()
		fn()
	}
}

// close stops accepting work; queued work is still delivered.
func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.cond.Broadcast()
	in.mu.Unlock()
}
