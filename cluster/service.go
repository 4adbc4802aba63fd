package cluster

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"

	"iriscache/bus"
	"iriscache/membership"
)

// Participant is the topology half of the cluster service. Membership
// callbacks run on the service's view goroutine, one view at a time: every
// departure first, then every arrival, then OnAfterMembershipChange.
type Participant interface {
	bus.Handler
	OnMemberJoined(addr membership.Address, id membership.Identity)
	OnMemberLeft(addr membership.Address)
	OnAfterMembershipChange(change Change)
}

// Change summarizes one applied view.
type Change struct {
	View   *membership.View
	Joined []membership.Address
	Left   []membership.Address
	// Bootstrap is set for the first view this node applies when it is
	// the only server in it.
	Bootstrap bool
}

type Service struct {
	ch       bus.GroupChannel
	gw       *bus.Gateway
	local    membership.Address
	identity membership.Identity
	status   *membership.StatusLatch
	stats    *Stats

	participant Participant

	viewMu   sync.Mutex
	lastView uint64
	applied  int
	snap     atomic.Pointer[Snapshot]

	queueMu sync.Mutex
	queue   []*membership.View
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}

	allowJoin *atomic.Bool
	started   *atomic.Bool
	closed    *atomic.Bool
}

var _ bus.Receiver = (*Service)(nil)

func New(ch bus.GroupChannel, identity membership.Identity, timeout time.Duration) (*Service, error) {
	s := &Service{
		ch:        ch,
		local:     ch.LocalAddress(),
		identity:  identity,
		status:    membership.NewStatusLatch(),
		stats:     NewStats(ch.LocalAddress()),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		allowJoin: atomic.NewBool(true),
		started:   atomic.NewBool(false),
		closed:    atomic.NewBool(false),
	}
	s.snap.Store(emptySnapshot())
	s.stats.UpdateLocal(func(n *membership.NodeInfo) {
		n.SubGroupID = identity.SubGroupID
		n.RendererHost = identity.RendererHost
		n.RendererPort = identity.RendererPort
	})

	gw, err := bus.NewGateway(ch, s.dispatch, s.Servers, timeout)
	if err != nil {
		return nil, err
	}
	s.gw = gw
	return s, nil
}

// Start attaches p and joins the group. Views start flowing to p as soon as
// the channel is connected.
func (s *Service) Start(ctx context.Context, p Participant) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("cluster service for %s already started", s.local)
	}
	s.participant = p
	go s.viewLoop()
	s.ch.Down(bus.Event{Type: bus.EventConfig, Identity: s.identity})
	if err := s.ch.Connect(ctx, s); err != nil {
		close(s.stop)
		<-s.done
		s.gw.Close()
		return fmt.Errorf("join cluster %q: %w", s.identity.GroupID, err)
	}
	log.Printf("[INFO] cluster: %s joined group %q as %s", s.local, s.identity.GroupID, s.identity.Topology)
	return nil
}

func (s *Service) Gateway() *bus.Gateway            { return s.gw }
func (s *Service) LocalAddress() membership.Address { return s.local }
func (s *Service) Identity() membership.Identity    { return s.identity }
func (s *Service) Status() *membership.StatusLatch  { return s.status }
func (s *Service) Stats() *Stats                    { return s.stats }

func (s *Service) Snapshot() *Snapshot { return s.snap.Load() }

func (s *Service) Servers() []membership.Address { return s.snap.Load().Servers }

func (s *Service) Coordinator() membership.Address { return s.snap.Load().Coordinator }

func (s *Service) IsCoordinator() bool { return s.snap.Load().Coordinator == s.local }

func (s *Service) ViewID() uint64 { return s.snap.Load().ViewID() }

func (s *Service) IsServer(a membership.Address) bool { return s.snap.Load().IsServer(a) }

// SubCluster returns the servers sharing the local node's sub-group.
func (s *Service) SubCluster() []membership.Address {
	return s.snap.Load().SubClusters[s.identity.SubGroupID]
}

func (s *Service) SubCoordinator() membership.Address {
	return s.snap.Load().SubCoordinators[s.identity.SubGroupID]
}

// ViewAccepted queues v for the view goroutine. Membership callbacks send
// cluster messages and wait for replies, which the channel goroutine
// delivers, so they cannot run here.
func (s *Service) ViewAccepted(v *membership.View) {
	s.queueMu.Lock()
	s.queue = append(s.queue, v)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) Receive(from membership.Address, data []byte) {
	s.gw.Receive(from, data)
}

func (s *Service) Suspect(addr membership.Address) {
	log.Printf("[WARN] cluster: member %s suspected", addr)
	s.gw.MemberLeft(addr)
}

func (s *Service) viewLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()
			s.applyView(v)
		}
	}
}

// AuthenticateNode admits a joining member as a server only if it belongs
// to the same group and runs the same topology.
func (s *Service) AuthenticateNode(addr membership.Address) (membership.Identity, bool) {
	id, ok := s.ch.MemberIdentity(addr)
	if !ok {
		return id, false
	}
	if id.GroupID != s.identity.GroupID || id.Topology != s.identity.Topology {
		log.Printf("[WARN] cluster: %s is %s/%s, expected %s/%s; keeping it as non-server",
			addr, id.GroupID, id.Topology, s.identity.GroupID, s.identity.Topology)
		return id, false
	}
	return id, true
}

func (s *Service) applyView(v *membership.View) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()

	if v.ID <= s.lastView {
		log.Printf("[WARN] cluster: ignoring view %d, already at %d", v.ID, s.lastView)
		return
	}
	if !v.Contains(s.local) {
		log.Printf("[WARN] cluster: view %d does not contain %s", v.ID, s.local)
		return
	}
	s.lastView = v.ID

	prev := s.snap.Load()
	joined, left := membership.Diff(prev.View, v)

	next := prev.clone()
	next.View = v
	var leftServers []membership.Address
	for _, a := range left {
		if _, seen := prev.States[a]; !seen {
			continue
		}
		wasServer := next.IsServer(a)
		next.States[a] = membership.StateLeft
		delete(next.Identities, a)
		next.derive()
		s.snap.Store(next)
		next = next.clone()

		s.gw.MemberLeft(a)
		s.stats.Remove(a)
		if wasServer {
			leftServers = append(leftServers, a)
			log.Printf("[INFO] cluster: server %s left", a)
			s.participant.OnMemberLeft(a)
		}
		delete(next.States, a)
	}

	var joinedServers []membership.Address
	for _, a := range joined {
		// A member the transport no longer knows departed before this view
		// reached us; the next view drops it.
		if _, known := s.ch.MemberIdentity(a); a != s.local && !known {
			continue
		}
		next.States[a] = membership.StateJoining
		id, ok := s.identity, true
		if a != s.local {
			id, ok = s.AuthenticateNode(a)
		}
		next.Identities[a] = id
		if !ok {
			next.States[a] = membership.StateValidatedNonServer
			continue
		}
		next.States[a] = membership.StateValidatedServer
		next.derive()
		s.snap.Store(next)
		next = next.clone()

		joinedServers = append(joinedServers, a)
		if a != s.local {
			log.Printf("[INFO] cluster: server %s joined", a)
		}
		s.participant.OnMemberJoined(a, id)
	}

	next.derive()
	s.snap.Store(next)
	s.status.SetCoordinator(next.Coordinator == s.local)

	s.applied++
	change := Change{
		View:      v,
		Joined:    joinedServers,
		Left:      leftServers,
		Bootstrap: s.applied == 1 && len(next.Servers) == 1,
	}
	s.participant.OnAfterMembershipChange(change)
}

func (s *Service) dispatch(ctx context.Context, in bus.Inbound, req bus.Request) (any, error) {
	return bus.Serve(ctx, s.participant, in, req)
}

// AllowJoin toggles whether new members may join. A node refuses joins
// while it is pulling state.
func (s *Service) AllowJoin(allow bool) {
	if s.allowJoin.Swap(allow) == allow {
		return
	}
	ev := bus.EventMarkClusterStateTransferCompleted
	if !allow {
		ev = bus.EventMarkClusterInStateTransfer
	}
	s.ch.Down(bus.Event{Type: ev})
}

func (s *Service) JoinsAllowed() bool { return s.allowJoin.Load() }

func (s *Service) ConfirmStartup() {
	s.ch.Down(bus.Event{Type: bus.EventConfirmClusterStartup})
}

// Leave leaves the group. The caller hands off its data first.
func (s *Service) Leave(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	return s.ch.Leave(ctx)
}

func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.status.Stop()
	err := s.ch.Close()
	if s.started.Load() {
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
		<-s.done
	}
	s.gw.Close()
	return err
}
