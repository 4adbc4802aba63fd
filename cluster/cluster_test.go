package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iriscache/bus"
	"iriscache/membership"
)

type recorder struct {
	bus.Handler

	mu      sync.Mutex
	events  []string
	changes []Change
}

func (r *recorder) OnMemberJoined(a membership.Address, id membership.Identity) {
	r.add("joined:" + a.Host)
}

func (r *recorder) OnMemberLeft(a membership.Address) { r.add("left:" + a.Host) }

func (r *recorder) OnAfterMembershipChange(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
	r.add("after")
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]string, []Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]Change(nil), r.changes...)
}

type stubChannel struct {
	local membership.Address
	ids   map[membership.Address]membership.Identity

	mu     sync.Mutex
	events []bus.EventType
}

func (c *stubChannel) Connect(ctx context.Context, r bus.Receiver) error { return nil }
func (c *stubChannel) LocalAddress() membership.Address                  { return c.local }
func (c *stubChannel) Send(ctx context.Context, dest membership.Address, data []byte) error {
	return bus.ErrNotMember
}
func (c *stubChannel) MemberIdentity(a membership.Address) (membership.Identity, bool) {
	id, ok := c.ids[a]
	return id, ok
}
func (c *stubChannel) Down(ev bus.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev.Type)
	c.mu.Unlock()
}
func (c *stubChannel) Leave(ctx context.Context) error { return nil }
func (c *stubChannel) Close() error                    { return nil }

var demoIdentity = membership.Identity{GroupID: "demo", SubGroupID: "demo", Topology: "partitioned"}

func addr(host string, gen int64) membership.Address {
	return membership.Address{Host: host, Port: 7946, Generation: gen, ID: host}
}

func newStubService(t *testing.T, local membership.Address, ids map[membership.Address]membership.Identity) (*Service, *recorder, *stubChannel) {
	t.Helper()
	ch := &stubChannel{local: local, ids: ids}
	s, err := New(ch, demoIdentity, time.Second)
	require.NoError(t, err)
	r := &recorder{}
	s.participant = r
	t.Cleanup(func() { _ = s.Close() })
	return s, r, ch
}

// TestLeaveProcessedBeforeJoin verifies departures are handled before arrivals within one view.
func TestLeaveProcessedBeforeJoin(t *testing.T) {
	local, a, b := addr("local", 1), addr("a", 2), addr("b", 3)
	s, r, _ := newStubService(t, local, map[membership.Address]membership.Identity{
		a: demoIdentity, b: demoIdentity,
	})

	s.applyView(membership.NewView(1, []membership.Address{local, a}))
	s.applyView(membership.NewView(2, []membership.Address{local, b}))

	events, changes := r.snapshot()
	assert.Equal(t, []string{"joined:local", "joined:a", "after", "left:a", "joined:b", "after"}, events)
	require.Len(t, changes, 2)
	assert.False(t, changes[0].Bootstrap)
	assert.Equal(t, []membership.Address{a}, changes[1].Left)
	assert.Equal(t, []membership.Address{b}, changes[1].Joined)
	assert.Equal(t, []membership.Address{local, b}, s.Servers())
}

// TestStaleViewIgnored checks views with an id not above the last applied one are dropped.
func TestStaleViewIgnored(t *testing.T) {
	local, a := addr("local", 1), addr("a", 2)
	s, r, _ := newStubService(t, local, map[membership.Address]membership.Identity{a: demoIdentity})

	s.applyView(membership.NewView(5, []membership.Address{local}))
	s.applyView(membership.NewView(3, []membership.Address{local, a}))
	s.applyView(membership.NewView(5, []membership.Address{local, a}))

	events, changes := r.snapshot()
	assert.Equal(t, []string{"joined:local", "after"}, events)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Bootstrap)
	assert.Equal(t, uint64(5), s.ViewID())
	assert.Equal(t, []membership.Address{local}, s.Servers())
}

// TestForeignMemberKeptAsNonServer verifies authentication on group id and topology.
func TestForeignMemberKeptAsNonServer(t *testing.T) {
	local, other, replicated := addr("local", 1), addr("other", 2), addr("repl", 3)
	s, r, _ := newStubService(t, local, map[membership.Address]membership.Identity{
		other:      {GroupID: "other", Topology: "partitioned"},
		replicated: {GroupID: "demo", Topology: "replicated"},
	})

	s.applyView(membership.NewView(1, []membership.Address{local, other, replicated}))

	events, _ := r.snapshot()
	assert.Equal(t, []string{"joined:local", "after"}, events)
	snap := s.Snapshot()
	assert.Equal(t, []membership.Address{local}, snap.Servers)
	assert.Equal(t, []membership.Address{local, other, replicated}, snap.ValidMembers)
	assert.Equal(t, membership.StateValidatedNonServer, snap.States[other])
	assert.False(t, s.IsServer(replicated))
}

// TestSnapshotIsImmutable checks a snapshot taken before a view change keeps its old contents.
func TestSnapshotIsImmutable(t *testing.T) {
	local, a := addr("local", 2), addr("a", 1)
	s, _, _ := newStubService(t, local, map[membership.Address]membership.Identity{a: demoIdentity})

	s.applyView(membership.NewView(1, []membership.Address{local, a}))
	before := s.Snapshot()
	assert.Equal(t, a, before.Coordinator)
	assert.False(t, s.IsCoordinator())

	s.applyView(membership.NewView(2, []membership.Address{local}))
	assert.Equal(t, []membership.Address{a, local}, before.Servers)
	assert.Equal(t, a, before.Coordinator)
	assert.Equal(t, local, s.Coordinator())
	assert.True(t, s.IsCoordinator())
}

// TestCoordinatorBitFollowsView verifies the status latch is promoted once running.
func TestCoordinatorBitFollowsView(t *testing.T) {
	local := addr("local", 1)
	s, _, _ := newStubService(t, local, nil)

	s.applyView(membership.NewView(1, []membership.Address{local}))
	assert.Equal(t, membership.StatusInitializing, s.Status().Status())
	s.Status().SetRunning()
	assert.Equal(t, membership.StatusCoordinator, s.Status().Status())
}

// TestAllowJoinSendsEventsOnce checks join gating is forwarded to the channel on change only.
func TestAllowJoinSendsEventsOnce(t *testing.T) {
	s, _, ch := newStubService(t, addr("local", 1), nil)
	s.AllowJoin(false)
	s.AllowJoin(false)
	assert.False(t, s.JoinsAllowed())
	s.AllowJoin(true)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, []bus.EventType{bus.EventMarkClusterInStateTransfer, bus.EventMarkClusterStateTransferCompleted}, ch.events)
}

// TestStatsTable verifies remote info is cloned in and the local entry cannot be overwritten.
func TestStatsTable(t *testing.T) {
	local, a := addr("local", 1), addr("a", 2)
	st := NewStats(local)
	st.UpdateLocal(func(n *membership.NodeInfo) { n.ConnectedClients = []string{"c1"} })

	info := &membership.NodeInfo{Address: a, ConnectedClients: []string{"x"}}
	st.Update(info)
	info.ConnectedClients[0] = "mutated"
	st.Update(&membership.NodeInfo{Address: local})

	all := st.All()
	require.Len(t, all, 2)
	assert.Equal(t, []string{"c1"}, all[0].ConnectedClients)
	assert.Equal(t, []string{"x"}, all[1].ConnectedClients)

	st.Remove(a)
	st.Remove(local)
	assert.Len(t, st.All(), 1)
}

// TestStatsModifyIsAtomic checks concurrent edits of one remote entry are all
// kept and copies handed out earlier do not change.
func TestStatsModifyIsAtomic(t *testing.T) {
	local, a := addr("local", 1), addr("a", 2)
	st := NewStats(local)
	before := st.Get(a)
	assert.Nil(t, before)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st.Modify(a, func(n *membership.NodeInfo) {
				n.ConnectedClients = append(n.ConnectedClients, fmt.Sprintf("c%02d", i))
			})
		}(i)
	}
	wg.Wait()

	got := st.Get(a)
	require.NotNil(t, got)
	assert.Equal(t, a, got.Address)
	assert.Len(t, got.ConnectedClients, 50)

	got.ConnectedClients = nil
	assert.Len(t, st.Get(a).ConnectedClients, 50)

	st.Modify(local, func(n *membership.NodeInfo) { n.ConnectedClients = []string{"x"} })
	assert.Empty(t, st.Local().ConnectedClients)
}

// TestDepartedJoinerSkipped verifies a member the transport no longer knows
// is left out of the view quietly and its later departure is not reported.
func TestDepartedJoinerSkipped(t *testing.T) {
	local, a, gone := addr("local", 1), addr("a", 2), addr("gone", 3)
	s, r, _ := newStubService(t, local, map[membership.Address]membership.Identity{a: demoIdentity})

	s.applyView(membership.NewView(1, []membership.Address{local, gone, a}))
	snap := s.Snapshot()
	assert.Equal(t, []membership.Address{local, a}, snap.ValidMembers)
	assert.Equal(t, []membership.Address{local, a}, snap.Servers)
	assert.NotContains(t, snap.States, gone)
	assert.NotContains(t, snap.Identities, gone)

	s.applyView(membership.NewView(2, []membership.Address{local, a}))
	events, changes := r.snapshot()
	assert.Equal(t, []string{"joined:local", "joined:a", "after", "after"}, events)
	require.Len(t, changes, 2)
	assert.Empty(t, changes[1].Left)
	assert.Empty(t, changes[1].Joined)
}

// TestSingleCoordinatorAcrossHub runs three services on a hub and checks they agree on one coordinator.
func TestSingleCoordinatorAcrossHub(t *testing.T) {
	hub := bus.NewHub()
	var services []*Service
	for i := 0; i < 3; i++ {
		a := membership.Address{Host: fmt.Sprintf("10.0.0.%d", i+1), Port: 7946, Generation: int64(i + 1), ID: fmt.Sprint(i)}
		s, err := New(hub.NewChannel(a, demoIdentity), demoIdentity, time.Second)
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background(), &recorder{}))
		s.Status().SetRunning()
		services = append(services, s)
		t.Cleanup(func() { _ = s.Close() })
	}

	require.Eventually(t, func() bool {
		for _, s := range services {
			if len(s.Servers()) != 3 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	coordinators := 0
	for _, s := range services {
		assert.Equal(t, services[0].LocalAddress(), s.Coordinator())
		if s.Status().IsCoordinator() {
			coordinators++
		}
	}
	assert.Equal(t, 1, coordinators)

	require.NoError(t, services[0].Close())
	require.Eventually(t, func() bool {
		return services[1].Status().IsCoordinator() && services[2].Coordinator() == services[1].LocalAddress()
	}, time.Second, 5*time.Millisecond)
	assert.False(t, services[2].Status().IsCoordinator())
}
