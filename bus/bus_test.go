package bus

import (
	"bytes"
	"context"
	"log"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iriscache/cacheerr"
	"iriscache/distributor"
	"iriscache/engine"
	"iriscache/membership"
)

// testHandler serves the handful of opcodes these tests use. Anything else
// panics through the nil embedded Handler.
type testHandler struct {
	Handler

	count int64
	delay time.Duration
	data  map[string]*engine.Entry

	mu        sync.Mutex
	published []uint64
}

func (h *testHandler) OnCount(ctx context.Context, in Inbound, req *CountRequest) (CountResponse, error) {
	select {
	case <-time.After(h.delay):
	case <-ctx.Done():
	}
	return CountResponse{Count: h.count}, nil
}

func (h *testHandler) OnGet(ctx context.Context, in Inbound, req *GetRequest) (GetResponse, error) {
	var resp GetResponse
	for _, k := range req.Keys {
		if e, ok := h.data[k]; ok {
			resp.Append(k, e)
			continue
		}
		resp.KeyErrors.Set(k, cacheerr.ErrStateTransfer)
	}
	return resp, nil
}

func (h *testHandler) OnLockKey(ctx context.Context, in Inbound, req *LockKeyRequest) (LockResponse, error) {
	return LockResponse{}, cacheerr.ErrLocking
}

func (h *testHandler) OnPublishMap(ctx context.Context, in Inbound, req *PublishMapRequest) (Ack, error) {
	h.mu.Lock()
	h.published = append(h.published, req.Map.Version)
	h.mu.Unlock()
	return Ack{}, nil
}

func (h *testHandler) publishedVersions() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.published...)
}

type testNode struct {
	addr membership.Address
	ch   *HubChannel
	gw   *Gateway
	h    *testHandler

	mu       sync.Mutex
	view     *membership.View
	events   []string
	suspects []membership.Address
}

func (n *testNode) ViewAccepted(v *membership.View) {
	n.mu.Lock()
	n.view = v
	n.events = append(n.events, "view")
	n.mu.Unlock()
}

func (n *testNode) Receive(from membership.Address, data []byte) { n.gw.Receive(from, data) }

func (n *testNode) Suspect(a membership.Address) {
	n.mu.Lock()
	n.events = append(n.events, "suspect")
	n.suspects = append(n.suspects, a)
	n.mu.Unlock()
	n.gw.MemberLeft(a)
}

func (n *testNode) members() []membership.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.view == nil {
		return nil
	}
	return n.view.Members
}

func newTestNode(t *testing.T, hub *Hub, port int, h *testHandler) *testNode {
	t.Helper()
	n := &testNode{addr: membership.NewAddress("127.0.0.1", port), h: h}
	n.ch = hub.NewChannel(n.addr, membership.Identity{GroupID: "demo", Topology: "partitioned"})
	dispatch := func(ctx context.Context, in Inbound, req Request) (any, error) {
		return Serve(ctx, h, in, req)
	}
	gw, err := NewGateway(n.ch, dispatch, n.members, 2*time.Second)
	require.NoError(t, err)
	n.gw = gw
	t.Cleanup(gw.Close)
	return n
}

func startCluster(t *testing.T, handlers ...*testHandler) (*Hub, []*testNode) {
	t.Helper()
	hub := NewHub()
	nodes := make([]*testNode, len(handlers))
	for i, h := range handlers {
		nodes[i] = newTestNode(t, hub, 7100+i, h)
		require.NoError(t, nodes[i].ch.Connect(context.Background(), nodes[i]))
	}
	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool { return len(n.members()) == len(nodes) }, time.Second, 5*time.Millisecond)
	}
	return hub, nodes
}

// TestRegistryCoversEveryOpcode verifies each opcode decodes to a request reporting the same opcode.
func TestRegistryCoversEveryOpcode(t *testing.T) {
	for op := OpPeriodicUpdate; op <= OpReplicaChunk; op++ {
		mk, ok := registry[op]
		require.True(t, ok, "no constructor for %s", op)
		assert.Equal(t, op, mk().Opcode())
		assert.NotContains(t, op.String(), "Opcode(")
	}
	_, err := decodeRequest(&Function{Opcode: OpReplicaChunk + 1})
	assert.Error(t, err)
}

// TestSerializerKeepsPerKeyOrder checks tasks sharing a key run in submission order.
func TestSerializerKeepsPerKeyOrder(t *testing.T) {
	pool, err := ants.NewPool(0)
	require.NoError(t, err)
	defer pool.Release()
	s := NewSerializer(pool, 4)

	keys := []string{"alpha", "beta", "gamma"}
	var mu sync.Mutex
	seen := map[string][]int{}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		for _, k := range keys {
			k, i := k, i
			wg.Add(1)
			require.NoError(t, s.Submit(k, func() {
				defer wg.Done()
				mu.Lock()
				seen[k] = append(seen[k], i)
				mu.Unlock()
			}))
		}
	}
	wg.Wait()
	for _, k := range keys {
		require.Len(t, seen[k], 200)
		for i, v := range seen[k] {
			assert.Equal(t, i, v, "key %s out of order", k)
		}
	}
}

// TestCallCarriesPayload verifies entries and their values survive a remote call.
func TestCallCarriesPayload(t *testing.T) {
	remote := &testHandler{data: map[string]*engine.Entry{
		"user:1": {Value: []byte("ada"), LockID: "L1", LockedAt: 42},
	}}
	_, nodes := startCluster(t, &testHandler{}, remote)

	resp, err := Call[GetResponse](context.Background(), nodes[0].gw, nodes[1].addr,
		&GetRequest{Keys: []string{"user:1", "user:2"}})
	require.NoError(t, err)

	got := resp.Map()
	require.Contains(t, got, "user:1")
	assert.Equal(t, []byte("ada"), got["user:1"].Value)
	assert.Equal(t, "L1", got["user:1"].LockID)
	assert.Equal(t, int64(42), got["user:1"].LockedAt)
	assert.ErrorIs(t, resp.KeyErrors.Get("user:2"), cacheerr.ErrStateTransfer)
	assert.NoError(t, resp.KeyErrors.Get("user:1"))
}

// TestRemoteErrorKeepsKind checks a handler error is rebuilt with its sentinel on the caller.
func TestRemoteErrorKeepsKind(t *testing.T) {
	_, nodes := startCluster(t, &testHandler{}, &testHandler{})

	_, err := nodes[0].gw.Send(context.Background(), nodes[1].addr, &LockKeyRequest{Key: "k"}, 0)
	assert.ErrorIs(t, err, cacheerr.ErrLocking)

	_, err = nodes[0].gw.Send(context.Background(), nodes[0].addr, &LockKeyRequest{Key: "k"}, 0)
	assert.ErrorIs(t, err, cacheerr.ErrLocking, "loopback keeps the error too")
}

// TestBroadcastGetAllIncludesSelf verifies a broadcast reaches every server, the caller included.
func TestBroadcastGetAllIncludesSelf(t *testing.T) {
	_, nodes := startCluster(t, &testHandler{count: 1}, &testHandler{count: 2}, &testHandler{count: 3})

	rs, err := nodes[0].gw.Broadcast(context.Background(), &CountRequest{}, GetAll, 0)
	require.NoError(t, err)
	require.Len(t, rs, 3)

	var sum int64
	from := map[membership.Address]bool{}
	for _, r := range rs {
		c, err := Decode[CountResponse](r)
		require.NoError(t, err)
		sum += c.Count
		from[r.From] = true
	}
	assert.Equal(t, int64(6), sum)
	assert.True(t, from[nodes[0].addr])

	rs, err = nodes[0].gw.Broadcast(context.Background(), &CountRequest{}, GetAll, 0, ExcludeSelf())
	require.NoError(t, err)
	assert.Len(t, rs, 2)
}

// TestGetFirstReturnsFastestReply checks GetFirst does not wait for slow members.
func TestGetFirstReturnsFastestReply(t *testing.T) {
	_, nodes := startCluster(t, &testHandler{}, &testHandler{count: 2, delay: time.Second}, &testHandler{count: 3})

	start := time.Now()
	rs, err := nodes[0].gw.Multicast(context.Background(),
		[]membership.Address{nodes[1].addr, nodes[2].addr}, &CountRequest{}, GetFirst, 0)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, nodes[2].addr, rs[0].From)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// TestSlowMemberTimesOut verifies a missing reply becomes ErrTimeout and the late one is dropped.
func TestSlowMemberTimesOut(t *testing.T) {
	_, nodes := startCluster(t, &testHandler{}, &testHandler{delay: 300 * time.Millisecond})

	_, err := nodes[0].gw.Send(context.Background(), nodes[1].addr, &CountRequest{}, 50*time.Millisecond)
	assert.ErrorIs(t, err, cacheerr.ErrTimeout)
	assert.Equal(t, int64(1), nodes[0].gw.Stats.TimedOut.Load())

	assert.Eventually(t, func() bool { return nodes[0].gw.Stats.Dropped.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
}

// TestKilledMemberIsSuspected checks a pending call fails with ErrSuspected when its target dies.
func TestKilledMemberIsSuspected(t *testing.T) {
	hub, nodes := startCluster(t, &testHandler{}, &testHandler{delay: 2 * time.Second})

	errc := make(chan error, 1)
	go func() {
		_, err := nodes[0].gw.Send(context.Background(), nodes[1].addr, &CountRequest{}, 5*time.Second)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	hub.Kill(nodes[1].addr)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, cacheerr.ErrSuspected)
	case <-time.After(time.Second):
		t.Fatal("call was not failed by the suspect upcall")
	}

	_, err := nodes[0].gw.Send(context.Background(), nodes[1].addr, &CountRequest{}, 0)
	assert.ErrorIs(t, err, cacheerr.ErrSuspected, "sending to a departed member")
}

// TestKillDeliversSuspectBeforeView verifies peers hear about a crash before the view shrinks.
func TestKillDeliversSuspectBeforeView(t *testing.T) {
	hub, nodes := startCluster(t, &testHandler{}, &testHandler{})
	nodes[0].mu.Lock()
	nodes[0].events = nil
	nodes[0].mu.Unlock()

	hub.Kill(nodes[1].addr)
	require.Eventually(t, func() bool { return len(nodes[0].members()) == 1 }, time.Second, 5*time.Millisecond)

	nodes[0].mu.Lock()
	defer nodes[0].mu.Unlock()
	assert.Equal(t, []string{"suspect", "view"}, nodes[0].events)
	assert.Equal(t, []membership.Address{nodes[1].addr}, nodes[0].suspects)
}

// TestPublishWithoutReply verifies fire-and-forget delivery runs locally before returning.
func TestPublishWithoutReply(t *testing.T) {
	_, nodes := startCluster(t, &testHandler{}, &testHandler{})

	dm := &distributor.DistributionMap{Version: 7}
	err := nodes[0].gw.SendNoReply(context.Background(), nodes[0].members(), &PublishMapRequest{Map: dm})
	require.NoError(t, err)

	assert.Equal(t, []uint64{7}, nodes[0].h.publishedVersions())
	assert.Eventually(t, func() bool { return len(nodes[1].h.publishedVersions()) == 1 },
		time.Second, 5*time.Millisecond)
}

// TestHoldParksMatchingRequests checks held requests wait for release while
// other traffic flows.
func TestHoldParksMatchingRequests(t *testing.T) {
	hub, nodes := startCluster(t, &testHandler{count: 1}, &testHandler{count: 2})
	release := hub.Hold(func(to membership.Address, op Opcode) bool {
		return to == nodes[1].addr && op == OpCount
	})
	t.Cleanup(release)

	done := make(chan CountResponse, 1)
	go func() {
		resp, err := Call[CountResponse](context.Background(), nodes[0].gw, nodes[1].addr, &CountRequest{})
		assert.NoError(t, err)
		done <- resp
	}()

	resp, err := Call[CountResponse](context.Background(), nodes[1].gw, nodes[0].addr, &CountRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Count)
	select {
	case <-done:
		t.Fatal("held request was delivered")
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case resp := <-done:
		assert.Equal(t, int64(2), resp.Count)
	case <-time.After(time.Second):
		t.Fatal("held request not delivered after release")
	}
	release()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestDroppedFrameLoggedAsWarning verifies gateway problems are logged with a
// level and the bus component name.
func TestDroppedFrameLoggedAsWarning(t *testing.T) {
	_, nodes := startCluster(t, &testHandler{})
	out := &syncBuffer{}
	log.SetOutput(out)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	nodes[0].gw.Receive(nodes[0].addr, []byte{0xff, 0x00})
	assert.Equal(t, int64(1), nodes[0].gw.Stats.Dropped.Load())
	assert.Contains(t, out.String(), "[WARN] bus: undecodable frame from "+nodes[0].addr.String())
	assert.NotContains(t, out.String(), "[bus]")
}

// TestJoinBlockedDuringStateTransfer checks the hub holds joiners until transfer completes.
func TestJoinBlockedDuringStateTransfer(t *testing.T) {
	hub, nodes := startCluster(t, &testHandler{})
	nodes[0].ch.Down(Event{Type: EventMarkClusterInStateTransfer})

	late := newTestNode(t, hub, 7200, &testHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, late.ch.Connect(ctx, late))

	joined := make(chan error, 1)
	go func() { joined <- late.ch.Connect(context.Background(), late) }()
	select {
	case <-joined:
		t.Fatal("join went through while state transfer was running")
	case <-time.After(50 * time.Millisecond):
	}

	nodes[0].ch.Down(Event{Type: EventMarkClusterStateTransferCompleted})
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join still blocked after state transfer completed")
	}
	assert.Eventually(t, func() bool { return len(nodes[0].members()) == 2 }, time.Second, 5*time.Millisecond)
}

// TestMemberlistChannelExchangesFrames runs two gossip members on loopback.
func TestMemberlistChannelExchangesFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	ports := freePorts(t, 2)
	nodes := make([]*testNode, 2)
	for i := range nodes {
		h := &testHandler{count: int64(i + 10)}
		n := &testNode{addr: membership.NewAddress("127.0.0.1", ports[i]), h: h}
		seeds := []string{n.addr.HostPort()}
		if i > 0 {
			seeds = []string{nodes[0].addr.HostPort()}
		}
		ch := NewMemberlistChannel(n.addr, membership.Identity{GroupID: "demo"}, MemberlistConfig{Seeds: seeds, Local: true})
		gw, err := NewGateway(ch, func(ctx context.Context, in Inbound, req Request) (any, error) {
			return Serve(ctx, h, in, req)
		}, n.members, 2*time.Second)
		require.NoError(t, err)
		n.gw = gw
		nodes[i] = n
		require.NoError(t, ch.Connect(context.Background(), n))
		t.Cleanup(func() {
			gw.Close()
			_ = ch.Close()
		})
	}

	require.Eventually(t, func() bool { return len(nodes[1].members()) == 2 }, 5*time.Second, 20*time.Millisecond)
	id, ok := nodes[1].gw.ch.MemberIdentity(nodes[0].addr)
	require.True(t, ok)
	assert.Equal(t, "demo", id.GroupID)

	c, err := Call[CountResponse](context.Background(), nodes[1].gw, nodes[0].addr, &CountRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.Count)
}

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	for range n {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
		require.NoError(t, l.Close())
	}
	return ports
}
