package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"iriscache/cacheerr"
	"iriscache/membership"
)

// DispatchFunc serves one decoded request, local or remote.
type DispatchFunc func(ctx context.Context, in Inbound, req Request) (any, error)

// Gateway is the cluster's messaging layer. It correlates requests with
// responses, runs inbound requests off the channel goroutine and maps
// transport failures to cache errors.
type Gateway struct {
	ch       GroupChannel
	local    membership.Address
	dispatch DispatchFunc
	servers  func() []membership.Address
	timeout  time.Duration

	pool   *ants.Pool
	serial *Serializer
	Stats  ActivityStats

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

type pendingCall struct {
	mu      sync.Mutex
	waiting map[membership.Address]bool
	results chan *Response
}

// offer hands r to the caller if its sender is still awaited.
func (p *pendingCall) offer(r *Response) bool {
	p.mu.Lock()
	if !p.waiting[r.From] {
		p.mu.Unlock()
		return false
	}
	delete(p.waiting, r.From)
	p.mu.Unlock()
	p.results <- r
	return true
}

func (p *pendingCall) awaiting(addr membership.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting[addr]
}

// NewGateway wires a gateway to ch. servers returns the members a broadcast
// should reach.
func NewGateway(ch GroupChannel, dispatch DispatchFunc, servers func() []membership.Address, timeout time.Duration) (*Gateway, error) {
	g := &Gateway{
		ch:       ch,
		local:    ch.LocalAddress(),
		dispatch: dispatch,
		servers:  servers,
		timeout:  timeout,
		pending:  make(map[string]*pendingCall),
	}
	pool, err := ants.NewPool(0, ants.WithPanicHandler(func(p any) {
		log.Printf("[ERROR] bus: handler panic: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	g.pool = pool
	g.serial = NewSerializer(pool, 0)
	return g, nil
}

func (g *Gateway) LocalAddress() membership.Address { return g.local }

func (g *Gateway) Timeout() time.Duration { return g.timeout }

type callOptions struct {
	excludeSelf bool
	syncKey     string
	priority    Priority
}

type CallOption func(*callOptions)

// WithSyncKey serializes the request at every receiver with all other
// requests carrying the same key.
func WithSyncKey(key string) CallOption {
	return func(o *callOptions) { o.syncKey = key }
}

func ExcludeSelf() CallOption {
	return func(o *callOptions) { o.excludeSelf = true }
}

func WithPriority(p Priority) CallOption {
	return func(o *callOptions) { o.priority = p }
}

// Send makes a unicast call and waits for the reply. The returned error is
// the reply's error, if any.
func (g *Gateway) Send(ctx context.Context, dest membership.Address, req Request, timeout time.Duration, opts ...CallOption) (*Response, error) {
	rs, err := g.call(ctx, []membership.Address{dest}, req, GetFirst, timeout, opts)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, cacheerr.Suspected(dest)
	}
	return rs[0], rs[0].Err
}

// Call sends req to dest and decodes the reply as T.
func Call[T any](ctx context.Context, g *Gateway, dest membership.Address, req Request, opts ...CallOption) (T, error) {
	resp, err := g.Send(ctx, dest, req, 0, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](resp)
}

// Multicast calls every destination. With GetFirst it returns once any
// member replies without error; with GetAll it collects one response per
// destination, timing out the ones that never answer.
func (g *Gateway) Multicast(ctx context.Context, dests []membership.Address, req Request, mode DeliveryMode, timeout time.Duration, opts ...CallOption) ([]*Response, error) {
	return g.call(ctx, dests, req, mode, timeout, opts)
}

// Broadcast multicasts to all servers of the current view.
func (g *Gateway) Broadcast(ctx context.Context, req Request, mode DeliveryMode, timeout time.Duration, opts ...CallOption) ([]*Response, error) {
	return g.call(ctx, g.servers(), req, mode, timeout, opts)
}

// SendNoReply delivers req without waiting for its execution.
func (g *Gateway) SendNoReply(ctx context.Context, dests []membership.Address, req Request, opts ...CallOption) error {
	_, err := g.call(ctx, dests, req, GetNone, 0, opts)
	return err
}

// SendNoReplyAsync is SendNoReply on a pool goroutine; failures are logged.
func (g *Gateway) SendNoReplyAsync(dests []membership.Address, req Request, opts ...CallOption) {
	err := g.pool.Submit(func() {
		if err := g.SendNoReply(context.Background(), dests, req, opts...); err != nil {
			log.Printf("[WARN] bus: async %s: %v", req.Opcode(), err)
		}
	})
	if err != nil {
		log.Printf("[WARN] bus: async %s not submitted: %v", req.Opcode(), err)
	}
}

func (g *Gateway) call(ctx context.Context, dests []membership.Address, req Request, mode DeliveryMode, timeout time.Duration, opts []CallOption) ([]*Response, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if timeout <= 0 {
		timeout = g.timeout
	}

	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, cacheerr.ErrClosed
	}

	hasLocal := false
	var remote []membership.Address
	targets := slices.Clone(dests)
	slices.SortFunc(targets, membership.Address.Compare)
	for _, d := range slices.Compact(targets) {
		if d == g.local {
			hasLocal = !o.excludeSelf
			continue
		}
		remote = append(remote, d)
	}
	if !hasLocal && len(remote) == 0 {
		return nil, nil
	}

	fn := &Function{
		RequestID:        uuid.NewString(),
		Opcode:           req.Opcode(),
		ResponseExpected: mode != GetNone,
		ExcludeSelf:      o.excludeSelf,
		Sequenced:        o.syncKey != "",
		Priority:         o.priority,
		SyncKey:          o.syncKey,
	}

	var data []byte
	if len(remote) > 0 {
		operand, payload, err := encodeBody(req)
		if err != nil {
			return nil, cacheerr.GeneralFailure(err)
		}
		fn.Operand = operand
		fn.UserPayload = payload
		data, err = cbor.Marshal(frame{Function: fn})
		if err != nil {
			return nil, cacheerr.GeneralFailure(err)
		}
	}

	if mode == GetNone {
		var errs []error
		for _, d := range remote {
			if err := g.ch.Send(ctx, d, data); err != nil {
				g.Stats.Suspected.Inc()
				errs = append(errs, cacheerr.Suspected(d))
				continue
			}
			g.Stats.Sent.Inc()
		}
		if hasLocal {
			g.runLocal(ctx, fn, req, nil)
		}
		return nil, errors.Join(errs...)
	}

	pc := &pendingCall{
		waiting: make(map[membership.Address]bool, len(remote)+1),
	}
	expect := len(remote)
	if hasLocal {
		expect++
	}
	pc.results = make(chan *Response, expect)
	for _, d := range remote {
		pc.waiting[d] = true
	}
	if hasLocal {
		pc.waiting[g.local] = true
	}
	g.mu.Lock()
	g.pending[fn.RequestID] = pc
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, fn.RequestID)
		g.mu.Unlock()
	}()

	for _, d := range remote {
		if err := g.ch.Send(ctx, d, data); err != nil {
			g.Stats.Suspected.Inc()
			pc.offer(newErrorResponse(d, fn.RequestID, cacheerr.Suspected(d)))
			continue
		}
		g.Stats.Sent.Inc()
	}
	if hasLocal {
		g.runLocal(ctx, fn, req, pc)
	}

	return g.collect(ctx, pc, cap(pc.results), fn.RequestID, mode, timeout)
}

func (g *Gateway) collect(ctx context.Context, pc *pendingCall, total int, id string, mode DeliveryMode, timeout time.Duration) ([]*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []*Response
	for len(out) < total {
		select {
		case r := <-pc.results:
			out = append(out, r)
			if mode == GetFirst && r.Err == nil {
				return []*Response{r}, nil
			}
		case <-timer.C:
			return g.timedOut(pc, id, out), nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return g.timedOut(pc, id, out), nil
			}
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (g *Gateway) timedOut(pc *pendingCall, id string, out []*Response) []*Response {
	pc.mu.Lock()
	missing := make([]membership.Address, 0, len(pc.waiting))
	for a := range pc.waiting {
		missing = append(missing, a)
		delete(pc.waiting, a)
	}
	pc.mu.Unlock()
	// Replies that raced the timer are still in the buffer.
	for drained := false; !drained; {
		select {
		case r := <-pc.results:
			out = append(out, r)
		default:
			drained = true
		}
	}
	slices.SortFunc(missing, membership.Address.Compare)
	for _, a := range missing {
		g.Stats.TimedOut.Inc()
		out = append(out, newErrorResponse(a, id, cacheerr.ErrTimeout))
	}
	return out
}

// runLocal serves a request addressed to this node in-process. With a sync
// key it queues behind remote requests for the same key.
func (g *Gateway) runLocal(ctx context.Context, fn *Function, req Request, pc *pendingCall) {
	task := func() {
		res, err := g.dispatch(ctx, Inbound{From: g.local}, req)
		if pc != nil {
			pc.offer(newLocalResponse(g.local, fn.RequestID, res, err))
		}
	}
	if fn.SyncKey != "" {
		if err := g.serial.Submit(fn.SyncKey, task); err != nil && pc != nil {
			pc.offer(newErrorResponse(g.local, fn.RequestID, cacheerr.GeneralFailure(err)))
		}
		return
	}
	if pc == nil {
		task()
		return
	}
	if err := g.pool.Submit(task); err != nil {
		pc.offer(newErrorResponse(g.local, fn.RequestID, cacheerr.GeneralFailure(err)))
	}
}

// Receive is the channel upcall for every frame addressed to this node.
func (g *Gateway) Receive(from membership.Address, data []byte) {
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		g.Stats.Dropped.Inc()
		log.Printf("[WARN] bus: undecodable frame from %s: %v", from, err)
		return
	}
	switch {
	case f.Response != nil:
		g.deliver(from, f.Response)
	case f.Function != nil:
		g.Stats.Received.Inc()
		g.serveRemote(from, f.Function)
	default:
		g.Stats.Dropped.Inc()
	}
}

func (g *Gateway) deliver(from membership.Address, w *wireResponse) {
	g.mu.Lock()
	pc := g.pending[w.RequestID]
	g.mu.Unlock()
	if pc == nil || !pc.offer(new(Response).fromWire(from, w)) {
		g.Stats.Dropped.Inc()
		return
	}
	g.Stats.Responses.Inc()
}

func (g *Gateway) serveRemote(from membership.Address, fn *Function) {
	task := func() {
		w := g.invoke(from, fn)
		if !fn.ResponseExpected {
			return
		}
		data, err := cbor.Marshal(frame{Response: w})
		if err != nil {
			log.Printf("[ERROR] bus: encode %s reply: %v", fn.Opcode, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.ch.Send(ctx, from, data); err != nil {
			log.Printf("[WARN] bus: reply %s to %s: %v", fn.Opcode, from, err)
		}
	}

	var err error
	switch {
	case fn.SyncKey != "":
		err = g.serial.Submit(fn.SyncKey, task)
	case fn.Priority == PriorityHigh:
		go task()
	default:
		err = g.pool.Submit(task)
	}
	if err != nil {
		log.Printf("[WARN] bus: %s from %s not scheduled: %v", fn.Opcode, from, err)
	}
}

func (g *Gateway) invoke(from membership.Address, fn *Function) *wireResponse {
	w := &wireResponse{RequestID: fn.RequestID}
	fail := func(err error) *wireResponse {
		w.ErrKind = cacheerr.Kind(err)
		w.ErrMsg = err.Error()
		return w
	}

	req, err := decodeRequest(fn)
	if err != nil {
		return fail(cacheerr.GeneralFailure(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	res, err := g.dispatch(ctx, Inbound{From: from, Function: fn}, req)
	if err != nil {
		return fail(err)
	}
	if res == nil || !fn.ResponseExpected {
		return w
	}
	body, payload, err := encodeBody(res)
	if err != nil {
		return fail(cacheerr.GeneralFailure(err))
	}
	w.Body = body
	w.UserPayload = payload
	return w
}

// MemberLeft fails every call still waiting on addr.
func (g *Gateway) MemberLeft(addr membership.Address) {
	g.mu.Lock()
	calls := make(map[string]*pendingCall, len(g.pending))
	for id, pc := range g.pending {
		calls[id] = pc
	}
	g.mu.Unlock()
	for id, pc := range calls {
		if pc.awaiting(addr) && pc.offer(newErrorResponse(addr, id, cacheerr.Suspected(addr))) {
			g.Stats.Suspected.Inc()
		}
	}
}

// Close fails all outstanding calls and stops the worker pool.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	calls := g.pending
	g.pending = make(map[string]*pendingCall)
	g.mu.Unlock()

	for id, pc := range calls {
		pc.mu.Lock()
		addrs := make([]membership.Address, 0, len(pc.waiting))
		for a := range pc.waiting {
			addrs = append(addrs, a)
		}
		pc.mu.Unlock()
		for _, a := range addrs {
			pc.offer(newErrorResponse(a, id, cacheerr.ErrClosed))
		}
	}
	g.pool.Release()
}
