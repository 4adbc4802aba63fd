package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/cluster"
	"iriscache/config"
	"iriscache/engine"
	"iriscache/membership"
	"iriscache/utils"
)

// base carries what both topologies share: the cluster service, the local
// store, open readers, connected clients and the periodic tasks.
type base struct {
	cfg     *config.Config
	svc     *cluster.Service
	gw      *bus.Gateway
	local   membership.Address
	cache   engine.InternalCache
	readers *readerRegistry
	clients mapset.Set[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newBase(cfg *config.Config, ch bus.GroupChannel, store engine.InternalCache) (*base, error) {
	svc, err := cluster.New(ch, IdentityOf(cfg), cfg.OpTimeout)
	if err != nil {
		return nil, fmt.Errorf("cluster service: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &base{
		cfg:     cfg,
		svc:     svc,
		gw:      svc.Gateway(),
		local:   svc.LocalAddress(),
		cache:   store,
		readers: newReaderRegistry(store),
		clients: mapset.NewSet[string](),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// start joins the cluster with p answering its messages and starts the
// presence announcer.
func (b *base) start(ctx context.Context, p cluster.Participant) error {
	if err := b.svc.Start(ctx, p); err != nil {
		return err
	}
	b.every(b.cfg.StatsReplInterval, b.announcePresence)
	return nil
}

// every runs fn on a ticker until the node closes.
func (b *base) every(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// background runs fn on a tracked goroutine.
func (b *base) background(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

func (b *base) LocalAddress() membership.Address           { return b.local }
func (b *base) Status() membership.NodeStatus              { return b.svc.Status().Status() }
func (b *base) Servers() []membership.Address              { return b.svc.Servers() }
func (b *base) NodeStats() []*membership.NodeInfo          { return b.svc.Stats().All() }
func (b *base) Cluster() *cluster.Service                  { return b.svc }
func (b *base) WaitUntilRunning(ctx context.Context) error { return b.svc.Status().WaitForRunning(ctx) }

// refreshLocalInfo copies the local statistics into the node table and
// returns what the node announces about itself.
func (b *base) refreshLocalInfo() *membership.NodeInfo {
	stats := b.cache.Statistics()
	host := utils.CollectHostStats()
	clients := b.clients.ToSlice()
	slices.Sort(clients)
	b.svc.Stats().UpdateLocal(func(n *membership.NodeInfo) {
		n.Status = b.svc.Status().Status()
		n.Statistics = stats
		n.Host = host
		n.ConnectedClients = clients
	})
	return b.svc.Stats().Local()
}

func (b *base) announcePresence() {
	info := b.refreshLocalInfo()
	if !info.Status.IsRunning() {
		return
	}
	b.gw.SendNoReplyAsync(b.svc.Servers(), &bus.PeriodicUpdateRequest{Info: info}, bus.ExcludeSelf())
}

func (b *base) updateClientStatus(clientID string, connected bool) {
	if connected {
		b.clients.Add(clientID)
	} else {
		b.clients.Remove(clientID)
	}
	b.refreshLocalInfo()
	b.gw.SendNoReplyAsync(b.svc.Servers(),
		&bus.UpdateClientStatusRequest{ClientID: clientID, Connected: connected}, bus.ExcludeSelf())
}

func (b *base) UpdateClientStatus(ctx context.Context, clientID string, connected bool) error {
	if clientID == "" {
		return fmt.Errorf("%w: empty client id", cacheerr.ErrGeneralFailure)
	}
	b.updateClientStatus(clientID, connected)
	return nil
}

func (b *base) OnUpdateClientStatus(ctx context.Context, in bus.Inbound, req *bus.UpdateClientStatusRequest) (bus.Ack, error) {
	if in.From == b.local {
		return bus.Ack{}, nil
	}
	b.svc.Stats().Modify(in.From, func(info *membership.NodeInfo) {
		info.ConnectedClients = slices.DeleteFunc(info.ConnectedClients, func(c string) bool { return c == req.ClientID })
		if req.Connected {
			info.ConnectedClients = append(info.ConnectedClients, req.ClientID)
			slices.Sort(info.ConnectedClients)
		}
	})
	return bus.Ack{}, nil
}

func (b *base) recordPresence(from membership.Address, info *membership.NodeInfo) bool {
	if info == nil || from == b.local || !b.svc.IsServer(from) {
		return false
	}
	info.Address = from
	b.svc.Stats().Update(info)
	return true
}

func (b *base) OnGetReaderChunk(ctx context.Context, in bus.Inbound, req *bus.GetReaderChunkRequest) (bus.ReaderChunkResponse, error) {
	return b.readers.next(req.ReaderID, req.ChunkSize)
}

// OnDisposeReader drops a reader or an abandoned enumeration; both are
// keyed by a uuid.
func (b *base) OnDisposeReader(ctx context.Context, in bus.Inbound, req *bus.DisposeReaderRequest) (bus.Ack, error) {
	b.readers.dispose(req.ReaderID)
	b.cache.DisposeEnumeration(req.ReaderID)
	return bus.Ack{}, nil
}

// checkView refuses a search or reader bound to a view other than the one
// this node is on.
func (b *base) checkView(viewID uint64) error {
	if cur := b.svc.ViewID(); viewID != 0 && viewID != cur {
		return fmt.Errorf("%w: request bound to view %d, node is on view %d",
			cacheerr.ErrStateTransferInProgress, viewID, cur)
	}
	return nil
}

// enumerate walks every server in turn with chunked enumeration.
func (b *base) enumerate(ctx context.Context, servers []membership.Address, chunkSize int, fn func(string, *engine.Entry) bool) error {
	for _, server := range servers {
		var p engine.EnumerationPointer
		for {
			resp, err := bus.Call[bus.EnumerationChunkResponse](ctx, b.gw, server,
				&bus.GetNextChunkRequest{Pointer: p, ChunkSize: chunkSize})
			if err != nil {
				return fmt.Errorf("enumerate %s: %w", server, err)
			}
			for i := 0; i < resp.Len(); i++ {
				if !fn(resp.Entry(i)) {
					if !resp.Done {
						_ = b.gw.SendNoReply(ctx, []membership.Address{server},
							&bus.DisposeReaderRequest{ReaderID: resp.Pointer.ID})
					}
					return nil
				}
			}
			if resp.Done {
				break
			}
			p = resp.Pointer
		}
	}
	return nil
}

// localChunk serves one enumeration chunk, keeping only keys keep accepts.
func (b *base) localChunk(req *bus.GetNextChunkRequest, keep func(string) bool) (bus.EnumerationChunkResponse, error) {
	chunk, err := b.cache.GetNextChunk(req.Pointer, req.ChunkSize)
	if err != nil {
		return bus.EnumerationChunkResponse{}, err
	}
	resp := bus.EnumerationChunkResponse{Pointer: chunk.Pointer, Done: chunk.Done}
	for _, ke := range chunk.Data {
		if keep == nil || keep(ke.Key) {
			resp.Append(ke.Key, ke.Entry)
		}
	}
	return resp, nil
}

func (b *base) OnMemberJoined(addr membership.Address, id membership.Identity) {
	if addr == b.local {
		return
	}
	if b.svc.Stats().Get(addr) == nil {
		b.svc.Stats().Update(&membership.NodeInfo{
			Address:      addr,
			SubGroupID:   id.SubGroupID,
			RendererHost: id.RendererHost,
			RendererPort: id.RendererPort,
		})
	}
}

// shutdown stops the periodic tasks, leaves the group and closes the store.
func (b *base) shutdown() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		err = b.svc.Close()
		b.wg.Wait()
		if cerr := b.cache.Close(); cerr != nil && !errors.Is(cerr, cacheerr.ErrClosed) {
			err = errors.Join(err, cerr)
		}
		log.Printf("[INFO] topology: %s closed", b.local)
	})
	return err
}
