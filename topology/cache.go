package topology

import (
	"context"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/config"
	"iriscache/distributor"
	"iriscache/engine"
	"iriscache/membership"
)

// KeyErrors reports the keys a bulk operation could not complete and why.
type KeyErrors map[string]error

func (k KeyErrors) set(key string, err error) { k[key] = err }

// Cache is a clustered cache node. Client operations may be issued on any
// node; the topology decides where they run.
type Cache interface {
	Start(ctx context.Context) error
	WaitUntilRunning(ctx context.Context) error
	Leave(ctx context.Context) error
	Close() error

	LocalAddress() membership.Address
	Status() membership.NodeStatus
	Servers() []membership.Address
	NodeStats() []*membership.NodeInfo

	Get(ctx context.Context, key string, oc *engine.OperationContext) (*engine.Entry, error)
	GetBulk(ctx context.Context, keys []string, oc *engine.OperationContext) (map[string]*engine.Entry, KeyErrors)
	Add(ctx context.Context, key string, e *engine.Entry, oc *engine.OperationContext) (engine.AddResult, error)
	AddBulk(ctx context.Context, entries map[string]*engine.Entry, oc *engine.OperationContext) (map[string]engine.AddResult, KeyErrors)
	Insert(ctx context.Context, key string, e *engine.Entry, oc *engine.OperationContext) (engine.InsertResult, error)
	InsertBulk(ctx context.Context, entries map[string]*engine.Entry, oc *engine.OperationContext) (map[string]engine.InsertResult, KeyErrors)
	Remove(ctx context.Context, key string, oc *engine.OperationContext) (*engine.Entry, error)
	RemoveBulk(ctx context.Context, keys []string, oc *engine.OperationContext) (map[string]*engine.Entry, KeyErrors)
	Contains(ctx context.Context, key string, oc *engine.OperationContext) (bool, error)
	ContainsBulk(ctx context.Context, keys []string, oc *engine.OperationContext) (map[string]bool, KeyErrors)
	Clear(ctx context.Context, oc *engine.OperationContext) error
	Count(ctx context.Context) (int64, error)

	Search(ctx context.Context, pattern string) ([]string, error)
	SearchEntries(ctx context.Context, pattern string) (map[string]*engine.Entry, error)
	OpenReader(ctx context.Context, pattern string, chunkSize int) (*Reader, error)
	Enumerate(ctx context.Context, chunkSize int, fn func(key string, e *engine.Entry) bool) error

	Lock(ctx context.Context, key, lockID string) (engine.LockInfo, error)
	Unlock(ctx context.Context, key, lockID string, force bool) error
	IsLocked(ctx context.Context, key, lockID string) (engine.LockInfo, error)

	Balance(ctx context.Context) (distributor.BalanceResult, error)
	UpdateClientStatus(ctx context.Context, clientID string, connected bool) error
}

var (
	_ Cache = (*Partitioned)(nil)
	_ Cache = (*Replicated)(nil)
)

// New builds the topology named by cfg over ch and store. The returned
// cache owns store and closes it on Close.
func New(cfg *config.Config, ch bus.GroupChannel, store engine.InternalCache) (Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Topology {
	case config.TopologyPartitioned:
		return NewPartitioned(cfg, ch, store)
	case config.TopologyReplicated:
		return NewReplicated(cfg, ch, store)
	}
	return nil, cacheerr.Configuration("topology", "unknown topology %q", cfg.Topology)
}

// IdentityOf is what a node announces about itself to the cluster.
func IdentityOf(cfg *config.Config) membership.Identity {
	return membership.Identity{
		CacheName:    cfg.CacheName,
		GroupID:      cfg.Cluster.GroupID,
		SubGroupID:   cfg.Cluster.SubGroupID,
		Topology:     cfg.Topology,
		HasStorage:   true,
		RendererHost: cfg.Cluster.BindAddr,
		RendererPort: cfg.Client.Port,
	}
}
