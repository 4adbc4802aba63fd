package topology

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/google/uuid"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/engine"
	"iriscache/membership"
)

const defaultReaderChunk = 100

// readerRegistry keeps the server side of open readers: a snapshot of the
// matching keys and how far the client has read. A state transfer on this
// node invalidates every open reader.
type readerRegistry struct {
	mu      sync.Mutex
	cache   engine.InternalCache
	readers map[string]*serverReader
}

type serverReader struct {
	keys []string
	pos  int
}

func newReaderRegistry(cache engine.InternalCache) *readerRegistry {
	return &readerRegistry{cache: cache, readers: map[string]*serverReader{}}
}

// open registers a reader over keys and returns its first chunk.
func (r *readerRegistry) open(id string, keys []string, chunk int) (bus.ReaderChunkResponse, error) {
	r.mu.Lock()
	r.readers[id] = &serverReader{keys: keys}
	r.mu.Unlock()
	return r.next(id, chunk)
}

func (r *readerRegistry) next(id string, chunk int) (bus.ReaderChunkResponse, error) {
	if chunk <= 0 {
		chunk = defaultReaderChunk
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sr, ok := r.readers[id]
	if !ok {
		return bus.ReaderChunkResponse{}, fmt.Errorf("reader %s: %w", id, cacheerr.ErrInvalidReader)
	}
	resp := bus.ReaderChunkResponse{ReaderID: id}
	for sr.pos < len(sr.keys) && resp.Len() < chunk {
		key := sr.keys[sr.pos]
		sr.pos++
		e, err := r.cache.Get(key)
		if err != nil {
			return bus.ReaderChunkResponse{}, err
		}
		if e != nil {
			resp.Append(key, e)
		}
	}
	if sr.pos >= len(sr.keys) {
		resp.Done = true
		delete(r.readers, id)
	}
	return resp, nil
}

func (r *readerRegistry) dispose(id string) {
	r.mu.Lock()
	delete(r.readers, id)
	r.mu.Unlock()
}

func (r *readerRegistry) invalidateAll() {
	r.mu.Lock()
	n := len(r.readers)
	r.readers = map[string]*serverReader{}
	r.mu.Unlock()
	if n > 0 {
		log.Printf("[INFO] topology: %d open reader(s) invalidated", n)
	}
}

func (r *readerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readers)
}

// Reader streams the entries matching a pattern from every server, one
// chunk at a time.
type Reader struct {
	ID string

	gw      *bus.Gateway
	chunk   int
	pending []membership.Address
	first   map[membership.Address]bus.ReaderChunkResponse
}

// openReader starts a reader on servers. Each server returns its first
// chunk right away.
func openReader(ctx context.Context, gw *bus.Gateway, servers []membership.Address, pattern string, chunk int, viewID uint64) (*Reader, error) {
	rd := &Reader{
		ID:    uuid.NewString(),
		gw:    gw,
		chunk: chunk,
		first: map[membership.Address]bus.ReaderChunkResponse{},
	}
	rs, err := gw.Multicast(ctx, servers, &bus.ExecuteReaderRequest{
		ReaderID: rd.ID, Pattern: pattern, ChunkSize: chunk, ViewID: viewID,
	}, bus.GetAll, 0)
	if err != nil {
		return nil, err
	}
	for _, resp := range rs {
		c, err := bus.Decode[bus.ReaderChunkResponse](resp)
		if err != nil {
			_ = gw.SendNoReply(ctx, servers, &bus.DisposeReaderRequest{ReaderID: rd.ID})
			return nil, err
		}
		rd.first[resp.From] = c
		rd.pending = append(rd.pending, resp.From)
	}
	slices.SortFunc(rd.pending, membership.Address.Compare)
	return rd, nil
}

// Next returns the next batch of entries. done is set once every server is
// exhausted.
func (rd *Reader) Next(ctx context.Context) (entries map[string]*engine.Entry, done bool, err error) {
	for len(rd.pending) > 0 {
		server := rd.pending[0]
		c, ok := rd.first[server]
		if ok {
			delete(rd.first, server)
		} else {
			c, err = bus.Call[bus.ReaderChunkResponse](ctx, rd.gw, server,
				&bus.GetReaderChunkRequest{ReaderID: rd.ID, ChunkSize: rd.chunk})
			if err != nil {
				return nil, false, err
			}
		}
		if c.Done {
			rd.pending = rd.pending[1:]
		}
		if c.Len() > 0 {
			return c.Map(), len(rd.pending) == 0, nil
		}
	}
	return nil, true, nil
}

// Close releases the server side of the reader.
func (rd *Reader) Close(ctx context.Context) {
	if len(rd.pending) == 0 {
		return
	}
	_ = rd.gw.SendNoReply(ctx, rd.pending, &bus.DisposeReaderRequest{ReaderID: rd.ID})
	rd.pending = nil
}
