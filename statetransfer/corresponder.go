package statetransfer

import (
	"fmt"
	"log"
	"sync"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/distributor"
	"iriscache/engine"
	"iriscache/membership"
)

// SessionID names one requesting node incarnation. A node that restarts on
// the same host and port gets a new generation and so a fresh session.
type SessionID struct {
	Owner      string
	Generation int64
}

func SessionOf(a membership.Address) SessionID {
	return SessionID{Owner: a.Name(), Generation: a.Generation}
}

// Arena holds one Corresponder per requesting node.
type Arena struct {
	mu        sync.Mutex
	cache     engine.InternalCache
	oplog     *distributor.OperationLog
	chunkSize int64
	sessions  map[SessionID]*Corresponder
}

func NewArena(cache engine.InternalCache, oplog *distributor.OperationLog, chunkSize int64) *Arena {
	return &Arena{cache: cache, oplog: oplog, chunkSize: chunkSize, sessions: map[SessionID]*Corresponder{}}
}

// Get returns the requester's session, creating it on first use.
func (a *Arena) Get(requester membership.Address) *Corresponder {
	id := SessionOf(requester)
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.sessions[id]
	if !ok {
		c = &Corresponder{id: id, cache: a.cache, oplog: a.oplog, chunkSize: a.chunkSize}
		a.sessions[id] = c
	}
	return c
}

func (a *Arena) Lookup(requester membership.Address) (*Corresponder, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.sessions[SessionOf(requester)]
	return c, ok
}

// Dispose drops the requester's session. A bucket it was still copying
// stops being logged.
func (a *Arena) Dispose(requester membership.Address) {
	id := SessionOf(requester)
	a.mu.Lock()
	c, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if ok {
		c.dispose()
	}
}

func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Corresponder serves one requester's pulls: buckets for a partitioned
// cache, the full key list for a replica.
type Corresponder struct {
	id        SessionID
	cache     engine.InternalCache
	oplog     *distributor.OperationLog
	chunkSize int64

	mu          sync.Mutex
	current     *bucketCursor
	replicaKeys []string
}

type bucketCursor struct {
	bucket    int
	keys      []string
	pos       int
	itemsDone bool
	lastID    int
	last      *bus.TransferBucketResponse
}

// TransferBucket returns chunk txfrID of bucket. The first call for a bucket
// starts logging writes to it and snapshots its key list; cache items go
// first, then one final chunk with the logged operations. Asking for the
// previous id again returns the same chunk.
func (c *Corresponder) TransferBucket(bucket, txfrID int) (*bus.TransferBucketResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current
	if cur == nil || cur.bucket != bucket {
		if cur != nil && cur.last != nil && !cur.last.Complete {
			c.oplog.StopLogging(cur.bucket)
		}
		c.oplog.StartLogging(bucket)
		keys, err := c.cache.GetKeyList(bucket)
		if err != nil {
			c.oplog.StopLogging(bucket)
			return nil, cacheerr.GeneralFailure(err)
		}
		cur = &bucketCursor{bucket: bucket, keys: keys, lastID: -1}
		c.current = cur
	}

	if txfrID == cur.lastID && cur.last != nil {
		return cur.last, nil
	}
	if txfrID != cur.lastID+1 {
		return nil, fmt.Errorf("%w: bucket %d chunk %d requested, expected %d",
			cacheerr.ErrGeneralFailure, bucket, txfrID, cur.lastID+1)
	}

	resp := &bus.TransferBucketResponse{Bucket: bucket, TxfrID: txfrID}
	if !cur.itemsDone {
		resp.DataType = bus.CacheItems
		for cur.pos < len(cur.keys) && resp.Size() < c.chunkSize {
			key := cur.keys[cur.pos]
			cur.pos++
			e, err := c.cache.Get(key)
			if err != nil {
				return nil, cacheerr.GeneralFailure(err)
			}
			if e != nil {
				resp.Append(key, e)
			}
		}
		cur.itemsDone = cur.pos >= len(cur.keys)
	} else {
		resp.DataType = bus.LoggedOperations
		resp.Complete = true
		for _, op := range c.oplog.Finish(bucket) {
			if op.Removed {
				resp.Removed = append(resp.Removed, op.Key)
				continue
			}
			e, err := c.cache.Get(op.Key)
			if err != nil {
				return nil, cacheerr.GeneralFailure(err)
			}
			if e == nil {
				resp.Removed = append(resp.Removed, op.Key)
				continue
			}
			resp.Append(op.Key, e)
		}
	}
	cur.lastID = txfrID
	cur.last = resp
	return resp, nil
}

// Ack drops buckets the requester now holds.
func (c *Corresponder) Ack(buckets []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range buckets {
		c.oplog.MarkTransferred(b)
		if err := c.cache.RemoveBucket(b); err != nil {
			return cacheerr.GeneralFailure(err)
		}
		if c.current != nil && c.current.bucket == b {
			c.current = nil
		}
		log.Printf("[INFO] statetransfer: bucket %d handed off to %s", b, c.id.Owner)
	}
	return nil
}

// ReplicaKeyList snapshots every key for a replica catching up.
func (c *Corresponder) ReplicaKeyList() (int, error) {
	keys, err := c.cache.Keys()
	if err != nil {
		return 0, cacheerr.GeneralFailure(err)
	}
	c.mu.Lock()
	c.replicaKeys = keys
	c.mu.Unlock()
	return len(keys), nil
}

// ReplicaChunk returns entries starting at position pos of the snapshot.
// Keys removed since the snapshot are skipped.
func (c *Corresponder) ReplicaChunk(pos int, size int64) (*bus.ReplicaChunkResponse, error) {
	if size <= 0 {
		size = c.chunkSize
	}
	c.mu.Lock()
	keys := c.replicaKeys
	c.mu.Unlock()
	if pos < 0 || pos > len(keys) {
		return nil, fmt.Errorf("%w: replica chunk at %d of %d", cacheerr.ErrGeneralFailure, pos, len(keys))
	}

	resp := &bus.ReplicaChunkResponse{}
	for pos < len(keys) && resp.Size() < size {
		e, err := c.cache.Get(keys[pos])
		if err != nil {
			return nil, cacheerr.GeneralFailure(err)
		}
		if e != nil {
			resp.Append(keys[pos], e)
		}
		pos++
	}
	resp.Next = pos
	resp.Done = pos >= len(keys)
	return resp, nil
}

func (c *Corresponder) dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && (c.current.last == nil || !c.current.last.Complete) {
		c.oplog.StopLogging(c.current.bucket)
	}
	c.current = nil
	c.replicaKeys = nil
}
