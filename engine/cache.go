package engine

import (
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"iriscache/cacheerr"
	"iriscache/utils"
)

// InternalCache is the local single-node store the cluster layer drives.
// A nil *Entry with a nil error means the key is not present.
type InternalCache interface {
	Get(key string) (*Entry, error)
	GetBulk(keys []string) (map[string]*Entry, error)
	Add(key string, e *Entry, oc *OperationContext) (AddResult, error)
	Insert(key string, e *Entry, oc *OperationContext) (InsertResult, error)
	Remove(key string, oc *OperationContext) (*Entry, error)
	Contains(key string) (bool, error)
	Clear() error
	Count() int64

	Search(pattern string) ([]string, error)
	SearchEntries(pattern string) (map[string]*Entry, error)

	Lock(key, lockID string) (LockInfo, error)
	Unlock(key, lockID string, force bool) error
	IsLocked(key, lockID string) (LockInfo, error)

	Keys() ([]string, error)
	GetKeyList(bucket int) ([]string, error)
	GetNextChunk(p EnumerationPointer, size int) (*EnumerationChunk, error)
	DisposeEnumeration(id string)
	RemoveBucket(bucket int) error
	UpdateLocalBuckets(buckets []int)
	Statistics() Statistics

	Close() error
}

// backend is the raw keyed storage under a LocalCache. Every call carries the
// bucket id so implementations can cluster keys by bucket.
type backend interface {
	get(bucket int, key string) (*Entry, error)
	put(bucket int, key string, e *Entry) error
	del(bucket int, key string) error
	bucketKeys(bucket int) ([]string, error)
	scan(fn func(key string, e *Entry) bool) error
	dropBucket(bucket int) error
	clear() error
	close() error
}

// LocalCache implements InternalCache on top of a backend. Mutations are
// serialized so that Add is a true add-if-absent.
type LocalCache struct {
	mu      sync.RWMutex
	store   backend
	buckets int

	stats        map[int]BucketStats
	localBuckets []int
	enumerations map[string][]string
	closed       bool
}

var _ InternalCache = (*LocalCache)(nil)

func newLocalCache(store backend, buckets int) *LocalCache {
	return &LocalCache{
		store:        store,
		buckets:      buckets,
		stats:        map[int]BucketStats{},
		enumerations: map[string][]string{},
	}
}

func (c *LocalCache) BucketOf(key string) int {
	return utils.BucketOf(key, c.buckets)
}

func (c *LocalCache) Get(key string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, cacheerr.ErrClosed
	}
	e, err := c.store.get(c.BucketOf(key), key)
	return e.Clone(), err
}

func (c *LocalCache) GetBulk(keys []string) (map[string]*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, cacheerr.ErrClosed
	}
	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		e, err := c.store.get(c.BucketOf(key), key)
		if err != nil {
			return nil, fmt.Errorf("get %q: %w", key, err)
		}
		if e != nil {
			out[key] = e.Clone()
		}
	}
	return out, nil
}

func (c *LocalCache) Add(key string, e *Entry, oc *OperationContext) (AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return AddKeyExists, cacheerr.ErrClosed
	}
	bucket := c.BucketOf(key)
	old, err := c.store.get(bucket, key)
	if err != nil {
		return AddKeyExists, err
	}
	if old != nil {
		return AddKeyExists, nil
	}
	if err := c.store.put(bucket, key, e.Clone()); err != nil {
		return AddKeyExists, fmt.Errorf("add %q: %w", key, err)
	}
	c.account(bucket, nil, e)
	return AddSuccess, nil
}

func (c *LocalCache) Insert(key string, e *Entry, oc *OperationContext) (InsertResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return InsertAdded, cacheerr.ErrClosed
	}
	bucket := c.BucketOf(key)
	old, err := c.store.get(bucket, key)
	if err != nil {
		return InsertAdded, err
	}
	if err := checkLock(old, oc); err != nil {
		return InsertAdded, err
	}
	stored := e.Clone()
	// an insert by the lock holder keeps the item locked
	if old.IsLocked() && !oc.LockOverride() {
		stored.LockID, stored.LockedAt = old.LockID, old.LockedAt
	}
	if err := c.store.put(bucket, key, stored); err != nil {
		return InsertAdded, fmt.Errorf("insert %q: %w", key, err)
	}
	c.account(bucket, old, stored)
	if old != nil {
		return InsertOverwritten, nil
	}
	return InsertAdded, nil
}

func (c *LocalCache) Remove(key string, oc *OperationContext) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, cacheerr.ErrClosed
	}
	bucket := c.BucketOf(key)
	old, err := c.store.get(bucket, key)
	if err != nil || old == nil {
		return nil, err
	}
	if err := checkLock(old, oc); err != nil {
		return nil, err
	}
	if err := c.store.del(bucket, key); err != nil {
		return nil, fmt.Errorf("remove %q: %w", key, err)
	}
	c.account(bucket, old, nil)
	return old, nil
}

func checkLock(old *Entry, oc *OperationContext) error {
	if !old.IsLocked() || oc.LockOverride() {
		return nil
	}
	if oc.LockID() != old.LockID {
		return fmt.Errorf("%w: held by %s", cacheerr.ErrLocking, old.LockID)
	}
	return nil
}

func (c *LocalCache) Contains(key string) (bool, error) {
	e, err := c.Get(key)
	return e != nil, err
}

func (c *LocalCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cacheerr.ErrClosed
	}
	if err := c.store.clear(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	c.stats = map[int]BucketStats{}
	c.enumerations = map[string][]string{}
	return nil
}

func (c *LocalCache) Count() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, s := range c.stats {
		n += s.Count
	}
	return n
}

// Search matches keys against a glob pattern (path.Match syntax).
func (c *LocalCache) Search(pattern string) ([]string, error) {
	matches, err := c.SearchEntries(pattern)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(matches))
	for k := range matches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *LocalCache) SearchEntries(pattern string) (map[string]*Entry, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("search %q: %w", pattern, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, cacheerr.ErrClosed
	}
	out := map[string]*Entry{}
	err := c.store.scan(func(key string, e *Entry) bool {
		if ok, _ := path.Match(pattern, key); ok {
			out[key] = e.Clone()
		}
		return true
	})
	return out, err
}

func (c *LocalCache) Lock(key, lockID string) (LockInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return LockInfo{}, cacheerr.ErrClosed
	}
	bucket := c.BucketOf(key)
	e, err := c.store.get(bucket, key)
	if err != nil || e == nil {
		return LockInfo{}, err
	}
	if e.IsLocked() {
		return lockInfoOf(e, e.LockID == lockID), nil
	}
	locked := e.Clone()
	locked.LockID = lockID
	locked.LockedAt = time.Now().UnixNano()
	if err := c.store.put(bucket, key, locked); err != nil {
		return LockInfo{}, fmt.Errorf("lock %q: %w", key, err)
	}
	return lockInfoOf(locked, true), nil
}

func (c *LocalCache) Unlock(key, lockID string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cacheerr.ErrClosed
	}
	bucket := c.BucketOf(key)
	e, err := c.store.get(bucket, key)
	if err != nil || !e.IsLocked() {
		return err
	}
	if !force && e.LockID != lockID {
		return fmt.Errorf("%w: held by %s", cacheerr.ErrLocking, e.LockID)
	}
	unlocked := e.Clone()
	unlocked.LockID, unlocked.LockedAt = "", 0
	return c.store.put(bucket, key, unlocked)
}

func (c *LocalCache) IsLocked(key, lockID string) (LockInfo, error) {
	e, err := c.Get(key)
	if err != nil {
		return LockInfo{}, err
	}
	return lockInfoOf(e, e.IsLocked() && e.LockID == lockID), nil
}

func (c *LocalCache) Keys() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keysLocked()
}

func (c *LocalCache) keysLocked() ([]string, error) {
	if c.closed {
		return nil, cacheerr.ErrClosed
	}
	var keys []string
	err := c.store.scan(func(key string, _ *Entry) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys, err
}

// GetKeyList snapshots the keys of one bucket in sorted order.
func (c *LocalCache) GetKeyList(bucket int) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, cacheerr.ErrClosed
	}
	keys, err := c.store.bucketKeys(bucket)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// GetNextChunk walks a snapshot of the key set taken on the first call.
// Keys removed after the snapshot are skipped.
func (c *LocalCache) GetNextChunk(p EnumerationPointer, size int) (*EnumerationChunk, error) {
	if size <= 0 {
		size = 100
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.ID == "" {
		keys, err := c.keysLocked()
		if err != nil {
			return nil, err
		}
		p = EnumerationPointer{ID: uuid.NewString()}
		c.enumerations[p.ID] = keys
	}
	keys, ok := c.enumerations[p.ID]
	if !ok {
		return nil, fmt.Errorf("enumeration %s: %w", p.ID, cacheerr.ErrInvalidReader)
	}

	chunk := &EnumerationChunk{}
	pos := p.Position
	for pos < len(keys) && len(chunk.Data) < size {
		key := keys[pos]
		pos++
		e, err := c.store.get(c.BucketOf(key), key)
		if err != nil {
			return nil, err
		}
		if e != nil {
			chunk.Data = append(chunk.Data, KeyEntry{Key: key, Entry: e.Clone()})
		}
	}
	chunk.Pointer = EnumerationPointer{ID: p.ID, Position: pos}
	if pos >= len(keys) {
		chunk.Done = true
		delete(c.enumerations, p.ID)
	}
	return chunk, nil
}

func (c *LocalCache) DisposeEnumeration(id string) {
	c.mu.Lock()
	delete(c.enumerations, id)
	c.mu.Unlock()
}

func (c *LocalCache) RemoveBucket(bucket int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cacheerr.ErrClosed
	}
	if err := c.store.dropBucket(bucket); err != nil {
		return fmt.Errorf("remove bucket %d: %w", bucket, err)
	}
	delete(c.stats, bucket)
	return nil
}

func (c *LocalCache) UpdateLocalBuckets(buckets []int) {
	sorted := append([]int(nil), buckets...)
	sort.Ints(sorted)
	c.mu.Lock()
	c.localBuckets = sorted
	c.mu.Unlock()
}

func (c *LocalCache) Statistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Statistics{
		LocalBuckets: c.localBuckets,
		Buckets:      c.stats,
	}
	for _, b := range c.stats {
		s.Count += b.Count
		s.DataSize += b.DataSize
	}
	return s.Clone()
}

func (c *LocalCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.store.close()
}

func (c *LocalCache) account(bucket int, old, cur *Entry) {
	s := c.stats[bucket]
	if old != nil {
		s.Count--
		s.DataSize -= old.Size()
	}
	if cur != nil {
		s.Count++
		s.DataSize += cur.Size()
	}
	if s.Count <= 0 {
		delete(c.stats, bucket)
		return
	}
	c.stats[bucket] = s
}
