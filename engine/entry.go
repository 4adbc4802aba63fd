package engine

import (
	"time"

	"github.com/google/uuid"
)

// Entry is a cached value plus its lock state.
type Entry struct {
	Value    []byte
	LockID   string
	LockedAt int64
}

func NewEntry(value []byte) *Entry {
	return &Entry{Value: value}
}

func (e *Entry) Size() int64 {
	if e == nil {
		return 0
	}
	return int64(len(e.Value))
}

func (e *Entry) IsLocked() bool {
	return e != nil && e.LockID != ""
}

// Clone copies the entry header; the value bytes are shared and treated as immutable.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

type KeyEntry struct {
	Key   string
	Entry *Entry
}

type AddResult int

const (
	AddSuccess AddResult = iota
	AddKeyExists
)

type InsertResult int

const (
	InsertAdded InsertResult = iota
	InsertOverwritten
)

type LockInfo struct {
	Locked   bool
	Acquired bool
	LockID   string
	LockedAt time.Time
}

func lockInfoOf(e *Entry, acquired bool) LockInfo {
	if !e.IsLocked() {
		return LockInfo{Acquired: acquired}
	}
	return LockInfo{
		Locked:   true,
		Acquired: acquired,
		LockID:   e.LockID,
		LockedAt: time.Unix(0, e.LockedAt),
	}
}

func NewLockID() string {
	return uuid.NewString()
}

type BucketStats struct {
	Count    int64
	DataSize int64
}

// Statistics is the local view of what this store holds.
type Statistics struct {
	Count        int64
	DataSize     int64
	LocalBuckets []int
	Buckets      map[int]BucketStats
}

func (s Statistics) Clone() Statistics {
	c := s
	c.LocalBuckets = append([]int(nil), s.LocalBuckets...)
	c.Buckets = make(map[int]BucketStats, len(s.Buckets))
	for id, b := range s.Buckets {
		c.Buckets[id] = b
	}
	return c
}

// EnumerationPointer marks the position of a chunked enumeration. An empty ID
// starts a new enumeration over a snapshot of the key set.
type EnumerationPointer struct {
	ID       string
	Position int
}

type EnumerationChunk struct {
	Pointer EnumerationPointer
	Data    []KeyEntry
	Done    bool
}
