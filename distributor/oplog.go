package distributor

import (
	"sync"

	"iriscache/cacheerr"
)

type LoggedOp struct {
	Key     string
	Removed bool
}

type bucketLog struct {
	order []string
	ops   map[string]bool
}

// OperationLog records keys written on a source node while their bucket is
// being copied, so the final delta can be replayed on the new owner. Once a
// bucket was handed off, operations on it are refused.
type OperationLog struct {
	mu          sync.Mutex
	logs        map[int]*bucketLog
	transferred map[int]bool
}

func NewOperationLog() *OperationLog {
	return &OperationLog{logs: map[int]*bucketLog{}, transferred: map[int]bool{}}
}

func (l *OperationLog) StartLogging(bucket int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.logs[bucket]; !ok {
		l.logs[bucket] = &bucketLog{ops: map[string]bool{}}
	}
}

func (l *OperationLog) IsLogging(bucket int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.logs[bucket]
	return ok
}

// Record is a no-op for buckets that are not being logged.
func (l *OperationLog) Record(bucket int, key string, removed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bl, ok := l.logs[bucket]
	if !ok {
		return
	}
	if _, seen := bl.ops[key]; !seen {
		bl.order = append(bl.order, key)
	}
	bl.ops[key] = removed
}

// Drain returns the operations logged so far, one per key in first-write
// order, and resets the log while keeping it active.
func (l *OperationLog) Drain(bucket int) []LoggedOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	bl, ok := l.logs[bucket]
	if !ok {
		return nil
	}
	ops := make([]LoggedOp, 0, len(bl.order))
	for _, k := range bl.order {
		ops = append(ops, LoggedOp{Key: k, Removed: bl.ops[k]})
	}
	l.logs[bucket] = &bucketLog{ops: map[string]bool{}}
	return ops
}

// Guard runs fn for a write on key unless the bucket was handed off, and
// logs the key if the bucket is being copied. Hand-off cannot happen while
// fn runs.
func (l *OperationLog) Guard(bucket int, key string, removed bool, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transferred[bucket] {
		return cacheerr.ErrStateTransfer
	}
	if err := fn(); err != nil {
		return err
	}
	if bl, ok := l.logs[bucket]; ok {
		if _, seen := bl.ops[key]; !seen {
			bl.order = append(bl.order, key)
		}
		bl.ops[key] = removed
	}
	return nil
}

// Finish drains the log and marks the bucket handed off in one step, so
// every write is either in the returned delta or refused.
func (l *OperationLog) Finish(bucket int) []LoggedOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ops []LoggedOp
	if bl, ok := l.logs[bucket]; ok {
		ops = make([]LoggedOp, 0, len(bl.order))
		for _, k := range bl.order {
			ops = append(ops, LoggedOp{Key: k, Removed: bl.ops[k]})
		}
	}
	delete(l.logs, bucket)
	l.transferred[bucket] = true
	return ops
}

func (l *OperationLog) StopLogging(bucket int) {
	l.mu.Lock()
	delete(l.logs, bucket)
	l.mu.Unlock()
}

func (l *OperationLog) MarkTransferred(bucket int) {
	l.mu.Lock()
	delete(l.logs, bucket)
	l.transferred[bucket] = true
	l.mu.Unlock()
}

// Reclaim clears the handed-off mark when the bucket becomes local again.
func (l *OperationLog) Reclaim(bucket int) {
	l.mu.Lock()
	delete(l.transferred, bucket)
	l.mu.Unlock()
}

func (l *OperationLog) IsOperationAllowed(bucket int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.transferred[bucket]
}

func (l *OperationLog) Reset() {
	l.mu.Lock()
	l.logs = map[int]*bucketLog{}
	l.transferred = map[int]bool{}
	l.mu.Unlock()
}
