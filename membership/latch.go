package membership

import (
	"context"
	"sync"
)

// Latch holds a value and lets goroutines wait until it satisfies a predicate.
type Latch[T comparable] struct {
	mu   sync.Mutex
	cond *sync.Cond
	v    T
}

func NewLatch[T comparable](initial T) *Latch[T] {
	l := &Latch[T]{v: initial}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Latch[T]) Get() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v
}

func (l *Latch[T]) Set(v T) {
	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	l.cond.Broadcast()
}

// CompareAndSet swaps to next only if the current value equals from.
func (l *Latch[T]) CompareAndSet(from, next T) bool {
	l.mu.Lock()
	if l.v != from {
		l.mu.Unlock()
		return false
	}
	l.v = next
	l.mu.Unlock()
	l.cond.Broadcast()
	return true
}

func (l *Latch[T]) update(fn func(T) T) {
	l.mu.Lock()
	l.v = fn(l.v)
	l.mu.Unlock()
	l.cond.Broadcast()
}

// WaitFor blocks until pred holds or ctx is done.
func (l *Latch[T]) WaitFor(ctx context.Context, pred func(T) bool) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for !pred(l.v) {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.cond.Wait()
	}
	return nil
}
