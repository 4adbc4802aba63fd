package bus

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/panjf2000/ants/v2"
)

// Serializer runs tasks that share a sync key one after another, in
// submission order. Keys hash onto a fixed set of lanes; lanes drain
// concurrently on the pool.
type Serializer struct {
	pool  *ants.Pool
	lanes []*lane
}

type lane struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func NewSerializer(pool *ants.Pool, lanes int) *Serializer {
	if lanes <= 0 {
		lanes = 64
	}
	s := &Serializer{pool: pool, lanes: make([]*lane, lanes)}
	for i := range s.lanes {
		s.lanes[i] = &lane{}
	}
	return s
}

func (s *Serializer) Submit(key string, task func()) error {
	l := s.lanes[xxhash.Sum64String(key)%uint64(len(s.lanes))]
	l.mu.Lock()
	l.queue = append(l.queue, task)
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	if err := s.pool.Submit(func() { s.drain(l) }); err != nil {
		l.mu.Lock()
		l.running = false
		l.queue = nil
		l.mu.Unlock()
		return err
	}
	return nil
}

func (s *Serializer) drain(l *lane) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		task()
	}
}
