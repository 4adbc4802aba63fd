package bus

import "go.uber.org/atomic"

// ActivityStats counts gateway traffic for operational monitoring.
type ActivityStats struct {
	Sent      atomic.Int64
	Received  atomic.Int64
	Responses atomic.Int64
	TimedOut  atomic.Int64
	Suspected atomic.Int64
	Dropped   atomic.Int64
}

type ActivitySnapshot struct {
	Sent, Received, Responses, TimedOut, Suspected, Dropped int64
}

func (s *ActivityStats) Snapshot() ActivitySnapshot {
	return ActivitySnapshot{
		Sent:      s.Sent.Load(),
		Received:  s.Received.Load(),
		Responses: s.Responses.Load(),
		TimedOut:  s.TimedOut.Load(),
		Suspected: s.Suspected.Load(),
		Dropped:   s.Dropped.Load(),
	}
}
