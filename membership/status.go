package membership

import "context"

// NodeStatus is the lifecycle of the local node. Coordinator is only reachable
// from Running.
type NodeStatus int

const (
	StatusInitializing NodeStatus = iota
	StatusRunning
	StatusCoordinator
	StatusStopped
)

func (s NodeStatus) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusCoordinator:
		return "coordinator"
	default:
		return "stopped"
	}
}

func (s NodeStatus) IsRunning() bool {
	return s == StatusRunning || s == StatusCoordinator
}

// StatusLatch keeps the node status and the coordinator bit consistent: a node
// that becomes coordinator while still initializing is promoted only once it
// is running.
type StatusLatch struct {
	latch *Latch[lifecycle]
}

type lifecycle struct {
	status      NodeStatus
	coordinator bool
}

func NewStatusLatch() *StatusLatch {
	return &StatusLatch{latch: NewLatch(lifecycle{status: StatusInitializing})}
}

func (s *StatusLatch) Status() NodeStatus { return s.latch.Get().status }

func (s *StatusLatch) IsCoordinator() bool { return s.Status() == StatusCoordinator }

// SetRunning moves Initializing to Running, or to Coordinator if the bit is set.
func (s *StatusLatch) SetRunning() {
	s.latch.update(func(cur lifecycle) lifecycle {
		if cur.status != StatusInitializing {
			return cur
		}
		cur.status = StatusRunning
		if cur.coordinator {
			cur.status = StatusCoordinator
		}
		return cur
	})
}

// SetCoordinator records the derived coordinator bit.
func (s *StatusLatch) SetCoordinator(on bool) {
	s.latch.update(func(cur lifecycle) lifecycle {
		cur.coordinator = on
		switch {
		case on && cur.status == StatusRunning:
			cur.status = StatusCoordinator
		case !on && cur.status == StatusCoordinator:
			cur.status = StatusRunning
		}
		return cur
	})
}

func (s *StatusLatch) Stop() {
	s.latch.update(func(cur lifecycle) lifecycle {
		cur.status = StatusStopped
		return cur
	})
}

func (s *StatusLatch) WaitForRunning(ctx context.Context) error {
	return s.WaitFor(ctx, func(st NodeStatus) bool {
		return st.IsRunning() || st == StatusStopped
	})
}

func (s *StatusLatch) WaitFor(ctx context.Context, pred func(NodeStatus) bool) error {
	return s.latch.WaitFor(ctx, func(cur lifecycle) bool { return pred(cur.status) })
}

// TransferState gates mutating operations on a replica that is still copying
// its initial snapshot.
type TransferState int

const (
	UnderStateTransfer TransferState = iota
	StateTransferCompleted
)
