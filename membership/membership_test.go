package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(gen int64, port int) Address {
	return Address{Host: "127.0.0.1", Port: port, Generation: gen, ID: "id"}
}

// TestAddressOrdering verifies that addresses sort by join generation first.
func TestAddressOrdering(t *testing.T) {
	a, b := addr(1, 9000), addr(2, 8000)
	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
	assert.Zero(t, a.Compare(a))
	assert.True(t, Address{}.IsZero())
	assert.Equal(t, "<nil>", Address{}.String())
}

// TestParseAddress verifies the transport name round trip.
func TestParseAddress(t *testing.T) {
	a := NewAddress("10.0.0.7", 7946)
	parsed, err := ParseAddress(a.Name(), a.Generation)
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseAddress("10.0.0.7:7946", 1)
	assert.Error(t, err)
}

// TestViewCoordinatorIsFirstMember verifies coordinator selection is positional
// and independent of the order members were reported in.
func TestViewCoordinatorIsFirstMember(t *testing.T) {
	a, b, c := addr(1, 1), addr(2, 2), addr(3, 3)
	v1 := NewView(1, []Address{c, a, b})
	v2 := NewView(1, []Address{b, c, a, a})

	assert.Equal(t, a, v1.Coordinator())
	assert.Equal(t, v1.Members, v2.Members)
	assert.Equal(t, 3, v2.Size())
	assert.True(t, v1.Contains(b))
	assert.Equal(t, Address{}, (*View)(nil).Coordinator())
}

// TestDiff verifies joined and left computation between two views.
func TestDiff(t *testing.T) {
	a, b, c, d := addr(1, 1), addr(2, 2), addr(3, 3), addr(4, 4)
	prev := NewView(1, []Address{a, b, c})
	next := NewView(2, []Address{a, c, d})

	joined, left := Diff(prev, next)
	assert.Equal(t, []Address{d}, joined)
	assert.Equal(t, []Address{b}, left)

	joined, left = Diff(nil, prev)
	assert.Equal(t, []Address{a, b, c}, joined)
	assert.Empty(t, left)
}

// TestMemberStateTransitions checks the legal member state machine edges.
func TestMemberStateTransitions(t *testing.T) {
	assert.True(t, StateUnknown.Next(StateJoining))
	assert.True(t, StateJoining.Next(StateValidatedServer))
	assert.True(t, StateJoining.Next(StateValidatedNonServer))
	assert.True(t, StateValidatedServer.Next(StateLeft))
	assert.False(t, StateUnknown.Next(StateValidatedServer))
	assert.False(t, StateLeft.Next(StateJoining))
}

// TestStatusLatchCoordinatorRequiresRunning verifies a node cannot be
// coordinator while initializing.
func TestStatusLatchCoordinatorRequiresRunning(t *testing.T) {
	l := NewStatusLatch()
	l.SetCoordinator(true)
	assert.Equal(t, StatusInitializing, l.Status())
	assert.False(t, l.IsCoordinator())

	l.SetRunning()
	assert.Equal(t, StatusCoordinator, l.Status())

	l.SetCoordinator(false)
	assert.Equal(t, StatusRunning, l.Status())
	assert.True(t, l.Status().IsRunning())
}

// TestStatusLatchWaitForRunning verifies waiters are released on transition
// and honor context cancellation.
func TestStatusLatchWaitForRunning(t *testing.T) {
	l := NewStatusLatch()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.WaitForRunning(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- l.WaitForRunning(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	l.SetRunning()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

// TestLatchCompareAndSet verifies CAS semantics of the generic latch.
func TestLatchCompareAndSet(t *testing.T) {
	l := NewLatch(UnderStateTransfer)
	assert.False(t, l.CompareAndSet(StateTransferCompleted, UnderStateTransfer))
	assert.True(t, l.CompareAndSet(UnderStateTransfer, StateTransferCompleted))
	assert.Equal(t, StateTransferCompleted, l.Get())
}
