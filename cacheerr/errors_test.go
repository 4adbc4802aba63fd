package cacheerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stringer string

func (s stringer) String() string { return string(s) }

// TestSuspectedMatchesSentinel verifies typed suspected errors match ErrSuspected.
func TestSuspectedMatchesSentinel(t *testing.T) {
	err := Suspected(stringer("10.0.0.1:7946"))
	assert.ErrorIs(t, err, ErrSuspected)
	assert.True(t, Retryable(err))
	assert.True(t, Retryable(fmt.Errorf("get: %w", ErrStateTransfer)))
	assert.False(t, Retryable(ErrTimeout))
}

// TestGeneralFailureWrapping checks that foreign errors are wrapped and domain errors pass through.
func TestGeneralFailureWrapping(t *testing.T) {
	cause := errors.New("disk on fire")
	err := GeneralFailure(cause)
	assert.ErrorIs(t, err, ErrGeneralFailure)
	assert.ErrorIs(t, err, cause)

	assert.Same(t, ErrLocking, GeneralFailure(ErrLocking))
	assert.ErrorIs(t, GeneralFailure(ErrTimeout), ErrGeneralFailure)
	assert.Nil(t, GeneralFailure(nil))
}

// TestKindRoundTrip verifies wire classification survives a round trip.
func TestKindRoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		ErrTimeout, ErrStateTransfer, ErrStateTransferInProgress, ErrLocking,
		ErrInvalidReader, ErrNotCoordinator, ErrOperationNotSupported, ErrClosed,
	} {
		wrapped := fmt.Errorf("remote: %w", sentinel)
		rebuilt := FromKind(Kind(wrapped), wrapped.Error())
		assert.ErrorIs(t, rebuilt, sentinel)
		assert.Equal(t, wrapped.Error(), rebuilt.Error())
	}

	rebuilt := FromKind(Kind(Suspected(stringer("n1"))), "member n1 suspected")
	var se *SuspectedError
	assert.ErrorAs(t, rebuilt, &se)
	assert.Equal(t, "n1", se.Member)

	assert.ErrorIs(t, FromKind("bogus", "x"), ErrGeneralFailure)
	assert.Equal(t, KindGeneral, Kind(errors.New("plain")))
}

// TestConfigurationError verifies field-scoped configuration errors.
func TestConfigurationError(t *testing.T) {
	err := Configuration("stats-repl-interval", "must be between %ds and %ds", 1, 300)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, "configuration error: stats-repl-interval: must be between 1s and 300s", err.Error())
}
