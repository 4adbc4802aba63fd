package cacheerr

import (
	"errors"
	"fmt"
)

var (
	ErrSuspected               = errors.New("member suspected")
	ErrTimeout                 = errors.New("operation timed out")
	ErrStateTransfer           = errors.New("bucket is under state transfer")
	ErrStateTransferInProgress = errors.New("state transfer in progress")
	ErrLocking                 = errors.New("item is locked")
	ErrInvalidReader           = errors.New("reader is no longer valid")
	ErrGeneralFailure          = errors.New("general failure")
	ErrConfiguration           = errors.New("configuration error")
	ErrNotCoordinator          = errors.New("not the coordinator")
	ErrOperationNotSupported   = errors.New("operation not supported")
	ErrClosed                  = errors.New("cache is closed")
)

// SuspectedError is returned when the addressed member is believed dead by the
// group layer. It matches ErrSuspected.
type SuspectedError struct {
	Member string
}

func (e *SuspectedError) Error() string {
	return fmt.Sprintf("member %s suspected", e.Member)
}

func (e *SuspectedError) Is(target error) bool { return target == ErrSuspected }

func Suspected(member fmt.Stringer) error {
	return &SuspectedError{Member: member.String()}
}

// GeneralFailureError normalizes unexpected errors crossing a cluster call.
type GeneralFailureError struct {
	Msg   string
	Cause error
}

func (e *GeneralFailureError) Error() string {
	if e.Msg == "" && e.Cause != nil {
		return "general failure: " + e.Cause.Error()
	}
	return "general failure: " + e.Msg
}

func (e *GeneralFailureError) Unwrap() error { return e.Cause }

func (e *GeneralFailureError) Is(target error) bool { return target == ErrGeneralFailure }

// GeneralFailure wraps err unless it already is a cache-domain error.
func GeneralFailure(err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) && !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrSuspected) {
		return err
	}
	return &GeneralFailureError{Msg: err.Error(), Cause: err}
}

type ConfigurationError struct {
	Field string
	Msg   string
	Cause error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func Configuration(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Retryable reports whether routing should be re-resolved and the call repeated.
func Retryable(err error) bool {
	return errors.Is(err, ErrSuspected) || errors.Is(err, ErrStateTransfer)
}

// IsDomain reports whether err belongs to the cache error taxonomy.
func IsDomain(err error) bool {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return true
		}
	}
	return false
}
