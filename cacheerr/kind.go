package cacheerr

import (
	"errors"
	"strings"
)

// Kind names used when an error crosses the wire.
const (
	KindSuspected               = "suspected"
	KindTimeout                 = "timeout"
	KindStateTransfer           = "state_transfer"
	KindStateTransferInProgress = "state_transfer_in_progress"
	KindLocking                 = "locking"
	KindInvalidReader           = "invalid_reader"
	KindConfiguration           = "configuration"
	KindNotCoordinator          = "not_coordinator"
	KindNotSupported            = "not_supported"
	KindClosed                  = "closed"
	KindGeneral                 = "general"
)

var kinds = []struct {
	kind string
	err  error
}{
	{KindSuspected, ErrSuspected},
	{KindTimeout, ErrTimeout},
	{KindStateTransfer, ErrStateTransfer},
	{KindStateTransferInProgress, ErrStateTransferInProgress},
	{KindLocking, ErrLocking},
	{KindInvalidReader, ErrInvalidReader},
	{KindConfiguration, ErrConfiguration},
	{KindNotCoordinator, ErrNotCoordinator},
	{KindNotSupported, ErrOperationNotSupported},
	{KindClosed, ErrClosed},
	{KindGeneral, ErrGeneralFailure},
}

// Kind classifies err for transport. Unknown errors are general failures.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindGeneral
}

// FromKind rebuilds an error received from a remote member.
func FromKind(kind, msg string) error {
	switch kind {
	case KindSuspected:
		return &SuspectedError{Member: strings.TrimSuffix(strings.TrimPrefix(msg, "member "), " suspected")}
	case KindGeneral, "":
		return &GeneralFailureError{Msg: strings.TrimPrefix(msg, "general failure: ")}
	case KindConfiguration:
		return &ConfigurationError{Msg: msg}
	}
	for _, k := range kinds {
		if k.kind == kind {
			if msg == "" || msg == k.err.Error() {
				return k.err
			}
			return &remoteError{msg: msg, err: k.err}
		}
	}
	return &GeneralFailureError{Msg: msg}
}

type remoteError struct {
	msg string
	err error
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.err }
