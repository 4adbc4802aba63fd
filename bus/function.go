package bus

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"iriscache/cacheerr"
	"iriscache/membership"
)

// Function is the request envelope. The operand is encoded once by the
// sender; values that implement payloadSource travel in UserPayload instead.
type Function struct {
	RequestID        string          `cbor:"1,keyasint"`
	Opcode           Opcode          `cbor:"2,keyasint"`
	Operand          cbor.RawMessage `cbor:"3,keyasint"`
	UserPayload      [][]byte        `cbor:"4,keyasint,omitempty"`
	ResponseExpected bool            `cbor:"5,keyasint,omitempty"`
	ExcludeSelf      bool            `cbor:"6,keyasint,omitempty"`
	Sequenced        bool            `cbor:"7,keyasint,omitempty"`
	Priority         Priority        `cbor:"8,keyasint,omitempty"`
	SyncKey          string          `cbor:"9,keyasint,omitempty"`
}

type wireResponse struct {
	RequestID   string          `cbor:"1,keyasint"`
	ErrKind     string          `cbor:"2,keyasint,omitempty"`
	ErrMsg      string          `cbor:"3,keyasint,omitempty"`
	Body        cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	UserPayload [][]byte        `cbor:"5,keyasint,omitempty"`
}

// frame is what goes over the channel: exactly one of the two is set.
type frame struct {
	Function *Function     `cbor:"1,keyasint,omitempty"`
	Response *wireResponse `cbor:"2,keyasint,omitempty"`
}

// payloadSource is implemented by messages that carry raw values apart from
// the encoded operand. The values field must be tagged `cbor:"-"`.
type payloadSource interface {
	Payload() [][]byte
}

type payloadSink interface {
	AttachPayload([][]byte)
}

func encodeBody(v any) (cbor.RawMessage, [][]byte, error) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var payload [][]byte
	if ps, ok := v.(payloadSource); ok {
		payload = ps.Payload()
	}
	return raw, payload, nil
}

func decodeBody(raw cbor.RawMessage, payload [][]byte, out any) error {
	if len(raw) > 0 {
		if err := cbor.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %T: %w", out, err)
		}
	}
	if ps, ok := out.(payloadSink); ok && payload != nil {
		ps.AttachPayload(payload)
	}
	return nil
}

// Response is one member's answer. The body stays encoded until Decode asks
// for it; replies from the local node keep the handler's value as is.
type Response struct {
	From      membership.Address
	RequestID string
	Err       error

	body    cbor.RawMessage
	payload [][]byte
	local   any

	mu      sync.Mutex
	decoded any
}

func newLocalResponse(from membership.Address, id string, v any, err error) *Response {
	return &Response{From: from, RequestID: id, local: v, Err: err}
}

func newErrorResponse(from membership.Address, id string, err error) *Response {
	return &Response{From: from, RequestID: id, Err: err}
}

func (r *Response) fromWire(from membership.Address, w *wireResponse) *Response {
	r.From = from
	r.RequestID = w.RequestID
	r.body = w.Body
	r.payload = w.UserPayload
	if w.ErrKind != "" {
		r.Err = cacheerr.FromKind(w.ErrKind, w.ErrMsg)
	}
	return r
}

// Decode returns the response body as T, decoding it on first use.
func Decode[T any](r *Response) (T, error) {
	var zero T
	if r == nil {
		return zero, fmt.Errorf("%w: no response", cacheerr.ErrGeneralFailure)
	}
	if r.Err != nil {
		return zero, r.Err
	}
	if r.local != nil {
		v, ok := r.local.(T)
		if !ok {
			return zero, fmt.Errorf("%w: local reply is %T, want %T", cacheerr.ErrGeneralFailure, r.local, zero)
		}
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decoded != nil {
		return r.decoded.(T), nil
	}
	var v T
	if err := decodeBody(r.body, r.payload, &v); err != nil {
		return zero, cacheerr.GeneralFailure(err)
	}
	r.decoded = v
	return v, nil
}
