package bus

import (
	"iriscache/cacheerr"
	"iriscache/engine"
)

// WireEntry is the metadata half of an entry; its value travels in the
// payload at the same index.
type WireEntry struct {
	Key      string
	LockID   string `cbor:",omitempty"`
	LockedAt int64  `cbor:",omitempty"`
}

// EntrySet carries entries with their values out of band. Embed it in a
// message to give the message a payload.
type EntrySet struct {
	Entries []WireEntry `cbor:",omitempty"`
	Values  [][]byte    `cbor:"-"`
}

func (s EntrySet) Payload() [][]byte { return s.Values }

func (s *EntrySet) AttachPayload(p [][]byte) { s.Values = p }

func (s *EntrySet) Append(key string, e *engine.Entry) {
	s.Entries = append(s.Entries, WireEntry{Key: key, LockID: e.LockID, LockedAt: e.LockedAt})
	s.Values = append(s.Values, e.Value)
}

func (s *EntrySet) Len() int { return len(s.Entries) }

// Entry rebuilds the i-th entry. A missing value is an empty one.
func (s *EntrySet) Entry(i int) (string, *engine.Entry) {
	w := s.Entries[i]
	var val []byte
	if i < len(s.Values) {
		val = s.Values[i]
	}
	return w.Key, &engine.Entry{Value: val, LockID: w.LockID, LockedAt: w.LockedAt}
}

func (s *EntrySet) Map() map[string]*engine.Entry {
	out := make(map[string]*engine.Entry, len(s.Entries))
	for i := range s.Entries {
		k, e := s.Entry(i)
		out[k] = e
	}
	return out
}

func (s *EntrySet) Size() int64 {
	var n int64
	for _, v := range s.Values {
		n += int64(len(v))
	}
	return n
}

func EntrySetOf(entries map[string]*engine.Entry) EntrySet {
	var s EntrySet
	for k, e := range entries {
		s.Append(k, e)
	}
	return s
}

// WireError is an error as it crosses the wire.
type WireError struct {
	Kind string
	Msg  string `cbor:",omitempty"`
}

func ToWireError(err error) WireError {
	return WireError{Kind: cacheerr.Kind(err), Msg: err.Error()}
}

func (w WireError) Err() error { return cacheerr.FromKind(w.Kind, w.Msg) }

// KeyErrors maps keys to the error their operation failed with.
type KeyErrors map[string]WireError

func (k *KeyErrors) Set(key string, err error) {
	if *k == nil {
		*k = KeyErrors{}
	}
	(*k)[key] = ToWireError(err)
}

func (k KeyErrors) Get(key string) error {
	if w, ok := k[key]; ok {
		return w.Err()
	}
	return nil
}
