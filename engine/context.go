package engine

import "strconv"

const (
	FieldClientViewID      = "client-view-id"
	FieldIntendedRecipient = "intended-recipient"
	FieldEventID           = "event-id"
	FieldLockID            = "lock-id"
	FieldClientID          = "client-id"
	FieldLockOverride      = "lock-override"
	FieldSequenced         = "sequenced"
)

// OperationContext carries routing hints and causality fields for one logical
// operation. It travels with every cluster call and is cloned at each hop.
type OperationContext struct {
	Fields map[string]string
}

func NewOperationContext() *OperationContext {
	return &OperationContext{Fields: map[string]string{}}
}

func (oc *OperationContext) Get(name string) string {
	if oc == nil {
		return ""
	}
	return oc.Fields[name]
}

func (oc *OperationContext) Set(name, value string) *OperationContext {
	if oc.Fields == nil {
		oc.Fields = map[string]string{}
	}
	oc.Fields[name] = value
	return oc
}

func (oc *OperationContext) Clone() *OperationContext {
	c := NewOperationContext()
	if oc == nil {
		return c
	}
	for k, v := range oc.Fields {
		c.Fields[k] = v
	}
	return c
}

func (oc *OperationContext) LockID() string { return oc.Get(FieldLockID) }

func (oc *OperationContext) WithLockID(id string) *OperationContext {
	return oc.Set(FieldLockID, id)
}

// LockOverride lets replication and state transfer write through item locks.
func (oc *OperationContext) LockOverride() bool { return oc.Get(FieldLockOverride) == "1" }

func (oc *OperationContext) WithLockOverride() *OperationContext {
	return oc.Set(FieldLockOverride, "1")
}

// ClientViewID returns the view id the caller last saw, if any.
func (oc *OperationContext) ClientViewID() (uint64, bool) {
	raw := oc.Get(FieldClientViewID)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (oc *OperationContext) WithClientViewID(id uint64) *OperationContext {
	return oc.Set(FieldClientViewID, strconv.FormatUint(id, 10))
}

// Sequenced reports whether the operation was already ordered by the
// replicated cache's coordinator and only needs to be applied.
func (oc *OperationContext) Sequenced() bool { return oc.Get(FieldSequenced) == "1" }

func (oc *OperationContext) WithSequenced() *OperationContext {
	return oc.Clone().Set(FieldSequenced, "1")
}
