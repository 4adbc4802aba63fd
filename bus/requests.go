package bus

import (
	"context"
	"fmt"

	"iriscache/distributor"
	"iriscache/engine"
	"iriscache/membership"
)

// Inbound describes the request being served.
type Inbound struct {
	From     membership.Address
	Function *Function
}

func (in Inbound) IsLocal() bool { return in.Function == nil }

// Request is the closed set of cluster messages. Each one knows which Handler
// method serves it, so a new opcode without a handler does not compile.
type Request interface {
	Opcode() Opcode
	dispatch(ctx context.Context, h Handler, in Inbound) (any, error)
}

// Handler serves every request a member can receive.
type Handler interface {
	OnPeriodicUpdate(ctx context.Context, in Inbound, req *PeriodicUpdateRequest) (Ack, error)
	OnGet(ctx context.Context, in Inbound, req *GetRequest) (GetResponse, error)
	OnAdd(ctx context.Context, in Inbound, req *AddRequest) (AddResponse, error)
	OnInsert(ctx context.Context, in Inbound, req *InsertRequest) (InsertResponse, error)
	OnRemove(ctx context.Context, in Inbound, req *RemoveRequest) (RemoveResponse, error)
	OnContains(ctx context.Context, in Inbound, req *ContainsRequest) (ContainsResponse, error)
	OnClear(ctx context.Context, in Inbound, req *ClearRequest) (Ack, error)
	OnCount(ctx context.Context, in Inbound, req *CountRequest) (CountResponse, error)
	OnLockBuckets(ctx context.Context, in Inbound, req *LockBucketsRequest) (LockBucketsResponse, error)
	OnReleaseBuckets(ctx context.Context, in Inbound, req *ReleaseBucketsRequest) (Ack, error)
	OnTransferBucket(ctx context.Context, in Inbound, req *TransferBucketRequest) (TransferBucketResponse, error)
	OnAnnounceStateTransfer(ctx context.Context, in Inbound, req *AnnounceStateTransferRequest) (Ack, error)
	OnAckStateTxfr(ctx context.Context, in Inbound, req *AckStateTxfrRequest) (Ack, error)
	OnSignalEndOfStateTxfr(ctx context.Context, in Inbound, req *SignalEndOfStateTxfrRequest) (Ack, error)
	OnBalanceNode(ctx context.Context, in Inbound, req *BalanceNodeRequest) (BalanceResponse, error)
	OnPublishMap(ctx context.Context, in Inbound, req *PublishMapRequest) (Ack, error)
	OnGetDistributionMaps(ctx context.Context, in Inbound, req *GetDistributionMapsRequest) (MapResponse, error)
	OnDecommission(ctx context.Context, in Inbound, req *DecommissionRequest) (BalanceResponse, error)
	OnSearch(ctx context.Context, in Inbound, req *SearchRequest) (SearchResponse, error)
	OnSearchEntries(ctx context.Context, in Inbound, req *SearchEntriesRequest) (SearchEntriesResponse, error)
	OnExecuteReader(ctx context.Context, in Inbound, req *ExecuteReaderRequest) (ReaderChunkResponse, error)
	OnGetReaderChunk(ctx context.Context, in Inbound, req *GetReaderChunkRequest) (ReaderChunkResponse, error)
	OnDisposeReader(ctx context.Context, in Inbound, req *DisposeReaderRequest) (Ack, error)
	OnLockKey(ctx context.Context, in Inbound, req *LockKeyRequest) (LockResponse, error)
	OnUnLockKey(ctx context.Context, in Inbound, req *UnLockKeyRequest) (Ack, error)
	OnIsLocked(ctx context.Context, in Inbound, req *IsLockedRequest) (LockResponse, error)
	OnGetNextChunk(ctx context.Context, in Inbound, req *GetNextChunkRequest) (EnumerationChunkResponse, error)
	OnUpdateClientStatus(ctx context.Context, in Inbound, req *UpdateClientStatusRequest) (Ack, error)
	OnReplicaKeyList(ctx context.Context, in Inbound, req *ReplicaKeyListRequest) (ReplicaKeyListResponse, error)
	OnReplicaChunk(ctx context.Context, in Inbound, req *ReplicaChunkRequest) (ReplicaChunkResponse, error)
}

var registry = map[Opcode]func() Request{
	OpPeriodicUpdate:        func() Request { return &PeriodicUpdateRequest{} },
	OpGet:                   func() Request { return &GetRequest{} },
	OpAdd:                   func() Request { return &AddRequest{} },
	OpInsert:                func() Request { return &InsertRequest{} },
	OpRemove:                func() Request { return &RemoveRequest{} },
	OpContains:              func() Request { return &ContainsRequest{} },
	OpClear:                 func() Request { return &ClearRequest{} },
	OpCount:                 func() Request { return &CountRequest{} },
	OpLockBuckets:           func() Request { return &LockBucketsRequest{} },
	OpReleaseBuckets:        func() Request { return &ReleaseBucketsRequest{} },
	OpTransferBucket:        func() Request { return &TransferBucketRequest{} },
	OpAnnounceStateTransfer: func() Request { return &AnnounceStateTransferRequest{} },
	OpAckStateTxfr:          func() Request { return &AckStateTxfrRequest{} },
	OpSignalEndOfStateTxfr:  func() Request { return &SignalEndOfStateTxfrRequest{} },
	OpBalanceNode:           func() Request { return &BalanceNodeRequest{} },
	OpPublishMap:            func() Request { return &PublishMapRequest{} },
	OpGetDistributionMaps:   func() Request { return &GetDistributionMapsRequest{} },
	OpDecommission:          func() Request { return &DecommissionRequest{} },
	OpSearch:                func() Request { return &SearchRequest{} },
	OpSearchEntries:         func() Request { return &SearchEntriesRequest{} },
	OpExecuteReader:         func() Request { return &ExecuteReaderRequest{} },
	OpGetReaderChunk:        func() Request { return &GetReaderChunkRequest{} },
	OpDisposeReader:         func() Request { return &DisposeReaderRequest{} },
	OpLockKey:               func() Request { return &LockKeyRequest{} },
	OpUnLockKey:             func() Request { return &UnLockKeyRequest{} },
	OpIsLocked:              func() Request { return &IsLockedRequest{} },
	OpGetNextChunk:          func() Request { return &GetNextChunkRequest{} },
	OpUpdateClientStatus:    func() Request { return &UpdateClientStatusRequest{} },
	OpReplicaKeyList:        func() Request { return &ReplicaKeyListRequest{} },
	OpReplicaChunk:          func() Request { return &ReplicaChunkRequest{} },
}

func decodeRequest(fn *Function) (Request, error) {
	mk, ok := registry[fn.Opcode]
	if !ok {
		return nil, fmt.Errorf("unknown opcode %d", uint8(fn.Opcode))
	}
	req := mk()
	if err := decodeBody(fn.Operand, fn.UserPayload, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Ack is the empty reply.
type Ack struct{}

type PeriodicUpdateRequest struct {
	Info *membership.NodeInfo
}

func (*PeriodicUpdateRequest) Opcode() Opcode { return OpPeriodicUpdate }
func (r *PeriodicUpdateRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnPeriodicUpdate(ctx, in, r)
}

type GetRequest struct {
	Keys []string
	Ctx  *engine.OperationContext
}

type GetResponse struct {
	EntrySet
	KeyErrors KeyErrors
}

func (*GetRequest) Opcode() Opcode { return OpGet }
func (r *GetRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnGet(ctx, in, r)
}

type AddRequest struct {
	EntrySet
	Ctx *engine.OperationContext
}

type AddResponse struct {
	Results   map[string]engine.AddResult
	KeyErrors KeyErrors
}

func (*AddRequest) Opcode() Opcode { return OpAdd }
func (r *AddRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnAdd(ctx, in, r)
}

type InsertRequest struct {
	EntrySet
	Ctx *engine.OperationContext
}

type InsertResponse struct {
	Results   map[string]engine.InsertResult
	KeyErrors KeyErrors
}

func (*InsertRequest) Opcode() Opcode { return OpInsert }
func (r *InsertRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnInsert(ctx, in, r)
}

type RemoveRequest struct {
	Keys []string
	Ctx  *engine.OperationContext
}

// RemoveResponse returns the removed entries.
type RemoveResponse struct {
	EntrySet
	KeyErrors KeyErrors
}

func (*RemoveRequest) Opcode() Opcode { return OpRemove }
func (r *RemoveRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnRemove(ctx, in, r)
}

type ContainsRequest struct {
	Keys []string
	Ctx  *engine.OperationContext
}

type ContainsResponse struct {
	Found     []string
	KeyErrors KeyErrors
}

func (*ContainsRequest) Opcode() Opcode { return OpContains }
func (r *ContainsRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnContains(ctx, in, r)
}

type ClearRequest struct {
	Ctx *engine.OperationContext
}

func (*ClearRequest) Opcode() Opcode { return OpClear }
func (r *ClearRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnClear(ctx, in, r)
}

type CountRequest struct{}

type CountResponse struct {
	Count int64
}

func (*CountRequest) Opcode() Opcode { return OpCount }
func (r *CountRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnCount(ctx, in, r)
}

type LockBucketsRequest struct {
	Buckets   []int
	Requester membership.Address
}

type LockBucketsResponse struct {
	Status map[int]distributor.LockStatus
}

func (*LockBucketsRequest) Opcode() Opcode { return OpLockBuckets }
func (r *LockBucketsRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnLockBuckets(ctx, in, r)
}

type ReleaseBucketsRequest struct {
	Buckets   []int
	Requester membership.Address
}

func (*ReleaseBucketsRequest) Opcode() Opcode { return OpReleaseBuckets }
func (r *ReleaseBucketsRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnReleaseBuckets(ctx, in, r)
}

type TxfrDataType uint8

const (
	CacheItems TxfrDataType = iota
	LoggedOperations
)

// TransferBucketRequest asks the holder of a bucket for the chunk numbered
// TxfrID. Asking again for the same id resends the last chunk.
type TransferBucketRequest struct {
	Bucket int
	TxfrID int
}

type TransferBucketResponse struct {
	EntrySet
	Bucket   int
	TxfrID   int
	DataType TxfrDataType
	Removed  []string
	Complete bool
}

func (*TransferBucketRequest) Opcode() Opcode { return OpTransferBucket }
func (r *TransferBucketRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnTransferBucket(ctx, in, r)
}

type AnnounceStateTransferRequest struct {
	Buckets   []int
	Requester membership.Address
}

func (*AnnounceStateTransferRequest) Opcode() Opcode { return OpAnnounceStateTransfer }
func (r *AnnounceStateTransferRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnAnnounceStateTransfer(ctx, in, r)
}

type AckStateTxfrRequest struct {
	Buckets []int
}

func (*AckStateTxfrRequest) Opcode() Opcode { return OpAckStateTxfr }
func (r *AckStateTxfrRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnAckStateTxfr(ctx, in, r)
}

type SignalEndOfStateTxfrRequest struct{}

func (*SignalEndOfStateTxfrRequest) Opcode() Opcode { return OpSignalEndOfStateTxfr }
func (r *SignalEndOfStateTxfrRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnSignalEndOfStateTxfr(ctx, in, r)
}

type BalanceNodeRequest struct {
	Node membership.Address
}

type BalanceResponse struct {
	Result distributor.BalanceResult
}

func (*BalanceNodeRequest) Opcode() Opcode { return OpBalanceNode }
func (r *BalanceNodeRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnBalanceNode(ctx, in, r)
}

type PublishMapRequest struct {
	Map *distributor.DistributionMap
}

func (*PublishMapRequest) Opcode() Opcode { return OpPublishMap }
func (r *PublishMapRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnPublishMap(ctx, in, r)
}

type GetDistributionMapsRequest struct{}

type MapResponse struct {
	Map *distributor.DistributionMap
}

func (*GetDistributionMapsRequest) Opcode() Opcode { return OpGetDistributionMaps }
func (r *GetDistributionMapsRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnGetDistributionMaps(ctx, in, r)
}

type DecommissionRequest struct {
	Node membership.Address
}

func (*DecommissionRequest) Opcode() Opcode { return OpDecommission }
func (r *DecommissionRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnDecommission(ctx, in, r)
}

// SearchRequest is bound to the view the caller saw when it started; a
// member on a different view refuses it.
type SearchRequest struct {
	Pattern string
	ViewID  uint64
}

type SearchResponse struct {
	Keys []string
}

func (*SearchRequest) Opcode() Opcode { return OpSearch }
func (r *SearchRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnSearch(ctx, in, r)
}

type SearchEntriesRequest struct {
	Pattern string
	ViewID  uint64
}

type SearchEntriesResponse struct {
	EntrySet
}

func (*SearchEntriesRequest) Opcode() Opcode { return OpSearchEntries }
func (r *SearchEntriesRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnSearchEntries(ctx, in, r)
}

type ExecuteReaderRequest struct {
	ReaderID  string
	Pattern   string
	ChunkSize int
	ViewID    uint64
}

type ReaderChunkResponse struct {
	EntrySet
	ReaderID string
	Done     bool
}

func (*ExecuteReaderRequest) Opcode() Opcode { return OpExecuteReader }
func (r *ExecuteReaderRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnExecuteReader(ctx, in, r)
}

type GetReaderChunkRequest struct {
	ReaderID  string
	ChunkSize int
}

func (*GetReaderChunkRequest) Opcode() Opcode { return OpGetReaderChunk }
func (r *GetReaderChunkRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnGetReaderChunk(ctx, in, r)
}

type DisposeReaderRequest struct {
	ReaderID string
}

func (*DisposeReaderRequest) Opcode() Opcode { return OpDisposeReader }
func (r *DisposeReaderRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnDisposeReader(ctx, in, r)
}

type LockKeyRequest struct {
	Key    string
	LockID string
	Ctx    *engine.OperationContext
}

type LockResponse struct {
	Info engine.LockInfo
}

func (*LockKeyRequest) Opcode() Opcode { return OpLockKey }
func (r *LockKeyRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnLockKey(ctx, in, r)
}

type UnLockKeyRequest struct {
	Key    string
	LockID string
	Force  bool
	Ctx    *engine.OperationContext
}

func (*UnLockKeyRequest) Opcode() Opcode { return OpUnLockKey }
func (r *UnLockKeyRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnUnLockKey(ctx, in, r)
}

type IsLockedRequest struct {
	Key    string
	LockID string
}

func (*IsLockedRequest) Opcode() Opcode { return OpIsLocked }
func (r *IsLockedRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnIsLocked(ctx, in, r)
}

type GetNextChunkRequest struct {
	Pointer   engine.EnumerationPointer
	ChunkSize int
}

type EnumerationChunkResponse struct {
	EntrySet
	Pointer engine.EnumerationPointer
	Done    bool
}

func (*GetNextChunkRequest) Opcode() Opcode { return OpGetNextChunk }
func (r *GetNextChunkRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnGetNextChunk(ctx, in, r)
}

type UpdateClientStatusRequest struct {
	ClientID  string
	Connected bool
}

func (*UpdateClientStatusRequest) Opcode() Opcode { return OpUpdateClientStatus }
func (r *UpdateClientStatusRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnUpdateClientStatus(ctx, in, r)
}

// ReplicaKeyListRequest asks the coordinator to snapshot its key list for
// the sender.
type ReplicaKeyListRequest struct{}

type ReplicaKeyListResponse struct {
	Total int
}

func (*ReplicaKeyListRequest) Opcode() Opcode { return OpReplicaKeyList }
func (r *ReplicaKeyListRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnReplicaKeyList(ctx, in, r)
}

type ReplicaChunkRequest struct {
	Position  int
	ChunkSize int64
}

type ReplicaChunkResponse struct {
	EntrySet
	Next int
	Done bool
}

func (*ReplicaChunkRequest) Opcode() Opcode { return OpReplicaChunk }
func (r *ReplicaChunkRequest) dispatch(ctx context.Context, h Handler, in Inbound) (any, error) {
	return h.OnReplicaChunk(ctx, in, r)
}

// Serve runs req against h.
func Serve(ctx context.Context, h Handler, in Inbound, req Request) (any, error) {
	return req.dispatch(ctx, h, in)
}
