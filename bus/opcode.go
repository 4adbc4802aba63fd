package bus

import "fmt"

type Opcode uint8

const (
	OpPeriodicUpdate Opcode = iota + 1
	OpGet
	OpAdd
	OpInsert
	OpRemove
	OpContains
	OpClear
	OpCount
	OpLockBuckets
	OpReleaseBuckets
	OpTransferBucket
	OpAnnounceStateTransfer
	OpAckStateTxfr
	OpSignalEndOfStateTxfr
	OpBalanceNode
	OpPublishMap
	OpGetDistributionMaps
	OpDecommission
	OpSearch
	OpSearchEntries
	OpExecuteReader
	OpGetReaderChunk
	OpDisposeReader
	OpLockKey
	OpUnLockKey
	OpIsLocked
	OpGetNextChunk
	OpUpdateClientStatus
	OpReplicaKeyList
	OpReplicaChunk
)

var opNames = map[Opcode]string{
	OpPeriodicUpdate:        "PeriodicUpdate",
	OpGet:                   "Get",
	OpAdd:                   "Add",
	OpInsert:                "Insert",
	OpRemove:                "Remove",
	OpContains:              "Contains",
	OpClear:                 "Clear",
	OpCount:                 "Count",
	OpLockBuckets:           "LockBuckets",
	OpReleaseBuckets:        "ReleaseBuckets",
	OpTransferBucket:        "TransferBucket",
	OpAnnounceStateTransfer: "AnnounceStateTransfer",
	OpAckStateTxfr:          "AckStateTxfr",
	OpSignalEndOfStateTxfr:  "SignalEndOfStateTxfr",
	OpBalanceNode:           "BalanceNode",
	OpPublishMap:            "PublishMap",
	OpGetDistributionMaps:   "GetDistributionMaps",
	OpDecommission:          "Decommission",
	OpSearch:                "Search",
	OpSearchEntries:         "SearchEntries",
	OpExecuteReader:         "ExecuteReader",
	OpGetReaderChunk:        "GetReaderChunk",
	OpDisposeReader:         "DisposeReader",
	OpLockKey:               "LockKey",
	OpUnLockKey:             "UnLockKey",
	OpIsLocked:              "IsLocked",
	OpGetNextChunk:          "GetNextChunk",
	OpUpdateClientStatus:    "UpdateClientStatus",
	OpReplicaKeyList:        "ReplicaKeyList",
	OpReplicaChunk:          "ReplicaChunk",
}

func (o Opcode) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Opcode(%d)", uint8(o))
}

type DeliveryMode uint8

const (
	GetNone DeliveryMode = iota
	GetFirst
	GetAll
)

type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
)
