package collab

import (
	"time"

	"collabcode/internal/ot"
)

// DocOpEvent 发往下游服务（索引、统计、审计）的已应用操作事件。
type DocOpEvent struct {
	EventType   string       `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string       `json:"docId"`
	OperationID string       `json:"operationId"`
	Version     uint64       `json:"version"`
	AuthorID    uint64       `json:"authorId"`
	ClientID    string       `json:"clientId"`
	ClientSeq   uint64       `json:"clientSeq"`
	BaseVersion uint64       `json:"baseVersion"`
	Op          ot.Operation `json:"op"`
	AppliedAt   time.Time    `json:"appliedAt"`
}

func NewDocOpEvent(docID string, entry AppliedOp) DocOpEvent {
	return DocOpEvent{
		EventType:   "OP_APPLIED",
		DocID:       docID,
		OperationID: entry.OperationID,
		Version:     entry.Version,
		AuthorID:    entry.AuthorID,
		ClientID:    entry.ClientID,
		ClientSeq:   entry.ClientSeq,
		BaseVersion: entry.Op.BaseVersion,
		Op:          entry.Op,
		AppliedAt:   entry.AppliedAt,
	}
}
