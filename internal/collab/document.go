package collab

import (
	"fmt"
	"sync"
	"time"

	"collabcode/internal/ot"
)

// AppliedOp is an operation the sequencer accepted: version-stamped and
// already transformed, so every replica applies the same bytes.
type AppliedOp struct {
	OperationID string       `json:"operationId"`
	Version     uint64       `json:"version"`
	AuthorID    uint64       `json:"authorId"`
	ClientID    string       `json:"clientId"`
	ClientSeq   uint64       `json:"clientSeq"`
	Op          ot.Operation `json:"op"`
	AppliedAt   time.Time    `json:"appliedAt"`
}

type docPhase int

const (
	phaseIdle docPhase = iota
	phaseActive
	phaseDraining
)

// document 单文档权威状态。内容、版本和日志只由持有 mu 的 sequencer 修改。
type document struct {
	mu    sync.Mutex
	phase docPhase

	buf     Buffer
	version uint64

	// log 保存 (floor, version] 区间内的已接受操作，按版本升序。
	// floor 是压缩水位：floor 及之前的操作已被裁剪。
	log   []AppliedOp
	floor uint64

	// 去重窗口：每个 clientId 最近提交的最大 clientSeq
	lastSeqByClient map[string]uint64
}

func newDocument(content string, version uint64) *document {
	return &document{
		phase:           phaseIdle,
		buf:             NewPieceTable(content),
		version:         version,
		floor:           version,
		lastSeqByClient: make(map[string]uint64),
	}
}

// apply mutates the buffer per the operation. Callers hold d.mu.
func (d *document) apply(op ot.Operation) error {
	switch op.Kind {
	case ot.KindInsert:
		return d.buf.Insert(op.Pos, op.Text)
	case ot.KindDelete:
		return d.buf.Delete(op.Pos, op.Len)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
}

// append stamps the next version and stores the entry. Versions are strictly
// increasing and never reused, even across compaction. Callers hold d.mu.
func (d *document) append(op ot.Operation, authorID uint64, clientID string, clientSeq uint64) AppliedOp {
	d.version++
	entry := AppliedOp{
		OperationID: fmt.Sprintf("o-%d-%d", d.version, time.Now().UnixNano()),
		Version:     d.version,
		AuthorID:    authorID,
		ClientID:    clientID,
		ClientSeq:   clientSeq,
		Op:          op,
		AppliedAt:   time.Now(),
	}
	d.log = append(d.log, entry)
	return entry
}

// opsSince returns entries with version > from, oldest first. Reports
// ErrStaleResync when from precedes the retained window. Callers hold d.mu.
func (d *document) opsSince(from uint64, limit int) ([]AppliedOp, error) {
	if from < d.floor {
		return nil, ErrStaleResync
	}
	var out []AppliedOp
	for _, e := range d.log {
		if e.Version > from {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// tail returns the raw operations in (from, version], for transform folding.
// Callers hold d.mu.
func (d *document) tail(from uint64) []ot.Operation {
	ops := make([]ot.Operation, 0, d.version-from)
	for _, e := range d.log {
		if e.Version > from {
			ops = append(ops, e.Op)
		}
	}
	return ops
}

// compact drops log entries at or below through, raising the floor. Never
// called past the minimum acknowledged version of a connected participant
// (the service enforces the watermark policy). Callers hold d.mu.
func (d *document) compact(through uint64) {
	if through <= d.floor {
		return
	}
	if through > d.version {
		through = d.version
	}
	i := 0
	for i < len(d.log) && d.log[i].Version <= through {
		i++
	}
	d.log = append(d.log[:0:0], d.log[i:]...)
	d.floor = through
}
