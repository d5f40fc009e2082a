// Package client implements the per-participant reconciler: local edits
// apply to a shadow copy immediately and are buffered until the sequencer
// acknowledges them, while remote operations are transformed past the
// pending buffer before touching the shadow.
package client

import (
	"errors"
	"sync"

	"collabcode/internal/collab"
	"collabcode/internal/ot"
)

// ErrStaleShadow: the shadow missed one or more versions and cannot advance
// until the client resyncs the gap.
var ErrStaleShadow = errors.New("STALE_SHADOW")

type Reconciler struct {
	mu sync.Mutex

	docID    string
	authorID uint64
	clientID string

	// shadow 本地影子副本，乐观应用本地编辑
	shadow  string
	version uint64 // last server version reflected in shadow

	// pending 尚未被服务端确认的本地操作，按 clientSeq 升序
	pending   []ot.Operation
	clientSeq uint64
}

func NewReconciler(docID string, authorID uint64, clientID, content string, version uint64) *Reconciler {
	return &Reconciler{
		docID:    docID,
		authorID: authorID,
		clientID: clientID,
		shadow:   content,
		version:  version,
	}
}

func (r *Reconciler) Shadow() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shadow
}

func (r *Reconciler) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ComposeInsert applies an insert to the shadow immediately and returns the
// operation to transmit, stamped with the last known version and the next
// local sequence number.
func (r *Reconciler) ComposeInsert(pos int, text string) (ot.Operation, error) {
	return r.composeLocalEdit(ot.Operation{Kind: ot.KindInsert, Pos: pos, Text: text})
}

func (r *Reconciler) ComposeDelete(pos, length int) (ot.Operation, error) {
	return r.composeLocalEdit(ot.Operation{Kind: ot.KindDelete, Pos: pos, Len: length})
}

func (r *Reconciler) composeLocalEdit(op ot.Operation) (ot.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op.AuthorID = r.authorID
	op.BaseVersion = r.version
	r.clientSeq++
	op.ClientSeq = r.clientSeq

	next, err := op.Apply(r.shadow)
	if err != nil {
		r.clientSeq--
		return ot.Operation{}, err
	}
	r.shadow = next
	r.pending = append(r.pending, op)
	return op, nil
}

// OnAcknowledged handles the sequencer's version-stamped ack for one of our
// own operations. The shadow already reflects it; only bookkeeping moves.
func (r *Reconciler) OnAcknowledged(clientSeq, version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pending {
		if p.ClientSeq == clientSeq {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	if version > r.version {
		r.version = version
	}
}

// OnRemoteOperation transforms every still-pending local operation past the
// incoming remote operation, then applies the adjusted remote operation to
// the shadow. A broadcast of our own operation is treated as an ack.
func (r *Reconciler) OnRemoteOperation(entry collab.AppliedOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyRemoteLocked(entry)
}

func (r *Reconciler) applyRemoteLocked(entry collab.AppliedOp) error {
	if entry.Version <= r.version {
		return nil // already seen
	}
	if entry.Version != r.version+1 {
		// 版本缺口：中间的广播还没到，影子不能前进
		return ErrStaleShadow
	}
	if entry.ClientID == r.clientID {
		for i, p := range r.pending {
			if p.ClientSeq == entry.ClientSeq {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				break
			}
		}
		r.version = entry.Version
		return nil
	}

	pending, remote := ot.TransformPending(r.pending, entry.Op)
	next, err := remote.Apply(r.shadow)
	if err != nil {
		return err
	}
	r.pending = pending
	r.shadow = next
	r.version = entry.Version
	return nil
}

// Resync replays operations missed while disconnected (incremental resync).
func (r *Reconciler) Resync(ops []collab.AppliedOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range ops {
		if err := r.applyRemoteLocked(entry); err != nil {
			return err
		}
	}
	return nil
}

// FullResync discards the shadow for a fresh authoritative baseline and
// replays any still-unacknowledged local edits against it. Edits whose
// coordinates no longer fit the fresh content are dropped.
func (r *Reconciler) FullResync(content string, version uint64) []ot.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shadow = content
	r.version = version

	kept := r.pending[:0]
	for _, p := range r.pending {
		p.BaseVersion = version
		next, err := p.Apply(r.shadow)
		if err != nil {
			continue
		}
		r.shadow = next
		kept = append(kept, p)
	}
	r.pending = kept

	out := make([]ot.Operation, len(r.pending))
	copy(out, r.pending)
	return out
}

// PendingForRetransmit returns the unacknowledged operations rebased onto
// the current known version, for resending after a reconnect.
func (r *Reconciler) PendingForRetransmit() []ot.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ot.Operation, len(r.pending))
	for i, p := range r.pending {
		p.BaseVersion = r.version
		out[i] = p
	}
	return out
}
