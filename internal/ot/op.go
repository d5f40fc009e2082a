package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation is a single plain-text edit at a rune offset.
// Immutable once created; Transform returns adjusted copies.
type Operation struct {
	Kind Kind   `json:"kind"`
	Pos  int    `json:"pos"`
	Text string `json:"text,omitempty"` // insert payload
	Len  int    `json:"len,omitempty"`  // delete length

	AuthorID    uint64 `json:"authorId"`
	BaseVersion uint64 `json:"baseVersion"`
	// 同一作者多个在途操作的本地递增序号
	ClientSeq uint64 `json:"clientSeq"`
}

// TextLen returns the operation's extent in runes: inserted length for
// inserts, deleted length for deletes.
func (op Operation) TextLen() int {
	if op.Kind == KindInsert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.Len
}

// IsNoop reports whether the operation no longer changes content. Transform
// degrades fully-consumed operations to no-ops instead of rejecting them.
func (op Operation) IsNoop() bool {
	return op.TextLen() == 0
}

// Validate checks the operation against a document of docLen runes.
func (op Operation) Validate(docLen int) error {
	switch op.Kind {
	case KindInsert:
		if op.Pos < 0 || op.Pos > docLen {
			return fmt.Errorf("%w: insert pos %d outside [0,%d]", ErrInvalidOperation, op.Pos, docLen)
		}
	case KindDelete:
		if op.Len < 0 || op.Pos < 0 || op.Pos+op.Len > docLen {
			return fmt.Errorf("%w: delete [%d,%d) outside [0,%d]", ErrInvalidOperation, op.Pos, op.Pos+op.Len, docLen)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// Apply applies the operation to s (rune-indexed) and returns the result.
func (op Operation) Apply(s string) (string, error) {
	r := []rune(s)
	if err := op.Validate(len(r)); err != nil {
		return "", err
	}
	switch op.Kind {
	case KindInsert:
		return string(r[:op.Pos]) + op.Text + string(r[op.Pos:]), nil
	default:
		return string(r[:op.Pos]) + string(r[op.Pos+op.Len:]), nil
	}
}

// firstWins decides the insert-insert tie at equal positions: the operation
// with the lower author id keeps its position, the other shifts right. Falls
// through to clientSeq so the result is deterministic for any pair.
func firstWins(a, b Operation) bool {
	if a.AuthorID != b.AuthorID {
		return a.AuthorID < b.AuthorID
	}
	return a.ClientSeq < b.ClientSeq
}

// transformInsertDelete derives the bottom two sides of the OT diamond where
// the top two sides are an insert and a delete.
func transformInsertDelete(a, b Operation) (ap, bp Operation) {
	switch {
	case a.Pos <= b.Pos:
		// Insert before the deleted range: delete shifts right.
		b.Pos += a.TextLen()
		return a, b
	case a.Pos >= b.Pos+b.Len:
		// Insert after the deleted range: insert shifts left.
		a.Pos -= b.Len
		return a, b
	default:
		// Insert inside the deleted range: the delete absorbs the inserted
		// text and the insert collapses to nothing. Both replicas converge,
		// losing only the conflicting bytes.
		b.Len += a.TextLen()
		a.Pos = b.Pos
		a.Text = ""
		return a, b
	}
}

// Transform derives the bottom two sides of the OT diamond: given a and b
// composed against the same base, it returns a' (applies after b) and
// b' (applies after a).
func Transform(a, b Operation) (ap, bp Operation) {
	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		if b.Pos < a.Pos || (b.Pos == a.Pos && firstWins(b, a)) {
			a.Pos += b.TextLen()
		} else {
			b.Pos += a.TextLen()
		}
		return a, b

	case a.Kind == KindInsert && b.Kind == KindDelete:
		return transformInsertDelete(a, b)

	case a.Kind == KindDelete && b.Kind == KindInsert:
		bp, ap = transformInsertDelete(b, a)
		return ap, bp

	default: // delete vs delete
		aEnd, bEnd := a.Pos+a.Len, b.Pos+b.Len
		switch {
		case aEnd <= b.Pos:
			b.Pos -= a.Len
		case bEnd <= a.Pos:
			a.Pos -= b.Len
		default:
			// Ranges overlap: each side deletes only what the other did not.
			pos := minInt(a.Pos, b.Pos)
			overlap := minInt(aEnd, bEnd) - maxInt(a.Pos, b.Pos)
			a.Pos, a.Len = pos, a.Len-overlap
			b.Pos, b.Len = pos, b.Len-overlap
		}
		return a, b
	}
}

// TransformAgainstLog folds op over a history of already-applied operations,
// oldest first. This reconciles a client operation against an arbitrarily
// long intervening history in linear time.
func TransformAgainstLog(op Operation, history []Operation) Operation {
	for _, h := range history {
		op, _ = Transform(op, h)
	}
	return op
}

// TransformPending rebases every still-pending local operation against an
// incoming remote operation and returns the remote operation adjusted to
// apply after the pending ones. Mirrors the server-side fold from the
// client's perspective.
func TransformPending(pending []Operation, remote Operation) ([]Operation, Operation) {
	out := make([]Operation, len(pending))
	for i, p := range pending {
		out[i], remote = Transform(p, remote)
	}
	return out, remote
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
