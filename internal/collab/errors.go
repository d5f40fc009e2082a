package collab

import "errors"

var (
	// ErrInvalidOperation mirrors ot.ErrInvalidOperation at the service
	// boundary: position/length outside the document after transform.
	ErrInvalidOperation = errors.New("INVALID_OPERATION")
	// ErrRevisionAhead: the submitted baseVersion is newer than the
	// authoritative document, which can only mean a broken client.
	ErrRevisionAhead = errors.New("REVISION_AHEAD")
	// ErrDuplicateOrOutOfOrder: clientSeq did not advance for this clientId.
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	// ErrStaleResync: the requested range was compacted away; the caller
	// must fall back to a full resync.
	ErrStaleResync = errors.New("STALE_RESYNC")
	// ErrSessionNotFound: no active sequencer state and no snapshot to
	// cold-start from.
	ErrSessionNotFound = errors.New("SESSION_NOT_FOUND")
)
