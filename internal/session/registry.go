package session

import (
	"sync"
	"time"
)

type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// Cursor 光标位置。偏移空间与 ot 包一致（rune）。
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Participant is owned by the registry; presence fields are last-writer-wins
// per participant since each is mutated only by its owner's messages.
type Participant struct {
	UserID    uint64     `json:"userId"`
	Username  string     `json:"username,omitempty"`
	SessionID string     `json:"sessionId"`
	Cursor    Cursor     `json:"cursor"`
	Selection *Selection `json:"selection,omitempty"`

	LastSeenAt time.Time       `json:"lastSeenAt"`
	State      ConnectionState `json:"connectionState"`

	// 该参与者确认收到的最高版本，压缩水位取所有在线成员的最小值
	AckedVersion uint64 `json:"ackedVersion"`
}

// Session 单个被编辑文档的参与者集合。首次 join 时惰性创建，最后一个
// 参与者离开后等一个宽限期再销毁（吸收瞬时重连）。
type Session struct {
	DocID        string
	Participants map[uint64]*Participant
	CreatedAt    time.Time

	drain *time.Timer
}

// Registry owns every session's join/leave lifecycle.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	grace       time.Duration // teardown grace window after last leave
	idleTimeout time.Duration // liveness: no signal for this long => disconnected

	// onEmpty fires after a session stayed empty through the grace window.
	onEmpty func(docID string)
}

type Options struct {
	Grace       time.Duration
	IdleTimeout time.Duration
	OnEmpty     func(docID string)
}

func NewRegistry(opt Options) *Registry {
	if opt.Grace <= 0 {
		opt.Grace = 30 * time.Second
	}
	if opt.IdleTimeout <= 0 {
		opt.IdleTimeout = 60 * time.Second
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		grace:       opt.Grace,
		idleTimeout: opt.IdleTimeout,
		onEmpty:     opt.OnEmpty,
	}
}

// SetOnEmpty registers the empty-session callback. The registry and the
// sequencer reference each other, so the callback is wired after both are
// constructed and before traffic starts.
func (r *Registry) SetOnEmpty(fn func(docID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEmpty = fn
}

// Join registers a participant, creating the session lazily. Rejoining during
// the drain window cancels the teardown and preserves the session. Returns
// the participant and a snapshot of everyone else's presence.
func (r *Registry) Join(docID string, userID uint64, username, sessionID string, version uint64) (*Participant, []Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[docID]
	if s == nil {
		s = &Session{
			DocID:        docID,
			Participants: make(map[uint64]*Participant),
			CreatedAt:    time.Now(),
		}
		r.sessions[docID] = s
	}
	if s.drain != nil {
		s.drain.Stop()
		s.drain = nil
	}

	p := s.Participants[userID]
	if p == nil {
		p = &Participant{UserID: userID, Username: username}
		s.Participants[userID] = p
	}
	p.SessionID = sessionID
	p.State = StateConnected
	p.LastSeenAt = time.Now()
	p.AckedVersion = version

	others := make([]Participant, 0, len(s.Participants)-1)
	for id, q := range s.Participants {
		if id != userID {
			others = append(others, *q)
		}
	}
	return p, others
}

// Leave removes the participant. When the session empties it is not torn
// down immediately: a drain timer runs the grace window first.
func (r *Registry) Leave(docID string, userID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[docID]
	if s == nil {
		return
	}
	delete(s.Participants, userID)
	if len(s.Participants) > 0 {
		return
	}
	r.scheduleDrainLocked(s)
}

func (r *Registry) scheduleDrainLocked(s *Session) {
	if s.drain != nil {
		s.drain.Stop()
	}
	docID := s.DocID
	s.drain = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		cur := r.sessions[docID]
		if cur == nil || len(cur.Participants) > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.sessions, docID)
		r.mu.Unlock()
		if r.onEmpty != nil {
			r.onEmpty(docID)
		}
	})
}

// MarkReconnecting flags a participant whose transport dropped without an
// explicit leave. The slot survives until the liveness sweep gives up on it,
// preserving replay context for a quick reconnect.
func (r *Registry) MarkReconnecting(docID string, userID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participantLocked(docID, userID)
	if p == nil {
		return false
	}
	p.State = StateReconnecting
	return true
}

// UpdatePresence mutates cursor/selection without touching content.
func (r *Registry) UpdatePresence(docID string, userID uint64, cursor Cursor, sel *Selection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participantLocked(docID, userID)
	if p == nil {
		return false
	}
	p.Cursor = cursor
	p.Selection = sel
	p.LastSeenAt = time.Now()
	return true
}

// Heartbeat refreshes liveness and records the highest version the
// participant acknowledged.
func (r *Registry) Heartbeat(docID string, userID uint64, ackedVersion uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participantLocked(docID, userID)
	if p == nil {
		return false
	}
	p.LastSeenAt = time.Now()
	p.State = StateConnected
	if ackedVersion > p.AckedVersion {
		p.AckedVersion = ackedVersion
	}
	return true
}

// Participants returns a presence snapshot for the document.
func (r *Registry) Participants(docID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[docID]
	if s == nil {
		return nil
	}
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, *p)
	}
	return out
}

// MinAckedVersion reports the compaction watermark: the lowest acknowledged
// version across currently connected participants. ok is false for an empty
// or missing session.
func (r *Registry) MinAckedVersion(docID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[docID]
	if s == nil || len(s.Participants) == 0 {
		return 0, false
	}
	var minAck uint64
	first := true
	for _, p := range s.Participants {
		if p.State == StateDisconnected {
			continue
		}
		if first || p.AckedVersion < minAck {
			minAck = p.AckedVersion
			first = false
		}
	}
	if first {
		return 0, false
	}
	return minAck, true
}

// SweepExpired marks silent participants disconnected and drops them from
// presence. Their session slot survives the drain grace window so a
// reconnect keeps its replay context. Returns the users dropped per doc.
func (r *Registry) SweepExpired(now time.Time) map[string][]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := make(map[string][]uint64)
	for docID, s := range r.sessions {
		for id, p := range s.Participants {
			if now.Sub(p.LastSeenAt) < r.idleTimeout {
				continue
			}
			p.State = StateDisconnected
			delete(s.Participants, id)
			dropped[docID] = append(dropped[docID], id)
		}
		if len(s.Participants) == 0 && s.drain == nil {
			r.scheduleDrainLocked(s)
		}
	}
	return dropped
}

func (r *Registry) participantLocked(docID string, userID uint64) *Participant {
	s := r.sessions[docID]
	if s == nil {
		return nil
	}
	return s.Participants[userID]
}
