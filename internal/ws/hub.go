package ws

import (
	"sync"

	"collabcode/internal/cache"
	"collabcode/internal/collab"
	"collabcode/internal/session"
)

type Hub struct {
	// presence 跨实例在线状态（Redis 实现），本进程房间状态在 rooms
	presence cache.PresenceCache
	mu       sync.RWMutex
	// docID -> connection -> clientId
	// 房间里存的是连接而不是 userID：一个用户可开多个标签页/设备，
	// 广播要逐连接发。clientId 用于区分 ack 和广播的接收方。
	rooms map[string]map[*Conn]string
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]string)}
}

func (h *Hub) Join(docID string, c *Conn, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]string)
	}
	h.rooms[docID][c] = clientID
}

func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// DispatchAppliedOp fans a sequenced operation out to the room: the author's
// connection receives the op_applied ack, every other connection the
// transformed broadcast. The sequencer calls this while it still holds the
// document lock, so each connection's send queue sees versions in stamp
// order.
func (h *Hub) DispatchAppliedOp(docID string, entry collab.AppliedOp) {
	ack := OpAppliedMessage{
		Type:      "op_applied",
		DocID:     docID,
		Version:   entry.Version,
		ClientID:  entry.ClientID,
		ClientSeq: entry.ClientSeq,
	}
	msg := OpBroadcastMessage{
		Type:      "op_broadcast",
		DocID:     docID,
		Version:   entry.Version,
		AuthorID:  entry.AuthorID,
		ClientID:  entry.ClientID,
		ClientSeq: entry.ClientSeq,
		Op:        entry.Op,
		AppliedAt: entry.AppliedAt,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c, clientID := range h.rooms[docID] {
		if clientID == entry.ClientID {
			c.SendMessage_Enqueue(ack)
		} else {
			c.SendMessage_Enqueue(msg)
		}
	}
}

func (h *Hub) BroadcastPresence(docID string, members []PresenceMember) {
	msg := PresenceMessage{Type: "presence", DocID: docID, Members: members}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[docID] {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastCursor(docID string, from *Conn, userID uint64, cursor session.Cursor, sel *session.Selection) {
	msg := CursorMessage{Type: "cursor", DocID: docID, UserID: userID, Cursor: cursor, Selection: sel}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[docID] {
		if c == from {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}
