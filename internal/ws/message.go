package ws

import (
	"time"

	"collabcode/internal/collab"
	"collabcode/internal/ot"
	"collabcode/internal/session"
)

// ClientMessage 入站消息的带标签联合：type 决定哪些字段有效。
// join / leave / op_submit / presence / resync / heartbeat /
// create_document / save_document
type ClientMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId,omitempty"`
	DocTitle string `json:"docTitle,omitempty"`

	// 客户端实例标识。同一用户可有多个 clientId（多端/多标签页）。
	ClientID string `json:"clientId,omitempty"`

	// op_submit
	Op *ot.Operation `json:"op,omitempty"`

	// presence
	Cursor    *session.Cursor    `json:"cursor,omitempty"`
	Selection *session.Selection `json:"selection,omitempty"`

	// resync
	FromVersion uint64 `json:"fromVersion,omitempty"`

	// heartbeat：客户端已确认收到的最高版本
	AckedVersion uint64 `json:"ackedVersion,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ServerMessage 通用出站消息（error / feedback / ack 类）。
type ServerMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId,omitempty"`
	Content string `json:"content,omitempty"`
}

type JoinedMessage struct {
	Type         string                `json:"type"` // 固定 "joined"
	DocID        string                `json:"docId"`
	Content      string                `json:"content"`
	Version      uint64                `json:"version"`
	Participants []session.Participant `json:"participants"`
}

// OpAppliedMessage 对提交者的确认：服务端已应用并盖了版本号。
type OpAppliedMessage struct {
	Type      string `json:"type"` // 固定 "op_applied"
	DocID     string `json:"docId"`
	Version   uint64 `json:"version"`
	ClientID  string `json:"clientId"`
	ClientSeq uint64 `json:"clientSeq"`
}

// OpBroadcastMessage 推送给同文档其他连接的已应用操作。
// 注意推送的是 transform 之后的操作，所有副本应用同样的字节。
type OpBroadcastMessage struct {
	Type      string       `json:"type"` // 固定 "op_broadcast"
	DocID     string       `json:"docId"`
	Version   uint64       `json:"version"`
	AuthorID  uint64       `json:"authorId"`
	ClientID  string       `json:"clientId,omitempty"`
	ClientSeq uint64       `json:"clientSeq,omitempty"`
	Op        ot.Operation `json:"op"`
	AppliedAt time.Time    `json:"appliedAt,omitempty"`
}

type PresenceMessage struct {
	Type    string           `json:"type"` // 固定 "presence"
	DocID   string           `json:"docId"`
	Members []PresenceMember `json:"members"`
}

type CursorMessage struct {
	Type      string             `json:"type"` // 固定 "cursor"
	DocID     string             `json:"docId"`
	UserID    uint64             `json:"userId"`
	Cursor    session.Cursor     `json:"cursor"`
	Selection *session.Selection `json:"selection,omitempty"`
}

// ResyncMessage 增量（ops）或全量（fullContent+version）二选一。
type ResyncMessage struct {
	Type        string             `json:"type"` // "resync_ops" / "resync_full"
	DocID       string             `json:"docId"`
	Ops         []collab.AppliedOp `json:"ops,omitempty"`
	FullContent string             `json:"fullContent,omitempty"`
	Version     uint64             `json:"version"`
}

// OutboundMessage 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m JoinedMessage) MessageType() string      { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m PresenceMessage) MessageType() string    { return m.Type }
func (m CursorMessage) MessageType() string      { return m.Type }
func (m ResyncMessage) MessageType() string      { return m.Type }
