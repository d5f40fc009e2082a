package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"collabcode/internal/cache"
	"collabcode/internal/collab"
	"collabcode/internal/session"
)

func cachePayload(cursor session.Cursor, sel *session.Selection) cache.CursorPayload {
	return cache.CursorPayload{Cursor: cursor, Selection: sel, UpdatedAt: time.Now()}
}

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	docID    string
	userID   uint64
	username string
	clientID string

	send chan OutboundMessage

	// 协作引擎服务
	svc collab.Service
	reg *session.Registry
	// 信号量控制，限制并发提交
	sem *collab.SemaphoreControl

	presenceTTL time.Duration
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, svc collab.Service, reg *session.Registry, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:          ws,
		hub:         hub,
		userID:      userID,
		username:    username,
		send:        make(chan OutboundMessage, 32),
		svc:         svc,
		reg:         reg,
		sem:         sem,
		presenceTTL: 600 * time.Second,
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		// 队列满则丢弃；客户端靠 heartbeat/resync 自愈
	}
}

func (c *Conn) sendError(err error) {
	c.SendMessage_Enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: err.Error()})
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" && msg.DocTitle != "" {
		id, err := c.svc.LookupDocument(ctx, msg.DocTitle)
		if err != nil {
			log.Printf("lookup document error (title=%s): %v", msg.DocTitle, err)
			c.sendError(errors.New("GET_DOCID_FAILED"))
			return
		}
		docID = id
	}
	if docID == "" {
		c.sendError(errors.New("MISSING_DOC_ID"))
		return
	}
	if c.docID != "" && c.docID != docID {
		// 动态切换房间：先离开旧文档
		c.hub.Leave(c.docID, c)
		_ = c.svc.Leave(ctx, c.docID, c.userID)
	}
	c.docID = docID

	res, err := c.svc.Join(ctx, docID, c.userID, c.username, msg.ClientID)
	if err != nil {
		log.Printf("join error (user=%d, doc=%s): %v", c.userID, docID, err)
		c.sendError(err)
		return
	}
	c.clientID = msg.ClientID
	c.hub.Join(docID, c, msg.ClientID)
	if err := c.hub.presence.AddMember(ctx, docID, c.userID, c.username, c.presenceTTL); err != nil {
		log.Printf("add member error: %v", err)
	}

	c.SendMessage_Enqueue(JoinedMessage{
		Type:         "joined",
		DocID:        docID,
		Content:      res.Content,
		Version:      res.Version,
		Participants: res.Participants,
	})
	// 把其他参与者的光标推给新加入的连接
	for _, p := range res.Participants {
		payload, err := c.hub.presence.GetCursor(ctx, docID, p.UserID)
		if err != nil {
			continue
		}
		c.SendMessage_Enqueue(CursorMessage{Type: "cursor", DocID: docID, UserID: p.UserID, Cursor: payload.Cursor, Selection: payload.Selection})
	}
	c.hub.BroadcastPresence(docID, c.roomMembers(ctx))
}

func (c *Conn) handleLeave(ctx context.Context) {
	if c.docID == "" {
		return
	}
	docID := c.docID
	c.hub.Leave(docID, c)
	if err := c.svc.Leave(ctx, docID, c.userID); err != nil {
		log.Printf("leave error (user=%d, doc=%s): %v", c.userID, docID, err)
	}
	if err := c.hub.presence.RemoveMember(ctx, docID, c.userID); err != nil {
		log.Printf("remove member error: %v", err)
	}
	c.SendMessage_Enqueue(ServerMessage{Type: "left", DocID: docID})
	c.hub.BroadcastPresence(docID, c.roomMembers(ctx))
	c.docID = ""
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	if msg.Op == nil {
		c.sendError(errors.New("MISSING_OP"))
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.sendError(err)
		return
	}
	defer c.sem.Release()

	op := *msg.Op
	op.AuthorID = c.userID

	// ack 和广播不在这里发：排序器在文档锁内通过 hub 派发，
	// 保证每个连接收到的版本号单调递增
	if _, err := c.svc.Submit(submitCtx, msg.DocID, c.userID, msg.ClientID, op.ClientSeq, op); err != nil {
		c.sendError(err)
		return
	}
}

func (c *Conn) handlePresence(ctx context.Context, msg ClientMessage) {
	if msg.Cursor == nil {
		return
	}
	if err := c.svc.UpdatePresence(ctx, msg.DocID, c.userID, *msg.Cursor, msg.Selection); err != nil {
		c.sendError(err)
		return
	}
	payload := cachePayload(*msg.Cursor, msg.Selection)
	if err := c.hub.presence.SetCursor(ctx, msg.DocID, c.userID, payload, c.presenceTTL); err != nil {
		log.Printf("set cursor error: %v", err)
	}
	c.hub.BroadcastCursor(msg.DocID, c, c.userID, *msg.Cursor, msg.Selection)
}

func (c *Conn) handleResync(ctx context.Context, msg ClientMessage) {
	res, err := c.svc.Resync(ctx, msg.DocID, msg.FromVersion)
	if err != nil {
		c.sendError(err)
		return
	}
	if res.Full {
		c.SendMessage_Enqueue(ResyncMessage{Type: "resync_full", DocID: msg.DocID, FullContent: res.Content, Version: res.Version})
		return
	}
	c.SendMessage_Enqueue(ResyncMessage{Type: "resync_ops", DocID: msg.DocID, Ops: res.Ops, Version: res.Version})
}

func (c *Conn) handleHeartbeat(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" {
		docID = c.docID
	}
	if docID == "" {
		return
	}
	if err := c.svc.Heartbeat(ctx, docID, c.userID, msg.AckedVersion); err != nil {
		log.Printf("heartbeat error (user=%d, doc=%s): %v", c.userID, docID, err)
	}
	if err := c.hub.presence.AddMember(ctx, docID, c.userID, c.username, c.presenceTTL); err != nil {
		log.Printf("add member error: %v", err)
	}
	c.SendMessage_Enqueue(ServerMessage{Type: "feedback", DocID: docID, Content: "Heartbeat received"})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d, doc=%s): %v", c.userID, c.docID, err)
			// 传输中断不是应用错误：保留会话槽位等待重连
			if c.docID != "" {
				c.reg.MarkReconnecting(c.docID, c.userID)
				c.hub.Leave(c.docID, c)
			}
			return
		}
		if msg.DocID == "" {
			msg.DocID = c.docID
		}
		switch msg.Type {
		case "join":
			c.handleJoin(ctx, msg)
		case "leave":
			c.handleLeave(ctx)
		case "op_submit":
			c.handleOpSubmit(ctx, msg)
		case "presence":
			c.handlePresence(ctx, msg)
		case "resync":
			c.handleResync(ctx, msg)
		case "heartbeat":
			c.handleHeartbeat(ctx, msg)
		case "create_document":
			docID, err := c.svc.CreateDocument(ctx, c.userID, msg.DocTitle)
			if err != nil {
				log.Printf("create document error: %v", err)
				c.sendError(errors.New("CREATE_DOC_FAILED"))
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "create_document", DocID: docID})
		case "save_document":
			if err := c.svc.SaveSnapshot(ctx, msg.DocID); err != nil {
				log.Printf("save document error: %v", err)
				c.sendError(errors.New("SAVE_DOC_FAILED"))
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "save_document", DocID: msg.DocID, Content: "saved"})
		default:
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

// roomMembers 优先取 Redis 的跨实例在线列表；Redis 不可用时退回本进程
// 注册表里的参与者。
func (c *Conn) roomMembers(ctx context.Context) []PresenceMember {
	if members, err := c.hub.presence.GetAliveMembersWithNames(ctx, c.docID); err == nil && len(members) > 0 {
		out := make([]PresenceMember, 0, len(members))
		for _, m := range members {
			out = append(out, PresenceMember{UserID: m.UserID, Username: m.Username})
		}
		return out
	}
	ps := c.reg.Participants(c.docID)
	members := make([]PresenceMember, 0, len(ps))
	for _, p := range ps {
		members = append(members, PresenceMember{UserID: p.UserID, Username: p.Username})
	}
	return members
}
