package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabcode/internal/collab"
	"collabcode/internal/session"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h   *Hub
	svc collab.Service
	reg *session.Registry
	sem *collab.SemaphoreControl
}

func NewManager(h *Hub, svc collab.Service, reg *session.Registry, sem *collab.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, reg: reg, sem: sem}
}

// WebSocketConnect 把已鉴权的 HTTP 请求升级为协作连接。
// 身份由 auth 中间件写入 gin.Context，这里直接信任。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, userID, username, m.svc, m.reg, m.sem)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: "welcome", Content: "connected"})

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
