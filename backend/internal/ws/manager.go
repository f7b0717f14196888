package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/cache"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
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
	hub           *Hub
	svc           *collab.Engine
	arbiter       *SessionArbiter
	presence      cache.PresenceCache
	sendQueueSize int
}

func NewManager(hub *Hub, svc *collab.Engine, arbiter *SessionArbiter, presence cache.PresenceCache, sendQueueSize int) *Manager {
	return &Manager{hub: hub, svc: svc, arbiter: arbiter, presence: presence, sendQueueSize: sendQueueSize}
}

// WebSocketConnect 建立一条连接会话：设备身份握手 → 仲裁准入（可能顶掉
// 同设备的旧连接）→ 读写循环。重连没有专门的协议消息：新连接走同样的
// open 流程，握手自然把离线期间积累的历史补齐。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	deviceID := strings.TrimSpace(c.Query("deviceId"))
	if deviceID == "" {
		c.String(http.StatusBadRequest, "missing deviceId")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	key := DeviceKey{UserID: userID, DeviceID: deviceID}
	wsConn := NewConn(conn, m.hub, m.svc, m.arbiter, m.presence, key, username, m.sendQueueSize)

	// 同一设备身份只允许一条活跃连接；旧连接先被顶掉，新连接再准入
	if prev := m.arbiter.Register(key, wsConn); prev != nil {
		log.Printf("evicting stale connection conn=%s user=%d device=%s", prev.ID(), userID, deviceID)
		prev.Evict()
	}
	wsConn.setState(StateActive)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.enqueue(ServerMessage{Type: "welcome", Content: "connected"})

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
	wsConn.Close()
}
