package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/cache"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/collab"
)

type ConnState int

const (
	StateConnecting ConnState = iota
	StateActive
	StateDisconnected // 正常断开
	StateEvicted      // 被同设备的新连接顶掉
	StateClosed
)

const presenceTTL = 600 * time.Second

// Conn 管一条物理连接：入站/出站循环、按对象的握手会话、同步状态。
type Conn struct {
	id       string
	key      DeviceKey
	username string

	ws       *websocket.Conn
	hub      *Hub
	svc      *collab.Engine
	arbiter  *SessionArbiter
	presence cache.PresenceCache

	send chan OutboundMessage
	done chan struct{}

	mu       sync.Mutex
	state    ConnState
	sessions map[string]*objectSession

	closeOnce sync.Once
}

// objectSession 是 (connection, object) 对：握手会话 + 同步状态机。
type objectSession struct {
	sync    *collab.SyncSession
	tracker *syncTracker
}

func NewConn(ws *websocket.Conn, hub *Hub, svc *collab.Engine, arbiter *SessionArbiter, presence cache.PresenceCache, key DeviceKey, username string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		id:       xid.New().String(),
		key:      key,
		username: username,
		ws:       ws,
		hub:      hub,
		svc:      svc,
		arbiter:  arbiter,
		presence: presence,
		send:     make(chan OutboundMessage, sendQueueSize),
		done:     make(chan struct{}),
		state:    StateConnecting,
		sessions: make(map[string]*objectSession),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) session(objectID string) *objectSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[objectID]
}

func (c *Conn) subscribedObjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SyncStateOf exposes the per-object sync lifecycle for observability.
func (c *Conn) SyncStateOf(objectID string) (SyncState, bool) {
	sess := c.session(objectID)
	if sess == nil {
		return "", false
	}
	return sess.tracker.State(), true
}

// enqueue 非阻塞入队；队列满返回 false（慢订阅者不准拖累别人）。
func (c *Conn) enqueue(msg OutboundMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// EnqueueUpdate queues a broadcast delta for this subscriber. Returns
// false when the outbound backlog is full; the hub then drops us from the
// room and we stay Syncing until a fresh handshake.
func (c *Conn) EnqueueUpdate(objectID string, update []byte) bool {
	sess := c.session(objectID)
	if sess == nil {
		return false
	}
	sess.tracker.enqueued()
	if !c.enqueue(UpdateMessage{Type: "update", ObjectID: objectID, Payload: update}) {
		sess.tracker.markSyncing()
		return false
	}
	return true
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if c.State() == StateActive {
				log.Printf("read json error (conn=%s user=%d device=%s): %v", c.id, c.key.UserID, c.key.DeviceID, err)
			}
			return
		}
		switch msg.Type {
		case "open":
			c.handleOpen(ctx, msg)
		case "sync":
			c.handleSync(ctx, msg)
		case "update":
			c.handleUpdate(ctx, msg)
		case "unsubscribe":
			c.handleUnsubscribe(ctx, msg)
		case "heartbeat":
			c.handleHeartbeat(ctx)
		default:
			// 忽略未知类型，回一条提示
			c.enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

// handleOpen subscribes this connection to an object: hydrate the
// document, start the handshake session, ship the initial catch-up
// messages, state Syncing until they drain.
func (c *Conn) handleOpen(ctx context.Context, msg ClientMessage) {
	collabType := collab.CollabType(msg.CollabType)
	if collabType == "" {
		collabType = collab.CollabTypeDocument
	}

	d, err := c.svc.Open(ctx, msg.ObjectID, collabType)
	if err != nil {
		log.Printf("open object=%s failed (conn=%s): %v", msg.ObjectID, c.id, err)
		c.enqueue(ServerMessage{Type: "error", ObjectID: msg.ObjectID, Code: "OPEN_FAILED", Content: err.Error()})
		return
	}

	objectID := msg.ObjectID
	tracker := newSyncTracker(func(st SyncState) {
		c.enqueue(SyncStateMessage{Type: "sync_state", ObjectID: objectID, State: string(st)})
	})
	sess := &objectSession{sync: d.NewSyncSession(), tracker: tracker}

	c.mu.Lock()
	c.sessions[objectID] = sess
	c.mu.Unlock()

	c.hub.Subscribe(objectID, c)
	if c.presence != nil {
		if err := c.presence.AddMember(ctx, objectID, c.key.DeviceID, c.username, presenceTTL); err != nil {
			log.Printf("add member error: %v", err)
		}
	}

	c.enqueue(ServerMessage{Type: "opened", ObjectID: objectID})
	c.enqueue(SyncStateMessage{Type: "sync_state", ObjectID: objectID, State: string(SyncStateSyncing)})

	initial := sess.sync.Generate()
	for _, payload := range initial {
		tracker.enqueued()
		if !c.enqueue(SyncMessage{Type: "sync", ObjectID: objectID, Payload: payload}) {
			tracker.markSyncing()
			return
		}
	}
	if len(initial) == 0 {
		tracker.settle()
	}
}

func (c *Conn) handleSync(ctx context.Context, msg ClientMessage) {
	sess := c.session(msg.ObjectID)
	if sess == nil {
		c.enqueue(ServerMessage{Type: "error", ObjectID: msg.ObjectID, Code: "NOT_SUBSCRIBED"})
		return
	}
	if err := c.svc.ReceiveSync(ctx, msg.ObjectID, c.id, sess.sync, msg.Payload); err != nil {
		// 非法负载只丢弃这一条，文档不受影响
		log.Printf("sync rejected object=%s conn=%s: %v", msg.ObjectID, c.id, err)
		c.enqueue(ServerMessage{Type: "error", ObjectID: msg.ObjectID, Code: "MERGE_REJECTED"})
		return
	}

	replies := sess.sync.Generate()
	for _, payload := range replies {
		sess.tracker.enqueued()
		if !c.enqueue(SyncMessage{Type: "sync", ObjectID: msg.ObjectID, Payload: payload}) {
			sess.tracker.markSyncing()
			return
		}
	}
	if len(replies) == 0 {
		sess.tracker.settle()
	}
}

func (c *Conn) handleUpdate(ctx context.Context, msg ClientMessage) {
	err := c.svc.ApplyUpdate(ctx, msg.ObjectID, c.id, msg.Payload)
	switch {
	case err == nil:
		c.enqueue(ServerMessage{Type: "ack", ObjectID: msg.ObjectID})
	case errors.Is(err, collab.ErrNotSubscribed):
		c.enqueue(ServerMessage{Type: "error", ObjectID: msg.ObjectID, Code: "NOT_SUBSCRIBED"})
	case errors.Is(err, collab.ErrMergeRejected):
		log.Printf("update rejected object=%s conn=%s: %v", msg.ObjectID, c.id, err)
		c.enqueue(ServerMessage{Type: "error", ObjectID: msg.ObjectID, Code: "MERGE_REJECTED"})
	default:
		c.enqueue(ServerMessage{Type: "error", ObjectID: msg.ObjectID, Code: "INTERNAL", Content: err.Error()})
	}
}

func (c *Conn) handleUnsubscribe(ctx context.Context, msg ClientMessage) {
	c.mu.Lock()
	_, ok := c.sessions[msg.ObjectID]
	delete(c.sessions, msg.ObjectID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.hub.Unsubscribe(msg.ObjectID, c)
	if c.presence != nil {
		if err := c.presence.RemoveMember(ctx, msg.ObjectID, c.key.DeviceID); err != nil {
			log.Printf("remove member error: %v", err)
		}
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.presence != nil {
		for _, objectID := range c.subscribedObjects() {
			if err := c.presence.AddMember(ctx, objectID, c.key.DeviceID, c.username, presenceTTL); err != nil {
				log.Printf("add member error: %v", err)
				continue
			}
			members, err := c.presence.GetAliveMembers(ctx, objectID)
			if err != nil {
				log.Printf("get members error: %v", err)
				continue
			}
			out := make([]PresenceMember, len(members))
			for i, m := range members {
				out[i] = PresenceMember{DeviceID: m.DeviceID, Username: m.Username}
			}
			c.enqueue(ServerMessage{Type: "presence", ObjectID: objectID, Members: out})
		}
	}
	c.enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
}

// writeLoop 持续消费出站队列；每写出一条 sync/update 就更新同步状态机。
func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				c.Close()
				return
			}
			c.afterWrite(msg)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) afterWrite(msg OutboundMessage) {
	var objectID string
	switch m := msg.(type) {
	case SyncMessage:
		objectID = m.ObjectID
	case UpdateMessage:
		objectID = m.ObjectID
	default:
		return
	}
	if sess := c.session(objectID); sess != nil {
		sess.tracker.delivered()
	}
}

// Evict force-closes this connection because a newer connection claimed
// its device identity. The reason reaches the evicted client in the close
// frame; the evicting client never sees an error.
func (c *Conn) Evict() {
	c.setState(StateEvicted)
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "SESSION_EVICTED"), deadline)
	c.Close()
}

// Close tears the connection down exactly once: pending outbound deliveries
// are discarded, subscriptions and the device registration are released
// synchronously. No orphaned subscription survives this call.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != StateEvicted {
			c.state = StateDisconnected
		}
		c.mu.Unlock()

		close(c.done)
		c.hub.UnsubscribeAll(c)
		c.arbiter.Unregister(c.key, c)

		if c.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			for _, objectID := range c.subscribedObjects() {
				_ = c.presence.RemoveMember(ctx, objectID, c.key.DeviceID)
			}
			cancel()
		}

		_ = c.ws.Close()
		c.setState(StateClosed)
	})
}
