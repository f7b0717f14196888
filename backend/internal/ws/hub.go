package ws

import (
	"hash/fnv"
	"log"
	"sync"
)

const roomShards = 16

type roomShard struct {
	mu sync.RWMutex
	// objectID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

// Hub 是订阅表 + 广播器。按 objectID 分片加锁，不相关文档之间不会互相
// 排队。为什么房间里存的是连接而不是 userID：一个用户可开多个设备（多
// 连接），广播要逐连接发。
type Hub struct {
	shards [roomShards]*roomShard

	// onEmpty 在某个房间失去最后一个订阅者时触发（机会性 flush）。
	onEmpty func(objectID string)
}

func NewHub() *Hub {
	h := &Hub{}
	for i := range h.shards {
		h.shards[i] = &roomShard{rooms: make(map[string]map[*Conn]struct{})}
	}
	return h
}

// SetOnEmpty registers the room-empty hook. Called once at wiring time.
func (h *Hub) SetOnEmpty(fn func(objectID string)) { h.onEmpty = fn }

func (h *Hub) shard(objectID string) *roomShard {
	f := fnv.New32a()
	f.Write([]byte(objectID))
	return h.shards[f.Sum32()%roomShards]
}

func (h *Hub) Subscribe(objectID string, c *Conn) {
	sh := h.shard(objectID)
	sh.mu.Lock()
	if sh.rooms[objectID] == nil {
		sh.rooms[objectID] = make(map[*Conn]struct{})
	}
	sh.rooms[objectID][c] = struct{}{}
	sh.mu.Unlock()
}

func (h *Hub) Unsubscribe(objectID string, c *Conn) {
	sh := h.shard(objectID)
	sh.mu.Lock()
	empty := false
	if conns, ok := sh.rooms[objectID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(sh.rooms, objectID)
			empty = true
		}
	}
	sh.mu.Unlock()
	if empty && h.onEmpty != nil {
		go h.onEmpty(objectID)
	}
}

// UnsubscribeAll 在连接关闭时调用；连接自己记着订阅过哪些对象。
func (h *Hub) UnsubscribeAll(c *Conn) {
	for _, objectID := range c.subscribedObjects() {
		h.Unsubscribe(objectID, c)
	}
}

// Broadcast delivers update to every subscriber of objectID except the
// origin. Fire-and-forget per subscriber: one that cannot keep up is
// dropped from the room and forced back to Syncing, never silently
// skipped and never allowed to block the rest.
func (h *Hub) Broadcast(objectID string, update []byte, originID string) {
	sh := h.shard(objectID)
	sh.mu.RLock()
	conns := make([]*Conn, 0, len(sh.rooms[objectID]))
	for c := range sh.rooms[objectID] {
		conns = append(conns, c)
	}
	sh.mu.RUnlock()

	for _, c := range conns {
		if c.ID() == originID {
			continue
		}
		if !c.EnqueueUpdate(objectID, update) {
			log.Printf("subscriber conn=%s object=%s backlog full, dropping from room", c.ID(), objectID)
			h.Unsubscribe(objectID, c)
		}
	}
}

// Subscribers reports the current room size.
func (h *Hub) Subscribers(objectID string) int {
	sh := h.shard(objectID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.rooms[objectID])
}
