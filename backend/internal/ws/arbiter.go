package ws

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// DeviceKey 标识一台物理设备的会话身份。同一用户的不同设备是对等协作者；
// 同一设备的重复连接是陈旧会话，必须被新连接顶掉。
type DeviceKey struct {
	UserID   uint64
	DeviceID string
}

func (k DeviceKey) shard() uint32 {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatUint(k.UserID, 10)))
	h.Write([]byte{'/'})
	h.Write([]byte(k.DeviceID))
	return h.Sum32()
}

const arbiterShards = 16

type arbiterShard struct {
	mu    sync.Mutex
	conns map[DeviceKey]*Conn
}

// SessionArbiter enforces at most one live connection per device identity.
// 分片锁：不同设备身份之间互不阻塞。
type SessionArbiter struct {
	shards [arbiterShards]*arbiterShard
}

func NewSessionArbiter() *SessionArbiter {
	a := &SessionArbiter{}
	for i := range a.shards {
		a.shards[i] = &arbiterShard{conns: make(map[DeviceKey]*Conn)}
	}
	return a
}

func (a *SessionArbiter) shardFor(key DeviceKey) *arbiterShard {
	return a.shards[key.shard()%arbiterShards]
}

// Register admits c as the only live connection for key and returns the
// previous holder, if any. The caller evicts the returned connection
// before serving the new one.
func (a *SessionArbiter) Register(key DeviceKey, c *Conn) *Conn {
	sh := a.shardFor(key)
	sh.mu.Lock()
	prev := sh.conns[key]
	sh.conns[key] = c
	sh.mu.Unlock()
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes the mapping only while c is still the one on record,
// so a stale teardown cannot clobber a newer registration.
func (a *SessionArbiter) Unregister(key DeviceKey, c *Conn) {
	sh := a.shardFor(key)
	sh.mu.Lock()
	if sh.conns[key] == c {
		delete(sh.conns, key)
	}
	sh.mu.Unlock()
}

// Active returns the connection currently registered for key, or nil.
func (a *SessionArbiter) Active(key DeviceKey) *Conn {
	sh := a.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.conns[key]
}
