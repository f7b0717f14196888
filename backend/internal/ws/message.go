package ws

// 二进制负载（sync/update）在 JSON 信封里以 base64 传输（encoding/json
// 对 []byte 的默认行为）。

type ClientMessage struct {
	Type       string `json:"type"` // open | sync | update | unsubscribe | heartbeat
	ObjectID   string `json:"objectId,omitempty"`
	CollabType string `json:"collabType,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string    { return m.Type }
func (m SyncMessage) MessageType() string      { return m.Type }
func (m UpdateMessage) MessageType() string    { return m.Type }
func (m SyncStateMessage) MessageType() string { return m.Type }

type ServerMessage struct {
	Type     string           `json:"type"` // opened | ack | error | feedback | presence
	ObjectID string           `json:"objectId,omitempty"`
	Code     string           `json:"code,omitempty"`
	Content  string           `json:"content,omitempty"`
	Members  []PresenceMember `json:"members,omitempty"`
}

type PresenceMember struct {
	DeviceID string `json:"deviceId"`
	Username string `json:"username,omitempty"`
}

// SyncMessage 携带一条握手协议消息（服务端缺失历史 → 客户端）。
type SyncMessage struct {
	Type     string `json:"type"` // 固定 "sync"
	ObjectID string `json:"objectId"`
	Payload  []byte `json:"payload"`
}

// UpdateMessage 把其他连接已合并的增量推给本订阅者。
type UpdateMessage struct {
	Type     string `json:"type"` // 固定 "update"
	ObjectID string `json:"objectId"`
	Payload  []byte `json:"payload"`
}

// SyncStateMessage 在 Syncing/SyncFinished 切换时通知客户端。
type SyncStateMessage struct {
	Type     string `json:"type"` // 固定 "sync_state"
	ObjectID string `json:"objectId"`
	State    string `json:"state"`
}
