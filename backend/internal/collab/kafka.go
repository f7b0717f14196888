package collab

import "time"

// CollabEvent 是发往 Kafka 的下游事件（审计、索引、跨节点消费）。
// Update 经 encoding/json 序列化后是 base64。
type CollabEvent struct {
	EventType string    `json:"eventType"` // 固定 "UPDATE_APPLIED"
	ObjectID  string    `json:"objectId"`
	Origin    string    `json:"origin,omitempty"` // 来源连接 id
	Update    []byte    `json:"update"`
	AppliedAt time.Time `json:"appliedAt"`
}
