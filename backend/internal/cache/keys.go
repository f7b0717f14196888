package cache

import "fmt"

// 键语义：
// - roomKey(objectID):   文档房间在线设备（ZSet<deviceID, expireAtUnix>，score=expireAt）
// - namesKey(objectID):  房间内 deviceID→username 映射（Hash）

const (
	keyRoomFmt  = "collab:room:{%s}"       // ZSet<deviceID, expireAtUnix>
	keyNamesFmt = "collab:room:names:{%s}" // Hash<deviceID -> username>
)

func roomKey(objectID string) string  { return fmt.Sprintf(keyRoomFmt, objectID) }
func namesKey(objectID string) string { return fmt.Sprintf(keyNamesFmt, objectID) }
