package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 记录每个文档房间当前在线的设备。
type PresenceCache interface {
	AddMember(ctx context.Context, objectID, deviceID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, objectID, deviceID string) error
	GetAliveMembers(ctx context.Context, objectID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	DeviceID string
	Username string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, objectID, deviceID, username string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(objectID), redis.Z{Score: float64(expireAt), Member: deviceID})
	tx.HSet(ctx, namesKey(objectID), deviceID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, objectID, deviceID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(objectID), deviceID)
	tx.HDel(ctx, namesKey(objectID), deviceID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, objectID string) ([]PresenceMember, error) {
	// step1: 清理过期成员。约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(objectID)
	-- KEYS[2] = namesKey(objectID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(objectID), namesKey(objectID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线设备
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(objectID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(objectID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{DeviceID: aliveIDs[i], Username: name})
	}
	return members, nil
}
