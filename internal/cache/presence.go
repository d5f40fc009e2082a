package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabcode/internal/session"
)

// PresenceCache 跨实例的在线状态层：心跳续期、在线列表、光标共享。
// 进程内的权威会话状态在 session.Registry，这里只做共享与发现。
type PresenceCache interface {
	AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID string, userID uint64, p CursorPayload, ttl time.Duration) error
	GetCursor(ctx context.Context, docID string, userID uint64) (CursorPayload, error)
}

type PresenceMember struct {
	UserID   uint64
	Username string
}

// CursorPayload 参与者的光标/选区共享负载。
type CursorPayload struct {
	Cursor    session.Cursor     `json:"cursor"`
	Selection *session.Selection `json:"selection,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember 即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达"逻辑 TTL"
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	tx.SAdd(ctx, docsKey(), docID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	member := strconv.FormatUint(userID, 10)
	tx.ZRem(ctx, roomKey(docID), member)
	tx.HDel(ctx, namesKey(docID), member)
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey 也以 presence:room: 开头，需要过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		docID := strings.TrimPrefix(k, "presence:room:")
		if docID != "" {
			documents = append(documents, docID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return documents, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID string, userID uint64, payload CursorPayload, ttl time.Duration) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, cursorKey(docID, userID), b, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID string, userID uint64) (CursorPayload, error) {
	var payload CursorPayload
	b, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if err != nil {
		return payload, err
	}
	err = json.Unmarshal(b, &payload)
	return payload, err
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期成员。约定 score=expireAt（Unix 秒），<= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(docID)
	-- KEYS[2] = namesKey(docID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`
	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}
	aliveIDsUint64 := make([]uint64, 0, len(aliveIDs))
	for _, aliveID := range aliveIDs {
		uid, err := strconv.ParseUint(aliveID, 10, 64)
		if err != nil {
			return nil, err
		}
		aliveIDsUint64 = append(aliveIDsUint64, uid)
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDsUint64))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDsUint64[i], Username: name})
	}
	return members, nil
}
