package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-room-join/internal/join"
	apperrors "github.com/koopa0/system-design/14-room-join/pkg/errors"
)

// Redis 鍵設計：
//
//	join:conn:{connectionID}       Hash  {room_code, user_token}
//	join:user:{userToken}          String connectionID（唯一性索引）
//	join:room:{roomCode}           String 房間存在標記
//	join:players:{roomCode}        Hash  userToken -> PlayerEntry JSON
//
// 每種鍵各有獨立前綴；房間碼是任意字串，不能用後綴區分鍵的種類。
const (
	connKeyPrefix    = "join:conn:"
	userKeyPrefix    = "join:user:"
	roomKeyPrefix    = "join:room:"
	playersKeyPrefix = "join:players:"
)

func connKey(connectionID string) string { return connKeyPrefix + connectionID }
func userKey(userToken string) string    { return userKeyPrefix + userToken }
func roomKey(roomCode string) string     { return roomKeyPrefix + roomCode }
func playersKey(roomCode string) string  { return playersKeyPrefix + roomCode }

// registerScript 條件寫入：兩個鍵都不存在才寫入
//
// Lua 在 Redis 中單執行緒執行 → 檢查與寫入之間沒有其他命令插入。
var registerScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[2], ARGV[1])
	redis.call('HSET', KEYS[1], 'room_code', ARGV[2], 'user_token', ARGV[3])
	return 1
`)

// removeScript 刪除連線與其唯一性索引
//
// 只在索引仍指向本連線時才刪除索引。
var removeScript = redis.NewScript(`
	local token = redis.call('HGET', KEYS[1], 'user_token')
	if not token then
		return 0
	end
	local user_key = ARGV[1] .. token
	if redis.call('GET', user_key) == ARGV[2] then
		redis.call('DEL', user_key)
	end
	redis.call('DEL', KEYS[1])
	return 1
`)

// removeIfMatchScript 三個欄位都相符時才刪除
var removeIfMatchScript = redis.NewScript(`
	local fields = redis.call('HMGET', KEYS[1], 'room_code', 'user_token')
	if fields[1] ~= ARGV[2] or fields[2] ~= ARGV[3] then
		return 0
	end
	if redis.call('GET', KEYS[2]) == ARGV[1] then
		redis.call('DEL', KEYS[2])
	end
	redis.call('DEL', KEYS[1])
	return 1
`)

// upsertPlayerScript 房間存在時才寫入 players[userToken]
var upsertPlayerScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
	return 1
`)

// markDisconnectedScript 把 players[userToken].connected 設為 false
//
// 返回值：1 成功、0 房間不存在、-1 玩家不存在
var markDisconnectedScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	local raw = redis.call('HGET', KEYS[2], ARGV[1])
	if not raw then
		return -1
	end
	local entry = cjson.decode(raw)
	entry['connected'] = false
	redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(entry))
	return 1
`)

// RedisRegistry Redis 連線登記表
//
// 系統設計考量：
//
//  1. 唯一性範圍是 userToken：
//     - 主記錄以 connectionID 為鍵
//     - join:user:{token} 作為二級索引
//     - 兩者在同一個 Lua 腳本內檢查並寫入
//
//  2. 叢集模式注意：
//     - 腳本涉及多個鍵，Redis Cluster 下需要 hash tag 讓鍵落在同一 slot
//     - 目前只支援單節點 / Sentinel
type RedisRegistry struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisRegistry 創建 Redis 連線登記表
func NewRedisRegistry(client redis.UniversalClient, timeout time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, timeout: timeout}
}

// Register 原子條件插入
func (r *RedisRegistry) Register(ctx context.Context, rec join.ConnectionRecord) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	keys := []string{connKey(rec.ConnectionID), userKey(rec.UserToken)}
	inserted, err := registerScript.Run(ctx, r.client, keys, rec.ConnectionID, rec.RoomCode, rec.UserToken).Int()
	if err != nil {
		return apperrors.StoreFailure(err, "register connection")
	}
	if inserted == 0 {
		return apperrors.ErrAlreadyJoined
	}
	return nil
}

// Lookup 依 connectionID 查詢
func (r *RedisRegistry) Lookup(ctx context.Context, connectionID string) (join.ConnectionRecord, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, connKey(connectionID)).Result()
	if err != nil {
		return join.ConnectionRecord{}, apperrors.StoreFailure(err, "lookup connection")
	}
	if len(fields) == 0 {
		return join.ConnectionRecord{}, apperrors.ErrConnectionNotFound
	}
	return join.ConnectionRecord{
		ConnectionID: connectionID,
		RoomCode:     fields["room_code"],
		UserToken:    fields["user_token"],
	}, nil
}

// LookupByUser 依 userToken 查詢
func (r *RedisRegistry) LookupByUser(ctx context.Context, userToken string) (join.ConnectionRecord, error) {
	connectionID, err := r.getUser(ctx, userToken)
	if err != nil {
		return join.ConnectionRecord{}, err
	}
	return r.Lookup(ctx, connectionID)
}

func (r *RedisRegistry) getUser(ctx context.Context, userToken string) (string, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	connectionID, err := r.client.Get(ctx, userKey(userToken)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", apperrors.ErrConnectionNotFound
		}
		return "", apperrors.StoreFailure(err, "lookup user")
	}
	return connectionID, nil
}

// Remove 刪除連線記錄（不存在時為 no-op）
func (r *RedisRegistry) Remove(ctx context.Context, connectionID string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	err := removeScript.Run(ctx, r.client, []string{connKey(connectionID)}, userKeyPrefix, connectionID).Err()
	if err != nil {
		return apperrors.StoreFailure(err, "remove connection")
	}
	return nil
}

// RemoveIfMatch 三個欄位都相符時才刪除
func (r *RedisRegistry) RemoveIfMatch(ctx context.Context, rec join.ConnectionRecord) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	keys := []string{connKey(rec.ConnectionID), userKey(rec.UserToken)}
	removed, err := removeIfMatchScript.Run(ctx, r.client, keys, rec.ConnectionID, rec.RoomCode, rec.UserToken).Int()
	if err != nil {
		return false, apperrors.StoreFailure(err, "remove connection")
	}
	return removed == 1, nil
}

// RedisRooms Redis 房間狀態存儲
//
// players 存為 Hash，每個玩家一個欄位：
//   - HSET 只改一個欄位 → 欄位級合併
//   - 不同玩家的併發加入不會互相覆蓋
type RedisRooms struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisRooms 創建 Redis 房間存儲
func NewRedisRooms(client redis.UniversalClient, timeout time.Duration) *RedisRooms {
	return &RedisRooms{client: client, timeout: timeout}
}

// CreateRoom 建立空房間（已存在時為 no-op）
func (r *RedisRooms) CreateRoom(ctx context.Context, roomCode string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.SetNX(ctx, roomKey(roomCode), time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return apperrors.StoreFailure(err, "create room")
	}
	return nil
}

// GetRoom 讀取房間記錄
func (r *RedisRooms) GetRoom(ctx context.Context, roomCode string) (join.RoomRecord, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	existsCmd := pipe.Exists(ctx, roomKey(roomCode))
	playersCmd := pipe.HGetAll(ctx, playersKey(roomCode))
	if _, err := pipe.Exec(ctx); err != nil {
		return join.RoomRecord{}, apperrors.StoreFailure(err, "get room")
	}
	if existsCmd.Val() == 0 {
		return join.RoomRecord{}, apperrors.ErrRoomNotFound
	}

	players := make(map[string]join.PlayerEntry, len(playersCmd.Val()))
	for token, raw := range playersCmd.Val() {
		var entry join.PlayerEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return join.RoomRecord{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode player")
		}
		players[token] = entry
	}
	return join.RoomRecord{RoomCode: roomCode, Players: players}, nil
}

// UpsertPlayer 欄位級更新 players[userToken]
func (r *RedisRooms) UpsertPlayer(ctx context.Context, roomCode, userToken string) error {
	entry, err := json.Marshal(join.NewPlayerEntry(userToken))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode player")
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	keys := []string{roomKey(roomCode), playersKey(roomCode)}
	updated, err := upsertPlayerScript.Run(ctx, r.client, keys, userToken, string(entry)).Int()
	if err != nil {
		return apperrors.StoreFailure(err, "upsert player")
	}
	if updated == 0 {
		return apperrors.ErrRoomNotFound
	}
	return nil
}

// MarkDisconnected 標記玩家離線
func (r *RedisRooms) MarkDisconnected(ctx context.Context, roomCode, userToken string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	keys := []string{roomKey(roomCode), playersKey(roomCode)}
	result, err := markDisconnectedScript.Run(ctx, r.client, keys, userToken).Int()
	if err != nil {
		return apperrors.StoreFailure(err, "mark disconnected")
	}
	switch result {
	case 0:
		return apperrors.ErrRoomNotFound
	case -1:
		return apperrors.ErrPlayerNotFound
	}
	return nil
}
