package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-room-join/internal/join"
	apperrors "github.com/koopa0/system-design/14-room-join/pkg/errors"
)

// uniqueViolation PostgreSQL 唯一約束衝突錯誤碼
const uniqueViolation = "23505"

// PostgresRegistry PostgreSQL 連線登記表
//
// 系統設計考量：
//
//  1. 表結構（見 migrations/000001_init_schema.up.sql）：
//     - connection_id：主鍵
//     - user_token：UNIQUE 索引（唯一性範圍）
//
//  2. 條件寫入：
//     - 單條 INSERT，由 UNIQUE 索引在寫入時強制唯一
//     - 兩個併發 INSERT 相同 user_token：一個成功，一個得到 23505
//     - connection_id 主鍵衝突同樣是 23505 → 視為 AlreadyJoined
//
//  3. 超時：
//     - 每次呼叫套用 timeout（客戶端屬性），超時表現為 STORE_FAILURE
type PostgresRegistry struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresRegistry 創建 PostgreSQL 連線登記表
//
// timeout 為 0 時不額外限制（沿用呼叫方 context）。
func NewPostgresRegistry(pool *pgxpool.Pool, timeout time.Duration) *PostgresRegistry {
	return &PostgresRegistry{pool: pool, timeout: timeout}
}

// Register 原子條件插入
func (p *PostgresRegistry) Register(ctx context.Context, rec join.ConnectionRecord) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	const query = `
		INSERT INTO connections (connection_id, room_code, user_token)
		VALUES ($1, $2, $3)
	`
	if _, err := p.pool.Exec(ctx, query, rec.ConnectionID, rec.RoomCode, rec.UserToken); err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAlreadyJoined
		}
		return apperrors.StoreFailure(err, "insert connection")
	}
	return nil
}

// Lookup 依 connectionID 查詢
func (p *PostgresRegistry) Lookup(ctx context.Context, connectionID string) (join.ConnectionRecord, error) {
	const query = `
		SELECT connection_id, room_code, user_token
		FROM connections
		WHERE connection_id = $1
	`
	return p.lookup(ctx, query, connectionID)
}

// LookupByUser 依 userToken 查詢
func (p *PostgresRegistry) LookupByUser(ctx context.Context, userToken string) (join.ConnectionRecord, error) {
	const query = `
		SELECT connection_id, room_code, user_token
		FROM connections
		WHERE user_token = $1
	`
	return p.lookup(ctx, query, userToken)
}

func (p *PostgresRegistry) lookup(ctx context.Context, query, arg string) (join.ConnectionRecord, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	var rec join.ConnectionRecord
	err := p.pool.QueryRow(ctx, query, arg).Scan(&rec.ConnectionID, &rec.RoomCode, &rec.UserToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return join.ConnectionRecord{}, apperrors.ErrConnectionNotFound
		}
		return join.ConnectionRecord{}, apperrors.StoreFailure(err, "select connection")
	}
	return rec, nil
}

// Remove 刪除連線記錄
func (p *PostgresRegistry) Remove(ctx context.Context, connectionID string) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.pool.Exec(ctx, `DELETE FROM connections WHERE connection_id = $1`, connectionID); err != nil {
		return apperrors.StoreFailure(err, "delete connection")
	}
	return nil
}

// RemoveIfMatch 三個欄位都相符時才刪除
func (p *PostgresRegistry) RemoveIfMatch(ctx context.Context, rec join.ConnectionRecord) (bool, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	const query = `
		DELETE FROM connections
		WHERE connection_id = $1 AND room_code = $2 AND user_token = $3
	`
	tag, err := p.pool.Exec(ctx, query, rec.ConnectionID, rec.RoomCode, rec.UserToken)
	if err != nil {
		return false, apperrors.StoreFailure(err, "delete connection")
	}
	return tag.RowsAffected() > 0, nil
}

// PostgresRooms PostgreSQL 房間狀態存儲
//
// 系統設計考量：
//
//  1. 為什麼用 JSONB + jsonb_set？
//     - players 是 userToken -> PlayerEntry 的映射
//     - jsonb_set(players, '{token}', entry) 只改一個鍵
//     - UPDATE 取得行鎖後在最新版本上套用 → 併發加入不會互相覆蓋
//
//  2. 為什麼不先 SELECT 再 UPDATE？
//     - 讀改寫整份名單會產生 lost update
//     - 單條 UPDATE 讓資料庫保證原子性
//
//  3. 房間不存在：
//     - RowsAffected = 0 → ErrRoomNotFound
type PostgresRooms struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresRooms 創建 PostgreSQL 房間存儲
func NewPostgresRooms(pool *pgxpool.Pool, timeout time.Duration) *PostgresRooms {
	return &PostgresRooms{pool: pool, timeout: timeout}
}

// CreateRoom 建立空房間
func (p *PostgresRooms) CreateRoom(ctx context.Context, roomCode string) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	const query = `
		INSERT INTO rooms (room_code)
		VALUES ($1)
		ON CONFLICT (room_code) DO NOTHING
	`
	if _, err := p.pool.Exec(ctx, query, roomCode); err != nil {
		return apperrors.StoreFailure(err, "insert room")
	}
	return nil
}

// GetRoom 讀取房間記錄
func (p *PostgresRooms) GetRoom(ctx context.Context, roomCode string) (join.RoomRecord, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT players FROM rooms WHERE room_code = $1`, roomCode).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return join.RoomRecord{}, apperrors.ErrRoomNotFound
		}
		return join.RoomRecord{}, apperrors.StoreFailure(err, "select room")
	}

	players := make(map[string]join.PlayerEntry)
	if err := json.Unmarshal(raw, &players); err != nil {
		return join.RoomRecord{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode players")
	}
	return join.RoomRecord{RoomCode: roomCode, Players: players}, nil
}

// UpsertPlayer 欄位級更新 players[userToken]
func (p *PostgresRooms) UpsertPlayer(ctx context.Context, roomCode, userToken string) error {
	entry, err := json.Marshal(join.NewPlayerEntry(userToken))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode player")
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	const query = `
		UPDATE rooms
		SET players = jsonb_set(players, ARRAY[$2::text], $3::jsonb, true),
		    updated_at = NOW()
		WHERE room_code = $1
	`
	tag, err := p.pool.Exec(ctx, query, roomCode, userToken, string(entry))
	if err != nil {
		return apperrors.StoreFailure(err, "update room players")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrRoomNotFound
	}
	return nil
}

// MarkDisconnected 把 players[userToken].connected 設為 false
func (p *PostgresRooms) MarkDisconnected(ctx context.Context, roomCode, userToken string) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	const query = `
		UPDATE rooms
		SET players = jsonb_set(players, ARRAY[$2::text, 'connected'], 'false'::jsonb, false),
		    updated_at = NOW()
		WHERE room_code = $1 AND (players -> $2::text) IS NOT NULL
	`
	tag, err := p.pool.Exec(ctx, query, roomCode, userToken)
	if err != nil {
		return apperrors.StoreFailure(err, "update room players")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// 區分房間不存在與玩家不存在
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE room_code = $1)`, roomCode).Scan(&exists); err != nil {
		return apperrors.StoreFailure(err, "select room")
	}
	if !exists {
		return apperrors.ErrRoomNotFound
	}
	return apperrors.ErrPlayerNotFound
}

// isUniqueViolation 檢查是否為唯一約束衝突
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// withTimeout 套用存儲客戶端超時
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
