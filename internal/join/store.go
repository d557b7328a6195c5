package join

import (
	"context"
)

// Registry 連線登記表
//
// 系統設計考量：
//
//  1. 唯一性在寫入時強制：
//     - Register 必須是單次原子條件寫入
//     - 主鍵是 connectionID，但唯一性範圍是 userToken
//     → PostgreSQL：user_token UNIQUE 索引
//     → Redis：Lua 腳本同時檢查 conn/user 兩個 key
//
//  2. 錯誤分類：
//     - 條件失敗 → ErrAlreadyJoined（預期結果，不是系統錯誤）
//     - 其他錯誤 → STORE_FAILURE（不在內部重試）
//
//  3. 生命週期：
//     - 加入成功時建立
//     - 連線斷開或對帳拆除時刪除
type Registry interface {
	// Register 原子條件插入
	//
	// 同一 userToken 已有記錄，或同一 connectionID 已登記 → ErrAlreadyJoined
	Register(ctx context.Context, rec ConnectionRecord) error

	// Lookup 依 connectionID 查詢
	Lookup(ctx context.Context, connectionID string) (ConnectionRecord, error)

	// LookupByUser 依 userToken 查詢
	LookupByUser(ctx context.Context, userToken string) (ConnectionRecord, error)

	// Remove 刪除連線記錄（冪等，不存在不報錯）
	Remove(ctx context.Context, connectionID string) error

	// RemoveIfMatch 只有三個欄位都相符時才刪除
	//
	// 對帳用：避免誤刪較新的綁定。返回是否真的刪除了。
	RemoveIfMatch(ctx context.Context, rec ConnectionRecord) (bool, error)
}

// RoomStore 房間狀態存儲
//
// 系統設計考量：
//
//  1. 欄位級更新：
//     - UpsertPlayer 只設定 players[userToken]
//     - 不讀取、不覆蓋其他玩家
//     - 兩個玩家同時加入同一房間不需要鎖房間
//
//  2. 冪等：
//     - 重複呼叫結果相同（score 每次歸零）
//
//  3. 房間由外部流程建立：
//     - UpsertPlayer 遇到不存在的房間 → ErrRoomNotFound
type RoomStore interface {
	// CreateRoom 建立空房間（已存在時不變更名單）
	CreateRoom(ctx context.Context, roomCode string) error

	// GetRoom 讀取房間記錄
	GetRoom(ctx context.Context, roomCode string) (RoomRecord, error)

	// UpsertPlayer 設定 players[userToken] = {connected: true, score: 0, id: userToken}
	UpsertPlayer(ctx context.Context, roomCode, userToken string) error

	// MarkDisconnected 把 players[userToken].connected 設為 false（不移除玩家）
	MarkDisconnected(ctx context.Context, roomCode, userToken string) error
}

// Publisher 部分失敗事件發佈者
type Publisher interface {
	PublishPartialFailure(ctx context.Context, event PartialFailureEvent) error
}

// NopPublisher 不發佈任何事件
type NopPublisher struct{}

// PublishPartialFailure 實作 Publisher
func (NopPublisher) PublishPartialFailure(context.Context, PartialFailureEvent) error {
	return nil
}
