// Package join 實現房間加入協議
//
// 系統設計問題：
//
//	客戶端帶著房間碼與使用者 token 建立持久連線，
//	如何在「連線登記表」與「房間狀態」兩份獨立存儲之間，
//	沒有跨記錄事務的情況下保持一致？
//
// 核心挑戰：
//  1. 唯一性：同一個 userToken 在任何時刻最多只屬於一個房間
//  2. 併發合併：不同玩家同時加入同一房間，名單不能互相覆蓋
//  3. 雙寫不原子：第一步成功、第二步失敗時必須明確暴露
//
// 設計方案：
//
//	✅ 登記表條件寫入（userToken 唯一）作為唯一的序列化點
//	✅ 房間狀態欄位級更新（players[userToken]），不做整份讀改寫
//	✅ 固定順序：先登記連線，再更新房間
//	✅ PartialFailure 顯式回報 + 事件交由對帳流程修復
package join

import "time"

// ConnectionRecord 連線登記記錄
//
// connectionID 為主鍵；userToken 全域唯一（寫入時強制）。
type ConnectionRecord struct {
	ConnectionID string `json:"connectionId"`
	RoomCode     string `json:"roomCode"`
	UserToken    string `json:"userToken"`
}

// PlayerEntry 房間名單中的玩家
//
// 只屬於包含它的 RoomRecord。
type PlayerEntry struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Score     int    `json:"score"`
}

// NewPlayerEntry 加入（或重新加入）時寫入的玩家記錄
//
// 重新加入會把分數歸零，這是刻意的策略。
func NewPlayerEntry(userToken string) PlayerEntry {
	return PlayerEntry{
		ID:        userToken,
		Connected: true,
		Score:     0,
	}
}

// RoomRecord 房間記錄
type RoomRecord struct {
	RoomCode string                 `json:"roomCode"`
	Players  map[string]PlayerEntry `json:"players"`
}

// Request 加入請求（來自外部傳輸層）
type Request struct {
	ConnectionID string `json:"connectionId"`
	UserToken    string `json:"userToken"`
	RoomCode     string `json:"roomCode"`
}

// Record 轉換為連線登記記錄
func (r Request) Record() ConnectionRecord {
	return ConnectionRecord{
		ConnectionID: r.ConnectionID,
		RoomCode:     r.RoomCode,
		UserToken:    r.UserToken,
	}
}

// PartialFailureEvent 部分失敗事件
//
// 連線已綁定但房間名單未更新，對帳流程據此重試或拆除孤兒連線。
type PartialFailureEvent struct {
	ConnectionID string    `json:"connectionId"`
	UserToken    string    `json:"userToken"`
	RoomCode     string    `json:"roomCode"`
	Cause        Reason    `json:"cause"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Record 事件對應的連線記錄
func (e PartialFailureEvent) Record() ConnectionRecord {
	return ConnectionRecord{
		ConnectionID: e.ConnectionID,
		RoomCode:     e.RoomCode,
		UserToken:    e.UserToken,
	}
}
