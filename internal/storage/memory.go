// Package storage 實現連線登記表與房間狀態的存儲後端
//
// 存儲後端：
//
//	Memory：單機、開發測試
//	PostgreSQL：持久化（UNIQUE 索引 + jsonb_set 欄位級更新）
//	Redis：低延遲（Lua 腳本條件寫入 + Hash 欄位）
package storage

import (
	"context"
	"sync"

	"github.com/koopa0/system-design/14-room-join/internal/join"
	apperrors "github.com/koopa0/system-design/14-room-join/pkg/errors"
)

// MemoryRegistry 內存連線登記表
//
// 兩個索引在同一把鎖下更新，Register 的檢查與寫入是原子的。
type MemoryRegistry struct {
	mu     sync.Mutex
	byConn map[string]join.ConnectionRecord // connectionID -> record
	byUser map[string]string                // userToken -> connectionID
}

// NewMemoryRegistry 創建內存連線登記表
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byConn: make(map[string]join.ConnectionRecord),
		byUser: make(map[string]string),
	}
}

// Register 原子條件插入
func (m *MemoryRegistry) Register(ctx context.Context, rec join.ConnectionRecord) error {
	if err := ctx.Err(); err != nil {
		return apperrors.StoreFailure(err, "register connection")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byUser[rec.UserToken]; exists {
		return apperrors.ErrAlreadyJoined
	}
	if _, exists := m.byConn[rec.ConnectionID]; exists {
		return apperrors.ErrAlreadyJoined
	}

	m.byConn[rec.ConnectionID] = rec
	m.byUser[rec.UserToken] = rec.ConnectionID
	return nil
}

// Lookup 依 connectionID 查詢
func (m *MemoryRegistry) Lookup(ctx context.Context, connectionID string) (join.ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.byConn[connectionID]
	if !exists {
		return join.ConnectionRecord{}, apperrors.ErrConnectionNotFound
	}
	return rec, nil
}

// LookupByUser 依 userToken 查詢
func (m *MemoryRegistry) LookupByUser(ctx context.Context, userToken string) (join.ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connectionID, exists := m.byUser[userToken]
	if !exists {
		return join.ConnectionRecord{}, apperrors.ErrConnectionNotFound
	}
	return m.byConn[connectionID], nil
}

// Remove 刪除連線記錄
func (m *MemoryRegistry) Remove(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(connectionID)
	return nil
}

// RemoveIfMatch 三個欄位都相符時才刪除
func (m *MemoryRegistry) RemoveIfMatch(ctx context.Context, rec join.ConnectionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.byConn[rec.ConnectionID]
	if !exists || current != rec {
		return false, nil
	}
	m.removeLocked(rec.ConnectionID)
	return true, nil
}

// Len 目前的連線記錄數
func (m *MemoryRegistry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byConn)
}

func (m *MemoryRegistry) removeLocked(connectionID string) {
	rec, exists := m.byConn[connectionID]
	if !exists {
		return
	}
	delete(m.byConn, connectionID)
	if m.byUser[rec.UserToken] == connectionID {
		delete(m.byUser, rec.UserToken)
	}
}

// MemoryRooms 內存房間狀態存儲
//
// 每個房間有自己的鎖，UpsertPlayer 只改動 players[userToken]。
type MemoryRooms struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	mu      sync.Mutex
	players map[string]join.PlayerEntry
}

// NewMemoryRooms 創建內存房間存儲
func NewMemoryRooms() *MemoryRooms {
	return &MemoryRooms{
		rooms: make(map[string]*memoryRoom),
	}
}

// CreateRoom 建立空房間
func (m *MemoryRooms) CreateRoom(ctx context.Context, roomCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rooms[roomCode]; !exists {
		m.rooms[roomCode] = &memoryRoom{players: make(map[string]join.PlayerEntry)}
	}
	return nil
}

// GetRoom 讀取房間記錄（返回副本）
func (m *MemoryRooms) GetRoom(ctx context.Context, roomCode string) (join.RoomRecord, error) {
	room, err := m.room(roomCode)
	if err != nil {
		return join.RoomRecord{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	players := make(map[string]join.PlayerEntry, len(room.players))
	for token, entry := range room.players {
		players[token] = entry
	}
	return join.RoomRecord{RoomCode: roomCode, Players: players}, nil
}

// UpsertPlayer 欄位級更新
func (m *MemoryRooms) UpsertPlayer(ctx context.Context, roomCode, userToken string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.StoreFailure(err, "upsert player")
	}

	room, err := m.room(roomCode)
	if err != nil {
		return err
	}

	room.mu.Lock()
	room.players[userToken] = join.NewPlayerEntry(userToken)
	room.mu.Unlock()
	return nil
}

// MarkDisconnected 標記玩家離線
func (m *MemoryRooms) MarkDisconnected(ctx context.Context, roomCode, userToken string) error {
	room, err := m.room(roomCode)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	entry, exists := room.players[userToken]
	if !exists {
		return apperrors.ErrPlayerNotFound
	}
	entry.Connected = false
	room.players[userToken] = entry
	return nil
}

func (m *MemoryRooms) room(roomCode string) (*memoryRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, exists := m.rooms[roomCode]
	if !exists {
		return nil, apperrors.ErrRoomNotFound
	}
	return room, nil
}
