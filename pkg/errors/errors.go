// Package errors 提供加入流程的分類錯誤
//
// 每個錯誤帶有一個錯誤碼，errors.Is 以錯誤碼比對，
// 因此包裝過的驅動錯誤仍能被歸類（例如 STORE_FAILURE）。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidInput 缺少必要欄位
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeAlreadyJoined 使用者已綁定在某個連線上
	ErrCodeAlreadyJoined = "ALREADY_JOINED"
	// ErrCodeRoomNotFound 房間不存在
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodePlayerNotFound 房間內沒有該玩家
	ErrCodePlayerNotFound = "PLAYER_NOT_FOUND"
	// ErrCodeConnectionNotFound 連線記錄不存在
	ErrCodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	// ErrCodeStoreFailure 基礎設施錯誤（超時、限流、不可用）
	ErrCodeStoreFailure = "STORE_FAILURE"
	// ErrCodePartialFailure 連線已綁定但房間名單未更新
	ErrCodePartialFailure = "PARTIAL_FAILURE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回附帶詳細資訊的副本
//
// 預定義錯誤是共用的，不能原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// StoreFailure 把基礎設施錯誤包裝成 STORE_FAILURE
func StoreFailure(err error, op string) *AppError {
	return Wrap(err, ErrCodeStoreFailure, op)
}

// 預定義錯誤
var (
	// ErrMissingField 缺少 connectionId / userToken / roomCode
	ErrMissingField = New(ErrCodeInvalidInput, "missing required field")

	// ErrAlreadyJoined 使用者（或連線）已有綁定記錄
	ErrAlreadyJoined = New(ErrCodeAlreadyJoined, "user already joined a room")

	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeRoomNotFound, "room not found")

	// ErrPlayerNotFound 玩家不在房間名單中
	ErrPlayerNotFound = New(ErrCodePlayerNotFound, "player not found in room")

	// ErrConnectionNotFound 連線記錄不存在
	ErrConnectionNotFound = New(ErrCodeConnectionNotFound, "connection not found")

	// ErrStoreFailure 用於 errors.Is 比對任何基礎設施錯誤
	ErrStoreFailure = New(ErrCodeStoreFailure, "store failure")

	// ErrPartialFailure 雙寫只完成了第一步
	ErrPartialFailure = New(ErrCodePartialFailure, "connection bound but room state not updated")
)

// Code 取出錯誤碼，非 AppError 時返回 INTERNAL_ERROR
func Code(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsAlreadyJoined 檢查是否為已加入錯誤
func IsAlreadyJoined(err error) bool {
	return Code(err) == ErrCodeAlreadyJoined
}

// IsRoomNotFound 檢查是否為房間不存在錯誤
func IsRoomNotFound(err error) bool {
	return Code(err) == ErrCodeRoomNotFound
}

// IsNotFound 檢查是否為任何「不存在」類錯誤
func IsNotFound(err error) bool {
	switch Code(err) {
	case ErrCodeRoomNotFound, ErrCodePlayerNotFound, ErrCodeConnectionNotFound:
		return true
	}
	return false
}

// IsStoreFailure 檢查是否為基礎設施錯誤
func IsStoreFailure(err error) bool {
	return Code(err) == ErrCodeStoreFailure
}
