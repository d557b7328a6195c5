// Package protocol 定義閘道與客戶端之間的訊息格式
//
// 客戶端 → 閘道：
//
//	{"action":"join","userToken":"u1","roomCode":"r1"}
//	{"action":"leave"}
//	{"action":"ping"}
//
// 閘道 → 客戶端：
//
//	{"message":"Success!"}
//	{"message":"some error happened"}
//	{"message":"pong"}
//
// 失敗一律回傳同一則訊息，細分原因只出現在日誌與指標。
package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/koopa0/system-design/14-room-join/internal/join"
)

// Action 客戶端動作
type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
	ActionPing  Action = "ping"
)

// 回覆訊息
const (
	SuccessMessage = "Success!"
	FailureMessage = "some error happened"
	PongMessage    = "pong"
)

// ErrUnknownAction 不支援的動作
var ErrUnknownAction = errors.New("protocol: unknown action")

// ClientMessage 客戶端訊息
//
// connectionId 由閘道指派，客戶端送來的值會被忽略。
type ClientMessage struct {
	Action    Action `json:"action"`
	UserToken string `json:"userToken,omitempty"`
	RoomCode  string `json:"roomCode,omitempty"`
}

// Ack 回覆
type Ack struct {
	Message string `json:"message"`
}

// Decode 解析客戶端訊息
func Decode(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: decode: %w", err)
	}
	switch msg.Action {
	case ActionJoin, ActionLeave, ActionPing:
		return msg, nil
	}
	return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
}

// JoinRequest 轉換為加入請求
func (m ClientMessage) JoinRequest(connectionID string) join.Request {
	return join.Request{
		ConnectionID: connectionID,
		UserToken:    m.UserToken,
		RoomCode:     m.RoomCode,
	}
}

// AckFor 把加入結果壓縮成二元回覆
func AckFor(result join.Result) Ack {
	if result.OK() {
		return Ack{Message: SuccessMessage}
	}
	return Ack{Message: FailureMessage}
}

// Success 成功回覆
func Success() Ack { return Ack{Message: SuccessMessage} }

// Failure 失敗回覆
func Failure() Ack { return Ack{Message: FailureMessage} }

// Encode 序列化回覆
func Encode(ack Ack) ([]byte, error) {
	return json.Marshal(ack)
}
