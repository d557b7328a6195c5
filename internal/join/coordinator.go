package join

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/koopa0/system-design/14-room-join/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-room-join/pkg/errors"
	"github.com/koopa0/system-design/14-room-join/pkg/logger"
)

// State 單次加入嘗試的狀態
//
// 有限狀態機：
//
//	Start → Validating → RegisteringConnection → UpdatingRoomState → Joined
//	            ↓                  ↓                     ↓
//	         Rejected           Rejected           PartialFailure
//
// 沒有內建重試，每個終態只回報一次。
type State string

const (
	StateStart                 State = "start"
	StateValidating            State = "validating"
	StateRegisteringConnection State = "registering_connection"
	StateUpdatingRoomState     State = "updating_room_state"
	StateJoined                State = "joined"
	StateRejected              State = "rejected"
	StatePartialFailure        State = "partial_failure"
)

// Outcome 加入的終態
type Outcome string

const (
	OutcomeJoined         Outcome = "joined"
	OutcomeRejected       Outcome = "rejected"
	OutcomePartialFailure Outcome = "partial_failure"
)

// Reason 失敗分類（供日誌與指標使用）
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonMissingField         Reason = "missing_field"
	ReasonAlreadyJoined        Reason = "already_joined"
	ReasonConnectionStoreError Reason = "connection_store_error"
	ReasonRoomNotFound         Reason = "room_not_found"
	ReasonRoomStoreError       Reason = "room_store_error"
)

// Result 加入結果
//
// Outcome 為 PartialFailure 時，Reason 說明第二步失敗的原因
// （room_not_found 或 room_store_error）。
type Result struct {
	Outcome Outcome
	Reason  Reason
	Err     error
}

// OK 是否成功加入
func (r Result) OK() bool {
	return r.Outcome == OutcomeJoined
}

// Coordinator 加入協調器
//
// 系統設計考量：
//
//  1. 為什麼先寫登記表、再寫房間？
//     - 保證任何出現在名單中的玩家都有對應的連線記錄
//     - 代價：反方向的缺口（有連線、無名單）可能出現，必須容忍
//     → 以 PartialFailure 顯式回報，不自動回滾
//
//  2. 無共享可變狀態：
//     - registry / rooms 是行程級、唯讀共享的客戶端
//     - 不同連線的加入完全並行
//
//  3. 超時：
//     - 協調器不施加超時，超時屬於存儲客戶端，表現為 STORE_FAILURE
type Coordinator struct {
	registry  Registry
	rooms     RoomStore
	publisher Publisher
	logger    *slog.Logger
}

// NewCoordinator 創建加入協調器
//
// publisher 為 nil 時不發佈部分失敗事件。
func NewCoordinator(registry Registry, rooms RoomStore, publisher Publisher, logger *slog.Logger) *Coordinator {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Coordinator{
		registry:  registry,
		rooms:     rooms,
		publisher: publisher,
		logger:    logger,
	}
}

// Join 執行加入協議
func (c *Coordinator) Join(ctx context.Context, req Request) Result {
	ctx = logger.WithConnection(ctx, req.ConnectionID, req.UserToken)
	state := StateStart

	transition := func(next State) {
		c.logger.DebugContext(ctx, "join state transition",
			"from", state,
			"to", next,
			"room_code", req.RoomCode)
		state = next
	}

	// 1. 驗證（不觸碰任何存儲）
	transition(StateValidating)
	if req.ConnectionID == "" || req.UserToken == "" || req.RoomCode == "" {
		transition(StateRejected)
		return c.finish(ctx, req, Result{
			Outcome: OutcomeRejected,
			Reason:  ReasonMissingField,
			Err:     apperrors.ErrMissingField.WithDetails(missingFields(req)),
		})
	}

	// 2. 登記連線（唯一性閘門）
	transition(StateRegisteringConnection)
	start := time.Now()
	err := c.registry.Register(ctx, req.Record())
	metrics.ObserveStore("registry", "register", start)
	if err != nil {
		transition(StateRejected)
		if errors.Is(err, apperrors.ErrAlreadyJoined) {
			return c.finish(ctx, req, Result{
				Outcome: OutcomeRejected,
				Reason:  ReasonAlreadyJoined,
				Err:     err,
			})
		}
		return c.finish(ctx, req, Result{
			Outcome: OutcomeRejected,
			Reason:  ReasonConnectionStoreError,
			Err:     err,
		})
	}

	// 3. 更新房間名單（欄位級合併）
	transition(StateUpdatingRoomState)
	start = time.Now()
	err = c.rooms.UpsertPlayer(ctx, req.RoomCode, req.UserToken)
	metrics.ObserveStore("rooms", "upsert_player", start)
	if err != nil {
		transition(StatePartialFailure)
		reason := ReasonRoomStoreError
		if errors.Is(err, apperrors.ErrRoomNotFound) {
			reason = ReasonRoomNotFound
		}
		result := c.finish(ctx, req, Result{
			Outcome: OutcomePartialFailure,
			Reason:  reason,
			Err:     apperrors.Wrap(err, apperrors.ErrCodePartialFailure, "connection bound but room state not updated"),
		})
		c.publishPartialFailure(ctx, req, reason)
		return result
	}

	transition(StateJoined)
	return c.finish(ctx, req, Result{Outcome: OutcomeJoined})
}

// finish 記錄終態（日誌 + 指標）
func (c *Coordinator) finish(ctx context.Context, req Request, result Result) Result {
	metrics.JoinAttemptsTotal.WithLabelValues(string(result.Outcome), string(result.Reason)).Inc()

	attrs := []any{
		"room_code", req.RoomCode,
		"outcome", result.Outcome,
	}
	switch result.Outcome {
	case OutcomeJoined:
		c.logger.InfoContext(ctx, "player joined room", attrs...)
	case OutcomeRejected:
		attrs = append(attrs, "reason", result.Reason, "error", result.Err)
		if result.Reason == ReasonConnectionStoreError {
			c.logger.ErrorContext(ctx, "join rejected", attrs...)
		} else {
			c.logger.WarnContext(ctx, "join rejected", attrs...)
		}
	case OutcomePartialFailure:
		attrs = append(attrs, "reason", result.Reason, "error", result.Err)
		c.logger.ErrorContext(ctx, "join partially failed: connection bound without roster entry", attrs...)
	}

	return result
}

// publishPartialFailure 發佈部分失敗事件
//
// 不影響已決定的結果；發佈失敗只記錄日誌。
func (c *Coordinator) publishPartialFailure(ctx context.Context, req Request, cause Reason) {
	event := PartialFailureEvent{
		ConnectionID: req.ConnectionID,
		UserToken:    req.UserToken,
		RoomCode:     req.RoomCode,
		Cause:        cause,
		OccurredAt:   time.Now().UTC(),
	}
	if err := c.publisher.PublishPartialFailure(ctx, event); err != nil {
		c.logger.ErrorContext(ctx, "publish partial failure event failed",
			"room_code", req.RoomCode,
			"cause", cause,
			"error", err)
	}
}

// missingFields 列出缺少的欄位
func missingFields(req Request) string {
	var missing []string
	if req.ConnectionID == "" {
		missing = append(missing, "connectionId")
	}
	if req.UserToken == "" {
		missing = append(missing, "userToken")
	}
	if req.RoomCode == "" {
		missing = append(missing, "roomCode")
	}
	return strings.Join(missing, ",")
}

// Leave 釋放連線的綁定
//
// 順序與 Join 相反：先把玩家標記為離線，再刪除登記記錄。
// 登記記錄在 MarkDisconnected 期間仍佔住 userToken，
// 同一使用者的新連線無法在這段時間寫入房間，因此不會被覆蓋成離線。
//
// 連線不存在時返回 ErrConnectionNotFound。MarkDisconnected 遇到存儲錯誤時
// 保留登記記錄並返回錯誤，呼叫方可以重試。
func (c *Coordinator) Leave(ctx context.Context, connectionID string) (ConnectionRecord, error) {
	ctx = logger.WithConnection(ctx, connectionID, "")

	start := time.Now()
	rec, err := c.registry.Lookup(ctx, connectionID)
	metrics.ObserveStore("registry", "lookup", start)
	if err != nil {
		return ConnectionRecord{}, err
	}
	ctx = logger.WithConnection(ctx, "", rec.UserToken)

	start = time.Now()
	err = c.rooms.MarkDisconnected(ctx, rec.RoomCode, rec.UserToken)
	metrics.ObserveStore("rooms", "mark_disconnected", start)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrRoomNotFound), errors.Is(err, apperrors.ErrPlayerNotFound):
		// 部分失敗留下的綁定：名單中本來就沒有這個玩家
		c.logger.DebugContext(ctx, "no roster entry to mark disconnected",
			"room_code", rec.RoomCode,
			"error", err)
	default:
		c.logger.ErrorContext(ctx, "mark player disconnected failed",
			"room_code", rec.RoomCode,
			"error", err)
		return rec, err
	}

	start = time.Now()
	removed, err := c.registry.RemoveIfMatch(ctx, rec)
	metrics.ObserveStore("registry", "remove_if_match", start)
	if err != nil {
		c.logger.ErrorContext(ctx, "remove connection record failed",
			"room_code", rec.RoomCode,
			"error", err)
		return rec, err
	}
	if !removed {
		c.logger.DebugContext(ctx, "connection record already released", "room_code", rec.RoomCode)
		return rec, nil
	}

	c.logger.InfoContext(ctx, "player left room", "room_code", rec.RoomCode)
	return rec, nil
}
