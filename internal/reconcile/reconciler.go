// Package reconcile 修復部分失敗的加入
//
// 部分失敗 = 連線已登記，但房間名單沒有對應的玩家。
// 修復方式只有兩種：
//
//	重試房間更新（連線記錄已存在）
//	拆除孤兒連線記錄（房間不存在或重試耗盡）
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-room-join/internal/join"
	"github.com/koopa0/system-design/14-room-join/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-room-join/pkg/errors"
	"github.com/koopa0/system-design/14-room-join/pkg/logger"
	"github.com/koopa0/system-design/14-room-join/pkg/retry"
)

// Result 對帳結果
type Result string

const (
	// ResultRepaired 房間名單已補上
	ResultRepaired Result = "repaired"
	// ResultTornDown 孤兒連線已拆除
	ResultTornDown Result = "torn_down"
	// ResultStale 連線記錄已不存在或已被新綁定取代，無事可做
	ResultStale Result = "stale"
	// ResultFailed 修復失敗（需要重投）
	ResultFailed Result = "failed"
)

// Reconciler 部分失敗對帳器
//
// 系統設計考量：
//
//  1. 先確認連線記錄仍是事件描述的那一筆：
//     - 使用者可能已斷線（Remove）或重新加入（新 connectionID）
//     - 不符合 → Stale，不碰任何資料
//
//  2. 拆除用 RemoveIfMatch：
//     - 三個欄位都相符才刪除
//     - 永遠不會刪掉較新的綁定
//
//  3. 修復後再確認一次：
//     - 重試期間連線可能已關閉
//     - 已關閉 → 把剛補上的玩家標記為離線
type Reconciler struct {
	registry join.Registry
	rooms    join.RoomStore
	retry    retry.Options
	logger   *slog.Logger
}

// New 創建對帳器
func New(registry join.Registry, rooms join.RoomStore, opts retry.Options, logger *slog.Logger) *Reconciler {
	// 房間不存在不值得重試
	opts.Classifier = func(err error) bool {
		return !apperrors.IsRoomNotFound(err)
	}
	return &Reconciler{
		registry: registry,
		rooms:    rooms,
		retry:    opts,
		logger:   logger,
	}
}

// Handle 處理一個部分失敗事件
//
// 返回錯誤表示事件應該稍後重投（只在 ResultFailed 時）。
func (r *Reconciler) Handle(ctx context.Context, event join.PartialFailureEvent) (Result, error) {
	ctx = logger.WithConnection(ctx, event.ConnectionID, event.UserToken)
	start := time.Now()

	result, err := r.handle(ctx, event)

	metrics.ReconcileTotal.WithLabelValues(string(result)).Inc()
	logger.Since(ctx, r.logger, "reconcile", start, "result", result)

	attrs := []any{
		"room_code", event.RoomCode,
		"cause", event.Cause,
		"result", result,
	}
	switch result {
	case ResultFailed:
		r.logger.ErrorContext(ctx, "reconcile failed", append(attrs, "error", err)...)
	case ResultStale:
		r.logger.DebugContext(ctx, "reconcile skipped", attrs...)
	default:
		r.logger.InfoContext(ctx, "reconcile done", attrs...)
	}
	return result, err
}

func (r *Reconciler) handle(ctx context.Context, event join.PartialFailureEvent) (Result, error) {
	rec := event.Record()

	current, err := r.registry.Lookup(ctx, rec.ConnectionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrConnectionNotFound) {
			return ResultStale, nil
		}
		return ResultFailed, err
	}
	if current != rec {
		return ResultStale, nil
	}

	if event.Cause == join.ReasonRoomStoreError {
		err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
			return r.rooms.UpsertPlayer(ctx, rec.RoomCode, rec.UserToken)
		})
		if err == nil {
			return r.confirmRepair(ctx, rec)
		}
		if ctx.Err() != nil {
			return ResultFailed, err
		}
		r.logger.WarnContext(ctx, "room update retries exhausted, tearing down connection",
			"room_code", rec.RoomCode,
			"error", err)
	}

	return r.tearDown(ctx, rec)
}

// confirmRepair 修復後確認連線仍在
//
// 連線在重試期間斷線時，補上的名單項目要改回離線；
// 但同一使用者若已從新連線加入同一房間，名單項目屬於新連線，不能改動。
func (r *Reconciler) confirmRepair(ctx context.Context, rec join.ConnectionRecord) (Result, error) {
	current, err := r.registry.Lookup(ctx, rec.ConnectionID)
	if err == nil && current == rec {
		return ResultRepaired, nil
	}
	if err != nil && !errors.Is(err, apperrors.ErrConnectionNotFound) {
		// 無法確認，名單已補上，視為修復完成
		r.logger.WarnContext(ctx, "could not confirm connection after repair", "error", err)
		return ResultRepaired, nil
	}

	live, err := r.registry.LookupByUser(ctx, rec.UserToken)
	switch {
	case err == nil && live.RoomCode == rec.RoomCode:
		r.logger.DebugContext(ctx, "user rejoined room on another connection, roster entry kept",
			"room_code", rec.RoomCode,
			"live_connection_id", live.ConnectionID)
		return ResultRepaired, nil
	case err != nil && !errors.Is(err, apperrors.ErrConnectionNotFound):
		return ResultFailed, err
	}

	if err := r.rooms.MarkDisconnected(ctx, rec.RoomCode, rec.UserToken); err != nil {
		return ResultFailed, err
	}
	return ResultRepaired, nil
}

// tearDown 拆除孤兒連線
func (r *Reconciler) tearDown(ctx context.Context, rec join.ConnectionRecord) (Result, error) {
	removed, err := r.registry.RemoveIfMatch(ctx, rec)
	if err != nil {
		return ResultFailed, err
	}
	if !removed {
		return ResultStale, nil
	}
	return ResultTornDown, nil
}

// Run 消費行程內事件直到 channel 關閉或 context 取消
//
// 失敗的事件在 retryDelay 後重新處理一次，仍失敗則放棄並記錄。
func (r *Reconciler) Run(ctx context.Context, events <-chan join.PartialFailureEvent, retryDelay time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if _, err := r.Handle(ctx, event); err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryDelay):
				}
				if _, err := r.Handle(ctx, event); err != nil {
					r.logger.ErrorContext(ctx, "dropping unresolved partial failure event",
						"connection_id", event.ConnectionID,
						"room_code", event.RoomCode,
						"error", err)
				}
			}
		}
	}
}

// HandleEvent 適配 events.Handler（NATS 消費端）
func (r *Reconciler) HandleEvent(ctx context.Context, event join.PartialFailureEvent) error {
	_, err := r.Handle(ctx, event)
	return err
}
