// Package events 發佈與消費部分失敗事件
//
// 系統設計問題：
//
//	加入協議在第二步失敗時不回滾，只回報 PartialFailure。
//	誰來修復孤兒連線？
//
// 設計方案：
//
//	Coordinator → PartialFailureEvent → JetStream → Reconciler
//
//	✅ JetStream 持久化：閘道重啟不會遺失待修復事件
//	✅ 手動 ACK：修復失敗 → NAK → 稍後重投
//	✅ Durable Consumer：多個對帳實例共享進度
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-room-join/internal/join"
)

// Handler 事件處理函數
//
// 返回錯誤 → NAK（重投）；返回 nil → ACK。
type Handler func(ctx context.Context, event join.PartialFailureEvent) error

// NATSConfig JetStream 設定
type NATSConfig struct {
	URL        string
	Stream     string
	Subject    string
	MaxAge     time.Duration
	AckWait    time.Duration
	MaxDeliver int
	NakDelay   time.Duration
}

// NATSPublisher 基於 JetStream 的事件發佈者
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS 並確保 Stream 存在
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(
		cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p := &NATSPublisher{
		conn:   conn,
		js:     js,
		cfg:    cfg,
		logger: logger,
	}
	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// ensureStream 冪等建立 Stream
func (p *NATSPublisher) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     p.cfg.Stream,
		Subjects: []string{p.cfg.Subject},
		Storage:  nats.FileStorage,
		MaxAge:   p.cfg.MaxAge,
		Replicas: 1,
	}

	_, err := p.js.StreamInfo(p.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := p.js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("add stream: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info: %w", err)
	}

	if _, err := p.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

// PublishPartialFailure 同步發佈，等待 PubAck
//
// Msg-Id 由連線記錄與發生時間組成，JetStream 去重視窗內重複發佈只保存一次。
func (p *NATSPublisher) PublishPartialFailure(ctx context.Context, event join.PartialFailureEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal partial failure event: %w", err)
	}

	msgID := fmt.Sprintf("%s/%s/%d", event.ConnectionID, event.UserToken, event.OccurredAt.UnixNano())
	ack, err := p.js.Publish(p.cfg.Subject, data, nats.Context(ctx), nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("publish partial failure event: %w", err)
	}

	p.logger.DebugContext(ctx, "partial failure event published",
		"stream", ack.Stream,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate)
	return nil
}

// Subscribe 以 Durable Consumer 消費事件
//
// 解碼失敗的訊息直接 Term，不再重投。
func (p *NATSPublisher) Subscribe(ctx context.Context, durable string, handler Handler) (*nats.Subscription, error) {
	sub, err := p.js.Subscribe(
		p.cfg.Subject,
		func(msg *nats.Msg) {
			p.dispatch(ctx, msg, handler)
		},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(p.cfg.AckWait),
		nats.MaxDeliver(p.cfg.MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", p.cfg.Subject, err)
	}
	return sub, nil
}

func (p *NATSPublisher) dispatch(ctx context.Context, msg *nats.Msg, handler Handler) {
	var event join.PartialFailureEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		p.logger.Error("malformed partial failure event", "error", err)
		_ = msg.Term()
		return
	}

	if err := handler(ctx, event); err != nil {
		p.logger.Warn("partial failure event not resolved, will redeliver",
			"connection_id", event.ConnectionID,
			"room_code", event.RoomCode,
			"error", err)
		_ = msg.NakWithDelay(p.cfg.NakDelay)
		return
	}
	_ = msg.Ack()
}

// Close 排空並關閉連線
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
