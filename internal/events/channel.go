package events

import (
	"context"
	"errors"

	"github.com/koopa0/system-design/14-room-join/internal/join"
)

// ErrBufferFull 緩衝區已滿
var ErrBufferFull = errors.New("events: buffer full")

// ChannelPublisher 行程內事件發佈者（沒有 NATS 時使用）
//
// 緩衝區滿時不阻塞加入流程，直接返回 ErrBufferFull。
type ChannelPublisher struct {
	ch chan join.PartialFailureEvent
}

// NewChannelPublisher 創建行程內發佈者
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan join.PartialFailureEvent, buffer)}
}

// PublishPartialFailure 實作 join.Publisher
func (p *ChannelPublisher) PublishPartialFailure(ctx context.Context, event join.PartialFailureEvent) error {
	select {
	case p.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

// Events 消費端 channel
func (p *ChannelPublisher) Events() <-chan join.PartialFailureEvent {
	return p.ch
}
