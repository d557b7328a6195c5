// Package transport 提供 WebSocket 閘道與 HTTP API
//
// 閘道只負責連線的生命週期：
//   - 連線建立時指派 connectionID（UUID）
//   - 把客戶端的 join 訊息交給協調器
//   - 連線關閉時清除登記記錄並把玩家標記為離線
//
// 不做房間廣播。
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-room-join/internal/join"
	"github.com/koopa0/system-design/14-room-join/internal/metrics"
	"github.com/koopa0/system-design/14-room-join/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-room-join/pkg/errors"
)

// GatewayOptions 閘道參數
type GatewayOptions struct {
	PingInterval   time.Duration // 發送 Ping 的間隔
	ReadTimeout    time.Duration // 超過此時間沒收到任何訊息（含 Pong）→ 關閉
	WriteTimeout   time.Duration
	SendBuffer     int
	CleanupTimeout time.Duration // 斷線清理的存儲呼叫上限
}

// DefaultGatewayOptions 54s Ping / 60s 讀取超時
func DefaultGatewayOptions() GatewayOptions {
	return GatewayOptions{
		PingInterval:   54 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     256,
		CleanupTimeout: 5 * time.Second,
	}
}

// Gateway WebSocket 閘道
//
// 系統設計考量：
//
//  1. connectionID 由伺服器指派：
//     - 客戶端無法冒用其他連線
//     - 每次重連都是新的 ID → 重連前必須先清掉舊記錄
//
//  2. 斷線清理（Coordinator.Leave）：
//     - 先 MarkDisconnected：名單保留玩家，只標記離線
//     - 再刪除登記記錄：釋放 userToken，讓使用者可以重新加入
//     - 順序顛倒時，新連線的加入可能被舊連線的離線標記覆蓋
//     - 使用獨立的 context，請求 context 在斷線時已取消
//
//  3. 每個連線的訊息在 readPump 中依序處理：
//     - 同一連線的 join 不會並行
//     - 不同連線完全並行
type Gateway struct {
	coordinator *join.Coordinator
	logger      *slog.Logger
	opts        GatewayOptions
	upgrader    websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Connection
	wg    sync.WaitGroup
}

// Connection 單一 WebSocket 連線
type Connection struct {
	ID      string
	conn    *websocket.Conn
	send    chan []byte
	gateway *Gateway

	closeOnce sync.Once
}

// NewGateway 創建閘道
func NewGateway(coordinator *join.Coordinator, opts GatewayOptions, logger *slog.Logger) *Gateway {
	return &Gateway{
		coordinator: coordinator,
		logger:      logger,
		opts:        opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*Connection),
	}
}

// ServeWS 升級為 WebSocket 並指派 connectionID
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		ID:      uuid.NewString(),
		conn:    ws,
		send:    make(chan []byte, g.opts.SendBuffer),
		gateway: g,
	}

	g.register(c)

	g.wg.Add(1)
	go c.writePump()
	go c.readPump()

	g.logger.Debug("WebSocket 連接建立", "connection_id", c.ID, "remote", r.RemoteAddr)
}

func (g *Gateway) register(c *Connection) {
	g.mu.Lock()
	g.conns[c.ID] = c
	g.mu.Unlock()
	metrics.ActiveConnections.Inc()
}

func (g *Gateway) unregister(c *Connection) {
	g.mu.Lock()
	_, exists := g.conns[c.ID]
	delete(g.conns, c.ID)
	g.mu.Unlock()

	if exists {
		metrics.ActiveConnections.Dec()
	}
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// ConnectionCount 目前的連線數
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Shutdown 關閉所有連線並等待斷線清理完成
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	for _, c := range g.conns {
		_ = c.conn.Close()
	}
	g.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("WebSocket 閘道已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump 讀取客戶端訊息
//
// ReadTimeout 內沒有收到任何訊息（包括 Pong）就關閉連線。
func (c *Connection) readPump() {
	g := c.gateway
	defer func() {
		g.unregister(c)
		_ = c.conn.Close()
		c.release()
		g.wg.Done()
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout)); err != nil {
		g.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				g.logger.Warn("WebSocket 讀取錯誤", "connection_id", c.ID, "error", err)
			}
			return
		}
		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入訊息並定期發送 Ping
func (c *Connection) writePump() {
	g := c.gateway
	ticker := time.NewTicker(g.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 處理一則客戶端訊息
func (c *Connection) handleMessage(data []byte) {
	g := c.gateway

	msg, err := protocol.Decode(data)
	if err != nil {
		g.logger.Warn("解析客戶端訊息失敗", "connection_id", c.ID, "error", err)
		c.reply(protocol.Failure())
		return
	}

	switch msg.Action {
	case protocol.ActionPing:
		c.reply(protocol.Ack{Message: protocol.PongMessage})

	case protocol.ActionJoin:
		result := g.coordinator.Join(context.Background(), msg.JoinRequest(c.ID))
		c.reply(protocol.AckFor(result))

	case protocol.ActionLeave:
		if c.release() {
			c.reply(protocol.Success())
			return
		}
		c.reply(protocol.Failure())
	}
}

// reply 非阻塞寫入發送佇列
//
// 只在 readPump 中呼叫，send 在 readPump 結束時才關閉。
func (c *Connection) reply(ack protocol.Ack) {
	data, err := protocol.Encode(ack)
	if err != nil {
		c.gateway.logger.Error("序列化回覆失敗", "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		c.gateway.logger.Warn("連接緩衝區滿", "connection_id", c.ID)
	}
}

// release 把玩家標記為離線並釋放連線登記
//
// 返回是否有登記記錄被釋放。部分失敗留下的登記記錄同樣會被釋放。
func (c *Connection) release() bool {
	g := c.gateway

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.CleanupTimeout)
	defer cancel()

	_, err := g.coordinator.Leave(ctx, c.ID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, apperrors.ErrConnectionNotFound):
		return false
	default:
		g.logger.Error("釋放連線失敗", "connection_id", c.ID, "error", err)
		return false
	}
}
