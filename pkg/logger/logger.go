// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// RequestIDKey 請求 ID 的上下文鍵
	RequestIDKey contextKey = "request_id"
	// ConnectionIDKey 連線 ID 的上下文鍵
	ConnectionIDKey contextKey = "connection_id"
	// UserTokenKey 使用者 token 的上下文鍵
	UserTokenKey contextKey = "user_token"
)

const timeLayout = "2006-01-02 15:04:05.000"

// displayZone 日誌時間使用台北時區；容器內缺少 tzdata 時退回 UTC
var displayZone = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// New 建立日誌記錄器
//
// format 為 "json" 時輸出 JSON，其餘一律文字格式。
func New(level, format string, output io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: strings.EqualFold(level, "debug"), // debug 模式顯示源碼位置
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.In(displayZone).Format(timeLayout))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	// 包裝處理器以添加上下文資訊
	return slog.New(&contextHandler{Handler: handler})
}

// Init 初始化預設日誌記錄器並返回
func Init(level, format string) *slog.Logger {
	l := New(level, format, os.Stdout)
	slog.SetDefault(l)
	return l
}

// Discard 返回丟棄所有輸出的日誌記錄器（測試用）
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []contextKey{RequestIDKey, ConnectionIDKey, UserTokenKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留上下文處理器
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留上下文處理器
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithRequestID 添加請求 ID 到上下文
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithConnection 添加連線 ID 與使用者 token 到上下文
func WithConnection(ctx context.Context, connectionID, userToken string) context.Context {
	if connectionID != "" {
		ctx = context.WithValue(ctx, ConnectionIDKey, connectionID)
	}
	if userToken != "" {
		ctx = context.WithValue(ctx, UserTokenKey, userToken)
	}
	return ctx
}

// Since 記錄操作耗時
func Since(ctx context.Context, l *slog.Logger, operation string, start time.Time, attrs ...any) {
	duration := time.Since(start)
	args := append([]any{
		slog.String("operation", operation),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	}, attrs...)
	l.DebugContext(ctx, "metrics", args...)
}
