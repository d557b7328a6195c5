package transport_test

import (
	"context"
	"sync"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-join/internal/join"
	"github.com/koopa0/system-design/14-room-join/internal/protocol"
	"github.com/koopa0/system-design/14-room-join/internal/transport"
	apperrors "github.com/koopa0/system-design/14-room-join/pkg/errors"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]string) string {
	t.Helper()

	require.NoError(t, conn.WriteJSON(msg))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ack protocol.Ack
	require.NoError(t, conn.ReadJSON(&ack))
	return ack.Message
}

func TestGateway_JoinAndDisconnect(t *testing.T) {
	s := newTestServer(t, transport.DefaultGatewayOptions())
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, s.rooms.CreateRoom(ctx, "r1"))

	conn := dial(t, srv)
	assert.Equal(t, protocol.SuccessMessage, send(t, conn, map[string]string{"action": "join", "userToken": "u1", "roomCode": "r1"}))

	rec, err := s.registry.LookupByUser(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ConnectionID)
	assert.Equal(t, "r1", rec.RoomCode)

	// 同一使用者從第二條連線加入 → 失敗
	other := dial(t, srv)
	assert.Equal(t, protocol.FailureMessage, send(t, other, map[string]string{"action": "join", "userToken": "u1", "roomCode": "r1"}))

	// 關閉第一條連線 → 登記釋放、玩家標記離線
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, err := s.registry.LookupByUser(ctx, "u1")
		return apperrors.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)

	room, err := s.rooms.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, room.Players["u1"].Connected)

	// 重新加入
	assert.Equal(t, protocol.SuccessMessage, send(t, other, map[string]string{"action": "join", "userToken": "u1", "roomCode": "r1"}))
	room, err = s.rooms.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, room.Players["u1"].Connected)
}

func TestGateway_Messages(t *testing.T) {
	s := newTestServer(t, transport.DefaultGatewayOptions())
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, s.rooms.CreateRoom(ctx, "r1"))
	conn := dial(t, srv)

	tests := []struct {
		name string
		msg  map[string]string
		want string
	}{
		{"ping", map[string]string{"action": "ping"}, protocol.PongMessage},
		{"unknown action", map[string]string{"action": "dance"}, protocol.FailureMessage},
		{"missing room code", map[string]string{"action": "join", "userToken": "u1"}, protocol.FailureMessage},
		{"leave before join", map[string]string{"action": "leave"}, protocol.FailureMessage},
		{"join", map[string]string{"action": "join", "userToken": "u1", "roomCode": "r1"}, protocol.SuccessMessage},
		{"second join on same connection", map[string]string{"action": "join", "userToken": "u2", "roomCode": "r1"}, protocol.FailureMessage},
		{"leave", map[string]string{"action": "leave"}, protocol.SuccessMessage},
		{"join again after leave", map[string]string{"action": "join", "userToken": "u2", "roomCode": "r1"}, protocol.SuccessMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, send(t, conn, tt.msg))
		})
	}

	room, err := s.rooms.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, room.Players["u1"].Connected)
	assert.True(t, room.Players["u2"].Connected)
}

// rejoinOnRelease 登記記錄一被刪除，就讓同一使用者從新連線重新加入
type rejoinOnRelease struct {
	join.Registry
	once   sync.Once
	rejoin func()
}

func (r *rejoinOnRelease) Remove(ctx context.Context, connectionID string) error {
	err := r.Registry.Remove(ctx, connectionID)
	r.once.Do(r.rejoin)
	return err
}

func (r *rejoinOnRelease) RemoveIfMatch(ctx context.Context, rec join.ConnectionRecord) (bool, error) {
	removed, err := r.Registry.RemoveIfMatch(ctx, rec)
	r.once.Do(r.rejoin)
	return removed, err
}

// TestGateway_RejoinDuringDisconnectStaysConnected 斷線清理不會把新連線的玩家標記為離線
func TestGateway_RejoinDuringDisconnectStaysConnected(t *testing.T) {
	ctx := context.Background()
	var (
		s       *testServer
		wrapped *rejoinOnRelease
		result  join.Result
		done    = make(chan struct{})
	)
	s = newTestServerWithRegistry(t, transport.DefaultGatewayOptions(), func(inner join.Registry) join.Registry {
		wrapped = &rejoinOnRelease{Registry: inner}
		return wrapped
	})
	wrapped.rejoin = func() {
		result = s.coordinator.Join(ctx, join.Request{ConnectionID: "new", UserToken: "u1", RoomCode: "r1"})
		close(done)
	}

	srv := httptest.NewServer(s.handler)
	defer srv.Close()
	require.NoError(t, s.rooms.CreateRoom(ctx, "r1"))

	conn := dial(t, srv)
	require.Equal(t, protocol.SuccessMessage, send(t, conn, map[string]string{"action": "join", "userToken": "u1", "roomCode": "r1"}))
	require.NoError(t, conn.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect cleanup did not release the binding")
	}
	require.True(t, result.OK())

	// 等舊連線的清理完全結束
	require.Eventually(t, func() bool {
		return s.gateway.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.gateway.Shutdown(ctx))

	rec, err := s.registry.LookupByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.ConnectionID)

	room, err := s.rooms.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, room.Players["u1"].Connected, "live connection must stay connected in the roster")
}

func TestGateway_PartialFailureReleasedOnClose(t *testing.T) {
	s := newTestServer(t, transport.DefaultGatewayOptions())
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	ctx := context.Background()
	conn := dial(t, srv)
	assert.Equal(t, protocol.FailureMessage, send(t, conn, map[string]string{"action": "join", "userToken": "u2", "roomCode": "rX"}))

	// 部分失敗：連線已登記
	_, err := s.registry.LookupByUser(ctx, "u2")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return s.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_Shutdown(t *testing.T) {
	s := newTestServer(t, transport.DefaultGatewayOptions())
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, s.rooms.CreateRoom(ctx, "r1"))

	conn := dial(t, srv)
	assert.Equal(t, protocol.SuccessMessage, send(t, conn, map[string]string{"action": "join", "userToken": "u1", "roomCode": "r1"}))
	assert.Equal(t, 1, s.gateway.ConnectionCount())

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.gateway.Shutdown(shutdownCtx))

	assert.Equal(t, 0, s.gateway.ConnectionCount())
	assert.Equal(t, 0, s.registry.Len())
}

func TestGateway_ReadTimeoutClosesConnection(t *testing.T) {
	opts := transport.DefaultGatewayOptions()
	opts.ReadTimeout = 100 * time.Millisecond
	opts.PingInterval = time.Hour // 不發送 Ping，連線只能靠客戶端訊息保持

	s := newTestServer(t, opts)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	dial(t, srv)
	require.Eventually(t, func() bool {
		return s.gateway.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
