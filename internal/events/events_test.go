package events_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-room-join/internal/events"
	"github.com/koopa0/system-design/14-room-join/internal/join"
	"github.com/koopa0/system-design/14-room-join/pkg/logger"
)

func sampleEvent() join.PartialFailureEvent {
	return join.PartialFailureEvent{
		ConnectionID: "c1",
		UserToken:    "u2",
		RoomCode:     "rX",
		Cause:        join.ReasonRoomNotFound,
		OccurredAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestChannelPublisher(t *testing.T) {
	p := events.NewChannelPublisher(1)
	ctx := context.Background()

	require.NoError(t, p.PublishPartialFailure(ctx, sampleEvent()))

	err := p.PublishPartialFailure(ctx, sampleEvent())
	assert.ErrorIs(t, err, events.ErrBufferFull)

	select {
	case got := <-p.Events():
		assert.Equal(t, sampleEvent(), got)
	default:
		t.Fatal("expected buffered event")
	}
}

// startNATS 啟動帶 JetStream 的 NATS 容器
func startNATS(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	return url
}

func TestNATSPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := events.NATSConfig{
		URL:        startNATS(t),
		Stream:     "JOIN_EVENTS",
		Subject:    "join.partial_failure",
		MaxAge:     time.Hour,
		AckWait:    2 * time.Second,
		MaxDeliver: 5,
		NakDelay:   50 * time.Millisecond,
	}
	log := logger.Discard()

	pub, err := events.NewNATSPublisher(cfg, log)
	require.NoError(t, err)
	t.Cleanup(pub.Close)

	// 重複建立不會失敗（Stream 已存在 → 更新）
	again, err := events.NewNATSPublisher(cfg, log)
	require.NoError(t, err)
	again.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	received := make(chan join.PartialFailureEvent, 1)
	sub, err := pub.Subscribe(ctx, "test-reconciler", func(_ context.Context, event join.PartialFailureEvent) error {
		// 第一次失敗 → NAK → 重投
		if attempts.Add(1) == 1 {
			return errors.New("room store still down")
		}
		received <- event
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	require.NoError(t, pub.PublishPartialFailure(ctx, sampleEvent()))

	select {
	case got := <-received:
		assert.Equal(t, sampleEvent(), got)
		assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	case <-time.After(10 * time.Second):
		t.Fatal("event was not redelivered")
	}
}
