package storage_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-join/internal/join"
	apperrors "github.com/koopa0/system-design/14-room-join/pkg/errors"
)

// 每個後端共用的行為測試
//
// newRegistry / newRooms 每次返回一個乾淨的實例。

func testRegistry(t *testing.T, newRegistry func(t *testing.T) join.Registry) {
	ctx := context.Background()

	t.Run("register and lookup", func(t *testing.T) {
		reg := newRegistry(t)
		rec := join.ConnectionRecord{ConnectionID: "c1", RoomCode: "r1", UserToken: "u1"}

		require.NoError(t, reg.Register(ctx, rec))

		got, err := reg.Lookup(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		got, err = reg.LookupByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("long identifiers are accepted", func(t *testing.T) {
		reg := newRegistry(t)
		rec := join.ConnectionRecord{
			ConnectionID: strings.Repeat("c", 300),
			RoomCode:     strings.Repeat("r", 300),
			UserToken:    strings.Repeat("u", 1024),
		}

		require.NoError(t, reg.Register(ctx, rec))

		got, err := reg.LookupByUser(ctx, rec.UserToken)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("same user on another room is already joined", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Register(ctx, join.ConnectionRecord{ConnectionID: "c1", RoomCode: "r1", UserToken: "u1"}))

		err := reg.Register(ctx, join.ConnectionRecord{ConnectionID: "c2", RoomCode: "r2", UserToken: "u1"})
		assert.ErrorIs(t, err, apperrors.ErrAlreadyJoined)

		// 原記錄不受影響
		got, err := reg.LookupByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ConnectionID)
		assert.Equal(t, "r1", got.RoomCode)
	})

	t.Run("same connection with another user is already joined", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Register(ctx, join.ConnectionRecord{ConnectionID: "c1", RoomCode: "r1", UserToken: "u1"}))

		err := reg.Register(ctx, join.ConnectionRecord{ConnectionID: "c1", RoomCode: "r2", UserToken: "u2"})
		assert.ErrorIs(t, err, apperrors.ErrAlreadyJoined)

		_, err = reg.LookupByUser(ctx, "u2")
		assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
	})

	t.Run("lookup missing", func(t *testing.T) {
		reg := newRegistry(t)

		_, err := reg.Lookup(ctx, "nope")
		assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
		_, err = reg.LookupByUser(ctx, "nope")
		assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
	})

	t.Run("remove frees the user token", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Register(ctx, join.ConnectionRecord{ConnectionID: "c1", RoomCode: "r1", UserToken: "u1"}))

		require.NoError(t, reg.Remove(ctx, "c1"))
		require.NoError(t, reg.Remove(ctx, "c1"), "remove is idempotent")

		_, err := reg.Lookup(ctx, "c1")
		assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)

		require.NoError(t, reg.Register(ctx, join.ConnectionRecord{ConnectionID: "c2", RoomCode: "r2", UserToken: "u1"}))
	})

	t.Run("remove if match", func(t *testing.T) {
		reg := newRegistry(t)
		rec := join.ConnectionRecord{ConnectionID: "c1", RoomCode: "r1", UserToken: "u1"}
		require.NoError(t, reg.Register(ctx, rec))

		stale := rec
		stale.RoomCode = "r9"
		removed, err := reg.RemoveIfMatch(ctx, stale)
		require.NoError(t, err)
		assert.False(t, removed)

		removed, err = reg.RemoveIfMatch(ctx, rec)
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = reg.RemoveIfMatch(ctx, rec)
		require.NoError(t, err)
		assert.False(t, removed)

		_, err = reg.LookupByUser(ctx, "u1")
		assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
	})

	t.Run("concurrent register for one user has a single winner", func(t *testing.T) {
		reg := newRegistry(t)

		const callers = 32
		var (
			wg      sync.WaitGroup
			success atomic.Int32
			already atomic.Int32
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := reg.Register(ctx, join.ConnectionRecord{
					ConnectionID: fmt.Sprintf("c%d", i),
					RoomCode:     fmt.Sprintf("r%d", i%3),
					UserToken:    "racer",
				})
				switch {
				case err == nil:
					success.Add(1)
				case apperrors.IsAlreadyJoined(err):
					already.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), success.Load())
		assert.Equal(t, int32(callers-1), already.Load())
	})
}

func testRooms(t *testing.T, newRooms func(t *testing.T) join.RoomStore) {
	ctx := context.Background()

	t.Run("upsert into missing room", func(t *testing.T) {
		rooms := newRooms(t)

		err := rooms.UpsertPlayer(ctx, "rX", "u2")
		assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)

		_, err = rooms.GetRoom(ctx, "rX")
		assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
	})

	t.Run("long room code and user token", func(t *testing.T) {
		rooms := newRooms(t)
		code := strings.Repeat("r", 300)
		token := strings.Repeat("u", 1024)

		require.NoError(t, rooms.CreateRoom(ctx, code))
		require.NoError(t, rooms.UpsertPlayer(ctx, code, token))

		room, err := rooms.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, join.NewPlayerEntry(token), room.Players[token])
	})

	t.Run("create room is idempotent", func(t *testing.T) {
		rooms := newRooms(t)
		require.NoError(t, rooms.CreateRoom(ctx, "r1"))
		require.NoError(t, rooms.UpsertPlayer(ctx, "r1", "u1"))
		require.NoError(t, rooms.CreateRoom(ctx, "r1"))

		room, err := rooms.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Len(t, room.Players, 1)
	})

	t.Run("upsert is idempotent", func(t *testing.T) {
		rooms := newRooms(t)
		require.NoError(t, rooms.CreateRoom(ctx, "r1"))

		require.NoError(t, rooms.UpsertPlayer(ctx, "r1", "u1"))
		once, err := rooms.GetRoom(ctx, "r1")
		require.NoError(t, err)

		require.NoError(t, rooms.UpsertPlayer(ctx, "r1", "u1"))
		twice, err := rooms.GetRoom(ctx, "r1")
		require.NoError(t, err)

		assert.Equal(t, once, twice)
		assert.Equal(t, join.PlayerEntry{ID: "u1", Connected: true, Score: 0}, twice.Players["u1"])
	})

	t.Run("rejoin resets connected flag", func(t *testing.T) {
		rooms := newRooms(t)
		require.NoError(t, rooms.CreateRoom(ctx, "r1"))
		require.NoError(t, rooms.UpsertPlayer(ctx, "r1", "u1"))
		require.NoError(t, rooms.MarkDisconnected(ctx, "r1", "u1"))

		room, err := rooms.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, room.Players["u1"].Connected)
		assert.Equal(t, "u1", room.Players["u1"].ID)

		require.NoError(t, rooms.UpsertPlayer(ctx, "r1", "u1"))
		room, err = rooms.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, room.Players["u1"].Connected)
	})

	t.Run("mark disconnected errors", func(t *testing.T) {
		rooms := newRooms(t)

		err := rooms.MarkDisconnected(ctx, "missing", "u1")
		assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)

		require.NoError(t, rooms.CreateRoom(ctx, "r1"))
		err = rooms.MarkDisconnected(ctx, "r1", "ghost")
		assert.ErrorIs(t, err, apperrors.ErrPlayerNotFound)
	})

	t.Run("concurrent upserts into one room keep every player", func(t *testing.T) {
		rooms := newRooms(t)
		require.NoError(t, rooms.CreateRoom(ctx, "busy"))

		const players = 40
		var wg sync.WaitGroup
		for i := 0; i < players; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, rooms.UpsertPlayer(ctx, "busy", fmt.Sprintf("p%d", i)))
			}(i)
		}
		wg.Wait()

		room, err := rooms.GetRoom(ctx, "busy")
		require.NoError(t, err)
		require.Len(t, room.Players, players)
		for i := 0; i < players; i++ {
			token := fmt.Sprintf("p%d", i)
			assert.Equal(t, join.NewPlayerEntry(token), room.Players[token])
		}
	})
}
