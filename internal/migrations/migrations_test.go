package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-join/internal/migrations"
	"github.com/koopa0/system-design/14-room-join/internal/testutils"
	"github.com/koopa0/system-design/14-room-join/pkg/logger"
)

func tableExists(t *testing.T, env *testutils.PostgresEnv, name string) bool {
	t.Helper()

	var exists bool
	err := env.Pool.QueryRow(context.Background(),
		"SELECT to_regclass($1) IS NOT NULL", "public."+name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

// TestMigrator_RoundTrip 套用、回滾、再套用
func TestMigrator_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := testutils.SetupPostgres(t)

	m, err := migrations.New(env.DSN, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	// SetupPostgres 已經執行過 Ensure
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, migrations.SchemaVersion, version)
	assert.False(t, dirty)
	assert.True(t, tableExists(t, env, "connections"))
	assert.True(t, tableExists(t, env, "rooms"))

	// 重複執行不應報錯
	require.NoError(t, m.Ensure())

	require.NoError(t, m.Down())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, tableExists(t, env, "connections"))

	// 空資料庫再回滾是 no-op
	require.NoError(t, m.Down())

	require.NoError(t, m.Ensure())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, migrations.SchemaVersion, version)
	assert.True(t, tableExists(t, env, "connections"))
}

// TestMigrator_UserTokenUnique user_token 唯一索引存在
func TestMigrator_UserTokenUnique(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := testutils.SetupPostgres(t)
	ctx := context.Background()

	_, err := env.Pool.Exec(ctx,
		"INSERT INTO connections (connection_id, room_code, user_token) VALUES ('c1', 'r1', 'u1')")
	require.NoError(t, err)

	_, err = env.Pool.Exec(ctx,
		"INSERT INTO connections (connection_id, room_code, user_token) VALUES ('c2', 'r2', 'u1')")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ux_connections_user_token")
}

// TestMigrator_RecoversDirtyFirstVersion 第一個版本中斷後可重跑
func TestMigrator_RecoversDirtyFirstVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := testutils.SetupPostgres(t)
	ctx := context.Background()

	// 模擬 000001 執行到一半：版本標記為 dirty
	_, err := env.Pool.Exec(ctx, "UPDATE schema_migrations SET dirty = true")
	require.NoError(t, err)

	m, err := migrations.New(env.DSN, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	version, dirty, err := m.Version()
	require.NoError(t, err)
	require.True(t, dirty)
	require.Equal(t, uint(1), version)

	require.NoError(t, m.Ensure())

	version, dirty, err = m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, migrations.SchemaVersion, version)
	assert.True(t, tableExists(t, env, "rooms"))
}
