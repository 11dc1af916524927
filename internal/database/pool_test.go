package database

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestNewPoolManager(t *testing.T) {
	gormDB := setupTestDB(t)

	config := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	manager, err := NewPoolManager(gormDB, config, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	assert.NotNil(t, manager.DB())
	assert.Equal(t, config, manager.config)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	manager, err := NewPoolManager(setupTestDB(t), PoolConfig{MaxOpenConns: 1}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	assert.NoError(t, manager.Ping(context.Background()))
}

func TestPoolManager_PingAfterClose(t *testing.T) {
	manager, err := NewPoolManager(setupTestDB(t), PoolConfig{MaxOpenConns: 1}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, manager.Close())
	assert.Error(t, manager.Ping(context.Background()))
}

func TestPoolManager_Stats(t *testing.T) {
	manager, err := NewPoolManager(setupTestDB(t), PoolConfig{MaxOpenConns: 7}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	stats := manager.Stats()
	assert.Equal(t, 7, stats.MaxOpenConnections)
}

func TestPoolManager_CloseIdempotent(t *testing.T) {
	manager, err := NewPoolManager(setupTestDB(t), PoolConfig{MaxOpenConns: 1}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, manager.Close())
	assert.NoError(t, manager.Close())
}

func TestDefaultPoolConfig(t *testing.T) {
	config := DefaultPoolConfig()
	assert.Equal(t, 25, config.MaxOpenConns)
	assert.Equal(t, 5, config.MaxIdleConns)
	assert.Equal(t, 30*time.Second, config.HealthCheckInterval)
}
