// 版权所有 2026 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

package redisconn

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := NewManager(Config{Addr: mr.Addr(), PoolSize: 4}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewManager_ConnectsAndPings(t *testing.T) {
	m := newTestManager(t)

	require.NotNil(t, m.Client())
	assert.NoError(t, m.Ping(context.Background()))
}

func TestNewManager_UnreachableAddr(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}

func TestManager_PingAfterClose(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Close())
	assert.Error(t, m.Ping(context.Background()))
}

func TestManager_CloseIdempotent(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestManager_Stats(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Ping(context.Background()))
	stats := m.Stats()
	assert.GreaterOrEqual(t, stats.TotalConns, uint32(1))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
}
