package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableConfig() RemoteConfig {
	cfg := DefaultRemoteConfig()
	cfg.Enabled = true
	cfg.URL = "redis://127.0.0.1:1"
	cfg.ConnectionTimeoutMS = 200
	// Long delays keep the background retry timer out of the test's way.
	cfg.RetryDelayMS = 60_000
	cfg.MaxRetryDelayMS = 120_000
	cfg.ConnectionRetryLimit = 2
	return cfg
}

// TestConnectionManager_Disabled tests that a disabled remote tier rejects
// operations without dialing
func TestConnectionManager_Disabled(t *testing.T) {
	cfg := DefaultRemoteConfig()
	cfg.Enabled = false

	m := NewConnectionManager(cfg, nil)
	t.Cleanup(func() { _ = m.Disconnect() })

	err := m.ExecuteOperation(context.Background(), func(ctx context.Context, client *redis.Client) error {
		t.Fatal("operation must not run while disabled")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, PhaseDisconnected, m.Phase())
}

// TestConnectionManager_ConnectAndOperate tests the happy path against a
// live server
func TestConnectionManager_ConnectAndOperate(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultRemoteConfig()
	cfg.Enabled = true
	cfg.URL = "redis://" + mr.Addr()

	m := NewConnectionManager(cfg, nil)
	t.Cleanup(func() { _ = m.Disconnect() })

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())
	assert.Equal(t, PhaseConnected, m.Phase())

	err := m.ExecuteOperation(context.Background(), func(ctx context.Context, client *redis.Client) error {
		return client.Set(ctx, "k", "v", 0).Err()
	})
	require.NoError(t, err)

	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.TotalAttempts)
	assert.Equal(t, int64(1), stats.Successes)
}

// TestConnectionManager_CircuitLatch tests that repeated failures latch the
// circuit and suppress further attempts until the delay elapses
func TestConnectionManager_CircuitLatch(t *testing.T) {
	m := NewConnectionManager(unreachableConfig(), nil)
	t.Cleanup(func() { _ = m.Disconnect() })

	ctx := context.Background()
	require.Error(t, m.Connect(ctx))
	assert.Equal(t, PhaseFailed, m.Phase())

	require.Error(t, m.Connect(ctx))
	assert.Equal(t, PhaseCircuitOpen, m.Phase())

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.TotalAttempts)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	require.NotNil(t, stats.NextRetryAt)
	assert.True(t, stats.NextRetryAt.After(time.Now()))

	// While latched, Connect is a silent no-op: no new attempt.
	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, int64(2), m.Stats().TotalAttempts)

	err := m.ExecuteOperation(ctx, func(ctx context.Context, client *redis.Client) error {
		t.Fatal("operation must not run while latched")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotConnected)
}

// TestConnectionManager_PhaseListeners tests the state-change callbacks
func TestConnectionManager_PhaseListeners(t *testing.T) {
	m := NewConnectionManager(unreachableConfig(), nil)
	t.Cleanup(func() { _ = m.Disconnect() })

	var transitions []string
	m.OnStateChanged(func(old, new ConnectionPhase) {
		transitions = append(transitions, old.String()+"->"+new.String())
	})
	opened := false
	m.OnCircuitOpened(func() { opened = true })

	ctx := context.Background()
	_ = m.Connect(ctx)
	_ = m.Connect(ctx)

	assert.Contains(t, transitions, "disconnected->connecting")
	assert.Contains(t, transitions, "connecting->failed")
	assert.Contains(t, transitions, "connecting->circuit_open")
	assert.True(t, opened)
}

// TestConnectionManager_DisconnectLatch tests that Disconnect suppresses all
// further reconnects
func TestConnectionManager_DisconnectLatch(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultRemoteConfig()
	cfg.Enabled = true
	cfg.URL = "redis://" + mr.Addr()

	m := NewConnectionManager(cfg, nil)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect())

	assert.False(t, m.IsConnected())
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, PhaseDisconnected, m.Phase())
	assert.ErrorIs(t, m.Ping(context.Background()), ErrNotConnected)
}
