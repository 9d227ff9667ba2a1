package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

var errBoom = errors.New("boom")

func failingOp(ctx context.Context) (interface{}, error) { return nil, errBoom }

func succeedingOp(ctx context.Context) (interface{}, error) { return "ok", nil }

// TestCircuitBreaker_ClosedPassesThrough tests normal operation in the closed state
func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("test", ClassExternalService, nil, observability.NewNoopLogger())

	result, err := cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, cb.GetState())
}

// TestCircuitBreaker_OpensAfterThreshold tests that the circuit opens after
// the configured number of failures and then fast-fails without invoking the
// operation
func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: time.Minute,
		CallTimeout:      time.Second,
	}
	cb := NewCircuitBreaker("test", ClassExternalService, cfg, observability.NewNoopLogger())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, failingOp)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	// Fourth call must not invoke the operation
	invoked := false
	_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
	assert.False(t, cb.NextRetryAt().IsZero())
}

// TestCircuitBreaker_RecoveryCycle tests the full open -> half-open -> closed
// cycle with success and failure totals preserved
func TestCircuitBreaker_RecoveryCycle(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  100 * time.Millisecond,
		MonitoringWindow: time.Minute,
		CallTimeout:      time.Second,
	}
	cb := NewCircuitBreaker("test", ClassExternalService, cfg, observability.NewNoopLogger())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(ctx, failingOp)
	}
	require.Equal(t, StateOpen, cb.GetState())

	_, err := cb.Execute(ctx, succeedingOp)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(150 * time.Millisecond)

	// First probe transitions to half-open, second success closes
	_, err = cb.Execute(ctx, succeedingOp)
	require.NoError(t, err)
	_, err = cb.Execute(ctx, succeedingOp)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, cb.GetState())

	stats := cb.GetStats()
	assert.Equal(t, int64(3), stats["total_failures"])
	assert.Equal(t, int64(2), stats["total_successes"])
	assert.Equal(t, 0, stats["failures_in_window"])
	assert.Equal(t, 0, stats["half_open_successes"])
}

// TestCircuitBreaker_SuccessClearsWindow tests that a success in the closed
// state resets the recent-failures window
func TestCircuitBreaker_SuccessClearsWindow(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: time.Minute,
		CallTimeout:      time.Second,
	}
	cb := NewCircuitBreaker("test", ClassExternalService, cfg, observability.NewNoopLogger())

	ctx := context.Background()
	_, _ = cb.Execute(ctx, failingOp)
	_, _ = cb.Execute(ctx, failingOp)
	_, _ = cb.Execute(ctx, succeedingOp)
	_, _ = cb.Execute(ctx, failingOp)
	_, _ = cb.Execute(ctx, failingOp)

	// Two failures since the success: still closed
	assert.Equal(t, StateClosed, cb.GetState())
}

// TestCircuitBreaker_WindowPruning tests that failures older than the
// monitoring window do not count toward the threshold
func TestCircuitBreaker_WindowPruning(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: 80 * time.Millisecond,
		CallTimeout:      time.Second,
	}
	cb := NewCircuitBreaker("test", ClassExternalService, cfg, observability.NewNoopLogger())

	ctx := context.Background()
	_, _ = cb.Execute(ctx, failingOp)
	_, _ = cb.Execute(ctx, failingOp)

	time.Sleep(120 * time.Millisecond)

	_, _ = cb.Execute(ctx, failingOp)
	assert.Equal(t, StateClosed, cb.GetState())

	stats := cb.GetStats()
	assert.Equal(t, 1, stats["failures_in_window"])
}

// TestCircuitBreaker_HalfOpenFailureReopens tests that a failed half-open
// probe reopens the circuit with a fresh retry deadline
func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		MonitoringWindow: time.Minute,
		CallTimeout:      time.Second,
	}
	cb := NewCircuitBreaker("test", ClassExternalService, cfg, observability.NewNoopLogger())

	ctx := context.Background()
	_, _ = cb.Execute(ctx, failingOp)
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(80 * time.Millisecond)

	before := time.Now()
	_, err := cb.Execute(ctx, failingOp)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.True(t, cb.NextRetryAt().After(before))
}

// TestCircuitBreaker_CallTimeout tests that an operation exceeding the call
// timeout counts as a failure
func TestCircuitBreaker_CallTimeout(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: time.Minute,
		CallTimeout:      30 * time.Millisecond,
	}
	cb := NewCircuitBreaker("test", ClassExternalService, cfg, observability.NewNoopLogger())

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, StateOpen, cb.GetState())
}

// TestCircuitBreaker_ParentContextCancel tests that cancelling the caller's
// context does not count against the dependency
func TestCircuitBreaker_ParentContextCancel(t *testing.T) {
	cb := NewCircuitBreaker("test", ClassExternalService, nil, observability.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cb.Execute(ctx, succeedingOp)
	assert.ErrorIs(t, err, context.Canceled)

	stats := cb.GetStats()
	assert.Equal(t, int64(0), stats["total_failures"])
	assert.Equal(t, int64(0), stats["total_successes"])
}

// TestCircuitBreaker_StateChangeEvents tests the state-change observer
func TestCircuitBreaker_StateChangeEvents(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
		MonitoringWindow: time.Minute,
		CallTimeout:      time.Second,
	}
	cb := NewCircuitBreaker("test", ClassExternalService, cfg, observability.NewNoopLogger())

	var mu sync.Mutex
	var transitions []string
	cb.OnStateChange(func(name string, from, to CircuitState) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	})

	ctx := context.Background()
	_, _ = cb.Execute(ctx, failingOp)
	time.Sleep(60 * time.Millisecond)
	_, _ = cb.Execute(ctx, succeedingOp)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

// TestCircuitBreaker_FallbackEvent tests that fast-fails emit the fallback event
func TestCircuitBreaker_FallbackEvent(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: time.Minute,
		CallTimeout:      time.Second,
	}
	cb := NewCircuitBreaker("test", ClassExternalService, cfg, observability.NewNoopLogger())

	var fallbackErr error
	cb.OnFallback(func(name string, err error) { fallbackErr = err })

	ctx := context.Background()
	_, _ = cb.Execute(ctx, failingOp)
	_, _ = cb.Execute(ctx, succeedingOp)

	assert.ErrorIs(t, fallbackErr, ErrCircuitOpen)
}

// TestCircuitBreaker_PanickingListener tests that a panicking subscriber does
// not abort the call or the other subscribers
func TestCircuitBreaker_PanickingListener(t *testing.T) {
	cb := NewCircuitBreaker("test", ClassExternalService, nil, observability.NewNoopLogger())

	cb.OnSuccess(func(name string) { panic("bad subscriber") })
	called := false
	cb.OnSuccess(func(name string) { called = true })

	result, err := cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.True(t, called)
}

// TestCircuitBreaker_ConcurrentExecute tests concurrent calls observe a
// consistent state
func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cb := NewCircuitBreaker("test", ClassExternalService, nil, observability.NewNoopLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cb.Execute(context.Background(), succeedingOp)
		}()
	}
	wg.Wait()

	stats := cb.GetStats()
	assert.Equal(t, int64(20), stats["total_successes"])
	assert.Equal(t, StateClosed, cb.GetState())
}

// TestCircuitBreaker_Reset tests the manual reset path
func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Hour,
		MonitoringWindow: time.Minute,
		CallTimeout:      time.Second,
	}
	cb := NewCircuitBreaker("test", ClassExternalService, cfg, observability.NewNoopLogger())

	_, _ = cb.Execute(context.Background(), failingOp)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())

	_, err := cb.Execute(context.Background(), succeedingOp)
	assert.NoError(t, err)
}
