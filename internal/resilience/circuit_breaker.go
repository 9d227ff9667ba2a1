// Package resilience implements the circuit breaker guarding every external
// dependency (source adapters, the remote cache tier, databases) and the
// registry that hands out named, class-tuned breaker singletons.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrCallTimeout is returned when an operation does not settle within the
// breaker's call timeout. The call is counted as a failure and never retried.
var ErrCallTimeout = errors.New("operation timed out")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed means the circuit is functioning normally
	StateClosed CircuitState = iota
	// StateOpen means the circuit is open due to failures
	StateOpen
	// StateHalfOpen means the circuit is testing if the dependency has recovered
	StateHalfOpen
)

// String returns the string representation of a circuit state
func (cs CircuitState) String() string {
	switch cs {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config contains configuration for a circuit breaker
type Config struct {
	// FailureThreshold is the number of failures inside MonitoringWindow
	// before the circuit opens
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state before closing
	SuccessThreshold int
	// RecoveryTimeout is how long the circuit stays open before a half-open probe
	RecoveryTimeout time.Duration
	// MonitoringWindow bounds the sliding window of failure timestamps
	MonitoringWindow time.Duration
	// CallTimeout bounds each guarded call; expiry counts as a failure
	CallTimeout time.Duration
}

// DefaultConfig returns the external-service class configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		MonitoringWindow: 5 * time.Minute,
		CallTimeout:      30 * time.Second,
	}
}

// CircuitBreaker protects a single callable dependency with the three-state
// CLOSED/OPEN/HALF_OPEN machine. Failures are tracked as a sliding window of
// timestamps; the window never contains entries older than MonitoringWindow.
type CircuitBreaker struct {
	name   string
	class  string
	config *Config
	logger observability.Logger

	mu                sync.RWMutex
	state             CircuitState
	failureTimes      []time.Time
	halfOpenSuccesses int
	totalSuccesses    int64
	totalFailures     int64
	lastSuccess       time.Time
	lastFailure       time.Time
	nextRetryAt       time.Time
	generation        uint64 // Prevents stale updates across state transitions

	onStateChange []func(name string, from, to CircuitState)
	onSuccess     []func(name string)
	onFailure     []func(name string, err error)
	onFallback    []func(name string, err error)
}

// NewCircuitBreaker creates a new circuit breaker for the named dependency.
// The class label is informational and shows up in stats and logs.
func NewCircuitBreaker(name, class string, config *Config, logger observability.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	return &CircuitBreaker{
		name:   name,
		class:  class,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// OnStateChange registers a listener invoked on every state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = append(cb.onStateChange, fn)
}

// OnSuccess registers a listener invoked after every successful call.
func (cb *CircuitBreaker) OnSuccess(fn func(name string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onSuccess = append(cb.onSuccess, fn)
}

// OnFailure registers a listener invoked after every failed call.
func (cb *CircuitBreaker) OnFailure(fn func(name string, err error)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onFailure = append(cb.onFailure, fn)
}

// OnFallback registers a listener invoked on fast-fail while the circuit is open.
func (cb *CircuitBreaker) OnFallback(fn func(name string, err error)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onFallback = append(cb.onFallback, fn)
}

// Execute runs an operation through the circuit breaker. While the circuit
// is open the operation is not invoked and ErrCircuitOpen is returned. The
// operation runs under the breaker's call timeout; expiry counts as a
// failure and the result of a late-finishing operation is discarded.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	generation, err := cb.beforeRequest()
	if err != nil {
		cb.emitFallback(err)
		return nil, err
	}

	opCtx := ctx
	var cancel context.CancelFunc
	if cb.config.CallTimeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, cb.config.CallTimeout)
		defer cancel()
	}

	type callResult struct {
		value interface{}
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		value, opErr := operation(opCtx)
		done <- callResult{value: value, err: opErr}
	}()

	select {
	case res := <-done:
		cb.afterRequest(generation, res.err)
		return res.value, res.err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation is not the dependency's fault.
			return nil, ctx.Err()
		}
		timeoutErr := fmt.Errorf("%w after %s", ErrCallTimeout, cb.config.CallTimeout)
		cb.afterRequest(generation, timeoutErr)
		return nil, timeoutErr
	}
}

// beforeRequest checks whether the circuit admits the request
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	generation := cb.generation

	switch cb.state {
	case StateClosed:
		return generation, nil

	case StateOpen:
		if !time.Now().Before(cb.nextRetryAt) {
			cb.transitionLocked(StateHalfOpen)
			cb.halfOpenSuccesses = 0
			return cb.generation, nil
		}
		return generation, ErrCircuitOpen

	case StateHalfOpen:
		return generation, nil

	default:
		return generation, fmt.Errorf("unknown circuit breaker state: %v", cb.state)
	}
}

// afterRequest updates the circuit breaker state after a request
func (cb *CircuitBreaker) afterRequest(generation uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Ignore if generation has changed (another goroutine changed state)
	if generation != cb.generation {
		return
	}

	if err == nil {
		cb.recordSuccessLocked()
	} else {
		cb.recordFailureLocked(err)
	}
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	cb.totalSuccesses++
	cb.lastSuccess = time.Now()

	switch cb.state {
	case StateClosed:
		// A success clears the recent-failures window.
		cb.failureTimes = cb.failureTimes[:0]

	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed)
			cb.failureTimes = cb.failureTimes[:0]
			cb.halfOpenSuccesses = 0
			cb.nextRetryAt = time.Time{}
			cb.logger.Info("Circuit breaker closed after recovery", map[string]interface{}{
				"breaker": cb.name,
			})
		}
	}

	cb.emitLocked(cb.onSuccess)
}

func (cb *CircuitBreaker) recordFailureLocked(err error) {
	now := time.Now()
	cb.totalFailures++
	cb.lastFailure = now

	switch cb.state {
	case StateClosed:
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneWindowLocked(now)
		if len(cb.failureTimes) >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
			cb.nextRetryAt = now.Add(cb.config.RecoveryTimeout)
			cb.logger.Error("Circuit breaker opened due to failures", map[string]interface{}{
				"breaker":       cb.name,
				"failures":      len(cb.failureTimes),
				"next_retry_at": cb.nextRetryAt,
			})
		}

	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
		cb.halfOpenSuccesses = 0
		cb.nextRetryAt = now.Add(cb.config.RecoveryTimeout)
		cb.logger.Warn("Circuit breaker reopened after half-open probe failed", map[string]interface{}{
			"breaker":       cb.name,
			"next_retry_at": cb.nextRetryAt,
		})
	}

	cb.emitFailureLocked(err)
}

// pruneWindowLocked drops failure timestamps older than the monitoring window
func (cb *CircuitBreaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-cb.config.MonitoringWindow)
	kept := cb.failureTimes[:0]
	for _, t := range cb.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failureTimes = kept
}

// transitionLocked switches state, bumps the generation and notifies listeners
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++

	for _, fn := range cb.onStateChange {
		fn := fn
		cb.invoke(func() { fn(cb.name, from, to) })
	}
}

func (cb *CircuitBreaker) emitLocked(listeners []func(name string)) {
	for _, fn := range listeners {
		fn := fn
		cb.invoke(func() { fn(cb.name) })
	}
}

func (cb *CircuitBreaker) emitFailureLocked(err error) {
	for _, fn := range cb.onFailure {
		fn := fn
		cb.invoke(func() { fn(cb.name, err) })
	}
}

func (cb *CircuitBreaker) emitFallback(err error) {
	cb.mu.RLock()
	listeners := cb.onFallback
	cb.mu.RUnlock()
	for _, fn := range listeners {
		fn := fn
		cb.invoke(func() { fn(cb.name, err) })
	}
}

// invoke runs a listener, logging instead of propagating a panic so one bad
// subscriber cannot take down the breaker.
func (cb *CircuitBreaker) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.Error("Circuit breaker listener panicked", map[string]interface{}{
				"breaker": cb.name,
				"panic":   fmt.Sprintf("%v", r),
			})
		}
	}()
	fn()
}

// Name returns the breaker's dependency name
func (cb *CircuitBreaker) Name() string { return cb.name }

// Class returns the registry class the breaker was created under
func (cb *CircuitBreaker) Class() string { return cb.class }

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns a point-in-time snapshot of the breaker's counters
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := map[string]interface{}{
		"name":                cb.name,
		"class":               cb.class,
		"state":               cb.state.String(),
		"failures_in_window":  len(cb.failureTimes),
		"half_open_successes": cb.halfOpenSuccesses,
		"total_successes":     cb.totalSuccesses,
		"total_failures":      cb.totalFailures,
	}

	if !cb.lastSuccess.IsZero() {
		stats["last_success"] = cb.lastSuccess
	}
	if !cb.lastFailure.IsZero() {
		stats["last_failure"] = cb.lastFailure
	}
	if cb.state == StateOpen {
		stats["next_retry_at"] = cb.nextRetryAt
	}

	return stats
}

// NextRetryAt returns when an open circuit will admit its next probe. The
// zero time is returned while the circuit is not open.
func (cb *CircuitBreaker) NextRetryAt() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.nextRetryAt
}

// Reset returns the circuit breaker to the closed state and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateClosed)
	cb.failureTimes = cb.failureTimes[:0]
	cb.halfOpenSuccesses = 0
	cb.nextRetryAt = time.Time{}

	cb.logger.Info("Circuit breaker manually reset", map[string]interface{}{
		"breaker": cb.name,
	})
}
