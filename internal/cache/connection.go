// Package cache implements the two-tier cache service: a bounded in-process
// tier in front of an optional Redis tier, plus the connection manager that
// keeps the Redis client alive across outages.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

// ErrNotConnected is returned by ExecuteOperation while the remote tier is
// unreachable and no reconnect is currently admissible.
var ErrNotConnected = errors.New("remote cache not connected")

// ConnectionPhase is the lifecycle phase of the remote-cache connection.
type ConnectionPhase int

const (
	// PhaseDisconnected means no connection and no attempt in flight
	PhaseDisconnected ConnectionPhase = iota
	// PhaseConnecting means a connection attempt is in flight
	PhaseConnecting
	// PhaseConnected means the connection is live
	PhaseConnected
	// PhaseFailed means the last attempt failed and a retry is scheduled
	PhaseFailed
	// PhaseCircuitOpen means repeated failures latched the connection open;
	// attempts are suppressed until the circuit delay elapses
	PhaseCircuitOpen
)

// String returns the phase name
func (p ConnectionPhase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	case PhaseCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// RemoteConfig configures the Redis tier and its reconnection policy.
type RemoteConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	URL                  string  `mapstructure:"url"`
	TTLSeconds           int     `mapstructure:"ttl_seconds"`
	KeyPrefix            string  `mapstructure:"key_prefix"`
	ConnectionTimeoutMS  int     `mapstructure:"connection_timeout_ms"`
	RetryDelayMS         int     `mapstructure:"retry_delay_ms"`
	MaxRetryDelayMS      int     `mapstructure:"max_retry_delay_ms"`
	BackoffMultiplier    float64 `mapstructure:"backoff_multiplier"`
	ConnectionRetryLimit int     `mapstructure:"connection_retry_limit"`
}

// DefaultRemoteConfig returns the remote-tier defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Enabled:              false,
		URL:                  "redis://localhost:6379",
		TTLSeconds:           7200,
		KeyPrefix:            "pp:cache:",
		ConnectionTimeoutMS:  5000,
		RetryDelayMS:         1000,
		MaxRetryDelayMS:      30000,
		BackoffMultiplier:    2.0,
		ConnectionRetryLimit: 5,
	}
}

func (c RemoteConfig) connectionTimeout() time.Duration {
	if c.ConnectionTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ConnectionTimeoutMS) * time.Millisecond
}

func (c RemoteConfig) retryDelay() time.Duration {
	if c.RetryDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func (c RemoteConfig) maxRetryDelay() time.Duration {
	if c.MaxRetryDelayMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.MaxRetryDelayMS) * time.Millisecond
}

// circuitDelay is how long a latched connection waits before the next probe.
func (c RemoteConfig) circuitDelay() time.Duration {
	d := c.maxRetryDelay()
	if d < time.Minute {
		return time.Minute
	}
	return d
}

// ConnectionStats is a snapshot of the manager's counters.
type ConnectionStats struct {
	Phase               string     `json:"phase"`
	TotalAttempts       int64      `json:"total_attempts"`
	Successes           int64      `json:"successes"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastAttempt         *time.Time `json:"last_attempt,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
	CurrentDelay        string     `json:"current_delay"`
}

// ConnectionManager owns the single Redis client used by the remote tier.
// It reconnects with exponential backoff, latches into PhaseCircuitOpen
// after the configured number of consecutive failures, and suppresses all
// reconnects after Disconnect is called.
type ConnectionManager struct {
	config RemoteConfig
	logger observability.Logger

	mu                  sync.Mutex
	client              *redis.Client
	phase               ConnectionPhase
	bo                  *backoff.ExponentialBackOff
	currentDelay        time.Duration
	totalAttempts       int64
	successes           int64
	consecutiveFailures int
	lastAttempt         time.Time
	lastSuccess         time.Time
	nextRetryAt         time.Time
	retryTimer          *time.Timer
	closed              bool

	onConnected        []func()
	onConnectionFailed []func(err error)
	onCircuitOpened    []func()
	onStateChanged     []func(old, new ConnectionPhase)
}

// NewConnectionManager creates a manager for the configured Redis tier. No
// connection is attempted until Connect or the first ExecuteOperation.
func NewConnectionManager(config RemoteConfig, logger observability.Logger) *ConnectionManager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.retryDelay()
	bo.MaxInterval = config.maxRetryDelay()
	bo.Multiplier = config.BackoffMultiplier
	if bo.Multiplier <= 1 {
		bo.Multiplier = 2.0
	}
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // retry forever; the circuit latch does the limiting
	bo.Reset()

	return &ConnectionManager{
		config:       config,
		logger:       logger,
		phase:        PhaseDisconnected,
		bo:           bo,
		currentDelay: config.retryDelay(),
	}
}

// OnConnected registers a listener for successful connections.
func (m *ConnectionManager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// OnConnectionFailed registers a listener for failed connection attempts.
func (m *ConnectionManager) OnConnectionFailed(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectionFailed = append(m.onConnectionFailed, fn)
}

// OnCircuitOpened registers a listener for the circuit-open latch.
func (m *ConnectionManager) OnCircuitOpened(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCircuitOpened = append(m.onCircuitOpened, fn)
}

// OnStateChanged registers a listener for phase transitions.
func (m *ConnectionManager) OnStateChanged(fn func(old, new ConnectionPhase)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChanged = append(m.onStateChanged, fn)
}

// Connect attempts to establish the connection. It is idempotent: while an
// attempt is already in flight, or while the circuit latch has not elapsed,
// it returns without action.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()

	if m.closed || !m.config.Enabled {
		m.mu.Unlock()
		return nil
	}
	if m.phase == PhaseConnected || m.phase == PhaseConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.phase == PhaseCircuitOpen && time.Now().Before(m.nextRetryAt) {
		m.mu.Unlock()
		return nil
	}

	events := m.setPhaseLocked(PhaseConnecting)
	m.totalAttempts++
	m.lastAttempt = time.Now()
	m.mu.Unlock()
	m.fire(events)

	client, err := m.dial(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		return nil
	}

	if err != nil {
		events = m.recordFailureLocked(err)
		m.mu.Unlock()
		m.fire(events)
		return err
	}

	m.client = client
	m.consecutiveFailures = 0
	m.successes++
	m.lastSuccess = time.Now()
	m.nextRetryAt = time.Time{}
	m.bo.Reset()
	m.currentDelay = m.config.retryDelay()
	events = m.setPhaseLocked(PhaseConnected)
	for _, fn := range m.onConnected {
		events = append(events, fn)
	}
	m.mu.Unlock()
	m.fire(events)

	m.logger.Info("Remote cache connected", map[string]interface{}{
		"url": redactURL(m.config.URL),
	})
	return nil
}

// dial builds a client from the configured URL and verifies it with a ping.
func (m *ConnectionManager) dial(ctx context.Context) (*redis.Client, error) {
	opts, err := parseRedisURL(m.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = m.config.connectionTimeout()

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, m.config.connectionTimeout())
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// parseRedisURL accepts redis:// URLs as well as bare host:port addresses.
func parseRedisURL(url string) (*redis.Options, error) {
	if strings.Contains(url, "://") {
		return redis.ParseURL(url)
	}
	return &redis.Options{Addr: url}, nil
}

// redactURL strips credentials before the address hits a log line.
func redactURL(url string) string {
	if at := strings.LastIndex(url, "@"); at != -1 {
		if scheme := strings.Index(url, "://"); scheme != -1 {
			return url[:scheme+3] + "***" + url[at:]
		}
		return "***" + url[at:]
	}
	return url
}

// recordFailureLocked updates failure counters, schedules the next retry and
// latches the circuit when the retry limit is reached. Returns the listeners
// to fire after the lock is released.
func (m *ConnectionManager) recordFailureLocked(err error) []func() {
	m.consecutiveFailures++
	m.client = nil

	var events []func()

	if m.consecutiveFailures >= m.config.ConnectionRetryLimit {
		delay := m.config.circuitDelay()
		m.nextRetryAt = time.Now().Add(delay)
		m.currentDelay = delay
		wasOpen := m.phase == PhaseCircuitOpen
		events = m.setPhaseLocked(PhaseCircuitOpen)
		if !wasOpen {
			for _, fn := range m.onCircuitOpened {
				events = append(events, fn)
			}
			m.logger.Warn("Remote cache circuit opened", map[string]interface{}{
				"consecutive_failures": m.consecutiveFailures,
				"next_retry_at":        m.nextRetryAt,
			})
		} else {
			// Quiet logging while latched to avoid flooding.
			m.logger.Debug("Remote cache still unreachable", map[string]interface{}{
				"consecutive_failures": m.consecutiveFailures,
			})
		}
		m.scheduleRetryLocked(delay)
	} else {
		delay := m.bo.NextBackOff()
		if delay > m.config.maxRetryDelay() {
			delay = m.config.maxRetryDelay()
		}
		m.currentDelay = delay
		m.nextRetryAt = time.Now().Add(delay)
		events = m.setPhaseLocked(PhaseFailed)
		m.logger.Warn("Remote cache connection failed", map[string]interface{}{
			"error":                err.Error(),
			"consecutive_failures": m.consecutiveFailures,
			"retry_in":             delay.String(),
		})
		m.scheduleRetryLocked(delay)
	}

	failedErr := err
	for _, fn := range m.onConnectionFailed {
		fn := fn
		events = append(events, func() { fn(failedErr) })
	}

	return events
}

// scheduleRetryLocked arms the retry timer unless the manager is shut down.
func (m *ConnectionManager) scheduleRetryLocked(delay time.Duration) {
	if m.closed {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, func() {
		_ = m.Connect(context.Background())
	})
}

// setPhaseLocked transitions the phase and returns state-change listeners to
// fire once the lock is released.
func (m *ConnectionManager) setPhaseLocked(next ConnectionPhase) []func() {
	old := m.phase
	if old == next {
		return nil
	}
	m.phase = next

	events := make([]func(), 0, len(m.onStateChanged))
	for _, fn := range m.onStateChanged {
		fn := fn
		events = append(events, func() { fn(old, next) })
	}
	return events
}

// fire invokes listeners outside the lock; a panicking listener is logged
// and does not abort the rest.
func (m *ConnectionManager) fire(events []func()) {
	for _, fn := range events {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Connection listener panicked", map[string]interface{}{
						"panic": fmt.Sprintf("%v", r),
					})
				}
			}()
			fn()
		}()
	}
}

// ExecuteOperation runs fn against the live client. While disconnected it
// attempts a lazy reconnect unless the circuit latch is holding; connection
// errors during fn are recorded so the reconnect machinery reacts.
func (m *ConnectionManager) ExecuteOperation(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error {
	m.mu.Lock()
	if m.closed || !m.config.Enabled {
		m.mu.Unlock()
		return ErrNotConnected
	}
	client := m.client
	phase := m.phase
	nextRetry := m.nextRetryAt
	m.mu.Unlock()

	if client == nil || phase != PhaseConnected {
		if phase == PhaseCircuitOpen && time.Now().Before(nextRetry) {
			return ErrNotConnected
		}
		if err := m.Connect(ctx); err != nil {
			return ErrNotConnected
		}
		m.mu.Lock()
		client = m.client
		m.mu.Unlock()
		if client == nil {
			return ErrNotConnected
		}
	}

	err := fn(ctx, client)
	if err != nil && isConnectionError(err) {
		m.mu.Lock()
		events := m.recordFailureLocked(err)
		m.mu.Unlock()
		m.fire(events)
	}
	return err
}

// isConnectionError distinguishes transport faults from application errors
// such as redis.Nil.
func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "closed network connection") ||
		strings.Contains(msg, "EOF")
}

// IsConnected reports whether the client is live.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseConnected && m.client != nil
}

// Phase returns the current lifecycle phase.
func (m *ConnectionManager) Phase() ConnectionPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Ping round-trips the connection for health checks.
func (m *ConnectionManager) Ping(ctx context.Context) error {
	return m.ExecuteOperation(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Ping(ctx).Err()
	})
}

// Stats snapshots the manager's counters.
func (m *ConnectionManager) Stats() ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ConnectionStats{
		Phase:               m.phase.String(),
		TotalAttempts:       m.totalAttempts,
		Successes:           m.successes,
		ConsecutiveFailures: m.consecutiveFailures,
		CurrentDelay:        m.currentDelay.String(),
	}
	if !m.lastAttempt.IsZero() {
		t := m.lastAttempt
		stats.LastAttempt = &t
	}
	if !m.lastSuccess.IsZero() {
		t := m.lastSuccess
		stats.LastSuccess = &t
	}
	if !m.nextRetryAt.IsZero() && (m.phase == PhaseFailed || m.phase == PhaseCircuitOpen) {
		t := m.nextRetryAt
		stats.NextRetryAt = &t
	}
	return stats
}

// Disconnect cancels retry timers, closes the client and latches the manager
// shut. Reconnects are suppressed from this point on.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	client := m.client
	m.client = nil
	events := m.setPhaseLocked(PhaseDisconnected)
	m.mu.Unlock()
	m.fire(events)

	if client != nil {
		if err := client.Close(); err != nil {
			return fmt.Errorf("closing redis client: %w", err)
		}
	}
	return nil
}
