package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prodpipe/prodpipe/internal/resilience"
	"github.com/prodpipe/prodpipe/pkg/models"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// Strategy selects which tiers participate in cache traffic.
type Strategy string

// Cache strategies
const (
	StrategyMemoryOnly Strategy = "memory_only"
	StrategyHybrid     Strategy = "hybrid"
	StrategyRemoteOnly Strategy = "remote_only"
)

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyMemoryOnly, StrategyHybrid, StrategyRemoteOnly:
		return true
	}
	return false
}

// ContentTypeConfig sets the TTL and warmup flag for one content type.
type ContentTypeConfig struct {
	TTLSeconds int  `mapstructure:"ttl_seconds"`
	Warmup     bool `mapstructure:"warmup"`
}

// Config configures the cache service as a whole.
type Config struct {
	Enabled      bool                         `mapstructure:"enabled"`
	Strategy     Strategy                     `mapstructure:"strategy"`
	Memory       MemoryConfig                 `mapstructure:"memory"`
	Redis        RemoteConfig                 `mapstructure:"redis"`
	ContentTypes map[string]ContentTypeConfig `mapstructure:"content_types"`
}

// DefaultConfig returns the cache defaults: enabled, hybrid when Redis is
// configured, with per-type TTLs tuned for operational content.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Strategy: StrategyHybrid,
		Memory:   DefaultMemoryConfig(),
		Redis:    DefaultRemoteConfig(),
		ContentTypes: map[string]ContentTypeConfig{
			string(models.ContentTypeRunbooks):      {TTLSeconds: 3600, Warmup: true},
			string(models.ContentTypeProcedures):    {TTLSeconds: 1800},
			string(models.ContentTypeDecisionTrees): {TTLSeconds: 2400, Warmup: true},
			string(models.ContentTypeKnowledgeBase): {TTLSeconds: 900},
			string(models.ContentTypeWebResponse):   {TTLSeconds: 600},
		},
	}
}

// WarmItem is one fingerprint/payload pair for cache warming.
type WarmItem struct {
	Fingerprint models.Fingerprint
	Payload     interface{}
}

// TierHealth reports the health of one cache tier.
type TierHealth struct {
	Healthy        bool   `json:"healthy"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
	Keys           int    `json:"keys,omitempty"`
	Connected      bool   `json:"connected"`
	Enabled        bool   `json:"enabled"`
}

// HealthReport is the cache service's health roundtrip result. The remote
// tier being down only fails the overall report under remote_only.
type HealthReport struct {
	OverallHealthy bool       `json:"overall_healthy"`
	Strategy       string     `json:"strategy"`
	MemoryCache    TierHealth `json:"memory_cache"`
	RedisCache     TierHealth `json:"redis_cache"`
	CheckedAt      time.Time  `json:"checked_at"`
}

// Service is the two-tier cache. The local tier always participates; the
// remote tier participates under hybrid and remote_only, guarded by the
// cache-class circuit breaker so a Redis outage degrades instead of stalls.
type Service struct {
	config  Config
	memory  *MemoryCache
	remote  *RedisCache
	conn    *ConnectionManager
	breaker *resilience.CircuitBreaker
	stats   *statsRecorder
	logger  observability.Logger
}

// NewService wires the cache service from its tiers. The remote tier and
// connection manager are nil under memory_only.
func NewService(config Config, memory *MemoryCache, remote *RedisCache, conn *ConnectionManager, breakers *resilience.Registry, logger observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	var breaker *resilience.CircuitBreaker
	if breakers != nil {
		breaker = breakers.Cache("redis_cache")
	} else {
		breaker = resilience.NewCircuitBreaker("redis_cache", resilience.ClassCache, resilience.CacheConfig(), logger)
	}

	return &Service{
		config:  config,
		memory:  memory,
		remote:  remote,
		conn:    conn,
		breaker: breaker,
		stats:   newStatsRecorder(),
		logger:  logger,
	}
}

// remoteEnabled reports whether the remote tier participates in traffic.
func (s *Service) remoteEnabled() bool {
	return s.config.Strategy != StrategyMemoryOnly && s.remote != nil
}

// ttlSecondsFor resolves the TTL for one content type, falling back to the
// local tier's default.
func (s *Service) ttlSecondsFor(t models.ContentType) int {
	if ct, ok := s.config.ContentTypes[string(t)]; ok && ct.TTLSeconds > 0 {
		return ct.TTLSeconds
	}
	return s.memory.DefaultTTLSeconds()
}

// Get probes the local tier, then the remote tier through the breaker. A
// remote hit is promoted into the local tier with the content type's current
// TTL. Errors count as misses; the caller may treat a non-nil error as a
// cache fault without failing the request.
func (s *Service) Get(ctx context.Context, fp models.Fingerprint) (interface{}, bool, error) {
	if !s.config.Enabled {
		return nil, false, nil
	}

	key := fp.Key()

	if entry, ok := s.memory.Get(key); ok {
		s.stats.recordHit(fp.Type)
		return entry.Payload, true, nil
	}

	if s.remoteEnabled() {
		result, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			entry, found, err := s.remote.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, nil
			}
			return entry, nil
		})
		if err != nil {
			s.stats.recordMiss(fp.Type)
			s.logger.Warn("Remote cache read failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return nil, false, err
		}
		if entry, ok := result.(*Entry); ok && entry != nil {
			// Promote into the local tier so the next read is served locally.
			promoted := &Entry{
				Payload:     entry.Payload,
				InsertedAt:  time.Now(),
				TTLSeconds:  s.ttlSecondsFor(fp.Type),
				ContentType: fp.Type,
			}
			s.memory.Set(key, promoted)
			s.stats.recordHit(fp.Type)
			return entry.Payload, true, nil
		}
	}

	s.stats.recordMiss(fp.Type)
	return nil, false, nil
}

// Set writes the payload with the content type's configured TTL.
func (s *Service) Set(ctx context.Context, fp models.Fingerprint, payload interface{}) error {
	return s.SetWithTTL(ctx, fp, payload, 0)
}

// SetWithTTL writes the payload to the local tier and, under hybrid or
// remote_only, through the breaker to the remote tier with the same TTL. A
// non-positive ttlSeconds falls back to the content type's configured TTL.
// A remote write failure does not fail the operation.
func (s *Service) SetWithTTL(ctx context.Context, fp models.Fingerprint, payload interface{}, ttlSeconds int) error {
	if !s.config.Enabled {
		return nil
	}

	if ttlSeconds <= 0 {
		ttlSeconds = s.ttlSecondsFor(fp.Type)
	}
	entry := &Entry{
		Payload:     payload,
		InsertedAt:  time.Now(),
		TTLSeconds:  ttlSeconds,
		ContentType: fp.Type,
	}
	key := fp.Key()

	s.memory.Set(key, entry)

	if s.remoteEnabled() {
		_, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, s.remote.Set(ctx, key, entry, time.Duration(ttlSeconds)*time.Second)
		})
		if err != nil {
			s.logger.Warn("Remote cache write failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	return nil
}

// Delete removes the fingerprint from both tiers.
func (s *Service) Delete(ctx context.Context, fp models.Fingerprint) error {
	if !s.config.Enabled {
		return nil
	}

	key := fp.Key()
	s.memory.Delete(key)

	if s.remoteEnabled() {
		_, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, s.remote.Delete(ctx, key)
		})
		if err != nil {
			return fmt.Errorf("remote delete failed: %w", err)
		}
	}
	return nil
}

// ClearByType drops every entry of one content type from both tiers and
// returns how many local entries were removed. Clearing an already-empty
// type is a no-op; per-type stats counters are preserved.
func (s *Service) ClearByType(ctx context.Context, t models.ContentType) (int, error) {
	if !s.config.Enabled {
		return 0, nil
	}

	prefix := string(t) + ":"
	removed := s.memory.DeleteByPrefix(prefix)

	if s.remoteEnabled() {
		_, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			n, err := s.remote.DeleteByPattern(ctx, prefix+"*")
			return n, err
		})
		if err != nil {
			return removed, fmt.Errorf("remote clear failed: %w", err)
		}
	}

	s.logger.Info("Cache cleared by type", map[string]interface{}{
		"content_type": string(t),
		"removed":      removed,
	})
	return removed, nil
}

// ClearAll drops every entry from both tiers.
func (s *Service) ClearAll(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.memory.Clear()

	if s.remoteEnabled() {
		_, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			n, err := s.remote.DeleteByPattern(ctx, "*")
			return n, err
		})
		if err != nil {
			return fmt.Errorf("remote clear failed: %w", err)
		}
	}

	s.logger.Info("Cache cleared", nil)
	return nil
}

// Warm seeds the cache from a list of fingerprint/payload pairs, tolerating
// individual failures. Returns how many items were stored.
func (s *Service) Warm(ctx context.Context, items []WarmItem) int {
	warmed := 0
	for _, item := range items {
		if err := s.Set(ctx, item.Fingerprint, item.Payload); err != nil {
			s.logger.Warn("Cache warm item failed", map[string]interface{}{
				"key":   item.Fingerprint.Key(),
				"error": err.Error(),
			})
			continue
		}
		warmed++
	}
	if warmed > 0 {
		s.logger.Info("Cache warmed", map[string]interface{}{
			"items": warmed,
		})
	}
	return warmed
}

// GetStats snapshots hit/miss counters, per-type sub-counters and the
// remote-tier connection flag.
func (s *Service) GetStats() Stats {
	stats := s.stats.snapshot()
	stats.Strategy = string(s.config.Strategy)
	stats.Enabled = s.config.Enabled
	stats.MemoryKeys = s.memory.Len()
	if s.conn != nil {
		stats.RemoteConnected = s.conn.IsConnected()
	}
	return stats
}

// ResetStats zeroes the counters and stamps a new last-reset time.
func (s *Service) ResetStats() {
	s.stats.reset()
}

// Strategy returns the configured strategy.
func (s *Service) Strategy() Strategy {
	return s.config.Strategy
}

// Enabled reports whether the cache participates in request handling.
func (s *Service) Enabled() bool {
	return s.config.Enabled
}

// ContentTypeConfigs returns the per-type TTL/warmup table.
func (s *Service) ContentTypeConfigs() map[string]ContentTypeConfig {
	return s.config.ContentTypes
}

// Health roundtrips a self-check entry through the local tier and, when the
// remote tier is enabled, pings it under a timeout. Overall health requires
// the local tier; the remote tier only gates remote_only.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Strategy:  string(s.config.Strategy),
		CheckedAt: time.Now(),
	}

	report.MemoryCache = s.checkMemory()
	report.RedisCache = s.checkRemote(ctx)

	report.OverallHealthy = report.MemoryCache.Healthy &&
		(report.RedisCache.Healthy || s.config.Strategy != StrategyRemoteOnly)

	return report
}

// checkMemory writes and reads back a probe entry, measuring latency.
func (s *Service) checkMemory() TierHealth {
	health := TierHealth{Enabled: true, Connected: true}

	probeKey := "health:selfcheck"
	probe := &Entry{
		Payload:     "ok",
		InsertedAt:  time.Now(),
		TTLSeconds:  60,
		ContentType: models.ContentTypeKnowledgeBase,
	}

	start := time.Now()
	s.memory.Set(probeKey, probe)
	entry, ok := s.memory.Get(probeKey)
	s.memory.Delete(probeKey)
	health.ResponseTimeMS = time.Since(start).Milliseconds()

	if !ok || entry.Payload != "ok" {
		health.Error = "memory tier roundtrip failed"
		return health
	}

	health.Healthy = true
	health.Keys = s.memory.Len()
	return health
}

// checkRemote pings the remote tier under a short timeout.
func (s *Service) checkRemote(ctx context.Context) TierHealth {
	health := TierHealth{Enabled: s.remoteEnabled()}
	if !health.Enabled {
		return health
	}

	health.Connected = s.conn != nil && s.conn.IsConnected()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := s.remote.Ping(pingCtx)
	health.ResponseTimeMS = time.Since(start).Milliseconds()

	if err != nil {
		health.Error = err.Error()
		return health
	}

	health.Healthy = true
	return health
}

// BreakerState exposes the cache breaker's state for diagnostics.
func (s *Service) BreakerState() string {
	return s.breaker.GetState().String()
}

// Close stops the local tier's sweep and disconnects the remote tier.
func (s *Service) Close() error {
	s.memory.Close()
	if s.conn != nil {
		if err := s.conn.Disconnect(); err != nil {
			return err
		}
	}
	return nil
}

// TypePrefix renders the "<type>:" key prefix used by clear-by-type.
func TypePrefix(t models.ContentType) string {
	return string(t) + ":"
}

// KeyContentType recovers the content type from a local key, for callers
// enumerating raw keys.
func KeyContentType(key string) (models.ContentType, bool) {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 {
		return "", false
	}
	t := models.ContentType(key[:idx])
	return t, models.ValidContentType(t)
}
