package monitoring

import (
	"time"

	"github.com/prodpipe/prodpipe/pkg/models"
)

// DefaultRules returns the built-in rule set. IDs and cooldowns are stable;
// operators reference them on the /monitoring/rules surface.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "system_down",
			Severity:    models.SeverityCritical,
			Description: "Server health flag is false",
			Cooldown:    60 * time.Second,
			Enabled:     true,
			Predicate: func(s Snapshot) bool {
				return !s.ServerHealthy
			},
		},
		{
			ID:          "cache_down",
			Severity:    models.SeverityCritical,
			Description: "Both cache tiers are unhealthy",
			Cooldown:    300 * time.Second,
			Enabled:     true,
			Predicate: func(s Snapshot) bool {
				return !s.CacheHealth.MemoryCache.Healthy && !s.CacheHealth.RedisCache.Healthy
			},
		},
		{
			ID:          "high_response_time",
			Severity:    models.SeverityHigh,
			Description: "p95 response time above 2000ms",
			Cooldown:    300 * time.Second,
			Enabled:     true,
			Predicate: func(s Snapshot) bool {
				return s.Performance.Global.P95MS > 2000
			},
		},
		{
			ID:          "high_memory_usage",
			Severity:    models.SeverityHigh,
			Description: "Resident memory above 2048MB",
			Cooldown:    600 * time.Second,
			Enabled:     true,
			Predicate: func(s Snapshot) bool {
				return s.Performance.Resources.ResidentMemoryMB > 2048
			},
		},
		{
			ID:          "high_error_rate",
			Severity:    models.SeverityHigh,
			Description: "Error rate above 10%",
			Cooldown:    300 * time.Second,
			Enabled:     true,
			Predicate: func(s Snapshot) bool {
				return s.Performance.Global.ErrorRate > 0.10
			},
		},
		{
			ID:          "low_cache_hit_rate",
			Severity:    models.SeverityMedium,
			Description: "Cache hit rate below 50%",
			Cooldown:    900 * time.Second,
			Enabled:     true,
			Predicate: func(s Snapshot) bool {
				return s.CacheStats.TotalOps > 0 && s.CacheStats.HitRate < 0.5
			},
		},
		{
			ID:          "source_adapters_degraded",
			Severity:    models.SeverityMedium,
			Description: "Fewer than half of the source adapters are healthy",
			Cooldown:    600 * time.Second,
			Enabled:     true,
			Predicate: func(s Snapshot) bool {
				return s.AdapterTotal > 0 && s.AdapterHealthyPercent() < 50
			},
		},
		{
			ID:          "low_throughput",
			Severity:    models.SeverityMedium,
			Description: "Throughput below 1 request per second",
			Cooldown:    900 * time.Second,
			Enabled:     true,
			Predicate: func(s Snapshot) bool {
				rps := s.Performance.Global.RequestsPerSecond
				return rps > 0 && rps < 1
			},
		},
		{
			ID:          "redis_connection_issues",
			Severity:    models.SeverityLow,
			Description: "Remote cache is enabled but not connected",
			Cooldown:    1800 * time.Second,
			Enabled:     true,
			Predicate: func(s Snapshot) bool {
				return s.RemoteCacheEnabled && !s.RemoteCacheConnected
			},
		},
	}
}
