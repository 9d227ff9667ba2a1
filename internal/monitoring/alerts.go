// Package monitoring implements the alerting engine: a rule set evaluated
// on a periodic tick against one metrics snapshot, alert lifecycle with
// cooldown and auto-resolve, and notification fan-out to sinks.
package monitoring

import (
	"time"

	"github.com/prodpipe/prodpipe/internal/cache"
	"github.com/prodpipe/prodpipe/internal/perf"
	"github.com/prodpipe/prodpipe/internal/resilience"
	"github.com/prodpipe/prodpipe/pkg/models"
)

// Snapshot is the single metrics view a rule tick evaluates against. It is
// collected once per tick so every rule sees the same numbers.
type Snapshot struct {
	CollectedAt          time.Time                `json:"collected_at"`
	ServerHealthy        bool                     `json:"server_healthy"`
	Performance          perf.Snapshot            `json:"performance"`
	CacheStats           cache.Stats              `json:"cache_stats"`
	CacheHealth          cache.HealthReport       `json:"cache_health"`
	Breakers             resilience.HealthSummary `json:"breakers"`
	AdapterTotal         int                      `json:"adapter_total"`
	AdapterHealthy       int                      `json:"adapter_healthy"`
	RemoteCacheEnabled   bool                     `json:"remote_cache_enabled"`
	RemoteCacheConnected bool                     `json:"remote_cache_connected"`
}

// AdapterHealthyPercent returns the share of healthy adapters in [0, 100].
// With no adapters registered it reports 100 so the degradation rule stays
// quiet.
func (s Snapshot) AdapterHealthyPercent() float64 {
	if s.AdapterTotal == 0 {
		return 100
	}
	return float64(s.AdapterHealthy) / float64(s.AdapterTotal) * 100
}

// Collector produces the per-tick metrics snapshot.
type Collector func() Snapshot

// Rule is one monitored condition. The same rule fires at most once per
// cooldown window and holds at most one active alert.
type Rule struct {
	ID          string              `json:"id"`
	Severity    models.Severity     `json:"severity"`
	Description string              `json:"description"`
	Cooldown    time.Duration       `json:"cooldown"`
	Enabled     bool                `json:"enabled"`
	Predicate   func(Snapshot) bool `json:"-"`
}

// Alert is one raised rule violation.
type Alert struct {
	ID             string                 `json:"id"`
	RuleID         string                 `json:"rule_id"`
	Severity       models.Severity        `json:"severity"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Source         string                 `json:"source"`
	RaisedAt       time.Time              `json:"raised_at"`
	Resolved       bool                   `json:"resolved"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	ContextMetrics map[string]interface{} `json:"context_metrics,omitempty"`
}
