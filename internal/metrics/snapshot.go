package metrics

import (
	"context"
	"time"

	"github.com/prodpipe/prodpipe/internal/adapters"
	"github.com/prodpipe/prodpipe/internal/cache"
	"github.com/prodpipe/prodpipe/internal/perf"
	"github.com/prodpipe/prodpipe/internal/resilience"
	"github.com/prodpipe/prodpipe/pkg/models"
)

// JSONSnapshot is the default /metrics payload.
type JSONSnapshot struct {
	Timestamp   time.Time                           `json:"timestamp"`
	Performance perf.Snapshot                       `json:"performance"`
	Cache       cache.Stats                         `json:"cache"`
	Sources     map[string]models.AdapterHealth     `json:"sources"`
	Breakers    map[string]map[string]interface{}   `json:"circuit_breakers"`
	Summary     resilience.HealthSummary            `json:"breaker_summary"`
}

// BuildJSONSnapshot assembles the JSON metrics view from the live
// components.
func BuildJSONSnapshot(ctx context.Context, monitor *perf.Monitor, cacheSvc *cache.Service, registry *adapters.Registry, breakers *resilience.Registry) JSONSnapshot {
	snapshot := JSONSnapshot{
		Timestamp:   time.Now(),
		Performance: monitor.GetSnapshot(),
	}
	if cacheSvc != nil {
		snapshot.Cache = cacheSvc.GetStats()
	}
	if registry != nil {
		snapshot.Sources = registry.HealthCheckAll(ctx)
	}
	if breakers != nil {
		snapshot.Breakers = breakers.GetAllStats()
		snapshot.Summary = breakers.HealthSummary()
	}
	return snapshot
}
