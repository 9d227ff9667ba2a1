package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prodpipe/prodpipe/internal/adapters"
	"github.com/prodpipe/prodpipe/internal/cache"
	"github.com/prodpipe/prodpipe/internal/perf"
	"github.com/prodpipe/prodpipe/internal/resilience"
)

// HealthChecker aggregates component health for the /health surfaces.
type HealthChecker struct {
	cacheSvc  *cache.Service
	registry  *adapters.Registry
	monitor   *perf.Monitor
	breakers  *resilience.Registry
	version   string
	startedAt time.Time
}

// NewHealthChecker wires the health surface over the live components.
func NewHealthChecker(cacheSvc *cache.Service, registry *adapters.Registry, monitor *perf.Monitor, breakers *resilience.Registry, version string) *HealthChecker {
	return &HealthChecker{
		cacheSvc:  cacheSvc,
		registry:  registry,
		monitor:   monitor,
		breakers:  breakers,
		version:   version,
		startedAt: time.Now(),
	}
}

// Healthy reports the overall verdict: the cache roundtrip passes and no
// breaker is stuck open.
func (h *HealthChecker) Healthy(c *gin.Context) bool {
	if h.cacheSvc != nil && h.cacheSvc.Enabled() {
		if !h.cacheSvc.Health(c.Request.Context()).OverallHealthy {
			return false
		}
	}
	return h.breakers.HealthSummary().Failed == 0
}

// handleHealth serves GET /health: the quick verdict.
func (h *HealthChecker) handleHealth(c *gin.Context) {
	healthy := h.Healthy(c)
	status := http.StatusOK
	verdict := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		verdict = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":         verdict,
		"version":        h.version,
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthDetailed serves GET /health/detailed: every component report
// in one payload.
func (h *HealthChecker) handleHealthDetailed(c *gin.Context) {
	ctx := c.Request.Context()

	cacheReport := h.cacheSvc.Health(ctx)
	sources := h.registry.HealthCheckAll(ctx)
	summary := h.breakers.HealthSummary()

	sourcesHealthy := true
	for _, s := range sources {
		if !s.Healthy {
			sourcesHealthy = false
			break
		}
	}

	healthy := cacheReport.OverallHealthy && summary.Failed == 0
	status := http.StatusOK
	verdict := "healthy"
	switch {
	case !healthy:
		status = http.StatusServiceUnavailable
		verdict = "unhealthy"
	case !sourcesHealthy:
		verdict = "degraded"
	}

	c.JSON(status, gin.H{
		"status":           verdict,
		"version":          h.version,
		"uptime_seconds":   time.Since(h.startedAt).Seconds(),
		"cache":            cacheReport,
		"sources":          sources,
		"circuit_breakers": summary,
		"performance":      h.monitor.GetSnapshot().Global,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthCache serves GET /health/cache.
func (h *HealthChecker) handleHealthCache(c *gin.Context) {
	report := h.cacheSvc.Health(c.Request.Context())
	status := http.StatusOK
	if !report.OverallHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// handleHealthSources serves GET /health/sources. Degraded adapters do not
// fail the endpoint; zero healthy adapters with adapters configured does.
func (h *HealthChecker) handleHealthSources(c *gin.Context) {
	sources := h.registry.HealthCheckAll(c.Request.Context())

	healthyCount := 0
	for _, s := range sources {
		if s.Healthy {
			healthyCount++
		}
	}

	status := http.StatusOK
	if len(sources) > 0 && healthyCount == 0 {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"sources":   sources,
		"total":     len(sources),
		"healthy":   healthyCount,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthPerformance serves GET /health/performance.
func (h *HealthChecker) handleHealthPerformance(c *gin.Context) {
	snapshot := h.monitor.GetSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"global":    snapshot.Global,
		"resources": snapshot.Resources,
		"timestamp": snapshot.Timestamp.UTC().Format(time.RFC3339),
	})
}

// handleReady serves GET /ready: readiness mirrors the overall verdict.
func (h *HealthChecker) handleReady(c *gin.Context) {
	if h.Healthy(c) {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}

// handleLive serves GET /live: liveness is unconditional once the process
// answers HTTP.
func (h *HealthChecker) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}
