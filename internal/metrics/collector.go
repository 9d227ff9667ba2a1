// Package metrics exposes the pp_* Prometheus series and the JSON metrics
// snapshot served on /metrics. The collector reads live snapshots at scrape
// time instead of maintaining its own counters.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/prodpipe/prodpipe/internal/adapters"
	"github.com/prodpipe/prodpipe/internal/cache"
	"github.com/prodpipe/prodpipe/internal/perf"
)

// namespace is the stable metric prefix.
const namespace = "pp"

// Collector implements prometheus.Collector over the monitor, cache and
// adapter registry snapshots.
type Collector struct {
	monitor   *perf.Monitor
	cacheSvc  *cache.Service
	registry  *adapters.Registry
	startedAt time.Time

	uptime           *prometheus.Desc
	memoryResident   *prometheus.Desc
	memoryHeap       *prometheus.Desc
	cacheHitRate     *prometheus.Desc
	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheOperations  *prometheus.Desc
	toolCalls        *prometheus.Desc
	toolErrors       *prometheus.Desc
	toolAvgDuration  *prometheus.Desc
	toolErrorRate    *prometheus.Desc
	sourceHealthy    *prometheus.Desc
	sourceRespTimeMS *prometheus.Desc
}

// NewCollector builds the pp_* collector.
func NewCollector(monitor *perf.Monitor, cacheSvc *cache.Service, registry *adapters.Registry) *Collector {
	return &Collector{
		monitor:   monitor,
		cacheSvc:  cacheSvc,
		registry:  registry,
		startedAt: time.Now(),

		uptime: prometheus.NewDesc(
			namespace+"_uptime_seconds",
			"Server uptime in seconds", nil, nil),
		memoryResident: prometheus.NewDesc(
			namespace+"_memory_resident_bytes",
			"Resident memory in bytes", nil, nil),
		memoryHeap: prometheus.NewDesc(
			namespace+"_memory_heap_bytes",
			"Heap allocation in bytes", nil, nil),
		cacheHitRate: prometheus.NewDesc(
			namespace+"_cache_hit_rate",
			"Cache hit rate in [0,1]", nil, nil),
		cacheHits: prometheus.NewDesc(
			namespace+"_cache_hits_total",
			"Total cache hits", nil, nil),
		cacheMisses: prometheus.NewDesc(
			namespace+"_cache_misses_total",
			"Total cache misses", nil, nil),
		cacheOperations: prometheus.NewDesc(
			namespace+"_cache_operations_total",
			"Total cache get operations", nil, nil),
		toolCalls: prometheus.NewDesc(
			namespace+"_tool_calls_total",
			"Total calls per tool", []string{"tool"}, nil),
		toolErrors: prometheus.NewDesc(
			namespace+"_tool_errors_total",
			"Total errors per tool", []string{"tool"}, nil),
		toolAvgDuration: prometheus.NewDesc(
			namespace+"_tool_avg_duration_ms",
			"Average call duration per tool in milliseconds", []string{"tool"}, nil),
		toolErrorRate: prometheus.NewDesc(
			namespace+"_tool_error_rate",
			"Error rate per tool in [0,1]", []string{"tool"}, nil),
		sourceHealthy: prometheus.NewDesc(
			namespace+"_source_healthy",
			"Source adapter health (1 healthy, 0 unhealthy)", []string{"source", "type"}, nil),
		sourceRespTimeMS: prometheus.NewDesc(
			namespace+"_source_response_time_ms",
			"Source adapter health-check response time in milliseconds", []string{"source", "type"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.memoryResident
	ch <- c.memoryHeap
	ch <- c.cacheHitRate
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheOperations
	ch <- c.toolCalls
	ch <- c.toolErrors
	ch <- c.toolAvgDuration
	ch <- c.toolErrorRate
	ch <- c.sourceHealthy
	ch <- c.sourceRespTimeMS
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, time.Since(c.startedAt).Seconds())

	snapshot := c.monitor.GetSnapshot()
	ch <- prometheus.MustNewConstMetric(c.memoryResident, prometheus.GaugeValue, snapshot.Resources.ResidentMemoryMB*1024*1024)
	ch <- prometheus.MustNewConstMetric(c.memoryHeap, prometheus.GaugeValue, snapshot.Resources.HeapAllocMB*1024*1024)

	for _, tool := range snapshot.Tools {
		ch <- prometheus.MustNewConstMetric(c.toolCalls, prometheus.CounterValue, float64(tool.TotalCalls), tool.Tool)
		ch <- prometheus.MustNewConstMetric(c.toolErrors, prometheus.CounterValue, float64(tool.ErrorCount), tool.Tool)
		ch <- prometheus.MustNewConstMetric(c.toolAvgDuration, prometheus.GaugeValue, tool.AvgMS, tool.Tool)
		ch <- prometheus.MustNewConstMetric(c.toolErrorRate, prometheus.GaugeValue, tool.ErrorRate, tool.Tool)
	}

	if c.cacheSvc != nil {
		stats := c.cacheSvc.GetStats()
		ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, stats.HitRate)
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(stats.Hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(stats.Misses))
		ch <- prometheus.MustNewConstMetric(c.cacheOperations, prometheus.CounterValue, float64(stats.TotalOps))
	}

	if c.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		health := c.registry.HealthCheckAll(ctx)
		meta := c.registry.Metadata()
		for name, h := range health {
			sourceType := "unknown"
			if m, ok := meta[name]; ok {
				sourceType = m.Type
			}
			healthy := 0.0
			if h.Healthy {
				healthy = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.sourceHealthy, prometheus.GaugeValue, healthy, name, sourceType)
			ch <- prometheus.MustNewConstMetric(c.sourceRespTimeMS, prometheus.GaugeValue, float64(h.ResponseTimeMS), name, sourceType)
		}
	}
}
