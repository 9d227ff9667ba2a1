// Package perf implements the performance monitor: bounded per-tool sample
// rings, nearest-rank percentiles, a global summary and a realtime tick that
// fans metric snapshots out to subscribers.
package perf

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

// Config tunes the monitor.
type Config struct {
	// MaxSamples bounds each tool's duration ring
	MaxSamples int
	// WindowSeconds bounds the throughput window
	WindowSeconds int
	// RealtimeInterval is the default tick period for StartRealtime
	RealtimeInterval time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		MaxSamples:       1000,
		WindowSeconds:    300,
		RealtimeInterval: 30 * time.Second,
	}
}

// ToolMetrics is the per-tool aggregate view.
type ToolMetrics struct {
	Tool        string    `json:"tool"`
	TotalCalls  int64     `json:"total_calls"`
	TotalTimeMS float64   `json:"total_time_ms"`
	AvgMS       float64   `json:"avg_ms"`
	P50MS       float64   `json:"p50_ms"`
	P95MS       float64   `json:"p95_ms"`
	P99MS       float64   `json:"p99_ms"`
	ErrorCount  int64     `json:"error_count"`
	ErrorRate   float64   `json:"error_rate"`
	LastCalled  time.Time `json:"last_called"`
}

// GlobalMetrics is the all-tools summary.
type GlobalMetrics struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	ErrorRate         float64 `json:"error_rate"`
	AvgMS             float64 `json:"avg_ms"`
	P50MS             float64 `json:"p50_ms"`
	P95MS             float64 `json:"p95_ms"`
	P99MS             float64 `json:"p99_ms"`
	MinMS             float64 `json:"min_ms"`
	MaxMS             float64 `json:"max_ms"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// ResourceMetrics is the coarse process-resource view.
type ResourceMetrics struct {
	ResidentMemoryMB float64 `json:"resident_memory_mb"`
	HeapAllocMB      float64 `json:"heap_alloc_mb"`
	HeapObjects      uint64  `json:"heap_objects"`
	Goroutines       int     `json:"goroutines"`
	NumCPU           int     `json:"num_cpu"`
	GCCPUFraction    float64 `json:"gc_cpu_fraction"`
	NumGC            uint32  `json:"num_gc"`
}

// Snapshot is one consistent read of everything the monitor tracks.
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Global    GlobalMetrics   `json:"global"`
	Tools     []ToolMetrics   `json:"tools"`
	Resources ResourceMetrics `json:"resources"`
}

// toolRing is the per-tool bounded sample ring plus online aggregates.
type toolRing struct {
	durations  []float64 // ring buffer, ms
	next       int
	filled     bool
	totalCalls int64
	totalTime  float64
	errorCount int64
	lastCalled time.Time
}

// samples returns a copy of the live ring contents.
func (r *toolRing) samples() []float64 {
	if r.filled {
		out := make([]float64, len(r.durations))
		copy(out, r.durations)
		return out
	}
	out := make([]float64, r.next)
	copy(out, r.durations[:r.next])
	return out
}

// Subscriber receives realtime metric snapshots.
type Subscriber func(Snapshot)

// Monitor records per-tool latency and error samples and computes the
// aggregate views. Safe for concurrent use: recorders write under the lock,
// readers take copy-and-sort snapshots.
type Monitor struct {
	config Config
	logger observability.Logger

	mu        sync.RWMutex
	tools     map[string]*toolRing
	startedAt time.Time

	tickMu      sync.Mutex
	ticker      *time.Ticker
	tickStop    chan struct{}
	subscribers []Subscriber
}

// NewMonitor creates a monitor with the given tuning.
func NewMonitor(config Config, logger observability.Logger) *Monitor {
	if config.MaxSamples <= 0 {
		config.MaxSamples = DefaultConfig().MaxSamples
	}
	if config.WindowSeconds <= 0 {
		config.WindowSeconds = DefaultConfig().WindowSeconds
	}
	if config.RealtimeInterval <= 0 {
		config.RealtimeInterval = DefaultConfig().RealtimeInterval
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Monitor{
		config:    config,
		logger:    logger,
		tools:     make(map[string]*toolRing),
		startedAt: time.Now(),
	}
}

// Record appends one sample for the tool. When the ring is full the oldest
// sample is overwritten.
func (m *Monitor) Record(tool string, duration time.Duration, isError bool) {
	ms := float64(duration) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	ring, ok := m.tools[tool]
	if !ok {
		ring = &toolRing{durations: make([]float64, 0, m.config.MaxSamples)}
		m.tools[tool] = ring
	}

	if len(ring.durations) < m.config.MaxSamples {
		ring.durations = append(ring.durations, ms)
	} else {
		ring.durations[ring.next] = ms
		ring.next = (ring.next + 1) % m.config.MaxSamples
		ring.filled = true
	}

	ring.totalCalls++
	ring.totalTime += ms
	if isError {
		ring.errorCount++
	}
	ring.lastCalled = time.Now()
}

// percentile computes the nearest-rank percentile of sorted: for percentile
// p, index = ceil(p/100 × n) − 1, clamped to [0, n−1].
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// ToolSnapshot returns the aggregate view for one tool, or false when the
// tool has never been recorded.
func (m *Monitor) ToolSnapshot(tool string) (ToolMetrics, bool) {
	m.mu.RLock()
	ring, ok := m.tools[tool]
	if !ok {
		m.mu.RUnlock()
		return ToolMetrics{}, false
	}
	metrics := m.toolMetricsLocked(tool, ring)
	m.mu.RUnlock()
	return metrics, true
}

func (m *Monitor) toolMetricsLocked(tool string, ring *toolRing) ToolMetrics {
	samples := ring.samples()
	sort.Float64s(samples)

	metrics := ToolMetrics{
		Tool:        tool,
		TotalCalls:  ring.totalCalls,
		TotalTimeMS: ring.totalTime,
		ErrorCount:  ring.errorCount,
		LastCalled:  ring.lastCalled,
		P50MS:       percentile(samples, 50),
		P95MS:       percentile(samples, 95),
		P99MS:       percentile(samples, 99),
	}
	if ring.totalCalls > 0 {
		metrics.AvgMS = ring.totalTime / float64(ring.totalCalls)
		metrics.ErrorRate = float64(ring.errorCount) / float64(ring.totalCalls)
	}
	return metrics
}

// GetSnapshot returns one consistent view of global, per-tool and resource
// metrics.
func (m *Monitor) GetSnapshot() Snapshot {
	m.mu.RLock()

	var (
		all         []float64
		totalCalls  int64
		totalTime   float64
		totalErrors int64
		tools       = make([]ToolMetrics, 0, len(m.tools))
	)
	for tool, ring := range m.tools {
		tools = append(tools, m.toolMetricsLocked(tool, ring))
		all = append(all, ring.samples()...)
		totalCalls += ring.totalCalls
		totalTime += ring.totalTime
		totalErrors += ring.errorCount
	}
	startedAt := m.startedAt
	m.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Tool < tools[j].Tool })
	sort.Float64s(all)

	global := GlobalMetrics{
		TotalRequests: totalCalls,
		TotalErrors:   totalErrors,
		UptimeSeconds: time.Since(startedAt).Seconds(),
		P50MS:         percentile(all, 50),
		P95MS:         percentile(all, 95),
		P99MS:         percentile(all, 99),
	}
	if len(all) > 0 {
		global.MinMS = all[0]
		global.MaxMS = all[len(all)-1]
	}
	if totalCalls > 0 {
		global.AvgMS = totalTime / float64(totalCalls)
		global.ErrorRate = float64(totalErrors) / float64(totalCalls)
	}

	window := math.Min(global.UptimeSeconds, float64(m.config.WindowSeconds))
	if window > 0 {
		global.RequestsPerSecond = float64(totalCalls) / window
	}

	return Snapshot{
		Timestamp: time.Now(),
		Global:    global,
		Tools:     tools,
		Resources: readResources(),
	}
}

// readResources samples process memory and a coarse CPU estimate from the
// runtime.
func readResources() ResourceMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return ResourceMetrics{
		ResidentMemoryMB: float64(ms.Sys) / (1024 * 1024),
		HeapAllocMB:      float64(ms.HeapAlloc) / (1024 * 1024),
		HeapObjects:      ms.HeapObjects,
		Goroutines:       runtime.NumGoroutine(),
		NumCPU:           runtime.NumCPU(),
		GCCPUFraction:    ms.GCCPUFraction,
		NumGC:            ms.NumGC,
	}
}

// Subscribe registers a realtime subscriber. Subscribers run on the tick
// goroutine; a panicking subscriber is logged and the tick continues.
func (m *Monitor) Subscribe(fn Subscriber) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// StartRealtime begins the periodic snapshot tick. A zero interval uses the
// configured default. Starting an already-started monitor restarts the tick.
func (m *Monitor) StartRealtime(interval time.Duration) {
	if interval <= 0 {
		interval = m.config.RealtimeInterval
	}

	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.stopLocked()
	m.ticker = time.NewTicker(interval)
	m.tickStop = make(chan struct{})

	go m.tickLoop(m.ticker, m.tickStop)

	m.logger.Info("Realtime performance monitoring started", map[string]interface{}{
		"interval": interval.String(),
	})
}

func (m *Monitor) tickLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			snapshot := m.GetSnapshot()
			m.tickMu.Lock()
			subscribers := make([]Subscriber, len(m.subscribers))
			copy(subscribers, m.subscribers)
			m.tickMu.Unlock()

			for _, fn := range subscribers {
				m.invoke(fn, snapshot)
			}
		case <-stop:
			return
		}
	}
}

func (m *Monitor) invoke(fn Subscriber, snapshot Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Realtime subscriber panicked", map[string]interface{}{
				"panic": r,
			})
		}
	}()
	fn(snapshot)
}

// StopRealtime cancels the periodic tick.
func (m *Monitor) StopRealtime() {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
}

// Reset clears all rings, aggregates and error counters and restarts the
// uptime clock.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.tools = make(map[string]*toolRing)
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("Performance metrics reset", nil)
}
