package cache

import (
	"sync/atomic"
	"time"

	"github.com/prodpipe/prodpipe/pkg/models"
)

// typeCounters tracks hit/miss counts for one content type.
type typeCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// statsRecorder maintains the per-operation counters behind GetStats. The
// per-type map is fixed at construction, so lookups are lock-free.
type statsRecorder struct {
	hits      atomic.Int64
	misses    atomic.Int64
	byType    map[models.ContentType]*typeCounters
	lastReset atomic.Int64 // unix nanos
}

func newStatsRecorder() *statsRecorder {
	byType := make(map[models.ContentType]*typeCounters, len(models.ContentTypes))
	for _, t := range models.ContentTypes {
		byType[t] = &typeCounters{}
	}
	s := &statsRecorder{byType: byType}
	s.lastReset.Store(time.Now().UnixNano())
	return s
}

func (s *statsRecorder) recordHit(t models.ContentType) {
	s.hits.Add(1)
	if c, ok := s.byType[t]; ok {
		c.hits.Add(1)
	}
}

func (s *statsRecorder) recordMiss(t models.ContentType) {
	s.misses.Add(1)
	if c, ok := s.byType[t]; ok {
		c.misses.Add(1)
	}
}

func (s *statsRecorder) reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	for _, c := range s.byType {
		c.hits.Store(0)
		c.misses.Store(0)
	}
	s.lastReset.Store(time.Now().UnixNano())
}

// TypeStats is the per-content-type slice of the cache statistics.
type TypeStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats is a point-in-time snapshot of cache statistics. TotalOps always
// equals Hits plus Misses, and the per-type counters sum to the totals.
type Stats struct {
	Hits            int64                `json:"hits"`
	Misses          int64                `json:"misses"`
	TotalOps        int64                `json:"total_operations"`
	HitRate         float64              `json:"hit_rate"`
	ByType          map[string]TypeStats `json:"by_content_type"`
	LastReset       time.Time            `json:"last_reset"`
	RemoteConnected bool                 `json:"redis_connected"`
	MemoryKeys      int                  `json:"memory_keys"`
	Strategy        string               `json:"strategy"`
	Enabled         bool                 `json:"enabled"`
}

func (s *statsRecorder) snapshot() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	total := hits + misses

	stats := Stats{
		Hits:      hits,
		Misses:    misses,
		TotalOps:  total,
		ByType:    make(map[string]TypeStats, len(s.byType)),
		LastReset: time.Unix(0, s.lastReset.Load()),
	}
	if total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	for t, c := range s.byType {
		th := c.hits.Load()
		tm := c.misses.Load()
		ts := TypeStats{Hits: th, Misses: tm}
		if th+tm > 0 {
			ts.HitRate = float64(th) / float64(th+tm)
		}
		stats.ByType[string(t)] = ts
	}

	return stats
}
