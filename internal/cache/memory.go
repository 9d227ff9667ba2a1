package cache

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

// MemoryConfig configures the bounded in-process tier.
type MemoryConfig struct {
	MaxKeys            int `mapstructure:"max_keys"`
	TTLSeconds         int `mapstructure:"ttl_seconds"`
	CheckPeriodSeconds int `mapstructure:"check_period_seconds"`
}

// DefaultMemoryConfig returns the local-tier defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxKeys:            1000,
		TTLSeconds:         3600,
		CheckPeriodSeconds: 600,
	}
}

// MemoryCache is the bounded local tier. Capacity eviction is LRU; expiry is
// per entry, enforced lazily on read and by a periodic sweep.
type MemoryCache struct {
	config MemoryConfig
	logger observability.Logger

	mu      sync.RWMutex
	entries *lru.Cache[string, *Entry]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryCache creates the local tier and starts its expiry sweep.
func NewMemoryCache(config MemoryConfig, logger observability.Logger) (*MemoryCache, error) {
	if config.MaxKeys <= 0 {
		config.MaxKeys = DefaultMemoryConfig().MaxKeys
	}
	if config.TTLSeconds <= 0 {
		config.TTLSeconds = DefaultMemoryConfig().TTLSeconds
	}
	if config.CheckPeriodSeconds <= 0 {
		config.CheckPeriodSeconds = DefaultMemoryConfig().CheckPeriodSeconds
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	entries, err := lru.New[string, *Entry](config.MaxKeys)
	if err != nil {
		return nil, err
	}

	mc := &MemoryCache{
		config:  config,
		logger:  logger,
		entries: entries,
		stopCh:  make(chan struct{}),
	}

	go mc.sweepLoop()

	return mc, nil
}

// Get returns the entry for key, expiring it lazily.
func (mc *MemoryCache) Get(key string) (*Entry, bool) {
	mc.mu.RLock()
	entry, ok := mc.entries.Get(key)
	mc.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		mc.mu.Lock()
		mc.entries.Remove(key)
		mc.mu.Unlock()
		return nil, false
	}
	return entry, true
}

// Set inserts or replaces the entry for key. The LRU evicts the least
// recently used entry when the key cap is reached.
func (mc *MemoryCache) Set(key string, entry *Entry) {
	mc.mu.Lock()
	mc.entries.Add(key, entry)
	mc.mu.Unlock()
}

// Delete removes the entry for key, reporting whether it was present.
func (mc *MemoryCache) Delete(key string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.entries.Remove(key)
}

// Keys returns a snapshot of all keys, least recently used first.
func (mc *MemoryCache) Keys() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.entries.Keys()
}

// DeleteByPrefix removes every key with the given prefix and returns how
// many entries were dropped.
func (mc *MemoryCache) DeleteByPrefix(prefix string) int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	removed := 0
	for _, key := range mc.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			if mc.entries.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Clear drops every entry.
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	mc.entries.Purge()
	mc.mu.Unlock()
}

// Len returns the number of live entries, including any not yet swept.
func (mc *MemoryCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.entries.Len()
}

// DefaultTTLSeconds returns the tier's fallback TTL.
func (mc *MemoryCache) DefaultTTLSeconds() int {
	return mc.config.TTLSeconds
}

// MaxKeys returns the tier's key cap.
func (mc *MemoryCache) MaxKeys() int {
	return mc.config.MaxKeys
}

// sweepLoop prunes expired entries on the configured period.
func (mc *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(time.Duration(mc.config.CheckPeriodSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.sweep()
		case <-mc.stopCh:
			return
		}
	}
}

// sweep removes every expired entry in one pass.
func (mc *MemoryCache) sweep() {
	now := time.Now()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	removed := 0
	for _, key := range mc.entries.Keys() {
		if entry, ok := mc.entries.Peek(key); ok && entry.Expired(now) {
			mc.entries.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		mc.logger.Debug("Expired cache entries swept", map[string]interface{}{
			"removed": removed,
		})
	}
}

// Close stops the expiry sweep. Entries stay readable until the process exits.
func (mc *MemoryCache) Close() {
	mc.stopOnce.Do(func() {
		close(mc.stopCh)
	})
}
