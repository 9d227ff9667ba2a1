package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

// Breaker classes. Each class carries a default configuration tuned for the
// kind of dependency it guards.
const (
	ClassExternalService = "external_service"
	ClassCache           = "cache"
	ClassDatabase        = "database"
)

// ExternalServiceConfig returns the default tuning for third-party services
// and source adapters: slow to trip, slow to recover, generous call budget.
func ExternalServiceConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		MonitoringWindow: 5 * time.Minute,
		CallTimeout:      30 * time.Second,
	}
}

// CacheConfig returns the default tuning for cache dependencies: quick to
// trip, quick to probe, tight call budget.
func CacheConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		MonitoringWindow: 2 * time.Minute,
		CallTimeout:      5 * time.Second,
	}
}

// DatabaseConfig returns the default tuning for database dependencies.
func DatabaseConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
		MonitoringWindow: 5 * time.Minute,
		CallTimeout:      10 * time.Second,
	}
}

// HealthSummary aggregates breaker states across the registry: closed
// breakers are healthy, half-open degraded, open failed.
type HealthSummary struct {
	Healthy  int `json:"healthy"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// Registry hands out named circuit breaker singletons. One breaker exists
// per dependency name; the first caller's class decides its configuration.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   observability.Logger
}

// NewRegistry creates an empty breaker registry
func NewRegistry(logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// ExternalService returns the shared breaker for the named external service,
// creating it with the external-service class defaults on first use.
func (r *Registry) ExternalService(name string) *CircuitBreaker {
	return r.getOrCreate(name, ClassExternalService, ExternalServiceConfig())
}

// Cache returns the shared breaker for the named cache dependency.
func (r *Registry) Cache(name string) *CircuitBreaker {
	return r.getOrCreate(name, ClassCache, CacheConfig())
}

// Database returns the shared breaker for the named database dependency.
func (r *Registry) Database(name string) *CircuitBreaker {
	return r.getOrCreate(name, ClassDatabase, DatabaseConfig())
}

// GetWithConfig returns the shared breaker for name, creating it with an
// explicit configuration on first use. Used by tests and by callers with
// tuning requirements outside the three standard classes.
func (r *Registry) GetWithConfig(name, class string, config *Config) *CircuitBreaker {
	return r.getOrCreate(name, class, config)
}

func (r *Registry) getOrCreate(name, class string, config *Config) *CircuitBreaker {
	r.mu.RLock()
	breaker, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := r.breakers[name]; exists {
		return breaker
	}

	breaker = NewCircuitBreaker(name, class, config, r.logger)
	r.breakers[name] = breaker

	r.logger.Debug("Circuit breaker created", map[string]interface{}{
		"breaker": name,
		"class":   class,
	})

	return breaker
}

// Get returns the breaker registered under name, or nil when absent.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// GetAllStats returns statistics for every registered breaker
func (r *Registry) GetAllStats() map[string]map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]map[string]interface{}, len(r.breakers))
	for name, breaker := range r.breakers {
		stats[name] = breaker.GetStats()
	}

	return stats
}

// HealthSummary classifies every breaker by state
func (r *Registry) HealthSummary() HealthSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var summary HealthSummary
	for _, breaker := range r.breakers {
		switch breaker.GetState() {
		case StateClosed:
			summary.Healthy++
		case StateHalfOpen:
			summary.Degraded++
		case StateOpen:
			summary.Failed++
		}
		summary.Total++
	}

	return summary
}

// ResetAll resets all circuit breakers
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, breaker := range r.breakers {
		breaker.Reset()
	}
}

// ResetBreaker resets a specific circuit breaker
func (r *Registry) ResetBreaker(name string) error {
	r.mu.RLock()
	breaker, exists := r.breakers[name]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("circuit breaker not found: %s", name)
	}

	breaker.Reset()
	return nil
}
