package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/pkg/models"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// healthCheckTimeout bounds each adapter's individual health probe.
const healthCheckTimeout = 5 * time.Second

// Registry holds factory closures keyed by adapter type and the adapters
// created through them. The factory map is append-only after startup.
type Registry struct {
	logger observability.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
	}
}

// RegisterFactory binds an adapter type to its factory.
func (r *Registry) RegisterFactory(adapterType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[adapterType] = factory
}

// Create builds an adapter from its source config, initializes it and
// enrolls it under its instance name.
func (r *Registry) Create(ctx context.Context, cfg config.SourceConfig) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter factory registered for type %q", cfg.Type)
	}

	adapter, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s adapter %q: %w", cfg.Type, cfg.Name, err)
	}

	if err := adapter.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing %s adapter %q: %w", cfg.Type, cfg.Name, err)
	}

	r.mu.Lock()
	r.adapters[cfg.Name] = adapter
	r.mu.Unlock()

	r.logger.Info("Source adapter registered", map[string]interface{}{
		"name": cfg.Name,
		"type": cfg.Type,
	})
	return adapter, nil
}

// Get returns the adapter enrolled under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	return adapter, ok
}

// All returns every enrolled adapter in registration-independent order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		all = append(all, adapter)
	}
	return all
}

// Count returns the number of enrolled adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// HealthCheckAll probes every adapter in parallel, each under its own
// timeout, and returns the per-adapter reports keyed by name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]models.AdapterHealth {
	adapters := r.All()

	reports := make(map[string]models.AdapterHealth, len(adapters))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, adapter := range adapters {
		adapter := adapter
		wg.Add(1)
		go func() {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()

			health := r.checkOne(checkCtx, adapter)

			mu.Lock()
			reports[adapter.Name()] = health
			mu.Unlock()
		}()
	}

	wg.Wait()
	return reports
}

// checkOne runs one health check, converting a panic or a blown timeout
// into an unhealthy report.
func (r *Registry) checkOne(ctx context.Context, adapter Adapter) models.AdapterHealth {
	type result struct{ health models.AdapterHealth }
	done := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{models.AdapterHealth{
					Healthy: false,
					Error:   fmt.Sprintf("health check panicked: %v", rec),
				}}
			}
		}()
		done <- result{adapter.HealthCheck(ctx)}
	}()

	start := time.Now()
	select {
	case res := <-done:
		return res.health
	case <-ctx.Done():
		return models.AdapterHealth{
			Healthy:        false,
			ResponseTimeMS: time.Since(start).Milliseconds(),
			Error:          "health check timed out",
		}
	}
}

// Metadata returns every adapter's metadata keyed by name.
func (r *Registry) Metadata() map[string]models.AdapterMetadata {
	adapters := r.All()
	meta := make(map[string]models.AdapterMetadata, len(adapters))
	for _, adapter := range adapters {
		meta[adapter.Name()] = adapter.GetMetadata()
	}
	return meta
}

// Cleanup tears every adapter down in parallel, tolerating individual
// failures, and empties the registry.
func (r *Registry) Cleanup() {
	adapters := r.All()

	var wg sync.WaitGroup
	for _, adapter := range adapters {
		adapter := adapter
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Adapter cleanup panicked", map[string]interface{}{
						"adapter": adapter.Name(),
						"panic":   fmt.Sprintf("%v", rec),
					})
				}
			}()
			if err := adapter.Cleanup(); err != nil {
				r.logger.Warn("Adapter cleanup failed", map[string]interface{}{
					"adapter": adapter.Name(),
					"error":   err.Error(),
				})
			}
		}()
	}
	wg.Wait()

	r.mu.Lock()
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()
}
