// Package adapters defines the uniform source-adapter contract and the
// registry that creates, health-checks and tears down adapter instances.
package adapters

import (
	"context"

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/pkg/models"
)

// Adapter is the contract every backing source implements. Operations run
// under bounded timeouts imposed by the caller; HealthCheck must be cheap.
type Adapter interface {
	// Name returns the instance name from the source config
	Name() string
	// Type returns the adapter type (file, web, database, s3, ...)
	Type() string
	// Initialize prepares the adapter (index build, connection checks)
	Initialize(ctx context.Context) error
	// Search runs a knowledge-base query against this source
	Search(ctx context.Context, query string, filters *models.SearchFilters) ([]models.SearchResult, error)
	// SearchRunbooks finds runbooks matching an alert context
	SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]models.Runbook, error)
	// GetDocument fetches one document by id
	GetDocument(ctx context.Context, id string) (*models.SearchResult, error)
	// HealthCheck probes the source
	HealthCheck(ctx context.Context) models.AdapterHealth
	// GetMetadata describes the adapter instance
	GetMetadata() models.AdapterMetadata
	// RefreshIndex rebuilds the adapter's view of the source
	RefreshIndex(ctx context.Context, force bool) error
	// Cleanup releases the adapter's resources
	Cleanup() error
	// GetConfig returns the source config the adapter was created from
	GetConfig() config.SourceConfig
}

// Factory builds one adapter instance from its source config.
type Factory func(cfg config.SourceConfig) (Adapter, error)
