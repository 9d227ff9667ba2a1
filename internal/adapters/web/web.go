// Package web implements the HTTP-endpoint source adapter. It queries a
// remote knowledge API over JSON, with timeouts sized to stay inside the
// external-service circuit breaker budget.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/pkg/models"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// AdapterType is the registry key for this adapter.
const AdapterType = "web"

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 4 << 20

// Adapter talks to one remote knowledge endpoint.
type Adapter struct {
	cfg       config.SourceConfig
	baseURL   string
	authToken string
	client    *http.Client
	logger    observability.Logger
}

// New builds a web adapter from its source config.
func New(cfg config.SourceConfig, logger observability.Logger) (*Adapter, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	baseURL, _ := cfg.Config["base_url"].(string)
	if baseURL == "" {
		return nil, fmt.Errorf("web adapter %q: config.base_url is required", cfg.Name)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("web adapter %q: invalid base_url: %w", cfg.Name, err)
	}

	timeout := 10 * time.Second
	if ms, ok := cfg.Config["timeout_ms"].(int); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	authToken, _ := cfg.Config["auth_token"].(string)

	return &Adapter{
		cfg:       cfg,
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.WithPrefix("web:" + cfg.Name),
	}, nil
}

// Name returns the instance name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Type returns "web".
func (a *Adapter) Type() string { return AdapterType }

// GetConfig returns the source config.
func (a *Adapter) GetConfig() config.SourceConfig { return a.cfg }

// Initialize verifies the endpoint answers.
func (a *Adapter) Initialize(ctx context.Context) error {
	health := a.HealthCheck(ctx)
	if !health.Healthy {
		// Remote sources may come up later; the breaker handles outages.
		a.logger.Warn("Web source not reachable at startup", map[string]interface{}{
			"error": health.Error,
		})
	}
	return nil
}

// get issues one JSON GET and decodes the response into out.
func (a *Adapter) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := a.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Search queries the remote /search endpoint.
func (a *Adapter) Search(ctx context.Context, query string, filters *models.SearchFilters) ([]models.SearchResult, error) {
	q := url.Values{"q": {query}}
	if filters != nil && filters.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", filters.Limit))
	}

	var results []models.SearchResult
	if err := a.get(ctx, "/search", q, &results); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Source = a.cfg.Name
		results[i].SourceType = AdapterType
	}
	return results, nil
}

// SearchRunbooks queries the remote /runbooks endpoint.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]models.Runbook, error) {
	q := url.Values{
		"alert_type": {alertType},
		"severity":   {string(severity)},
	}
	if len(affectedSystems) > 0 {
		q.Set("systems", strings.Join(affectedSystems, ","))
	}

	var runbooks []models.Runbook
	if err := a.get(ctx, "/runbooks", q, &runbooks); err != nil {
		return nil, err
	}
	return runbooks, nil
}

// GetDocument fetches one document by id.
func (a *Adapter) GetDocument(ctx context.Context, id string) (*models.SearchResult, error) {
	var result models.SearchResult
	if err := a.get(ctx, "/documents/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	result.Source = a.cfg.Name
	result.SourceType = AdapterType
	return &result, nil
}

// HealthCheck probes the endpoint's health route, falling back to the base
// URL for APIs without one.
func (a *Adapter) HealthCheck(ctx context.Context) models.AdapterHealth {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return models.AdapterHealth{Healthy: false, Error: err.Error()}
	}
	resp, err := a.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return models.AdapterHealth{Healthy: false, ResponseTimeMS: elapsed, Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return models.AdapterHealth{
			Healthy:        false,
			ResponseTimeMS: elapsed,
			Error:          fmt.Sprintf("health endpoint returned %d", resp.StatusCode),
		}
	}
	return models.AdapterHealth{Healthy: true, ResponseTimeMS: elapsed}
}

// GetMetadata describes the adapter instance. Remote document counts are
// unknown.
func (a *Adapter) GetMetadata() models.AdapterMetadata {
	return models.AdapterMetadata{
		Name:    a.cfg.Name,
		Type:    AdapterType,
		Enabled: a.cfg.Enabled,
	}
}

// RefreshIndex is a no-op: the remote side owns its index.
func (a *Adapter) RefreshIndex(context.Context, bool) error { return nil }

// Cleanup closes idle connections.
func (a *Adapter) Cleanup() error {
	a.client.CloseIdleConnections()
	return nil
}
