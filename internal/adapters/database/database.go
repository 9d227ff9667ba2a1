// Package database implements the Postgres source adapter. It reads from an
// operator-owned documents table whose name and columns come from config;
// the adapter owns no schema and runs no migrations.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/pkg/models"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// AdapterType is the registry key for this adapter.
const AdapterType = "database"

// identPattern accepts plain SQL identifiers; table and column names come
// from config and are interpolated into queries, so they are validated hard.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// columns maps the logical document fields onto the operator's table.
type columns struct {
	ID        string
	Title     string
	Content   string
	Category  string
	UpdatedAt string
}

// Adapter reads documents from one Postgres table.
type Adapter struct {
	cfg    config.SourceConfig
	db     *sqlx.DB
	table  string
	cols   columns
	logger observability.Logger
}

// New builds a database adapter from its source config, opening a pooled
// connection.
func New(cfg config.SourceConfig, logger observability.Logger) (*Adapter, error) {
	dsn, _ := cfg.Config["dsn"].(string)
	if dsn == "" {
		return nil, fmt.Errorf("database adapter %q: config.dsn is required", cfg.Name)
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database adapter %q: %w", cfg.Name, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewWithDB(cfg, db, logger)
}

// NewWithDB builds the adapter on an existing connection; used by tests.
func NewWithDB(cfg config.SourceConfig, db *sqlx.DB, logger observability.Logger) (*Adapter, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	table := configString(cfg, "table", "documents")
	cols := columns{
		ID:        configString(cfg, "id_column", "id"),
		Title:     configString(cfg, "title_column", "title"),
		Content:   configString(cfg, "content_column", "content"),
		Category:  configString(cfg, "category_column", "category"),
		UpdatedAt: configString(cfg, "updated_at_column", "updated_at"),
	}
	for _, ident := range []string{table, cols.ID, cols.Title, cols.Content, cols.Category, cols.UpdatedAt} {
		if !identPattern.MatchString(ident) {
			return nil, fmt.Errorf("database adapter %q: invalid identifier %q", cfg.Name, ident)
		}
	}

	return &Adapter{
		cfg:    cfg,
		db:     db,
		table:  table,
		cols:   cols,
		logger: logger.WithPrefix("database:" + cfg.Name),
	}, nil
}

func configString(cfg config.SourceConfig, key, fallback string) string {
	if s, ok := cfg.Config[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// Name returns the instance name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Type returns "database".
func (a *Adapter) Type() string { return AdapterType }

// GetConfig returns the source config.
func (a *Adapter) GetConfig() config.SourceConfig { return a.cfg }

// Initialize verifies the connection.
func (a *Adapter) Initialize(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database adapter %q: ping failed: %w", a.cfg.Name, err)
	}
	return nil
}

// docRow is one scanned document row.
type docRow struct {
	ID        string         `db:"id"`
	Title     sql.NullString `db:"title"`
	Content   sql.NullString `db:"content"`
	Category  sql.NullString `db:"category"`
	UpdatedAt sql.NullTime   `db:"updated_at"`
}

func (a *Adapter) selectClause() string {
	return fmt.Sprintf(
		"SELECT %s AS id, %s AS title, %s AS content, %s AS category, %s AS updated_at FROM %s",
		a.cols.ID, a.cols.Title, a.cols.Content, a.cols.Category, a.cols.UpdatedAt, a.table,
	)
}

func (r docRow) toResult(source string) models.SearchResult {
	result := models.SearchResult{
		ID:         r.ID,
		Title:      r.Title.String,
		Content:    r.Content.String,
		Source:     source,
		SourceType: AdapterType,
	}
	if r.UpdatedAt.Valid {
		result.LastUpdated = r.UpdatedAt.Time
	}
	if r.Category.Valid {
		result.Metadata = map[string]interface{}{"category": r.Category.String}
	}
	return result
}

// Search matches documents by title and content, case-insensitively.
func (a *Adapter) Search(ctx context.Context, query string, filters *models.SearchFilters) ([]models.SearchResult, error) {
	limit := 25
	if filters != nil && filters.Limit > 0 {
		limit = filters.Limit
	}

	stmt := a.selectClause() + fmt.Sprintf(
		" WHERE %s ILIKE $1 OR %s ILIKE $1 ORDER BY %s DESC LIMIT $2",
		a.cols.Title, a.cols.Content, a.cols.UpdatedAt,
	)

	var rows []docRow
	if err := a.db.SelectContext(ctx, &rows, stmt, "%"+query+"%", limit); err != nil {
		return nil, fmt.Errorf("querying %s: %w", a.table, err)
	}

	results := make([]models.SearchResult, 0, len(rows))
	for _, row := range rows {
		result := row.toResult(a.cfg.Name)
		result.ConfidenceScore = matchConfidence(query, result)
		results = append(results, result)
	}
	return results, nil
}

// matchConfidence gives title matches a higher confidence than body-only
// matches.
func matchConfidence(query string, result models.SearchResult) float64 {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(result.Title), q) {
		return 0.9
	}
	return 0.6
}

// SearchRunbooks matches documents categorized as runbooks and decodes
// their content as a structured runbook when possible.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]models.Runbook, error) {
	stmt := a.selectClause() + fmt.Sprintf(
		" WHERE %s = 'runbook' AND (%s ILIKE $1 OR %s ILIKE $1) LIMIT 25",
		a.cols.Category, a.cols.Title, a.cols.Content,
	)

	var rows []docRow
	if err := a.db.SelectContext(ctx, &rows, stmt, "%"+alertType+"%"); err != nil {
		return nil, fmt.Errorf("querying %s: %w", a.table, err)
	}

	runbooks := make([]models.Runbook, 0, len(rows))
	for _, row := range rows {
		var rb models.Runbook
		if err := json.Unmarshal([]byte(row.Content.String), &rb); err != nil || rb.ID == "" {
			// Plain-text runbooks still surface with their stored title.
			rb = models.Runbook{
				ID:          row.ID,
				Title:       row.Title.String,
				Description: excerpt(row.Content.String, 200),
			}
		}
		rb.Metadata.Source = a.cfg.Name
		if row.UpdatedAt.Valid {
			rb.Metadata.UpdatedAt = row.UpdatedAt.Time
		}
		runbooks = append(runbooks, rb)
	}
	return runbooks, nil
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// GetDocument fetches one document by id.
func (a *Adapter) GetDocument(ctx context.Context, id string) (*models.SearchResult, error) {
	stmt := a.selectClause() + fmt.Sprintf(" WHERE %s = $1", a.cols.ID)

	var row docRow
	if err := a.db.GetContext(ctx, &row, stmt, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document not found: %s", id)
		}
		return nil, fmt.Errorf("querying %s: %w", a.table, err)
	}

	result := row.toResult(a.cfg.Name)
	result.ConfidenceScore = 1.0
	return &result, nil
}

// HealthCheck pings the database.
func (a *Adapter) HealthCheck(ctx context.Context) models.AdapterHealth {
	start := time.Now()
	err := a.db.PingContext(ctx)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return models.AdapterHealth{Healthy: false, ResponseTimeMS: elapsed, Error: err.Error()}
	}
	return models.AdapterHealth{Healthy: true, ResponseTimeMS: elapsed}
}

// GetMetadata describes the adapter instance.
func (a *Adapter) GetMetadata() models.AdapterMetadata {
	return models.AdapterMetadata{
		Name:    a.cfg.Name,
		Type:    AdapterType,
		Enabled: a.cfg.Enabled,
	}
}

// RefreshIndex is a no-op: the database owns its indexes.
func (a *Adapter) RefreshIndex(context.Context, bool) error { return nil }

// Cleanup closes the connection pool.
func (a *Adapter) Cleanup() error {
	return a.db.Close()
}
