package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/pkg/models"
)

func newMockAdapter(t *testing.T, cfg map[string]interface{}) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	adapter, err := NewWithDB(config.SourceConfig{
		Name:    "pg-docs",
		Type:    AdapterType,
		Enabled: true,
		Config:  cfg,
	}, sqlx.NewDb(db, "postgres"), nil)
	require.NoError(t, err)
	return adapter, mock
}

func docColumns() []string {
	return []string{"id", "title", "content", "category", "updated_at"}
}

// TestNew_RequiresDSN tests config validation on the pooled constructor
func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(config.SourceConfig{Name: "bad", Type: AdapterType}, nil)
	assert.ErrorContains(t, err, "dsn is required")
}

// TestNewWithDB_RejectsBadIdentifiers tests table and column validation
func TestNewWithDB_RejectsBadIdentifiers(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewWithDB(config.SourceConfig{
		Name: "bad",
		Config: map[string]interface{}{
			"table": "documents; DROP TABLE documents",
		},
	}, sqlx.NewDb(db, "postgres"), nil)
	assert.ErrorContains(t, err, "invalid identifier")

	_, err = NewWithDB(config.SourceConfig{
		Name: "bad",
		Config: map[string]interface{}{
			"id_column": `id"`,
		},
	}, sqlx.NewDb(db, "postgres"), nil)
	assert.ErrorContains(t, err, "invalid identifier")
}

// TestSearch tests the ILIKE query, scoring and limit
func TestSearch(t *testing.T) {
	adapter, mock := newMockAdapter(t, nil)

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM documents WHERE title ILIKE \$1 OR content ILIKE \$1 ORDER BY updated_at DESC LIMIT \$2`).
		WithArgs("%vacuum%", 5).
		WillReturnRows(sqlmock.NewRows(docColumns()).
			AddRow("doc-1", "Vacuum Guide", "Autovacuum details", "knowledge", now).
			AddRow("doc-2", "Maintenance", "Run vacuum weekly", nil, nil))

	results, err := adapter.Search(context.Background(), "vacuum", &models.SearchFilters{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 0.9, results[0].ConfidenceScore, "title match")
	assert.Equal(t, "knowledge", results[0].Metadata["category"])
	assert.Equal(t, now, results[0].LastUpdated)

	assert.Equal(t, 0.6, results[1].ConfidenceScore, "body-only match")
	assert.Nil(t, results[1].Metadata)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSearch_DefaultLimit tests the fallback limit of 25
func TestSearch_DefaultLimit(t *testing.T) {
	adapter, mock := newMockAdapter(t, nil)

	mock.ExpectQuery(`SELECT .+ FROM documents`).
		WithArgs("%x%", 25).
		WillReturnRows(sqlmock.NewRows(docColumns()))

	_, err := adapter.Search(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSearch_CustomColumns tests the column mapping from config
func TestSearch_CustomColumns(t *testing.T) {
	adapter, mock := newMockAdapter(t, map[string]interface{}{
		"table":          "kb_articles",
		"id_column":      "article_id",
		"title_column":   "headline",
		"content_column": "body",
	})

	mock.ExpectQuery(`SELECT article_id AS id, headline AS title, body AS content, .+ FROM kb_articles WHERE headline ILIKE \$1 OR body ILIKE \$1`).
		WithArgs("%disk%", 25).
		WillReturnRows(sqlmock.NewRows(docColumns()))

	_, err := adapter.Search(context.Background(), "disk", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSearchRunbooks tests structured and plain-text content decoding
func TestSearchRunbooks(t *testing.T) {
	adapter, mock := newMockAdapter(t, nil)

	structured, err := json.Marshal(models.Runbook{
		ID:       "rb-disk",
		Title:    "Disk Pressure",
		Triggers: []string{"disk_pressure"},
		Metadata: models.RunbookMetadata{ConfidenceScore: 0.9},
	})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .+ FROM documents WHERE category = 'runbook' AND \(title ILIKE \$1 OR content ILIKE \$1\) LIMIT 25`).
		WithArgs("%disk%").
		WillReturnRows(sqlmock.NewRows(docColumns()).
			AddRow("doc-1", "Disk Pressure", string(structured), "runbook", time.Now()).
			AddRow("doc-2", "Disk Notes", "plain text about disks", "runbook", nil))

	runbooks, err := adapter.SearchRunbooks(context.Background(), "disk", models.SeverityHigh, nil)
	require.NoError(t, err)
	require.Len(t, runbooks, 2)

	assert.Equal(t, "rb-disk", runbooks[0].ID)
	assert.Equal(t, 0.9, runbooks[0].Metadata.ConfidenceScore)
	assert.Equal(t, "pg-docs", runbooks[0].Metadata.Source)

	// Undecodable content falls back to the stored row.
	assert.Equal(t, "doc-2", runbooks[1].ID)
	assert.Equal(t, "plain text about disks", runbooks[1].Description)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestGetDocument tests the hit and miss paths
func TestGetDocument(t *testing.T) {
	adapter, mock := newMockAdapter(t, nil)

	mock.ExpectQuery(`SELECT .+ FROM documents WHERE id = \$1`).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows(docColumns()).
			AddRow("doc-1", "Vacuum Guide", "content", "knowledge", time.Now()))

	doc, err := adapter.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, doc.ConfidenceScore)
	assert.Equal(t, AdapterType, doc.SourceType)

	mock.ExpectQuery(`SELECT .+ FROM documents WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(docColumns()))

	_, err = adapter.GetDocument(context.Background(), "missing")
	assert.ErrorContains(t, err, "not found")

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestHealthCheck tests ping success and failure
func TestHealthCheck(t *testing.T) {
	adapter, mock := newMockAdapter(t, nil)

	mock.ExpectPing()
	health := adapter.HealthCheck(context.Background())
	assert.True(t, health.Healthy)
}

// TestInitialize tests the startup ping
func TestInitialize(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	adapter, err := NewWithDB(config.SourceConfig{Name: "pg-docs"}, sqlx.NewDb(db, "postgres"), nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, adapter.Initialize(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
