package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/pkg/models"
)

const runbookDoc = `---
title: Disk Pressure Response
category: runbooks
type: runbook
triggers:
  - disk_pressure
  - DiskUsageHigh
---
Free disk space on the affected node.

1. Identify the largest directories.
2. Rotate or remove stale logs.
`

const plainDoc = `---
title: Postgres Vacuum Guide
category: knowledge
---
Autovacuum keeps table bloat in check. Tune thresholds per table.
`

func writeFixtures(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disk-pressure.md"), []byte(runbookDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vacuum.md"), []byte(plainDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not indexed"), 0o644))
	return dir
}

func newTestAdapter(t *testing.T, dir string) *Adapter {
	t.Helper()
	adapter, err := New(config.SourceConfig{
		Name:    "local-docs",
		Type:    AdapterType,
		Enabled: true,
		Config: map[string]interface{}{
			"base_paths": []interface{}{dir},
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, adapter.Initialize(context.Background()))
	t.Cleanup(func() { _ = adapter.Cleanup() })
	return adapter
}

// TestNew_RequiresBasePaths tests config validation
func TestNew_RequiresBasePaths(t *testing.T) {
	_, err := New(config.SourceConfig{Name: "bad", Type: AdapterType}, nil)
	assert.ErrorContains(t, err, "base_paths is required")
}

// TestInitialize_IndexesSupportedFiles tests the walk and extension filter
func TestInitialize_IndexesSupportedFiles(t *testing.T) {
	adapter := newTestAdapter(t, writeFixtures(t))

	meta := adapter.GetMetadata()
	assert.Equal(t, "local-docs", meta.Name)
	assert.Equal(t, 2, meta.DocumentCount, ".txt files are skipped")
	assert.False(t, meta.LastIndexed.IsZero())
}

// TestSearch_ScoringAndFilters tests term scoring, ordering and limits
func TestSearch_ScoringAndFilters(t *testing.T) {
	adapter := newTestAdapter(t, writeFixtures(t))

	results, err := adapter.Search(context.Background(), "disk pressure", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Disk Pressure Response", results[0].Title)
	assert.Equal(t, 1.0, results[0].ConfidenceScore, "both terms hit the title")
	assert.NotEmpty(t, results[0].MatchReasons)
	assert.Equal(t, "local-docs", results[0].Source)

	// Partial matches score proportionally.
	results, err = adapter.Search(context.Background(), "vacuum thresholds bogusterm", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 2.0/3.0, results[0].ConfidenceScore, 0.001)

	// MinConfidence filters low scores out.
	results, err = adapter.Search(context.Background(), "vacuum thresholds bogusterm", &models.SearchFilters{MinConfidence: 0.9})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Limit truncates.
	results, err = adapter.Search(context.Background(), "the", &models.SearchFilters{Limit: 1})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 1)

	// Empty queries return nothing.
	results, err = adapter.Search(context.Background(), "   ", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// TestSearchRunbooks tests trigger and system matching
func TestSearchRunbooks(t *testing.T) {
	adapter := newTestAdapter(t, writeFixtures(t))

	runbooks, err := adapter.SearchRunbooks(context.Background(), "disk_pressure", models.SeverityHigh, nil)
	require.NoError(t, err)
	require.Len(t, runbooks, 1)
	assert.Equal(t, "Disk Pressure Response", runbooks[0].Title)
	assert.Contains(t, runbooks[0].Triggers, "disk_pressure")
	assert.Equal(t, "local-docs", runbooks[0].Metadata.Source)

	// Only front-matter type runbook documents qualify.
	runbooks, err = adapter.SearchRunbooks(context.Background(), "vacuum", models.SeverityLow, nil)
	require.NoError(t, err)
	assert.Empty(t, runbooks)

	// Trigger matching is case insensitive.
	runbooks, err = adapter.SearchRunbooks(context.Background(), "diskusagehigh", models.SeverityHigh, nil)
	require.NoError(t, err)
	assert.Len(t, runbooks, 1)
}

// TestGetDocument tests id derivation and retrieval
func TestGetDocument(t *testing.T) {
	dir := writeFixtures(t)
	adapter := newTestAdapter(t, dir)

	id := docID(filepath.Join(dir, "vacuum.md"))
	assert.NotContains(t, id, "/", "path separators are flattened")

	doc, err := adapter.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Postgres Vacuum Guide", doc.Title)
	assert.Equal(t, 1.0, doc.ConfidenceScore)
	assert.Contains(t, doc.Content, "Autovacuum")

	_, err = adapter.GetDocument(context.Background(), "missing")
	assert.ErrorContains(t, err, "not found")
}

// TestFrontMatter_Stripping tests that the YAML header leaves the body
func TestFrontMatter_Stripping(t *testing.T) {
	dir := writeFixtures(t)
	adapter := newTestAdapter(t, dir)

	doc, err := adapter.GetDocument(context.Background(), docID(filepath.Join(dir, "disk-pressure.md")))
	require.NoError(t, err)
	assert.NotContains(t, doc.Content, "---")
	assert.NotContains(t, doc.Content, "triggers:")
}

// TestRefreshIndex tests picking up new documents
func TestRefreshIndex(t *testing.T) {
	dir := writeFixtures(t)
	adapter := newTestAdapter(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.md"), []byte("# New\nfresh content"), 0o644))
	require.NoError(t, adapter.RefreshIndex(context.Background(), true))

	assert.Equal(t, 3, adapter.GetMetadata().DocumentCount)
}

// TestHealthCheck tests base path reachability
func TestHealthCheck(t *testing.T) {
	dir := writeFixtures(t)
	adapter := newTestAdapter(t, dir)

	health := adapter.HealthCheck(context.Background())
	assert.True(t, health.Healthy)

	require.NoError(t, os.RemoveAll(dir))
	health = adapter.HealthCheck(context.Background())
	assert.False(t, health.Healthy)
	assert.NotEmpty(t, health.Error)
}

// TestCleanup tests that the index is dropped and cleanup is idempotent
func TestCleanup(t *testing.T) {
	adapter := newTestAdapter(t, writeFixtures(t))

	require.NoError(t, adapter.Cleanup())
	assert.Equal(t, 0, adapter.GetMetadata().DocumentCount)
	require.NoError(t, adapter.Cleanup())
}

// TestYAMLRunbook tests indexing a structured runbook file
func TestYAMLRunbook(t *testing.T) {
	dir := t.TempDir()
	yamlRunbook := `id: rb-oom
title: OOM Killer Response
description: Respond to out-of-memory kills
triggers:
  - oom_kill
metadata:
  confidence_score: 0.9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "oom.yaml"), []byte(yamlRunbook), 0o644))
	adapter := newTestAdapter(t, dir)

	runbooks, err := adapter.SearchRunbooks(context.Background(), "oom_kill", models.SeverityCritical, nil)
	require.NoError(t, err)
	require.Len(t, runbooks, 1)
	assert.Equal(t, "rb-oom", runbooks[0].ID)
	assert.Equal(t, 0.9, runbooks[0].Metadata.ConfidenceScore)
}
