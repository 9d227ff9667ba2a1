package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/pkg/models"
)

func newTestServer(t *testing.T) (*httptest.Server, *http.Request) {
	t.Helper()
	var lastReq http.Request

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		lastReq = *r
		_ = json.NewEncoder(w).Encode([]models.SearchResult{
			{ID: "kb-1", Title: "Disk Cleanup", ConfidenceScore: 0.8},
		})
	})
	mux.HandleFunc("/runbooks", func(w http.ResponseWriter, r *http.Request) {
		lastReq = *r
		_ = json.NewEncoder(w).Encode([]models.Runbook{
			{ID: "rb-1", Title: "Disk Pressure"},
		})
	})
	mux.HandleFunc("/documents/", func(w http.ResponseWriter, r *http.Request) {
		lastReq = *r
		if r.URL.Path == "/documents/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(models.SearchResult{ID: "doc-1", Title: "Guide"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &lastReq
}

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	adapter, err := New(config.SourceConfig{
		Name:    "remote-kb",
		Type:    AdapterType,
		Enabled: true,
		Config: map[string]interface{}{
			"base_url":   baseURL,
			"auth_token": "s3cret",
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, adapter.Initialize(context.Background()))
	return adapter
}

// TestNew_RequiresBaseURL tests config validation
func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(config.SourceConfig{Name: "bad"}, nil)
	assert.ErrorContains(t, err, "base_url is required")
}

// TestSearch tests the query string, auth header and result annotation
func TestSearch(t *testing.T) {
	server, lastReq := newTestServer(t)
	adapter := newTestAdapter(t, server.URL)

	results, err := adapter.Search(context.Background(), "disk cleanup", &models.SearchFilters{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "remote-kb", results[0].Source)
	assert.Equal(t, AdapterType, results[0].SourceType)

	assert.Equal(t, "disk cleanup", lastReq.URL.Query().Get("q"))
	assert.Equal(t, "5", lastReq.URL.Query().Get("limit"))
	assert.Equal(t, "Bearer s3cret", lastReq.Header.Get("Authorization"))
}

// TestSearchRunbooks tests the alert parameters on the wire
func TestSearchRunbooks(t *testing.T) {
	server, lastReq := newTestServer(t)
	adapter := newTestAdapter(t, server.URL)

	runbooks, err := adapter.SearchRunbooks(context.Background(), "disk_pressure", models.SeverityCritical, []string{"production", "api"})
	require.NoError(t, err)
	require.Len(t, runbooks, 1)
	assert.Equal(t, "rb-1", runbooks[0].ID)

	q := lastReq.URL.Query()
	assert.Equal(t, "disk_pressure", q.Get("alert_type"))
	assert.Equal(t, "critical", q.Get("severity"))
	assert.Equal(t, "production,api", q.Get("systems"))
}

// TestGetDocument tests retrieval and upstream error mapping
func TestGetDocument(t *testing.T) {
	server, _ := newTestServer(t)
	adapter := newTestAdapter(t, server.URL)

	doc, err := adapter.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Guide", doc.Title)
	assert.Equal(t, "remote-kb", doc.Source)

	_, err = adapter.GetDocument(context.Background(), "missing")
	assert.ErrorContains(t, err, "unexpected status 404")
}

// TestHealthCheck tests the probe against live, erroring and dead endpoints
func TestHealthCheck(t *testing.T) {
	server, _ := newTestServer(t)
	adapter := newTestAdapter(t, server.URL)
	assert.True(t, adapter.HealthCheck(context.Background()).Healthy)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)
	adapter = newTestAdapter(t, failing.URL)
	health := adapter.HealthCheck(context.Background())
	assert.False(t, health.Healthy)
	assert.Contains(t, health.Error, "500")

	dead := httptest.NewServer(nil)
	dead.Close()
	adapter, err := New(config.SourceConfig{
		Name:   "dead",
		Config: map[string]interface{}{"base_url": dead.URL},
	}, nil)
	require.NoError(t, err)
	assert.False(t, adapter.HealthCheck(context.Background()).Healthy)
}

// TestSearch_MalformedResponse tests the decode error path
func TestSearch_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(server.Close)

	adapter, err := New(config.SourceConfig{
		Name:   "bad-upstream",
		Config: map[string]interface{}{"base_url": server.URL},
	}, nil)
	require.NoError(t, err)

	_, err = adapter.Search(context.Background(), "disk", nil)
	assert.ErrorContains(t, err, "decoding /search")
}
