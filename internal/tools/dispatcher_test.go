package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpipe/prodpipe/internal/adapters"
	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/internal/perf"
	"github.com/prodpipe/prodpipe/internal/resilience"
	"github.com/prodpipe/prodpipe/pkg/models"
)

// fakeAdapter is a scriptable in-memory adapter.
type fakeAdapter struct {
	name     string
	runbooks []models.Runbook
	results  []models.SearchResult
	document *models.SearchResult
	err      error
	healthy  bool
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Type() string { return "fake" }

func (f *fakeAdapter) Initialize(context.Context) error { return nil }

func (f *fakeAdapter) Search(context.Context, string, *models.SearchFilters) ([]models.SearchResult, error) {
	return f.results, f.err
}

func (f *fakeAdapter) SearchRunbooks(context.Context, string, models.Severity, []string) ([]models.Runbook, error) {
	return f.runbooks, f.err
}

func (f *fakeAdapter) GetDocument(_ context.Context, id string) (*models.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.document == nil || f.document.ID != id {
		return nil, errors.New("document not found: " + id)
	}
	return f.document, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) models.AdapterHealth {
	return models.AdapterHealth{Healthy: f.healthy, ResponseTimeMS: 1}
}

func (f *fakeAdapter) GetMetadata() models.AdapterMetadata {
	return models.AdapterMetadata{Name: f.name, Type: "fake", Enabled: true, DocumentCount: len(f.results)}
}

func (f *fakeAdapter) RefreshIndex(context.Context, bool) error { return nil }
func (f *fakeAdapter) Cleanup() error                           { return nil }
func (f *fakeAdapter) GetConfig() config.SourceConfig {
	return config.SourceConfig{Name: f.name, Type: "fake", Enabled: true}
}

func runbook(id string, confidence float64) models.Runbook {
	return models.Runbook{
		ID:       id,
		Title:    id,
		Metadata: models.RunbookMetadata{ConfidenceScore: confidence},
	}
}

func newTestDispatcher(t *testing.T, fakes ...*fakeAdapter) (*Dispatcher, *resilience.Registry) {
	t.Helper()
	registry := adapters.NewRegistry(nil)
	for _, f := range fakes {
		f := f
		registry.RegisterFactory("fake", func(config.SourceConfig) (adapters.Adapter, error) { return f, nil })
		_, err := registry.Create(context.Background(), config.SourceConfig{Name: f.name, Type: "fake", Enabled: true})
		require.NoError(t, err)
	}
	breakers := resilience.NewRegistry(nil)
	return NewDispatcher(registry, breakers, perf.NewMonitor(perf.DefaultConfig(), nil), nil), breakers
}

// TestDispatch_UnknownTool tests the sentinel for uncataloged names
func TestDispatch_UnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), "drain_node", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

// TestSearchRunbooks_MergeAndOrder tests the cross-adapter merge, dedupe and
// confidence ordering
func TestSearchRunbooks_MergeAndOrder(t *testing.T) {
	d, _ := newTestDispatcher(t,
		&fakeAdapter{name: "docs", runbooks: []models.Runbook{runbook("rb-1", 0.6), runbook("rb-2", 0.9)}},
		&fakeAdapter{name: "wiki", runbooks: []models.Runbook{runbook("rb-2", 0.9), runbook("rb-3", 0.3)}},
	)

	result, err := d.Dispatch(context.Background(), ToolSearchRunbooks, map[string]interface{}{
		"alert_type":       "disk_pressure",
		"severity":         "high",
		"affected_systems": []interface{}{"production"},
	})
	require.NoError(t, err)

	data := result.Data.(map[string]interface{})
	runbooks := data["runbooks"].([]models.Runbook)
	require.Len(t, runbooks, 3, "rb-2 deduplicated")
	assert.Equal(t, "rb-2", runbooks[0].ID)
	assert.Equal(t, "rb-1", runbooks[1].ID)
	assert.Equal(t, "rb-3", runbooks[2].ID)
	assert.Equal(t, []string{"docs", "wiki"}, result.Sources)
	assert.Empty(t, result.PartialFailures)
}

// TestSearchRunbooks_PartialFailure tests that one failing adapter does not
// fail the call
func TestSearchRunbooks_PartialFailure(t *testing.T) {
	d, _ := newTestDispatcher(t,
		&fakeAdapter{name: "docs", runbooks: []models.Runbook{runbook("rb-1", 0.6)}},
		&fakeAdapter{name: "wiki", err: errors.New("upstream 500")},
	)

	result, err := d.Dispatch(context.Background(), ToolSearchRunbooks, map[string]interface{}{
		"alert_type":       "cpu",
		"severity":         "high",
		"affected_systems": []interface{}{"api"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, result.Sources)
	require.Len(t, result.PartialFailures, 1)
	assert.Equal(t, "wiki", result.PartialFailures[0].Adapter)
	assert.Contains(t, result.PartialFailures[0].Error, "upstream 500")
}

// TestSearchRunbooks_AllFailed tests the total-failure sentinel
func TestSearchRunbooks_AllFailed(t *testing.T) {
	d, _ := newTestDispatcher(t,
		&fakeAdapter{name: "docs", err: errors.New("down")},
		&fakeAdapter{name: "wiki", err: errors.New("down")},
	)

	_, err := d.Dispatch(context.Background(), ToolSearchRunbooks, map[string]interface{}{
		"alert_type":       "cpu",
		"severity":         "high",
		"affected_systems": []interface{}{"api"},
	})
	assert.ErrorIs(t, err, ErrAllSourcesFailed)
}

// TestDispatch_OpenBreakerFastFails tests that an open breaker surfaces as a
// partial failure without invoking the adapter
func TestDispatch_OpenBreakerFastFails(t *testing.T) {
	d, breakers := newTestDispatcher(t,
		&fakeAdapter{name: "docs", runbooks: []models.Runbook{runbook("rb-1", 0.6)}},
		&fakeAdapter{name: "wiki", runbooks: []models.Runbook{runbook("rb-2", 0.9)}},
	)

	// Pre-open wiki's breaker; the dispatcher reuses it by name.
	breaker := breakers.GetWithConfig("wiki", resilience.ClassExternalService, &resilience.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Hour,
		MonitoringWindow: time.Minute,
		CallTimeout:      time.Second,
	})
	_, err := breaker.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, resilience.StateOpen, breaker.GetState())

	result, err := d.Dispatch(context.Background(), ToolSearchRunbooks, map[string]interface{}{
		"alert_type":       "cpu",
		"severity":         "high",
		"affected_systems": []interface{}{"api"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, result.Sources)
	require.Len(t, result.PartialFailures, 1)
	assert.Equal(t, "wiki", result.PartialFailures[0].Adapter)
	assert.Contains(t, result.PartialFailures[0].Error, resilience.ErrCircuitOpen.Error())
}

// TestSearchKnowledgeBase_CapAndDedupe tests the result cap after merging
func TestSearchKnowledgeBase_CapAndDedupe(t *testing.T) {
	d, _ := newTestDispatcher(t,
		&fakeAdapter{name: "docs", results: []models.SearchResult{
			{ID: "kb-1", ConfidenceScore: 0.9},
			{ID: "kb-2", ConfidenceScore: 0.5},
		}},
		&fakeAdapter{name: "wiki", results: []models.SearchResult{
			{ID: "kb-1", ConfidenceScore: 0.9},
			{ID: "kb-3", ConfidenceScore: 0.7},
		}},
	)

	result, err := d.Dispatch(context.Background(), ToolSearchKnowledgeBase, map[string]interface{}{
		"query":       "node not ready",
		"max_results": float64(2),
	})
	require.NoError(t, err)

	data := result.Data.(map[string]interface{})
	results := data["results"].([]models.SearchResult)
	require.Len(t, results, 2)
	assert.Equal(t, "kb-1", results[0].ID)
	assert.Equal(t, "kb-3", results[1].ID)
	assert.Equal(t, 2, data["total"])
}

// TestGetProcedure_BestConfidenceWins tests cross-source document selection
func TestGetProcedure_BestConfidenceWins(t *testing.T) {
	d, _ := newTestDispatcher(t,
		&fakeAdapter{name: "docs", document: &models.SearchResult{ID: "p-1", ConfidenceScore: 0.4}},
		&fakeAdapter{name: "wiki", document: &models.SearchResult{ID: "p-1", ConfidenceScore: 0.8}},
	)

	result, err := d.Dispatch(context.Background(), ToolGetProcedure, map[string]interface{}{
		"procedure_id": "p-1",
	})
	require.NoError(t, err)

	data := result.Data.(map[string]interface{})
	assert.Equal(t, 0.8, data["procedure"].(*models.SearchResult).ConfidenceScore)
	assert.Equal(t, []string{"wiki"}, result.Sources)
}

// TestGetProcedure_NotFound tests the miss path
func TestGetProcedure_NotFound(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeAdapter{name: "docs"})

	_, err := d.Dispatch(context.Background(), ToolGetProcedure, map[string]interface{}{
		"procedure_id": "missing",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// TestGetDecisionTree tests both resolution modes
func TestGetDecisionTree(t *testing.T) {
	withTree := runbook("rb-1", 0.9)
	withTree.DecisionTree = &models.DecisionTree{ID: "dt-1", Name: "disk pressure"}

	d, _ := newTestDispatcher(t,
		&fakeAdapter{
			name:     "docs",
			runbooks: []models.Runbook{withTree, runbook("rb-2", 0.5)},
			document: &models.SearchResult{ID: "dt-1", ConfidenceScore: 0.9},
		},
	)

	// By alert type: collect trees from matching runbooks.
	result, err := d.Dispatch(context.Background(), ToolGetDecisionTree, map[string]interface{}{
		"alert_type": "disk_pressure",
	})
	require.NoError(t, err)
	data := result.Data.(map[string]interface{})
	trees := data["decision_trees"].([]models.DecisionTree)
	require.Len(t, trees, 1)
	assert.Equal(t, "dt-1", trees[0].ID)

	// By id: direct document fetch.
	result, err = d.Dispatch(context.Background(), ToolGetDecisionTree, map[string]interface{}{
		"tree_id": "dt-1",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Data.(map[string]interface{}), "decision_tree")

	// Neither argument is an error.
	_, err = d.Dispatch(context.Background(), ToolGetDecisionTree, nil)
	require.Error(t, err)
}

// TestGetEscalationPath_Tiers tests the severity ladders
func TestGetEscalationPath_Tiers(t *testing.T) {
	d, _ := newTestDispatcher(t)

	path := func(args map[string]interface{}) models.EscalationPath {
		result, err := d.Dispatch(context.Background(), ToolGetEscalationPath, args)
		require.NoError(t, err)
		return result.Data.(map[string]interface{})["escalation_path"].(models.EscalationPath)
	}

	critical := path(map[string]interface{}{"severity": "critical", "business_hours": true})
	require.Len(t, critical.Contacts, 4)
	assert.Equal(t, "oncall_primary", critical.Contacts[0].Role)
	assert.Equal(t, "incident_commander", critical.Contacts[3].Role)
	assert.Equal(t, "15m", critical.EscalateAfter)

	low := path(map[string]interface{}{"severity": "low", "business_hours": true})
	require.Len(t, low.Contacts, 1)
	assert.Equal(t, "team", low.Contacts[0].Role)
}

// TestGetEscalationPath_OffHours tests the on-call prepend outside business
// hours
func TestGetEscalationPath_OffHours(t *testing.T) {
	d, _ := newTestDispatcher(t)

	result, err := d.Dispatch(context.Background(), ToolGetEscalationPath, map[string]interface{}{
		"severity":       "low",
		"business_hours": false,
	})
	require.NoError(t, err)

	path := result.Data.(map[string]interface{})["escalation_path"].(models.EscalationPath)
	require.Len(t, path.Contacts, 2)
	assert.Equal(t, "oncall_primary", path.Contacts[0].Role)
	assert.Equal(t, 1, path.Contacts[0].Order)
	assert.Equal(t, 2, path.Contacts[1].Order)
}

// TestGetEscalationPath_FailedAttempts tests tier skipping after failures
func TestGetEscalationPath_FailedAttempts(t *testing.T) {
	d, _ := newTestDispatcher(t)

	result, err := d.Dispatch(context.Background(), ToolGetEscalationPath, map[string]interface{}{
		"severity":        "critical",
		"business_hours":  true,
		"failed_attempts": float64(2),
	})
	require.NoError(t, err)

	path := result.Data.(map[string]interface{})["escalation_path"].(models.EscalationPath)
	require.Len(t, path.Contacts, 2)
	assert.Equal(t, "engineering_manager", path.Contacts[0].Role)

	// More failures than tiers still leaves the last contact.
	result, err = d.Dispatch(context.Background(), ToolGetEscalationPath, map[string]interface{}{
		"severity":        "critical",
		"business_hours":  true,
		"failed_attempts": float64(10),
	})
	require.NoError(t, err)
	path = result.Data.(map[string]interface{})["escalation_path"].(models.EscalationPath)
	require.Len(t, path.Contacts, 1)
	assert.Equal(t, "incident_commander", path.Contacts[0].Role)
}

// TestRecordFeedback tests the in-process feedback log
func TestRecordFeedback(t *testing.T) {
	d, _ := newTestDispatcher(t)

	result, err := d.Dispatch(context.Background(), ToolRecordFeedback, map[string]interface{}{
		"runbook_id":              "rb-1",
		"outcome":                 "resolved",
		"resolution_time_minutes": float64(12),
		"notes":                   "restarted kubelet",
	})
	require.NoError(t, err)

	data := result.Data.(map[string]interface{})
	assert.Equal(t, true, data["recorded"])
	assert.Equal(t, 1, data["feedback_count"])

	log := d.FeedbackLog()
	require.Len(t, log, 1)
	assert.Equal(t, "rb-1", log[0].RunbookID)
	assert.Equal(t, 12.0, log[0].ResolutionTimeMinutes)
	assert.False(t, log[0].RecordedAt.IsZero())
}

// TestListSources tests source enumeration with and without health probes
func TestListSources(t *testing.T) {
	d, _ := newTestDispatcher(t,
		&fakeAdapter{name: "wiki", healthy: true},
		&fakeAdapter{name: "docs", healthy: false},
	)

	result, err := d.Dispatch(context.Background(), ToolListSources, map[string]interface{}{
		"include_health": true,
	})
	require.NoError(t, err)

	data := result.Data.(map[string]interface{})
	sources := data["sources"].([]models.SourceInfo)
	require.Len(t, sources, 2)
	assert.Equal(t, "docs", sources[0].Name, "sorted by name")
	assert.False(t, sources[0].Healthy)
	assert.True(t, sources[1].Healthy)

	// Health defaults on when the argument is absent.
	result, err = d.Dispatch(context.Background(), ToolListSources, map[string]interface{}{})
	require.NoError(t, err)
	sources = result.Data.(map[string]interface{})["sources"].([]models.SourceInfo)
	assert.True(t, sources[1].Healthy)
}

// TestDispatch_RecordsSamples tests the performance hook
func TestDispatch_RecordsSamples(t *testing.T) {
	monitor := perf.NewMonitor(perf.DefaultConfig(), nil)
	registry := adapters.NewRegistry(nil)
	d := NewDispatcher(registry, resilience.NewRegistry(nil), monitor, nil)

	_, err := d.Dispatch(context.Background(), ToolListSources, nil)
	require.NoError(t, err)

	snapshot := monitor.GetSnapshot()
	assert.EqualValues(t, 1, snapshot.Global.TotalRequests)
	require.Len(t, snapshot.Tools, 1)
	assert.Equal(t, ToolListSources, snapshot.Tools[0].Tool)
}
