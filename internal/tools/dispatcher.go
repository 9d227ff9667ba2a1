package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prodpipe/prodpipe/internal/adapters"
	"github.com/prodpipe/prodpipe/internal/perf"
	"github.com/prodpipe/prodpipe/internal/resilience"
	"github.com/prodpipe/prodpipe/pkg/models"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// ErrUnknownTool is returned for tool names outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// ErrAllSourcesFailed is returned when every applicable adapter failed.
var ErrAllSourcesFailed = errors.New("all sources failed")

// AdapterFailure reports one adapter that failed during a fan-out. Partial
// failures surface in metadata without failing the overall call.
type AdapterFailure struct {
	Adapter string `json:"adapter"`
	Error   string `json:"error"`
}

// Result is one dispatched tool call's outcome.
type Result struct {
	Tool            string                 `json:"tool"`
	Data            interface{}            `json:"data"`
	Sources         []string               `json:"sources,omitempty"`
	PartialFailures []AdapterFailure       `json:"partial_failures,omitempty"`
	Extra           map[string]interface{} `json:"-"`
}

// Dispatcher routes tool calls to adapter fan-outs. Every adapter call runs
// through the external-service breaker keyed by adapter name, and every
// dispatch records one performance sample tagged with the tool name.
type Dispatcher struct {
	registry *adapters.Registry
	breakers *resilience.Registry
	monitor  *perf.Monitor
	logger   observability.Logger

	feedbackMu sync.Mutex
	feedback   []models.ResolutionFeedback
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(registry *adapters.Registry, breakers *resilience.Registry, monitor *perf.Monitor, logger observability.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Dispatcher{
		registry: registry,
		breakers: breakers,
		monitor:  monitor,
		logger:   logger,
	}
}

// Dispatch runs one tool call and records its performance sample.
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, args map[string]interface{}) (result *Result, err error) {
	start := time.Now()
	defer func() {
		if d.monitor != nil {
			d.monitor.Record(tool, time.Since(start), err != nil)
		}
	}()

	switch tool {
	case ToolSearchRunbooks:
		result, err = d.searchRunbooks(ctx, args)
	case ToolSearchKnowledgeBase:
		result, err = d.searchKnowledgeBase(ctx, args)
	case ToolGetProcedure:
		result, err = d.getProcedure(ctx, args)
	case ToolGetDecisionTree:
		result, err = d.getDecisionTree(ctx, args)
	case ToolGetEscalationPath:
		result, err = d.getEscalationPath(ctx, args)
	case ToolRecordFeedback:
		result, err = d.recordFeedback(ctx, args)
	case ToolListSources:
		result, err = d.listSources(ctx, args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	return result, err
}

// guarded runs one adapter operation through that adapter's breaker.
func (d *Dispatcher) guarded(ctx context.Context, adapter adapters.Adapter, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	breaker := d.breakers.ExternalService(adapter.Name())
	return breaker.Execute(ctx, op)
}

// fanOut runs op against every adapter in parallel and collects successes
// and failures. The call succeeds when at least one adapter returned.
func (d *Dispatcher) fanOut(ctx context.Context, op func(ctx context.Context, a adapters.Adapter) (interface{}, error)) (map[string]interface{}, []AdapterFailure) {
	all := d.registry.All()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		values   = make(map[string]interface{})
		failures []AdapterFailure
	)

	for _, adapter := range all {
		adapter := adapter
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := d.guarded(ctx, adapter, func(ctx context.Context) (interface{}, error) {
				return op(ctx, adapter)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, AdapterFailure{Adapter: adapter.Name(), Error: err.Error()})
				return
			}
			values[adapter.Name()] = value
		}()
	}
	wg.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].Adapter < failures[j].Adapter })
	return values, failures
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []string:
		out = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// searchRunbooks fans the runbook search across every adapter and merges
// the results by confidence.
func (d *Dispatcher) searchRunbooks(ctx context.Context, args map[string]interface{}) (*Result, error) {
	alertType := stringArg(args, "alert_type")
	severity := models.Severity(stringArg(args, "severity"))
	systems := stringSliceArg(args, "affected_systems")

	values, failures := d.fanOut(ctx, func(ctx context.Context, a adapters.Adapter) (interface{}, error) {
		return a.SearchRunbooks(ctx, alertType, severity, systems)
	})

	var (
		runbooks []models.Runbook
		sources  []string
		seen     = make(map[string]bool)
	)
	for name, value := range values {
		sources = append(sources, name)
		for _, rb := range value.([]models.Runbook) {
			if seen[rb.ID] {
				continue
			}
			seen[rb.ID] = true
			runbooks = append(runbooks, rb)
		}
	}
	if len(values) == 0 && len(failures) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllSourcesFailed, ToolSearchRunbooks)
	}

	sort.Slice(runbooks, func(i, j int) bool {
		return runbooks[i].Metadata.ConfidenceScore > runbooks[j].Metadata.ConfidenceScore
	})
	sort.Strings(sources)

	return &Result{
		Tool:            ToolSearchRunbooks,
		Data:            map[string]interface{}{"runbooks": runbooks, "total": len(runbooks)},
		Sources:         sources,
		PartialFailures: failures,
	}, nil
}

// searchKnowledgeBase fans the query across every adapter and merges by
// confidence, deduplicating on result id.
func (d *Dispatcher) searchKnowledgeBase(ctx context.Context, args map[string]interface{}) (*Result, error) {
	query := stringArg(args, "query")
	maxResults := intArg(args, "max_results", 25)

	filters := &models.SearchFilters{
		Categories: stringSliceArg(args, "categories"),
		MaxAgeDays: intArg(args, "max_age_days", 0),
		Limit:      maxResults,
	}

	values, failures := d.fanOut(ctx, func(ctx context.Context, a adapters.Adapter) (interface{}, error) {
		return a.Search(ctx, query, filters)
	})

	var (
		results []models.SearchResult
		sources []string
		seen    = make(map[string]bool)
	)
	for name, value := range values {
		sources = append(sources, name)
		for _, r := range value.([]models.SearchResult) {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			results = append(results, r)
		}
	}
	if len(values) == 0 && len(failures) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllSourcesFailed, ToolSearchKnowledgeBase)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].ConfidenceScore > results[j].ConfidenceScore
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	sort.Strings(sources)

	return &Result{
		Tool:            ToolSearchKnowledgeBase,
		Data:            map[string]interface{}{"results": results, "total": len(results)},
		Sources:         sources,
		PartialFailures: failures,
	}, nil
}

// getProcedure asks every adapter for the document; the highest-confidence
// hit wins.
func (d *Dispatcher) getProcedure(ctx context.Context, args map[string]interface{}) (*Result, error) {
	procedureID := stringArg(args, "procedure_id")

	values, failures := d.fanOut(ctx, func(ctx context.Context, a adapters.Adapter) (interface{}, error) {
		return a.GetDocument(ctx, procedureID)
	})

	var (
		best       *models.SearchResult
		bestSource string
	)
	for name, value := range values {
		doc := value.(*models.SearchResult)
		if best == nil || doc.ConfidenceScore > best.ConfidenceScore {
			best = doc
			bestSource = name
		}
	}
	if best == nil {
		return nil, fmt.Errorf("procedure not found: %s", procedureID)
	}

	return &Result{
		Tool:            ToolGetProcedure,
		Data:            map[string]interface{}{"procedure": best},
		Sources:         []string{bestSource},
		PartialFailures: failures,
	}, nil
}

// getDecisionTree resolves by tree id when given, otherwise collects the
// decision trees of runbooks matching the alert type.
func (d *Dispatcher) getDecisionTree(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if treeID := stringArg(args, "tree_id"); treeID != "" {
		values, failures := d.fanOut(ctx, func(ctx context.Context, a adapters.Adapter) (interface{}, error) {
			return a.GetDocument(ctx, treeID)
		})
		for name, value := range values {
			return &Result{
				Tool:            ToolGetDecisionTree,
				Data:            map[string]interface{}{"decision_tree": value},
				Sources:         []string{name},
				PartialFailures: failures,
			}, nil
		}
		return nil, fmt.Errorf("decision tree not found: %s", treeID)
	}

	alertType := stringArg(args, "alert_type")
	if alertType == "" {
		return nil, errors.New("either tree_id or alert_type is required")
	}

	values, failures := d.fanOut(ctx, func(ctx context.Context, a adapters.Adapter) (interface{}, error) {
		return a.SearchRunbooks(ctx, alertType, models.SeverityMedium, nil)
	})

	var (
		trees   []models.DecisionTree
		sources []string
	)
	for name, value := range values {
		sources = append(sources, name)
		for _, rb := range value.([]models.Runbook) {
			if rb.DecisionTree != nil {
				trees = append(trees, *rb.DecisionTree)
			}
		}
	}
	if len(values) == 0 && len(failures) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllSourcesFailed, ToolGetDecisionTree)
	}
	sort.Strings(sources)

	return &Result{
		Tool:            ToolGetDecisionTree,
		Data:            map[string]interface{}{"decision_trees": trees, "total": len(trees)},
		Sources:         sources,
		PartialFailures: failures,
	}, nil
}

// Escalation tiers. Escalation is computed locally: the contact ladder is
// severity- and clock-driven rather than stored per source.
var escalationTiers = map[models.Severity][]models.EscalationContact{
	models.SeverityCritical: {
		{Name: "Primary on-call", Role: "oncall_primary", Contact: "pager:oncall-primary", Order: 1},
		{Name: "Secondary on-call", Role: "oncall_secondary", Contact: "pager:oncall-secondary", Order: 2},
		{Name: "Engineering manager", Role: "engineering_manager", Contact: "phone:eng-manager", Order: 3},
		{Name: "Incident commander", Role: "incident_commander", Contact: "phone:incident-commander", Order: 4},
	},
	models.SeverityHigh: {
		{Name: "Primary on-call", Role: "oncall_primary", Contact: "pager:oncall-primary", Order: 1},
		{Name: "Secondary on-call", Role: "oncall_secondary", Contact: "pager:oncall-secondary", Order: 2},
		{Name: "Engineering manager", Role: "engineering_manager", Contact: "slack:eng-manager", Order: 3},
	},
	models.SeverityMedium: {
		{Name: "Primary on-call", Role: "oncall_primary", Contact: "slack:oncall-primary", Order: 1},
		{Name: "Team channel", Role: "team", Contact: "slack:team-ops", Order: 2},
	},
	models.SeverityLow: {
		{Name: "Team channel", Role: "team", Contact: "slack:team-ops", Order: 1},
	},
	models.SeverityInfo: {
		{Name: "Team channel", Role: "team", Contact: "slack:team-ops", Order: 1},
	},
}

// getEscalationPath derives the contact ladder from severity, business
// hours and how many resolution attempts already failed.
func (d *Dispatcher) getEscalationPath(_ context.Context, args map[string]interface{}) (*Result, error) {
	severity := models.Severity(stringArg(args, "severity"))
	businessHours, _ := args["business_hours"].(bool)
	failedAttempts := intArg(args, "failed_attempts", 0)

	contacts := append([]models.EscalationContact(nil), escalationTiers[severity]...)

	// Off hours, the first tier for low-urgency incidents is the on-call
	// rotation rather than a quiet team channel.
	if !businessHours && (severity == models.SeverityLow || severity == models.SeverityInfo || severity == models.SeverityMedium) {
		contacts = append([]models.EscalationContact{
			{Name: "Primary on-call", Role: "oncall_primary", Contact: "pager:oncall-primary", Order: 0},
		}, contacts...)
		for i := range contacts {
			contacts[i].Order = i + 1
		}
	}

	// Repeated failures skip the tiers that already failed to resolve.
	skip := failedAttempts
	if skip >= len(contacts) {
		skip = len(contacts) - 1
	}
	if skip > 0 {
		contacts = contacts[skip:]
	}

	path := models.EscalationPath{
		ID:            fmt.Sprintf("escalation_%s_%s", severity, hoursLabel(businessHours)),
		Name:          fmt.Sprintf("%s severity escalation (%s)", severity, hoursLabel(businessHours)),
		Severity:      severity,
		BusinessHours: businessHours,
		Contacts:      contacts,
		EscalateAfter: escalateAfter(severity),
	}

	return &Result{
		Tool: ToolGetEscalationPath,
		Data: map[string]interface{}{"escalation_path": path, "failed_attempts": failedAttempts},
	}, nil
}

func hoursLabel(businessHours bool) string {
	if businessHours {
		return "business_hours"
	}
	return "off_hours"
}

func escalateAfter(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "15m"
	case models.SeverityHigh:
		return "30m"
	case models.SeverityMedium:
		return "2h"
	default:
		return "1 business day"
	}
}

// recordFeedback stores the resolution outcome in the in-process feedback
// log. Durable feedback storage belongs to a downstream consumer.
func (d *Dispatcher) recordFeedback(_ context.Context, args map[string]interface{}) (*Result, error) {
	feedback := models.ResolutionFeedback{
		RunbookID:   stringArg(args, "runbook_id"),
		ProcedureID: stringArg(args, "procedure_id"),
		Outcome:     stringArg(args, "outcome"),
		Notes:       stringArg(args, "notes"),
		RecordedAt:  time.Now(),
	}
	if minutes, ok := args["resolution_time_minutes"].(float64); ok {
		feedback.ResolutionTimeMinutes = minutes
	}

	d.feedbackMu.Lock()
	d.feedback = append(d.feedback, feedback)
	count := len(d.feedback)
	d.feedbackMu.Unlock()

	d.logger.Info("Resolution feedback recorded", map[string]interface{}{
		"runbook": feedback.RunbookID,
		"outcome": feedback.Outcome,
	})

	return &Result{
		Tool: ToolRecordFeedback,
		Data: map[string]interface{}{
			"recorded":       true,
			"feedback_count": count,
		},
	}, nil
}

// FeedbackLog returns a copy of the recorded feedback, newest last.
func (d *Dispatcher) FeedbackLog() []models.ResolutionFeedback {
	d.feedbackMu.Lock()
	defer d.feedbackMu.Unlock()
	out := make([]models.ResolutionFeedback, len(d.feedback))
	copy(out, d.feedback)
	return out
}

// listSources reports every adapter's metadata and, when requested, a
// fresh health check.
func (d *Dispatcher) listSources(ctx context.Context, args map[string]interface{}) (*Result, error) {
	includeHealth, ok := args["include_health"].(bool)
	if !ok {
		includeHealth = true
	}

	meta := d.registry.Metadata()
	var health map[string]models.AdapterHealth
	if includeHealth {
		health = d.registry.HealthCheckAll(ctx)
	}

	sources := make([]models.SourceInfo, 0, len(meta))
	for name, m := range meta {
		info := models.SourceInfo{
			Name:          name,
			Type:          m.Type,
			Enabled:       m.Enabled,
			DocumentCount: m.DocumentCount,
			LastIndexed:   m.LastIndexed,
		}
		if h, ok := health[name]; ok {
			info.Healthy = h.Healthy
			info.ResponseTimeMS = h.ResponseTimeMS
		}
		sources = append(sources, info)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })

	return &Result{
		Tool: ToolListSources,
		Data: map[string]interface{}{"sources": sources, "total": len(sources)},
	}, nil
}

// ContentTypeFor maps a tool to the content type its results are cached
// under.
func ContentTypeFor(tool string) (models.ContentType, bool) {
	switch tool {
	case ToolSearchRunbooks:
		return models.ContentTypeRunbooks, true
	case ToolSearchKnowledgeBase:
		return models.ContentTypeKnowledgeBase, true
	case ToolGetProcedure:
		return models.ContentTypeProcedures, true
	case ToolGetDecisionTree:
		return models.ContentTypeDecisionTrees, true
	case ToolGetEscalationPath:
		return models.ContentTypeRunbooks, true
	default:
		return "", false
	}
}
