package pipeline

import (
	"regexp"
	"strings"
	"time"

	"github.com/prodpipe/prodpipe/internal/tools"
	"github.com/prodpipe/prodpipe/pkg/models"
)

// Query bounds for knowledge-base search.
const (
	minQueryLength = 2
	maxQueryLength = 500
)

// Suggested dispatch timeouts per severity tier.
const (
	timeoutCritical = 3 * time.Second
	timeoutHigh     = 5 * time.Second
	timeoutDefault  = 10 * time.Second
)

// TransformResult is the outcome of the per-tool transform stage: the
// sanitized and normalized arguments, enrichment hints attached for the
// dispatcher and cache layers, and the suggested dispatch timeout.
type TransformResult struct {
	Args    map[string]interface{}
	Hints   map[string]interface{}
	Timeout time.Duration
}

// Transformer applies per-tool sanitization, normalization and enrichment.
type Transformer struct{}

// NewTransformer builds the transform stage.
func NewTransformer() *Transformer {
	return &Transformer{}
}

// Transform runs the tool-specific transform. The input map is not
// mutated; validation has already passed when this stage runs, so only
// semantic checks (trimmed-query length, empty system lists) reject here.
func (t *Transformer) Transform(tool string, args map[string]interface{}, userAgent string) (*TransformResult, *Error) {
	sanitized := SanitizeArguments(args)

	switch tool {
	case tools.ToolSearchKnowledgeBase:
		return t.transformSearch(sanitized, userAgent)
	case tools.ToolSearchRunbooks:
		return t.transformRunbooks(sanitized)
	case tools.ToolGetEscalationPath:
		return t.transformEscalation(sanitized)
	default:
		// Identity with defaults.
		return &TransformResult{
			Args:    sanitized,
			Hints:   map[string]interface{}{},
			Timeout: timeoutDefault,
		}, nil
	}
}

// Query-analysis patterns.
var (
	queryOperatorPattern  = regexp.MustCompile(`(?i)\b(AND|OR|NOT)\b`)
	queryWildcardPattern  = regexp.MustCompile(`[*?]`)
	queryInjectionPattern = regexp.MustCompile(`(?i)(;\s*drop\b|union\s+select|--|\$\{|\{\{)`)
	queryPhrasePattern    = regexp.MustCompile(`"[^"]+"`)
)

// QueryAnalysis summarizes one search query for result sizing and cache
// strategy selection.
type QueryAnalysis struct {
	TermCount    int     `json:"term_count"`
	HasOperators bool    `json:"has_operators"`
	HasWildcards bool    `json:"has_wildcards"`
	HasPhrases   bool    `json:"has_phrases"`
	HasInjection bool    `json:"has_injection"`
	Complexity   float64 `json:"complexity"`
}

// AnalyzeQuery computes a complexity score in [0, 1] from the query's
// structure.
func AnalyzeQuery(query string) QueryAnalysis {
	analysis := QueryAnalysis{
		TermCount:    len(strings.Fields(query)),
		HasOperators: queryOperatorPattern.MatchString(query),
		HasWildcards: queryWildcardPattern.MatchString(query),
		HasPhrases:   queryPhrasePattern.MatchString(query),
		HasInjection: queryInjectionPattern.MatchString(query),
	}

	complexity := float64(analysis.TermCount) * 0.05
	if analysis.HasOperators {
		complexity += 0.25
	}
	if analysis.HasWildcards {
		complexity += 0.2
	}
	if analysis.HasPhrases {
		complexity += 0.15
	}
	if analysis.HasInjection {
		// Injection-looking queries are treated as maximally complex so
		// they get the tightest result caps.
		complexity = 1.0
	}
	if complexity > 1 {
		complexity = 1
	}
	analysis.Complexity = complexity
	return analysis
}

// isMobileUA spots the common mobile user-agent markers.
func isMobileUA(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	return strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone")
}

// transformSearch trims and bounds the query, analyzes it and clamps
// max_results for complexity and client class.
func (t *Transformer) transformSearch(args map[string]interface{}, userAgent string) (*TransformResult, *Error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)

	if len(query) < minQueryLength {
		return nil, NewValidationError([]string{"query: must be at least 2 characters after trimming"})
	}
	if len(query) > maxQueryLength {
		return nil, NewValidationError([]string{"query: must be at most 500 characters"})
	}
	args["query"] = query

	analysis := AnalyzeQuery(query)

	maxResults := 25
	if raw, ok := args["max_results"]; ok {
		switch v := raw.(type) {
		case float64:
			maxResults = int(v)
		case int:
			maxResults = v
		}
	}
	if maxResults < 1 {
		maxResults = 1
	}
	if maxResults > 100 {
		maxResults = 100
	}
	if analysis.Complexity > 0.7 && maxResults > 20 {
		maxResults = 20
	}
	if isMobileUA(userAgent) && maxResults > 10 {
		maxResults = 10
	}
	args["max_results"] = maxResults

	return &TransformResult{
		Args: args,
		Hints: map[string]interface{}{
			"query_analysis": analysis,
			"complexity":     analysis.Complexity,
		},
		Timeout: timeoutDefault,
	}, nil
}

// Severity weights feed urgency, impact and risk scoring.
var severityWeights = map[models.Severity]float64{
	models.SeverityCritical: 1.0,
	models.SeverityHigh:     0.8,
	models.SeverityMedium:   0.5,
	models.SeverityLow:      0.3,
	models.SeverityInfo:     0.1,
}

// businessCriticalSystems mark systems whose involvement raises business
// impact.
var businessCriticalSystems = map[string]bool{
	"production": true,
	"payment":    true,
	"payments":   true,
	"database":   true,
	"auth":       true,
	"billing":    true,
	"checkout":   true,
}

// transformRunbooks normalizes the alert context and computes the urgency,
// business-impact and risk scores used for cache priority and timeouts.
func (t *Transformer) transformRunbooks(args map[string]interface{}) (*TransformResult, *Error) {
	alertType := strings.TrimSpace(strings.ToLower(stringField(args, "alert_type")))
	if alertType == "" {
		return nil, NewValidationError([]string{"alert_type: is required"})
	}
	args["alert_type"] = alertType

	severity := models.Severity(stringField(args, "severity"))
	if !models.ValidSeverity(severity) {
		return nil, NewValidationError([]string{"severity: must be one of critical, high, medium, low, info"})
	}

	systems := NormalizeSystems(stringSliceField(args, "affected_systems"))
	if len(systems) == 0 {
		return nil, NewValidationError([]string{"affected_systems: must contain at least one non-empty system"})
	}
	args["affected_systems"] = systems

	urgency := severityWeights[severity]

	businessImpact := 0.2
	for _, system := range systems {
		if businessCriticalSystems[system] {
			businessImpact += 0.3
		}
	}
	if businessImpact > 1 {
		businessImpact = 1
	}

	risk := urgency*0.6 + businessImpact*0.4

	var timeout time.Duration
	var cachePriority string
	switch severity {
	case models.SeverityCritical:
		timeout = timeoutCritical
		cachePriority = "high"
	case models.SeverityHigh:
		timeout = timeoutHigh
		cachePriority = "high"
	default:
		timeout = timeoutDefault
		cachePriority = "normal"
	}

	return &TransformResult{
		Args: args,
		Hints: map[string]interface{}{
			"urgency_score":   urgency,
			"business_impact": businessImpact,
			"risk_score":      risk,
			"cache_priority":  cachePriority,
			"severity":        string(severity),
		},
		Timeout: timeout,
	}, nil
}

// transformEscalation checks the required severity and business_hours
// fields and passes failed_attempts through.
func (t *Transformer) transformEscalation(args map[string]interface{}) (*TransformResult, *Error) {
	severity := models.Severity(stringField(args, "severity"))
	if !models.ValidSeverity(severity) {
		return nil, NewValidationError([]string{"severity: must be one of critical, high, medium, low, info"})
	}
	if _, ok := args["business_hours"].(bool); !ok {
		return nil, NewValidationError([]string{"business_hours: must be a boolean"})
	}

	timeout := timeoutDefault
	if severity == models.SeverityCritical {
		timeout = timeoutCritical
	} else if severity == models.SeverityHigh {
		timeout = timeoutHigh
	}

	return &TransformResult{
		Args: args,
		Hints: map[string]interface{}{
			"severity": string(severity),
		},
		Timeout: timeout,
	}, nil
}

func stringField(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringSliceField(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
