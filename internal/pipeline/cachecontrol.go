package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prodpipe/prodpipe/internal/tools"
	"github.com/prodpipe/prodpipe/pkg/models"
)

// Cache strategy labels and their base TTLs in seconds.
const (
	StrategyCriticalIncident     = "critical_incident"
	StrategyHighPriorityIncident = "high_priority_incident"
	StrategyBusinessCritical     = "business_critical_query"
	StrategyComplexQuery         = "complex_query"
	StrategySimpleQuery          = "simple_query"
	StrategyDecisionLogic        = "decision_logic"
	StrategyProcedureSteps       = "procedure_steps"
	StrategyMetadata             = "metadata"
	StrategyAnalytics            = "analytics"
	StrategyStandard             = "standard"
)

// baseTTLSeconds is the strategy → base TTL table.
var baseTTLSeconds = map[string]int{
	StrategyCriticalIncident:     7200,
	StrategyHighPriorityIncident: 3600,
	StrategyBusinessCritical:     2700,
	StrategyComplexQuery:         1800,
	StrategySimpleQuery:          900,
	StrategyDecisionLogic:        5400,
	StrategyProcedureSteps:       4320,
	StrategyMetadata:             14400,
	StrategyAnalytics:            300,
	StrategyStandard:             600,
}

// Derived TTLs are clamped to this range.
const (
	minDerivedTTLSeconds = 300
	maxDerivedTTLSeconds = 28800
)

// SelectStrategy picks the cache strategy label from the tool and the
// transform hints.
func SelectStrategy(tool string, hints map[string]interface{}) string {
	switch tool {
	case tools.ToolSearchRunbooks, tools.ToolGetEscalationPath:
		switch hintString(hints, "severity") {
		case string(models.SeverityCritical):
			return StrategyCriticalIncident
		case string(models.SeverityHigh):
			return StrategyHighPriorityIncident
		default:
			return StrategyStandard
		}
	case tools.ToolSearchKnowledgeBase:
		complexity := hintFloat(hints, "complexity")
		switch {
		case hintBusinessCritical(hints):
			return StrategyBusinessCritical
		case complexity > 0.5:
			return StrategyComplexQuery
		default:
			return StrategySimpleQuery
		}
	case tools.ToolGetDecisionTree:
		return StrategyDecisionLogic
	case tools.ToolGetProcedure:
		return StrategyProcedureSteps
	case tools.ToolListSources:
		return StrategyMetadata
	default:
		return StrategyStandard
	}
}

func hintString(hints map[string]interface{}, key string) string {
	s, _ := hints[key].(string)
	return s
}

func hintFloat(hints map[string]interface{}, key string) float64 {
	f, _ := hints[key].(float64)
	return f
}

// hintBusinessCritical spots queries whose analysis flagged business terms.
func hintBusinessCritical(hints map[string]interface{}) bool {
	b, _ := hints["business_critical"].(bool)
	return b
}

// DeriveTTL resolves the strategy's base TTL, applies the time-of-day and
// freshness multipliers and clamps the result to [300, 28800] seconds.
func DeriveTTL(strategy string, now time.Time, contentAge time.Duration) int {
	base, ok := baseTTLSeconds[strategy]
	if !ok {
		base = baseTTLSeconds[StrategyStandard]
	}

	ttl := float64(base) * timeOfDayMultiplier(now) * freshnessMultiplier(contentAge)

	seconds := int(ttl)
	if seconds < minDerivedTTLSeconds {
		seconds = minDerivedTTLSeconds
	}
	if seconds > maxDerivedTTLSeconds {
		seconds = maxDerivedTTLSeconds
	}
	return seconds
}

// timeOfDayMultiplier shortens TTLs during business hours, when content
// changes most, and stretches them overnight.
func timeOfDayMultiplier(now time.Time) float64 {
	hour := now.Hour()
	switch {
	case hour >= 9 && hour < 18:
		return 0.75
	case hour >= 22 || hour < 6:
		return 1.5
	default:
		return 1.0
	}
}

// freshnessMultiplier shortens TTLs for content that was just updated and
// is likely still in flux. Zero age means the age is unknown.
func freshnessMultiplier(age time.Duration) float64 {
	switch {
	case age <= 0:
		return 1.0
	case age < time.Hour:
		return 0.5
	case age < 24*time.Hour:
		return 0.8
	default:
		return 1.0
	}
}

// BuildFingerprint derives the cache fingerprint for one tool call: the
// tool's content type plus a base64 identifier over the canonicalized
// arguments. Canonicalization sorts keys so equivalent argument sets
// collide on purpose.
func BuildFingerprint(tool string, args map[string]interface{}) (models.Fingerprint, bool) {
	contentType, ok := tools.ContentTypeFor(tool)
	if !ok {
		return models.Fingerprint{}, false
	}

	canonical := canonicalize(args)
	raw, err := json.Marshal(canonical)
	if err != nil {
		return models.Fingerprint{}, false
	}

	id := fmt.Sprintf("%s_%s", tool, base64.RawURLEncoding.EncodeToString(raw))
	return models.NewFingerprint(contentType, id), true
}

// canonicalize produces a deterministic representation of an argument map:
// sorted keys, nested maps recursed, volatile fields dropped.
func canonicalize(args map[string]interface{}) []interface{} {
	keys := make([]string, 0, len(args))
	for k := range args {
		// Context carries request-scoped noise, not query semantics.
		if k == "context" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		v := args[k]
		if nested, ok := v.(map[string]interface{}); ok {
			v = canonicalize(nested)
		}
		if slice, ok := v.([]string); ok {
			sorted := append([]string(nil), slice...)
			sort.Strings(sorted)
			v = sorted
		}
		out = append(out, []interface{}{k, v})
	}
	return out
}

// CacheablePaths are the POST endpoints with deterministic fingerprints.
// GET tool endpoints are always cacheable; feedback and procedure
// execution never are.
var cacheablePOSTPaths = map[string]bool{
	"/api/search":          true,
	"/api/runbooks/search": true,
	"/api/decision-tree":   true,
	"/api/escalation":      true,
}

// CacheableRequest reports whether a method/path pair participates in
// cache interception.
func CacheableRequest(method, path string) bool {
	if method == "GET" && strings.HasPrefix(path, "/api/") {
		return true
	}
	return method == "POST" && cacheablePOSTPaths[path]
}
