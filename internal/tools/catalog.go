// Package tools maps tool names onto adapter operations: the catalog
// declares each tool's argument schema, and the dispatcher fans calls out
// across the registered source adapters under circuit-breaker protection.
package tools

// Tool names. These are the public identifiers on both transports.
const (
	ToolSearchRunbooks      = "search_runbooks"
	ToolSearchKnowledgeBase = "search_knowledge_base"
	ToolGetProcedure        = "get_procedure"
	ToolGetDecisionTree     = "get_decision_tree"
	ToolGetEscalationPath   = "get_escalation_path"
	ToolRecordFeedback      = "record_resolution_feedback"
	ToolListSources         = "list_sources"
)

// Definition is one catalog entry: the tool's name, a human description and
// the JSON schema of its arguments. The schema drives both validation and
// the tools/list response on the stream transport.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Catalog returns every tool definition in a stable order.
func Catalog() []Definition {
	return []Definition{
		{
			Name:        ToolSearchRunbooks,
			Description: "Search operational runbooks by alert type, severity and affected systems",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"alert_type": map[string]interface{}{
						"type":      "string",
						"minLength": 1,
						"maxLength": 200,
					},
					"severity": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"critical", "high", "medium", "low", "info"},
					},
					"affected_systems": map[string]interface{}{
						"type":     "array",
						"items":    map[string]interface{}{"type": "string"},
						"minItems": 1,
						"maxItems": 50,
					},
					"context": map[string]interface{}{
						"type": "object",
					},
				},
				"required":             []interface{}{"alert_type", "severity", "affected_systems"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolSearchKnowledgeBase,
			Description: "Search the aggregated knowledge base",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":      "string",
						"minLength": 2,
						"maxLength": 500,
					},
					"categories": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
					"max_results": map[string]interface{}{
						"type":    "integer",
						"minimum": 1,
						"maximum": 100,
					},
					"max_age_days": map[string]interface{}{
						"type":    "integer",
						"minimum": 1,
					},
				},
				"required":             []interface{}{"query"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolGetProcedure,
			Description: "Fetch one procedure by id",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"procedure_id": map[string]interface{}{
						"type":      "string",
						"minLength": 1,
						"maxLength": 200,
					},
					"section": map[string]interface{}{
						"type": "string",
					},
				},
				"required":             []interface{}{"procedure_id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolGetDecisionTree,
			Description: "Fetch decision logic by tree id or alert context",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"tree_id": map[string]interface{}{
						"type": "string",
					},
					"alert_type": map[string]interface{}{
						"type": "string",
					},
					"context": map[string]interface{}{
						"type": "object",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolGetEscalationPath,
			Description: "Determine the escalation path for an incident",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"severity": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"critical", "high", "medium", "low", "info"},
					},
					"business_hours": map[string]interface{}{
						"type": "boolean",
					},
					"failed_attempts": map[string]interface{}{
						"type":    "integer",
						"minimum": 0,
					},
				},
				"required":             []interface{}{"severity", "business_hours"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolRecordFeedback,
			Description: "Record the outcome of applying a runbook or procedure",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"runbook_id": map[string]interface{}{
						"type":      "string",
						"minLength": 1,
					},
					"procedure_id": map[string]interface{}{
						"type": "string",
					},
					"outcome": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"resolved", "partially_resolved", "escalated", "not_applicable"},
					},
					"resolution_time_minutes": map[string]interface{}{
						"type":    "number",
						"minimum": 0,
					},
					"notes": map[string]interface{}{
						"type":      "string",
						"maxLength": 2000,
					},
				},
				"required":             []interface{}{"runbook_id", "outcome"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolListSources,
			Description: "List registered knowledge sources and their health",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"include_health": map[string]interface{}{
						"type": "boolean",
					},
				},
				"additionalProperties": false,
			},
		},
	}
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (Definition, bool) {
	for _, def := range Catalog() {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

// IsKnown reports whether name is a catalog tool.
func IsKnown(name string) bool {
	_, ok := Lookup(name)
	return ok
}
