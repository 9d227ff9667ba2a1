package models

import "time"

// ===============================
// Search
// ===============================

// SearchResult is one knowledge-base document returned by an adapter.
type SearchResult struct {
	ID              string                 `json:"id"`
	Title           string                 `json:"title"`
	Content         string                 `json:"content"`
	Source          string                 `json:"source"`
	SourceType      string                 `json:"source_type"`
	URL             string                 `json:"url,omitempty"`
	ConfidenceScore float64                `json:"confidence_score"`
	LastUpdated     time.Time              `json:"last_updated,omitempty"`
	MatchReasons    []string               `json:"match_reasons,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilters narrows a knowledge-base search.
type SearchFilters struct {
	Categories    []string    `json:"categories,omitempty"`
	SourceTypes   []string    `json:"source_types,omitempty"`
	MaxAgeDays    int         `json:"max_age_days,omitempty"`
	MinConfidence float64     `json:"min_confidence,omitempty"`
	Limit         int         `json:"limit,omitempty"`
	ContentType   ContentType `json:"content_type,omitempty"`
}

// ===============================
// Feedback
// ===============================

// ResolutionFeedback records the outcome of applying a runbook or procedure,
// used to tune confidence scores over time.
type ResolutionFeedback struct {
	RunbookID             string    `json:"runbook_id"`
	ProcedureID           string    `json:"procedure_id,omitempty"`
	Outcome               string    `json:"outcome"`
	ResolutionTimeMinutes float64   `json:"resolution_time_minutes,omitempty"`
	Notes                 string    `json:"notes,omitempty"`
	RecordedAt            time.Time `json:"recorded_at,omitempty"`
}

// Feedback outcomes
const (
	OutcomeResolved      = "resolved"
	OutcomePartial       = "partially_resolved"
	OutcomeEscalated     = "escalated"
	OutcomeNotApplicable = "not_applicable"
)

// ===============================
// Sources
// ===============================

// SourceInfo describes one registered source adapter for the list_sources
// tool.
type SourceInfo struct {
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Enabled        bool      `json:"enabled"`
	Healthy        bool      `json:"healthy"`
	DocumentCount  int       `json:"document_count"`
	LastIndexed    time.Time `json:"last_indexed,omitempty"`
	ResponseTimeMS int64     `json:"avg_response_time_ms,omitempty"`
}
