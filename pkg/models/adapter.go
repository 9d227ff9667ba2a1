package models

import "time"

// AdapterHealth is the result of one adapter health check. Checks must be
// cheap; the registry runs them in parallel under individual timeouts.
type AdapterHealth struct {
	Healthy        bool   `json:"healthy"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// AdapterMetadata describes one registered adapter for the list_sources
// tool and the /health/sources surface.
type AdapterMetadata struct {
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Enabled       bool      `json:"enabled"`
	DocumentCount int       `json:"document_count"`
	LastIndexed   time.Time `json:"last_indexed,omitempty"`
}
