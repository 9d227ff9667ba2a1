// Package models defines the domain types exchanged between the transports,
// the request pipeline, the cache, and the source adapters.
package models

import "fmt"

// ContentType tags every cacheable payload. The enumeration is closed: a
// fingerprint never crosses content types even when identifiers collide.
type ContentType string

// Content types
const (
	ContentTypeRunbooks      ContentType = "runbooks"
	ContentTypeProcedures    ContentType = "procedures"
	ContentTypeDecisionTrees ContentType = "decision_trees"
	ContentTypeKnowledgeBase ContentType = "knowledge_base"
	ContentTypeWebResponse   ContentType = "web_response"
)

// ContentTypes lists every valid content type, in a stable order.
var ContentTypes = []ContentType{
	ContentTypeRunbooks,
	ContentTypeProcedures,
	ContentTypeDecisionTrees,
	ContentTypeKnowledgeBase,
	ContentTypeWebResponse,
}

// ValidContentType reports whether t is a member of the closed enumeration.
func ValidContentType(t ContentType) bool {
	switch t {
	case ContentTypeRunbooks, ContentTypeProcedures, ContentTypeDecisionTrees,
		ContentTypeKnowledgeBase, ContentTypeWebResponse:
		return true
	}
	return false
}

// Fingerprint is a cache key: a content-type tag plus an opaque identifier
// derived deterministically from request semantics. Identity is full-tuple
// equality.
type Fingerprint struct {
	Type ContentType `json:"type"`
	ID   string      `json:"id"`
}

// NewFingerprint builds a fingerprint for the given type and identifier.
func NewFingerprint(t ContentType, id string) Fingerprint {
	return Fingerprint{Type: t, ID: id}
}

// Key renders the local-tier cache key, "<type>:<identifier>".
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s:%s", f.Type, f.ID)
}

// Severity grades alerts and incident lookups.
type Severity string

// Severity levels accepted by runbook search and escalation lookups
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ValidSeverity reports whether s is one of the accepted severity levels.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}
