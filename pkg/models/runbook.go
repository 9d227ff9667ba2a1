package models

import "time"

// ===============================
// Runbooks
// ===============================

// Runbook is an operational document describing how to handle one class of
// alert: triggers, a decision tree, step-by-step procedures and the
// escalation path.
type Runbook struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Version         string            `json:"version"`
	Description     string            `json:"description"`
	Triggers        []string          `json:"triggers"`
	SeverityMapping map[string]string `json:"severity_mapping,omitempty"`
	DecisionTree    *DecisionTree     `json:"decision_tree,omitempty"`
	Procedures      []Procedure       `json:"procedures"`
	EscalationPath  *EscalationPath   `json:"escalation_path,omitempty"`
	Metadata        RunbookMetadata   `json:"metadata"`
}

// RunbookMetadata carries provenance and quality signals for a runbook.
type RunbookMetadata struct {
	Author          string    `json:"author,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
	ConfidenceScore float64   `json:"confidence_score"`
	SuccessRate     float64   `json:"success_rate,omitempty"`
	Source          string    `json:"source,omitempty"`
}

// Procedure is a single executable step of a runbook.
type Procedure struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Command           string   `json:"command,omitempty"`
	ExpectedOutcome   string   `json:"expected_outcome,omitempty"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty"`
	Prerequisites     []string `json:"prerequisites,omitempty"`
	RollbackProcedure string   `json:"rollback_procedure,omitempty"`
	ToolsRequired     []string `json:"tools_required,omitempty"`
}

// ===============================
// Decision trees
// ===============================

// DecisionTree guides an operator through conditional remediation logic.
type DecisionTree struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Branches      []DecisionBranch `json:"branches"`
	DefaultAction string           `json:"default_action,omitempty"`
}

// DecisionBranch is one condition/action pair inside a decision tree.
type DecisionBranch struct {
	ID          string  `json:"id"`
	Condition   string  `json:"condition"`
	Description string  `json:"description,omitempty"`
	Action      string  `json:"action"`
	NextStep    string  `json:"next_step,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Rollback    string  `json:"rollback_step,omitempty"`
}

// ===============================
// Escalation
// ===============================

// EscalationPath names who to contact, in order, when a runbook fails to
// resolve an incident.
type EscalationPath struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Severity      Severity            `json:"severity"`
	BusinessHours bool                `json:"business_hours"`
	Contacts      []EscalationContact `json:"contacts"`
	EscalateAfter string              `json:"escalate_after,omitempty"`
	Notes         string              `json:"notes,omitempty"`
}

// EscalationContact is a single hop in an escalation path.
type EscalationContact struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Contact string `json:"contact"`
	Order   int    `json:"order"`
}
