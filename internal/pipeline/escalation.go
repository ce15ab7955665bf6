package pipeline

import (
	"time"
)

// Escalation types raised by stages.
const (
	EscalationApprovalRequired    = "approval_required"
	EscalationClarificationNeeded = "clarification_needed"
	EscalationConflict            = "conflict"
)

// Escalation is a request for human input that halts a pipeline until it is
// approved or rejected.
type Escalation struct {
	ID      string         `yaml:"escalation_id" json:"escalation_id"`
	Type    string         `yaml:"type" json:"type"`
	Message string         `yaml:"message" json:"message"`
	Options []string       `yaml:"options,omitempty" json:"options,omitempty"`
	Context map[string]any `yaml:"context,omitempty" json:"context,omitempty"`

	// Stage is the stage that raised the escalation.
	Stage string `yaml:"stage,omitempty" json:"stage,omitempty"`
	// Artifacts holds output the stage produced before escalating.
	Artifacts map[string]any `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	RaisedAt  time.Time      `yaml:"raised_at" json:"raised_at"`
}

// NewEscalation returns an escalation with a fresh ID. Type defaults to
// approval_required.
func NewEscalation(kind, message string, options ...string) *Escalation {
	if kind == "" {
		kind = EscalationApprovalRequired
	}
	return &Escalation{
		ID:      NewEscalationID(),
		Type:    kind,
		Message: message,
		Options: options,
	}
}
