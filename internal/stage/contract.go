// Package stage defines the contract between the pipeline controller and
// the executors that implement individual stages, plus the registry used to
// look executors up by name.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/stagehand/internal/artifact"
	"github.com/lucasnoah/stagehand/internal/pipeline"
)

// Context is the read-only view of a pipeline handed to an executor.
type Context struct {
	PipelineID     string
	StageName      string
	ProjectPath    string
	Request        string
	InputArtifacts map[string]any
	RequiredInputs []string
	Config         map[string]any
}

// Input returns the named input artifact.
func (c *Context) Input(key string) (any, bool) {
	v, ok := c.InputArtifacts[key]
	return v, ok
}

// InputString returns the named input artifact if it is a string.
func (c *Context) InputString(key string) string {
	s, _ := c.InputArtifacts[key].(string)
	return s
}

// Outcome is the shape of a stage result.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeEscalate Outcome = "escalate"
)

// Result is what an executor returns. Build it with Success, Failed,
// Skipped or Escalate.
type Result struct {
	Status     Outcome
	Artifacts  map[string]any
	Errors     []string
	Escalation *pipeline.Escalation
	// NextStage overrides the template's natural successor when set.
	NextStage string
}

// Success returns a successful result carrying artifacts.
func Success(artifacts map[string]any) *Result {
	return &Result{Status: OutcomeSuccess, Artifacts: artifacts}
}

// Failed returns a failed result.
func Failed(errs ...string) *Result {
	if len(errs) == 0 {
		errs = []string{"stage failed"}
	}
	return &Result{Status: OutcomeFailed, Errors: errs}
}

// Failedf returns a failed result with a formatted message.
func Failedf(format string, args ...any) *Result {
	return Failed(fmt.Sprintf(format, args...))
}

// Skipped returns a skipped result. The reason is recorded as the
// "skip_reason" artifact.
func Skipped(reason string) *Result {
	var artifacts map[string]any
	if reason != "" {
		artifacts = map[string]any{"skip_reason": reason}
	}
	return &Result{Status: OutcomeSkipped, Artifacts: artifacts}
}

// Escalate returns a result that halts the pipeline until a human approves
// or rejects it. partial holds any output produced before escalating.
func Escalate(esc *pipeline.Escalation, partial map[string]any) *Result {
	if esc == nil {
		esc = pipeline.NewEscalation(pipeline.EscalationApprovalRequired, "approval required")
	}
	if esc.ID == "" {
		esc.ID = pipeline.NewEscalationID()
	}
	if esc.Type == "" {
		esc.Type = pipeline.EscalationApprovalRequired
	}
	return &Result{Status: OutcomeEscalate, Escalation: esc, Artifacts: partial}
}

// WithNextStage sets the successor override and returns r.
func (r *Result) WithNextStage(name string) *Result {
	r.NextStage = name
	return r
}

// ErrorText joins the result's errors into one message.
func (r *Result) ErrorText() string {
	switch len(r.Errors) {
	case 0:
		return ""
	case 1:
		return r.Errors[0]
	}
	text := r.Errors[0]
	for _, e := range r.Errors[1:] {
		text += "; " + e
	}
	return text
}

// Executor runs one stage.
type Executor interface {
	// Execute runs the stage. Returning an error is equivalent to returning
	// a failed result carrying the error text.
	Execute(ctx context.Context, sc *Context) (*Result, error)
	// RequiredInputs lists artifacts that must exist before Execute runs.
	RequiredInputs() []string
	// OutputSchema describes the artifacts of a successful run. Nil means
	// no constraint.
	OutputSchema() *artifact.Schema
}

// Approval is the human decision that resolves an escalation.
type Approval struct {
	EscalationID string         `json:"escalation_id,omitempty"`
	Choice       string         `json:"choice,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	ApprovedBy   string         `json:"approved_by,omitempty"`
	ApprovedAt   time.Time      `json:"approved_at"`
}

// Resumer is implemented by executors that continue an escalated stage
// themselves once it is approved. Executors without it have the escalating
// stage marked completed on approval with the output produced so far.
type Resumer interface {
	Resume(ctx context.Context, sc *Context, approval Approval) (*Result, error)
}

// Base provides empty RequiredInputs and OutputSchema for embedding.
type Base struct {
	Inputs []string
	Schema *artifact.Schema
}

// RequiredInputs implements Executor.
func (b Base) RequiredInputs() []string { return b.Inputs }

// OutputSchema implements Executor.
func (b Base) OutputSchema() *artifact.Schema { return b.Schema }

// Func adapts a function to Executor.
type Func struct {
	Base
	Fn func(ctx context.Context, sc *Context) (*Result, error)
}

// Execute implements Executor.
func (f *Func) Execute(ctx context.Context, sc *Context) (*Result, error) {
	return f.Fn(ctx, sc)
}
