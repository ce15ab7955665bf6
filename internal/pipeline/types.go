package pipeline

import (
	"time"
)

// Status is the lifecycle status of a pipeline.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusAborted         Status = "aborted"
)

// Valid reports whether s is a known pipeline status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusWaitingApproval,
		StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Terminal reports whether s is one of completed, failed or aborted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// StageStatus is the status of a single stage within a pipeline.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Finished reports whether the stage reached completed, failed or skipped.
func (s StageStatus) Finished() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// PipelineState is the persisted state for a single pipeline run.
type PipelineState struct {
	ID           string                 `yaml:"pipeline_id" json:"pipeline_id"`
	Template     string                 `yaml:"template" json:"template"`
	StageOrder   []string               `yaml:"stage_order" json:"stage_order"`
	Status       Status                 `yaml:"status" json:"status"`
	CurrentStage string                 `yaml:"current_stage,omitempty" json:"current_stage,omitempty"`
	Stages       map[string]*StageState `yaml:"stages" json:"stages"`
	Request      string                 `yaml:"request" json:"request"`
	Config       map[string]any         `yaml:"config,omitempty" json:"config,omitempty"`
	ProjectPath  string                 `yaml:"project_path,omitempty" json:"project_path,omitempty"`

	// Escalation is set while the pipeline waits for approval.
	Escalation *Escalation `yaml:"escalation,omitempty" json:"escalation,omitempty"`
	// NextStageOverride is the successor requested by the last stage result.
	NextStageOverride string `yaml:"next_stage,omitempty" json:"next_stage,omitempty"`
	// Reason records why the pipeline failed or was aborted.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// StageState records the progress of one stage.
type StageState struct {
	Name        string         `yaml:"stage_name" json:"stage_name"`
	Status      StageStatus    `yaml:"status" json:"status"`
	Attempts    int            `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	StartedAt   *time.Time     `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time     `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Artifacts   map[string]any `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Error       string         `yaml:"error,omitempty" json:"error,omitempty"`
}

// NewPipelineState builds a pending pipeline with one pending stage per entry
// in stageOrder. The order slice is copied.
func NewPipelineState(id, template string, stageOrder []string, request string, cfg map[string]any, projectPath string, now time.Time) *PipelineState {
	order := make([]string, len(stageOrder))
	copy(order, stageOrder)

	stages := make(map[string]*StageState, len(order))
	for _, name := range order {
		stages[name] = &StageState{Name: name, Status: StagePending}
	}

	now = now.UTC()
	return &PipelineState{
		ID:          id,
		Template:    template,
		StageOrder:  order,
		Status:      StatusPending,
		Stages:      stages,
		Request:     request,
		Config:      cfg,
		ProjectPath: projectPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NextStage returns the stage after CurrentStage in StageOrder, the first
// stage when no stage has started, or "" when CurrentStage is the last one.
func (ps *PipelineState) NextStage() string {
	if len(ps.StageOrder) == 0 {
		return ""
	}
	if ps.CurrentStage == "" {
		return ps.StageOrder[0]
	}
	i := ps.StageIndex(ps.CurrentStage)
	if i < 0 || i+1 >= len(ps.StageOrder) {
		return ""
	}
	return ps.StageOrder[i+1]
}

// StageIndex returns the position of name in StageOrder, or -1.
func (ps *PipelineState) StageIndex(name string) int {
	for i, s := range ps.StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// HasStage reports whether name is part of this pipeline's stage order.
func (ps *PipelineState) HasStage(name string) bool {
	return ps.StageIndex(name) >= 0
}

// Stage returns the state for name, creating a pending entry if the map
// is missing one.
func (ps *PipelineState) Stage(name string) *StageState {
	if ps.Stages == nil {
		ps.Stages = make(map[string]*StageState)
	}
	st, ok := ps.Stages[name]
	if !ok || st == nil {
		st = &StageState{Name: name, Status: StagePending}
		ps.Stages[name] = st
	}
	return st
}

// CollectArtifacts merges the artifacts of every completed stage in stage
// order. Later stages shadow earlier keys.
func (ps *PipelineState) CollectArtifacts() map[string]any {
	out := make(map[string]any)
	for _, name := range ps.StageOrder {
		st, ok := ps.Stages[name]
		if !ok || st == nil || st.Status != StageCompleted {
			continue
		}
		for k, v := range st.Artifacts {
			out[k] = v
		}
	}
	return out
}

// IsTerminal reports whether the pipeline can no longer change.
func (ps *PipelineState) IsTerminal() bool {
	return ps.Status.Terminal()
}

// CanResume reports whether the pipeline is paused or waiting for approval.
func (ps *PipelineState) CanResume() bool {
	return ps.Status == StatusPaused || ps.Status == StatusWaitingApproval
}

// Touch refreshes UpdatedAt without ever moving it backwards.
func (ps *PipelineState) Touch(now time.Time) {
	now = now.UTC()
	if now.After(ps.UpdatedAt) {
		ps.UpdatedAt = now
	}
}

// MarkRunning resets a stage for a new attempt.
func (st *StageState) MarkRunning(now time.Time) {
	now = now.UTC()
	st.Status = StageRunning
	st.Attempts++
	st.StartedAt = &now
	st.CompletedAt = nil
	st.Error = ""
	st.Artifacts = nil
}

// MarkCompleted records a successful stage and its output.
func (st *StageState) MarkCompleted(artifacts map[string]any, now time.Time) {
	st.finish(StageCompleted, now)
	st.Artifacts = artifacts
}

// MarkFailed records a failed stage. Artifacts produced before the failure
// are kept for inspection but never collected.
func (st *StageState) MarkFailed(errMsg string, now time.Time) {
	st.finish(StageFailed, now)
	st.Error = errMsg
}

// MarkSkipped records a skipped stage.
func (st *StageState) MarkSkipped(artifacts map[string]any, now time.Time) {
	st.finish(StageSkipped, now)
	st.Artifacts = artifacts
}

func (st *StageState) finish(status StageStatus, now time.Time) {
	now = now.UTC()
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	st.Status = status
	st.CompletedAt = &now
}
