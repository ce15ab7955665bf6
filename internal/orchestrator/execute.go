package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/artifact"
	"github.com/lucasnoah/stagehand/internal/logging"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stage"
)

// ExecuteOpts bounds an execution. MaxIterations <= 0 means run until the
// pipeline completes, fails or escalates.
type ExecuteOpts struct {
	MaxIterations int
}

// StageRun summarizes one executor invocation.
type StageRun struct {
	Stage    string        `json:"stage"`
	Outcome  stage.Outcome `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Errors   []string      `json:"errors,omitempty"`
	Ignored  bool          `json:"ignored,omitempty"`
}

// ExecutionResult describes what an Execute or Approve call did.
type ExecutionResult struct {
	PipelineID   string               `json:"pipeline_id"`
	Status       pipeline.Status      `json:"status"`
	CurrentStage string               `json:"current_stage,omitempty"`
	StagesRun    []StageRun           `json:"stages_run,omitempty"`
	Escalation   *pipeline.Escalation `json:"escalation,omitempty"`
	Errors       []string             `json:"errors,omitempty"`
	Iterations   int                  `json:"iterations"`
}

func (r *ExecutionResult) finish(ps *pipeline.PipelineState) *ExecutionResult {
	r.Status = ps.Status
	r.CurrentStage = ps.CurrentStage
	if ps.Status == pipeline.StatusWaitingApproval {
		r.Escalation = ps.Escalation
	}
	return r
}

// Execute runs stages of a pending, running or paused pipeline until it
// completes, fails, escalates, or MaxIterations stages have run. A running
// pipeline is one whose previous execution was interrupted; its unfinished
// stage runs again.
func (c *Controller) Execute(ctx context.Context, id string, opts ExecuteOpts) (*ExecutionResult, error) {
	ps, err := c.store.Load(id)
	if err != nil {
		return nil, err
	}
	switch ps.Status {
	case pipeline.StatusPending, pipeline.StatusRunning, pipeline.StatusPaused:
	default:
		return nil, &pipeline.TransitionError{ID: id, Op: "execute", From: ps.Status}
	}
	return c.run(ctx, ps, opts, &ExecutionResult{PipelineID: id})
}

// Approve resolves a pending escalation and resumes execution. Executors
// implementing stage.Resumer continue the escalated stage themselves; for
// any other executor the stage is completed with the output it produced
// before escalating plus an "approval" artifact.
func (c *Controller) Approve(ctx context.Context, id string, approval stage.Approval, opts ExecuteOpts) (*ExecutionResult, error) {
	ps, err := c.store.Load(id)
	if err != nil {
		return nil, err
	}
	if ps.Status != pipeline.StatusWaitingApproval {
		return nil, &pipeline.TransitionError{ID: id, Op: "approve", From: ps.Status}
	}
	esc := ps.Escalation
	if esc != nil && approval.EscalationID != "" && approval.EscalationID != esc.ID {
		return nil, fmt.Errorf("pipeline %s: approval for %s: %w", id, approval.EscalationID, ErrEscalationMismatch)
	}

	now := c.now()
	if approval.ApprovedAt.IsZero() {
		approval.ApprovedAt = now.UTC()
	}
	name := escalatedStage(ps)
	var partial map[string]any
	kind := pipeline.EscalationApprovalRequired
	if esc != nil {
		approval.EscalationID = esc.ID
		partial = esc.Artifacts
		kind = esc.Type
	}

	// Resolve the executor before touching state so an unregistered stage
	// leaves the escalation pending.
	var exec stage.Executor
	if name != "" && ps.HasStage(name) {
		if exec, err = c.registry.Get(name); err != nil {
			return nil, fmt.Errorf("pipeline %s: approve: %w", id, err)
		}
	}

	ps.Escalation = nil
	ps.Status = pipeline.StatusRunning
	ps.Touch(now)
	if err := c.save(ps); err != nil {
		return nil, fmt.Errorf("approve pipeline: %w", err)
	}
	c.metrics.Escalation(kind, "approved")
	c.metrics.Transition(string(pipeline.StatusRunning))
	c.event(ctx, ps, "approved", name, 0, approval.Choice)
	c.logger.Info("escalation approved", logging.PipelineID(id), logging.Stage(name),
		zap.String("escalation_id", approval.EscalationID))

	result := &ExecutionResult{PipelineID: id}
	if exec == nil {
		return c.run(ctx, ps, opts, result)
	}

	ps, run, err := c.resumeStage(ctx, ps, name, exec, approval, esc, partial)
	if err != nil {
		return nil, err
	}
	result.StagesRun = append(result.StagesRun, run)
	result.Iterations++
	if ps.Status != pipeline.StatusRunning {
		if ps.Status == pipeline.StatusWaitingApproval && ctx.Err() != nil {
			return result.finish(ps), ctx.Err()
		}
		return result.finish(ps), nil
	}
	return c.run(ctx, ps, opts, result)
}

// run is the stage loop shared by Execute and Approve.
func (c *Controller) run(ctx context.Context, ps *pipeline.PipelineState, opts ExecuteOpts, result *ExecutionResult) (*ExecutionResult, error) {
	if ps.Status != pipeline.StatusRunning {
		ps.Status = pipeline.StatusRunning
		ps.Touch(c.now())
		if err := c.save(ps); err != nil {
			return nil, fmt.Errorf("start pipeline: %w", err)
		}
		c.metrics.Transition(string(pipeline.StatusRunning))
	}

	executed := 0
	for {
		if err := ctx.Err(); err != nil {
			paused, perr := c.pause(ctx, ps.ID, "interrupted")
			if perr != nil {
				return nil, perr
			}
			return result.finish(paused), err
		}

		name, err := c.resolveNextStage(ps)
		if err != nil {
			return nil, err
		}
		if name == "" {
			if err := c.complete(ctx, ps); err != nil {
				return nil, err
			}
			return result.finish(ps), nil
		}

		if opts.MaxIterations > 0 && executed >= opts.MaxIterations {
			paused, err := c.pause(ctx, ps.ID, "iteration limit reached")
			if err != nil {
				return nil, err
			}
			return result.finish(paused), nil
		}
		executed++
		result.Iterations++

		var run StageRun
		ps, run, err = c.runStage(ctx, ps, name)
		if err != nil {
			return nil, err
		}
		result.StagesRun = append(result.StagesRun, run)
		if len(run.Errors) > 0 && !run.Ignored {
			result.Errors = append(result.Errors, run.Errors...)
		}

		if ps.Status != pipeline.StatusRunning {
			return result.finish(ps), nil
		}
	}
}

// resolveNextStage picks the stage to run: the current stage again if it
// never finished, a pending override, or the template successor.
func (c *Controller) resolveNextStage(ps *pipeline.PipelineState) (string, error) {
	if ps.NextStageOverride != "" {
		if !ps.HasStage(ps.NextStageOverride) {
			return "", fmt.Errorf("pipeline %s: next stage %q not in stage order", ps.ID, ps.NextStageOverride)
		}
		return ps.NextStageOverride, nil
	}
	if ps.CurrentStage != "" {
		st := ps.Stages[ps.CurrentStage]
		if st == nil || (st.Status != pipeline.StageCompleted && st.Status != pipeline.StageSkipped) {
			return ps.CurrentStage, nil
		}
	}
	return ps.NextStage(), nil
}

// runStage checkpoints the stage as running, invokes its executor and
// applies the result.
func (c *Controller) runStage(ctx context.Context, ps *pipeline.PipelineState, name string) (*pipeline.PipelineState, StageRun, error) {
	now := c.now()
	st := ps.Stage(name)
	ps.CurrentStage = name
	ps.NextStageOverride = ""
	st.MarkRunning(now)
	ps.Touch(now)
	if err := c.save(ps); err != nil {
		return nil, StageRun{}, fmt.Errorf("start stage %s: %w", name, err)
	}
	c.event(ctx, ps, "stage_started", name, st.Attempts, "")
	c.logger.Info("stage started", logging.PipelineID(ps.ID), logging.Stage(name), zap.Int("attempt", st.Attempts))

	start := time.Now()
	res := c.invokeExecute(ctx, ps, name)
	elapsed := time.Since(start)

	if ctx.Err() != nil && res.Status != stage.OutcomeSuccess {
		// Cancelled mid-stage: leave the stage unfinished so it reruns.
		c.logger.Warn("stage interrupted", logging.PipelineID(ps.ID), logging.Stage(name), zap.Error(ctx.Err()))
		paused, err := c.pause(ctx, ps.ID, "interrupted")
		if err != nil {
			return nil, StageRun{}, err
		}
		return paused, StageRun{Stage: name, Outcome: res.Status, Duration: elapsed, Errors: res.Errors}, nil
	}

	return c.apply(ctx, ps.ID, name, res, elapsed)
}

// resumeStage continues an escalated stage after approval. If ctx is
// cancelled while a Resumer runs, the escalation is restored so the approval
// can be retried.
func (c *Controller) resumeStage(ctx context.Context, ps *pipeline.PipelineState, name string, exec stage.Executor,
	approval stage.Approval, esc *pipeline.Escalation, partial map[string]any) (*pipeline.PipelineState, StageRun, error) {
	start := time.Now()
	var res *stage.Result

	if resumer, ok := exec.(stage.Resumer); ok {
		sc := c.buildContext(ps, name, exec)
		res = c.invoke(ps, name, func() (*stage.Result, error) {
			return resumer.Resume(ctx, sc, approval)
		})
		res = c.checkOutput(exec, name, res)

		if ctx.Err() != nil && res.Status != stage.OutcomeSuccess {
			c.logger.Warn("resume interrupted", logging.PipelineID(ps.ID), logging.Stage(name), zap.Error(ctx.Err()))
			restored, err := c.restoreEscalation(ctx, ps.ID, esc)
			if err != nil {
				return nil, StageRun{}, err
			}
			return restored, StageRun{Stage: name, Outcome: res.Status, Duration: time.Since(start), Errors: res.Errors}, nil
		}
	} else {
		artifacts := make(map[string]any, len(partial)+1)
		for k, v := range partial {
			artifacts[k] = v
		}
		artifacts["approval"] = approvalArtifact(approval)
		res = stage.Success(artifacts)
		if ps.NextStageOverride != "" {
			res.NextStage = ps.NextStageOverride
		}
	}

	return c.apply(ctx, ps.ID, name, res, time.Since(start))
}

// restoreEscalation puts a pipeline whose approval was interrupted back to
// waiting_approval with its original escalation. A pipeline that left
// running meanwhile is returned unchanged.
func (c *Controller) restoreEscalation(ctx context.Context, id string, esc *pipeline.Escalation) (*pipeline.PipelineState, error) {
	ps, err := c.store.Load(id)
	if err != nil {
		return nil, err
	}
	if ps.Status != pipeline.StatusRunning {
		return ps, nil
	}
	ps.Status = pipeline.StatusWaitingApproval
	ps.Escalation = esc
	ps.Touch(c.now())
	if err := c.save(ps); err != nil {
		return nil, fmt.Errorf("restore escalation: %w", err)
	}
	c.metrics.Transition(string(pipeline.StatusWaitingApproval))
	c.event(ctx, ps, "paused", ps.CurrentStage, 0, "approval interrupted")
	c.logger.Info("approval interrupted, escalation restored", logging.PipelineID(id))
	return ps, nil
}

func approvalArtifact(a stage.Approval) map[string]any {
	m := map[string]any{
		"escalation_id": a.EscalationID,
		"approved_at":   a.ApprovedAt.UTC().Format(time.RFC3339),
	}
	if a.Choice != "" {
		m["choice"] = a.Choice
	}
	if a.ApprovedBy != "" {
		m["approved_by"] = a.ApprovedBy
	}
	if len(a.Payload) > 0 {
		m["payload"] = a.Payload
	}
	return m
}

// invokeExecute fetches the executor, checks its inputs, runs it and checks
// its output. Every problem becomes a failed result.
func (c *Controller) invokeExecute(ctx context.Context, ps *pipeline.PipelineState, name string) *stage.Result {
	exec, err := c.registry.Get(name)
	if err != nil {
		return stage.Failed(err.Error())
	}

	sc := c.buildContext(ps, name, exec)
	if errs := artifact.ValidateRequired(sc.InputArtifacts, sc.RequiredInputs); len(errs) > 0 {
		return stage.Failed(errs...)
	}

	res := c.invoke(ps, name, func() (*stage.Result, error) {
		return exec.Execute(ctx, sc)
	})
	return c.checkOutput(exec, name, res)
}

func (c *Controller) checkOutput(exec stage.Executor, name string, res *stage.Result) *stage.Result {
	if res.Status != stage.OutcomeSuccess {
		return res
	}
	errs, err := artifact.Validate(res.Artifacts, exec.OutputSchema())
	if err != nil {
		return stage.Failed(fmt.Sprintf("stage %s: %v", name, err))
	}
	if len(errs) > 0 {
		return stage.Failed(errs...)
	}
	return res
}

// invoke calls fn, converting errors, panics, nil and malformed results
// into failed results so an executor can never crash the controller.
func (c *Controller) invoke(ps *pipeline.PipelineState, name string, fn func() (*stage.Result, error)) (res *stage.Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stage executor panicked", logging.PipelineID(ps.ID), logging.Stage(name), zap.Any("panic", r))
			res = stage.Failedf("stage %s panicked: %v", name, r)
		}
	}()

	res, err := fn()
	switch {
	case err != nil:
		return stage.Failed(err.Error())
	case res == nil:
		return stage.Failedf("stage %s returned no result", name)
	}

	switch res.Status {
	case stage.OutcomeSuccess, stage.OutcomeSkipped, stage.OutcomeFailed:
		if res.Status == stage.OutcomeFailed && len(res.Errors) == 0 {
			res.Errors = []string{"stage failed"}
		}
	case stage.OutcomeEscalate:
		if res.Escalation == nil {
			return stage.Failedf("stage %s escalated without an escalation", name)
		}
	default:
		if res.Escalation != nil {
			res.Status = stage.OutcomeEscalate
			break
		}
		return stage.Failedf("stage %s returned unknown status %q", name, res.Status)
	}
	return res
}

func (c *Controller) buildContext(ps *pipeline.PipelineState, name string, exec stage.Executor) *stage.Context {
	var cfg map[string]any
	if len(ps.Config) > 0 {
		cfg = make(map[string]any, len(ps.Config))
		for k, v := range ps.Config {
			cfg[k] = v
		}
	}
	return &stage.Context{
		PipelineID:     ps.ID,
		StageName:      name,
		ProjectPath:    ps.ProjectPath,
		Request:        ps.Request,
		InputArtifacts: ps.CollectArtifacts(),
		RequiredInputs: append([]string(nil), exec.RequiredInputs()...),
		Config:         cfg,
	}
}

// apply records a stage result against the freshly loaded pipeline. A
// pipeline that became terminal while the executor ran (e.g. aborted) is
// left untouched.
func (c *Controller) apply(ctx context.Context, id, name string, res *stage.Result, elapsed time.Duration) (*pipeline.PipelineState, StageRun, error) {
	run := StageRun{Stage: name, Outcome: res.Status, Duration: elapsed, Errors: res.Errors}

	ps, err := c.store.Load(id)
	if err != nil {
		return nil, run, fmt.Errorf("reload pipeline after stage %s: %w", name, err)
	}
	if ps.IsTerminal() {
		run.Ignored = true
		c.logger.Warn("ignoring stage result for terminal pipeline", logging.PipelineID(id),
			logging.Stage(name), zap.String("status", string(ps.Status)), zap.String("outcome", string(res.Status)))
		c.event(ctx, ps, "result_ignored", name, 0, string(res.Status))
		return ps, run, nil
	}

	c.metrics.ObserveStage(name, string(res.Status), elapsed)

	now := c.now()
	st := ps.Stage(name)
	ps.CurrentStage = name
	logFields := []zap.Field{logging.PipelineID(id), logging.Stage(name), zap.Duration("duration", elapsed)}

	if res.NextStage != "" && !ps.HasStage(res.NextStage) && res.Status != stage.OutcomeFailed {
		res = stage.Failedf("stage %s requested unknown next stage %q", name, res.NextStage)
		run.Outcome, run.Errors = res.Status, res.Errors
	}

	switch res.Status {
	case stage.OutcomeSuccess:
		st.MarkCompleted(res.Artifacts, now)
		ps.NextStageOverride = res.NextStage
		c.event(ctx, ps, "stage_completed", name, st.Attempts, elapsed.String())
		c.logger.Info("stage completed", logFields...)

	case stage.OutcomeSkipped:
		st.MarkSkipped(res.Artifacts, now)
		ps.NextStageOverride = res.NextStage
		c.event(ctx, ps, "stage_skipped", name, st.Attempts, "")
		c.logger.Info("stage skipped", logFields...)

	case stage.OutcomeEscalate:
		esc := *res.Escalation
		esc.Stage = name
		esc.Artifacts = res.Artifacts
		if esc.RaisedAt.IsZero() {
			esc.RaisedAt = now.UTC()
		}
		ps.Escalation = &esc
		ps.NextStageOverride = res.NextStage
		ps.Status = pipeline.StatusWaitingApproval
		c.metrics.Escalation(esc.Type, "raised")
		c.metrics.Transition(string(pipeline.StatusWaitingApproval))
		c.event(ctx, ps, "escalated", name, st.Attempts, esc.Message)
		c.logger.Info("stage escalated", append(logFields,
			zap.String("escalation_id", esc.ID), zap.String("type", esc.Type))...)

	default:
		msg := res.ErrorText()
		st.MarkFailed(msg, now)
		ps.Status = pipeline.StatusFailed
		ps.Reason = fmt.Sprintf("stage %s failed: %s", name, msg)
		ps.NextStageOverride = ""
		c.metrics.Transition(string(pipeline.StatusFailed))
		c.event(ctx, ps, "stage_failed", name, st.Attempts, msg)
		c.logger.Warn("stage failed", append(logFields, zap.String("error", msg))...)
	}

	ps.Touch(now)
	if err := c.save(ps); err != nil {
		return nil, run, fmt.Errorf("checkpoint stage %s: %w", name, err)
	}
	return ps, run, nil
}

// complete marks a pipeline whose last stage finished as completed.
func (c *Controller) complete(ctx context.Context, ps *pipeline.PipelineState) error {
	ps.Status = pipeline.StatusCompleted
	ps.Escalation = nil
	ps.NextStageOverride = ""
	ps.Touch(c.now())
	if err := c.save(ps); err != nil {
		return fmt.Errorf("complete pipeline: %w", err)
	}
	c.metrics.Transition(string(pipeline.StatusCompleted))
	c.event(ctx, ps, "completed", ps.CurrentStage, 0, "")
	c.logger.Info("pipeline completed", logging.PipelineID(ps.ID))
	return nil
}

// pause moves a running pipeline to paused so it can be resumed later.
func (c *Controller) pause(ctx context.Context, id, reason string) (*pipeline.PipelineState, error) {
	ps, err := c.store.Load(id)
	if err != nil {
		return nil, err
	}
	if ps.Status != pipeline.StatusRunning {
		return ps, nil
	}
	ps.Status = pipeline.StatusPaused
	ps.Touch(c.now())
	if err := c.save(ps); err != nil {
		return nil, fmt.Errorf("pause pipeline: %w", err)
	}
	c.metrics.Transition(string(pipeline.StatusPaused))
	c.event(ctx, ps, "paused", ps.CurrentStage, 0, reason)
	c.logger.Info("pipeline paused", logging.PipelineID(id), zap.String("reason", reason))
	return ps, nil
}

// IsNotFound reports whether err means an unknown pipeline, stage or template.
func IsNotFound(err error) bool {
	return errors.Is(err, pipeline.ErrNotFound) || errors.Is(err, stage.ErrStageNotFound) || errors.Is(err, ErrTemplateNotFound)
}

// IsInvalidTransition reports whether err is a rejected state change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, pipeline.ErrInvalidTransition)
}
