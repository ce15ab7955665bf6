// Package orchestrator drives pipelines through their stages: it resolves
// the next stage, invokes the registered executor, interprets the result and
// checkpoints state after every transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/logging"
	"github.com/lucasnoah/stagehand/internal/metrics"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stage"
)

var (
	// ErrTemplateNotFound is returned by Create for an unknown template.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrEscalationMismatch is returned by Approve when the approval names
	// an escalation other than the pending one.
	ErrEscalationMismatch = errors.New("escalation id does not match pending escalation")
)

// StateStore is the persistence the controller needs.
type StateStore interface {
	Save(ps *pipeline.PipelineState) error
	Load(id string) (*pipeline.PipelineState, error)
	ListActive() ([]*pipeline.PipelineState, error)
	ListCompleted(limit int) ([]*pipeline.PipelineState, error)
	Delete(id string) error
}

// EventLogger records pipeline events, e.g. to Postgres.
type EventLogger interface {
	LogPipelineEvent(ctx context.Context, pipelineID, event, stage string, attempt int, detail string) error
}

// Controller composes pipeline lifecycle operations. It is the only writer
// of PipelineState. Operations on one pipeline id must not run concurrently.
type Controller struct {
	store     StateStore
	registry  *stage.Registry
	templates map[string][]string
	logger    *zap.Logger
	metrics   *metrics.Metrics
	events    EventLogger
	now       func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithEventLog sets the event logger.
func WithEventLog(e EventLogger) Option {
	return func(c *Controller) { c.events = e }
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Controller.
func New(store StateStore, registry *stage.Registry, templates map[string][]string, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		registry:  registry,
		templates: templates,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Templates returns the configured template names in sorted order.
func (c *Controller) Templates() []string {
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateOpts holds options for creating a pipeline.
type CreateOpts struct {
	Request     string
	Template    string
	Config      map[string]any
	ProjectPath string
}

// Create builds a pending pipeline from a template and persists it.
func (c *Controller) Create(ctx context.Context, opts CreateOpts) (*pipeline.PipelineState, error) {
	order, ok := c.templates[opts.Template]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", opts.Template, ErrTemplateNotFound)
	}
	if err := checkStageOrder(order); err != nil {
		return nil, fmt.Errorf("template %q: %w", opts.Template, err)
	}

	now := c.now()
	ps := pipeline.NewPipelineState(pipeline.NewPipelineID(now), opts.Template, order,
		opts.Request, opts.Config, opts.ProjectPath, now)

	if err := c.save(ps); err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	c.metrics.Transition(string(pipeline.StatusPending))
	c.event(ctx, ps, "created", "", 0, "template="+opts.Template)
	c.logger.Info("pipeline created", logging.PipelineID(ps.ID),
		zap.String("template", opts.Template), zap.Int("stages", len(order)))
	return ps, nil
}

func checkStageOrder(order []string) error {
	if len(order) == 0 {
		return errors.New("no stages")
	}
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if name == "" {
			return errors.New("empty stage name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate stage %q", name)
		}
		seen[name] = true
	}
	return nil
}

// Status returns the persisted state of a pipeline.
func (c *Controller) Status(ctx context.Context, id string) (*pipeline.PipelineState, error) {
	return c.store.Load(id)
}

// List returns active pipelines followed by completed ones. An empty filter
// returns all of them.
func (c *Controller) List(ctx context.Context, statusFilter pipeline.Status) ([]*pipeline.PipelineState, error) {
	var all []*pipeline.PipelineState
	if statusFilter == "" || !statusFilter.Terminal() {
		active, err := c.store.ListActive()
		if err != nil {
			return nil, fmt.Errorf("list active pipelines: %w", err)
		}
		all = append(all, active...)
	}
	if statusFilter == "" || statusFilter.Terminal() {
		completed, err := c.store.ListCompleted(0)
		if err != nil {
			return nil, fmt.Errorf("list completed pipelines: %w", err)
		}
		all = append(all, completed...)
	}

	if statusFilter == "" {
		return all, nil
	}
	var filtered []*pipeline.PipelineState
	for _, ps := range all {
		if ps.Status == statusFilter {
			filtered = append(filtered, ps)
		}
	}
	return filtered, nil
}

// ListCompleted returns terminal pipelines, most recent first.
func (c *Controller) ListCompleted(ctx context.Context, limit int) ([]*pipeline.PipelineState, error) {
	return c.store.ListCompleted(limit)
}

// Delete removes a pipeline's state.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if err := c.store.Delete(id); err != nil {
		return err
	}
	c.logger.Info("pipeline deleted", logging.PipelineID(id))
	return nil
}

// Abort moves a non-terminal pipeline to aborted. An executor already in
// flight is not interrupted; its eventual result is ignored.
func (c *Controller) Abort(ctx context.Context, id, reason string) error {
	ps, err := c.store.Load(id)
	if err != nil {
		return err
	}
	if ps.IsTerminal() {
		return &pipeline.TransitionError{ID: id, Op: "abort", From: ps.Status}
	}

	now := c.now()
	if ps.CurrentStage != "" {
		if st := ps.Stage(ps.CurrentStage); st.Status == pipeline.StageRunning {
			st.MarkFailed("pipeline aborted", now)
		}
	}
	if reason == "" {
		reason = "aborted"
	}
	ps.Status = pipeline.StatusAborted
	ps.Reason = reason
	ps.NextStageOverride = ""
	ps.Touch(now)
	if err := c.save(ps); err != nil {
		return fmt.Errorf("abort pipeline: %w", err)
	}

	c.metrics.Transition(string(pipeline.StatusAborted))
	c.event(ctx, ps, "aborted", ps.CurrentStage, 0, reason)
	c.logger.Info("pipeline aborted", logging.PipelineID(id), zap.String("reason", reason))
	return nil
}

// Reject resolves a pending escalation negatively: the escalating stage and
// the pipeline fail with reason recorded.
func (c *Controller) Reject(ctx context.Context, id, reason string) error {
	ps, err := c.store.Load(id)
	if err != nil {
		return err
	}
	if ps.Status != pipeline.StatusWaitingApproval {
		return &pipeline.TransitionError{ID: id, Op: "reject", From: ps.Status}
	}
	if reason == "" {
		reason = "rejected"
	}

	now := c.now()
	name := escalatedStage(ps)
	if name != "" {
		ps.Stage(name).MarkFailed("rejected: "+reason, now)
	}
	ps.Status = pipeline.StatusFailed
	ps.Reason = reason
	ps.NextStageOverride = ""
	ps.Touch(now)
	if err := c.save(ps); err != nil {
		return fmt.Errorf("reject pipeline: %w", err)
	}

	if ps.Escalation != nil {
		c.metrics.Escalation(ps.Escalation.Type, "rejected")
	}
	c.metrics.Transition(string(pipeline.StatusFailed))
	c.event(ctx, ps, "rejected", name, 0, reason)
	c.logger.Info("escalation rejected", logging.PipelineID(id), logging.Stage(name), zap.String("reason", reason))
	return nil
}

func escalatedStage(ps *pipeline.PipelineState) string {
	if ps.Escalation != nil && ps.Escalation.Stage != "" {
		return ps.Escalation.Stage
	}
	return ps.CurrentStage
}

func (c *Controller) save(ps *pipeline.PipelineState) error {
	if err := c.store.Save(ps); err != nil {
		c.metrics.StoreError()
		c.logger.Error("save pipeline state", logging.PipelineID(ps.ID), zap.Error(err))
		return err
	}
	return nil
}

// event records a pipeline event. Failures are logged, never returned.
func (c *Controller) event(ctx context.Context, ps *pipeline.PipelineState, event, stageName string, attempt int, detail string) {
	if c.events == nil {
		return
	}
	if err := c.events.LogPipelineEvent(context.WithoutCancel(ctx), ps.ID, event, stageName, attempt, detail); err != nil {
		c.logger.Warn("log pipeline event", logging.PipelineID(ps.ID), zap.String("event", event), zap.Error(err))
	}
}
