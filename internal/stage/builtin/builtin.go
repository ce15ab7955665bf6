// Package builtin provides the executors stagehand can run without any Go
// code from the user: noop placeholders, shell commands and human approval
// gates, bound to stage names through configuration.
package builtin

import (
	"context"
	"fmt"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/prompt"
	"github.com/lucasnoah/stagehand/internal/stage"
)

// Noop succeeds immediately, recording that the stage ran.
type Noop struct {
	stage.Base
}

// Execute implements stage.Executor.
func (n *Noop) Execute(ctx context.Context, sc *stage.Context) (*stage.Result, error) {
	return stage.Success(map[string]any{sc.StageName: "ok"}), nil
}

// Gate halts the pipeline until a human approves it. Message (or the
// contents of MessageFile, relative to the project) is rendered with the
// prompt package before being shown.
type Gate struct {
	stage.Base
	Message     string
	MessageFile string
	Options     []string
}

// Execute implements stage.Executor.
func (g *Gate) Execute(ctx context.Context, sc *stage.Context) (*stage.Result, error) {
	tmpl := g.Message
	if g.MessageFile != "" {
		data, err := prompt.Load(g.MessageFile, sc.ProjectPath)
		if err != nil {
			return stage.Failedf("stage %s: %v", sc.StageName, err), nil
		}
		tmpl = data
	}
	if tmpl == "" {
		tmpl = "approve stage {{stage}}"
	}
	msg, err := prompt.RenderStage(tmpl, sc)
	if err != nil {
		return stage.Failedf("stage %s: render message: %v", sc.StageName, err), nil
	}

	esc := pipeline.NewEscalation(pipeline.EscalationApprovalRequired, msg, g.Options...)
	esc.Context = map[string]any{"request": sc.Request}
	return stage.Escalate(esc, nil), nil
}

// Resume implements stage.Resumer.
func (g *Gate) Resume(ctx context.Context, sc *stage.Context, approval stage.Approval) (*stage.Result, error) {
	if len(g.Options) > 0 && approval.Choice != "" && !contains(g.Options, approval.Choice) {
		return stage.Failedf("stage %s: choice %q is not one of %v", sc.StageName, approval.Choice, g.Options), nil
	}
	decision := map[string]any{"approved": true}
	if approval.Choice != "" {
		decision["choice"] = approval.Choice
	}
	if approval.ApprovedBy != "" {
		decision["approved_by"] = approval.ApprovedBy
	}
	for k, v := range approval.Payload {
		decision[k] = v
	}
	return stage.Success(map[string]any{sc.StageName: decision}), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// New builds the executor described by st.
func New(st config.StageConfig) (stage.Executor, error) {
	base := stage.Base{Inputs: st.RequiredInputs, Schema: st.OutputSchema}
	switch st.Type {
	case "", config.StageTypeNoop:
		return &Noop{Base: base}, nil
	case config.StageTypeCommand:
		return &Command{Base: base, Command: st.Command, Timeout: st.Timeout, ParseOutput: st.ParseOutput}, nil
	case config.StageTypeGate:
		return &Gate{Base: base, Message: st.Message, MessageFile: st.MessageFile, Options: st.Options}, nil
	}
	return nil, fmt.Errorf("unknown stage type %q", st.Type)
}

// Register binds every stage named in cfg to its configured executor.
// Stages referenced by a template but not configured become Noop. Names
// already present in r are left alone so programmatic executors win.
func Register(r *stage.Registry, cfg *config.Config) error {
	for _, name := range cfg.StageNames() {
		if r.Has(name) {
			continue
		}
		st := cfg.Stages[name]
		if _, err := New(st); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
		if err := r.Register(name, func() stage.Executor {
			exec, _ := New(st)
			return exec
		}); err != nil {
			return err
		}
	}
	return nil
}
