package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/stagehand/internal/stage"
)

// maxOutputLen caps how much stdout/stderr is kept in artifacts and errors.
const maxOutputLen = 8000

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, env []string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out to sh -c.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, command string, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Command runs a shell command in the pipeline's project directory. The
// stage succeeds when the command exits 0. Its output is recorded under an
// artifact named after the stage; with ParseOutput a YAML mapping printed on
// stdout is merged into the artifacts as well.
type Command struct {
	stage.Base
	Command     string
	Timeout     time.Duration
	ParseOutput bool
	Runner      CommandRunner
}

// Execute implements stage.Executor.
func (c *Command) Execute(ctx context.Context, sc *stage.Context) (*stage.Result, error) {
	if c.Command == "" {
		return stage.Failedf("stage %s: no command configured", sc.StageName), nil
	}
	runner := c.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := runner.Run(runCtx, sc.ProjectPath, c.Command, commandEnv(sc))
	durationMs := time.Since(start).Milliseconds()

	// The caller gave up; report it so the stage is retried rather than failed.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return stage.Failedf("command timed out after %s", timeout), nil
	}
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", c.Command, err)
	}

	output := map[string]any{
		"command":     c.Command,
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"stdout":      tail(stdout),
	}
	if stderr != "" {
		output["stderr"] = tail(stderr)
	}

	if exitCode != 0 {
		res := stage.Failedf("command exited with status %d", exitCode)
		if detail := strings.TrimSpace(tail(stderr)); detail != "" {
			res.Errors = append(res.Errors, detail)
		}
		res.Artifacts = map[string]any{sc.StageName: output}
		return res, nil
	}

	artifacts := map[string]any{}
	if c.ParseOutput {
		var parsed map[string]any
		if err := yaml.Unmarshal([]byte(stdout), &parsed); err != nil {
			return stage.Failedf("stage %s: command output is not a YAML mapping: %v", sc.StageName, err), nil
		}
		for k, v := range parsed {
			artifacts[k] = v
		}
	}
	artifacts[sc.StageName] = output
	return stage.Success(artifacts), nil
}

func commandEnv(sc *stage.Context) []string {
	return []string{
		"STAGEHAND_PIPELINE_ID=" + sc.PipelineID,
		"STAGEHAND_STAGE=" + sc.StageName,
		"STAGEHAND_REQUEST=" + sc.Request,
	}
}

// tail keeps the end of s; error summaries are usually at the end.
func tail(s string) string {
	if len(s) > maxOutputLen {
		return "…(truncated)\n" + s[len(s)-maxOutputLen:]
	}
	return s
}
