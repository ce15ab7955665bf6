package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stage"
)

// resetFlags restores every flag to its default so state from one Execute
// does not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	// cobra only propagates the root context to subcommands whose ctx is
	// nil, so clear contexts left over from previous executions.
	cmd.SetContext(nil) //nolint:staticcheck
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(args ...string) (string, error) {
	return executeCommandContext(context.Background(), args...)
}

func executeCommandContext(ctx context.Context, args ...string) (string, error) {
	resetFlags(rootCmd)
	stage.ResetDefault()

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := ExecuteContext(ctx)
	return out.String(), err
}

const testConfig = `
log:
  level: error
templates:
  review:
    - build
    - review
    - deliver
stages:
  build:
    type: command
    command: echo built
  review:
    type: gate
    message: ship it?
    options: [ship, hold]
  deliver:
    required_inputs: [review]
`

// writeConfig returns --config args pointing at a config whose state_dir is
// a fresh temp directory.
func writeConfig(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stagehand.yaml")
	body := "state_dir: " + filepath.Join(dir, "state") + "\n" + testConfig
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stage.ResetDefault() })
	return []string{"--config", path}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"create", "run", "status", "approve", "reject", "abort",
		"list", "delete", "templates", "serve", "db", "events", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestDBSubcommands(t *testing.T) {
	for _, sub := range []string{"migrate", "reset"} {
		out, err := executeCommand("db", sub, "--help")
		if err != nil {
			t.Errorf("db %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("db %s --help produced no output", sub)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestTemplatesCommand(t *testing.T) {
	cfgArgs := writeConfig(t)
	out, err := executeCommand(append([]string{"templates"}, cfgArgs...)...)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	if !strings.Contains(out, "review: build → review → deliver") {
		t.Errorf("templates output = %q", out)
	}
	if !strings.Contains(out, "implement: intake") {
		t.Errorf("default implement template missing from %q", out)
	}
}

func createPipeline(t *testing.T, cfgArgs []string) string {
	t.Helper()
	args := append([]string{"create", "add", "a", "button", "-t", "review", "-p", t.TempDir(), "--set", "team=web", "--format", "json"}, cfgArgs...)
	out, err := executeCommand(args...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var ps pipeline.PipelineState
	if err := json.Unmarshal([]byte(out), &ps); err != nil {
		t.Fatalf("decode create output %q: %v", out, err)
	}
	if ps.Request != "add a button" || ps.Status != pipeline.StatusPending {
		t.Fatalf("created = %+v", ps)
	}
	if ps.Config["team"] != "web" {
		t.Errorf("config = %v", ps.Config)
	}
	return ps.ID
}

func TestCreateRunApproveFlow(t *testing.T) {
	cfgArgs := writeConfig(t)
	id := createPipeline(t, cfgArgs)

	out, err := executeCommand(append([]string{"run", id}, cfgArgs...)...)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "waiting_approval") || !strings.Contains(out, "ship it?") {
		t.Errorf("run output = %q", out)
	}

	out, err = executeCommand(append([]string{"status", id}, cfgArgs...)...)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Status:    waiting_approval", "build", "completed", "options: ship, hold"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	_, err = executeCommand(append([]string{"approve", id, "--escalation", "esc-stale"}, cfgArgs...)...)
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("approve with a stale escalation id: err = %v", err)
	}

	out, err = executeCommand(append([]string{"approve", id, "--choice", "ship", "--by", "alice"}, cfgArgs...)...)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !strings.Contains(out, id+": completed") {
		t.Errorf("approve output = %q", out)
	}

	out, err = executeCommand(append([]string{"list", "--status", "completed"}, cfgArgs...)...)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Errorf("list output missing %s: %q", id, out)
	}
}

func TestRejectAndDelete(t *testing.T) {
	cfgArgs := writeConfig(t)
	id := createPipeline(t, cfgArgs)

	if _, err := executeCommand(append([]string{"run", id}, cfgArgs...)...); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := executeCommand(append([]string{"reject", id, "--reason", "not now"}, cfgArgs...)...); err != nil {
		t.Fatalf("reject: %v", err)
	}

	out, err := executeCommand(append([]string{"status", id, "--format", "json"}, cfgArgs...)...)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var ps pipeline.PipelineState
	if err := json.Unmarshal([]byte(out), &ps); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if ps.Status != pipeline.StatusFailed || ps.Reason != "not now" {
		t.Errorf("after reject: status=%s reason=%q", ps.Status, ps.Reason)
	}

	if _, err := executeCommand(append([]string{"abort", id}, cfgArgs...)...); err == nil {
		t.Error("abort of a failed pipeline should fail")
	}
	if _, err := executeCommand(append([]string{"delete", id}, cfgArgs...)...); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := executeCommand(append([]string{"status", id}, cfgArgs...)...); err == nil {
		t.Error("status of a deleted pipeline should fail")
	}
}

func TestCreateUnknownTemplate(t *testing.T) {
	cfgArgs := writeConfig(t)
	_, err := executeCommand(append([]string{"create", "x", "-t", "nope"}, cfgArgs...)...)
	if err == nil || !strings.Contains(err.Error(), "template not found") {
		t.Errorf("err = %v, want template not found", err)
	}
}

func TestListInvalidStatus(t *testing.T) {
	cfgArgs := writeConfig(t)
	_, err := executeCommand(append([]string{"list", "--status", "bogus"}, cfgArgs...)...)
	if err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestEventsRequireDatabase(t *testing.T) {
	t.Setenv("STAGEHAND_DATABASE__URL", "")
	cfgArgs := writeConfig(t)
	_, err := executeCommand(append([]string{"events"}, cfgArgs...)...)
	if err != errNoDatabase {
		t.Errorf("err = %v, want errNoDatabase", err)
	}
}

func TestParseKeyValues(t *testing.T) {
	m, err := parseKeyValues([]string{"a=1", "b=x=y"})
	if err != nil {
		t.Fatal(err)
	}
	if m["a"] != "1" || m["b"] != "x=y" {
		t.Errorf("parseKeyValues = %v", m)
	}
	if _, err := parseKeyValues([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
	if m, _ := parseKeyValues(nil); m != nil {
		t.Errorf("nil input = %v, want nil", m)
	}
}

func TestRunCancelledPausesPipeline(t *testing.T) {
	cfgArgs := writeConfig(t)
	id := createPipeline(t, cfgArgs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := executeCommandContext(ctx, append([]string{"run", id}, cfgArgs...)...)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run with cancelled context: err = %v, want context.Canceled", err)
	}

	out, err := executeCommand(append([]string{"status", id}, cfgArgs...)...)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Status:    paused") {
		t.Errorf("interrupted run should pause the pipeline:\n%s", out)
	}
}

func TestMaxIterationsFlag(t *testing.T) {
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })
	cfg := &config.Config{MaxIterations: 7}

	if got := maxIterations(runCmd, cfg); got != 7 {
		t.Errorf("unset flag = %d, want 7", got)
	}
	if err := runCmd.Flags().Set("max-iterations", "0"); err != nil {
		t.Fatal(err)
	}
	if got := maxIterations(runCmd, cfg); got != 7 {
		t.Errorf("explicit 0 = %d, want config value 7", got)
	}
	if err := runCmd.Flags().Set("max-iterations", "3"); err != nil {
		t.Fatal(err)
	}
	if got := maxIterations(runCmd, cfg); got != 3 {
		t.Errorf("--max-iterations 3 = %d, want 3", got)
	}
}
