package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/pipeline"
)

func isJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(cmd *cobra.Command, r *orchestrator.ExecutionResult) error {
	if isJSON(cmd) {
		return writeJSON(cmd, r)
	}
	out := cmd.OutOrStdout()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, run := range r.StagesRun {
		note := strings.Join(run.Errors, "; ")
		if run.Ignored {
			note = "result ignored (pipeline no longer active)"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", run.Stage, run.Outcome, run.Duration.Round(time.Millisecond), truncate(note, 80))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %s", r.PipelineID, r.Status)
	if r.CurrentStage != "" {
		fmt.Fprintf(out, " (stage %s)", r.CurrentStage)
	}
	fmt.Fprintln(out)
	if r.Escalation != nil {
		printEscalation(out, r.Escalation)
		fmt.Fprintf(out, "Resolve with: stagehand approve %s --escalation %s  |  stagehand reject %s --reason ...\n",
			r.PipelineID, r.Escalation.ID, r.PipelineID)
	}
	return nil
}

func printEscalation(out io.Writer, esc *pipeline.Escalation) {
	fmt.Fprintf(out, "Escalation %s (%s) at stage %s: %s\n", esc.ID, esc.Type, esc.Stage, esc.Message)
	if len(esc.Options) > 0 {
		fmt.Fprintf(out, "  options: %s\n", strings.Join(esc.Options, ", "))
	}
}

func printState(out io.Writer, ps *pipeline.PipelineState) error {
	fmt.Fprintf(out, "Pipeline:  %s\n", ps.ID)
	fmt.Fprintf(out, "Template:  %s\n", ps.Template)
	fmt.Fprintf(out, "Status:    %s\n", ps.Status)
	if ps.CurrentStage != "" {
		fmt.Fprintf(out, "Stage:     %s\n", ps.CurrentStage)
	}
	fmt.Fprintf(out, "Request:   %s\n", truncate(ps.Request, 100))
	if ps.ProjectPath != "" {
		fmt.Fprintf(out, "Project:   %s\n", ps.ProjectPath)
	}
	if ps.Reason != "" {
		fmt.Fprintf(out, "Reason:    %s\n", ps.Reason)
	}
	fmt.Fprintf(out, "Updated:   %s\n", ps.UpdatedAt.Local().Format(time.DateTime))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tATTEMPTS\tERROR")
	for _, name := range ps.StageOrder {
		st := ps.Stages[name]
		if st == nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, st.Status, st.Attempts, truncate(st.Error, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if ps.Escalation != nil && ps.Status == pipeline.StatusWaitingApproval {
		fmt.Fprintln(out)
		printEscalation(out, ps.Escalation)
	}
	return nil
}

func printList(out io.Writer, pipelines []*pipeline.PipelineState) error {
	if len(pipelines) == 0 {
		fmt.Fprintln(out, "No pipelines found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tTEMPLATE\tUPDATED\tREQUEST")
	for _, p := range pipelines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Status, p.CurrentStage, p.Template,
			p.UpdatedAt.Local().Format(time.DateTime), truncate(p.Request, 50))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func sortedTemplateNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Templates))
	for name := range cfg.Templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
