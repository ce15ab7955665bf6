package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stage"
)

var createCmd = &cobra.Command{
	Use:   "create <request...>",
	Short: "Create a pipeline for a request",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		template, _ := cmd.Flags().GetString("template")
		project, _ := cmd.Flags().GetString("project")
		sets, _ := cmd.Flags().GetStringArray("set")
		run, _ := cmd.Flags().GetBool("run")

		if project == "" {
			if project, err = os.Getwd(); err != nil {
				return err
			}
		}
		cfgValues, err := parseKeyValues(sets)
		if err != nil {
			return err
		}

		ps, err := a.ctrl.Create(cmd.Context(), orchestrator.CreateOpts{
			Request:     strings.Join(args, " "),
			Template:    template,
			Config:      cfgValues,
			ProjectPath: project,
		})
		if err != nil {
			return err
		}

		if !run {
			if isJSON(cmd) {
				return writeJSON(cmd, ps)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s, %d stages)\n", ps.ID, ps.Template, len(ps.StageOrder))
			return nil
		}

		result, err := a.ctrl.Execute(cmd.Context(), ps.ID, orchestrator.ExecuteOpts{MaxIterations: a.cfg.MaxIterations})
		if err != nil {
			return err
		}
		return printResult(cmd, result)
	},
}

var runCmd = &cobra.Command{
	Use:     "run <pipeline-id>",
	Aliases: []string{"resume"},
	Short:   "Execute a pending, paused or interrupted pipeline",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := a.ctrl.Execute(cmd.Context(), args[0], orchestrator.ExecuteOpts{MaxIterations: maxIterations(cmd, a.cfg)})
		if err != nil {
			return err
		}
		return printResult(cmd, result)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <pipeline-id>",
	Short: "Show detailed pipeline status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ps, err := a.ctrl.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, ps)
		}
		return printState(cmd.OutOrStdout(), ps)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <pipeline-id>",
	Short: "Approve a pending escalation and continue the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		escID, _ := cmd.Flags().GetString("escalation")
		choice, _ := cmd.Flags().GetString("choice")
		by, _ := cmd.Flags().GetString("by")
		sets, _ := cmd.Flags().GetStringArray("payload")
		payload, err := parseKeyValues(sets)
		if err != nil {
			return err
		}
		if by == "" {
			by = os.Getenv("USER")
		}

		result, err := a.ctrl.Approve(cmd.Context(), args[0], stage.Approval{
			EscalationID: escID,
			Choice:       choice,
			Payload:      payload,
			ApprovedBy:   by,
		}, orchestrator.ExecuteOpts{MaxIterations: maxIterations(cmd, a.cfg)})
		if err != nil {
			return err
		}
		return printResult(cmd, result)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <pipeline-id>",
	Short: "Reject a pending escalation, failing the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			reason, _ := cmd.Flags().GetString("reason")
			if err := a.ctrl.Reject(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s\n", args[0])
			return nil
		})
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <pipeline-id>",
	Short: "Abort a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			reason, _ := cmd.Flags().GetString("reason")
			if err := a.ctrl.Abort(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Aborted %s\n", args[0])
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			statusFilter, _ := cmd.Flags().GetString("status")
			completed, _ := cmd.Flags().GetBool("completed")
			limit, _ := cmd.Flags().GetInt("limit")

			status := pipeline.Status(statusFilter)
			if status != "" && !status.Valid() {
				return fmt.Errorf("unknown status %q", statusFilter)
			}

			var (
				pipelines []*pipeline.PipelineState
				err       error
			)
			if completed {
				pipelines, err = a.ctrl.ListCompleted(cmd.Context(), limit)
			} else {
				pipelines, err = a.ctrl.List(cmd.Context(), status)
				if limit > 0 && len(pipelines) > limit {
					pipelines = pipelines[:limit]
				}
			}
			if err != nil {
				return fmt.Errorf("list pipelines: %w", err)
			}

			if isJSON(cmd) {
				return writeJSON(cmd, pipelines)
			}
			return printList(cmd.OutOrStdout(), pipelines)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <pipeline-id>",
	Short: "Delete a pipeline's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.ctrl.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		})
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List configured templates and their stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, cfg.Templates)
		}
		for _, name := range sortedTemplateNames(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, strings.Join(cfg.Templates[name], " → "))
		}
		return nil
	},
}

func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(a)
}

// maxIterations returns --max-iterations when positive, else the configured
// limit.
func maxIterations(cmd *cobra.Command, cfg *config.Config) int {
	if n, _ := cmd.Flags().GetInt("max-iterations"); n > 0 {
		return n
	}
	return cfg.MaxIterations
}

// parseKeyValues turns key=value pairs into a map.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	createCmd.Flags().StringP("template", "t", config.DefaultTemplate, "Template to instantiate")
	createCmd.Flags().StringP("project", "p", "", "Project directory (default: current directory)")
	createCmd.Flags().StringArray("set", nil, "Pipeline config value as key=value (repeatable)")
	createCmd.Flags().Bool("run", false, "Execute the pipeline right away")

	for _, c := range []*cobra.Command{runCmd, approveCmd} {
		c.Flags().Int("max-iterations", 0, "Stop after this many stages (0 or unset = config max_iterations)")
	}

	approveCmd.Flags().String("escalation", "", "Escalation id being approved (guards against stale approvals)")
	approveCmd.Flags().String("choice", "", "Selected option")
	approveCmd.Flags().String("by", "", "Approver (default: $USER)")
	approveCmd.Flags().StringArray("payload", nil, "Approval payload as key=value (repeatable)")

	rejectCmd.Flags().String("reason", "", "Why the escalation was rejected")
	abortCmd.Flags().String("reason", "", "Why the pipeline was aborted")

	listCmd.Flags().String("status", "", "Only show pipelines with this status")
	listCmd.Flags().Bool("completed", false, "Show terminal pipelines, most recent first")
	listCmd.Flags().Int("limit", 0, "Maximum number of pipelines to show")

	for _, c := range []*cobra.Command{createCmd, runCmd, statusCmd, approveCmd, listCmd, templatesCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
	}
}
