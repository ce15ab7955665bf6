package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event log database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB) error {
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		})
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the event log (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return fmt.Errorf("refusing to reset without --force")
		}
		return withDB(cmd, func(d *db.DB) error {
			if err := d.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database reset.")
			return nil
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [pipeline-id]",
	Short: "Show pipeline events from the event log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB) error {
			limit, _ := cmd.Flags().GetInt("limit")

			var (
				events []db.PipelineEvent
				err    error
			)
			if len(args) == 1 {
				events, err = d.GetPipelineHistory(cmd.Context(), args[0])
			} else {
				events, err = d.RecentEvents(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			if isJSON(cmd) {
				return writeJSON(cmd, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events.")
				return nil
			}
			for _, e := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-16s %-12s %s\n",
					e.CreatedAt.Local().Format(time.DateTime), e.PipelineID, e.Event, e.Stage, truncate(e.Detail, 60))
			}
			return nil
		})
	},
}

// withDB opens and migrates the configured database for fn.
func withDB(cmd *cobra.Command, fn func(d *db.DB) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errNoDatabase
	}
	d, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

func init() {
	dbResetCmd.Flags().Bool("force", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)

	eventsCmd.Flags().Int("limit", 50, "Maximum number of recent events")
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
}
