package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/api"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start a JSON API exposing pipeline creation, execution, approval and status.

Prometheus metrics are served on /metrics. Event history endpoints are only
available when a database is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		addr := a.cfg.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}

		opts := []api.Option{api.WithGatherer(a.registry)}
		if a.db != nil {
			opts = append(opts, api.WithEvents(a.db))
		}
		srv, err := api.NewServer(a.ctrl, a.logger, &api.Config{Addr: addr, MaxIterations: a.cfg.MaxIterations}, opts...)
		if err != nil {
			return err
		}

		// Execute cancels the context on SIGINT/SIGTERM.
		ctx := cmd.Context()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		a.logger.Info("signal received, draining", zap.Duration("timeout", shutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default: server.addr from config)")
}
