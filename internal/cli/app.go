package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/logging"
	"github.com/lucasnoah/stagehand/internal/metrics"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stage"
	"github.com/lucasnoah/stagehand/internal/stage/builtin"
)

// app bundles everything a command needs.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *pipeline.Store
	db       *db.DB
	registry *prometheus.Registry
	ctrl     *orchestrator.Controller
}

// loadConfig loads --config or the default search path and validates it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = "  - " + e.Error()
		}
		return nil, fmt.Errorf("invalid config:\n%s", strings.Join(msgs, "\n"))
	}
	return cfg, nil
}

// newApp wires config, logging, the state store, the optional event log and
// the controller. Executors come from stage.Default() plus the built-ins
// named in config.
func newApp(cmd *cobra.Command) (*app, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    pipeline.NewStore(cfg.StateDir, pipeline.WithStoreLogger(logger)),
		registry: prometheus.NewRegistry(),
	}
	cleanup := func() {
		if a.db != nil {
			a.db.Close()
		}
		_ = logger.Sync()
	}

	registry := stage.Default()
	if err := builtin.Register(registry, cfg); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("register stages: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics.New(a.registry)),
	}
	if cfg.Database.URL != "" {
		database, err := openDB(cmd.Context(), cfg)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		a.db = database
		opts = append(opts, orchestrator.WithEventLog(database))
	}

	a.ctrl = orchestrator.New(a.store, registry, cfg.TemplateOrders(), opts...)
	return a, cleanup, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

var errNoDatabase = errors.New("no database configured (set database.url or STAGEHAND_DATABASE__URL)")
