// Package app wires config, storage, predictor and importer for a workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"triageline/internal/config"
	"triageline/internal/db"
	"triageline/internal/engine"
	"triageline/internal/feed"
	"triageline/internal/importer"
	"triageline/internal/logging"
	"triageline/internal/migrate"
	"triageline/internal/predict"
	"triageline/internal/telemetry"
)

type Options struct {
	// LogLevel overrides log.level from config when set.
	LogLevel string
	// TraceOutput receives spans when telemetry is enabled; defaults to stderr.
	TraceOutput io.Writer
}

// App is a fully wired workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Importer  *importer.Coordinator
	Logger    *slog.Logger

	shutdown []func(context.Context) error
}

// Open loads config and .env from workspace, migrates the database, seeds
// the developer directory and builds the engine.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger := logging.Init(cfg.Log.Format, logging.ParseLevel(level))

	a := &App{Workspace: workspace, Config: cfg, Logger: logger}
	if cfg.Telemetry.Enabled {
		out := opts.TraceOutput
		if out == nil {
			out = os.Stderr
		}
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, out, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		a.shutdown = append(a.shutdown, shutdown)
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.shutdown = append(a.shutdown, func(context.Context) error { return conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	predictor, err := predict.New(cfg.Predictor)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Engine = engine.New(conn, cfg, predictor)
	a.Engine.Logger = logger
	if n, err := a.Engine.Directory.Seed(ctx, cfg.Directory.Developers); err != nil {
		a.Close(ctx)
		return nil, err
	} else if n > 0 {
		logger.Debug("developer directory seeded", "count", n)
	}

	a.Importer = importer.New(a.Engine, logger,
		importer.Source{
			Feed:     feed.NewGitHub(cfg.Import.GitHub, os.Getenv(cfg.Import.GitHub.TokenEnv), nil, logger),
			MaxCount: cfg.Import.GitHub.MaxCount,
		},
		importer.Source{
			Feed:     feed.FileFeed{Path: resolvePath(workspace, cfg.Import.Local.Path)},
			MaxCount: cfg.Import.Local.MaxCount,
		},
	)
	return a, nil
}

// Close releases the database and flushes telemetry, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.shutdown = nil
	return errors.Join(errs...)
}

func resolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
