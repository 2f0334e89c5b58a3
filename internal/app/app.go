// Package app provides the top-level application lifecycle. It wires the
// stores, caches, feeds, executor and engine together and runs them in the
// configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/config"
)

// App owns the configuration and the cleanup functions registered while
// wiring. Cleanups run in reverse order on Close.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	closers    []func()
	nowFunc    func() time.Time
}

// New creates a new App. configPath is watched for hot reload; it may be
// empty to disable reloading.
func New(cfg *config.Config, configPath string, logger *slog.Logger) *App {
	return &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger.With(slog.String("component", "app")),
		nowFunc:    time.Now,
	}
}

// Run resolves the mode, wires what it needs and blocks until ctx is
// cancelled or the mode fails. Unknown modes fail before anything connects.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	var run func(context.Context, *Dependencies) error
	switch mode {
	case "trade", "paper":
		paper := mode == "paper"
		run = func(ctx context.Context, deps *Dependencies) error { return a.TradeMode(ctx, deps, paper) }
	case "validate":
		run = a.ValidateMode
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("dry_run", a.cfg.DryRun),
	)
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return run(ctx, deps)
}

// Close runs the registered cleanups once.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
