package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls the config file and publishes a new snapshot whenever its
// content changes and still validates. Invalid edits are logged and the
// running configuration is kept.
type Watcher struct {
	path     string
	interval time.Duration
	bc       *Broadcaster
	logger   *slog.Logger

	mu       sync.Mutex
	lastHash [sha256.Size]byte
}

// NewWatcher creates a watcher primed with the file's current hash.
func NewWatcher(path string, interval time.Duration, bc *Broadcaster, logger *slog.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		interval: interval,
		bc:       bc,
		logger:   logger.With(slog.String("component", "config_watcher")),
	}
	if raw, err := os.ReadFile(path); err == nil {
		w.lastHash = sha256.Sum256(raw)
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "config watcher started",
		slog.String("path", w.path),
		slog.Duration("interval", w.interval),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				w.logger.WarnContext(ctx, "config reload rejected, keeping current",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Check compares the file against the last applied content. It returns true
// when a new snapshot was published. It is safe to call while Run polls.
func (w *Watcher) Check(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("config: read %s: %w", w.path, err)
	}
	sum := sha256.Sum256(raw)
	if sum == w.lastHash {
		return false, nil
	}

	cfg, err := Parse(raw)
	if err != nil {
		return false, fmt.Errorf("config: parse %s: %w", w.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	w.lastHash = sum
	snap := w.bc.Publish(cfg)
	w.logger.InfoContext(ctx, "config reloaded", slog.Uint64("version", snap.Version))
	return true, nil
}
