package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// Leader elects a single trading instance through one lock key. Campaign
// blocks until the lock is won; Keep refreshes it and returns once it is lost.
type Leader struct {
	locks  domain.LockManager
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewLeader creates a Leader for key with the given lease TTL.
func NewLeader(locks domain.LockManager, key string, ttl time.Duration, logger *slog.Logger) *Leader {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Leader{
		locks:  locks,
		key:    key,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "leader")),
	}
}

func (l *Leader) interval() time.Duration {
	return l.ttl / 3
}

// Campaign retries the lock every ttl/3 until it is acquired or ctx ends.
// The returned func releases the lock.
func (l *Leader) Campaign(ctx context.Context) (func(), error) {
	waiting := false
	for {
		unlock, err := l.locks.Acquire(ctx, l.key, l.ttl)
		if err == nil {
			l.logger.InfoContext(ctx, "leadership acquired", slog.String("key", l.key))
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("leader: campaign: %w", err)
		}
		if !waiting {
			l.logger.InfoContext(ctx, "another instance is leader, waiting", slog.String("key", l.key))
			waiting = true
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.interval()):
		}
	}
}

// Keep refreshes the lease every ttl/3. It returns ctx.Err() on shutdown and
// a wrapped domain.ErrLockHeld when leadership was lost.
func (l *Leader) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.interval())
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := l.locks.Refresh(ctx, l.key, l.ttl)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrNotFound):
			l.logger.ErrorContext(ctx, "leadership lost", slog.String("key", l.key))
			return fmt.Errorf("leader: keep: %w", domain.ErrLockHeld)
		default:
			// A lease survives two missed refreshes.
			failures++
			l.logger.WarnContext(ctx, "leader refresh failed",
				slog.String("key", l.key),
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			if failures >= 2 {
				return fmt.Errorf("leader: keep: %w", err)
			}
		}
	}
}
