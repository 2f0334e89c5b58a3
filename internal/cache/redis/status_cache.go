package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// StatusCache implements domain.StatusCache. Each asset's latest status is a
// JSON string at "status:{asset}" that expires after ttl, so a crashed engine
// stops advertising stale state.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatusCache creates a StatusCache backed by the given Client.
func NewStatusCache(c *Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StatusCache{rdb: c.rdb, ttl: ttl}
}

func statusKey(asset domain.Asset) string {
	return "status:" + strings.ToUpper(string(asset))
}

// SetStatus stores the status of one asset.
func (sc *StatusCache) SetStatus(ctx context.Context, status domain.AssetStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redis: marshal status %s: %w", status.Asset, err)
	}
	if err := sc.rdb.Set(ctx, statusKey(status.Asset), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set status %s: %w", status.Asset, err)
	}
	return nil
}

// GetStatus returns the cached status of asset, or domain.ErrNotFound.
func (sc *StatusCache) GetStatus(ctx context.Context, asset domain.Asset) (domain.AssetStatus, error) {
	data, err := sc.rdb.Get(ctx, statusKey(asset)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.AssetStatus{}, domain.ErrNotFound
		}
		return domain.AssetStatus{}, fmt.Errorf("redis: get status %s: %w", asset, err)
	}
	var status domain.AssetStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return domain.AssetStatus{}, fmt.Errorf("redis: unmarshal status %s: %w", asset, err)
	}
	return status, nil
}

// Compile-time interface check.
var _ domain.StatusCache = (*StatusCache)(nil)
