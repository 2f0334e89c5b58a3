package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL. Each asset
// has one row holding the full snapshot as JSONB; a save replaces it in a
// single statement and never moves the version backwards.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given connection pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Save upserts the snapshot of snap.Asset. An older version than the stored
// one is ignored.
func (s *SnapshotStore) Save(ctx context.Context, snap domain.EngineSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot %s: %w", snap.Asset, err)
	}

	const query = `
		INSERT INTO engine_snapshots (asset, version, config_version, taken_at, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			version        = EXCLUDED.version,
			config_version = EXCLUDED.config_version,
			taken_at       = EXCLUDED.taken_at,
			payload        = EXCLUDED.payload,
			updated_at     = NOW()
		WHERE engine_snapshots.version <= EXCLUDED.version`

	_, err = s.pool.Exec(ctx, query,
		strings.ToUpper(string(snap.Asset)),
		int64(snap.Version),
		int64(snap.ConfigVersion),
		snap.TakenAt,
		payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot %s: %w", snap.Asset, err)
	}
	return nil
}

// Latest returns the stored snapshot of asset, or domain.ErrNotFound.
func (s *SnapshotStore) Latest(ctx context.Context, asset domain.Asset) (domain.EngineSnapshot, error) {
	const query = `SELECT payload FROM engine_snapshots WHERE asset = $1`

	var payload []byte
	err := s.pool.QueryRow(ctx, query, strings.ToUpper(string(asset))).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EngineSnapshot{}, domain.ErrNotFound
		}
		return domain.EngineSnapshot{}, fmt.Errorf("postgres: latest snapshot %s: %w", asset, err)
	}

	var snap domain.EngineSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("postgres: unmarshal snapshot %s: %w", asset, err)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)
