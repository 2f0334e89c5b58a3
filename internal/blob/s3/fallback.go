package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// FallbackStore is a domain.SnapshotStore that reads through to archived
// snapshots when the primary store has none, e.g. on a fresh host whose
// local data directory was lost. Saves go to the primary store only; the
// archiver uploads on its own schedule.
type FallbackStore struct {
	primary domain.SnapshotStore
	reader  domain.BlobReader
	prefix  string
	logger  *slog.Logger
}

// NewFallbackStore wraps primary with an archive reader.
func NewFallbackStore(primary domain.SnapshotStore, reader domain.BlobReader, prefix string, logger *slog.Logger) *FallbackStore {
	return &FallbackStore{
		primary: primary,
		reader:  reader,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger.With(slog.String("component", "snapshot_fallback")),
	}
}

// Save writes to the primary store.
func (f *FallbackStore) Save(ctx context.Context, snap domain.EngineSnapshot) error {
	return f.primary.Save(ctx, snap)
}

// Latest returns the primary store's snapshot, falling back to the archive
// when the primary has none. Primary errors other than ErrNotFound are
// returned unchanged.
func (f *FallbackStore) Latest(ctx context.Context, asset domain.Asset) (domain.EngineSnapshot, error) {
	snap, err := f.primary.Latest(ctx, asset)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return snap, err
	}

	snap, err = f.archived(ctx, asset)
	if err != nil {
		return domain.EngineSnapshot{}, err
	}
	f.logger.InfoContext(ctx, "warm start from archived snapshot",
		slog.String("asset", string(asset)),
		slog.Uint64("version", snap.Version),
	)
	return snap, nil
}

func (f *FallbackStore) archived(ctx context.Context, asset domain.Asset) (domain.EngineSnapshot, error) {
	snap, err := f.load(ctx, latestSnapshotKey(f.prefix, asset))
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return snap, err
	}

	// latest.json missing: take the newest dated copy.
	infos, err := f.reader.List(ctx, joinKey(f.prefix, "snapshots", assetDir(asset))+"/")
	if err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("s3blob: list snapshots %s: %w", asset, err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") && !strings.HasSuffix(info.Path, "/latest.json") {
			keys = append(keys, info.Path)
		}
	}
	if len(keys) == 0 {
		return domain.EngineSnapshot{}, domain.ErrNotFound
	}
	sort.Strings(keys)
	return f.load(ctx, keys[len(keys)-1])
}

func (f *FallbackStore) load(ctx context.Context, key string) (domain.EngineSnapshot, error) {
	body, err := f.reader.Get(ctx, key)
	if err != nil {
		return domain.EngineSnapshot{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("s3blob: read %s: %w", key, err)
	}
	var snap domain.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("s3blob: parse %s: %w", key, err)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*FallbackStore)(nil)
