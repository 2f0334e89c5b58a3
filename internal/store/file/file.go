// Package file persists engine snapshots and the fill log on local disk for
// deployments without PostgreSQL.
//
// Layout under the data directory:
//
//	state/{ASSET}.json          latest snapshot, replaced atomically
//	fills/YYYY-MM-DD.jsonl      one FillRecord per line, by UTC fill date
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

const dayLayout = "2006-01-02"

// Store implements domain.SnapshotStore and domain.FillLog.
type Store struct {
	stateDir string
	fillsDir string
	logger   *slog.Logger

	mu sync.Mutex // serialises fill appends
}

// New creates the directory layout under dir.
func New(dir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		stateDir: filepath.Join(dir, "state"),
		fillsDir: filepath.Join(dir, "fills"),
		logger:   logger.With(slog.String("component", "file_store")),
	}
	for _, d := range []string{s.stateDir, s.fillsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("file: create %s: %w", d, err)
		}
	}
	return s, nil
}

func (s *Store) statePath(asset domain.Asset) string {
	return filepath.Join(s.stateDir, strings.ToUpper(string(asset))+".json")
}

// Save writes the snapshot to a temp file in the same directory, syncs it and
// renames it over the previous one, so readers see either the old or the new
// snapshot.
func (s *Store) Save(ctx context.Context, snap domain.EngineSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("file: marshal snapshot %s: %w", snap.Asset, err)
	}

	tmp, err := os.CreateTemp(s.stateDir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("file: save snapshot %s: %w", snap.Asset, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("file: write snapshot %s: %w", snap.Asset, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("file: sync snapshot %s: %w", snap.Asset, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file: close snapshot %s: %w", snap.Asset, err)
	}
	if err := os.Rename(tmpName, s.statePath(snap.Asset)); err != nil {
		return fmt.Errorf("file: rename snapshot %s: %w", snap.Asset, err)
	}

	s.logger.DebugContext(ctx, "snapshot saved",
		slog.String("asset", string(snap.Asset)),
		slog.Uint64("version", snap.Version),
	)
	return nil
}

// Latest loads the snapshot of asset, or domain.ErrNotFound on first start.
func (s *Store) Latest(_ context.Context, asset domain.Asset) (domain.EngineSnapshot, error) {
	data, err := os.ReadFile(s.statePath(asset))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.EngineSnapshot{}, domain.ErrNotFound
		}
		return domain.EngineSnapshot{}, fmt.Errorf("file: read snapshot %s: %w", asset, err)
	}
	var snap domain.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("file: parse snapshot %s: %w", asset, err)
	}
	return snap, nil
}

// Append writes rec as one line of the day file of its fill time.
func (s *Store) Append(_ context.Context, rec domain.FillRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("file: marshal fill %s: %w", rec.ID, err)
	}
	line = append(line, '\n')
	path := filepath.Join(s.fillsDir, rec.FilledAt.UTC().Format(dayLayout)+".jsonl")

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("file: open fill log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("file: append fill %s: %w", rec.ID, err)
	}
	return f.Close()
}

// List returns asset's fills, newest first. Day files outside the
// Since/Until range are not read.
func (s *Store) List(ctx context.Context, asset domain.Asset, opts domain.ListOpts) ([]domain.FillRecord, error) {
	recs, err := s.scan(ctx, asset, opts.Since, opts.Until)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].FilledAt.After(recs[j].FilledAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(recs) {
			return nil, nil
		}
		recs = recs[opts.Offset:]
	}
	if opts.Limit > 0 && len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}
	return recs, nil
}

// RealizedSince sums realized P&L of asset's fills at or after since.
func (s *Store) RealizedSince(ctx context.Context, asset domain.Asset, since time.Time) (float64, error) {
	recs, err := s.scan(ctx, asset, &since, nil)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, r := range recs {
		total += r.RealizedPnL
	}
	return total, nil
}

// DayFiles lists the fill log files in date order.
func (s *Store) DayFiles() ([]string, error) {
	entries, err := os.ReadDir(s.fillsDir)
	if err != nil {
		return nil, fmt.Errorf("file: list fill logs: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			out = append(out, filepath.Join(s.fillsDir, e.Name()))
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) scan(ctx context.Context, asset domain.Asset, since, until *time.Time) ([]domain.FillRecord, error) {
	files, err := s.DayFiles()
	if err != nil {
		return nil, err
	}

	var out []domain.FillRecord
	for _, path := range files {
		day, err := time.Parse(dayLayout, strings.TrimSuffix(filepath.Base(path), ".jsonl"))
		if err != nil {
			continue
		}
		if since != nil && day.Add(24*time.Hour).Before(*since) {
			continue
		}
		if until != nil && day.After(*until) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("file: read %s: %w", path, err)
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			if len(bytes.TrimSpace(sc.Bytes())) == 0 {
				continue
			}
			var r domain.FillRecord
			if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
				// A torn last line after a crash should not hide the rest.
				s.logger.WarnContext(ctx, "skipping malformed fill line",
					slog.String("file", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !strings.EqualFold(string(r.Asset), string(asset)) {
				continue
			}
			if since != nil && r.FilledAt.Before(*since) {
				continue
			}
			if until != nil && r.FilledAt.After(*until) {
				continue
			}
			out = append(out, r)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("file: scan %s: %w", path, err)
		}
	}
	return out, nil
}

// Healthy reports whether the data directory is writable.
func (s *Store) Healthy() bool {
	probe := filepath.Join(s.fillsDir, ".health_check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}

// Compile-time interface checks.
var (
	_ domain.SnapshotStore = (*Store)(nil)
	_ domain.FillLog       = (*Store)(nil)
)
