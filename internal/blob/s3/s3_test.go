package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

type memBlob struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
}

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.mu.Lock()
	m.multipart++
	m.mu.Unlock()
	return m.Put(ctx, path, data, "")
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlob) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type listFills struct {
	recs []domain.FillRecord
}

func (l *listFills) Append(_ context.Context, r domain.FillRecord) error {
	l.recs = append(l.recs, r)
	return nil
}

func (l *listFills) List(_ context.Context, asset domain.Asset, opts domain.ListOpts) ([]domain.FillRecord, error) {
	var out []domain.FillRecord
	for _, r := range l.recs {
		if r.Asset == asset && (opts.Since == nil || !r.FilledAt.Before(*opts.Since)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *listFills) RealizedSince(context.Context, domain.Asset, time.Time) (float64, error) {
	return 0, nil
}

type auditLog struct {
	events []string
}

func (a *auditLog) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *auditLog) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type emptyStore struct {
	saved []domain.EngineSnapshot
	err   error
}

func (e *emptyStore) Save(_ context.Context, s domain.EngineSnapshot) error {
	e.saved = append(e.saved, s)
	return nil
}

func (e *emptyStore) Latest(context.Context, domain.Asset) (domain.EngineSnapshot, error) {
	if e.err != nil {
		return domain.EngineSnapshot{}, e.err
	}
	return domain.EngineSnapshot{}, domain.ErrNotFound
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 3, 2, 14, 20, 0, 0, time.UTC)

func TestJoinKeyAndEndpoint(t *testing.T) {
	assert.Equal(t, "lmsrbot/snapshots/BTC/latest.json", latestSnapshotKey("lmsrbot", "btc"))
	assert.Equal(t, "snapshots/BTC/latest.json", latestSnapshotKey("", "BTC"))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}

func TestArchiveSnapshot(t *testing.T) {
	blob := newMemBlob()
	a := NewArchiver(blob, nil, nil, "lmsrbot", discard())

	snap := domain.EngineSnapshot{Asset: "BTC", Version: 42, TakenAt: t0}
	require.NoError(t, a.ArchiveSnapshot(context.Background(), snap))

	assert.Equal(t, []string{
		"lmsrbot/snapshots/BTC/2026-03-02/000000000042.json",
		"lmsrbot/snapshots/BTC/latest.json",
	}, blob.keys())
}

func TestArchiveFills(t *testing.T) {
	blob := newMemBlob()
	fills := &listFills{}
	audit := &auditLog{}
	a := NewArchiver(blob, fills, audit, "", discard())
	ctx := context.Background()

	n, err := a.ArchiveFills(ctx, "BTC", t0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.keys())

	for i, at := range []time.Time{t0.Add(-time.Minute), t0, t0.Add(time.Minute)} {
		fills.recs = append(fills.recs, domain.FillRecord{Fill: domain.Fill{
			ID: string(rune('a' + i)), Asset: "BTC", Size: 1, Price: 0.5, FilledAt: at,
		}})
	}
	n, err = a.ArchiveFills(ctx, "BTC", t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"archive.fills"}, audit.events)

	body, err := blob.Get(ctx, "fills/BTC/2026-03-02T14-20-00Z.jsonl")
	require.NoError(t, err)
	sc := bufio.NewScanner(body)
	var ids []string
	for sc.Scan() {
		var r domain.FillRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)
	assert.Zero(t, blob.multipart)
}

func TestFallbackStore(t *testing.T) {
	blob := newMemBlob()
	primary := &emptyStore{}
	fb := NewFallbackStore(primary, blob, "lmsrbot", discard())
	a := NewArchiver(blob, nil, nil, "lmsrbot", discard())
	ctx := context.Background()

	_, err := fb.Latest(ctx, "BTC")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, a.ArchiveSnapshot(ctx, domain.EngineSnapshot{Asset: "BTC", Version: 9, TakenAt: t0}))
	got, err := fb.Latest(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.Version)

	// Without latest.json the newest dated copy wins.
	require.NoError(t, a.ArchiveSnapshot(ctx, domain.EngineSnapshot{Asset: "BTC", Version: 11, TakenAt: t0.Add(time.Hour)}))
	delete(blob.objects, "lmsrbot/snapshots/BTC/latest.json")
	got, err = fb.Latest(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), got.Version)

	require.NoError(t, fb.Save(ctx, got))
	assert.Len(t, primary.saved, 1)

	primary.err = errors.New("disk error")
	_, err = fb.Latest(ctx, "BTC")
	assert.EqualError(t, err, "disk error")
}
