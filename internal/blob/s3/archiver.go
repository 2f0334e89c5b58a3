package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// multipartThreshold is the archive size above which fill logs are uploaded
// through the multipart manager.
const multipartThreshold = minPartSize

// ArchiveImpl implements domain.Archiver. Snapshots are written twice, as
// the asset's latest.json and as an immutable dated copy; fills are read
// from the fill log and uploaded as JSONL.
//
// Key layout under the client prefix:
//
//	snapshots/{ASSET}/latest.json
//	snapshots/{ASSET}/2026-03-02/000000000042.json
//	fills/{ASSET}/2026-03-02T14-00-00Z.jsonl
type ArchiveImpl struct {
	writer domain.BlobWriter
	fills  domain.FillLog
	audit  domain.AuditStore
	prefix string
	logger *slog.Logger
}

// NewArchiver creates a new ArchiveImpl. fills and audit may be nil.
func NewArchiver(writer domain.BlobWriter, fills domain.FillLog, audit domain.AuditStore, prefix string, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		fills:  fills,
		audit:  audit,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(slog.String("component", "archiver")),
	}
}

func assetDir(asset domain.Asset) string {
	return strings.ToUpper(string(asset))
}

// latestSnapshotKey is where the newest snapshot of asset lives.
func latestSnapshotKey(prefix string, asset domain.Asset) string {
	return joinKey(prefix, "snapshots", assetDir(asset), "latest.json")
}

func snapshotHistoryKey(prefix string, snap domain.EngineSnapshot) string {
	return joinKey(prefix, "snapshots", assetDir(snap.Asset),
		snap.TakenAt.UTC().Format("2006-01-02"),
		fmt.Sprintf("%012d.json", snap.Version),
	)
}

func fillsKey(prefix string, asset domain.Asset, at time.Time) string {
	return joinKey(prefix, "fills", assetDir(asset), at.UTC().Format("2006-01-02T15-04-05Z")+".jsonl")
}

// ArchiveSnapshot uploads snap as the asset's latest snapshot and as a dated
// history object.
func (a *ArchiveImpl) ArchiveSnapshot(ctx context.Context, snap domain.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("s3blob: archive snapshot marshal: %w", err)
	}

	for _, key := range []string{snapshotHistoryKey(a.prefix, snap), latestSnapshotKey(a.prefix, snap.Asset)} {
		if err := a.writer.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
			return fmt.Errorf("s3blob: archive snapshot upload: %w", err)
		}
	}

	a.logger.DebugContext(ctx, "snapshot archived",
		slog.String("asset", string(snap.Asset)),
		slog.Uint64("version", snap.Version),
	)
	return nil
}

// ArchiveFills uploads asset's fills at or after since as one JSONL object
// and returns how many were archived. Nothing is uploaded when there are no
// new fills.
func (a *ArchiveImpl) ArchiveFills(ctx context.Context, asset domain.Asset, since time.Time) (int, error) {
	if a.fills == nil {
		return 0, nil
	}
	recs, err := a.fills.List(ctx, asset, domain.ListOpts{Since: &since})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills marshal: %w", err)
	}

	key := fillsKey(a.prefix, asset, since)
	if int64(len(buf)) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills upload: %w", err)
	}

	count := len(recs)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.fills", map[string]any{
			"asset": string(asset),
			"path":  key,
			"count": count,
			"since": since.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive fills audit log: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "fills archived",
		slog.String("asset", string(asset)),
		slog.String("path", key),
		slog.Int("count", count),
	)
	return count, nil
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
