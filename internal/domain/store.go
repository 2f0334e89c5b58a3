package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SnapshotStore persists per-asset engine snapshots. Save must be atomic: a
// reader never observes a partially written snapshot.
type SnapshotStore interface {
	Save(ctx context.Context, snap EngineSnapshot) error
	Latest(ctx context.Context, asset Asset) (EngineSnapshot, error)
}

// FillLog is the append-only log of confirmed fills.
type FillLog interface {
	Append(ctx context.Context, rec FillRecord) error
	List(ctx context.Context, asset Asset, opts ListOpts) ([]FillRecord, error)
	RealizedSince(ctx context.Context, asset Asset, since time.Time) (float64, error)
}

// AuditEntry is a single audit log record.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore records notable engine events.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
