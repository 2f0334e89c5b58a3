package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes an archived object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads archive objects back. Get returns ErrNotFound for a
// missing object.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver copies engine state to cold storage.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, snap EngineSnapshot) error
	ArchiveFills(ctx context.Context, asset Asset, since time.Time) (int, error)
}
