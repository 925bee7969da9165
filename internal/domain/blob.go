package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads back uploaded objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveReport describes one archive upload.
type ArchiveReport struct {
	Path  string
	Count int64
}

// Archiver copies settled history to cold storage.
type Archiver interface {
	ArchiveMarket(ctx context.Context, marketID string) ([]ArchiveReport, error)
	ArchiveLPEvents(ctx context.Context, before time.Time) (ArchiveReport, error)
}
