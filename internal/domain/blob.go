package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader checks object storage for existing objects.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports one day of audit records to cold storage and returns how
// many records were written. Exports that already exist are skipped.
type Archiver interface {
	ExportLiquidations(ctx context.Context, day time.Time) (int64, error)
	ExportFundingUpdates(ctx context.Context, day time.Time) (int64, error)
}
