package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// Archiver implements domain.Archiver. Each UTC day of records becomes one
// JSONL object:
//
//	<prefix>/liquidations/2026/03/01.jsonl
//	<prefix>/funding_updates/2026/03/01.jsonl
//
// Records are copied, never deleted from the store.
type Archiver struct {
	writer       domain.BlobWriter
	reader       domain.BlobReader
	liquidations domain.LiquidationStore
	funding      domain.FundingStore
	prefix       string
}

// NewArchiver exports records from the ledger stores under prefix.
func NewArchiver(w domain.BlobWriter, r domain.BlobReader, liquidations domain.LiquidationStore, funding domain.FundingStore, prefix string) *Archiver {
	return &Archiver{
		writer:       w,
		reader:       r,
		liquidations: liquidations,
		funding:      funding,
		prefix:       prefix,
	}
}

// ExportLiquidations writes the liquidation records of day. It returns 0
// without writing when the object already exists or the day is empty.
func (a *Archiver) ExportLiquidations(ctx context.Context, day time.Time) (int64, error) {
	from, to := dayBounds(day)
	key := a.objectKey("liquidations", from)
	if done, err := a.reader.Exists(ctx, key); err != nil || done {
		return 0, err
	}
	recs, err := a.liquidations.ListBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list liquidations %s: %w", from.Format(time.DateOnly), err)
	}
	return upload(ctx, a.writer, key, recs)
}

// ExportFundingUpdates writes the funding-update records of day.
func (a *Archiver) ExportFundingUpdates(ctx context.Context, day time.Time) (int64, error) {
	from, to := dayBounds(day)
	key := a.objectKey("funding_updates", from)
	if done, err := a.reader.Exists(ctx, key); err != nil || done {
		return 0, err
	}
	recs, err := a.funding.ListBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list funding updates %s: %w", from.Format(time.DateOnly), err)
	}
	return upload(ctx, a.writer, key, recs)
}

func (a *Archiver) objectKey(kind string, day time.Time) string {
	return path.Join(a.prefix, kind, day.Format("2006/01/02")+".jsonl")
}

func upload[T any](ctx context.Context, w domain.BlobWriter, key string, recs []T) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range recs {
		if err := enc.Encode(recs[i]); err != nil {
			return 0, fmt.Errorf("s3blob: encode %s record %d: %w", key, i, err)
		}
	}
	if err := w.Put(ctx, key, &buf, jsonlContentType); err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// dayBounds returns [start, end) of the UTC day containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
