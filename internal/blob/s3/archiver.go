package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// DefaultArchiveBatch caps how many history rows one archive run pulls from
// the store.
const DefaultArchiveBatch = 10000

// HistorySource is the narrow query surface the archiver needs. The Postgres
// history store satisfies it.
type HistorySource interface {
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeHistoryRecord, error)
}

// archiveWriter is satisfied by *Writer. Large month files go through the
// multipart path.
type archiveWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver copies cold trade history to object storage as JSONL, one file per
// calendar month. Uploads are verified by reading the object back and counting
// lines before the run is reported as successful.
//
// Rows are not deleted from the primary store here. Pruning is a separate,
// explicit step taken after the archive has been verified.
type Archiver struct {
	writer  archiveWriter
	reader  domain.BlobReader
	history HistorySource
	batch   int
	logger  *slog.Logger
}

// NewArchiver creates an Archiver. A batch of 0 selects DefaultArchiveBatch.
func NewArchiver(writer archiveWriter, reader domain.BlobReader, history HistorySource, batch int, logger *slog.Logger) *Archiver {
	if batch <= 0 {
		batch = DefaultArchiveBatch
	}
	return &Archiver{
		writer:  writer,
		reader:  reader,
		history: history,
		batch:   batch,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveClosedTrades uploads every history record closed before the cutoff,
// grouped by month into archive/trades/YYYY-MM.jsonl. Re-running with the same
// cutoff rewrites the same objects with the same content, so the operation is
// idempotent. Returns the number of records archived.
func (a *Archiver) ArchiveClosedTrades(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.history.ListClosedBefore(ctx, before, a.batch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.TradeHistoryRecord)
	for _, r := range records {
		key := r.ClosedAt.UTC().Format("2006-01")
		byMonth[key] = append(byMonth[key], r)
	}

	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	var total int64
	for _, month := range months {
		group := byMonth[month]
		path := "archive/trades/" + month + ".jsonl"

		buf, err := marshalJSONL(group)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive marshal %s: %w", path, err)
		}

		if err := a.upload(ctx, path, buf); err != nil {
			return total, err
		}
		if err := a.verify(ctx, path, len(group)); err != nil {
			return total, err
		}

		total += int64(len(group))
		a.logger.Info("archive file written",
			slog.String("path", path),
			slog.Int("records", len(group)),
			slog.Int("bytes", len(buf)),
		)
	}
	return total, nil
}

// multipartThreshold is the payload size above which uploads switch to the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if len(buf) >= multipartThreshold {
		if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize); err != nil {
			return fmt.Errorf("s3blob: archive upload %s: %w", path, err)
		}
		return nil
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive upload %s: %w", path, err)
	}
	return nil
}

// verify reads the uploaded object back and checks the line count matches the
// number of records written.
func (a *Archiver) verify(ctx context.Context, path string, want int) error {
	rc, err := a.reader.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive verify %s: %w", path, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	got := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			got++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("s3blob: archive verify %s: %w", path, err)
	}
	if got != want {
		return fmt.Errorf("s3blob: archive verify %s: wrote %d records, read back %d", path, want, got)
	}
	return nil
}

// marshalJSONL serialises records as newline-delimited JSON, one compact line
// per record.
func marshalJSONL(records []domain.TradeHistoryRecord) ([]byte, error) {
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
