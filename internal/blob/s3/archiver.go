package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
)

// multipartThreshold is the payload size above which the archiver switches
// to the multipart uploader.
const multipartThreshold = 64 * 1024 * 1024

// EventArchiver implements domain.Archiver by reading journaled events,
// serializing them to JSONL, and uploading the result to object storage.
//
// Deletion of the archived records from the journal is NOT performed here;
// that is a separate step run after the archive has been verified.
type EventArchiver struct {
	writer  domain.BlobWriter
	journal domain.EventJournal
	logger  *slog.Logger
}

// NewArchiver creates a new EventArchiver.
func NewArchiver(writer domain.BlobWriter, journal domain.EventJournal, logger *slog.Logger) *EventArchiver {
	return &EventArchiver{
		writer:  writer,
		journal: journal,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveEvents uploads every event before the cutoff to
// archive/events/YYYY-MM.jsonl and returns how many were written.
func (a *EventArchiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	evs, err := a.journal.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(evs) == 0 {
		a.logger.InfoContext(ctx, "no events to archive", slog.Time("before", before))
		return 0, nil
	}

	buf, err := marshalJSONL(evs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	path := ArchivePath("events", before)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}

	count := int64(len(evs))
	a.logger.InfoContext(ctx, "events archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int("bytes", len(buf)),
		slog.String("before", before.Format(time.RFC3339)),
	)
	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// ArchivePath builds the object path for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/events/2025-01.jsonl
func ArchivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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

var _ domain.Archiver = (*EventArchiver)(nil)
