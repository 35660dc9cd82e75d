package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// archiveBatch limits how many audit rows one archive object holds.
const archiveBatch = 5000

// AuditArchiver drains old audit rows to blob storage. Rows older than the
// retention cutoff are serialized to JSONL, uploaded, and only then deleted
// from the primary store, so a failed upload never loses records.
type AuditArchiver struct {
	writer    domain.BlobWriter
	audit     domain.AuditStore
	retention time.Duration
	logger    *slog.Logger
}

// NewAuditArchiver creates an archiver with the given retention horizon.
func NewAuditArchiver(writer domain.BlobWriter, audit domain.AuditStore, retention time.Duration, logger *slog.Logger) *AuditArchiver {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &AuditArchiver{
		writer:    writer,
		audit:     audit,
		retention: retention,
		logger:    logger.With(slog.String("component", "audit_archiver")),
	}
}

// ArchiveOnce drains one pass of expired audit rows, returning how many rows
// were archived. Call it from a periodic sweep; it loops internally until no
// expired rows remain.
func (a *AuditArchiver) ArchiveOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-a.retention)
	var total int64

	for {
		entries, err := a.audit.ListBefore(ctx, cutoff, archiveBatch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(entries)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit marshal: %w", err)
		}

		last := entries[len(entries)-1]
		key := archiveKey(last.CreatedAt, last.ID)
		if err := a.writer.Write(ctx, key, buf, "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive audit upload: %w", err)
		}

		// Delete strictly up to the last archived row. Rows created between
		// the query and here are newer than the cutoff and untouched.
		deleteCutoff := last.CreatedAt.Add(time.Microsecond)
		if deleteCutoff.After(cutoff) {
			deleteCutoff = cutoff
		}
		deleted, err := a.audit.DeleteBefore(ctx, deleteCutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit prune: %w", err)
		}

		total += int64(len(entries))
		a.logger.Info("audit batch archived",
			slog.String("key", key),
			slog.Int("rows", len(entries)),
			slog.Int64("deleted", deleted),
		)

		if len(entries) < archiveBatch {
			return total, nil
		}
	}
}

// Run archives on the given interval until the context ends.
func (a *AuditArchiver) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("audit archiver started",
		slog.Duration("interval", interval),
		slog.Duration("retention", a.retention),
	)
	defer a.logger.Info("audit archiver stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.Error("audit archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archiveKey partitions archive objects by day with the last row ID as a
// uniqueness suffix.
//
//	archive/audit/2026-08-25/1234567.jsonl
func archiveKey(t time.Time, lastID int64) string {
	return fmt.Sprintf("archive/audit/%s/%d.jsonl", t.UTC().Format("2006-01-02"), lastID)
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
