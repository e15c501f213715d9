package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Outbox queries.
const (
	sqlOutboxColumns = `id, batch_kind, transform_id, target_id, collection_id,
		batch_key, bucket, payload, status, retry_count, max_retries,
		last_error, next_retry_at, owner, created_at, updated_at`

	sqlInsertOutbox = `INSERT INTO outbox
		(batch_kind, transform_id, target_id, collection_id, batch_key, bucket,
		 payload, status, retry_count, max_retries, last_error, next_retry_at,
		 owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetOutbox = `SELECT ` + sqlOutboxColumns +
		` FROM outbox WHERE id = ?`

	// Entries in pending or failed whose backoff has elapsed. Expired and
	// published entries are never re-selected here.
	sqlListDueOutbox = `SELECT ` + sqlOutboxColumns + `
		FROM outbox
		WHERE status IN ('pending', 'failed') AND next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?`

	sqlMarkOutboxPublished = `UPDATE outbox
		SET status = 'published', last_error = '', updated_at = ?
		WHERE id = ? AND status != 'published'`

	sqlMarkOutboxFailed = `UPDATE outbox
		SET status = 'failed', retry_count = retry_count + 1,
		    last_error = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ?`

	sqlMarkOutboxExpired = `UPDATE outbox
		SET status = 'expired', last_error = ?, updated_at = ?
		WHERE id = ?`

	// Re-arms an entry for a fresh dispatch cycle (reconciliation recovery
	// and manual batch retry). Outbox retry bookkeeping restarts from zero;
	// the batch row's attempt counter is tracked independently.
	sqlResetOutbox = `UPDATE outbox
		SET status = 'pending', retry_count = 0, last_error = '',
		    next_retry_at = ?, updated_at = ?
		WHERE id = ?`

	sqlDeleteOldPublished = `DELETE FROM outbox
		WHERE status = 'published' AND updated_at < ?`

	sqlListExpiredOutbox = `SELECT ` + sqlOutboxColumns + `
		FROM outbox WHERE status = 'expired' ORDER BY updated_at`
)

func (s *Store) prepareOutboxStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.outboxStmts.get, sqlGetOutbox, "getOutbox"},
		{&s.outboxStmts.listDue, sqlListDueOutbox, "listDueOutbox"},
		{&s.outboxStmts.markPublished, sqlMarkOutboxPublished, "markOutboxPublished"},
		{&s.outboxStmts.markFailed, sqlMarkOutboxFailed, "markOutboxFailed"},
		{&s.outboxStmts.markExpired, sqlMarkOutboxExpired, "markOutboxExpired"},
		{&s.outboxStmts.reset, sqlResetOutbox, "resetOutbox"},
		{&s.outboxStmts.deleteOldPublished, sqlDeleteOldPublished, "deleteOldPublished"},
		{&s.outboxStmts.listExpired, sqlListExpiredOutbox, "listExpiredOutbox"},
	})
}

// scanOutboxEntry scans a full outbox row.
func scanOutboxEntry(row interface{ Scan(...any) error }) (*OutboxEntry, error) {
	e := &OutboxEntry{}

	var kind, status string

	err := row.Scan(
		&e.ID, &kind, &e.TransformID, &e.TargetID, &e.CollectionID,
		&e.BatchKey, &e.Bucket, &e.Payload, &status,
		&e.RetryCount, &e.MaxRetries, &e.LastError, &e.NextRetryAt,
		&e.Owner, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.BatchKind = TransformKind(kind)
	e.Status = OutboxStatus(status)

	return e, nil
}

// GetOutboxEntry retrieves an entry by id. Returns (nil, nil) when no row
// exists.
func (s *Store) GetOutboxEntry(ctx context.Context, id int64) (*OutboxEntry, error) {
	e, err := scanOutboxEntry(s.outboxStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get outbox entry %d: %w", id, err)
	}

	return e, nil
}

// ListDueOutboxEntries returns up to limit entries whose publication is due
// at now: pending or failed, with next_retry_at elapsed.
func (s *Store) ListDueOutboxEntries(ctx context.Context, now int64, limit int) ([]*OutboxEntry, error) {
	rows, err := s.outboxStmts.listDue.QueryContext(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due outbox entries: %w", err)
	}
	defer rows.Close()

	return scanOutboxRows(rows)
}

// ListExpiredOutboxEntries returns all entries that exhausted their retry
// budget. The reconciliation loop surfaces these.
func (s *Store) ListExpiredOutboxEntries(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := s.outboxStmts.listExpired.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list expired outbox entries: %w", err)
	}
	defer rows.Close()

	return scanOutboxRows(rows)
}

// scanOutboxRows iterates over sql.Rows and collects OutboxEntries.
func scanOutboxRows(rows *sql.Rows) ([]*OutboxEntry, error) {
	var entries []*OutboxEntry

	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan outbox row: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate outbox rows: %w", err)
	}

	return entries, nil
}

// MarkOutboxPublished marks an entry published after a broker ack. The entry
// is retained for audit; the batch row is the source of truth for status
// from here on.
func (s *Store) MarkOutboxPublished(ctx context.Context, id int64) error {
	s.logger.Debug("marking outbox entry published", "outbox_id", id)

	_, err := s.outboxStmts.markPublished.ExecContext(ctx, NowNano(), id)
	if err != nil {
		return fmt.Errorf("store: mark outbox %d published: %w", id, err)
	}

	return nil
}

// MarkOutboxFailed records a failed publish attempt: retry_count increments
// and the next attempt is scheduled at nextRetryAt.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, lastError string, nextRetryAt int64) error {
	s.logger.Debug("marking outbox entry failed",
		"outbox_id", id, "next_retry_at", nextRetryAt)

	_, err := s.outboxStmts.markFailed.ExecContext(ctx, lastError, nextRetryAt, NowNano(), id)
	if err != nil {
		return fmt.Errorf("store: mark outbox %d failed: %w", id, err)
	}

	return nil
}

// MarkOutboxExpired moves an entry past its retry budget into the expired
// state. The batch stays visibly stuck for the reconciliation loop to
// surface — expiry is never a silent drop.
func (s *Store) MarkOutboxExpired(ctx context.Context, id int64, lastError string) error {
	s.logger.Warn("marking outbox entry expired", "outbox_id", id, "error", lastError)

	_, err := s.outboxStmts.markExpired.ExecContext(ctx, lastError, NowNano(), id)
	if err != nil {
		return fmt.Errorf("store: mark outbox %d expired: %w", id, err)
	}

	return nil
}

// ResetOutboxEntry re-arms an entry for a fresh dispatch cycle with zeroed
// retry bookkeeping, due at nextRetryAt.
func (s *Store) ResetOutboxEntry(ctx context.Context, id, nextRetryAt int64) error {
	s.logger.Info("resetting outbox entry for re-dispatch", "outbox_id", id)

	_, err := s.outboxStmts.reset.ExecContext(ctx, nextRetryAt, NowNano(), id)
	if err != nil {
		return fmt.Errorf("store: reset outbox %d: %w", id, err)
	}

	return nil
}

// OutboxEntryForBatch finds the newest outbox entry for a batch key.
// Returns (nil, nil) when none exists.
func (s *Store) OutboxEntryForBatch(ctx context.Context, transformID int64, batchKey string) (*OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqlOutboxColumns+` FROM outbox
		 WHERE transform_id = ? AND batch_key = ?
		 ORDER BY id DESC LIMIT 1`,
		transformID, batchKey)

	e, err := scanOutboxEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: outbox entry for batch %d/%s: %w",
			transformID, batchKey, err)
	}

	return e, nil
}

// DeleteOldPublishedEntries removes published audit entries older than the
// cutoff. Returns the number of rows deleted.
func (s *Store) DeleteOldPublishedEntries(ctx context.Context, updatedBefore int64) (int64, error) {
	res, err := s.outboxStmts.deleteOldPublished.ExecContext(ctx, updatedBefore)
	if err != nil {
		return 0, fmt.Errorf("store: delete old published entries: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete old published entries: %w", err)
	}

	if affected > 0 {
		s.logger.Info("cleaned published outbox entries", "deleted", affected)
	}

	return affected, nil
}
