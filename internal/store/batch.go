package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrBatchNotFound marks a transition attempt against a batch key that has
// no row. A result referencing an unknown batch is a protocol violation.
var ErrBatchNotFound = errors.New("store: batch not found")

// Batch queries.
const (
	sqlBatchColumns = `id, transform_id, batch_key, status, attempt,
		doc_count, chunk_count, error, duration_ms, owner, created_at, updated_at`

	sqlGetBatch = `SELECT ` + sqlBatchColumns +
		` FROM batches WHERE transform_id = ? AND batch_key = ?`

	// DO NOTHING on conflict: re-discovering the same slice of work resolves
	// to the existing row, which is what makes re-dispatch idempotent.
	sqlInsertBatch = `INSERT INTO batches
		(transform_id, batch_key, status, attempt, doc_count, chunk_count,
		 error, duration_ms, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transform_id, batch_key) DO NOTHING`

	sqlRetryBatch = `UPDATE batches
		SET status = 'pending', attempt = attempt + 1, error = '', updated_at = ?
		WHERE transform_id = ? AND batch_key = ? AND status = 'failed'`

	sqlListStuckBatches = `SELECT ` + sqlBatchColumns + `
		FROM batches
		WHERE status IN ('pending', 'processing') AND updated_at < ?
		ORDER BY updated_at`

	sqlCountBatchesByStatus = `SELECT status, COUNT(*) FROM batches
		WHERE transform_id = ? GROUP BY status`
)

// sqlTransitionBatch is built per-call because the allowed prior-status set
// varies; see TransitionBatch.
const sqlTransitionBatchPrefix = `UPDATE batches
	SET status = ?, chunk_count = COALESCE(?, chunk_count), error = ?,
	    duration_ms = ?, updated_at = ?
	WHERE transform_id = ? AND batch_key = ? AND status IN `

func (s *Store) prepareBatchStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.batchStmts.get, sqlGetBatch, "getBatch"},
		{&s.batchStmts.insert, sqlInsertBatch, "insertBatch"},
		{&s.batchStmts.retry, sqlRetryBatch, "retryBatch"},
		{&s.batchStmts.listStuck, sqlListStuckBatches, "listStuckBatches"},
		{&s.batchStmts.countByStatus, sqlCountBatchesByStatus, "countBatchesByStatus"},
	})
}

// scanBatch scans a full batch row.
func scanBatch(row interface{ Scan(...any) error }) (*Batch, error) {
	b := &Batch{}

	var status string

	err := row.Scan(
		&b.ID, &b.TransformID, &b.BatchKey, &status, &b.Attempt,
		&b.DocCount, &b.ChunkCount, &b.Error, &b.DurationMS,
		&b.Owner, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = BatchStatus(status)

	return b, nil
}

// GetBatch retrieves a batch by its dedup key. Returns (nil, nil) when no
// row exists.
func (s *Store) GetBatch(ctx context.Context, transformID int64, batchKey string) (*Batch, error) {
	b, err := scanBatch(s.batchStmts.get.QueryRowContext(ctx, transformID, batchKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get batch %d/%s: %w", transformID, batchKey, err)
	}

	return b, nil
}

// CreateBatchWithOutbox inserts the batch row and its outbox entry in one
// transaction. A crash between "decided to dispatch" and "published" then
// always leaves recoverable state: either nothing committed, or both rows
// committed with the outbox entry pending.
//
// When the batch key already exists (concurrent discovery by another
// orchestrator instance, or a re-scan of an unchanged range), nothing is
// inserted and created is false.
func (s *Store) CreateBatchWithOutbox(ctx context.Context, b *Batch, e *OutboxEntry) (created bool, err error) {
	now := NowNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin batch tx: %w", err)
	}

	res, err := tx.ExecContext(ctx, sqlInsertBatch,
		b.TransformID, b.BatchKey, string(BatchPending), b.Attempt,
		b.DocCount, b.ChunkCount, b.Error, b.DurationMS, b.Owner, now, now,
	)
	if err != nil {
		rollbackErr := tx.Rollback()
		return false, fmt.Errorf("store: insert batch %d/%s: %w (rollback: %v)",
			b.TransformID, b.BatchKey, err, rollbackErr)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		rollbackErr := tx.Rollback()
		return false, fmt.Errorf("store: insert batch %d/%s: %w (rollback: %v)",
			b.TransformID, b.BatchKey, err, rollbackErr)
	}

	if affected == 0 {
		// Duplicate key: the batch already exists, so no new outbox entry
		// either. Commit the empty transaction.
		if commitErr := tx.Commit(); commitErr != nil {
			return false, fmt.Errorf("store: commit duplicate batch %d/%s: %w",
				b.TransformID, b.BatchKey, commitErr)
		}

		s.logger.Debug("batch already exists, skipping",
			"transform_id", b.TransformID, "batch_key", b.BatchKey)

		return false, nil
	}

	_, err = tx.ExecContext(ctx, sqlInsertOutbox,
		string(e.BatchKind), e.TransformID, e.TargetID, e.CollectionID,
		e.BatchKey, e.Bucket, e.Payload, string(OutboxPending),
		0, e.MaxRetries, "", 0, e.Owner, now, now,
	)
	if err != nil {
		rollbackErr := tx.Rollback()
		return false, fmt.Errorf("store: insert outbox %d/%s: %w (rollback: %v)",
			e.TransformID, e.BatchKey, err, rollbackErr)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit batch %d/%s: %w",
			b.TransformID, b.BatchKey, err)
	}

	b.Status = BatchPending
	b.CreatedAt = now
	b.UpdatedAt = now

	s.logger.Debug("batch and outbox entry created",
		"transform_id", b.TransformID, "batch_key", b.BatchKey,
		"doc_count", b.DocCount)

	return true, nil
}

// BatchUpdate carries the fields a transition stamps onto the batch row.
type BatchUpdate struct {
	ChunkCount *int
	Error      string
	DurationMS int64
}

// TransitionBatch applies one lifecycle transition keyed by
// (transform_id, batch_key). The conditional update only wins when the
// batch's current status is in the allowed prior set; duplicate deliveries
// of a terminal result lose the condition and report changed=false, which
// is how the listener avoids double-counting stats. The prior status is
// read in the same transaction so callers can compute correct counter
// deltas (e.g. a batch leaving processing). The caller decides whether a
// lost transition is a benign duplicate or a conflict to log.
func (s *Store) TransitionBatch(
	ctx context.Context,
	transformID int64, batchKey string,
	from []BatchStatus, to BatchStatus,
	upd *BatchUpdate,
) (prior BatchStatus, changed bool, err error) {
	if len(from) == 0 {
		return "", false, fmt.Errorf("store: transition batch %d/%s: empty prior-status set",
			transformID, batchKey)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("store: begin transition tx: %w", err)
	}

	var priorStr string

	err = tx.QueryRowContext(ctx,
		`SELECT status FROM batches WHERE transform_id = ? AND batch_key = ?`,
		transformID, batchKey).Scan(&priorStr)
	if errors.Is(err, sql.ErrNoRows) {
		rollbackErr := tx.Rollback()
		return "", false, fmt.Errorf("store: transition batch %d/%s: %w (rollback: %v)",
			transformID, batchKey, ErrBatchNotFound, rollbackErr)
	}

	if err != nil {
		rollbackErr := tx.Rollback()
		return "", false, fmt.Errorf("store: transition batch %d/%s: %w (rollback: %v)",
			transformID, batchKey, err, rollbackErr)
	}

	prior = BatchStatus(priorStr)

	placeholders := make([]string, len(from))
	args := []any{string(to)}

	chunkCount := any(nil)
	errDetail := ""
	durationMS := int64(0)

	if upd != nil {
		errDetail = upd.Error
		durationMS = upd.DurationMS

		if upd.ChunkCount != nil {
			chunkCount = *upd.ChunkCount
		}
	}

	args = append(args, chunkCount, errDetail, durationMS, NowNano(), transformID, batchKey)

	for i := range from {
		placeholders[i] = "?"
		args = append(args, string(from[i]))
	}

	// chunk_count keeps its old value when the update passes NULL.
	query := sqlTransitionBatchPrefix + "(" + strings.Join(placeholders, ", ") + ")"

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		rollbackErr := tx.Rollback()
		return prior, false, fmt.Errorf("store: transition batch %d/%s to %s: %w (rollback: %v)",
			transformID, batchKey, to, err, rollbackErr)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		rollbackErr := tx.Rollback()
		return prior, false, fmt.Errorf("store: transition batch %d/%s to %s: %w (rollback: %v)",
			transformID, batchKey, to, err, rollbackErr)
	}

	if err := tx.Commit(); err != nil {
		return prior, false, fmt.Errorf("store: commit transition %d/%s: %w",
			transformID, batchKey, err)
	}

	changed = affected == 1

	s.logger.Debug("batch transition",
		"transform_id", transformID, "batch_key", batchKey,
		"prior", prior, "to", to, "changed", changed)

	return prior, changed, nil
}

// RetryBatch re-arms a failed batch: status back to pending with the attempt
// counter incremented and error cleared. Returns false when the batch is not
// currently failed (already retried, or never failed).
func (s *Store) RetryBatch(ctx context.Context, transformID int64, batchKey string) (bool, error) {
	s.logger.Info("retrying batch", "transform_id", transformID, "batch_key", batchKey)

	res, err := s.batchStmts.retry.ExecContext(ctx, NowNano(), transformID, batchKey)
	if err != nil {
		return false, fmt.Errorf("store: retry batch %d/%s: %w", transformID, batchKey, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: retry batch %d/%s: %w", transformID, batchKey, err)
	}

	return affected == 1, nil
}

// ListStuckBatches returns batches sitting in pending or processing whose
// last update is older than the cutoff. The reconciliation loop treats
// these as orphan candidates.
func (s *Store) ListStuckBatches(ctx context.Context, updatedBefore int64) ([]*Batch, error) {
	rows, err := s.batchStmts.listStuck.QueryContext(ctx, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("store: list stuck batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch

	for rows.Next() {
		b, scanErr := scanBatch(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scan batch row: %w", scanErr)
		}

		batches = append(batches, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate batch rows: %w", err)
	}

	return batches, nil
}

// ListFailedBatchKeys returns the batch keys of every failed batch for one
// transform, oldest first.
func (s *Store) ListFailedBatchKeys(ctx context.Context, transformID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_key FROM batches
		 WHERE transform_id = ? AND status = 'failed'
		 ORDER BY updated_at`,
		transformID)
	if err != nil {
		return nil, fmt.Errorf("store: list failed batches %d: %w", transformID, err)
	}
	defer rows.Close()

	var keys []string

	for rows.Next() {
		var key string

		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("store: scan failed batch row: %w", err)
		}

		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate failed batch rows: %w", err)
	}

	return keys, nil
}

// CountBatchesByStatus returns a status→count map for one transform.
func (s *Store) CountBatchesByStatus(ctx context.Context, transformID int64) (map[BatchStatus]int, error) {
	rows, err := s.batchStmts.countByStatus.QueryContext(ctx, transformID)
	if err != nil {
		return nil, fmt.Errorf("store: count batches %d: %w", transformID, err)
	}
	defer rows.Close()

	counts := make(map[BatchStatus]int)

	for rows.Next() {
		var status string
		var count int

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scan batch count row: %w", err)
		}

		counts[BatchStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate batch count rows: %w", err)
	}

	return counts, nil
}
