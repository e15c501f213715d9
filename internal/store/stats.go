package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Stats queries. Every counter adjustment is a relative delta applied in a
// single upsert-increment, so concurrent listeners on different processes
// can never lose updates to a read-modify-write race.
const (
	sqlStatsColumns = `transform_id, current_run_id, run_started_at,
		dispatched_batches, dispatched_chunks, successful_batches,
		failed_batches, processing_batches, embedded_chunks,
		processing_chunks, failed_chunks, pending_chunks,
		first_processed_at, last_processed_at, owner, updated_at`

	sqlGetStats = `SELECT ` + sqlStatsColumns +
		` FROM transform_stats WHERE transform_id = ?`

	sqlApplyStatsDelta = `INSERT INTO transform_stats
		(transform_id, owner,
		 dispatched_batches, dispatched_chunks, successful_batches,
		 failed_batches, processing_batches, embedded_chunks,
		 processing_chunks, failed_chunks, pending_chunks,
		 first_processed_at, last_processed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transform_id) DO UPDATE SET
			dispatched_batches = dispatched_batches + excluded.dispatched_batches,
			dispatched_chunks  = dispatched_chunks  + excluded.dispatched_chunks,
			successful_batches = successful_batches + excluded.successful_batches,
			failed_batches     = failed_batches     + excluded.failed_batches,
			processing_batches = processing_batches + excluded.processing_batches,
			embedded_chunks    = embedded_chunks    + excluded.embedded_chunks,
			processing_chunks  = processing_chunks  + excluded.processing_chunks,
			failed_chunks      = failed_chunks      + excluded.failed_chunks,
			pending_chunks     = pending_chunks     + excluded.pending_chunks,
			first_processed_at = CASE
				WHEN excluded.first_processed_at != 0 AND first_processed_at = 0
				THEN excluded.first_processed_at ELSE first_processed_at END,
			last_processed_at = CASE
				WHEN excluded.last_processed_at > last_processed_at
				THEN excluded.last_processed_at ELSE last_processed_at END,
			updated_at = excluded.updated_at`

	sqlResetStatsForRun = `INSERT INTO transform_stats
		(transform_id, owner, current_run_id, run_started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(transform_id) DO UPDATE SET
			current_run_id     = excluded.current_run_id,
			run_started_at     = excluded.run_started_at,
			dispatched_batches = 0,
			dispatched_chunks  = 0,
			successful_batches = 0,
			failed_batches     = 0,
			processing_batches = 0,
			embedded_chunks    = 0,
			processing_chunks  = 0,
			failed_chunks      = 0,
			pending_chunks     = 0,
			first_processed_at = 0,
			last_processed_at  = 0,
			updated_at         = excluded.updated_at`
)

func (s *Store) prepareStatsStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.statsStmts.get, sqlGetStats, "getStats"},
		{&s.statsStmts.applyDelta, sqlApplyStatsDelta, "applyStatsDelta"},
		{&s.statsStmts.resetForRun, sqlResetStatsForRun, "resetStatsForRun"},
	})
}

// GetStats retrieves the stats row for a transform. Returns (nil, nil) when
// no counters have been recorded yet.
func (s *Store) GetStats(ctx context.Context, transformID int64) (*Stats, error) {
	st := &Stats{}

	err := s.statsStmts.get.QueryRowContext(ctx, transformID).Scan(
		&st.TransformID, &st.CurrentRunID, &st.RunStartedAt,
		&st.DispatchedBatches, &st.DispatchedChunks, &st.SuccessfulBatches,
		&st.FailedBatches, &st.ProcessingBatches, &st.EmbeddedChunks,
		&st.ProcessingChunks, &st.FailedChunks, &st.PendingChunks,
		&st.FirstProcessedAt, &st.LastProcessedAt, &st.Owner, &st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get stats %d: %w", transformID, err)
	}

	return st, nil
}

// ApplyStatsDelta atomically adjusts the named counters for a transform,
// creating the row if absent. Deltas may be negative (e.g. a batch leaving
// processing). Idempotency against duplicate broker deliveries is the
// result listener's job — it only applies a delta when the corresponding
// lifecycle transition actually changed state.
func (s *Store) ApplyStatsDelta(ctx context.Context, transformID int64, owner string, d *StatsDelta) error {
	now := NowNano()

	processedAt := int64(0)
	if d.MarkProcessed {
		processedAt = now
	}

	_, err := s.statsStmts.applyDelta.ExecContext(ctx,
		transformID, owner,
		d.DispatchedBatches, d.DispatchedChunks, d.SuccessfulBatches,
		d.FailedBatches, d.ProcessingBatches, d.EmbeddedChunks,
		d.ProcessingChunks, d.FailedChunks, d.PendingChunks,
		processedAt, processedAt, now,
	)
	if err != nil {
		return fmt.Errorf("store: apply stats delta %d: %w", transformID, err)
	}

	return nil
}

// ResetStatsForRun zeroes all counters and assigns a fresh run id. Used when
// a transform is explicitly re-triggered for a full pass rather than an
// incremental scan.
func (s *Store) ResetStatsForRun(ctx context.Context, transformID int64, owner, runID string) error {
	s.logger.Info("resetting stats for new run",
		"transform_id", transformID, "run_id", runID)

	now := NowNano()

	_, err := s.statsStmts.resetForRun.ExecContext(ctx, transformID, owner, runID, now, now)
	if err != nil {
		return fmt.Errorf("store: reset stats %d: %w", transformID, err)
	}

	return nil
}
