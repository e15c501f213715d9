package store

import (
	"context"
	"fmt"
)

// Reconciliation queries.
const (
	sqlStartReconRun = `INSERT INTO reconciliation_runs
		(run_uuid, run_type, scope, status, started_at)
		VALUES (?, ?, ?, 'running', ?)`

	// Finalized exactly once: the status guard keeps a duplicate finalize
	// from overwriting a closed run record.
	sqlFinishReconRun = `UPDATE reconciliation_runs
		SET status = ?, orphaned_found = ?, recovered = ?, cleaned_up = ?,
		    details = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`

	sqlListRecentReconRuns = `SELECT id, run_uuid, run_type, scope, status,
			orphaned_found, recovered, cleaned_up, details,
			started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?`

	// Same lease shape as scan leases: the conditional update only wins when
	// no sweep holds the scope or the holder's lease has gone stale.
	sqlAcquireReconLease = `INSERT INTO reconciliation_lease (scope, acquired_at)
		VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET acquired_at = excluded.acquired_at
		WHERE acquired_at = 0 OR acquired_at < ?`

	sqlReleaseReconLease = `UPDATE reconciliation_lease
		SET acquired_at = 0
		WHERE scope = ? AND acquired_at = ?`
)

func (s *Store) prepareReconStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.reconStmts.startRun, sqlStartReconRun, "startReconRun"},
		{&s.reconStmts.finishRun, sqlFinishReconRun, "finishReconRun"},
		{&s.reconStmts.listRecent, sqlListRecentReconRuns, "listRecentReconRuns"},
		{&s.reconStmts.acquireLease, sqlAcquireReconLease, "acquireReconLease"},
		{&s.reconStmts.releaseLease, sqlReleaseReconLease, "releaseReconLease"},
	})
}

// StartReconciliationRun opens a run record in the running state and returns
// its row id.
func (s *Store) StartReconciliationRun(ctx context.Context, runUUID, runType, scope string) (int64, error) {
	s.logger.Info("starting reconciliation run",
		"run_uuid", runUUID, "run_type", runType, "scope", scope)

	res, err := s.reconStmts.startRun.ExecContext(ctx, runUUID, runType, scope, NowNano())
	if err != nil {
		return 0, fmt.Errorf("store: start reconciliation run %s: %w", scope, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: start reconciliation run %s: %w", scope, err)
	}

	return id, nil
}

// FinishReconciliationRun finalizes a run record with its tallies. A run
// that already left the running state is not touched.
func (s *Store) FinishReconciliationRun(
	ctx context.Context, id int64, status ReconStatus,
	orphanedFound, recovered, cleanedUp int, details string,
) error {
	s.logger.Info("finishing reconciliation run",
		"run_id", id, "status", status,
		"orphaned_found", orphanedFound, "recovered", recovered,
		"cleaned_up", cleanedUp)

	_, err := s.reconStmts.finishRun.ExecContext(ctx,
		string(status), orphanedFound, recovered, cleanedUp, details, NowNano(), id)
	if err != nil {
		return fmt.Errorf("store: finish reconciliation run %d: %w", id, err)
	}

	return nil
}

// ListRecentReconciliationRuns returns the newest run records, most recent
// first.
func (s *Store) ListRecentReconciliationRuns(ctx context.Context, limit int) ([]*ReconciliationRun, error) {
	rows, err := s.reconStmts.listRecent.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []*ReconciliationRun

	for rows.Next() {
		r := &ReconciliationRun{}

		var status string

		err := rows.Scan(
			&r.ID, &r.RunUUID, &r.RunType, &r.Scope, &status,
			&r.OrphanedFound, &r.Recovered, &r.CleanedUp, &r.Details,
			&r.StartedAt, &r.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan reconciliation run row: %w", err)
		}

		r.Status = ReconStatus(status)

		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate reconciliation run rows: %w", err)
	}

	return runs, nil
}

// AcquireReconciliationLease attempts to take the sweep lease for a scope so
// that only one orchestrator replica reconciles it at a time. Returns false
// when another replica's lease is still fresh.
func (s *Store) AcquireReconciliationLease(ctx context.Context, scope string, now, staleBefore int64) (bool, error) {
	res, err := s.reconStmts.acquireLease.ExecContext(ctx, scope, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("store: acquire reconciliation lease %s: %w", scope, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: acquire reconciliation lease %s: %w", scope, err)
	}

	acquired := affected == 1

	s.logger.Debug("reconciliation lease attempt", "scope", scope, "acquired", acquired)

	return acquired, nil
}

// ReleaseReconciliationLease releases a lease previously acquired at
// leasedAt. A lease reclaimed by another replica after going stale is left
// alone.
func (s *Store) ReleaseReconciliationLease(ctx context.Context, scope string, leasedAt int64) error {
	_, err := s.reconStmts.releaseLease.ExecContext(ctx, scope, leasedAt)
	if err != nil {
		return fmt.Errorf("store: release reconciliation lease %s: %w", scope, err)
	}

	return nil
}
