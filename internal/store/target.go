package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Target queries.
const (
	sqlTargetColumns = `id, transform_id, source_collection_id, store_collection,
		watermark_ts, watermark_doc_id, lease_acquired_at, last_processed_at,
		owner, created_at, updated_at`

	sqlGetTarget = `SELECT ` + sqlTargetColumns +
		` FROM targets WHERE id = ?`

	sqlInsertTarget = `INSERT INTO targets
		(transform_id, source_collection_id, store_collection,
		 watermark_ts, watermark_doc_id, lease_acquired_at, last_processed_at,
		 owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`

	// Standalone targets (all-zero linkage) are excluded: they are not
	// transform-produced and scanning does not apply to them.
	sqlListScannableTargets = `SELECT ` + sqlTargetColumns + `
		FROM targets
		WHERE transform_id != 0 AND source_collection_id != 0
		  AND transform_id IN (SELECT id FROM transforms WHERE enabled = 1)
		ORDER BY id`

	// The conditional WHERE is the lease: the update only wins when no lease
	// is held or the held lease is older than the staleness cutoff. Losing
	// the race is a cooperative skip, not an error.
	sqlAcquireScanLease = `UPDATE targets
		SET lease_acquired_at = ?, updated_at = ?
		WHERE id = ? AND (lease_acquired_at = 0 OR lease_acquired_at < ?)`

	sqlReleaseScanLease = `UPDATE targets
		SET lease_acquired_at = 0, updated_at = ?
		WHERE id = ? AND lease_acquired_at = ?`

	// Watermark only moves forward. The guard keeps a slow scanner with an
	// older cursor from rewinding a watermark committed by a faster one.
	sqlAdvanceWatermark = `UPDATE targets
		SET watermark_ts = ?, watermark_doc_id = ?, updated_at = ?
		WHERE id = ? AND (watermark_ts < ? OR (watermark_ts = ? AND watermark_doc_id < ?))`

	sqlTouchTargetProcessed = `UPDATE targets
		SET last_processed_at = ?, updated_at = ? WHERE id = ?`

	sqlResetWatermark = `UPDATE targets
		SET watermark_ts = 0, watermark_doc_id = 0, updated_at = ?
		WHERE id = ?`
)

func (s *Store) prepareTargetStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.targetStmts.get, sqlGetTarget, "getTarget"},
		{&s.targetStmts.insert, sqlInsertTarget, "insertTarget"},
		{&s.targetStmts.listScannable, sqlListScannableTargets, "listScannableTargets"},
		{&s.targetStmts.acquireLease, sqlAcquireScanLease, "acquireScanLease"},
		{&s.targetStmts.releaseLease, sqlReleaseScanLease, "releaseScanLease"},
		{&s.targetStmts.advanceWatermark, sqlAdvanceWatermark, "advanceWatermark"},
		{&s.targetStmts.touchProcessed, sqlTouchTargetProcessed, "touchTargetProcessed"},
	})
}

// scanTarget scans a full target row.
func scanTarget(row interface{ Scan(...any) error }) (*Target, error) {
	t := &Target{}

	err := row.Scan(
		&t.ID, &t.TransformID, &t.SourceCollectionID, &t.StoreCollection,
		&t.WatermarkTS, &t.WatermarkDocID, &t.LeaseAcquiredAt, &t.LastProcessedAt,
		&t.Owner, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// GetTarget retrieves a target by id. Returns (nil, nil) when no row exists.
func (s *Store) GetTarget(ctx context.Context, id int64) (*Target, error) {
	s.logger.Debug("getting target", "target_id", id)

	t, err := scanTarget(s.targetStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get target %d: %w", id, err)
	}

	return t, nil
}

// CreateTarget inserts a target and returns its assigned id.
func (s *Store) CreateTarget(ctx context.Context, t *Target) (int64, error) {
	s.logger.Info("creating target",
		"transform_id", t.TransformID, "store_collection", t.StoreCollection)

	now := NowNano()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := s.targetStmts.insert.ExecContext(ctx,
		t.TransformID, t.SourceCollectionID, t.StoreCollection,
		t.WatermarkTS, t.WatermarkDocID, t.Owner, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("store: create target %q: %w", t.StoreCollection, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create target %q: %w", t.StoreCollection, err)
	}

	t.ID = id

	return id, nil
}

// ListScannableTargets returns all transform-linked targets whose owning
// transform is enabled. Standalone targets are never returned.
func (s *Store) ListScannableTargets(ctx context.Context) ([]*Target, error) {
	s.logger.Debug("listing scannable targets")

	rows, err := s.targetStmts.listScannable.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list scannable targets: %w", err)
	}
	defer rows.Close()

	var targets []*Target

	for rows.Next() {
		t, scanErr := scanTarget(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scan target row: %w", scanErr)
		}

		targets = append(targets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate target rows: %w", err)
	}

	return targets, nil
}

// AcquireScanLease attempts to take the scan lease for a target. now becomes
// the lease timestamp; staleBefore is the cutoff below which a held lease is
// considered abandoned and reclaimable. Returns false when another scanner's
// lease is still fresh — the caller skips the target this cycle.
func (s *Store) AcquireScanLease(ctx context.Context, targetID, now, staleBefore int64) (bool, error) {
	res, err := s.targetStmts.acquireLease.ExecContext(ctx, now, now, targetID, staleBefore)
	if err != nil {
		return false, fmt.Errorf("store: acquire scan lease %d: %w", targetID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: acquire scan lease %d: %w", targetID, err)
	}

	acquired := affected == 1

	s.logger.Debug("scan lease attempt",
		"target_id", targetID, "acquired", acquired)

	return acquired, nil
}

// ReleaseScanLease releases a lease previously acquired at leasedAt. The
// conditional match keeps a slow scanner from releasing a lease that has
// already been reclaimed by another instance after going stale.
func (s *Store) ReleaseScanLease(ctx context.Context, targetID, leasedAt int64) error {
	_, err := s.targetStmts.releaseLease.ExecContext(ctx, NowNano(), targetID, leasedAt)
	if err != nil {
		return fmt.Errorf("store: release scan lease %d: %w", targetID, err)
	}

	return nil
}

// AdvanceWatermark moves the target's scan cursor to (ts, docID). The move
// is monotonic: calls with an older cursor are no-ops.
func (s *Store) AdvanceWatermark(ctx context.Context, targetID, ts, docID int64) error {
	s.logger.Debug("advancing watermark",
		"target_id", targetID, "watermark_ts", ts, "watermark_doc_id", docID)

	_, err := s.targetStmts.advanceWatermark.ExecContext(ctx,
		ts, docID, NowNano(), targetID, ts, ts, docID)
	if err != nil {
		return fmt.Errorf("store: advance watermark %d: %w", targetID, err)
	}

	return nil
}

// ResetWatermark rewinds the target's scan cursor to the beginning. This is
// the one sanctioned way to move a watermark backwards; a full re-scan is
// an explicit operator action, never something a racing scanner can do.
func (s *Store) ResetWatermark(ctx context.Context, targetID int64) error {
	s.logger.Info("resetting watermark", "target_id", targetID)

	_, err := s.db.ExecContext(ctx, sqlResetWatermark, NowNano(), targetID)
	if err != nil {
		return fmt.Errorf("store: reset watermark %d: %w", targetID, err)
	}

	return nil
}

// TouchTargetProcessed stamps the target's last-processed timestamp.
func (s *Store) TouchTargetProcessed(ctx context.Context, targetID, processedAt int64) error {
	_, err := s.targetStmts.touchProcessed.ExecContext(ctx, processedAt, NowNano(), targetID)
	if err != nil {
		return fmt.Errorf("store: touch target %d: %w", targetID, err)
	}

	return nil
}

// TargetOwner resolves the authoritative owner of a target. Returns
// ("", nil) when the target does not exist.
func (s *Store) TargetOwner(ctx context.Context, id int64) (string, error) {
	t, err := s.GetTarget(ctx, id)
	if err != nil {
		return "", err
	}

	if t == nil {
		return "", nil
	}

	return t.Owner, nil
}
