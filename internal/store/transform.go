package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Transform queries.
const (
	sqlTransformColumns = `id, owner, name, source_collection_id, kind,
		batch_size, worker, bucket, enabled, created_at, updated_at`

	sqlGetTransform = `SELECT ` + sqlTransformColumns +
		` FROM transforms WHERE id = ?`

	sqlInsertTransform = `INSERT INTO transforms
		(owner, name, source_collection_id, kind, batch_size, worker, bucket,
		 enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlListEnabledTransforms = `SELECT ` + sqlTransformColumns +
		` FROM transforms WHERE enabled = 1 ORDER BY id`

	sqlSetTransformEnabled = `UPDATE transforms
		SET enabled = ?, updated_at = ? WHERE id = ?`

	sqlDeleteTransform = `DELETE FROM transforms WHERE id = ?`

	sqlTransformOwner = `SELECT owner FROM transforms WHERE id = ?`
)

func (s *Store) prepareTransformStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.transformStmts.get, sqlGetTransform, "getTransform"},
		{&s.transformStmts.insert, sqlInsertTransform, "insertTransform"},
		{&s.transformStmts.listEnabled, sqlListEnabledTransforms, "listEnabledTransforms"},
		{&s.transformStmts.setEnabled, sqlSetTransformEnabled, "setTransformEnabled"},
		{&s.transformStmts.delete, sqlDeleteTransform, "deleteTransform"},
		{&s.transformStmts.owner, sqlTransformOwner, "transformOwner"},
	})
}

// scanTransform scans a full transform row.
func scanTransform(row interface{ Scan(...any) error }) (*Transform, error) {
	t := &Transform{}

	var kind string

	err := row.Scan(
		&t.ID, &t.Owner, &t.Name, &t.SourceCollectionID, &kind,
		&t.BatchSize, &t.Worker, &t.Bucket, &t.Enabled,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = TransformKind(kind)

	return t, nil
}

// GetTransform retrieves a transform by id. Returns (nil, nil) when no row
// exists — callers use the nil transform to distinguish "deleted" from
// "found".
func (s *Store) GetTransform(ctx context.Context, id int64) (*Transform, error) {
	s.logger.Debug("getting transform", "transform_id", id)

	t, err := scanTransform(s.transformStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get transform %d: %w", id, err)
	}

	return t, nil
}

// CreateTransform inserts a transform and returns its assigned id.
func (s *Store) CreateTransform(ctx context.Context, t *Transform) (int64, error) {
	s.logger.Info("creating transform",
		"owner", t.Owner, "name", t.Name, "kind", t.Kind)

	now := NowNano()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := s.transformStmts.insert.ExecContext(ctx,
		t.Owner, t.Name, t.SourceCollectionID, string(t.Kind),
		t.BatchSize, t.Worker, t.Bucket, t.Enabled, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("store: create transform %q: %w", t.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create transform %q: %w", t.Name, err)
	}

	t.ID = id

	return id, nil
}

// ListEnabledTransforms returns all enabled transforms ordered by id.
func (s *Store) ListEnabledTransforms(ctx context.Context) ([]*Transform, error) {
	s.logger.Debug("listing enabled transforms")

	rows, err := s.transformStmts.listEnabled.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled transforms: %w", err)
	}
	defer rows.Close()

	var transforms []*Transform

	for rows.Next() {
		t, scanErr := scanTransform(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scan transform row: %w", scanErr)
		}

		transforms = append(transforms, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate transform rows: %w", err)
	}

	return transforms, nil
}

// SetTransformEnabled flips the enabled flag.
func (s *Store) SetTransformEnabled(ctx context.Context, id int64, enabled bool) error {
	s.logger.Info("setting transform enabled", "transform_id", id, "enabled", enabled)

	_, err := s.transformStmts.setEnabled.ExecContext(ctx, enabled, NowNano(), id)
	if err != nil {
		return fmt.Errorf("store: set transform %d enabled: %w", id, err)
	}

	return nil
}

// DeleteTransform removes a transform and cascades its targets, batches,
// outbox entries, and stats in one transaction.
func (s *Store) DeleteTransform(ctx context.Context, id int64) error {
	s.logger.Info("deleting transform", "transform_id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete transform tx: %w", err)
	}

	cascade := []string{
		`DELETE FROM targets WHERE transform_id = ?`,
		`DELETE FROM batches WHERE transform_id = ?`,
		`DELETE FROM outbox WHERE transform_id = ?`,
		`DELETE FROM transform_stats WHERE transform_id = ?`,
		`DELETE FROM transforms WHERE id = ?`,
	}

	for _, q := range cascade {
		if _, execErr := tx.ExecContext(ctx, q, id); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("store: delete transform %d: %w (rollback: %v)",
				id, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete transform %d: %w", id, err)
	}

	return nil
}

// TransformOwner resolves the authoritative owner of a transform. Returns
// ("", nil) when the transform does not exist. The result listener compares
// this against the owner claimed in broker messages before applying any
// state change.
func (s *Store) TransformOwner(ctx context.Context, id int64) (string, error) {
	var owner string

	err := s.transformStmts.owner.QueryRowContext(ctx, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("store: transform owner %d: %w", id, err)
	}

	return owner, nil
}
