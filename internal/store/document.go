package store

import (
	"context"
	"fmt"
)

// Document queries.
const (
	sqlUpsertDocument = `INSERT INTO documents
		(id, collection_id, owner, content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_hash = excluded.content_hash,
			updated_at   = excluded.updated_at`

	// The tuple comparison is the watermark cursor: strictly after
	// (watermark_ts, watermark_doc_id), ordered by change time then id.
	// The id tiebreak is mandatory — change timestamps are not unique, and
	// without it a scan could skip same-timestamp documents on its next
	// cursor advance.
	sqlListChangedDocuments = `SELECT id, collection_id, owner, content_hash,
			created_at, updated_at
		FROM documents
		WHERE collection_id = ?
		  AND (COALESCE(NULLIF(updated_at, 0), created_at) > ?
		       OR (COALESCE(NULLIF(updated_at, 0), created_at) = ? AND id > ?))
		ORDER BY COALESCE(NULLIF(updated_at, 0), created_at), id
		LIMIT ?`
)

func (s *Store) prepareDocumentStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.documentStmts.upsert, sqlUpsertDocument, "upsertDocument"},
		{&s.documentStmts.listChanged, sqlListChangedDocuments, "listChangedDocuments"},
	})
}

// UpsertDocument inserts or updates a source document. Callers supply the
// id: document identity comes from the ingestion layer, not this store.
func (s *Store) UpsertDocument(ctx context.Context, d *Document) error {
	s.logger.Debug("upserting document",
		"doc_id", d.ID, "collection_id", d.CollectionID)

	_, err := s.documentStmts.upsert.ExecContext(ctx,
		d.ID, d.CollectionID, d.Owner, d.ContentHash, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert document %d: %w", d.ID, err)
	}

	return nil
}

// ListChangedDocuments returns up to limit documents in a collection whose
// change timestamp is strictly after the (watermarkTS, watermarkDocID)
// cursor, ordered by change time then id.
func (s *Store) ListChangedDocuments(
	ctx context.Context, collectionID, watermarkTS, watermarkDocID int64, limit int,
) ([]*Document, error) {
	s.logger.Debug("listing changed documents",
		"collection_id", collectionID,
		"watermark_ts", watermarkTS, "watermark_doc_id", watermarkDocID)

	rows, err := s.documentStmts.listChanged.QueryContext(ctx,
		collectionID, watermarkTS, watermarkTS, watermarkDocID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list changed documents %d: %w", collectionID, err)
	}
	defer rows.Close()

	var docs []*Document

	for rows.Next() {
		d := &Document{}

		err := rows.Scan(&d.ID, &d.CollectionID, &d.Owner, &d.ContentHash,
			&d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan document row: %w", err)
		}

		docs = append(docs, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate document rows: %w", err)
	}

	return docs, nil
}
