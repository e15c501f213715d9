// Package engine runs the orchestration loops: the watermark scanner that
// turns changed documents into batches, the outbox dispatcher that delivers
// them to workers, the result listener that applies worker outcomes, and
// the reconciliation loop that recovers whatever the other three lost.
// Every loop is safe to run on multiple replicas at once: mutual exclusion
// and idempotency live in the store, not in process memory.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vellum-io/vellum/internal/config"
	"github.com/vellum-io/vellum/internal/job"
	"github.com/vellum-io/vellum/internal/store"
)

// Scanner walks scannable targets on an interval, discovers documents past
// each target's watermark, and records them as batches with pending outbox
// entries. It never publishes anything itself.
type Scanner struct {
	store            *store.Store
	cfg              config.ScanConfig
	outboxMaxRetries int
	kick             func() // nudges the dispatcher after new entries land
	logger           *slog.Logger
}

// NewScanner creates a scanner. kick may be nil when no dispatcher runs in
// this process.
func NewScanner(
	st *store.Store, cfg config.ScanConfig, outboxMaxRetries int,
	kick func(), logger *slog.Logger,
) *Scanner {
	if kick == nil {
		kick = func() {}
	}

	return &Scanner{
		store:            st,
		cfg:              cfg,
		outboxMaxRetries: outboxMaxRetries,
		kick:             kick,
		logger:           logger,
	}
}

// Run scans immediately, then on every interval tick until the context is
// canceled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		if _, err := s.ScanAll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.logger.Error("scan cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ScanAll runs one scan cycle over every scannable target and returns the
// number of batches created. Per-target failures are logged and do not
// abort the cycle.
func (s *Scanner) ScanAll(ctx context.Context) (int, error) {
	targets, err := s.store.ListScannableTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: scan cycle: %w", err)
	}

	total := 0

	for _, t := range targets {
		created, scanErr := s.scanTarget(ctx, t)
		if scanErr != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}

			s.logger.Error("target scan failed",
				"target_id", t.ID, "transform_id", t.TransformID, "error", scanErr)

			continue
		}

		total += created
	}

	if total > 0 {
		s.logger.Info("scan cycle complete", "batches_created", total)
		s.kick()
	}

	return total, nil
}

// scanTarget scans one target under its lease. Losing the lease race means
// another replica is scanning this target and is not an error.
func (s *Scanner) scanTarget(ctx context.Context, t *store.Target) (int, error) {
	now := store.NowNano()
	staleBefore := now - s.cfg.LeaseStaleness.Std().Nanoseconds()

	acquired, err := s.store.AcquireScanLease(ctx, t.ID, now, staleBefore)
	if err != nil {
		return 0, err
	}

	if !acquired {
		s.logger.Debug("scan lease held elsewhere, skipping", "target_id", t.ID)
		return 0, nil
	}

	defer func() {
		if releaseErr := s.store.ReleaseScanLease(ctx, t.ID, now); releaseErr != nil {
			s.logger.Warn("scan lease release failed",
				"target_id", t.ID, "error", releaseErr)
		}
	}()

	tr, err := s.store.GetTransform(ctx, t.TransformID)
	if err != nil {
		return 0, err
	}

	if tr == nil || !tr.Enabled {
		return 0, nil
	}

	docs, err := s.store.ListChangedDocuments(ctx,
		t.SourceCollectionID, t.WatermarkTS, t.WatermarkDocID, s.cfg.MaxDocs)
	if err != nil {
		return 0, err
	}

	if len(docs) == 0 {
		return 0, nil
	}

	batchSize := tr.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.DefaultBatchSize
	}

	created := 0

	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}

		slice := docs[start:end]

		ok, batchErr := s.createBatch(ctx, tr, t, slice)
		if batchErr != nil {
			return created, batchErr
		}

		if ok {
			created++
		}

		// The batch (new or pre-existing) is durably recorded, so the cursor
		// may move past it. Advancing per slice keeps a crash from repeating
		// already-committed work at the head of the range.
		last := slice[len(slice)-1]
		if err := s.store.AdvanceWatermark(ctx, t.ID, last.ChangedAt(), last.ID); err != nil {
			return created, err
		}
	}

	return created, nil
}

// createBatch records one document slice as a batch plus its outbox entry
// and bumps the dispatch counters. Returns false when the slice resolved to
// an already-existing batch.
func (s *Scanner) createBatch(
	ctx context.Context, tr *store.Transform, t *store.Target, docs []*store.Document,
) (bool, error) {
	key := batchKey(tr.ID, docs)

	docIDs := make([]int64, len(docs))
	for i, d := range docs {
		docIDs[i] = d.ID
	}

	payload := &job.Payload{
		JobID:       uuid.NewString(),
		TransformID: tr.ID,
		TargetID:    t.ID,
		Kind:        string(tr.Kind),
		Owner:       tr.Owner,
		BatchKey:    key,
		Bucket:      tr.Bucket,
		DocIDs:      docIDs,
	}

	body, err := payload.Encode()
	if err != nil {
		return false, err
	}

	batch := &store.Batch{
		TransformID: tr.ID,
		BatchKey:    key,
		DocCount:    len(docs),
		Owner:       tr.Owner,
	}

	entry := &store.OutboxEntry{
		BatchKind:    tr.Kind,
		TransformID:  tr.ID,
		TargetID:     t.ID,
		CollectionID: t.SourceCollectionID,
		BatchKey:     key,
		Bucket:       tr.Bucket,
		Payload:      body,
		MaxRetries:   s.outboxMaxRetries,
		Owner:        tr.Owner,
	}

	created, err := s.store.CreateBatchWithOutbox(ctx, batch, entry)
	if err != nil {
		return false, err
	}

	if !created {
		return false, nil
	}

	n := int64(len(docs))

	err = s.store.ApplyStatsDelta(ctx, tr.ID, tr.Owner, &store.StatsDelta{
		DispatchedBatches: 1,
		DispatchedChunks:  n,
		PendingChunks:     n,
	})
	if err != nil {
		return true, err
	}

	return true, nil
}

// batchKey derives the content-addressed dedup key for a document slice.
// The key covers each document's id and content hash, so the same slice of
// unchanged documents always resolves to the same batch row, while any
// content change yields a new key and a new batch.
func batchKey(transformID int64, docs []*store.Document) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d", transformID)

	for _, d := range docs {
		fmt.Fprintf(h, "|%d:%s", d.ID, d.ContentHash)
	}

	return hex.EncodeToString(h.Sum(nil))
}
