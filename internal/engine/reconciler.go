package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vellum-io/vellum/internal/config"
	"github.com/vellum-io/vellum/internal/store"
)

// Reconciliation scopes and run types.
const (
	ScopeAll = "all"

	RunScheduled = "scheduled"
	RunManual    = "manual"
)

// SweepReport tallies one reconciliation sweep.
type SweepReport struct {
	OrphanedFound int
	Recovered     int
	CleanedUp     int
	Skipped       bool // lease held elsewhere, nothing swept
}

// Reconciler periodically sweeps for work the happy path lost: batches
// stuck in pending or processing past the staleness cutoff. Recoverable
// orphans get their outbox entry re-armed for dispatch; orphans whose
// retry budget is spent are closed out as failed so they stay visible
// instead of silently pending forever. Every sweep writes an audit run
// record whether or not it finds anything.
type Reconciler struct {
	store  *store.Store
	cfg    config.ReconcileConfig
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(st *store.Store, cfg config.ReconcileConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: st, cfg: cfg, logger: logger}
}

// Run sweeps on every interval tick until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := r.RunSweep(ctx, ScopeAll, RunScheduled); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			r.logger.Error("reconciliation sweep failed", "error", err)
		}
	}
}

// RunSweep performs one lease-guarded sweep over the given scope ("all" or
// a transform kind) and finalizes its run record exactly once. Losing the
// lease race reports Skipped and is not an error.
func (r *Reconciler) RunSweep(ctx context.Context, scope, runType string) (*SweepReport, error) {
	now := store.NowNano()
	staleBefore := now - r.cfg.LeaseStaleness.Std().Nanoseconds()

	acquired, err := r.store.AcquireReconciliationLease(ctx, scope, now, staleBefore)
	if err != nil {
		return nil, err
	}

	if !acquired {
		r.logger.Debug("reconciliation lease held elsewhere, skipping", "scope", scope)
		return &SweepReport{Skipped: true}, nil
	}

	defer func() {
		if releaseErr := r.store.ReleaseReconciliationLease(ctx, scope, now); releaseErr != nil {
			r.logger.Warn("reconciliation lease release failed",
				"scope", scope, "error", releaseErr)
		}
	}()

	runID, err := r.store.StartReconciliationRun(ctx, uuid.NewString(), runType, scope)
	if err != nil {
		return nil, err
	}

	report, sweepErr := r.sweep(ctx, scope, now)

	status := store.ReconCompleted
	details := ""

	if sweepErr != nil {
		status = store.ReconFailed
		details = sweepErr.Error()
	}

	finishErr := r.store.FinishReconciliationRun(ctx, runID, status,
		report.OrphanedFound, report.Recovered, report.CleanedUp, details)
	if finishErr != nil {
		r.logger.Error("finalize reconciliation run failed",
			"run_id", runID, "error", finishErr)
	}

	if sweepErr != nil {
		return report, sweepErr
	}

	return report, nil
}

// sweep finds and disposes of orphaned batches, then prunes old published
// audit entries.
func (r *Reconciler) sweep(ctx context.Context, scope string, now int64) (*SweepReport, error) {
	report := &SweepReport{}

	cutoff := now - r.cfg.BatchStaleness.Std().Nanoseconds()

	stuck, err := r.store.ListStuckBatches(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("engine: reconciliation sweep: %w", err)
	}

	for _, b := range stuck {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		entry, entryErr := r.store.OutboxEntryForBatch(ctx, b.TransformID, b.BatchKey)
		if entryErr != nil {
			return report, entryErr
		}

		// A scoped sweep only disposes batches it can attribute to its kind.
		// Entries missing their outbox row have no kind left and belong to
		// the all-scope sweep.
		if scope != ScopeAll && (entry == nil || string(entry.BatchKind) != scope) {
			continue
		}

		report.OrphanedFound++

		if err := r.disposeOrphan(ctx, b, entry, now, report); err != nil {
			return report, err
		}
	}

	retainBefore := now - r.cfg.PublishedRetention.Std().Nanoseconds()

	pruned, err := r.store.DeleteOldPublishedEntries(ctx, retainBefore)
	if err != nil {
		return report, err
	}

	report.CleanedUp += int(pruned)

	if report.OrphanedFound > 0 {
		r.logger.Info("reconciliation sweep disposed orphans",
			"scope", scope, "found", report.OrphanedFound,
			"recovered", report.Recovered, "cleaned_up", report.CleanedUp)
	}

	return report, nil
}

// disposeOrphan decides one stuck batch's fate from its outbox entry.
func (r *Reconciler) disposeOrphan(
	ctx context.Context, b *store.Batch, entry *store.OutboxEntry,
	now int64, report *SweepReport,
) error {
	// No dispatch intent survives for this batch. Nothing can ever deliver
	// it, so close it out rather than leave it pending forever.
	if entry == nil {
		return r.failOrphan(ctx, b, "no outbox entry for batch", report)
	}

	switch entry.Status {
	case store.OutboxExpired:
		// Retry budget spent before a single successful publish.
		reason := entry.LastError
		if reason == "" {
			reason = "dispatch retries exhausted"
		}

		return r.failOrphan(ctx, b, reason, report)

	case store.OutboxPending, store.OutboxFailed, store.OutboxPublished:
		// Either never delivered, or delivered to a worker that died. Both
		// recover the same way: re-arm the entry and let the dispatcher
		// publish again. A batch mid-processing goes back to pending so its
		// counters reflect the re-dispatch.
		return r.recoverOrphan(ctx, b, entry, now, report)
	}

	return nil
}

// recoverOrphan re-arms an orphan for a fresh dispatch cycle.
func (r *Reconciler) recoverOrphan(
	ctx context.Context, b *store.Batch, entry *store.OutboxEntry,
	now int64, report *SweepReport,
) error {
	if b.Status == store.BatchProcessing {
		_, changed, err := r.store.TransitionBatch(ctx, b.TransformID, b.BatchKey,
			[]store.BatchStatus{store.BatchProcessing}, store.BatchPending, nil)
		if err != nil {
			return err
		}

		if changed {
			err = r.store.ApplyStatsDelta(ctx, b.TransformID, b.Owner,
				reopenDelta(b.DocCount))
			if err != nil {
				return err
			}
		}
	}

	if err := r.store.ResetOutboxEntry(ctx, entry.ID, now); err != nil {
		return err
	}

	report.Recovered++

	r.logger.Info("orphaned batch re-armed for dispatch",
		"transform_id", b.TransformID, "batch_key", b.BatchKey,
		"was", b.Status, "outbox_id", entry.ID)

	return nil
}

// failOrphan closes an unrecoverable orphan as failed. The conditional
// transition keeps a concurrently-arriving worker result from being
// overwritten.
func (r *Reconciler) failOrphan(
	ctx context.Context, b *store.Batch, reason string, report *SweepReport,
) error {
	prior, changed, err := r.store.TransitionBatch(ctx, b.TransformID, b.BatchKey,
		terminalFrom, store.BatchFailed, &store.BatchUpdate{Error: reason})
	if err != nil {
		return err
	}

	if !changed {
		return nil
	}

	err = r.store.ApplyStatsDelta(ctx, b.TransformID, b.Owner,
		closeDelta(prior, store.BatchFailed, b.DocCount, 0))
	if err != nil {
		return err
	}

	report.CleanedUp++

	r.logger.Warn("orphaned batch closed as failed",
		"transform_id", b.TransformID, "batch_key", b.BatchKey, "reason", reason)

	return nil
}
