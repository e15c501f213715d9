package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vellum-io/vellum/internal/broker"
	"github.com/vellum-io/vellum/internal/job"
	"github.com/vellum-io/vellum/internal/store"
)

// Listener consumes worker results and applies them to batch lifecycle and
// stats. Applying is idempotent: the conditional lifecycle transition is
// the dedup barrier, and a stats delta is only applied when the transition
// actually changed state, so redelivered results count nothing twice.
//
// Ack/nack policy: malformed, unauthorized, and unknown-batch results are
// acked and dropped (redelivery cannot fix them); store errors are nacked
// so the result is retried.
type Listener struct {
	store  *store.Store
	cons   broker.Consumer
	logger *slog.Logger
}

// NewListener creates a result listener.
func NewListener(st *store.Store, cons broker.Consumer, logger *slog.Logger) *Listener {
	return &Listener{store: st, cons: cons, logger: logger}
}

// Run consumes the results queue until the context is canceled.
func (l *Listener) Run(ctx context.Context) error {
	deliveries, err := l.cons.Consume(ctx, job.QueueResults)
	if err != nil {
		return err
	}

	for d := range deliveries {
		l.Handle(ctx, d)
	}

	return nil
}

// Handle processes one result delivery and settles it.
func (l *Listener) Handle(ctx context.Context, d broker.Delivery) {
	res, err := job.DecodeResult(d.Body)
	if err != nil {
		l.logger.Warn("dropping malformed result", "message_id", d.ID, "error", err)
		d.Ack()

		return
	}

	if err := res.Validate(); err != nil {
		l.logger.Warn("dropping invalid result",
			"message_id", d.ID, "job_id", res.JobID, "error", err)
		d.Ack()

		return
	}

	if ok, authErr := l.authorize(ctx, res); authErr != nil {
		l.logger.Error("owner lookup failed, requeueing result",
			"job_id", res.JobID, "error", authErr)
		d.Nack()

		return
	} else if !ok {
		d.Ack()
		return
	}

	if err := l.apply(ctx, res); err != nil {
		l.logger.Error("result apply failed, requeueing",
			"job_id", res.JobID, "batch_key", res.BatchKey,
			"attempt", d.Attempt, "error", err)
		d.Nack()

		return
	}

	d.Ack()
}

// authorize compares the owner claimed in the message against the
// transform's owner of record. The claimed owner is never trusted: a
// mismatch is rejected before any state change, so a compromised or
// misconfigured worker cannot move another tenant's batches.
func (l *Listener) authorize(ctx context.Context, res *job.Result) (bool, error) {
	owner, err := l.store.TransformOwner(ctx, res.TransformID)
	if err != nil {
		return false, err
	}

	if owner == "" {
		l.logger.Info("result for deleted transform, dropping",
			"job_id", res.JobID, "transform_id", res.TransformID)

		return false, nil
	}

	if owner != res.Owner {
		l.logger.Warn("result owner mismatch, rejecting",
			"job_id", res.JobID, "transform_id", res.TransformID,
			"claimed_owner", res.Owner)

		return false, nil
	}

	return true, nil
}

// apply moves the batch per the result and adjusts stats when the move won.
func (l *Listener) apply(ctx context.Context, res *job.Result) error {
	batch, err := l.store.GetBatch(ctx, res.TransformID, res.BatchKey)
	if err != nil {
		return err
	}

	if batch == nil {
		l.logger.Warn("result for unknown batch, dropping",
			"job_id", res.JobID, "transform_id", res.TransformID,
			"batch_key", res.BatchKey)

		return nil
	}

	if res.Status == job.StatusProgress {
		return l.applyClaim(ctx, batch, res)
	}

	return l.applyTerminal(ctx, batch, res)
}

// applyClaim records that a worker picked the batch up.
func (l *Listener) applyClaim(ctx context.Context, batch *store.Batch, res *job.Result) error {
	_, changed, err := l.store.TransitionBatch(ctx,
		res.TransformID, res.BatchKey, claimFrom, store.BatchProcessing, nil)
	if errors.Is(err, store.ErrBatchNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if !changed {
		// Already claimed or already terminal; duplicate progress reports
		// are routine under redelivery.
		return nil
	}

	return l.store.ApplyStatsDelta(ctx,
		res.TransformID, batch.Owner, claimDelta(batch.DocCount))
}

// applyTerminal closes the batch out with the worker's verdict.
func (l *Listener) applyTerminal(ctx context.Context, batch *store.Batch, res *job.Result) error {
	to, ok := terminalStatus(res.Status)
	if !ok {
		return nil
	}

	upd := &store.BatchUpdate{
		Error:      res.Error,
		DurationMS: res.DurationMS,
	}

	if res.ChunkCount > 0 {
		upd.ChunkCount = &res.ChunkCount
	}

	prior, changed, err := l.store.TransitionBatch(ctx,
		res.TransformID, res.BatchKey, terminalFrom, to, upd)
	if errors.Is(err, store.ErrBatchNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if !changed {
		l.logger.Debug("duplicate terminal result ignored",
			"job_id", res.JobID, "batch_key", res.BatchKey,
			"status", res.Status, "prior", prior)

		return nil
	}

	delta := closeDelta(prior, to, batch.DocCount, res.ChunkCount)

	if err := l.store.ApplyStatsDelta(ctx, res.TransformID, batch.Owner, delta); err != nil {
		return err
	}

	if res.TargetID != 0 {
		if err := l.store.TouchTargetProcessed(ctx, res.TargetID, store.NowNano()); err != nil {
			l.logger.Warn("touch target failed",
				"target_id", res.TargetID, "error", err)
		}
	}

	l.logger.Info("batch closed",
		"transform_id", res.TransformID, "batch_key", res.BatchKey,
		"status", to, "chunk_count", res.ChunkCount,
		"duration_ms", res.DurationMS)

	return nil
}
