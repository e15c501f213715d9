package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/vellum-io/vellum/internal/broker"
	"github.com/vellum-io/vellum/internal/config"
	"github.com/vellum-io/vellum/internal/job"
	"github.com/vellum-io/vellum/internal/store"
)

// sweepLimit bounds the outbox entries pulled per sweep. A backlog larger
// than this drains over consecutive sweeps.
const sweepLimit = 256

// Dispatcher sweeps due outbox entries and publishes their payloads to the
// jobs queue through a bounded worker pool. Publishing is at-least-once: a
// crash after the broker ack but before the published mark re-publishes the
// entry next sweep, and the worker-side batch dedup absorbs the duplicate.
type Dispatcher struct {
	store  *store.Store
	pub    broker.Publisher
	cfg    config.OutboxConfig
	pool   *ants.Pool
	kick   chan struct{}
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher with its publish pool.
func NewDispatcher(
	st *store.Store, pub broker.Publisher, cfg config.OutboxConfig, logger *slog.Logger,
) (*Dispatcher, error) {
	pool, err := ants.NewPool(cfg.PublishWorkers)
	if err != nil {
		return nil, fmt.Errorf("engine: create publish pool: %w", err)
	}

	return &Dispatcher{
		store:  st,
		pub:    pub,
		cfg:    cfg,
		pool:   pool,
		kick:   make(chan struct{}, 1),
		logger: logger,
	}, nil
}

// Kick schedules an immediate sweep. Safe to call from any goroutine; a
// sweep already scheduled absorbs the kick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run sweeps on every interval tick or kick until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.pool.Release()

	ticker := time.NewTicker(d.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		if _, err := d.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			d.logger.Error("dispatch sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// Sweep publishes every due outbox entry and returns how many were marked
// published. The sweep blocks until all submitted publishes settle, so two
// consecutive sweeps never race on the same entry within one process.
// Across replicas a concurrent sweep can double-publish; that is within the
// at-least-once contract.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	entries, err := d.store.ListDueOutboxEntries(ctx, store.NowNano(), sweepLimit)
	if err != nil {
		return 0, fmt.Errorf("engine: dispatch sweep: %w", err)
	}

	if len(entries) == 0 {
		return 0, nil
	}

	var (
		wg        sync.WaitGroup
		published atomic.Int64
	)

	for _, e := range entries {
		entry := e

		wg.Add(1)

		submitErr := d.pool.Submit(func() {
			defer wg.Done()

			if d.publish(ctx, entry) {
				published.Add(1)
			}
		})
		if submitErr != nil {
			wg.Done()
			break
		}
	}

	wg.Wait()

	n := int(published.Load())
	if n > 0 {
		d.logger.Info("dispatch sweep complete",
			"due", len(entries), "published", n)
	}

	return n, nil
}

// publish delivers one entry and records the outcome. Returns true when the
// entry reached the published state.
func (d *Dispatcher) publish(ctx context.Context, e *store.OutboxEntry) bool {
	pubErr := d.pub.Publish(ctx, job.QueueJobs, e.Payload)
	if pubErr == nil {
		if err := d.store.MarkOutboxPublished(ctx, e.ID); err != nil {
			// The message is out but the mark failed; the next sweep will
			// re-publish and the consumer dedups.
			d.logger.Warn("publish succeeded but mark failed",
				"outbox_id", e.ID, "error", err)

			return false
		}

		return true
	}

	if ctx.Err() != nil {
		return false
	}

	retry := e.RetryCount + 1
	if retry > e.MaxRetries {
		if err := d.store.MarkOutboxExpired(ctx, e.ID, pubErr.Error()); err != nil {
			d.logger.Error("mark expired failed", "outbox_id", e.ID, "error", err)
		}

		return false
	}

	next := store.NowNano() + d.backoff(retry).Nanoseconds()

	if err := d.store.MarkOutboxFailed(ctx, e.ID, pubErr.Error(), next); err != nil {
		d.logger.Error("mark failed failed", "outbox_id", e.ID, "error", err)
	}

	d.logger.Warn("publish failed, backing off",
		"outbox_id", e.ID, "batch_key", e.BatchKey,
		"retry", retry, "max_retries", e.MaxRetries, "error", pubErr)

	return false
}

// backoff returns the delay before retry attempt n (1-based): the base
// doubles per attempt up to the cap.
func (d *Dispatcher) backoff(n int) time.Duration {
	base := d.cfg.BackoffBase.Std()
	cap := d.cfg.BackoffCap.Std()

	if n < 1 {
		n = 1
	}

	// Large shift counts would overflow the duration; anything this deep is
	// far beyond the cap anyway.
	if n > 32 {
		return cap
	}

	delay := base << (n - 1)
	if delay <= 0 || delay > cap {
		return cap
	}

	return delay
}
