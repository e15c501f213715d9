package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vellum-io/vellum/internal/broker"
	"github.com/vellum-io/vellum/internal/config"
	"github.com/vellum-io/vellum/internal/store"
)

// shutdownGrace bounds how long the gateway server drains on shutdown.
const shutdownGrace = 5 * time.Second

// Broker is the transport the engine needs: publish jobs, consume results,
// and (through the gateway) the reverse for workers.
type Broker interface {
	broker.Publisher
	broker.Consumer
}

// Engine wires the orchestration loops over one store and one broker. All
// loops run concurrently and stop together on context cancellation or the
// first loop error.
type Engine struct {
	store      *store.Store
	broker     Broker
	cfg        *config.Config
	scanner    *Scanner
	dispatcher *Dispatcher
	listener   *Listener
	reconciler *Reconciler
	logger     *slog.Logger
}

// New assembles an engine from its parts.
func New(st *store.Store, bk Broker, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	dispatcher, err := NewDispatcher(st, bk, cfg.Outbox, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:      st,
		broker:     bk,
		cfg:        cfg,
		scanner:    NewScanner(st, cfg.Scan, cfg.Outbox.MaxRetries, dispatcher.Kick, logger),
		dispatcher: dispatcher,
		listener:   NewListener(st, bk, logger),
		reconciler: NewReconciler(st, cfg.Reconcile, logger),
		logger:     logger,
	}, nil
}

// Scanner exposes the scan loop for one-shot manual triggers.
func (e *Engine) Scanner() *Scanner {
	return e.scanner
}

// Reconciler exposes the sweep loop for one-shot manual sweeps.
func (e *Engine) Reconciler() *Reconciler {
	return e.reconciler
}

// Run starts every loop and blocks until the context is canceled or a loop
// fails. When a listen address is configured, the websocket gateway serves
// workers alongside the loops.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.scanner.Run(ctx) })
	g.Go(func() error { return e.dispatcher.Run(ctx) })
	g.Go(func() error { return e.listener.Run(ctx) })
	g.Go(func() error { return e.reconciler.Run(ctx) })

	if e.cfg.Listen != "" {
		g.Go(func() error { return e.serveGateway(ctx) })
	}

	e.logger.Info("engine running",
		"scan_interval", e.cfg.Scan.Interval.Std(),
		"outbox_interval", e.cfg.Outbox.Interval.Std(),
		"reconcile_interval", e.cfg.Reconcile.Interval.Std(),
		"listen", e.cfg.Listen)

	return g.Wait()
}

// serveGateway runs the worker-facing websocket gateway until the context
// is canceled.
func (e *Engine) serveGateway(ctx context.Context) error {
	gateway := broker.NewWSGateway(e.broker, e.broker, e.logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/queue/", gateway)

	srv := &http.Server{
		Addr:    e.cfg.Listen,
		Handler: mux,
	}

	errc := make(chan error, 1)

	go func() {
		e.logger.Info("worker gateway listening", "addr", e.cfg.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("gateway shutdown", "error", err)
		}

		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}
