package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vellum-io/vellum/internal/broker"
	"github.com/vellum-io/vellum/internal/engine"
	"github.com/vellum-io/vellum/internal/store"
)

// newServeCmd runs the orchestrator: all engine loops plus the worker
// gateway, until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanup, err := writePIDFile(resolvedCfg.StorePath + ".pid")
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := store.Open(resolvedCfg.StorePath, rootLogger)
	if err != nil {
		return err
	}
	defer st.Close()

	bk := broker.NewMemoryBroker(0, rootLogger)
	defer bk.Close()

	eng, err := engine.New(st, bk, resolvedCfg, rootLogger)
	if err != nil {
		return err
	}

	rootLogger.Info("vellum starting",
		"version", version, "store", resolvedCfg.StorePath)

	if err := eng.Run(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	rootLogger.Info("vellum stopped")

	return nil
}
