package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vellum-io/vellum/internal/engine"
	"github.com/vellum-io/vellum/internal/store"
)

// newReconcileCmd runs one manual reconciliation sweep right now.
func newReconcileCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd.Context(), scope)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", engine.ScopeAll,
		"transform kind to sweep (dataset, collection, visualization) or all")

	return cmd
}

func runReconcile(ctx context.Context, scope string) error {
	switch scope {
	case engine.ScopeAll,
		string(store.KindDataset), string(store.KindCollection), string(store.KindVisualization):
	default:
		return fmt.Errorf("unknown scope %q", scope)
	}

	st, err := store.Open(resolvedCfg.StorePath, rootLogger)
	if err != nil {
		return err
	}
	defer st.Close()

	rec := engine.NewReconciler(st, resolvedCfg.Reconcile, rootLogger)

	report, err := rec.RunSweep(ctx, scope, engine.RunManual)
	if err != nil {
		return err
	}

	if report.Skipped {
		fmt.Println("Sweep skipped: another instance holds the reconciliation lease.")
		return nil
	}

	fmt.Printf("Sweep complete: found=%d recovered=%d cleaned=%d\n",
		report.OrphanedFound, report.Recovered, report.CleanedUp)

	return nil
}
