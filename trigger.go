package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vellum-io/vellum/internal/engine"
	"github.com/vellum-io/vellum/internal/store"
)

// newTriggerCmd runs one scan cycle for a transform right now instead of
// waiting for the next scheduled cycle. With --full, the transform's
// watermarks rewind to zero and its progress counters reset under a fresh
// run id, so the next scan walks the whole collection; slices whose content
// already succeeded resolve to their existing batches and are not
// re-dispatched.
func newTriggerCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "trigger <transform-id>",
		Short: "Scan a transform's sources immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd.Context(), args[0], full)
		},
	}

	cmd.Flags().BoolVar(&full, "full", false,
		"rewind watermarks and reset counters for a full pass")

	return cmd
}

func runTrigger(ctx context.Context, arg string, full bool) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid transform id %q", arg)
	}

	st, err := store.Open(resolvedCfg.StorePath, rootLogger)
	if err != nil {
		return err
	}
	defer st.Close()

	tr, err := st.GetTransform(ctx, id)
	if err != nil {
		return err
	}

	if tr == nil {
		return fmt.Errorf("transform %d not found", id)
	}

	if !tr.Enabled {
		return fmt.Errorf("transform %d is disabled", id)
	}

	if full {
		if err := rewindTransform(ctx, st, tr); err != nil {
			return err
		}
	}

	scanner := engine.NewScanner(st, resolvedCfg.Scan,
		resolvedCfg.Outbox.MaxRetries, nil, rootLogger)

	created, err := scanner.ScanAll(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Scan complete: %d batch(es) created.\n", created)

	if created > 0 {
		fmt.Println("A running orchestrator will dispatch them on its next sweep.")
	}

	return nil
}

// rewindTransform zeroes the transform's target watermarks and resets its
// counters under a fresh run id.
func rewindTransform(ctx context.Context, st *store.Store, tr *store.Transform) error {
	targets, err := st.ListScannableTargets(ctx)
	if err != nil {
		return err
	}

	for _, t := range targets {
		if t.TransformID != tr.ID {
			continue
		}

		if err := st.ResetWatermark(ctx, t.ID); err != nil {
			return err
		}
	}

	runID := uuid.NewString()

	if err := st.ResetStatsForRun(ctx, tr.ID, tr.Owner, runID); err != nil {
		return err
	}

	fmt.Printf("Full pass: watermarks rewound, counters reset (run %s).\n", runID)

	return nil
}
