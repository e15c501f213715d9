package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vellum-io/vellum/internal/store"
)

// reconHistoryLimit bounds the reconciliation runs shown by status.
const reconHistoryLimit = 5

// transformStatus is the status report for one transform.
type transformStatus struct {
	TransformID  int64                     `json:"transform_id"`
	Name         string                    `json:"name"`
	Kind         string                    `json:"kind"`
	Enabled      bool                      `json:"enabled"`
	BatchCounts  map[store.BatchStatus]int `json:"batch_counts"`
	Stats        *store.Stats              `json:"stats,omitempty"`
	LastActivity string                    `json:"last_activity,omitempty"`
}

// statusReport is the full status output.
type statusReport struct {
	Transforms     []transformStatus          `json:"transforms"`
	Reconciliation []*store.ReconciliationRun `json:"reconciliation,omitempty"`
}

// newStatusCmd reports batch counts, progress counters, and recent
// reconciliation runs for one transform or all enabled transforms.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [transform-id]",
		Short: "Show transform progress and reconciliation history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), args)
		},
	}
}

func runStatus(ctx context.Context, args []string) error {
	st, err := store.Open(resolvedCfg.StorePath, rootLogger)
	if err != nil {
		return err
	}
	defer st.Close()

	var transforms []*store.Transform

	if len(args) == 1 {
		id, parseErr := strconv.ParseInt(args[0], 10, 64)
		if parseErr != nil {
			return fmt.Errorf("invalid transform id %q", args[0])
		}

		tr, getErr := st.GetTransform(ctx, id)
		if getErr != nil {
			return getErr
		}

		if tr == nil {
			return fmt.Errorf("transform %d not found", id)
		}

		transforms = []*store.Transform{tr}
	} else {
		transforms, err = st.ListEnabledTransforms(ctx)
		if err != nil {
			return err
		}
	}

	report := statusReport{}

	for _, tr := range transforms {
		counts, countErr := st.CountBatchesByStatus(ctx, tr.ID)
		if countErr != nil {
			return countErr
		}

		stats, statsErr := st.GetStats(ctx, tr.ID)
		if statsErr != nil {
			return statsErr
		}

		ts := transformStatus{
			TransformID: tr.ID,
			Name:        tr.Name,
			Kind:        string(tr.Kind),
			Enabled:     tr.Enabled,
			BatchCounts: counts,
			Stats:       stats,
		}

		if stats != nil && stats.LastProcessedAt != 0 {
			ts.LastActivity = time.Unix(0, stats.LastProcessedAt).Format(time.RFC3339)
		}

		report.Transforms = append(report.Transforms, ts)
	}

	runs, err := st.ListRecentReconciliationRuns(ctx, reconHistoryLimit)
	if err != nil {
		return err
	}

	report.Reconciliation = runs

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatus(report)

	return nil
}

// printStatus renders the human-readable status listing.
func printStatus(report statusReport) {
	if len(report.Transforms) == 0 {
		fmt.Println("No enabled transforms.")
	}

	for _, ts := range report.Transforms {
		fmt.Printf("Transform %d  %s (%s)\n", ts.TransformID, ts.Name, ts.Kind)
		fmt.Printf("  batches: pending=%d processing=%d success=%d failed=%d skipped=%d\n",
			ts.BatchCounts[store.BatchPending],
			ts.BatchCounts[store.BatchProcessing],
			ts.BatchCounts[store.BatchSuccess],
			ts.BatchCounts[store.BatchFailed],
			ts.BatchCounts[store.BatchSkipped])

		if ts.Stats != nil {
			fmt.Printf("  chunks:  pending=%d processing=%d embedded=%d failed=%d\n",
				ts.Stats.PendingChunks, ts.Stats.ProcessingChunks,
				ts.Stats.EmbeddedChunks, ts.Stats.FailedChunks)
		}

		if ts.LastActivity != "" {
			fmt.Printf("  last activity: %s\n", ts.LastActivity)
		}
	}

	if len(report.Reconciliation) > 0 {
		fmt.Println("Recent reconciliation runs:")

		for _, r := range report.Reconciliation {
			fmt.Printf("  %s  %s/%s  %s  found=%d recovered=%d cleaned=%d\n",
				time.Unix(0, r.StartedAt).Format(time.RFC3339),
				r.RunType, r.Scope, r.Status,
				r.OrphanedFound, r.Recovered, r.CleanedUp)
		}
	}
}
