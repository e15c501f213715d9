package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vellum-io/vellum/internal/store"
)

// newRetryCmd re-arms a failed batch: status back to pending with the
// attempt counter bumped, and its outbox entry reset for a fresh dispatch
// cycle.
func newRetryCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry <transform-id> [batch-key]",
		Short: "Re-arm failed batches for dispatch",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid transform id %q", args[0])
			}

			if all {
				if len(args) == 2 {
					return fmt.Errorf("--all and a batch key are mutually exclusive")
				}

				return runRetryAll(cmd.Context(), id)
			}

			if len(args) != 2 {
				return fmt.Errorf("batch key required (or pass --all)")
			}

			return runRetry(cmd.Context(), id, args[1])
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "retry every failed batch of the transform")

	return cmd
}

func runRetry(ctx context.Context, transformID int64, batchKey string) error {
	st, err := store.Open(resolvedCfg.StorePath, rootLogger)
	if err != nil {
		return err
	}
	defer st.Close()

	retried, err := retryOne(ctx, st, transformID, batchKey)
	if err != nil {
		return err
	}

	if !retried {
		return fmt.Errorf("batch %d/%s is not in the failed state", transformID, batchKey)
	}

	fmt.Printf("Batch %s re-armed for dispatch.\n", batchKey)

	return nil
}

func runRetryAll(ctx context.Context, transformID int64) error {
	st, err := store.Open(resolvedCfg.StorePath, rootLogger)
	if err != nil {
		return err
	}
	defer st.Close()

	keys, err := st.ListFailedBatchKeys(ctx, transformID)
	if err != nil {
		return err
	}

	retried := 0

	for _, key := range keys {
		ok, retryErr := retryOne(ctx, st, transformID, key)
		if retryErr != nil {
			return retryErr
		}

		if ok {
			retried++
		}
	}

	fmt.Printf("Re-armed %d of %d failed batch(es).\n", retried, len(keys))

	return nil
}

// retryOne re-arms one failed batch and keeps its counters and outbox entry
// coherent with the move back to pending.
func retryOne(ctx context.Context, st *store.Store, transformID int64, batchKey string) (bool, error) {
	batch, err := st.GetBatch(ctx, transformID, batchKey)
	if err != nil {
		return false, err
	}

	if batch == nil {
		return false, fmt.Errorf("batch %d/%s not found", transformID, batchKey)
	}

	retried, err := st.RetryBatch(ctx, transformID, batchKey)
	if err != nil {
		return false, err
	}

	if !retried {
		return false, nil
	}

	n := int64(batch.DocCount)

	err = st.ApplyStatsDelta(ctx, transformID, batch.Owner, &store.StatsDelta{
		FailedBatches: -1,
		FailedChunks:  -n,
		PendingChunks: n,
	})
	if err != nil {
		return true, err
	}

	entry, err := st.OutboxEntryForBatch(ctx, transformID, batchKey)
	if err != nil {
		return true, err
	}

	if entry != nil {
		if err := st.ResetOutboxEntry(ctx, entry.ID, store.NowNano()); err != nil {
			return true, err
		}
	}

	return true, nil
}
