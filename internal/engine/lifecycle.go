package engine

import (
	"github.com/vellum-io/vellum/internal/job"
	"github.com/vellum-io/vellum/internal/store"
)

// terminalFrom is the set of statuses a batch may hold when a terminal
// worker result arrives. A batch already in a terminal state is never
// moved again, which makes duplicate result deliveries harmless.
var terminalFrom = []store.BatchStatus{store.BatchPending, store.BatchProcessing}

// claimFrom is the only status a progress report may claim from.
var claimFrom = []store.BatchStatus{store.BatchPending}

// terminalStatus maps a worker result status to the batch status it closes
// the batch with. Progress is not terminal and has no mapping here.
func terminalStatus(s job.ResultStatus) (store.BatchStatus, bool) {
	switch s {
	case job.StatusSuccess:
		return store.BatchSuccess, true
	case job.StatusFailed:
		return store.BatchFailed, true
	case job.StatusSkipped:
		return store.BatchSkipped, true
	default:
		return "", false
	}
}

// claimDelta is the counter adjustment for a batch moving pending →
// processing. Chunk-level counters track document counts until a worker
// reports actual chunk tallies.
func claimDelta(docCount int) *store.StatsDelta {
	n := int64(docCount)

	return &store.StatsDelta{
		ProcessingBatches: 1,
		ProcessingChunks:  n,
		PendingChunks:     -n,
	}
}

// reopenDelta is the counter adjustment for a recovered batch moving
// processing → pending (its job was lost and will be re-dispatched).
func reopenDelta(docCount int) *store.StatsDelta {
	n := int64(docCount)

	return &store.StatsDelta{
		ProcessingBatches: -1,
		ProcessingChunks:  -n,
		PendingChunks:     n,
	}
}

// closeDelta is the counter adjustment for a batch arriving at a terminal
// status from prior. docCount drains the pending/processing chunk counter
// the batch occupied; chunkCount is the worker-reported chunk tally and
// only feeds embedded_chunks on success.
func closeDelta(prior, to store.BatchStatus, docCount, chunkCount int) *store.StatsDelta {
	n := int64(docCount)
	d := &store.StatsDelta{MarkProcessed: true}

	switch prior {
	case store.BatchPending:
		d.PendingChunks = -n
	case store.BatchProcessing:
		d.ProcessingBatches = -1
		d.ProcessingChunks = -n
	}

	switch to {
	case store.BatchSuccess:
		d.SuccessfulBatches = 1
		d.EmbeddedChunks = int64(chunkCount)
	case store.BatchFailed:
		d.FailedBatches = 1
		d.FailedChunks = n
	case store.BatchSkipped:
		// Skipped batches never count as failures; the chunk drain above is
		// the whole adjustment.
		d.MarkProcessed = false
	}

	return d
}
