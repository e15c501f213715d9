package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedBatch creates one pending batch with its outbox entry.
func seedBatch(t *testing.T, s *Store, tr *Transform, target *Target, key string, docCount int) {
	t.Helper()

	created, err := s.CreateBatchWithOutbox(context.Background(),
		&Batch{TransformID: tr.ID, BatchKey: key, DocCount: docCount, Owner: tr.Owner},
		&OutboxEntry{
			BatchKind: tr.Kind, TransformID: tr.ID, TargetID: target.ID,
			CollectionID: target.SourceCollectionID, BatchKey: key,
			Bucket: tr.Bucket, Payload: []byte(`{"job_id":"j"}`),
			MaxRetries: 3, Owner: tr.Owner,
		})
	require.NoError(t, err)
	require.True(t, created)
}

func TestCreateBatchWithOutbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr, target := seedTransformTarget(t, s)

	t.Run("creates batch and outbox entry atomically", func(t *testing.T) {
		seedBatch(t, s, tr, target, "key-1", 2)

		b, err := s.GetBatch(ctx, tr.ID, "key-1")
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, BatchPending, b.Status)
		assert.Equal(t, 2, b.DocCount)

		e, err := s.OutboxEntryForBatch(ctx, tr.ID, "key-1")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, OutboxPending, e.Status)
		assert.Equal(t, int64(0), e.NextRetryAt)
	})

	t.Run("duplicate key creates nothing", func(t *testing.T) {
		created, err := s.CreateBatchWithOutbox(ctx,
			&Batch{TransformID: tr.ID, BatchKey: "key-1", DocCount: 2, Owner: tr.Owner},
			&OutboxEntry{
				BatchKind: tr.Kind, TransformID: tr.ID, TargetID: target.ID,
				CollectionID: 10, BatchKey: "key-1", Bucket: tr.Bucket,
				Payload: []byte("{}"), MaxRetries: 3, Owner: tr.Owner,
			})
		require.NoError(t, err)
		assert.False(t, created)

		// Still exactly one outbox entry for the key.
		var count int
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM outbox WHERE transform_id = ? AND batch_key = ?",
			tr.ID, "key-1").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestTransitionBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr, target := seedTransformTarget(t, s)

	t.Run("pending to processing", func(t *testing.T) {
		seedBatch(t, s, tr, target, "t-claim", 2)

		prior, changed, err := s.TransitionBatch(ctx, tr.ID, "t-claim",
			[]BatchStatus{BatchPending}, BatchProcessing, nil)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, BatchPending, prior)
	})

	t.Run("terminal transition wins once", func(t *testing.T) {
		seedBatch(t, s, tr, target, "t-done", 2)

		chunks := 7
		upd := &BatchUpdate{ChunkCount: &chunks, DurationMS: 1500}

		prior, changed, err := s.TransitionBatch(ctx, tr.ID, "t-done",
			[]BatchStatus{BatchPending, BatchProcessing}, BatchSuccess, upd)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, BatchPending, prior)

		// Duplicate delivery of the same terminal result loses the condition.
		prior, changed, err = s.TransitionBatch(ctx, tr.ID, "t-done",
			[]BatchStatus{BatchPending, BatchProcessing}, BatchSuccess, upd)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, BatchSuccess, prior)

		b, err := s.GetBatch(ctx, tr.ID, "t-done")
		require.NoError(t, err)
		assert.Equal(t, BatchSuccess, b.Status)
		assert.Equal(t, 7, b.ChunkCount)
		assert.Equal(t, int64(1500), b.DurationMS)
	})

	t.Run("conflicting terminal results race to one winner", func(t *testing.T) {
		seedBatch(t, s, tr, target, "t-race", 2)

		_, changedSuccess, err := s.TransitionBatch(ctx, tr.ID, "t-race",
			[]BatchStatus{BatchPending, BatchProcessing}, BatchSuccess, nil)
		require.NoError(t, err)

		_, changedFailed, err := s.TransitionBatch(ctx, tr.ID, "t-race",
			[]BatchStatus{BatchPending, BatchProcessing}, BatchFailed,
			&BatchUpdate{Error: "late failure"})
		require.NoError(t, err)

		assert.True(t, changedSuccess)
		assert.False(t, changedFailed)

		b, err := s.GetBatch(ctx, tr.ID, "t-race")
		require.NoError(t, err)
		assert.Equal(t, BatchSuccess, b.Status)
	})

	t.Run("nil chunk count preserves existing value", func(t *testing.T) {
		seedBatch(t, s, tr, target, "t-keep", 2)

		chunks := 9
		_, _, err := s.TransitionBatch(ctx, tr.ID, "t-keep",
			[]BatchStatus{BatchPending}, BatchProcessing, &BatchUpdate{ChunkCount: &chunks})
		require.NoError(t, err)

		_, changed, err := s.TransitionBatch(ctx, tr.ID, "t-keep",
			[]BatchStatus{BatchProcessing}, BatchSuccess, nil)
		require.NoError(t, err)
		require.True(t, changed)

		b, err := s.GetBatch(ctx, tr.ID, "t-keep")
		require.NoError(t, err)
		assert.Equal(t, 9, b.ChunkCount)
	})

	t.Run("unknown batch", func(t *testing.T) {
		_, _, err := s.TransitionBatch(ctx, tr.ID, "no-such-key",
			[]BatchStatus{BatchPending}, BatchProcessing, nil)
		assert.ErrorIs(t, err, ErrBatchNotFound)
	})
}

func TestRetryBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr, target := seedTransformTarget(t, s)

	seedBatch(t, s, tr, target, "r-1", 2)

	t.Run("only failed batches re-arm", func(t *testing.T) {
		retried, err := s.RetryBatch(ctx, tr.ID, "r-1")
		require.NoError(t, err)
		assert.False(t, retried)
	})

	t.Run("failed batch back to pending with attempt bump", func(t *testing.T) {
		_, changed, err := s.TransitionBatch(ctx, tr.ID, "r-1",
			[]BatchStatus{BatchPending}, BatchFailed, &BatchUpdate{Error: "boom"})
		require.NoError(t, err)
		require.True(t, changed)

		retried, err := s.RetryBatch(ctx, tr.ID, "r-1")
		require.NoError(t, err)
		assert.True(t, retried)

		b, err := s.GetBatch(ctx, tr.ID, "r-1")
		require.NoError(t, err)
		assert.Equal(t, BatchPending, b.Status)
		assert.Equal(t, 1, b.Attempt)
		assert.Empty(t, b.Error)
	})
}

func TestListStuckBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr, target := seedTransformTarget(t, s)

	seedBatch(t, s, tr, target, "stuck-1", 1)
	seedBatch(t, s, tr, target, "stuck-2", 1)
	seedBatch(t, s, tr, target, "done-1", 1)

	_, changed, err := s.TransitionBatch(ctx, tr.ID, "done-1",
		[]BatchStatus{BatchPending}, BatchSuccess, nil)
	require.NoError(t, err)
	require.True(t, changed)

	time.Sleep(5 * time.Millisecond)

	stuck, err := s.ListStuckBatches(ctx, NowNano())
	require.NoError(t, err)
	require.Len(t, stuck, 2)

	keys := []string{stuck[0].BatchKey, stuck[1].BatchKey}
	assert.ElementsMatch(t, []string{"stuck-1", "stuck-2"}, keys)

	// A cutoff in the past matches nothing.
	stuck, err = s.ListStuckBatches(ctx, NowNano()-time.Hour.Nanoseconds())
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestCountBatchesByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr, target := seedTransformTarget(t, s)

	seedBatch(t, s, tr, target, "c-1", 1)
	seedBatch(t, s, tr, target, "c-2", 1)
	seedBatch(t, s, tr, target, "c-3", 1)

	_, _, err := s.TransitionBatch(ctx, tr.ID, "c-3",
		[]BatchStatus{BatchPending}, BatchFailed, &BatchUpdate{Error: "x"})
	require.NoError(t, err)

	counts, err := s.CountBatchesByStatus(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[BatchPending])
	assert.Equal(t, 1, counts[BatchFailed])

	keys, err := s.ListFailedBatchKeys(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-3"}, keys)
}
