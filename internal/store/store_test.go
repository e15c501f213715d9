package store

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates an in-memory Store for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testWriter adapts testing.T to io.Writer for slog output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// makeTransform creates a minimal enabled transform for testing.
func makeTransform(name string) *Transform {
	return &Transform{
		Owner:              "tenant-a",
		Name:               name,
		SourceCollectionID: 10,
		Kind:               KindDataset,
		BatchSize:          2,
		Worker:             "default",
		Bucket:             "bucket-a",
		Enabled:            true,
	}
}

// makeTarget creates a target linked to the given transform.
func makeTarget(transformID int64) *Target {
	return &Target{
		TransformID:        transformID,
		SourceCollectionID: 10,
		StoreCollection:    "vs-collection",
		Owner:              "tenant-a",
	}
}

// seedTransformTarget inserts a transform and its target and returns both.
func seedTransformTarget(t *testing.T, s *Store) (*Transform, *Target) {
	t.Helper()

	ctx := context.Background()

	tr := makeTransform("notes")
	_, err := s.CreateTransform(ctx, tr)
	require.NoError(t, err)

	target := makeTarget(tr.ID)
	_, err = s.CreateTarget(ctx, target)
	require.NoError(t, err)

	return tr, target
}

func TestOpen(t *testing.T) {
	t.Run("opens in-memory database", func(t *testing.T) {
		s := newTestStore(t)
		assert.NotNil(t, s.db)
	})

	t.Run("migration creates all tables", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		tables := []string{
			"transforms", "targets", "documents", "batches",
			"outbox", "transform_stats", "reconciliation_runs",
			"reconciliation_lease",
		}

		for _, table := range tables {
			var name string
			err := s.db.QueryRowContext(ctx,
				"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
				table).Scan(&name)
			require.NoError(t, err, "table %s missing", table)
			assert.Equal(t, table, name)
		}
	})

	t.Run("checkpoint succeeds", func(t *testing.T) {
		s := newTestStore(t)
		assert.NoError(t, s.Checkpoint())
	})
}

func TestTransformCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		tr, err := s.GetTransform(ctx, 999)
		assert.NoError(t, err)
		assert.Nil(t, tr)
	})

	t.Run("create and get", func(t *testing.T) {
		tr := makeTransform("notes")
		id, err := s.CreateTransform(ctx, tr)
		require.NoError(t, err)
		assert.Positive(t, id)

		got, err := s.GetTransform(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "notes", got.Name)
		assert.Equal(t, KindDataset, got.Kind)
		assert.True(t, got.Enabled)
	})

	t.Run("list enabled excludes disabled", func(t *testing.T) {
		tr := makeTransform("disabled-one")
		id, err := s.CreateTransform(ctx, tr)
		require.NoError(t, err)

		require.NoError(t, s.SetTransformEnabled(ctx, id, false))

		list, err := s.ListEnabledTransforms(ctx)
		require.NoError(t, err)

		for _, got := range list {
			assert.NotEqual(t, id, got.ID)
		}
	})

	t.Run("owner lookup", func(t *testing.T) {
		tr := makeTransform("owned")
		id, err := s.CreateTransform(ctx, tr)
		require.NoError(t, err)

		owner, err := s.TransformOwner(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "tenant-a", owner)

		owner, err = s.TransformOwner(ctx, 12345)
		require.NoError(t, err)
		assert.Empty(t, owner)
	})

	t.Run("delete cascades", func(t *testing.T) {
		tr, target := seedTransformTarget(t, s)

		created, err := s.CreateBatchWithOutbox(ctx,
			&Batch{TransformID: tr.ID, BatchKey: "cascade-key", DocCount: 1, Owner: tr.Owner},
			&OutboxEntry{
				BatchKind: tr.Kind, TransformID: tr.ID, TargetID: target.ID,
				CollectionID: 10, BatchKey: "cascade-key", Bucket: tr.Bucket,
				Payload: []byte("{}"), MaxRetries: 3, Owner: tr.Owner,
			})
		require.NoError(t, err)
		require.True(t, created)

		require.NoError(t, s.DeleteTransform(ctx, tr.ID))

		b, err := s.GetBatch(ctx, tr.ID, "cascade-key")
		require.NoError(t, err)
		assert.Nil(t, b)

		e, err := s.OutboxEntryForBatch(ctx, tr.ID, "cascade-key")
		require.NoError(t, err)
		assert.Nil(t, e)

		got, err := s.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
