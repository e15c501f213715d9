package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vellum-io/vellum/internal/config"
	"github.com/vellum-io/vellum/internal/store"
)

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

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func testScanConfig() config.ScanConfig {
	return config.ScanConfig{
		Interval:         config.Duration(time.Second),
		LeaseStaleness:   config.Duration(10 * time.Minute),
		MaxDocs:          100,
		DefaultBatchSize: 50,
	}
}

func testOutboxConfig() config.OutboxConfig {
	return config.OutboxConfig{
		Interval:       config.Duration(time.Second),
		BackoffBase:    config.Duration(time.Second),
		BackoffCap:     config.Duration(time.Minute),
		MaxRetries:     2,
		PublishWorkers: 4,
	}
}

// seedPipeline inserts an enabled transform, its target, and n documents in
// the source collection with distinct change timestamps.
func seedPipeline(t *testing.T, s *store.Store, batchSize, nDocs int) (*store.Transform, *store.Target) {
	t.Helper()

	ctx := context.Background()

	tr := &store.Transform{
		Owner:              "tenant-a",
		Name:               "notes",
		SourceCollectionID: 10,
		Kind:               store.KindDataset,
		BatchSize:          batchSize,
		Worker:             "default",
		Bucket:             "bucket-a",
		Enabled:            true,
	}
	_, err := s.CreateTransform(ctx, tr)
	require.NoError(t, err)

	target := &store.Target{
		TransformID:        tr.ID,
		SourceCollectionID: 10,
		StoreCollection:    "vs-notes",
		Owner:              "tenant-a",
	}
	_, err = s.CreateTarget(ctx, target)
	require.NoError(t, err)

	for i := 1; i <= nDocs; i++ {
		require.NoError(t, s.UpsertDocument(ctx, &store.Document{
			ID:           int64(i),
			CollectionID: 10,
			Owner:        "tenant-a",
			ContentHash:  "h1",
			CreatedAt:    int64(i * 100),
		}))
	}

	return tr, target
}
