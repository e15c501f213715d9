package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListScannableTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("standalone targets excluded", func(t *testing.T) {
		_, err := s.CreateTarget(ctx, &Target{
			StoreCollection: "pushed-directly", Owner: "tenant-a",
		})
		require.NoError(t, err)

		targets, err := s.ListScannableTargets(ctx)
		require.NoError(t, err)
		assert.Empty(t, targets)
	})

	t.Run("disabled transform targets excluded", func(t *testing.T) {
		tr, target := seedTransformTarget(t, s)

		targets, err := s.ListScannableTargets(ctx)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, target.ID, targets[0].ID)

		require.NoError(t, s.SetTransformEnabled(ctx, tr.ID, false))

		targets, err = s.ListScannableTargets(ctx)
		require.NoError(t, err)
		assert.Empty(t, targets)
	})
}

func TestScanLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, target := seedTransformTarget(t, s)

	staleness := (10 * time.Minute).Nanoseconds()

	t.Run("acquire and competing acquire", func(t *testing.T) {
		now := NowNano()

		acquired, err := s.AcquireScanLease(ctx, target.ID, now, now-staleness)
		require.NoError(t, err)
		assert.True(t, acquired)

		// A second instance loses while the lease is fresh.
		now2 := NowNano()
		acquired, err = s.AcquireScanLease(ctx, target.ID, now2, now2-staleness)
		require.NoError(t, err)
		assert.False(t, acquired)
	})

	t.Run("stale lease is reclaimable", func(t *testing.T) {
		// Pretend the holder acquired far in the past by using a cutoff in
		// the future of the held timestamp.
		now := NowNano()
		acquired, err := s.AcquireScanLease(ctx, target.ID, now, now+1)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("release only by holder", func(t *testing.T) {
		got, err := s.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		heldAt := got.LeaseAcquiredAt

		// Release with a mismatched timestamp is a no-op.
		require.NoError(t, s.ReleaseScanLease(ctx, target.ID, heldAt-1))

		got, err = s.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		assert.Equal(t, heldAt, got.LeaseAcquiredAt)

		// Matching release clears the lease.
		require.NoError(t, s.ReleaseScanLease(ctx, target.ID, heldAt))

		got, err = s.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		assert.Zero(t, got.LeaseAcquiredAt)
	})
}

func TestAdvanceWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, target := seedTransformTarget(t, s)

	t.Run("moves forward", func(t *testing.T) {
		require.NoError(t, s.AdvanceWatermark(ctx, target.ID, 100, 5))

		got, err := s.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), got.WatermarkTS)
		assert.Equal(t, int64(5), got.WatermarkDocID)
	})

	t.Run("same timestamp advances on doc id", func(t *testing.T) {
		require.NoError(t, s.AdvanceWatermark(ctx, target.ID, 100, 9))

		got, err := s.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), got.WatermarkTS)
		assert.Equal(t, int64(9), got.WatermarkDocID)
	})

	t.Run("older cursor never rewinds", func(t *testing.T) {
		require.NoError(t, s.AdvanceWatermark(ctx, target.ID, 50, 99))
		require.NoError(t, s.AdvanceWatermark(ctx, target.ID, 100, 3))

		got, err := s.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), got.WatermarkTS)
		assert.Equal(t, int64(9), got.WatermarkDocID)
	})

	t.Run("explicit reset rewinds to zero", func(t *testing.T) {
		require.NoError(t, s.ResetWatermark(ctx, target.ID))

		got, err := s.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		assert.Zero(t, got.WatermarkTS)
		assert.Zero(t, got.WatermarkDocID)
	})
}
