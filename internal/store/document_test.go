package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedDoc upserts one document with explicit timestamps.
func seedDoc(t *testing.T, s *Store, id, collectionID, createdAt, updatedAt int64) {
	t.Helper()

	require.NoError(t, s.UpsertDocument(context.Background(), &Document{
		ID:           id,
		CollectionID: collectionID,
		Owner:        "tenant-a",
		ContentHash:  "h",
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}))
}

func TestListChangedDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three documents sharing a change timestamp, one later, one never
	// updated (falls back to created_at).
	seedDoc(t, s, 1, 10, 100, 500)
	seedDoc(t, s, 2, 10, 100, 500)
	seedDoc(t, s, 3, 10, 100, 500)
	seedDoc(t, s, 4, 10, 100, 900)
	seedDoc(t, s, 5, 10, 300, 0)
	seedDoc(t, s, 6, 99, 100, 800) // different collection

	t.Run("zero cursor returns everything in order", func(t *testing.T) {
		docs, err := s.ListChangedDocuments(ctx, 10, 0, 0, 100)
		require.NoError(t, err)
		require.Len(t, docs, 5)

		ids := make([]int64, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}

		// created-only doc 5 (ts 300) sorts between the ts-500 group and
		// doc 4 at ts 900.
		assert.Equal(t, []int64{5, 1, 2, 3, 4}, ids)
	})

	t.Run("id tiebreak resumes inside a timestamp group", func(t *testing.T) {
		docs, err := s.ListChangedDocuments(ctx, 10, 500, 1, 100)
		require.NoError(t, err)
		require.Len(t, docs, 3)
		assert.Equal(t, int64(2), docs[0].ID)
		assert.Equal(t, int64(3), docs[1].ID)
		assert.Equal(t, int64(4), docs[2].ID)
	})

	t.Run("cursor past the last change returns nothing", func(t *testing.T) {
		docs, err := s.ListChangedDocuments(ctx, 10, 900, 4, 100)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("limit bounds the page", func(t *testing.T) {
		docs, err := s.ListChangedDocuments(ctx, 10, 0, 0, 2)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, int64(5), docs[0].ID)
		assert.Equal(t, int64(1), docs[1].ID)
	})

	t.Run("upsert bumps change time", func(t *testing.T) {
		seedDoc(t, s, 1, 10, 100, 1000)

		docs, err := s.ListChangedDocuments(ctx, 10, 900, 4, 100)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, int64(1), docs[0].ID)
	})
}
