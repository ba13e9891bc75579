package blobstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facekit/facematch/blobstore"
)

func testStore(t *testing.T, s blobstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.Open(ctx, "missing")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("PutOpenRoundTrip", func(t *testing.T) {
		want := []byte("snapshot-bytes")
		require.NoError(t, s.Put(ctx, "snapshots/0001.fms", want))

		blob, err := s.Open(ctx, "snapshots/0001.fms")
		require.NoError(t, err)
		defer blob.Close()

		assert.Equal(t, int64(len(want)), blob.Size())
		got, err := blobstore.ReadBlob(blob)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "name", []byte("v1")))
		require.NoError(t, s.Put(ctx, "name", []byte("v2")))

		blob, err := s.Open(ctx, "name")
		require.NoError(t, err)
		defer blob.Close()
		got, err := blobstore.ReadBlob(blob)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "gone", []byte("x")))
		require.NoError(t, s.Delete(ctx, "gone"))
		require.NoError(t, s.Delete(ctx, "gone")) // idempotent

		_, err := s.Open(ctx, "gone")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})
}

func TestLocalStore(t *testing.T) {
	s, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, blobstore.NewMemoryStore())
}
