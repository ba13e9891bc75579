package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facekit/facematch/blobstore"
)

func TestStore_LoadEmpty(t *testing.T) {
	s := NewStore(blobstore.NewMemoryStore(), nil)

	m, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blobstore.NewMemoryStore(), nil)

	in := &Manifest{
		Snapshot:    "snapshots/000001.snap",
		Dimension:   512,
		RecordCount: 42,
		Checksum:    0xDEADBEEF,
		WALSeqNum:   107,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.Save(ctx, in))

	out, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, in.Snapshot, out.Snapshot)
	require.Equal(t, in.Dimension, out.Dimension)
	require.Equal(t, in.RecordCount, out.RecordCount)
	require.Equal(t, in.Checksum, out.Checksum)
	require.Equal(t, in.WALSeqNum, out.WALSeqNum)
	require.Equal(t, uint64(1), out.ID)
	require.Equal(t, CurrentVersion, out.Version)
}

func TestStore_SaveSupersedes(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	s := NewStore(blobs, nil)

	m := &Manifest{Snapshot: "snapshots/000001.snap", Dimension: 512}
	require.NoError(t, s.Save(ctx, m))

	m.Snapshot = "snapshots/000002.snap"
	require.NoError(t, s.Save(ctx, m))

	out, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "snapshots/000002.snap", out.Snapshot)
	require.Equal(t, uint64(2), out.ID)

	// The superseded manifest blob has been cleaned up.
	_, err = blobs.Open(ctx, "MANIFEST-000001.json")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestStore_LoadRejectsUnknownVersion(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	require.NoError(t, blobs.Put(ctx, "MANIFEST-000001.json", []byte(`{"version":99,"snapshot":"x"}`)))
	require.NoError(t, blobs.Put(ctx, CurrentBlobName, []byte("MANIFEST-000001.json")))

	_, err := NewStore(blobs, nil).Load(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported manifest version")
}

func TestStore_LoadDanglingCurrent(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	require.NoError(t, blobs.Put(ctx, CurrentBlobName, []byte("MANIFEST-000009.json")))

	_, err := NewStore(blobs, nil).Load(ctx)
	require.Error(t, err)
}
