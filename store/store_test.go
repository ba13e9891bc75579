package store_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facekit/facematch/core"
	"github.com/facekit/facematch/model"
	"github.com/facekit/facematch/store"
	"github.com/facekit/facematch/testutil"
)

const dim = 64

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(dim)
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	_, err := store.New(0)
	require.Error(t, err)

	var ed *store.ErrInvalidDimension
	assert.ErrorAs(t, err, &ed)
	assert.Equal(t, 0, ed.Dimension)
}

func TestInsert(t *testing.T) {
	rng := testutil.NewRNG(1)

	t.Run("MonotonicIDs", func(t *testing.T) {
		s := newStore(t)
		for i := range 5 {
			id, err := s.Insert("u1", "img1", rng.UnitVector(dim))
			require.NoError(t, err)
			assert.Equal(t, core.VectorID(i), id)
		}
		assert.Equal(t, 5, s.Snapshot().LiveCount())
	})

	t.Run("RejectsNotNormalized", func(t *testing.T) {
		s := newStore(t)
		raw := rng.Vector(dim)
		for i := range raw {
			raw[i] *= 3
		}
		_, err := s.Insert("u1", "img1", raw)
		assert.ErrorIs(t, err, store.ErrNotNormalized)
	})

	t.Run("RejectsWrongDimension", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert("u1", "img1", rng.UnitVector(dim+1))

		var dm *store.ErrDimensionMismatch
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, dim, dm.Expected)
		assert.Equal(t, dim+1, dm.Actual)
	})

	t.Run("RejectsEmptyIdentifiers", func(t *testing.T) {
		s := newStore(t)
		v := rng.UnitVector(dim)

		_, err := s.Insert("", "img1", v)
		assert.ErrorIs(t, err, store.ErrEmptyOwner)

		_, err = s.Insert("u1", "", v)
		assert.ErrorIs(t, err, store.ErrEmptyImageID)
	})

	t.Run("CopiesVector", func(t *testing.T) {
		s := newStore(t)
		v := rng.UnitVector(dim)
		id, err := s.Insert("u1", "img1", v)
		require.NoError(t, err)

		v[0] = 42 // caller mutates its slice after insert

		stored, ok := s.Snapshot().Vector(id)
		require.True(t, ok)
		assert.NotEqual(t, float32(42), stored[0])
	})
}

func TestTombstone(t *testing.T) {
	rng := testutil.NewRNG(2)

	t.Run("MarksAllFacesOfImage", func(t *testing.T) {
		s := newStore(t)
		// Two faces in img1, one in img2.
		_, err := s.Insert("u1", "img1", rng.UnitVector(dim))
		require.NoError(t, err)
		_, err = s.Insert("u1", "img1", rng.UnitVector(dim))
		require.NoError(t, err)
		keep, err := s.Insert("u1", "img2", rng.UnitVector(dim))
		require.NoError(t, err)

		assert.Equal(t, 2, s.Tombstone("img1"))

		snap := s.Snapshot()
		assert.Equal(t, 1, snap.LiveCount())
		assert.Equal(t, 2, snap.TombstonedCount())
		assert.True(t, snap.Live().Contains(uint32(keep)))
	})

	t.Run("Idempotent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert("u1", "img1", rng.UnitVector(dim))
		require.NoError(t, err)

		assert.Equal(t, 1, s.Tombstone("img1"))
		assert.Equal(t, 0, s.Tombstone("img1"))
		assert.Equal(t, 0, s.Tombstone("unknown"))
	})

	t.Run("ExistingSnapshotUnaffected", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Insert("u1", "img1", rng.UnitVector(dim))
		require.NoError(t, err)

		before := s.Snapshot()
		s.Tombstone("img1")

		rec, ok := before.Record(id)
		require.True(t, ok)
		assert.False(t, rec.Tombstoned)
		assert.Equal(t, 1, before.LiveCount())

		after := s.Snapshot()
		rec, ok = after.Record(id)
		require.True(t, ok)
		assert.True(t, rec.Tombstoned)
		assert.False(t, rec.TombstonedAt.IsZero())
	})

	t.Run("RemovesUserPosting", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert("u1", "img1", rng.UnitVector(dim))
		require.NoError(t, err)

		s.Tombstone("img1")
		assert.Nil(t, s.Snapshot().UserPosting("u1"))
	})
}

func TestTombstoneUser(t *testing.T) {
	rng := testutil.NewRNG(7)

	t.Run("MarksAllVectorsOfUser", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert("u1", "img1", rng.UnitVector(dim))
		require.NoError(t, err)
		_, err = s.Insert("u1", "img2", rng.UnitVector(dim))
		require.NoError(t, err)
		keep, err := s.Insert("u2", "img3", rng.UnitVector(dim))
		require.NoError(t, err)

		assert.Equal(t, 2, s.TombstoneUser("u1"))

		snap := s.Snapshot()
		assert.Equal(t, 1, snap.LiveCount())
		assert.Equal(t, 2, snap.TombstonedCount())
		assert.True(t, snap.Live().Contains(uint32(keep)))
		assert.Nil(t, snap.UserPosting("u1"))
	})

	t.Run("Idempotent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert("u1", "img1", rng.UnitVector(dim))
		require.NoError(t, err)

		assert.Equal(t, 1, s.TombstoneUser("u1"))
		assert.Equal(t, 0, s.TombstoneUser("u1"))
		assert.Equal(t, 0, s.TombstoneUser("unknown"))
	})

	t.Run("RemovesImagePostings", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert("u1", "img1", rng.UnitVector(dim))
		require.NoError(t, err)

		s.TombstoneUser("u1")
		assert.Equal(t, 0, s.Tombstone("img1"))
	})

	t.Run("SharedImageKeepsOtherOwner", func(t *testing.T) {
		s := newStore(t)
		// Two people in the same photo, stored under different owners.
		_, err := s.Insert("u1", "img1", rng.UnitVector(dim))
		require.NoError(t, err)
		_, err = s.Insert("u2", "img1", rng.UnitVector(dim))
		require.NoError(t, err)

		assert.Equal(t, 1, s.TombstoneUser("u1"))
		assert.Equal(t, 1, s.Tombstone("img1"))
	})
}

func TestCompact(t *testing.T) {
	rng := testutil.NewRNG(3)

	s := newStore(t)
	id1, err := s.Insert("u1", "img1", rng.UnitVector(dim))
	require.NoError(t, err)
	id2, err := s.Insert("u1", "img2", rng.UnitVector(dim))
	require.NoError(t, err)

	s.Tombstone("img1")

	t.Run("HorizonInPast", func(t *testing.T) {
		assert.Equal(t, 0, s.Compact(time.Now().Add(-time.Hour)))
		assert.Equal(t, 1, s.Snapshot().TombstonedCount())
	})

	t.Run("DiscardsExpiredTombstones", func(t *testing.T) {
		assert.Equal(t, 1, s.Compact(time.Now().Add(time.Hour)))

		snap := s.Snapshot()
		assert.Equal(t, 0, snap.TombstonedCount())
		_, ok := snap.Record(id1)
		assert.False(t, ok)
		_, ok = snap.Record(id2)
		assert.True(t, ok)
	})

	t.Run("NeverReusesIDs", func(t *testing.T) {
		id3, err := s.Insert("u1", "img3", rng.UnitVector(dim))
		require.NoError(t, err)
		assert.Greater(t, id3, id2)
		assert.Greater(t, id3, id1)
	})
}

func TestRestore(t *testing.T) {
	rng := testutil.NewRNG(4)

	t.Run("PreservesIDsAndTombstones", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()

		require.NoError(t, s.Restore(model.VectorRecord{
			ID: 3, OwnerUserID: "u1", ImageID: "img1",
			Vector: rng.UnitVector(dim), CreatedAt: now,
		}))
		require.NoError(t, s.Restore(model.VectorRecord{
			ID: 7, OwnerUserID: "u2", ImageID: "img2",
			Vector: rng.UnitVector(dim), CreatedAt: now,
			Tombstoned: true, TombstonedAt: now,
		}))

		snap := s.Snapshot()
		assert.Equal(t, 1, snap.LiveCount())
		assert.Equal(t, 1, snap.TombstonedCount())

		// Next insert must advance past the highest restored ID.
		id, err := s.Insert("u1", "img3", rng.UnitVector(dim))
		require.NoError(t, err)
		assert.Equal(t, core.VectorID(8), id)
	})

	t.Run("RejectsDuplicateID", func(t *testing.T) {
		s := newStore(t)
		rec := model.VectorRecord{
			ID: 1, OwnerUserID: "u1", ImageID: "img1",
			Vector: rng.UnitVector(dim),
		}
		require.NoError(t, s.Restore(rec))
		assert.ErrorIs(t, s.Restore(rec), store.ErrDuplicateID)
	})
}

func TestSnapshotRecords(t *testing.T) {
	rng := testutil.NewRNG(5)
	s := newStore(t)

	for i := range 4 {
		_, err := s.Insert("u1", "img", rng.UnitVector(dim))
		require.NoError(t, err, i)
	}
	s.Tombstone("img")

	var ids []core.VectorID
	for rec := range s.Snapshot().Records() {
		ids = append(ids, rec.ID)
		assert.True(t, rec.Tombstoned)
	}
	assert.Equal(t, []core.VectorID{0, 1, 2, 3}, ids)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	rng := testutil.NewRNG(6)
	s := newStore(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	// Readers continuously take snapshots and verify internal consistency:
	// every live ID must resolve to a fully populated, non-tombstoned record.
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				it := snap.Live().Iterator()
				for it.HasNext() {
					rec, ok := snap.Record(core.VectorID(it.Next()))
					if !ok || rec.Tombstoned || len(rec.Vector) != dim || rec.OwnerUserID == "" {
						t.Error("inconsistent snapshot observed")
						return
					}
				}
			}
		}()
	}

	vectors := rng.UnitVectors(200, dim)
	for i, v := range vectors {
		_, err := s.Insert("u1", "img", v)
		require.NoError(t, err)
		if i%10 == 9 {
			s.Tombstone("img")
		}
	}
	close(stop)
	wg.Wait()
}
