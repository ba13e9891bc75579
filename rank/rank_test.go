package rank_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facekit/facematch/core"
	"github.com/facekit/facematch/model"
	"github.com/facekit/facematch/rank"
	"github.com/facekit/facematch/store"
	"github.com/facekit/facematch/testutil"
)

const dim = 32

// seed inserts one vector per (user, image) pair and returns the snapshot
// plus the assigned IDs keyed by image.
func seed(t *testing.T, pairs [][2]string) (*store.Snapshot, map[string]core.VectorID) {
	t.Helper()
	rng := testutil.NewRNG(20)

	s, err := store.New(dim)
	require.NoError(t, err)

	ids := make(map[string]core.VectorID, len(pairs))
	for _, p := range pairs {
		id, err := s.Insert(p[0], p[1], rng.UnitVector(dim))
		require.NoError(t, err)
		ids[p[1]] = id
	}
	return s.Snapshot(), ids
}

func TestRank(t *testing.T) {
	snap, ids := seed(t, [][2]string{
		{"u1", "img1"},
		{"u2", "img2"},
		{"u1", "img3"},
	})

	t.Run("ThresholdIsStrict", func(t *testing.T) {
		got := rank.Rank(snap, []model.Candidate{
			{ID: ids["img1"], Similarity: 0.75}, // equal to threshold: kept
			{ID: ids["img2"], Similarity: 0.7499},
		}, 0.75)

		require.Len(t, got, 1)
		assert.Equal(t, "img1", got[0].ImageID)
	})

	t.Run("LoweringThresholdOnlyAdds", func(t *testing.T) {
		candidates := []model.Candidate{
			{ID: ids["img1"], Similarity: 0.9},
			{ID: ids["img2"], Similarity: 0.8},
			{ID: ids["img3"], Similarity: 0.6},
		}
		strict := rank.Rank(snap, candidates, 0.75)
		loose := rank.Rank(snap, candidates, 0.5)

		require.Len(t, strict, 2)
		require.Len(t, loose, 3)
		for i, m := range strict {
			assert.Equal(t, m.ImageID, loose[i].ImageID)
		}
	})

	t.Run("DeterministicTieBreak", func(t *testing.T) {
		forward := []model.Candidate{
			{ID: ids["img1"], Similarity: 0.8},
			{ID: ids["img3"], Similarity: 0.8},
		}
		reversed := []model.Candidate{forward[1], forward[0]}

		a := rank.Rank(snap, forward, 0.5)
		b := rank.Rank(snap, reversed, 0.5)
		require.Equal(t, a, b)

		// Equal similarity: ascending image ID wins.
		require.Len(t, a, 2)
		assert.Equal(t, "img1", a[0].ImageID)
		assert.Equal(t, 1, a[0].Rank)
		assert.Equal(t, "img3", a[1].ImageID)
		assert.Equal(t, 2, a[1].Rank)
	})

	t.Run("RanksAssignedAfterFiltering", func(t *testing.T) {
		got := rank.Rank(snap, []model.Candidate{
			{ID: ids["img1"], Similarity: 0.92},
			{ID: ids["img2"], Similarity: 0.3},
			{ID: ids["img3"], Similarity: 0.85},
		}, 0.75)

		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].Rank)
		assert.Equal(t, 2, got[1].Rank)
		assert.Equal(t, "img1", got[0].ImageID)
		assert.Equal(t, "img3", got[1].ImageID)
	})

	t.Run("MultiFaceImageCollapses", func(t *testing.T) {
		rng := testutil.NewRNG(21)
		s, err := store.New(dim)
		require.NoError(t, err)

		a, err := s.Insert("u1", "group-photo", rng.UnitVector(dim))
		require.NoError(t, err)
		b, err := s.Insert("u1", "group-photo", rng.UnitVector(dim))
		require.NoError(t, err)

		got := rank.Rank(s.Snapshot(), []model.Candidate{
			{ID: a, Similarity: 0.8},
			{ID: b, Similarity: 0.9},
		}, 0.75)

		require.Len(t, got, 1)
		assert.Equal(t, "group-photo", got[0].ImageID)
		assert.Equal(t, float32(0.9), got[0].Similarity)
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Empty(t, rank.Rank(snap, nil, 0.75))
	})
}

func TestMergeByImage(t *testing.T) {
	a := []model.MatchResult{
		{ImageID: "img1", OwnerUserID: "u1", Similarity: 0.9, Rank: 1},
		{ImageID: "img2", OwnerUserID: "u1", Similarity: 0.8, Rank: 2},
	}
	b := []model.MatchResult{
		{ImageID: "img2", OwnerUserID: "u1", Similarity: 0.95, Rank: 1},
	}

	got := rank.MergeByImage(a, b)
	require.Len(t, got, 2)
	assert.Equal(t, "img2", got[0].ImageID)
	assert.Equal(t, float32(0.95), got[0].Similarity)
	assert.Equal(t, 1, got[0].Rank)
	assert.Equal(t, "img1", got[1].ImageID)
	assert.Equal(t, 2, got[1].Rank)
}

func TestDetectAmbiguity(t *testing.T) {
	t.Run("ClearWinner", func(t *testing.T) {
		// Gap 0.12 > epsilon 0.02: unambiguous.
		got := rank.DetectAmbiguity([]model.MatchResult{
			{ImageID: "img1", OwnerUserID: "u1", Similarity: 0.92, Rank: 1},
			{ImageID: "img2", OwnerUserID: "u2", Similarity: 0.80, Rank: 2},
		}, 0.02)
		assert.Nil(t, got)
	})

	t.Run("TwoUsersWithinEpsilon", func(t *testing.T) {
		got := rank.DetectAmbiguity([]model.MatchResult{
			{ImageID: "img-a", OwnerUserID: "u_b", Similarity: 0.760, Rank: 1},
			{ImageID: "img-b", OwnerUserID: "u_a", Similarity: 0.751, Rank: 2},
		}, 0.02)
		assert.Equal(t, []string{"u_b", "u_a"}, got)
	})

	t.Run("SameUserTwiceIsNotAmbiguous", func(t *testing.T) {
		got := rank.DetectAmbiguity([]model.MatchResult{
			{ImageID: "img1", OwnerUserID: "u1", Similarity: 0.90, Rank: 1},
			{ImageID: "img2", OwnerUserID: "u1", Similarity: 0.89, Rank: 2},
		}, 0.02)
		assert.Nil(t, got)
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Nil(t, rank.DetectAmbiguity(nil, 0.02))
	})
}
