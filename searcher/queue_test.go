package searcher

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facekit/facematch/core"
	"github.com/facekit/facematch/testutil"
)

func TestTopK(t *testing.T) {
	t.Run("KeepsBestK", func(t *testing.T) {
		q := NewTopK(3)
		sims := []float32{0.1, 0.9, 0.5, 0.7, 0.3, 0.8}
		for i, s := range sims {
			q.Push(Item{ID: core.VectorID(i), Similarity: s})
		}

		out := q.Drain()
		require.Len(t, out, 3)
		assert.Equal(t, float32(0.9), out[0].Similarity)
		assert.Equal(t, float32(0.8), out[1].Similarity)
		assert.Equal(t, float32(0.7), out[2].Similarity)
	})

	t.Run("UnderCapacity", func(t *testing.T) {
		q := NewTopK(10)
		q.Push(Item{ID: 1, Similarity: 0.2})
		q.Push(Item{ID: 2, Similarity: 0.4})

		out := q.Drain()
		require.Len(t, out, 2)
		assert.Equal(t, core.VectorID(2), out[0].ID)
		assert.Equal(t, core.VectorID(1), out[1].ID)
	})

	t.Run("WorstTracking", func(t *testing.T) {
		q := NewTopK(2)
		_, ok := q.Worst()
		assert.False(t, ok)

		q.Push(Item{ID: 1, Similarity: 0.5})
		q.Push(Item{ID: 2, Similarity: 0.9})
		worst, ok := q.Worst()
		require.True(t, ok)
		assert.Equal(t, float32(0.5), worst)
		assert.True(t, q.Full())

		// Better item evicts the worst.
		q.Push(Item{ID: 3, Similarity: 0.7})
		worst, _ = q.Worst()
		assert.Equal(t, float32(0.7), worst)
	})

	t.Run("MatchesFullSort", func(t *testing.T) {
		rng := testutil.NewRNG(7)
		const n, k = 1000, 16

		q := NewTopK(k)
		all := make([]float32, n)
		for i := range all {
			all[i] = rng.Float32()
			q.Push(Item{ID: core.VectorID(i), Similarity: all[i]})
		}
		sort.Slice(all, func(i, j int) bool { return all[i] > all[j] })

		out := q.Drain()
		require.Len(t, out, k)
		for i, item := range out {
			assert.Equal(t, all[i], item.Similarity)
		}
	})
}
