// Package testutil provides deterministic fixtures for engine tests:
// a seeded RNG, unit-vector generators and a canned embedder that stands in
// for the external face model.
package testutil

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/facekit/facematch/distance"
	"github.com/facekit/facematch/internal/math32"
)

// RNG encapsulates a seeded random number generator. It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), //nolint:gosec // deterministic fixtures
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns, as a float32, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// FillUniform fills dst with random values in range [0, 1).
// Locks only once per call (preferred over calling Float32 in a loop).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// FillUniformRange fills dst with random values in range [minVal, maxVal).
func (r *RNG) FillUniformRange(dst []float32, minVal, maxVal float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span := maxVal - minVal
	for i := range dst {
		dst[i] = minVal + r.rand.Float32()*span
	}
}

// Vector generates one random raw embedding of the given dimension with
// components in [-1, 1).
func (r *RNG) Vector(dim int) []float32 {
	v := make([]float32, dim)
	r.FillUniformRange(v, -1, 1)
	return v
}

// UnitVector generates one random L2-normalized embedding.
func (r *RNG) UnitVector(dim int) []float32 {
	for {
		v := r.Vector(dim)
		if distance.NormalizeL2InPlace(v) {
			return v
		}
	}
}

// UnitVectors generates num random L2-normalized embeddings.
func (r *RNG) UnitVectors(num, dim int) [][]float32 {
	out := make([][]float32, num)
	for i := range out {
		out[i] = r.UnitVector(dim)
	}
	return out
}

// SimilarTo returns a unit vector whose cosine similarity to the unit
// vector base is approximately sim. Useful for constructing candidates at
// known distances from a query.
func SimilarTo(base []float32, sim float32, rng *RNG) []float32 {
	// Pick a random direction, remove its component along base, then blend.
	ortho := rng.Vector(len(base))
	proj := distance.Dot(ortho, base)
	for i := range ortho {
		ortho[i] -= proj * base[i]
	}
	if !distance.NormalizeL2InPlace(ortho) {
		return SimilarTo(base, sim, rng)
	}

	out := make([]float32, len(base))
	var orthoScale float32
	if s := 1 - sim*sim; s > 0 {
		orthoScale = math32.Sqrt(s)
	}
	for i := range out {
		out[i] = sim*base[i] + orthoScale*ortho[i]
	}
	distance.NormalizeL2InPlace(out)
	return out
}

// FixtureEmbedder is a canned stand-in for the external face model.
// It returns the configured embeddings per image key and optionally delays
// or fails, for timeout and failure-path tests.
type FixtureEmbedder struct {
	mu         sync.Mutex
	embeddings map[string][][]float32
	delay      time.Duration
	err        error
}

// NewFixtureEmbedder creates an empty fixture embedder.
func NewFixtureEmbedder() *FixtureEmbedder {
	return &FixtureEmbedder{
		embeddings: make(map[string][][]float32),
	}
}

// Add registers the embeddings returned for the given image bytes.
func (e *FixtureEmbedder) Add(image []byte, embeddings ...[]float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.embeddings[string(image)] = embeddings
}

// SetDelay makes every Embed call sleep before returning, honoring ctx.
func (e *FixtureEmbedder) SetDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

// SetError makes every Embed call fail with err.
func (e *FixtureEmbedder) SetError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Embed returns the canned embeddings for the image. Unknown images yield
// zero embeddings, which the pipelines treat as "no face detected".
func (e *FixtureEmbedder) Embed(ctx context.Context, image []byte) ([][]float32, error) {
	e.mu.Lock()
	delay, err := e.delay, e.err
	embs := e.embeddings[string(image)]
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return embs, nil
}
