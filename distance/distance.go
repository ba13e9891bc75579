// Package distance provides vector similarity and normalization primitives.
//
// Face similarity is the inner product of two unit-normalized embeddings,
// equivalent to cosine similarity. Normalization rejects degenerate vectors
// so that a near-zero embedding can never enter the store and attract every
// query to a meaningless direction.
package distance

import (
	"slices"

	"github.com/facekit/facematch/internal/math32"
)

// DegenerateEpsilon is the smallest L2 norm a raw embedding may have before
// normalization fails. Embeddings below it carry no usable direction.
const DegenerateEpsilon = 1e-6

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
// For unit vectors this is the cosine similarity, in [-1, 1].
func Dot(a, b []float32) float32 {
	return math32.Dot(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	return math32.SquaredL2(a, b)
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	return math32.Sqrt(math32.Dot(v, v))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v is degenerate (norm < DegenerateEpsilon).
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm := math32.Sqrt(math32.Dot(v, v))
	if norm < DegenerateEpsilon {
		return false
	}
	math32.ScaleInPlace(v, 1/norm)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src is degenerate; src is never modified.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}
