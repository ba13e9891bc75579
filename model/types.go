package model

import (
	"time"

	"github.com/facekit/facematch/core"
)

// Scope restricts a search to the vectors of a single user or to all users.
// The zero value is the global scope (identity discovery).
type Scope struct {
	UserID string
}

// Global is the unrestricted scope used for identity discovery.
var Global = Scope{}

// IsGlobal reports whether the scope spans all users.
func (s Scope) IsGlobal() bool { return s.UserID == "" }

// User returns a scope restricted to a single user's vectors.
func User(userID string) Scope { return Scope{UserID: userID} }

// VectorRecord is one stored face vector together with its ownership facts.
// Records are immutable after insertion; tombstoning replaces visibility
// bookkeeping in the store, never the record itself.
type VectorRecord struct {
	// ID is assigned by the store at insert time and never reused.
	ID core.VectorID

	// OwnerUserID is the user the owning image belongs to.
	// Ownership is supplied by the caller and trusted as-is.
	OwnerUserID string

	// ImageID identifies the image this face was detected in.
	// Several records may share an ImageID (one per detected face).
	ImageID string

	// Vector is the L2-normalized embedding. Unit norm is an invariant:
	// the store refuses anything the normalizer has not produced.
	Vector []float32

	// Tombstoned marks the record as deleted. Tombstoned records never
	// appear in search results but survive until compaction.
	Tombstoned bool

	// CreatedAt is the insertion time.
	CreatedAt time.Time

	// TombstonedAt is when the record was tombstoned (zero if live).
	// Compaction only discards tombstones older than the retention horizon.
	TombstonedAt time.Time
}

// Candidate is a raw index hit before ranking.
type Candidate struct {
	ID         core.VectorID
	Similarity float32
}

// MatchResult is one ranked query hit. Produced fresh per query,
// never persisted.
type MatchResult struct {
	ImageID     string
	OwnerUserID string

	// Similarity is the inner product of two unit vectors, in [-1, 1].
	Similarity float32

	// Rank is 1-based, assigned after threshold filtering and sorting.
	Rank int
}
