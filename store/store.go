// Package store implements the vector store: an append-mostly collection
// mapping stable vector IDs to owned, normalized face embeddings.
//
// The store uses a copy-on-write pattern for lock-free concurrent reads:
// every mutation clones the current immutable state under a single write
// lock and publishes the clone atomically. Readers take one state pointer
// and observe a fully consistent point in time; a record is either fully
// present or fully absent, never half-written.
package store

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/facekit/facematch/core"
	"github.com/facekit/facematch/distance"
	"github.com/facekit/facematch/model"
)

// unitNormTolerance bounds how far a stored vector's norm may drift from 1.
// Inserts are expected to come from the normalizer; this guards against
// callers bypassing it.
const unitNormTolerance = 1e-3

// state holds the immutable store contents for lock-free reads.
type state struct {
	// records is indexed by VectorID. Entries become nil only when
	// compaction physically removes a tombstoned record; IDs are never
	// reused, so the slice only grows.
	records []*model.VectorRecord

	// live holds the IDs visible to search.
	live *roaring.Bitmap

	// tombstoned holds soft-deleted IDs awaiting compaction.
	tombstoned *roaring.Bitmap

	// byUser maps owner user ID to that user's live postings.
	// Bitmaps referenced here are immutable; mutations clone them.
	byUser map[string]*roaring.Bitmap

	// byImage maps image ID to its live postings, making
	// tombstone-by-image independent of a full scan.
	byImage map[string]*roaring.Bitmap
}

// Store is the vector store. Writes are serialized (single-writer
// discipline); reads never block.
type Store struct {
	dimension int

	writeMu sync.Mutex
	state   atomic.Pointer[state]
	nextID  core.VectorID // guarded by writeMu

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates an empty store for vectors of the given dimension.
func New(dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dimension}
	}

	s := &Store{
		dimension: dimension,
		now:       time.Now,
	}
	s.state.Store(&state{
		records:    make([]*model.VectorRecord, 0),
		live:       roaring.New(),
		tombstoned: roaring.New(),
		byUser:     make(map[string]*roaring.Bitmap),
		byImage:    make(map[string]*roaring.Bitmap),
	})
	return s, nil
}

// Dimension returns the fixed vector dimensionality.
func (s *Store) Dimension() int { return s.dimension }

// getState returns the current immutable state (lock-free read).
func (s *Store) getState() *state {
	return s.state.Load()
}

// cloneState copies the slice and bitmap headers for copy-on-write.
// Per-user and per-image bitmaps are cloned lazily by the mutation that
// touches them; the maps themselves are shallow-copied.
func cloneState(st *state) *state {
	records := make([]*model.VectorRecord, len(st.records))
	copy(records, st.records)

	byUser := make(map[string]*roaring.Bitmap, len(st.byUser))
	for k, v := range st.byUser {
		byUser[k] = v
	}
	byImage := make(map[string]*roaring.Bitmap, len(st.byImage))
	for k, v := range st.byImage {
		byImage[k] = v
	}

	return &state{
		records:    records,
		live:       st.live.Clone(),
		tombstoned: st.tombstoned.Clone(),
		byUser:     byUser,
		byImage:    byImage,
	}
}

// Insert adds one normalized vector for the given owner and image and
// returns its newly assigned ID. IDs are monotonically increasing and
// never reused.
func (s *Store) Insert(ownerUserID, imageID string, vector []float32) (core.VectorID, error) {
	if err := s.validate(ownerUserID, imageID, vector); err != nil {
		return 0, err
	}

	rec := &model.VectorRecord{
		OwnerUserID: ownerUserID,
		ImageID:     imageID,
		Vector:      cloneVector(vector),
		CreatedAt:   s.now().UTC(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec.ID = s.nextID
	s.nextID++

	newState := cloneState(s.getState())
	newState.records = append(newState.records, rec)
	newState.live.Add(uint32(rec.ID))
	addPosting(newState.byUser, rec.OwnerUserID, rec.ID)
	addPosting(newState.byImage, rec.ImageID, rec.ID)

	s.state.Store(newState)
	return rec.ID, nil
}

// Restore re-inserts a record recovered from a snapshot or journal replay,
// preserving its original ID and tombstone status. The next assigned ID
// advances past every restored one.
func (s *Store) Restore(rec model.VectorRecord) error {
	if len(rec.Vector) != s.dimension {
		return &ErrDimensionMismatch{Expected: s.dimension, Actual: len(rec.Vector)}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st := s.getState()
	if int(rec.ID) < len(st.records) && st.records[rec.ID] != nil {
		return fmt.Errorf("%w: vector id %d", ErrDuplicateID, rec.ID)
	}

	stored := rec
	stored.Vector = cloneVector(rec.Vector)

	newState := cloneState(st)
	for int(stored.ID) >= len(newState.records) {
		newState.records = append(newState.records, nil)
	}
	newState.records[stored.ID] = &stored

	if stored.Tombstoned {
		newState.tombstoned.Add(uint32(stored.ID))
	} else {
		newState.live.Add(uint32(stored.ID))
		addPosting(newState.byUser, stored.OwnerUserID, stored.ID)
		addPosting(newState.byImage, stored.ImageID, stored.ID)
	}

	if stored.ID >= s.nextID {
		s.nextID = stored.ID + 1
	}

	s.state.Store(newState)
	return nil
}

// PeekNextID returns the ID the next Insert will assign. Only meaningful
// while the caller serializes writes externally, e.g. to journal an entry
// under its own write lock before applying it.
func (s *Store) PeekNextID() core.VectorID {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.nextID
}

// Tombstone marks all live records of the image as deleted and returns how
// many were affected. Idempotent: re-tombstoning returns 0.
func (s *Store) Tombstone(imageID string) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st := s.getState()
	posting, ok := st.byImage[imageID]
	if !ok || posting.IsEmpty() {
		return 0
	}

	now := s.now().UTC()
	newState := cloneState(st)

	count := 0
	it := posting.Iterator()
	for it.HasNext() {
		id := it.Next()
		old := newState.records[id]
		if old == nil || old.Tombstoned {
			continue
		}

		// Immutable record replacement, never in-place mutation: a
		// concurrent reader keeps seeing the old record untouched.
		dead := *old
		dead.Tombstoned = true
		dead.TombstonedAt = now
		newState.records[id] = &dead

		newState.live.Remove(id)
		newState.tombstoned.Add(id)
		removePosting(newState.byUser, dead.OwnerUserID, core.VectorID(id))
		count++
	}
	delete(newState.byImage, imageID)

	s.state.Store(newState)
	return count
}

// TombstoneUser marks every live record owned by the user as deleted and
// returns how many were affected. Used for account deletion. Idempotent:
// re-tombstoning returns 0.
func (s *Store) TombstoneUser(ownerUserID string) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st := s.getState()
	posting, ok := st.byUser[ownerUserID]
	if !ok || posting.IsEmpty() {
		return 0
	}

	now := s.now().UTC()
	newState := cloneState(st)

	count := 0
	it := posting.Iterator()
	for it.HasNext() {
		id := it.Next()
		old := newState.records[id]
		if old == nil || old.Tombstoned {
			continue
		}

		dead := *old
		dead.Tombstoned = true
		dead.TombstonedAt = now
		newState.records[id] = &dead

		newState.live.Remove(id)
		newState.tombstoned.Add(id)
		removePosting(newState.byImage, dead.ImageID, core.VectorID(id))
		count++
	}
	delete(newState.byUser, ownerUserID)

	s.state.Store(newState)
	return count
}

// Compact physically discards tombstoned records whose tombstone is older
// than the horizon. It returns the number of records removed. Compaction
// is out-of-band housekeeping and never required for correctness.
func (s *Store) Compact(horizon time.Time) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st := s.getState()
	if st.tombstoned.IsEmpty() {
		return 0
	}

	newState := cloneState(st)

	count := 0
	it := st.tombstoned.Iterator()
	for it.HasNext() {
		id := it.Next()
		rec := newState.records[id]
		if rec == nil || !rec.TombstonedAt.Before(horizon) {
			continue
		}
		newState.records[id] = nil
		newState.tombstoned.Remove(id)
		count++
	}

	if count == 0 {
		return 0
	}
	s.state.Store(newState)
	return count
}

func (s *Store) validate(ownerUserID, imageID string, vector []float32) error {
	if ownerUserID == "" {
		return ErrEmptyOwner
	}
	if imageID == "" {
		return ErrEmptyImageID
	}
	if len(vector) != s.dimension {
		return &ErrDimensionMismatch{Expected: s.dimension, Actual: len(vector)}
	}
	if norm := distance.Norm(vector); norm < 1-unitNormTolerance || norm > 1+unitNormTolerance {
		return fmt.Errorf("%w: norm %f", ErrNotNormalized, norm)
	}
	return nil
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func addPosting(m map[string]*roaring.Bitmap, key string, id core.VectorID) {
	if existing, ok := m[key]; ok {
		clone := existing.Clone()
		clone.Add(uint32(id))
		m[key] = clone
		return
	}
	bm := roaring.New()
	bm.Add(uint32(id))
	m[key] = bm
}

func removePosting(m map[string]*roaring.Bitmap, key string, id core.VectorID) {
	existing, ok := m[key]
	if !ok {
		return
	}
	clone := existing.Clone()
	clone.Remove(uint32(id))
	if clone.IsEmpty() {
		delete(m, key)
		return
	}
	m[key] = clone
}

// Snapshot returns a consistent point-in-time view of the store. The view
// is immutable and stays valid for as long as the caller holds it,
// regardless of concurrent writes.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{state: s.getState(), dimension: s.dimension}
}

// Snapshot is an immutable point-in-time view of the store, shared by
// search and persistence.
type Snapshot struct {
	state     *state
	dimension int
}

// Dimension returns the fixed vector dimensionality.
func (sn *Snapshot) Dimension() int { return sn.dimension }

// LiveCount returns the number of live (searchable) records.
func (sn *Snapshot) LiveCount() int { return int(sn.state.live.GetCardinality()) }

// TombstonedCount returns the number of records awaiting compaction.
func (sn *Snapshot) TombstonedCount() int { return int(sn.state.tombstoned.GetCardinality()) }

// UserCount returns the number of distinct users with live vectors.
func (sn *Snapshot) UserCount() int { return len(sn.state.byUser) }

// Record returns the record for the given ID, if it exists (live or
// tombstoned). The returned value is a copy.
func (sn *Snapshot) Record(id core.VectorID) (model.VectorRecord, bool) {
	if int(id) >= len(sn.state.records) || sn.state.records[id] == nil {
		return model.VectorRecord{}, false
	}
	return *sn.state.records[id], true
}

// Vector returns the stored vector for the given ID without copying.
// The slice must be treated as read-only.
func (sn *Snapshot) Vector(id core.VectorID) ([]float32, bool) {
	if int(id) >= len(sn.state.records) || sn.state.records[id] == nil {
		return nil, false
	}
	return sn.state.records[id].Vector, true
}

// Live returns the bitmap of live vector IDs. Treat as read-only.
func (sn *Snapshot) Live() *roaring.Bitmap { return sn.state.live }

// UserPosting returns the live postings for one user, or nil if the user
// has no live vectors. Treat as read-only.
func (sn *Snapshot) UserPosting(userID string) *roaring.Bitmap {
	return sn.state.byUser[userID]
}

// Records yields every physically present record (live and tombstoned) in
// ascending ID order. Used for persistence and index rebuilds.
func (sn *Snapshot) Records() iter.Seq[model.VectorRecord] {
	return func(yield func(model.VectorRecord) bool) {
		for _, rec := range sn.state.records {
			if rec == nil {
				continue
			}
			if !yield(*rec) {
				return
			}
		}
	}
}
