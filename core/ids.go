package core

// VectorID is the stable identifier the store assigns to every face vector.
// It is strictly 32-bit, allowing for max 4 Billion vectors per engine,
// which keeps hot-path structures (bitmaps, heaps) compact.
// IDs are assigned monotonically and are never reused, not even after
// compaction physically removes the record.
type VectorID uint32

// MaxVectorID is the maximum possible value for a VectorID.
const MaxVectorID = ^VectorID(0)
