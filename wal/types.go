package wal

import (
	"time"

	"github.com/facekit/facematch/core"
)

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync represents asynchronous durability.
	// No fsync, fastest writes but risk of data loss on crash.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit represents group commit durability.
	// Appends block until a batched fsync covers their sequence number,
	// amortizing fsync cost across concurrent ingests.
	// Recommended for most production workloads.
	DurabilityGroupCommit

	// DurabilitySync represents synchronous durability.
	// fsync after every operation. Slowest but strongest guarantee.
	DurabilitySync
)

// OperationType represents the type of operation in the WAL.
type OperationType uint8

const (
	// OpIngest records every face vector of one ingested image as a single
	// atomic entry. A crash can never leave an image half-ingested in the
	// journal: either the whole entry replays or none of it does.
	OpIngest OperationType = iota + 1

	// OpTombstone records the soft deletion of one image.
	OpTombstone

	// OpTombstoneUser records the soft deletion of every vector owned by
	// one user (account deletion). ImageID is empty, records are absent.
	OpTombstoneUser
)

// RecordEntry is one face vector inside an ingest entry.
type RecordEntry struct {
	ID     core.VectorID
	Vector []float32
}

// Entry represents a single entry in the WAL.
type Entry struct {
	Type   OperationType
	SeqNum uint64

	// OwnerUserID and ImageID identify the ingested image (OpIngest)
	// or the tombstoned image (OpTombstone, owner empty).
	OwnerUserID string
	ImageID     string

	// At is the creation time (OpIngest) or tombstone time (OpTombstone).
	At time.Time

	// Records carries the ingested face vectors (OpIngest only).
	Records []RecordEntry
}

// Options contains configuration for the WAL.
type Options struct {
	// Path is the directory where the WAL file is stored.
	Path string

	// Compress enables zstd compression of entry payloads.
	// Worth it for 512-d vectors; each ingest entry is a few KiB raw.
	Compress bool

	// DurabilityMode controls fsync behavior. Default: DurabilitySync.
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the flush period for DurabilityGroupCommit.
	GroupCommitInterval time.Duration
}

// DefaultOptions contains the default configuration options for the WAL.
var DefaultOptions = Options{
	DurabilityMode:      DurabilitySync,
	GroupCommitInterval: 5 * time.Millisecond,
}
