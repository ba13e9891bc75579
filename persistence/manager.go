package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/facekit/facematch/blobstore"
	"github.com/facekit/facematch/codec"
	"github.com/facekit/facematch/manifest"
	"github.com/facekit/facematch/model"
	"github.com/facekit/facematch/resource"
)

// Manager persists snapshots to a blob store and tracks the current one
// through a manifest. It does not know about the WAL beyond carrying the
// sequence number the snapshot covers.
type Manager struct {
	blobs     blobstore.Store
	manifests *manifest.Store
	rc        *resource.Controller
}

// NewManager creates a snapshot manager. rc may be nil for unthrottled IO.
func NewManager(blobs blobstore.Store, c codec.Codec, rc *resource.Controller) *Manager {
	return &Manager{
		blobs:     blobs,
		manifests: manifest.NewStore(blobs, c),
		rc:        rc,
	}
}

// Persist writes a new snapshot blob and flips the manifest to it.
// records must yield a consistent view; walSeqNum is the last WAL sequence
// number the view covers.
func (m *Manager) Persist(ctx context.Context, dimension int, records func(yield func(model.VectorRecord) bool), compression Compression, walSeqNum uint64) (*manifest.Manifest, error) {
	var buf bytes.Buffer

	info, err := Save(resource.NewLimitedWriter(ctx, &buf, m.rc), dimension, records, compression)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	prev, err := m.manifests.Load(ctx)
	if err != nil {
		return nil, err
	}

	cur := &manifest.Manifest{
		Dimension:   info.Dimension,
		RecordCount: int(info.RecordCount),
		Checksum:    info.Checksum,
		WALSeqNum:   walSeqNum,
		CreatedAt:   info.CreatedAt,
	}
	if prev != nil {
		cur.ID = prev.ID
	}
	cur.Snapshot = fmt.Sprintf("snapshots/%06d.snap", cur.ID+1)

	if err := m.blobs.Put(ctx, cur.Snapshot, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write snapshot blob: %w", err)
	}

	if err := m.manifests.Save(ctx, cur); err != nil {
		return nil, err
	}

	// The superseded snapshot is unreachable once the manifest points past
	// it. Best effort.
	if prev != nil && prev.Snapshot != cur.Snapshot {
		_ = m.blobs.Delete(ctx, prev.Snapshot)
	}

	return cur, nil
}

// LoadCurrent restores the snapshot named by the current manifest, applying
// each record in insertion order. Returns (nil, nil) when no snapshot has
// been persisted yet. Any corruption surfaces as an error wrapping
// ErrCorrupt; callers must treat that as fatal rather than serving partial
// state.
func (m *Manager) LoadCurrent(ctx context.Context, apply func(model.VectorRecord) error) (*manifest.Manifest, error) {
	cur, err := m.manifests.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, nil
	}

	blob, err := m.blobs.Open(ctx, cur.Snapshot)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: manifest names missing snapshot %q", ErrCorrupt, cur.Snapshot)
		}
		return nil, err
	}
	defer blob.Close()

	if err := m.rc.AcquireIO(ctx, int(blob.Size())); err != nil {
		return nil, err
	}

	data, err := blobstore.ReadBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %q: %w", cur.Snapshot, err)
	}

	info, err := Load(data, apply)
	if err != nil {
		return nil, err
	}

	if info.Checksum != cur.Checksum {
		return nil, fmt.Errorf("%w: snapshot checksum %08x does not match manifest %08x", ErrCorrupt, info.Checksum, cur.Checksum)
	}

	return cur, nil
}
