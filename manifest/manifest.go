// Package manifest tracks which snapshot blob is the current one.
//
// Every Persist produces a new snapshot blob plus a manifest describing it;
// the CURRENT blob is then flipped to name the new manifest. Recovery reads
// CURRENT, the manifest, and finally the snapshot it points at.
package manifest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/facekit/facematch/blobstore"
	"github.com/facekit/facematch/codec"
)

const (
	// CurrentBlobName is the pointer blob naming the active manifest.
	CurrentBlobName = "CURRENT"

	// CurrentVersion is the manifest schema version.
	CurrentVersion = 1
)

// Manifest describes one persisted snapshot of the engine.
type Manifest struct {
	Version     int       `json:"version"`
	ID          uint64    `json:"id"`
	Snapshot    string    `json:"snapshot"`
	Dimension   int       `json:"dimension"`
	RecordCount int       `json:"record_count"`
	Checksum    uint32    `json:"checksum"`
	WALSeqNum   uint64    `json:"wal_seq_num"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store manages manifests in a blob store with atomic CURRENT updates.
type Store struct {
	mu    sync.Mutex
	blobs blobstore.Store
	codec codec.Codec
}

// NewStore creates a manifest store. A nil codec falls back to codec.Default.
func NewStore(blobs blobstore.Store, c codec.Codec) *Store {
	if c == nil {
		c = codec.Default
	}
	return &Store{blobs: blobs, codec: c}
}

// Load returns the current manifest, or nil if none has been saved yet.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := blobstore.ReadAll(ctx, s.blobs, CurrentBlobName)
	if err != nil {
		if err == blobstore.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read CURRENT: %w", err)
	}

	name := strings.TrimSpace(string(current))
	if name == "" {
		return nil, fmt.Errorf("CURRENT blob is empty")
	}

	data, err := blobstore.ReadAll(ctx, s.blobs, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %q: %w", name, err)
	}

	var m Manifest
	if err := s.codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %q: %w", name, err)
	}

	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d (expected %d)", m.Version, CurrentVersion)
	}

	return &m, nil
}

// Save writes m as a new manifest blob and flips CURRENT to it. The manifest
// blob is written before CURRENT, so a crash between the two leaves the old
// manifest active.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.ID++

	name := fmt.Sprintf("MANIFEST-%06d.%s", m.ID, s.codec.Name())

	data, err := s.codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := s.blobs.Put(ctx, name, data); err != nil {
		return fmt.Errorf("failed to write manifest %q: %w", name, err)
	}

	if err := s.blobs.Put(ctx, CurrentBlobName, []byte(name)); err != nil {
		return fmt.Errorf("failed to update CURRENT: %w", err)
	}

	// Previous manifests are garbage once CURRENT moves on. Best effort;
	// an orphaned manifest blob is harmless.
	if m.ID > 1 {
		prev := fmt.Sprintf("MANIFEST-%06d.%s", m.ID-1, s.codec.Name())
		_ = s.blobs.Delete(ctx, prev)
	}

	return nil
}
