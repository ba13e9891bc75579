package facematch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facekit/facematch/core"
	"github.com/facekit/facematch/distance"
	"github.com/facekit/facematch/index/flat"
	"github.com/facekit/facematch/manifest"
	"github.com/facekit/facematch/model"
	"github.com/facekit/facematch/persistence"
	"github.com/facekit/facematch/rank"
	"github.com/facekit/facematch/resource"
	"github.com/facekit/facematch/store"
	"github.com/facekit/facematch/wal"
)

// Outcome classifies a query result.
type Outcome int

const (
	// OutcomeMatched means at least one image matched above the threshold
	// with an unambiguous owner.
	OutcomeMatched Outcome = iota + 1

	// OutcomeNoMatch means the query ran but nothing cleared the threshold.
	// A valid result, not an error: "no match" is different from
	// "couldn't check".
	OutcomeNoMatch

	// OutcomeNoFace means zero usable embeddings were supplied.
	OutcomeNoFace

	// OutcomeAmbiguous means identity discovery found two or more owners
	// within epsilon of the top similarity. The engine never breaks such a
	// tie silently; the caller decides (e.g. asks for a second scan).
	OutcomeAmbiguous
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeNoFace:
		return "no_face"
	case OutcomeAmbiguous:
		return "ambiguous"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// IngestResult reports what happened to one ingested image.
type IngestResult struct {
	// VectorIDs are the IDs of the stored face vectors, in face order.
	VectorIDs []core.VectorID

	// SkippedDegenerate counts embeddings dropped because their norm was
	// too small to normalize.
	SkippedDegenerate int

	// NoFace is true when zero embeddings were supplied. Nothing was
	// stored; the caller can inform the uploader.
	NoFace bool
}

// QueryResult is the outcome of one query.
type QueryResult struct {
	Outcome Outcome

	// Matches holds the ranked results (OutcomeMatched and, for context,
	// OutcomeAmbiguous).
	Matches []model.MatchResult

	// CandidateUsers names the owners that are statistically
	// indistinguishable as the best match (OutcomeAmbiguous only), best
	// first.
	CandidateUsers []string
}

// Stats is a point-in-time summary of the engine state.
type Stats struct {
	Dimension         int
	LiveVectors       int
	TombstonedVectors int
	Users             int
	WALSeqNum         uint64
}

// Engine is the face-embedding match engine. It is safe for concurrent use:
// queries never block each other, writes are serialized internally.
type Engine struct {
	opts options

	store *store.Store
	index *flat.Index
	wal   *wal.WAL             // nil when journaling is disabled
	snaps *persistence.Manager // nil when no blob store is configured
	rc    *resource.Controller

	logger  *Logger
	metrics MetricsCollector

	// writeMu orders the journal append before the store apply so the WAL
	// always carries the IDs the store will assign.
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// New creates an engine and, when persistence is configured, recovers its
// state from the latest snapshot plus the write-ahead log. A snapshot that
// fails integrity validation blocks startup with an error wrapping
// ErrCorruptSnapshot.
func New(ctx context.Context, optFns ...Option) (*Engine, error) {
	opts := applyOptions(optFns)
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s, err := store.New(opts.dimension)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:    opts,
		store:   s,
		index:   flat.New(s, opts.indexOptions...),
		rc:      resource.NewController(opts.resourceConfig),
		logger:  opts.logger,
		metrics: opts.metricsCollector,
	}

	if opts.blobStore != nil {
		e.snaps = persistence.NewManager(opts.blobStore, opts.codec, e.rc)
	}

	if opts.walPath != "" {
		walOpts := append([]func(*wal.Options){func(o *wal.Options) {
			o.Path = opts.walPath
		}}, opts.walOptions...)
		w, err := wal.New(walOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		e.wal = w
	}

	if err := e.recover(ctx); err != nil {
		if e.wal != nil {
			_ = e.wal.Close()
		}
		return nil, err
	}

	return e, nil
}

// recover restores the store from the current snapshot and replays the WAL
// tail on top of it. Replay is idempotent: entries already covered by the
// snapshot resolve to duplicate IDs and are skipped.
func (e *Engine) recover(ctx context.Context) error {
	restored := 0

	if e.snaps != nil {
		_, err := e.snaps.LoadCurrent(ctx, func(rec model.VectorRecord) error {
			restored++
			return e.store.Restore(rec)
		})
		if err != nil {
			e.logger.LogRecovery(ctx, restored, 0, err)
			return err
		}
	}

	replayed := 0
	if e.wal != nil {
		n, err := e.wal.Replay(func(entry wal.Entry) error {
			return e.applyEntry(entry)
		})
		replayed = n
		if err != nil {
			e.logger.LogRecovery(ctx, restored, replayed, err)
			return fmt.Errorf("WAL replay failed: %w", err)
		}
	}

	if restored > 0 || replayed > 0 {
		e.logger.LogRecovery(ctx, restored, replayed, nil)
	}
	return nil
}

func (e *Engine) applyEntry(entry wal.Entry) error {
	switch entry.Type {
	case wal.OpIngest:
		for _, re := range entry.Records {
			err := e.store.Restore(model.VectorRecord{
				ID:          re.ID,
				OwnerUserID: entry.OwnerUserID,
				ImageID:     entry.ImageID,
				Vector:      re.Vector,
				CreatedAt:   entry.At,
			})
			if errors.Is(err, store.ErrDuplicateID) {
				// Already covered by the snapshot.
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	case wal.OpTombstone:
		e.store.Tombstone(entry.ImageID)
		return nil
	case wal.OpTombstoneUser:
		e.store.TombstoneUser(entry.OwnerUserID)
		return nil
	default:
		return fmt.Errorf("unknown WAL operation type %d", entry.Type)
	}
}

// Ingest stores the face embeddings of one uploaded image for the given
// owner. Zero embeddings is not an error: the result reports NoFace and
// nothing is stored. Degenerate embeddings are skipped individually; only if
// every supplied embedding is degenerate does the call fail with
// ErrDegenerateVector.
//
// On success every stored vector is durably journaled before the call
// returns (subject to the WAL durability mode).
func (e *Engine) Ingest(ctx context.Context, ownerUserID, imageID string, embeddings [][]float32) (*IngestResult, error) {
	start := time.Now()
	res, err := e.ingest(ctx, ownerUserID, imageID, embeddings)

	inserted, skipped := 0, 0
	if res != nil {
		inserted, skipped = len(res.VectorIDs), res.SkippedDegenerate
	}
	e.metrics.RecordIngest(inserted, skipped, time.Since(start), err)
	e.logger.LogIngest(ctx, imageID, inserted, skipped, err)

	return res, err
}

func (e *Engine) ingest(ctx context.Context, ownerUserID, imageID string, embeddings [][]float32) (*IngestResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if ownerUserID == "" {
		return nil, store.ErrEmptyOwner
	}
	if imageID == "" {
		return nil, store.ErrEmptyImageID
	}
	if len(embeddings) == 0 {
		return &IngestResult{NoFace: true}, nil
	}

	vectors, skipped, err := e.normalizeAll(embeddings)
	if err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.wal != nil {
		base := e.store.PeekNextID()
		entry := &wal.Entry{
			Type:        wal.OpIngest,
			OwnerUserID: ownerUserID,
			ImageID:     imageID,
			At:          time.Now().UTC(),
			Records:     make([]wal.RecordEntry, len(vectors)),
		}
		for i, v := range vectors {
			entry.Records[i] = wal.RecordEntry{ID: base + core.VectorID(i), Vector: v}
		}
		if _, err := e.wal.Append(entry); err != nil {
			return nil, fmt.Errorf("failed to journal ingest: %w", err)
		}
	}

	ids := make([]core.VectorID, 0, len(vectors))
	for _, v := range vectors {
		id, err := e.store.Insert(ownerUserID, imageID, v)
		if err != nil {
			// Inputs were validated and normalized above; an insert
			// failure here means the store and journal have diverged.
			return nil, fmt.Errorf("insert after journal append: %w", err)
		}
		ids = append(ids, id)
	}

	return &IngestResult{VectorIDs: ids, SkippedDegenerate: skipped}, nil
}

// normalizeAll normalizes every embedding, dropping degenerate ones. It
// fails only when nothing survives.
func (e *Engine) normalizeAll(embeddings [][]float32) ([][]float32, int, error) {
	vectors := make([][]float32, 0, len(embeddings))
	skipped := 0
	for _, emb := range embeddings {
		if len(emb) != e.opts.dimension {
			return nil, 0, &store.ErrDimensionMismatch{Expected: e.opts.dimension, Actual: len(emb)}
		}
		v, ok := distance.NormalizeL2Copy(emb)
		if !ok {
			skipped++
			continue
		}
		vectors = append(vectors, v)
	}
	if len(vectors) == 0 {
		return nil, skipped, ErrDegenerateVector
	}
	return vectors, skipped, nil
}

// IngestItem is one image in a batch ingest.
type IngestItem struct {
	OwnerUserID string
	ImageID     string
	Embeddings  [][]float32
}

// IngestBatch ingests several images, used for bulk backfills. Items are
// ingested independently: a failing item does not stop the rest. The
// returned slice is aligned with items (nil where that item failed) and the
// error joins the per-item failures, each annotated with its image ID.
func (e *Engine) IngestBatch(ctx context.Context, items []IngestItem) ([]*IngestResult, error) {
	results := make([]*IngestResult, len(items))
	var errs []error
	for i, item := range items {
		res, err := e.Ingest(ctx, item.OwnerUserID, item.ImageID, item.Embeddings)
		if err != nil {
			errs = append(errs, fmt.Errorf("image %q: %w", item.ImageID, err))
			continue
		}
		results[i] = res
	}

	e.logger.LogIngestBatch(ctx, len(items), len(errs))
	return results, errors.Join(errs...)
}

// Query searches the live vectors visible in one consistent snapshot.
//
// With a global scope the engine performs identity discovery: when two or
// more owners sit within the ambiguity epsilon of the top similarity the
// outcome is OutcomeAmbiguous and CandidateUsers names them. With a user
// scope only that user's vectors are eligible, enforced before truncation
// to top-k.
//
// A multi-face scan matches an image through its best face: results from
// all query faces are fused per image by maximum similarity.
func (e *Engine) Query(ctx context.Context, embeddings [][]float32, scope model.Scope, optFns ...QueryOption) (*QueryResult, error) {
	start := time.Now()
	res, err := e.query(ctx, embeddings, scope, optFns)

	outcome, results := Outcome(0), 0
	if res != nil {
		outcome, results = res.Outcome, len(res.Matches)
	}
	e.metrics.RecordQuery(outcome, results, time.Since(start), err)
	e.logger.LogQuery(ctx, scopeLabel(scope), outcome, results, err)

	return res, err
}

func (e *Engine) query(ctx context.Context, embeddings [][]float32, scope model.Scope, optFns []QueryOption) (*QueryResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	qc := queryConfig{
		threshold: e.opts.similarityThreshold,
		topK:      e.opts.topK,
	}
	for _, fn := range optFns {
		fn(&qc)
	}
	if err := qc.validate(); err != nil {
		return nil, err
	}

	if len(embeddings) == 0 {
		return &QueryResult{Outcome: OutcomeNoFace}, nil
	}

	vectors, _, err := e.normalizeAll(embeddings)
	if err != nil {
		return nil, err
	}

	// One snapshot for all faces: the whole query observes a single
	// consistent point in time.
	snap := e.store.Snapshot()

	// Global queries fetch a wider candidate set: ambiguity detection
	// must see a competing owner even when a single owner has enough
	// vectors to fill the whole top-k.
	searchK := qc.topK
	if scope.IsGlobal() {
		searchK *= globalOverfetchFactor
	}

	ranked := make([][]model.MatchResult, 0, len(vectors))
	for _, v := range vectors {
		candidates, err := e.index.SearchSnapshot(ctx, snap, v, searchK, scope)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, rank.Rank(snap, candidates, qc.threshold))
	}

	matches := ranked[0]
	if len(ranked) > 1 {
		matches = rank.MergeByImage(ranked...)
	}

	if len(matches) == 0 {
		return &QueryResult{Outcome: OutcomeNoMatch}, nil
	}

	// Ambiguity is judged on the untruncated list.
	var candidates []string
	if scope.IsGlobal() {
		candidates = rank.DetectAmbiguity(matches, e.opts.ambiguityEpsilon)
	}

	if len(matches) > qc.topK {
		matches = matches[:qc.topK]
	}

	if candidates != nil {
		return &QueryResult{
			Outcome:        OutcomeAmbiguous,
			Matches:        matches,
			CandidateUsers: candidates,
		}, nil
	}

	return &QueryResult{Outcome: OutcomeMatched, Matches: matches}, nil
}

// Delete tombstones all live vectors of the image and returns how many were
// affected. Idempotent; deleting an unknown image returns 0. The tombstone
// is journaled before it is applied.
func (e *Engine) Delete(ctx context.Context, imageID string) (int, error) {
	start := time.Now()
	count, err := e.delete(ctx, imageID)

	e.metrics.RecordDelete(count, time.Since(start), err)
	e.logger.LogDelete(ctx, imageID, count, err)

	return count, err
}

func (e *Engine) delete(_ context.Context, imageID string) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if imageID == "" {
		return 0, store.ErrEmptyImageID
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.wal != nil {
		entry := &wal.Entry{
			Type:    wal.OpTombstone,
			ImageID: imageID,
			At:      time.Now().UTC(),
		}
		if _, err := e.wal.Append(entry); err != nil {
			return 0, fmt.Errorf("failed to journal tombstone: %w", err)
		}
	}

	return e.store.Tombstone(imageID), nil
}

// DeleteUser tombstones every live vector owned by the user and returns how
// many were affected. Used for account deletion. Idempotent; an unknown user
// returns 0. The tombstone is journaled before it is applied.
func (e *Engine) DeleteUser(ctx context.Context, ownerUserID string) (int, error) {
	start := time.Now()
	count, err := e.deleteUser(ctx, ownerUserID)

	e.metrics.RecordDelete(count, time.Since(start), err)
	e.logger.LogDeleteUser(ctx, ownerUserID, count, err)

	return count, err
}

func (e *Engine) deleteUser(_ context.Context, ownerUserID string) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if ownerUserID == "" {
		return 0, store.ErrEmptyOwner
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.wal != nil {
		entry := &wal.Entry{
			Type:        wal.OpTombstoneUser,
			OwnerUserID: ownerUserID,
			At:          time.Now().UTC(),
		}
		if _, err := e.wal.Append(entry); err != nil {
			return 0, fmt.Errorf("failed to journal user tombstone: %w", err)
		}
	}

	return e.store.TombstoneUser(ownerUserID), nil
}

// Persist writes a consistent snapshot of the store to the blob store, flips
// the manifest to it and returns the manifest as the snapshot handle. It
// runs against a point-in-time view and never blocks concurrent traffic for
// its duration. After a successful snapshot the WAL is checkpointed, unless
// new writes arrived meanwhile.
func (e *Engine) Persist(ctx context.Context) (*manifest.Manifest, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if e.snaps == nil {
		return nil, ErrNoSnapshotStore
	}

	if err := e.rc.AcquireMaintenance(ctx); err != nil {
		return nil, err
	}
	defer e.rc.ReleaseMaintenance()

	start := time.Now()

	var seq uint64
	if e.wal != nil {
		seq = e.wal.SeqNum()
	}
	snap := e.store.Snapshot()

	m, err := e.snaps.Persist(ctx, snap.Dimension(), snap.Records(), e.opts.snapshotCompression, seq)
	if err != nil {
		e.metrics.RecordSnapshot(0, time.Since(start), err)
		e.logger.LogSnapshot(ctx, "", 0, err)
		return nil, err
	}

	// Checkpoint only if nothing new was journaled during the snapshot;
	// otherwise the tail still carries entries the snapshot missed.
	// Replay stays idempotent either way.
	if e.wal != nil && e.wal.SeqNum() == seq {
		if err := e.wal.Checkpoint(); err != nil {
			return nil, fmt.Errorf("failed to checkpoint WAL: %w", err)
		}
	}

	e.metrics.RecordSnapshot(m.RecordCount, time.Since(start), nil)
	e.logger.LogSnapshot(ctx, m.Snapshot, m.RecordCount, nil)
	return m, nil
}

// Compact physically discards tombstoned records older than the retention
// horizon and returns how many were removed. Out-of-band housekeeping,
// never required for correctness.
func (e *Engine) Compact(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}

	if err := e.rc.AcquireMaintenance(ctx); err != nil {
		return 0, err
	}
	defer e.rc.ReleaseMaintenance()

	start := time.Now()
	horizon := time.Now().UTC().Add(-e.opts.compactionRetention)
	removed := e.store.Compact(horizon)

	e.metrics.RecordCompaction(removed, time.Since(start))
	if removed > 0 {
		e.logger.LogCompaction(ctx, removed)
	}
	return removed, nil
}

// Stats returns a consistent point-in-time summary.
func (e *Engine) Stats() Stats {
	snap := e.store.Snapshot()
	st := Stats{
		Dimension:         snap.Dimension(),
		LiveVectors:       snap.LiveCount(),
		TombstonedVectors: snap.TombstonedCount(),
		Users:             snap.UserCount(),
	}
	if e.wal != nil {
		st.WALSeqNum = e.wal.SeqNum()
	}
	return st
}

// Close persists a final snapshot (when a blob store is configured) and
// closes the WAL. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closeMu.Unlock()

	var errs []error
	if e.snaps != nil {
		if _, err := e.Persist(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	e.closeMu.Lock()
	e.closed = true
	e.closeMu.Unlock()

	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) checkOpen() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func scopeLabel(scope model.Scope) string {
	if scope.IsGlobal() {
		return "global"
	}
	return scope.UserID
}
