package facematch

import (
	"log/slog"
	"time"

	"github.com/facekit/facematch/blobstore"
	"github.com/facekit/facematch/codec"
	"github.com/facekit/facematch/index/flat"
	"github.com/facekit/facematch/persistence"
	"github.com/facekit/facematch/resource"
	"github.com/facekit/facematch/wal"
)

const (
	// DefaultDimension matches the embedding size of common face models.
	DefaultDimension = 512

	// DefaultSimilarityThreshold is the minimum cosine similarity for a
	// candidate to count as a match.
	DefaultSimilarityThreshold = 0.75

	// DefaultTopK is the maximum number of ranked results per query.
	DefaultTopK = 10

	// DefaultAmbiguityEpsilon is the similarity band below the top result
	// within which a second owner makes identity discovery ambiguous.
	DefaultAmbiguityEpsilon = 0.02

	// DefaultCompactionRetention is how long tombstoned records are kept
	// before compaction may physically remove them.
	DefaultCompactionRetention = 24 * time.Hour
)

type options struct {
	dimension           int
	similarityThreshold float32
	topK                int
	ambiguityEpsilon    float32
	compactionRetention time.Duration

	walPath    string
	walOptions []func(*wal.Options)

	blobStore           blobstore.Store
	snapshotCompression persistence.Compression
	codec               codec.Codec

	indexOptions   []func(*flat.Options)
	resourceConfig resource.Config

	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures engine construction.
type Option func(*options)

// WithDimension sets the embedding dimensionality. All ingested and queried
// vectors must have exactly this many components.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.dimension = dim
	}
}

// WithSimilarityThreshold sets the default minimum similarity for a match.
// Candidates strictly below the threshold never appear in results.
// Overridable per query via WithQueryThreshold.
func WithSimilarityThreshold(threshold float32) Option {
	return func(o *options) {
		o.similarityThreshold = threshold
	}
}

// WithTopK sets the default maximum number of ranked results per query.
// Overridable per query via WithQueryTopK.
func WithTopK(k int) Option {
	return func(o *options) {
		o.topK = k
	}
}

// WithAmbiguityEpsilon sets the similarity band for ambiguity detection in
// global (identity discovery) queries.
func WithAmbiguityEpsilon(epsilon float32) Option {
	return func(o *options) {
		o.ambiguityEpsilon = epsilon
	}
}

// WithCompactionRetention sets how long tombstoned records survive before a
// compaction pass may physically remove them.
func WithCompactionRetention(retention time.Duration) Option {
	return func(o *options) {
		o.compactionRetention = retention
	}
}

// WithWAL enables write-ahead logging in the given directory. Every ingest
// and delete is journaled before it is applied, making writes durable across
// crashes between snapshots.
func WithWAL(path string, optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walPath = path
		o.walOptions = optFns
	}
}

// WithBlobStore sets the blob store snapshots are persisted to. Without one,
// Persist returns ErrNoSnapshotStore and recovery starts from the WAL alone.
func WithBlobStore(bs blobstore.Store) Option {
	return func(o *options) {
		o.blobStore = bs
	}
}

// WithSnapshotCompression sets the snapshot compression scheme.
// Defaults to zstd.
func WithSnapshotCompression(c persistence.Compression) Option {
	return func(o *options) {
		o.snapshotCompression = c
	}
}

// WithCodec configures the codec used for manifest encoding.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithIndexOptions configures the similarity index scan (partitioning,
// cancellation check interval).
func WithIndexOptions(optFns ...func(*flat.Options)) Option {
	return func(o *options) {
		o.indexOptions = optFns
	}
}

// WithResourceConfig sets throttling limits for background maintenance
// (snapshot persistence, compaction).
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceConfig = cfg
	}
}

// WithMetricsCollector sets a custom metrics collector for monitoring
// engine operations. If not set, NoopMetricsCollector is used.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger sets a custom logger for engine operations.
// If not set, a noop logger is used.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel sets up text logging to stderr at the given level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	opts := options{
		dimension:           DefaultDimension,
		similarityThreshold: DefaultSimilarityThreshold,
		topK:                DefaultTopK,
		ambiguityEpsilon:    DefaultAmbiguityEpsilon,
		compactionRetention: DefaultCompactionRetention,
		snapshotCompression: persistence.CompressionZstd,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = NoopLogger()
	}
	if opts.metricsCollector == nil {
		opts.metricsCollector = NoopMetricsCollector{}
	}
	return opts
}

func (o *options) validate() error {
	if o.dimension <= 0 {
		return &ErrInvalidConfiguration{Field: "dimension", Reason: "must be positive"}
	}
	if o.similarityThreshold < -1 || o.similarityThreshold > 1 {
		return &ErrInvalidConfiguration{Field: "similarity_threshold", Reason: "must be in [-1, 1]"}
	}
	if o.topK <= 0 {
		return &ErrInvalidConfiguration{Field: "top_k", Reason: "must be positive"}
	}
	if o.ambiguityEpsilon < 0 {
		return &ErrInvalidConfiguration{Field: "ambiguity_epsilon", Reason: "must not be negative"}
	}
	if o.compactionRetention < 0 {
		return &ErrInvalidConfiguration{Field: "compaction_retention", Reason: "must not be negative"}
	}
	return nil
}

// globalOverfetchFactor widens the candidate fetch of a global-scope
// query relative to its top-k, so ambiguity detection sees competing
// owners that plain top-k truncation would drop.
const globalOverfetchFactor = 10

// queryConfig holds per-query overrides of the engine defaults.
type queryConfig struct {
	threshold float32
	topK      int
}

// Per-query overrides obey the same bounds as the engine defaults.
func (qc *queryConfig) validate() error {
	if qc.threshold < -1 || qc.threshold > 1 {
		return &ErrInvalidConfiguration{Field: "query_threshold", Reason: "must be in [-1, 1]"}
	}
	if qc.topK <= 0 {
		return &ErrInvalidConfiguration{Field: "query_top_k", Reason: "must be positive"}
	}
	return nil
}

// QueryOption overrides an engine default for a single query, e.g. a
// stricter threshold for identity discovery than for gallery retrieval.
type QueryOption func(*queryConfig)

// WithQueryThreshold overrides the similarity threshold for one query.
func WithQueryThreshold(threshold float32) QueryOption {
	return func(qc *queryConfig) {
		qc.threshold = threshold
	}
}

// WithQueryTopK overrides the maximum result count for one query.
func WithQueryTopK(k int) QueryOption {
	return func(qc *queryConfig) {
		qc.topK = k
	}
}
