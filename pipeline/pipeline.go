// Package pipeline orchestrates the engine around the external face model:
// image bytes go in, the embedder produces zero or more embeddings, and the
// engine stores or matches them.
//
// The embedder is the only component expected to be slow or to hang, so both
// pipelines bound it with a caller-configurable timeout. A timeout or
// embedder failure never mutates the engine; retry policy belongs to the
// caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facekit/facematch"
	"github.com/facekit/facematch/model"
)

// DefaultEmbedTimeout bounds a single embedder call.
const DefaultEmbedTimeout = 10 * time.Second

var (
	// ErrEmbedder wraps a failure of the external embedding model.
	// Retryable by the caller.
	ErrEmbedder = errors.New("embedder failure")

	// ErrEmbedderTimeout is returned when the embedder did not respond
	// within the configured timeout. No engine state was mutated.
	ErrEmbedderTimeout = errors.New("embedder timeout")
)

// Embedder abstracts the external face detection and embedding model:
// image bytes in, zero or more fixed-length vectors out (one per detected
// face). Zero faces is a normal outcome, not an error.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([][]float32, error)
}

// Options configures a pipeline.
type Options struct {
	// EmbedTimeout bounds each embedder call. Default: DefaultEmbedTimeout.
	EmbedTimeout time.Duration
}

// DefaultOptions contains the default pipeline configuration.
var DefaultOptions = Options{
	EmbedTimeout: DefaultEmbedTimeout,
}

// Pipeline wires an embedder to an engine for ingestion and querying.
type Pipeline struct {
	engine   *facematch.Engine
	embedder Embedder
	opts     Options
}

// New creates a pipeline around the given engine and embedder.
func New(engine *facematch.Engine, embedder Embedder, optFns ...func(o *Options)) *Pipeline {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Pipeline{engine: engine, embedder: embedder, opts: opts}
}

// IngestImage embeds an uploaded image and stores every detected face for
// the owner. A photo with no detectable face reports NoFace in the result.
func (p *Pipeline) IngestImage(ctx context.Context, ownerUserID, imageID string, image []byte) (*facematch.IngestResult, error) {
	embeddings, err := p.embed(ctx, image)
	if err != nil {
		return nil, err
	}
	return p.engine.Ingest(ctx, ownerUserID, imageID, embeddings)
}

// QueryImage embeds a scanned image and matches it within the scope,
// forwarding any per-query overrides.
func (p *Pipeline) QueryImage(ctx context.Context, image []byte, scope model.Scope, optFns ...facematch.QueryOption) (*facematch.QueryResult, error) {
	embeddings, err := p.embed(ctx, image)
	if err != nil {
		return nil, err
	}
	return p.engine.Query(ctx, embeddings, scope, optFns...)
}

// embed calls the external model under the configured timeout.
func (p *Pipeline) embed(ctx context.Context, image []byte) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.EmbedTimeout)
	defer cancel()

	embeddings, err := p.embedder.Embed(ctx, image)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrEmbedderTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbedder, err)
	}
	return embeddings, nil
}
