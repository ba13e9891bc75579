// Package facematch is an embedded face-embedding match engine. It stores
// L2-normalized face embeddings partitioned by owning user, answers
// nearest-neighbor queries with similarity thresholds, and recovers its
// state from snapshots plus a write-ahead log after restart.
//
// The engine never touches pixels. Face detection and embedding happen in an
// external model; the engine consumes and emits vectors plus opaque user and
// image identifiers. See the pipeline package for the orchestration around
// such an embedder.
//
// Basic usage:
//
//	engine, err := facematch.New(ctx,
//		facematch.WithDimension(512),
//		facematch.WithWAL("/var/lib/facematch"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	res, err := engine.Ingest(ctx, "user-1", "img-1", embeddings)
//	...
//	qr, err := engine.Query(ctx, scanEmbeddings, model.User("user-1"))
package facematch
