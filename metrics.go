package facematch

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    ingestCounter  prometheus.Counter
//	    queryHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordIngest(inserted, skipped int, duration time.Duration, err error) {
//	    p.ingestCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordIngest is called after each ingest operation.
	// inserted is the number of face vectors stored, skipped the number of
	// degenerate embeddings dropped, err is nil if successful.
	RecordIngest(inserted, skipped int, duration time.Duration, err error)

	// RecordQuery is called after each query operation.
	// results is the number of ranked matches returned.
	RecordQuery(outcome Outcome, results int, duration time.Duration, err error)

	// RecordDelete is called after each image or user tombstone operation.
	RecordDelete(tombstoned int, duration time.Duration, err error)

	// RecordSnapshot is called after each snapshot persistence.
	RecordSnapshot(records int, duration time.Duration, err error)

	// RecordCompaction is called after each compaction pass.
	RecordCompaction(removed int, duration time.Duration)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIngest(int, int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordQuery(Outcome, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordDelete(int, time.Duration, error)         {}
func (NoopMetricsCollector) RecordSnapshot(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordCompaction(int, time.Duration)            {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	IngestCount       atomic.Int64
	IngestErrors      atomic.Int64
	IngestVectors     atomic.Int64
	IngestSkipped     atomic.Int64
	IngestTotalNanos  atomic.Int64
	QueryCount        atomic.Int64
	QueryErrors       atomic.Int64
	QueryAmbiguous    atomic.Int64
	QueryTotalNanos   atomic.Int64
	DeleteCount       atomic.Int64
	DeleteErrors      atomic.Int64
	SnapshotCount     atomic.Int64
	SnapshotErrors    atomic.Int64
	CompactionCount   atomic.Int64
	CompactionRemoved atomic.Int64
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(inserted, skipped int, duration time.Duration, err error) {
	b.IngestCount.Add(1)
	b.IngestVectors.Add(int64(inserted))
	b.IngestSkipped.Add(int64(skipped))
	b.IngestTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.IngestErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(outcome Outcome, results int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if outcome == OutcomeAmbiguous {
		b.QueryAmbiguous.Add(1)
	}
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(tombstoned int, duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSnapshot(records int, duration time.Duration, err error) {
	b.SnapshotCount.Add(1)
	if err != nil {
		b.SnapshotErrors.Add(1)
	}
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(removed int, duration time.Duration) {
	b.CompactionCount.Add(1)
	b.CompactionRemoved.Add(int64(removed))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		IngestCount:       b.IngestCount.Load(),
		IngestErrors:      b.IngestErrors.Load(),
		IngestVectors:     b.IngestVectors.Load(),
		IngestSkipped:     b.IngestSkipped.Load(),
		IngestAvgNanos:    avgNanos(b.IngestTotalNanos.Load(), b.IngestCount.Load()),
		QueryCount:        b.QueryCount.Load(),
		QueryErrors:       b.QueryErrors.Load(),
		QueryAmbiguous:    b.QueryAmbiguous.Load(),
		QueryAvgNanos:     avgNanos(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		DeleteCount:       b.DeleteCount.Load(),
		DeleteErrors:      b.DeleteErrors.Load(),
		SnapshotCount:     b.SnapshotCount.Load(),
		SnapshotErrors:    b.SnapshotErrors.Load(),
		CompactionCount:   b.CompactionCount.Load(),
		CompactionRemoved: b.CompactionRemoved.Load(),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	IngestCount       int64
	IngestErrors      int64
	IngestVectors     int64
	IngestSkipped     int64
	IngestAvgNanos    int64
	QueryCount        int64
	QueryErrors       int64
	QueryAmbiguous    int64
	QueryAvgNanos     int64
	DeleteCount       int64
	DeleteErrors      int64
	SnapshotCount     int64
	SnapshotErrors    int64
	CompactionCount   int64
	CompactionRemoved int64
}
