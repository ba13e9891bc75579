// Package resource throttles background maintenance so snapshot writes and
// tombstone compaction cannot starve foreground ingest and query traffic.
package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds throttling limits for background maintenance.
type Config struct {
	// MaintenanceSlots is the maximum number of concurrent maintenance jobs
	// (snapshot persistence, compaction). If 0, defaults to 1.
	MaintenanceSlots int64

	// SnapshotIOBytesPerSec caps snapshot read/write throughput.
	// If 0, unlimited.
	SnapshotIOBytesPerSec int64
}

// Controller serializes and rate-limits maintenance work.
type Controller struct {
	maintSem  *semaphore.Weighted
	ioLimiter *rate.Limiter
}

// NewController creates a controller from cfg.
func NewController(cfg Config) *Controller {
	if cfg.MaintenanceSlots <= 0 {
		cfg.MaintenanceSlots = 1
	}

	c := &Controller{
		maintSem: semaphore.NewWeighted(cfg.MaintenanceSlots),
	}

	if cfg.SnapshotIOBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.SnapshotIOBytesPerSec), int(cfg.SnapshotIOBytesPerSec))
	}

	return c
}

// AcquireMaintenance reserves a maintenance slot, blocking until one is free
// or ctx is canceled.
func (c *Controller) AcquireMaintenance(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.maintSem.Acquire(ctx, 1)
}

// TryAcquireMaintenance reserves a maintenance slot without blocking.
// Periodic jobs use this to skip a cycle instead of queueing behind one
// already in flight.
func (c *Controller) TryAcquireMaintenance() bool {
	if c == nil {
		return true
	}
	return c.maintSem.TryAcquire(1)
}

// ReleaseMaintenance releases a maintenance slot.
func (c *Controller) ReleaseMaintenance() {
	if c == nil {
		return
	}
	c.maintSem.Release(1)
}

// AcquireIO waits until the snapshot IO limit allows bytes more bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}
