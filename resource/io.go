package resource

import (
	"context"
	"io"
)

// LimitedWriter wraps an io.Writer with the controller's IO rate limit.
type LimitedWriter struct {
	ctx context.Context
	w   io.Writer
	rc  *Controller
}

// NewLimitedWriter creates a rate-limited writer. ctx bounds waits on the
// limiter.
func NewLimitedWriter(ctx context.Context, w io.Writer, rc *Controller) *LimitedWriter {
	return &LimitedWriter{ctx: ctx, w: w, rc: rc}
}

func (w *LimitedWriter) Write(p []byte) (int, error) {
	if err := w.rc.AcquireIO(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}

// LimitedReader wraps an io.Reader with the controller's IO rate limit.
// It charges the full buffer size up front since the read size is not known
// until the read completes.
type LimitedReader struct {
	ctx context.Context
	r   io.Reader
	rc  *Controller
}

// NewLimitedReader creates a rate-limited reader.
func NewLimitedReader(ctx context.Context, r io.Reader, rc *Controller) *LimitedReader {
	return &LimitedReader{ctx: ctx, r: r, rc: rc}
}

func (r *LimitedReader) Read(p []byte) (int, error) {
	if err := r.rc.AcquireIO(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
