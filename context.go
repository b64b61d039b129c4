package douk_downloader

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// A context-aware io.Reader wrapper.
type readerContext struct {
	ctx context.Context
	r   io.Reader
}

func (r *readerContext) Read(p []byte) (n int, err error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// ReaderContext wraps r so reads fail once ctx is done.
func ReaderContext(ctx context.Context, r io.Reader) io.Reader {
	return &readerContext{ctx: ctx, r: r}
}

// idleReader aborts a stalled stream: each Read arms a watchdog that calls
// abort (typically closing the response body, which unblocks the Read) if no
// bytes arrive within the timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	abort   func()
	expired atomic.Bool
}

// IdleTimeoutReader wraps r with a per-read idle timeout. abort must unblock
// any in-flight Read, e.g. by closing the underlying connection.
func IdleTimeoutReader(r io.Reader, timeout time.Duration, abort func()) io.Reader {
	return &idleReader{r: r, timeout: timeout, abort: abort}
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.expired.Load() {
		return 0, context.DeadlineExceeded
	}
	timer := time.AfterFunc(r.timeout, func() {
		r.expired.Store(true)
		r.abort()
	})
	n, err := r.r.Read(p)
	timer.Stop()
	if r.expired.Load() {
		return n, context.DeadlineExceeded
	}
	return n, err
}
