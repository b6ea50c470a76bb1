// Package streamutil provides streaming plumbing shared by the Dify client
// and the stream multiplexer: a context- and idle-aware body reader and an
// errgroup-backed chunk pipeline.
package streamutil

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/dify2openai/difybridge/internal/logging"
)

// Reader wraps an upstream SSE body with cancellation and idle detection.
//
// Dify streams have no protocol-level liveness guarantee: an app stuck in a
// workflow node can hold the connection open forever without emitting an
// event. The reader closes the body when the request context is cancelled
// (unblocking any pending Read immediately) and when no bytes arrive within
// the idle timeout.
type Reader struct {
	body         io.ReadCloser
	ctx          context.Context
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	lastActivity atomic.Int64
	idleTimeout  time.Duration
	stopCh       chan struct{}
	app          string
}

// NewReader creates a reader over body. idleTimeout of zero disables the
// watchdog; app names the upstream application for logging.
func NewReader(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration, app string) *Reader {
	r := &Reader{
		body:        body,
		ctx:         ctx,
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
		app:         app,
	}
	r.touch()

	go r.watchContext()
	if idleTimeout > 0 {
		go r.watchIdle()
	}
	return r
}

func (r *Reader) touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

func (r *Reader) watchContext() {
	select {
	case <-r.ctx.Done():
		r.closeWithReason("context cancelled")
	case <-r.stopCh:
	}
}

func (r *Reader) watchIdle() {
	interval := r.idleTimeout / 4
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.closed.Load() {
				return
			}
			idle := time.Since(time.Unix(0, r.lastActivity.Load()))
			if idle > r.idleTimeout {
				log.Warnf("%s: upstream stream idle for %v (limit %v), closing",
					r.app, idle.Round(time.Second), r.idleTimeout)
				r.closeWithReason("idle timeout")
				return
			}
		}
	}
}

// Read implements io.Reader; activity resets the idle timer.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, io.EOF
	}
	n, err := r.body.Read(p)
	if n > 0 {
		r.touch()
	}
	return n, err
}

func (r *Reader) closeWithReason(reason string) {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = r.body.Close()
		log.Debugf("%s: upstream stream closed: %s", r.app, reason)
	})
}

// Close implements io.Closer. Safe to call multiple times.
func (r *Reader) Close() error {
	r.closeWithReason("explicit close")
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	return r.closeErr
}
