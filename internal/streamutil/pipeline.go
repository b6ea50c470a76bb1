package streamutil

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Chunk is one downstream SSE frame, already serialized.
type Chunk struct {
	Data []byte
	Err  error
}

// Pipeline couples the producer goroutine reading an upstream stream with the
// consumer writing the downstream response. The producer runs in an errgroup
// bound to the pipeline context; a cancel from either side tears both down.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	output chan Chunk

	onComplete func(success bool, elapsed time.Duration)

	startTime time.Time
	mu        sync.Mutex
	closed    bool
	failed    bool
}

// NewPipeline creates a pipeline. onComplete, when non-nil, fires once after
// the producer finishes (used for breaker accounting and usage reporting).
func NewPipeline(parent context.Context, bufferSize int, onComplete func(success bool, elapsed time.Duration)) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &Pipeline{
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		output:     make(chan Chunk, bufferSize),
		onComplete: onComplete,
		startTime:  time.Now(),
	}
}

// Context returns the pipeline context seen by the producer.
func (p *Pipeline) Context() context.Context { return p.ctx }

// Output returns the consumer side channel. It is closed when the producer
// finishes and Close (or Start) has run.
func (p *Pipeline) Output() <-chan Chunk { return p.output }

// Go runs the producer in the pipeline's errgroup.
func (p *Pipeline) Go(fn func(ctx context.Context) error) {
	p.group.Go(func() error { return fn(p.ctx) })
}

// Send delivers a chunk to the consumer. Returns false once the consumer is
// gone (context cancelled); producers treat that as "stop writing".
func (p *Pipeline) Send(chunk Chunk) bool {
	if chunk.Err != nil {
		p.mu.Lock()
		p.failed = true
		p.mu.Unlock()
	}
	select {
	case p.output <- chunk:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// SendData delivers serialized frame bytes.
func (p *Pipeline) SendData(data []byte) bool { return p.Send(Chunk{Data: data}) }

// Close waits for the producer, closes the output channel, and fires the
// completion callback. Idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	failed := p.failed
	p.mu.Unlock()

	err := p.group.Wait()
	close(p.output)
	if p.onComplete != nil {
		p.onComplete(err == nil && !failed, time.Since(p.startTime))
	}
	p.cancel()
	return err
}

// Start closes the pipeline in the background once the producer finishes,
// letting the consumer detect completion via channel close.
func (p *Pipeline) Start() {
	go func() { _ = p.Close() }()
}

// Cancel aborts the pipeline immediately.
func (p *Pipeline) Cancel() { p.cancel() }
