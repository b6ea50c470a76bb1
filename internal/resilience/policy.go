package resilience

import (
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
)

// BlockingCallTimeout bounds non-streaming upstream calls end to end.
// Streaming calls are governed by the idle watcher instead.
const BlockingCallTimeout = 30 * time.Second

// probeTimeout bounds a single liveness probe attempt.
const probeTimeout = 5 * time.Second

// RunProbe executes an idempotent side call (liveness probe) under a
// per-attempt timeout with bounded retries. Chat and completion calls are
// never auto-retried; retry policy for those belongs to the caller.
func RunProbe(fn func() error) error {
	retry := retrypolicy.NewBuilder[any]().
		WithMaxRetries(2).
		WithBackoff(250*time.Millisecond, 2*time.Second).
		Build()
	return failsafe.With[any](retry, timeout.New[any](probeTimeout)).Run(func() error { return fn() })
}
