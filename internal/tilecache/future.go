package tilecache

import (
	"context"
	"sync"
)

// Future is a single-assignment, multi-waiter eventual value: the Go
// reading of spec §3's "ready" handle. Exactly one goroutine resolves a
// Future (via resolve); any number of goroutines may Wait on it
// concurrently.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result []byte
	err    error
}

// newFuture returns an unresolved Future.
func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolvedFuture returns a Future that is already resolved with data.
func resolvedFuture(data []byte) *Future {
	f := newFuture()
	f.resolve(data, nil)
	return f
}

// resolve completes the future exactly once; subsequent calls are no-ops.
// This mirrors a promise's single-assignment semantics: late-arriving
// conversions that raced a destroy() must still call resolve to unblock
// any waiter, even though the cache itself discards the value.
func (f *Future) resolve(data []byte, err error) {
	f.once.Do(func() {
		f.result = data
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future resolves or ctx is done, whichever comes
// first. A context cancellation here never cancels the underlying
// conversion work; it only stops this caller from waiting on it.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the future has resolved without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
