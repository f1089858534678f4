package requery

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingHooks captures every engine hook invocation for assertions.
type recordingHooks struct {
	mu        sync.Mutex
	retries   []string
	evicted   []string
	mismatch  []string
	refetches []string
	panics    []string
	rejected  []string
}

var _ Hooks = (*recordingHooks)(nil)

func (h *recordingHooks) RetryScheduled(key string, n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries = append(h.retries, fmt.Sprintf("%s#%d", key, n))
}

func (h *recordingHooks) EntryEvicted(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evicted = append(h.evicted, key)
}

func (h *recordingHooks) TypeMismatch(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mismatch = append(h.mismatch, key)
}

func (h *recordingHooks) RefetchRequested(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refetches = append(h.refetches, key)
}

func (h *recordingHooks) ListenerPanic(scope string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.panics = append(h.panics, scope)
}

func (h *recordingHooks) HydrateRejected(key, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, key+"="+reason)
}

func (h *recordingHooks) retryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.retries)
}

func (h *recordingHooks) evictedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.evicted)
}

func (h *recordingHooks) mismatchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mismatch)
}

func (h *recordingHooks) refetchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.refetches)
}

func (h *recordingHooks) rejectedSnapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.rejected...)
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out after %v: %s", timeout, msg)
}

func newTestClient(t *testing.T, hooks Hooks) *Client {
	t.Helper()
	opts := Options{
		DefaultRetry:      RetryNever(),
		DefaultRetryDelay: DelayFixed(time.Millisecond),
	}
	if hooks != nil {
		opts.Hooks = hooks
	}
	return New(opts)
}
