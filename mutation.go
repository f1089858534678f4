package requery

import (
	"context"
	"sync"
	"time"
)

// MutationStatus is the lifecycle phase of a mutation.
type MutationStatus int

const (
	MutationIdle MutationStatus = iota
	MutationPending
	MutationSuccess
	MutationError
)

func (s MutationStatus) String() string {
	switch s {
	case MutationIdle:
		return "idle"
	case MutationPending:
		return "pending"
	case MutationSuccess:
		return "success"
	case MutationError:
		return "error"
	default:
		return "unknown"
	}
}

type mutationConfig struct {
	fn         func(ctx context.Context, vars any) (any, error)
	retry      RetryPolicy
	retryDelay RetryDelay
	// gcTime 0 keeps the mutation until the cache is cleared: finished
	// mutations are not meant to be re-observed, so idle eviction is opt-in.
	gcTime time.Duration

	onMutate  func(vars any)
	onSuccess func(data, vars any)
	onError   func(err error, vars any)
	onSettled func(data any, err error, vars any)
}

type mutationObserver interface {
	onMutationUpdate()
}

// mutateCallbacks are the type-erased per-call callbacks. They are bound to
// one Execute call and fire exactly once, even if the initiating observer
// has been torn down by the time the mutation settles.
type mutateCallbacks struct {
	onSuccess func(data any)
	onError   func(err error)
	onSettled func(data any, err error)
}

// Mutation is one tracked write operation. Mutations are ephemeral: every
// mutate call creates a fresh instance, which executes once and transitions
// idle -> pending -> success|error.
type Mutation struct {
	id    uint64
	cache *MutationCache

	mu            sync.Mutex
	cfg           mutationConfig
	status        MutationStatus
	data          any
	err           error
	failureCount  int
	failureReason error
	variables     any
	submittedAt   time.Time
	retryer       *retryer
	observers     []mutationObserver
	gc            *gcTimer
}

// ID returns the cache-assigned sequence number.
func (m *Mutation) ID() uint64 { return m.id }

// Status returns the current lifecycle phase.
func (m *Mutation) Status() MutationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Mutation) snapshot() (MutationStatus, any, error, int, error, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.data, m.err, m.failureCount, m.failureReason, m.submittedAt
}

func (m *Mutation) addObserver(o mutationObserver) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
	m.gc.cancel()
}

func (m *Mutation) removeObserver(o mutationObserver) {
	m.mu.Lock()
	for i, cur := range m.observers {
		if cur == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			break
		}
	}
	idle := len(m.observers) == 0
	gcTime := m.cfg.gcTime
	m.mu.Unlock()
	if idle && gcTime > 0 {
		m.gc.schedule(gcTime)
	}
}

// Cancel stops the in-flight retryer, if any.
func (m *Mutation) Cancel() {
	m.mu.Lock()
	r := m.retryer
	m.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	m.gc.cancel()
}

// Execute runs the mutation function once with retry per policy. On settle
// the callbacks fire in strict order: per-call, then the mutation's own
// configured callbacks, then the cache-level globals. Callback panics are
// isolated and never alter the returned outcome.
func (m *Mutation) Execute(ctx context.Context, vars any, perCall mutateCallbacks) (any, error) {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	if cfg.onMutate != nil {
		m.cache.guard(func() { cfg.onMutate(vars) })
	}

	m.mu.Lock()
	m.status = MutationPending
	m.variables = vars
	m.submittedAt = time.Now()
	m.data, m.err = nil, nil
	m.failureCount, m.failureReason = 0, nil
	r := newRetryer(func(ctx context.Context) (any, error) {
		return cfg.fn(ctx, vars)
	}, m.resolvedRetryLocked(), m.resolvedDelayLocked(), m.onAttemptFail)
	m.retryer = r
	m.mu.Unlock()
	m.notify()

	v, err := r.run(ctx)

	m.mu.Lock()
	m.retryer = nil
	switch {
	case IsCancelled(err):
		// Torn down, not failed: return to idle so the cancellation never
		// surfaces as a mutation error.
		m.status = MutationIdle
	case err == nil:
		m.status = MutationSuccess
		m.data = v
	default:
		m.status = MutationError
		m.err = err
	}
	m.mu.Unlock()

	if !IsCancelled(err) {
		m.dispatchSettled(v, err, vars, perCall)
	}
	m.notify()
	return v, err
}

func (m *Mutation) dispatchSettled(data any, err error, vars any, perCall mutateCallbacks) {
	// per-call first
	if err == nil && perCall.onSuccess != nil {
		m.cache.guard(func() { perCall.onSuccess(data) })
	}
	if err != nil && perCall.onError != nil {
		m.cache.guard(func() { perCall.onError(err) })
	}
	if perCall.onSettled != nil {
		m.cache.guard(func() { perCall.onSettled(data, err) })
	}

	// then the mutation's configured callbacks
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	if err == nil && cfg.onSuccess != nil {
		m.cache.guard(func() { cfg.onSuccess(data, vars) })
	}
	if err != nil && cfg.onError != nil {
		m.cache.guard(func() { cfg.onError(err, vars) })
	}
	if cfg.onSettled != nil {
		m.cache.guard(func() { cfg.onSettled(data, err, vars) })
	}

	// cache-level globals last
	m.cache.dispatchResultHooks(m, data, err, vars)
}

func (m *Mutation) resolvedRetryLocked() RetryPolicy {
	if m.cfg.retry.isZero() {
		return RetryNever()
	}
	return m.cfg.retry
}

func (m *Mutation) resolvedDelayLocked() RetryDelay {
	if m.cfg.retryDelay.isZero() {
		return DelayFixed(defaultRetryDelay)
	}
	return m.cfg.retryDelay
}

func (m *Mutation) onAttemptFail(failureCount int, err error) {
	m.mu.Lock()
	m.failureCount = failureCount
	m.failureReason = err
	willRetry := m.resolvedRetryLocked().shouldRetry(failureCount, err)
	m.mu.Unlock()
	if willRetry {
		m.cache.hooks.RetryScheduled(m.cache.mutationKey(m), failureCount, err)
	}
	m.notify()
}

// notify delivers the current state to attached observers and cache
// listeners, synchronously on the writing goroutine.
func (m *Mutation) notify() {
	m.cache.notifyUpdated(m)
	m.mu.Lock()
	obs := append([]mutationObserver(nil), m.observers...)
	m.mu.Unlock()
	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.cache.hooks.ListenerPanic("mutation", r)
				}
			}()
			o.onMutationUpdate()
		}()
	}
}
