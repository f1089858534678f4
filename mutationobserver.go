package requery

import (
	"context"
	"sync"
	"time"
)

// MutationOptions configure an observer for one write operation. T is the
// result type, V the variables type.
type MutationOptions[T, V any] struct {
	Fn func(ctx context.Context, vars V) (T, error)

	// Retry defaults to never: a failed write should not silently repeat.
	Retry      RetryPolicy
	RetryDelay RetryDelay
	// GCTime enables idle eviction of the settled mutation; 0 disables it.
	GCTime time.Duration

	// OnMutate fires before the function runs, once per call.
	OnMutate func(vars V)
	// Configured callbacks fire once per call, after the per-call ones.
	OnSuccess func(data T, vars V)
	OnError   func(err error, vars V)
	OnSettled func(data T, err error, vars V)
}

// MutateCallbacks are per-call callbacks passed to Mutate/MutateAsync. They
// fire exactly once per call, even if the observer is torn down first.
type MutateCallbacks[T any] struct {
	OnSuccess func(data T)
	OnError   func(err error)
	OnSettled func(data T, err error)
}

// MutationResult is the derived view of the observer's current mutation.
type MutationResult[T any] struct {
	Status        MutationStatus
	Data          T
	HasData       bool
	Error         error
	FailureCount  int
	FailureReason error
	SubmittedAt   time.Time
}

func (r MutationResult[T]) IsIdle() bool    { return r.Status == MutationIdle }
func (r MutationResult[T]) IsPending() bool { return r.Status == MutationPending }
func (r MutationResult[T]) IsSuccess() bool { return r.Status == MutationSuccess }
func (r MutationResult[T]) IsError() bool   { return r.Status == MutationError }

// MutationObserver projects one Mutation at a time. Every mutate call builds
// a fresh Mutation and resubscribes the observer to it, so options-level
// callbacks fire once per call regardless of unmount.
type MutationObserver[T, V any] struct {
	client *Client

	mu      sync.Mutex
	opts    MutationOptions[T, V]
	current *Mutation
	result  MutationResult[T]

	listeners *subscribable[func(MutationResult[T])]
}

// NewMutationObserver builds an observer in the idle state. Nothing executes
// until Mutate or MutateAsync.
func NewMutationObserver[T, V any](c *Client, opts MutationOptions[T, V]) *MutationObserver[T, V] {
	o := &MutationObserver[T, V]{client: c, opts: opts}
	o.listeners = newSubscribable[func(MutationResult[T])]()
	o.listeners.onPanic = func(r any) { c.hooks.ListenerPanic("mutation", r) }
	return o
}

// Subscribe registers fn for derived-result notifications.
func (o *MutationObserver[T, V]) Subscribe(fn func(MutationResult[T])) func() {
	return o.listeners.subscribe(fn)
}

// Result returns the current derived result.
func (o *MutationObserver[T, V]) Result() MutationResult[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// SetOptions swaps the observer's options; they apply from the next call.
func (o *MutationObserver[T, V]) SetOptions(opts MutationOptions[T, V]) {
	o.mu.Lock()
	o.opts = opts
	o.mu.Unlock()
}

// Mutate executes fire-and-forget: the rejection is swallowed (it is still
// observable through the derived result and the error callbacks).
func (o *MutationObserver[T, V]) Mutate(ctx context.Context, vars V, cbs ...MutateCallbacks[T]) {
	go func() { _, _ = o.MutateAsync(ctx, vars, cbs...) }()
}

// MutateAsync executes the mutation and propagates its outcome.
func (o *MutationObserver[T, V]) MutateAsync(ctx context.Context, vars V, cbs ...MutateCallbacks[T]) (T, error) {
	m := o.client.mutations.Build(o.mutationConfig())
	o.rebindTo(m)

	v, err := m.Execute(ctx, vars, o.perCall(cbs))
	var zero T
	if err != nil {
		return zero, err
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	return zero, nil
}

// Reset detaches from the current mutation and returns the observer to idle.
func (o *MutationObserver[T, V]) Reset() {
	o.mu.Lock()
	old := o.current
	o.current = nil
	o.result = MutationResult[T]{Status: MutationIdle}
	res := o.result
	o.mu.Unlock()
	if old != nil {
		old.removeObserver(o)
	}
	o.listeners.each(func(fn func(MutationResult[T])) { fn(res) })
}

// onMutationUpdate implements the mutation observer contract.
func (o *MutationObserver[T, V]) onMutationUpdate() {
	o.updateResult(true)
}

func (o *MutationObserver[T, V]) mutationConfig() mutationConfig {
	o.mu.Lock()
	opts := o.opts
	o.mu.Unlock()

	cfg := mutationConfig{
		retry:      opts.Retry,
		retryDelay: opts.RetryDelay,
		gcTime:     opts.GCTime,
		fn: func(ctx context.Context, vars any) (any, error) {
			v, err := opts.Fn(ctx, vars.(V))
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	if opts.OnMutate != nil {
		cfg.onMutate = func(vars any) { opts.OnMutate(vars.(V)) }
	}
	if opts.OnSuccess != nil {
		cfg.onSuccess = func(data, vars any) { opts.OnSuccess(asType[T](data), vars.(V)) }
	}
	if opts.OnError != nil {
		cfg.onError = func(err error, vars any) { opts.OnError(err, vars.(V)) }
	}
	if opts.OnSettled != nil {
		cfg.onSettled = func(data any, err error, vars any) {
			opts.OnSettled(asType[T](data), err, vars.(V))
		}
	}
	return cfg
}

func (o *MutationObserver[T, V]) perCall(cbs []MutateCallbacks[T]) mutateCallbacks {
	var out mutateCallbacks
	for _, cb := range cbs {
		cb := cb
		if cb.OnSuccess != nil {
			prev := out.onSuccess
			out.onSuccess = func(data any) {
				if prev != nil {
					prev(data)
				}
				cb.OnSuccess(asType[T](data))
			}
		}
		if cb.OnError != nil {
			prev := out.onError
			out.onError = func(err error) {
				if prev != nil {
					prev(err)
				}
				cb.OnError(err)
			}
		}
		if cb.OnSettled != nil {
			prev := out.onSettled
			out.onSettled = func(data any, err error) {
				if prev != nil {
					prev(data, err)
				}
				cb.OnSettled(asType[T](data), err)
			}
		}
	}
	return out
}

// rebindTo resubscribes the observer to a fresh mutation instance.
func (o *MutationObserver[T, V]) rebindTo(m *Mutation) {
	o.mu.Lock()
	old := o.current
	o.current = m
	o.mu.Unlock()
	if old != nil {
		old.removeObserver(o)
	}
	m.addObserver(o)
	o.updateResult(true)
}

func (o *MutationObserver[T, V]) updateResult(notify bool) {
	o.mu.Lock()
	m := o.current
	r := MutationResult[T]{Status: MutationIdle}
	if m != nil {
		status, data, err, failures, reason, submitted := m.snapshot()
		r = MutationResult[T]{
			Status:        status,
			Error:         err,
			FailureCount:  failures,
			FailureReason: reason,
			SubmittedAt:   submitted,
		}
		if data != nil {
			if typed, ok := data.(T); ok {
				r.Data, r.HasData = typed, true
			}
		}
	}
	o.result = r
	o.mu.Unlock()

	if notify {
		o.listeners.each(func(fn func(MutationResult[T])) { fn(r) })
	}
}

// asType converts a type-erased callback payload, tolerating nil on error
// paths where no data exists.
func asType[T any](v any) T {
	if typed, ok := v.(T); ok {
		return typed
	}
	var zero T
	return zero
}
