package requery

import (
	"context"
	"sync"
	"time"
)

type retryKind int

const (
	retryUnset retryKind = iota
	retryNever
	retryForever
	retryAttempts
	retryPredicate
)

// RetryPolicy decides whether a failed attempt is retried. The zero value is
// "unset" and resolves to the enclosing default (Attempts(3) for queries,
// Never for mutations).
type RetryPolicy struct {
	kind retryKind
	max  int
	fn   func(failureCount int, err error) bool
}

// RetryNever disables retries: the first failure is final.
func RetryNever() RetryPolicy { return RetryPolicy{kind: retryNever} }

// RetryForever retries until the attempt succeeds or the retryer is cancelled.
func RetryForever() RetryPolicy { return RetryPolicy{kind: retryForever} }

// RetryAttempts allows at most n attempts in total (n-1 retries).
func RetryAttempts(n int) RetryPolicy { return RetryPolicy{kind: retryAttempts, max: n} }

// RetryFunc retries while pred returns true. failureCount counts failures so
// far including the one just observed.
func RetryFunc(pred func(failureCount int, err error) bool) RetryPolicy {
	return RetryPolicy{kind: retryPredicate, fn: pred}
}

func (p RetryPolicy) isZero() bool { return p.kind == retryUnset }

func (p RetryPolicy) shouldRetry(failureCount int, err error) bool {
	switch p.kind {
	case retryForever:
		return true
	case retryAttempts:
		return failureCount < p.max
	case retryPredicate:
		return p.fn(failureCount, err)
	default:
		return false
	}
}

type delayKind int

const (
	delayUnset delayKind = iota
	delayFixed
	delayDynamic
)

// RetryDelay computes the pause before the next attempt. The zero value
// resolves to a fixed 1s default.
type RetryDelay struct {
	kind delayKind
	d    time.Duration
	fn   func(failureCount int, err error) time.Duration
}

// DelayFixed waits d between attempts.
func DelayFixed(d time.Duration) RetryDelay { return RetryDelay{kind: delayFixed, d: d} }

// DelayFunc computes the wait per attempt, e.g. for exponential backoff.
func DelayFunc(fn func(failureCount int, err error) time.Duration) RetryDelay {
	return RetryDelay{kind: delayDynamic, fn: fn}
}

func (d RetryDelay) isZero() bool { return d.kind == delayUnset }

func (d RetryDelay) delayFor(failureCount int, err error) time.Duration {
	switch d.kind {
	case delayFixed:
		return d.d
	case delayDynamic:
		return d.fn(failureCount, err)
	default:
		return defaultRetryDelay
	}
}

// retryer wraps one async attempt sequence. It is single-shot: construct one
// per fetch. cancel makes any scheduled delay and the overall run settle as
// ErrCancelled, distinguishable from a fetch that gave up.
type retryer struct {
	fn     func(ctx context.Context) (any, error)
	policy RetryPolicy
	delay  RetryDelay

	// onFail fires after every failed attempt, before the retry decision,
	// with the running failure count. Used to push intermediate snapshots.
	onFail func(failureCount int, err error)

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

func newRetryer(fn func(ctx context.Context) (any, error), policy RetryPolicy, delay RetryDelay, onFail func(int, error)) *retryer {
	return &retryer{
		fn:       fn,
		policy:   policy,
		delay:    delay,
		onFail:   onFail,
		cancelCh: make(chan struct{}),
	}
}

func (r *retryer) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *retryer) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// run executes the attempt sequence and returns the first success, the final
// error after retries are exhausted, or ErrCancelled.
func (r *retryer) run(ctx context.Context) (any, error) {
	failureCount := 0
	for {
		if r.cancelled() || ctx.Err() != nil {
			return nil, ErrCancelled
		}
		v, err := r.fn(ctx)
		if err == nil {
			return v, nil
		}
		if IsCancelled(err) || ctx.Err() != nil {
			return nil, ErrCancelled
		}

		failureCount++
		if r.onFail != nil {
			r.onFail(failureCount, err)
		}
		if !r.policy.shouldRetry(failureCount, err) {
			return nil, err
		}

		t := time.NewTimer(r.delay.delayFor(failureCount, err))
		select {
		case <-t.C:
		case <-r.cancelCh:
			t.Stop()
			return nil, ErrCancelled
		case <-ctx.Done():
			t.Stop()
			return nil, ErrCancelled
		}
	}
}
