package requery

import (
	"context"
	"sync"
	"time"
)

// FetchFunc is the record-level fetch contract: rejection is the only error
// signal. Observers compose page params and typed results into this shape.
type FetchFunc func(ctx context.Context) (any, error)

// recordObserver is the polymorphic listener a Query notifies after every
// snapshot write. Both QueryObserver and InfiniteQueryObserver implement it.
// originator identifies the writer so an observer can skip notifying the
// component that initiated the write.
type recordObserver interface {
	onRecordUpdate(originator string)
}

type fetchDirection int

const (
	fetchInitial fetchDirection = iota
	fetchForward
	fetchBackward
)

// fetchTask is a settle-once future shared by deduplicated callers.
type fetchTask struct {
	done chan struct{}
	data any
	err  error
}

func newFetchTask() *fetchTask { return &fetchTask{done: make(chan struct{})} }

func (t *fetchTask) settle(data any, err error) {
	t.data, t.err = data, err
	close(t.done)
}

func (t *fetchTask) settled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *fetchTask) wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.data, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type queryConfig struct {
	fetch      FetchFunc
	retry      RetryPolicy
	retryDelay RetryDelay
}

// paginationState is direction-scoped fetch state kept beside the entry.
// It only carries meaning for infinite queries.
type paginationState struct {
	FetchingNext bool
	FetchingPrev bool
	NextErr      error
	PrevErr      error
}

// Query owns one canonical key: its fetch execution, retryer, GC timer and
// observer set. It is the unit of request deduplication - concurrent callers
// of Fetch share one in-flight task. Pagination fetches are tracked per
// direction and are mutually exclusive per direction, not globally.
type Query struct {
	key   Key
	canon string
	cache *QueryCache

	mu       sync.Mutex
	entry    Entry
	hasEntry bool
	cfg      queryConfig
	gcTime   time.Duration
	pag      paginationState

	tasks    [3]*fetchTask
	retryers [3]*retryer

	observers []recordObserver
	gc        *gcTimer
}

func newQuery(cache *QueryCache, key Key, canon string) *Query {
	q := &Query{
		key:   append(Key(nil), key...),
		canon: canon,
		cache: cache,
	}
	q.gc = newGCTimer(func() { cache.expire(q) })
	return q
}

// Key returns a copy of the key this record serves.
func (q *Query) Key() Key { return append(Key(nil), q.key...) }

// CanonicalKey returns the canonical string form of the record's key.
func (q *Query) CanonicalKey() string { return q.canon }

// Entry returns the current cache entry, if one has been written.
func (q *Query) Entry() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entry, q.hasEntry
}

func (q *Query) pagination() paginationState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pag
}

func (q *Query) setConfig(cfg queryConfig) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// bumpGCTime raises the record's idle lifetime. Unset resolves to the
// default; a negative duration pins the record forever.
func (q *Query) bumpGCTime(d time.Duration) {
	resolved := d
	if resolved == 0 {
		resolved = defaultGCTime
	}
	q.mu.Lock()
	switch {
	case q.gcTime < 0 || resolved < 0:
		q.gcTime = GCNever
	case resolved > q.gcTime:
		q.gcTime = resolved
	}
	q.mu.Unlock()
}

func (q *Query) addObserver(o recordObserver) {
	q.mu.Lock()
	q.observers = append(q.observers, o)
	q.mu.Unlock()
	q.gc.cancel()
}

func (q *Query) removeObserver(o recordObserver) {
	q.mu.Lock()
	for i, cur := range q.observers {
		if cur == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			break
		}
	}
	idle := len(q.observers) == 0
	gcTime := q.gcTime
	q.mu.Unlock()
	if idle {
		q.gc.schedule(gcTime)
	}
}

func (q *Query) observerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

// Fetch runs the configured fetch function on the initial/refetch path. If a
// task is already in flight and unsettled, the caller joins it instead of
// starting a second fetch.
func (q *Query) Fetch(ctx context.Context) (any, error) {
	q.mu.Lock()
	fn := q.cfg.fetch
	q.mu.Unlock()
	if fn == nil {
		e, _ := q.Entry()
		return e.Result.Data, e.Result.Error
	}
	return q.runFetch(ctx, fetchInitial, fn, replaceData)
}

func (q *Query) fetchAsync() {
	go func() { _, _ = q.Fetch(context.Background()) }()
}

// pageFetchInFlight reports whether a fetch for dir is currently unsettled.
func (q *Query) pageFetchInFlight(dir fetchDirection) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.tasks[dir]
	return t != nil && !t.settled()
}

// Cancel stops every in-flight retryer and clears the GC timer. The cancelled
// outcome is distinguishable from a fetch error (ErrCancelled).
func (q *Query) Cancel() {
	q.mu.Lock()
	rs := q.retryers
	q.mu.Unlock()
	for _, r := range rs {
		if r != nil {
			r.cancel()
		}
	}
	q.gc.cancel()
}

// replaceData is the apply step for the initial/refetch path: the fetched
// value supersedes whatever the entry held.
func replaceData(_ Result, v any) Result { return Result{Data: v} }

// runFetch drives one attempt sequence on the slot for dir: write the
// pending snapshot, run the retryer (with intermediate failure snapshots),
// merge on success via apply, and settle the shared task last so joined
// callers observe the final entry.
func (q *Query) runFetch(ctx context.Context, dir fetchDirection, fn func(ctx context.Context) (any, error), apply func(prev Result, v any) Result) (any, error) {
	q.mu.Lock()
	if t := q.tasks[dir]; t != nil && !t.settled() {
		q.mu.Unlock()
		return t.wait(ctx)
	}
	task := newFetchTask()
	r := newRetryer(fn, q.resolvedRetryLocked(), q.resolvedDelayLocked(), q.onAttemptFail)
	q.tasks[dir] = task
	q.retryers[dir] = r
	q.markFetchingLocked(dir)
	q.mu.Unlock()

	q.cache.log.Debug("fetch started", Fields{"key": q.canon, "direction": int(dir)})
	q.broadcast("")

	v, err := r.run(ctx)

	q.mu.Lock()
	if q.tasks[dir] == task {
		q.tasks[dir] = nil
		q.retryers[dir] = nil
	}
	switch {
	case err == nil:
		now := time.Now()
		res := apply(q.entry.Result, v)
		res.Status = StatusSuccess
		res.Error = nil
		res.DataUpdatedAt = now
		q.settleDirectionLocked(dir, nil)
		res.IsFetching = q.anyUnsettledLocked()
		q.entry = Entry{Result: res, UpdatedAt: now}
		q.hasEntry = true
	case IsCancelled(err):
		// Torn down, not failed: keep the last-known-good snapshot and just
		// drop the fetching flags.
		q.settleDirectionLocked(dir, nil)
		if q.hasEntry {
			res := q.entry.Result
			res.IsFetching = q.anyUnsettledLocked()
			q.entry.Result = res
		}
	case dir == fetchInitial:
		res := q.entry.Result
		res.Status = StatusError
		res.Error = err
		q.settleDirectionLocked(dir, nil)
		res.IsFetching = q.anyUnsettledLocked()
		q.entry = Entry{Result: res, UpdatedAt: time.Now()}
		q.hasEntry = true
	default:
		// Direction-scoped failure: previously loaded pages stay intact; the
		// error is surfaced only through the direction flag.
		q.settleDirectionLocked(dir, err)
		res := q.entry.Result
		res.IsFetching = q.anyUnsettledLocked()
		q.entry.Result = res
	}
	idle := len(q.observers) == 0
	gcTime := q.gcTime
	q.mu.Unlock()

	task.settle(v, err)

	if dir == fetchInitial && !IsCancelled(err) {
		q.cache.dispatchResultHooks(q, v, err)
	}
	q.broadcast("")

	if idle {
		q.gc.schedule(gcTime)
	}
	return v, err
}

func (q *Query) resolvedRetryLocked() RetryPolicy {
	if q.cfg.retry.isZero() {
		return q.cache.defaultRetry
	}
	return q.cfg.retry
}

func (q *Query) resolvedDelayLocked() RetryDelay {
	if q.cfg.retryDelay.isZero() {
		return q.cache.defaultRetryDelay
	}
	return q.cfg.retryDelay
}

// onAttemptFail writes the intermediate snapshot after every failed attempt
// so subscribers can render a retrying state: running failure count and
// reason with IsFetching still true.
func (q *Query) onAttemptFail(failureCount int, err error) {
	q.mu.Lock()
	res := q.entry.Result
	res.FailureCount = failureCount
	res.FailureReason = err
	res.IsFetching = true
	q.entry.Result = res
	q.hasEntry = true
	willRetry := q.resolvedRetryLocked().shouldRetry(failureCount, err)
	q.mu.Unlock()

	if willRetry {
		q.cache.hooks.RetryScheduled(q.canon, failureCount, err)
		q.cache.log.Debug("retry scheduled", Fields{"key": q.canon, "failures": failureCount, "err": err})
	}
	q.broadcast("")
}

func (q *Query) markFetchingLocked(dir fetchDirection) {
	res := q.entry.Result
	if !q.hasEntry {
		res = Result{Status: StatusPending}
	}
	res.IsFetching = true
	switch dir {
	case fetchForward:
		q.pag.FetchingNext = true
		q.pag.NextErr = nil
	case fetchBackward:
		q.pag.FetchingPrev = true
		q.pag.PrevErr = nil
	default:
		res.FailureCount = 0
		res.FailureReason = nil
	}
	q.entry = Entry{Result: res, UpdatedAt: time.Now()}
	q.hasEntry = true
}

func (q *Query) settleDirectionLocked(dir fetchDirection, err error) {
	switch dir {
	case fetchForward:
		q.pag.FetchingNext = false
		q.pag.NextErr = err
	case fetchBackward:
		q.pag.FetchingPrev = false
		q.pag.PrevErr = err
	}
}

func (q *Query) anyUnsettledLocked() bool {
	for _, t := range q.tasks {
		if t != nil && !t.settled() {
			return true
		}
	}
	return false
}

// setEntry overwrites the entry from a synchronous setter (SetQueryData,
// hydration). The write is authoritative: status and timestamps come from
// the caller-provided result.
func (q *Query) setEntry(res Result, updatedAt time.Time) {
	q.mu.Lock()
	q.entry = Entry{Result: res, UpdatedAt: updatedAt}
	q.hasEntry = true
	q.mu.Unlock()
}

// broadcast delivers the current snapshot: a cache-level Updated event first,
// then every attached observer, synchronously on the writing goroutine.
func (q *Query) broadcast(originator string) {
	q.cache.notify(Event{
		Type:       EventUpdated,
		Key:        q.Key(),
		Canonical:  q.canon,
		Query:      q,
		Originator: originator,
	})
	q.mu.Lock()
	obs := append([]recordObserver(nil), q.observers...)
	q.mu.Unlock()
	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.cache.hooks.ListenerPanic("observer", r)
				}
			}()
			o.onRecordUpdate(originator)
		}()
	}
}
