package requery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueryOptions configure one observer over one key. The zero value of every
// optional field is the sensible default: enabled, always-stale, default GC,
// default retry, refetch on mount/focus/reconnect.
type QueryOptions[T any] struct {
	Key   Key
	Fetch func(ctx context.Context) (T, error)

	// Disabled suspends all automatic fetching for this observer.
	Disabled bool
	// StaleTime is how long data stays fresh. 0 means always stale;
	// StaleForever means never stale.
	StaleTime time.Duration
	// GCTime is the record's idle lifetime after its last observer detaches.
	// 0 resolves to 5m; GCNever pins the record.
	GCTime time.Duration

	Retry      RetryPolicy
	RetryDelay RetryDelay

	DisableRefetchOnMount     bool
	DisableRetryOnMount       bool
	DisableRefetchOnFocus     bool
	DisableRefetchOnReconnect bool

	// Placeholder supplies observer-only substitute data shown while the
	// entry is pending and empty. It is memoized per options set and never
	// written to the cache.
	Placeholder func() T

	// InitialData seeds the cache entry when none exists. InitialUpdatedAt
	// backdates it so staleness math applies from that instant.
	InitialData      func() T
	InitialUpdatedAt time.Time
}

// QueryResult is the observer-derived, UI-facing view of one entry.
type QueryResult[T any] struct {
	Status        Status
	Data          T
	HasData       bool
	Error         error
	IsFetching    bool
	IsStale       bool
	IsPlaceholder bool
	FailureCount  int
	FailureReason error
	DataUpdatedAt time.Time
}

func (r QueryResult[T]) IsPending() bool { return r.Status == StatusPending }
func (r QueryResult[T]) IsSuccess() bool { return r.Status == StatusSuccess }
func (r QueryResult[T]) IsError() bool   { return r.Status == StatusError }

// fetchPolicy is the shared should-fetch-on-subscribe rule used by both the
// plain and the infinite observer, so the two cannot drift.
type fetchPolicy struct {
	disabled         bool
	noRefetchOnMount bool
	noRetryOnMount   bool
	staleTime        time.Duration
}

func shouldFetchOnSubscribe(q *Query, p fetchPolicy) bool {
	if p.disabled || p.noRefetchOnMount {
		return false
	}
	e, ok := q.Entry()
	if !ok || (!e.Result.hasData() && e.Result.Status != StatusError) {
		return true
	}
	if e.Result.Status == StatusError {
		return !p.noRetryOnMount
	}
	return e.isStale(p.staleTime)
}

// QueryObserver is a per-subscription projection of one Query's state. It
// attaches to the record on first subscribe, detaches on last unsubscribe
// (starting the record's GC clock), and recomputes its derived result after
// every record write.
type QueryObserver[T any] struct {
	client     *Client
	originator string

	mu          sync.Mutex
	opts        QueryOptions[T]
	query       *Query
	result      QueryResult[T]
	placeholder *T

	listeners  *subscribable[func(QueryResult[T])]
	unsubCache func()
	unsubFocus func()
	unsubNet   func()
}

// NewQueryObserver builds (or reuses) the record for opts.Key and returns an
// observer over it. No fetch runs until the first Subscribe.
func NewQueryObserver[T any](c *Client, opts QueryOptions[T]) *QueryObserver[T] {
	o := &QueryObserver[T]{
		client:     c,
		originator: uuid.NewString(),
		opts:       opts,
	}
	o.listeners = newSubscribable[func(QueryResult[T])]()
	o.listeners.onFirst = o.attach
	o.listeners.onLast = o.detach
	o.listeners.onPanic = func(r any) { c.hooks.ListenerPanic("observer", r) }

	o.query = c.queries.Build(opts.Key, o.queryConfig(), opts.GCTime)
	o.seedInitialData()
	o.updateResult(false, "")
	return o
}

func (o *QueryObserver[T]) queryConfig() queryConfig {
	fetch := o.opts.Fetch
	var fn FetchFunc
	if fetch != nil {
		fn = func(ctx context.Context) (any, error) {
			v, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			return v, nil
		}
	}
	return queryConfig{fetch: fn, retry: o.opts.Retry, retryDelay: o.opts.RetryDelay}
}

func (o *QueryObserver[T]) seedInitialData() {
	if o.opts.InitialData == nil {
		return
	}
	if _, ok := o.query.Entry(); ok {
		return
	}
	o.client.queries.SetEntry(o.opts.Key, Result{
		Status:        StatusSuccess,
		Data:          o.opts.InitialData(),
		DataUpdatedAt: coalesce(o.opts.InitialUpdatedAt, time.Now()),
	}, o.originator)
}

// Subscribe registers fn for derived-result notifications and returns its
// unsubscribe func. The first subscriber attaches the observer to the record
// and, when the should-fetch policy says so, triggers a fetch.
func (o *QueryObserver[T]) Subscribe(fn func(QueryResult[T])) func() {
	return o.listeners.subscribe(fn)
}

// Result returns the current derived result.
func (o *QueryObserver[T]) Result() QueryResult[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Originator identifies this observer to SetQueryData and friends: a write
// carrying it updates the entry without notifying this observer's listeners.
func (o *QueryObserver[T]) Originator() string { return o.originator }

// Refetch fetches the key regardless of staleness, joining any in-flight
// task, and returns the derived result after settle.
func (o *QueryObserver[T]) Refetch(ctx context.Context) (QueryResult[T], error) {
	o.mu.Lock()
	q := o.query
	o.mu.Unlock()
	_, err := q.Fetch(ctx)
	o.updateResult(false, "")
	return o.Result(), err
}

// SetOptions swaps the observer's options. A key change or a
// disabled-to-enabled transition triggers a refetch; anything else only
// recomputes the derived state against the (possibly different) entry.
func (o *QueryObserver[T]) SetOptions(opts QueryOptions[T]) {
	o.mu.Lock()
	old := o.opts
	o.opts = opts
	o.placeholder = nil
	attached := o.unsubCache != nil
	oldQuery := o.query
	o.mu.Unlock()

	keyChanged := old.Key.Canonical() != opts.Key.Canonical()
	enabledNow := old.Disabled && !opts.Disabled

	if keyChanged {
		if attached {
			oldQuery.removeObserver(o)
		}
		q := o.client.queries.Build(opts.Key, o.queryConfig(), opts.GCTime)
		o.mu.Lock()
		o.query = q
		o.mu.Unlock()
		if attached {
			q.addObserver(o)
		}
		o.seedInitialData()
	} else {
		oldQuery.setConfig(o.queryConfig())
		oldQuery.bumpGCTime(opts.GCTime)
	}

	if (keyChanged || enabledNow) && !opts.Disabled && attached {
		o.currentQuery().fetchAsync()
	}
	o.updateResult(true, "")
}

func (o *QueryObserver[T]) currentQuery() *Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

// onRecordUpdate implements recordObserver.
func (o *QueryObserver[T]) onRecordUpdate(originator string) {
	o.updateResult(true, originator)
}

func (o *QueryObserver[T]) attach() {
	o.mu.Lock()
	q := o.query
	opts := o.opts
	o.mu.Unlock()

	q.addObserver(o)

	unsubCache := o.client.queries.Subscribe(o.onCacheEvent)
	unsubFocus := o.client.focus.Subscribe(func(focused bool) {
		if focused {
			o.onExternalSignal(func(op QueryOptions[T]) bool { return op.DisableRefetchOnFocus })
		}
	})
	unsubNet := o.client.online.Subscribe(func(online bool) {
		if online {
			o.onExternalSignal(func(op QueryOptions[T]) bool { return op.DisableRefetchOnReconnect })
		}
	})
	o.mu.Lock()
	o.unsubCache, o.unsubFocus, o.unsubNet = unsubCache, unsubFocus, unsubNet
	o.mu.Unlock()

	if shouldFetchOnSubscribe(q, fetchPolicy{
		disabled:         opts.Disabled,
		noRefetchOnMount: opts.DisableRefetchOnMount,
		noRetryOnMount:   opts.DisableRetryOnMount,
		staleTime:        o.client.resolveStaleTime(opts.StaleTime),
	}) {
		q.fetchAsync()
	}
	o.updateResult(true, "")
}

func (o *QueryObserver[T]) detach() {
	o.mu.Lock()
	q := o.query
	unsubCache, unsubFocus, unsubNet := o.unsubCache, o.unsubFocus, o.unsubNet
	o.unsubCache, o.unsubFocus, o.unsubNet = nil, nil, nil
	o.mu.Unlock()

	if unsubCache != nil {
		unsubCache()
	}
	if unsubFocus != nil {
		unsubFocus()
	}
	if unsubNet != nil {
		unsubNet()
	}
	// Detaching never cancels the record's in-flight fetch; it only starts
	// the GC clock.
	q.removeObserver(o)
}

// onExternalSignal handles focus/reconnect transitions: refetch only when
// the option allows it and the current derived state is stale.
func (o *QueryObserver[T]) onExternalSignal(disabledBy func(QueryOptions[T]) bool) {
	o.mu.Lock()
	opts := o.opts
	stale := o.result.IsStale
	q := o.query
	o.mu.Unlock()
	if opts.Disabled || disabledBy(opts) || !stale {
		return
	}
	q.fetchAsync()
}

func (o *QueryObserver[T]) onCacheEvent(ev Event) {
	o.mu.Lock()
	canon := o.query.canon
	opts := o.opts
	o.mu.Unlock()
	if ev.Canonical != canon {
		return
	}
	switch ev.Type {
	case EventRefetch:
		if ev.Originator == o.originator || opts.Disabled {
			return
		}
		o.rebuildQuery().fetchAsync()
	case EventRemoved:
		// The record is gone; rebind so later triggers have a live record.
		o.mu.Lock()
		stale := ev.Query == o.query
		o.mu.Unlock()
		if stale {
			o.rebuildQuery()
			o.updateResult(true, ev.Originator)
		}
	}
}

// rebuildQuery rebinds the observer to a freshly built record for its key,
// moving the observer attachment when one is held.
func (o *QueryObserver[T]) rebuildQuery() *Query {
	o.mu.Lock()
	oldQuery := o.query
	opts := o.opts
	attached := o.unsubCache != nil
	o.mu.Unlock()

	q := o.client.queries.Build(opts.Key, o.queryConfig(), opts.GCTime)
	if q == oldQuery {
		return q
	}
	if attached {
		oldQuery.removeObserver(o)
		q.addObserver(o)
	}
	o.mu.Lock()
	o.query = q
	o.mu.Unlock()
	return q
}

// updateResult recomputes the derived view from the raw entry and notifies
// listeners. originator suppresses notifying the writer's own listeners.
func (o *QueryObserver[T]) updateResult(notify bool, originator string) {
	o.mu.Lock()
	res := o.deriveLocked()
	o.result = res
	suppress := originator != "" && originator == o.originator
	o.mu.Unlock()

	if notify && !suppress {
		o.listeners.each(func(fn func(QueryResult[T])) { fn(res) })
	}
}

func (o *QueryObserver[T]) deriveLocked() QueryResult[T] {
	e, ok := o.query.Entry()
	r := QueryResult[T]{Status: StatusPending, IsStale: true}
	if ok {
		raw := e.Result
		r.Status = raw.Status
		r.Error = raw.Error
		r.IsFetching = raw.IsFetching
		r.FailureCount = raw.FailureCount
		r.FailureReason = raw.FailureReason
		r.DataUpdatedAt = raw.DataUpdatedAt
		if raw.Data != nil {
			if v, okT := raw.Data.(T); okT {
				r.Data, r.HasData = v, true
				r.IsStale = e.isStale(o.client.resolveStaleTime(o.opts.StaleTime))
			} else {
				// Written by a differently-typed observer under the same
				// key: treat as absent rather than propagate a type error.
				o.client.hooks.TypeMismatch(o.query.canon)
				r = QueryResult[T]{Status: StatusPending, IsStale: true, IsFetching: raw.IsFetching}
			}
		}
	}
	if !r.HasData && r.Status == StatusPending && o.opts.Placeholder != nil {
		if o.placeholder == nil {
			v := o.opts.Placeholder()
			o.placeholder = &v
		}
		r.Data, r.HasData = *o.placeholder, true
		r.Status = StatusSuccess
		r.IsPlaceholder = true
	}
	return r
}
