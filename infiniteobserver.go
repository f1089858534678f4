package requery

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InfiniteQueryObserver specializes the observer for paginated data: an
// ordered page list with forward/backward fetches and derived
// has-next/has-previous flags. Fetch intents are mutually exclusive per
// direction; the initial/refetch intent refetches pages sequentially from
// the initial cursor so cursor continuity survives upstream mutation.
type InfiniteQueryObserver[T, P any] struct {
	client     *Client
	originator string

	mu          sync.Mutex
	opts        InfiniteQueryOptions[T, P]
	query       *Query
	result      InfiniteQueryResult[T]
	placeholder []T
	hasPlch     bool

	listeners  *subscribable[func(InfiniteQueryResult[T])]
	unsubCache func()
	unsubFocus func()
	unsubNet   func()
}

// NewInfiniteQueryObserver builds (or reuses) the record for opts.Key. No
// fetch runs until the first Subscribe.
func NewInfiniteQueryObserver[T, P any](c *Client, opts InfiniteQueryOptions[T, P]) *InfiniteQueryObserver[T, P] {
	o := &InfiniteQueryObserver[T, P]{
		client:     c,
		originator: uuid.NewString(),
		opts:       opts,
	}
	o.listeners = newSubscribable[func(InfiniteQueryResult[T])]()
	o.listeners.onFirst = o.attach
	o.listeners.onLast = o.detach
	o.listeners.onPanic = func(r any) { c.hooks.ListenerPanic("observer", r) }

	o.query = c.queries.Build(opts.Key, o.queryConfig(), opts.GCTime)
	o.updateResult(false, "")
	return o
}

// queryConfig wires the initial/refetch intent: first load fetches one page
// from the initial cursor; a refetch walks the cursor chain sequentially up
// to the number of pages currently held, stopping early when the chain ends.
func (o *InfiniteQueryObserver[T, P]) queryConfig() queryConfig {
	fetch := func(ctx context.Context) (any, error) {
		opts := o.options()
		cur, ok := o.currentData()
		if !ok || len(cur.Pages) == 0 {
			page, err := opts.Fetch(ctx, opts.InitialPageParam)
			if err != nil {
				return nil, err
			}
			return InfiniteData{
				Pages:      []any{page},
				PageParams: []any{opts.InitialPageParam},
			}, nil
		}

		count := len(cur.Pages)
		param := opts.InitialPageParam
		var data InfiniteData
		for i := 0; i < count; i++ {
			page, err := opts.Fetch(ctx, param)
			if err != nil {
				return nil, err
			}
			data.Pages = append(data.Pages, page)
			data.PageParams = append(data.PageParams, param)
			if i+1 >= count || opts.NextPageParam == nil {
				break
			}
			np := opts.NextPageParam(page)
			if np == nil {
				break
			}
			param = *np
		}
		return data, nil
	}
	return queryConfig{fetch: fetch, retry: o.opts.Retry, retryDelay: o.opts.RetryDelay}
}

func (o *InfiniteQueryObserver[T, P]) options() InfiniteQueryOptions[T, P] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opts
}

func (o *InfiniteQueryObserver[T, P]) currentQuery() *Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

// currentData reads the entry as InfiniteData. An entry written under the
// same key with an incompatible type is treated as absent, never an error.
func (o *InfiniteQueryObserver[T, P]) currentData() (InfiniteData, bool) {
	q := o.currentQuery()
	e, ok := q.Entry()
	if !ok || e.Result.Data == nil {
		return InfiniteData{}, false
	}
	d, okD := e.Result.Data.(InfiniteData)
	if !okD {
		o.client.hooks.TypeMismatch(q.canon)
		return InfiniteData{}, false
	}
	return d, true
}

// Subscribe registers fn for derived-result notifications; the first
// subscriber attaches and may trigger the initial fetch.
func (o *InfiniteQueryObserver[T, P]) Subscribe(fn func(InfiniteQueryResult[T])) func() {
	return o.listeners.subscribe(fn)
}

// Result returns the current derived result.
func (o *InfiniteQueryObserver[T, P]) Result() InfiniteQueryResult[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Originator identifies this observer to SetInfiniteQueryData: a write
// carrying it updates the entry without notifying this observer's listeners.
func (o *InfiniteQueryObserver[T, P]) Originator() string { return o.originator }

// Refetch re-runs the sequential page refetch, joining any in-flight
// initial/refetch task.
func (o *InfiniteQueryObserver[T, P]) Refetch(ctx context.Context) (InfiniteQueryResult[T], error) {
	_, err := o.currentQuery().Fetch(ctx)
	o.updateResult(false, "")
	return o.Result(), err
}

// FetchNextPage appends the page selected by NextPageParam(lastPage). It is
// a no-op returning the current result when forward pagination is not
// configured, no page data exists yet, a forward fetch is already in flight,
// or the cursor chain reports no next page.
func (o *InfiniteQueryObserver[T, P]) FetchNextPage(ctx context.Context) (InfiniteQueryResult[T], error) {
	opts := o.options()
	q := o.currentQuery()
	if opts.NextPageParam == nil || opts.Fetch == nil {
		return o.Result(), nil
	}
	cur, ok := o.currentData()
	if !ok || len(cur.Pages) == 0 {
		return o.Result(), nil
	}
	if q.pageFetchInFlight(fetchForward) {
		return o.Result(), nil
	}
	last, okT := cur.Pages[len(cur.Pages)-1].(T)
	if !okT {
		o.client.hooks.TypeMismatch(q.canon)
		return o.Result(), nil
	}
	np := opts.NextPageParam(last)
	if np == nil {
		return o.Result(), nil
	}
	param := *np

	fn := func(ctx context.Context) (any, error) { return opts.Fetch(ctx, param) }
	apply := func(prev Result, v any) Result {
		d, _ := prev.Data.(InfiniteData)
		nd := InfiniteData{
			Pages:      append(append([]any{}, d.Pages...), v),
			PageParams: append(append([]any{}, d.PageParams...), param),
		}
		if opts.MaxPages > 0 && len(nd.Pages) > opts.MaxPages {
			trim := len(nd.Pages) - opts.MaxPages
			nd.Pages = nd.Pages[trim:]
			nd.PageParams = nd.PageParams[trim:]
		}
		return Result{Data: nd}
	}
	_, err := q.runFetch(ctx, fetchForward, fn, apply)
	o.updateResult(false, "")
	return o.Result(), err
}

// FetchPreviousPage prepends the page selected by PrevPageParam(firstPage),
// symmetric to FetchNextPage.
func (o *InfiniteQueryObserver[T, P]) FetchPreviousPage(ctx context.Context) (InfiniteQueryResult[T], error) {
	opts := o.options()
	q := o.currentQuery()
	if opts.PrevPageParam == nil || opts.Fetch == nil {
		return o.Result(), nil
	}
	cur, ok := o.currentData()
	if !ok || len(cur.Pages) == 0 {
		return o.Result(), nil
	}
	if q.pageFetchInFlight(fetchBackward) {
		return o.Result(), nil
	}
	first, okT := cur.Pages[0].(T)
	if !okT {
		o.client.hooks.TypeMismatch(q.canon)
		return o.Result(), nil
	}
	pp := opts.PrevPageParam(first)
	if pp == nil {
		return o.Result(), nil
	}
	param := *pp

	fn := func(ctx context.Context) (any, error) { return opts.Fetch(ctx, param) }
	apply := func(prev Result, v any) Result {
		d, _ := prev.Data.(InfiniteData)
		nd := InfiniteData{
			Pages:      append([]any{v}, d.Pages...),
			PageParams: append([]any{param}, d.PageParams...),
		}
		if opts.MaxPages > 0 && len(nd.Pages) > opts.MaxPages {
			keep := opts.MaxPages
			nd.Pages = nd.Pages[:keep]
			nd.PageParams = nd.PageParams[:keep]
		}
		return Result{Data: nd}
	}
	_, err := q.runFetch(ctx, fetchBackward, fn, apply)
	o.updateResult(false, "")
	return o.Result(), err
}

// SetOptions follows the same contract as QueryObserver.SetOptions.
func (o *InfiniteQueryObserver[T, P]) SetOptions(opts InfiniteQueryOptions[T, P]) {
	o.mu.Lock()
	old := o.opts
	o.opts = opts
	o.placeholder = nil
	o.hasPlch = false
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
	} else {
		oldQuery.setConfig(o.queryConfig())
		oldQuery.bumpGCTime(opts.GCTime)
	}

	if (keyChanged || enabledNow) && !opts.Disabled && attached {
		o.currentQuery().fetchAsync()
	}
	o.updateResult(true, "")
}

// onRecordUpdate implements recordObserver.
func (o *InfiniteQueryObserver[T, P]) onRecordUpdate(originator string) {
	o.updateResult(true, originator)
}

func (o *InfiniteQueryObserver[T, P]) attach() {
	o.mu.Lock()
	q := o.query
	opts := o.opts
	o.mu.Unlock()

	q.addObserver(o)

	unsubCache := o.client.queries.Subscribe(o.onCacheEvent)
	unsubFocus := o.client.focus.Subscribe(func(focused bool) {
		if focused {
			o.onExternalSignal(func(op InfiniteQueryOptions[T, P]) bool { return op.DisableRefetchOnFocus })
		}
	})
	unsubNet := o.client.online.Subscribe(func(online bool) {
		if online {
			o.onExternalSignal(func(op InfiniteQueryOptions[T, P]) bool { return op.DisableRefetchOnReconnect })
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

func (o *InfiniteQueryObserver[T, P]) detach() {
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
	q.removeObserver(o)
}

func (o *InfiniteQueryObserver[T, P]) onExternalSignal(disabled func(InfiniteQueryOptions[T, P]) bool) {
	o.mu.Lock()
	opts := o.opts
	stale := o.result.IsStale
	q := o.query
	o.mu.Unlock()
	if opts.Disabled || disabled(opts) || !stale {
		return
	}
	q.fetchAsync()
}

func (o *InfiniteQueryObserver[T, P]) onCacheEvent(ev Event) {
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
		o.mu.Lock()
		stale := ev.Query == o.query
		o.mu.Unlock()
		if stale {
			o.rebuildQuery()
			o.updateResult(true, ev.Originator)
		}
	}
}

func (o *InfiniteQueryObserver[T, P]) rebuildQuery() *Query {
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

func (o *InfiniteQueryObserver[T, P]) updateResult(notify bool, originator string) {
	o.mu.Lock()
	res := o.deriveLocked()
	o.result = res
	suppress := originator != "" && originator == o.originator
	o.mu.Unlock()

	if notify && !suppress {
		o.listeners.each(func(fn func(InfiniteQueryResult[T])) { fn(res) })
	}
}

func (o *InfiniteQueryObserver[T, P]) deriveLocked() InfiniteQueryResult[T] {
	e, ok := o.query.Entry()
	pag := o.query.pagination()
	r := InfiniteQueryResult[T]{Status: StatusPending, IsStale: true}
	if ok {
		raw := e.Result
		r.Status = raw.Status
		r.Error = raw.Error
		r.IsFetching = raw.IsFetching
		r.FailureCount = raw.FailureCount
		r.FailureReason = raw.FailureReason
		r.DataUpdatedAt = raw.DataUpdatedAt
		if raw.Data != nil {
			d, okD := raw.Data.(InfiniteData)
			pages, okP := typedPages[T](d.Pages)
			if !okD || !okP {
				o.client.hooks.TypeMismatch(o.query.canon)
				r = InfiniteQueryResult[T]{Status: StatusPending, IsStale: true, IsFetching: raw.IsFetching}
			} else {
				r.Pages = pages
				r.PageParams = append([]any(nil), d.PageParams...)
				r.IsStale = e.isStale(o.client.resolveStaleTime(o.opts.StaleTime))
				if n := len(pages); n > 0 {
					if o.opts.NextPageParam != nil {
						r.HasNextPage = o.opts.NextPageParam(pages[n-1]) != nil
					}
					if o.opts.PrevPageParam != nil {
						r.HasPreviousPage = o.opts.PrevPageParam(pages[0]) != nil
					}
				}
			}
		}
	}
	r.IsFetchingNextPage = pag.FetchingNext
	r.IsFetchingPreviousPage = pag.FetchingPrev
	r.FetchNextPageError = pag.NextErr
	r.FetchPreviousPageError = pag.PrevErr

	if len(r.Pages) == 0 && r.Status == StatusPending && o.opts.Placeholder != nil {
		if !o.hasPlch {
			o.placeholder = o.opts.Placeholder()
			o.hasPlch = true
		}
		r.Pages = o.placeholder
		r.Status = StatusSuccess
		r.IsPlaceholder = true
	}
	return r
}

func typedPages[T any](pages []any) ([]T, bool) {
	out := make([]T, 0, len(pages))
	for _, p := range pages {
		v, ok := p.(T)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}
