package requery

import (
	"context"
	"time"
)

// InvalidateQueries removes every entry whose key matches, then requests a
// refetch for each removed key. exact matches only the key itself; otherwise
// the key acts as a canonical prefix, so Key{"todos"} also invalidates
// Key{"todos", 5}.
func (c *Client) InvalidateQueries(key Key, exact bool) {
	prefix := key.Canonical()
	var keys []Key
	c.queries.RemoveWhere(func(q *Query) bool {
		match := q.canon == prefix || (!exact && canonicalHasPrefix(q.canon, prefix))
		if match {
			keys = append(keys, q.Key())
		}
		return match
	})
	for _, k := range keys {
		c.queries.RequestRefetch(k, "")
	}
}

// Clear removes and cancels every query record and every mutation.
func (c *Client) Clear() {
	c.queries.Clear()
	c.mutations.Clear()
}

// Close tears the client down: every record and mutation is cancelled and
// dropped, stopping their retryers and GC timers.
func (c *Client) Close() {
	c.Clear()
}

// GetQueryData reads the entry for key as T. ok is false when no entry
// exists, the entry carries no data yet, or it was written under a different
// type.
func GetQueryData[T any](c *Client, key Key) (T, bool) {
	var zero T
	q, ok := c.queries.Get(key)
	if !ok {
		return zero, false
	}
	e, ok := q.Entry()
	if !ok || e.Result.Data == nil {
		return zero, false
	}
	v, ok := e.Result.Data.(T)
	if !ok {
		c.hooks.TypeMismatch(q.canon)
		return zero, false
	}
	return v, true
}

// SetQueryData writes a success entry for key through the updater, which
// receives the current typed data (ok=false when absent). This is one of the
// two legitimate entry writers besides the record's own fetch path.
// originator, when non-empty, suppresses notifying the writer's observer.
func SetQueryData[T any](c *Client, key Key, originator string, update func(old T, ok bool) T) {
	old, ok := GetQueryData[T](c, key)
	now := time.Now()
	c.queries.SetEntry(key, Result{
		Status:        StatusSuccess,
		Data:          update(old, ok),
		DataUpdatedAt: now,
	}, originator)
}

// SetInfiniteQueryData is SetQueryData at page-list granularity: the updater
// receives the current typed pages and parallel page params and returns the
// replacement lists.
func SetInfiniteQueryData[T, P any](c *Client, key Key, originator string, update func(pages []T, params []P) ([]T, []P)) {
	var curPages []T
	var curParams []P
	if d, ok := GetQueryData[InfiniteData](c, key); ok {
		if pages, okP := typedPages[T](d.Pages); okP {
			curPages = pages
			for _, p := range d.PageParams {
				if v, okV := p.(P); okV {
					curParams = append(curParams, v)
				}
			}
		}
	}
	pages, params := update(curPages, curParams)
	d := InfiniteData{
		Pages:      make([]any, len(pages)),
		PageParams: make([]any, len(params)),
	}
	for i, p := range pages {
		d.Pages[i] = p
	}
	for i, p := range params {
		d.PageParams[i] = p
	}
	now := time.Now()
	c.queries.SetEntry(key, Result{
		Status:        StatusSuccess,
		Data:          d,
		DataUpdatedAt: now,
	}, originator)
}

// PrefetchQuery fetches key without an observer, joining any in-flight task.
// The record relies on GC for cleanup once built.
func PrefetchQuery[T any](ctx context.Context, c *Client, opts QueryOptions[T]) (T, error) {
	var zero T
	fetch := opts.Fetch
	q := c.queries.Build(opts.Key, queryConfig{
		fetch: func(ctx context.Context) (any, error) {
			v, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
		retry:      opts.Retry,
		retryDelay: opts.RetryDelay,
	}, opts.GCTime)
	v, err := q.Fetch(ctx)
	if err != nil {
		return zero, err
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	return zero, nil
}
