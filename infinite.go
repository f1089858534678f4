package requery

import (
	"context"
	"time"
)

// InfiniteData is the type-erased page list stored in a cache entry for an
// infinite query. Pages and PageParams are parallel: PageParams[i] is the
// cursor that produced Pages[i]. Slices are replaced, never mutated in
// place, so readers can hold a snapshot safely.
type InfiniteData struct {
	Pages      []any
	PageParams []any
}

// InfiniteQueryOptions configure one observer over one paginated key.
// T is the page type, P the page-param (cursor) type.
type InfiniteQueryOptions[T, P any] struct {
	Key   Key
	Fetch func(ctx context.Context, pageParam P) (T, error)

	// InitialPageParam selects the first page, and is where a sequential
	// refetch restarts from.
	InitialPageParam P
	// NextPageParam derives the forward cursor from the last page; nil
	// return means no next page. Unset disables forward pagination.
	NextPageParam func(lastPage T) *P
	// PrevPageParam derives the backward cursor from the first page.
	PrevPageParam func(firstPage T) *P
	// MaxPages caps the retained page list; fetching past the cap drops
	// pages from the opposite end. 0 means unbounded.
	MaxPages int

	Disabled  bool
	StaleTime time.Duration
	GCTime    time.Duration

	Retry      RetryPolicy
	RetryDelay RetryDelay

	DisableRefetchOnMount     bool
	DisableRetryOnMount       bool
	DisableRefetchOnFocus     bool
	DisableRefetchOnReconnect bool

	// Placeholder supplies an observer-only page list shown while pending.
	Placeholder func() []T
}

// InfiniteQueryResult is the derived view of a paginated entry.
type InfiniteQueryResult[T any] struct {
	Status        Status
	Pages         []T
	PageParams    []any
	Error         error
	IsFetching    bool
	IsStale       bool
	IsPlaceholder bool
	FailureCount  int
	FailureReason error
	DataUpdatedAt time.Time

	IsFetchingNextPage     bool
	IsFetchingPreviousPage bool
	HasNextPage            bool
	HasPreviousPage        bool
	FetchNextPageError     error
	FetchPreviousPageError error
}

func (r InfiniteQueryResult[T]) IsPending() bool { return r.Status == StatusPending }
func (r InfiniteQueryResult[T]) IsSuccess() bool { return r.Status == StatusSuccess }
func (r InfiniteQueryResult[T]) IsError() bool   { return r.Status == StatusError }
