// Package requery implements a client-side cache for asynchronous remote
// reads ("queries") and one-shot writes ("mutations"). It tracks staleness,
// deduplicates concurrent fetches onto a shared in-flight task, retries with
// configurable backoff, garbage-collects entries nobody observes, and
// accumulates paginated data for infinite queries.
//
// Components:
//   - Client: owns a QueryCache, a MutationCache and the focus/online signals.
//     Construct one per process (or per test) and pass it explicitly.
//   - Query: the cache-owned record for one canonical key. Runs fetches,
//     owns the in-flight task and the GC timer.
//   - QueryObserver[T] / InfiniteQueryObserver[T, P]: per-subscription views
//     that derive UI-facing state (stale, placeholder, fetching flags) and
//     decide when a fetch is warranted.
//   - MutationObserver[T, V]: the analogous engine for write operations.
//
// Keys are ordered sequences of JSON-serializable parts. Two keys index the
// same entry iff their canonical strings match; a shorter key is a prefix of
// a longer one, which enables bulk invalidation:
//
//	c := requery.New(requery.Options{})
//	obs := requery.NewQueryObserver(c, requery.QueryOptions[Todo]{
//	    Key:   requery.Key{"todos", 5},
//	    Fetch: func(ctx context.Context) (Todo, error) { return loadTodo(ctx, 5) },
//	})
//	unsub := obs.Subscribe(func(r requery.QueryResult[Todo]) { render(r) })
//	defer unsub()
//
//	c.InvalidateQueries(requery.Key{"todos"}, false) // removes + refetches todos/*
package requery
