package requery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchDeduplication(t *testing.T) {
	c := newTestClient(t, nil)
	var calls atomic.Int32
	release := make(chan struct{})

	q := c.QueryCache().Build(Key{"users", 1}, queryConfig{
		fetch: func(context.Context) (any, error) {
			calls.Add(1)
			<-release
			return "ada", nil
		},
	}, 0)

	const n = 8
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := q.Fetch(context.Background())
			if err != nil {
				t.Errorf("Fetch: %v", err)
			}
			results[i] = v
		}(i)
	}

	waitFor(t, time.Second, func() bool { return calls.Load() == 1 }, "fetch did not start")
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("concurrent callers must share one in-flight fetch; ran %d", got)
	}
	for i, v := range results {
		if v != "ada" {
			t.Fatalf("caller %d got %v, want ada", i, v)
		}
	}
}

func TestFetchErrorKeepsPreviousData(t *testing.T) {
	c := newTestClient(t, nil)
	fail := false
	q := c.QueryCache().Build(Key{"users", 2}, queryConfig{
		fetch: func(context.Context) (any, error) {
			if fail {
				return nil, errors.New("offline")
			}
			return "v1", nil
		},
	}, 0)

	if _, err := q.Fetch(context.Background()); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	fail = true
	if _, err := q.Fetch(context.Background()); err == nil {
		t.Fatal("second fetch should fail")
	}

	e, ok := q.Entry()
	if !ok {
		t.Fatal("entry missing")
	}
	if e.Result.Status != StatusError {
		t.Fatalf("status = %v, want error", e.Result.Status)
	}
	if e.Result.Data != "v1" {
		t.Fatalf("failed refetch must keep last-known-good data, got %v", e.Result.Data)
	}
}

func TestCancelKeepsLastKnownGood(t *testing.T) {
	c := newTestClient(t, nil)
	var phase atomic.Int32
	q := c.QueryCache().Build(Key{"users", 3}, queryConfig{
		fetch: func(context.Context) (any, error) {
			if phase.Load() == 0 {
				return "v1", nil
			}
			return nil, errors.New("flaky")
		},
		retry:      RetryForever(),
		retryDelay: DelayFixed(time.Hour),
	}, 0)

	if _, err := q.Fetch(context.Background()); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	phase.Store(1)

	done := make(chan error, 1)
	go func() {
		_, err := q.Fetch(context.Background())
		done <- err
	}()
	waitFor(t, time.Second, func() bool {
		e, ok := q.Entry()
		return ok && e.Result.FailureCount == 1
	}, "refetch did not reach its first failure")

	q.Cancel()
	err := <-done
	if !IsCancelled(err) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	e, _ := q.Entry()
	if e.Result.Status != StatusSuccess || e.Result.Data != "v1" {
		t.Fatalf("cancelled refetch must keep the old snapshot, got status=%v data=%v",
			e.Result.Status, e.Result.Data)
	}
	if e.Result.IsFetching {
		t.Fatal("IsFetching must clear after cancel")
	}
}

func TestIdleRecordIsCollected(t *testing.T) {
	hooks := &recordingHooks{}
	c := newTestClient(t, hooks)

	c.QueryCache().Build(Key{"short-lived"}, queryConfig{
		fetch: func(context.Context) (any, error) { return 1, nil },
	}, 30*time.Millisecond)

	if c.QueryCache().Len() != 1 {
		t.Fatal("record should exist right after Build")
	}
	waitFor(t, time.Second, func() bool { return c.QueryCache().Len() == 0 },
		"idle record was not collected")
	if hooks.evictedCount() != 1 {
		t.Fatalf("EntryEvicted fired %d times, want 1", hooks.evictedCount())
	}
}

func TestObserverPinsRecord(t *testing.T) {
	c := newTestClient(t, nil)
	o := NewQueryObserver(c, QueryOptions[int]{
		Key:      Key{"pinned"},
		Fetch:    func(context.Context) (int, error) { return 7, nil },
		GCTime:   20 * time.Millisecond,
		Disabled: true,
	})
	unsub := o.Subscribe(func(QueryResult[int]) {})

	time.Sleep(80 * time.Millisecond)
	if c.QueryCache().Len() != 1 {
		t.Fatal("record with an attached observer must never be collected")
	}

	unsub()
	waitFor(t, time.Second, func() bool { return c.QueryCache().Len() == 0 },
		"record was not collected after last observer detached")
}

func TestReattachCancelsPendingCollection(t *testing.T) {
	c := newTestClient(t, nil)
	opts := QueryOptions[int]{
		Key:      Key{"revived"},
		Fetch:    func(context.Context) (int, error) { return 7, nil },
		GCTime:   40 * time.Millisecond,
		Disabled: true,
	}
	o1 := NewQueryObserver(c, opts)
	o1.Subscribe(func(QueryResult[int]) {})()

	// A new observer arrives before the eviction timer fires.
	o2 := NewQueryObserver(c, opts)
	unsub := o2.Subscribe(func(QueryResult[int]) {})
	defer unsub()

	time.Sleep(120 * time.Millisecond)
	if c.QueryCache().Len() != 1 {
		t.Fatal("reattaching an observer must cancel the pending collection")
	}
}

func TestGCNeverPinsForever(t *testing.T) {
	c := newTestClient(t, nil)
	c.QueryCache().Build(Key{"forever"}, queryConfig{}, GCNever)
	time.Sleep(60 * time.Millisecond)
	if c.QueryCache().Len() != 1 {
		t.Fatal("GCNever record must not be collected")
	}
}

func TestGCTimeAccumulatesMax(t *testing.T) {
	c := newTestClient(t, nil)
	q := c.QueryCache().Build(Key{"acc"}, queryConfig{}, 10*time.Millisecond)
	q.bumpGCTime(time.Hour)
	q.bumpGCTime(20 * time.Millisecond) // lower value must not shrink it

	q.mu.Lock()
	got := q.gcTime
	q.mu.Unlock()
	if got != time.Hour {
		t.Fatalf("gcTime = %v, want the max across observers (1h)", got)
	}
}

func TestCacheEventsOnLifecycle(t *testing.T) {
	c := newTestClient(t, nil)
	var mu sync.Mutex
	var types []EventType
	unsub := c.QueryCache().Subscribe(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	defer unsub()

	key := Key{"events"}
	q := c.QueryCache().Build(key, queryConfig{
		fetch: func(context.Context) (any, error) { return "x", nil },
	}, 0)
	if _, err := q.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	c.QueryCache().Remove(key)

	mu.Lock()
	defer mu.Unlock()
	if len(types) < 3 || types[0] != EventAdded || types[len(types)-1] != EventRemoved {
		t.Fatalf("event sequence = %v, want Added ... Removed", types)
	}
	sawUpdate := false
	for _, typ := range types[1 : len(types)-1] {
		if typ == EventUpdated {
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Fatal("expected at least one EventUpdated between add and remove")
	}
}

func TestRemoveWhereAndClear(t *testing.T) {
	c := newTestClient(t, nil)
	cache := c.QueryCache()
	cache.Build(Key{"a", 1}, queryConfig{}, GCNever)
	cache.Build(Key{"a", 2}, queryConfig{}, GCNever)
	cache.Build(Key{"b"}, queryConfig{}, GCNever)

	cache.RemoveWhere(func(q *Query) bool { return q.Key().HasPrefix(Key{"a"}) })
	if cache.Len() != 1 {
		t.Fatalf("Len = %d after RemoveWhere, want 1", cache.Len())
	}
	if _, ok := cache.Get(Key{"b"}); !ok {
		t.Fatal("unmatched record must survive RemoveWhere")
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Fatalf("Len = %d after Clear, want 0", cache.Len())
	}
}
