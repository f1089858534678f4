package requery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// orderLog records callback firing order across goroutines.
type orderLog struct {
	mu     sync.Mutex
	events []string
}

func (l *orderLog) add(s string) {
	l.mu.Lock()
	l.events = append(l.events, s)
	l.mu.Unlock()
}

func (l *orderLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestMutationCallbackOrderOnSuccess(t *testing.T) {
	log := &orderLog{}
	c := New(Options{
		OnMutationSuccess: func(any, any, *Mutation) { log.add("global.success") },
		OnMutationSettled: func(any, error, any, *Mutation) { log.add("global.settled") },
	})

	o := NewMutationObserver(c, MutationOptions[string, int]{
		Fn: func(_ context.Context, v int) (string, error) {
			log.add("fn")
			return "done", nil
		},
		OnMutate:  func(int) { log.add("opts.mutate") },
		OnSuccess: func(string, int) { log.add("opts.success") },
		OnSettled: func(string, error, int) { log.add("opts.settled") },
	})

	v, err := o.MutateAsync(context.Background(), 1, MutateCallbacks[string]{
		OnSuccess: func(string) { log.add("call.success") },
		OnSettled: func(string, error) { log.add("call.settled") },
	})
	if err != nil || v != "done" {
		t.Fatalf("MutateAsync = (%q, %v)", v, err)
	}

	want := []string{
		"opts.mutate",
		"fn",
		"call.success",
		"call.settled",
		"opts.success",
		"opts.settled",
		"global.success",
		"global.settled",
	}
	if diff := cmp.Diff(want, log.snapshot()); diff != "" {
		t.Fatalf("callback order (-want +got):\n%s", diff)
	}
}

func TestMutationCallbackOrderOnError(t *testing.T) {
	log := &orderLog{}
	errBoom := errors.New("boom")
	c := New(Options{
		OnMutationError:   func(error, any, *Mutation) { log.add("global.error") },
		OnMutationSettled: func(any, error, any, *Mutation) { log.add("global.settled") },
	})

	o := NewMutationObserver(c, MutationOptions[string, int]{
		Fn:        func(context.Context, int) (string, error) { return "", errBoom },
		OnError:   func(error, int) { log.add("opts.error") },
		OnSettled: func(string, error, int) { log.add("opts.settled") },
	})

	_, err := o.MutateAsync(context.Background(), 1, MutateCallbacks[string]{
		OnError:   func(error) { log.add("call.error") },
		OnSettled: func(string, error) { log.add("call.settled") },
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want %v", err, errBoom)
	}

	want := []string{
		"call.error", "call.settled",
		"opts.error", "opts.settled",
		"global.error", "global.settled",
	}
	if diff := cmp.Diff(want, log.snapshot()); diff != "" {
		t.Fatalf("callback order (-want +got):\n%s", diff)
	}
	if r := o.Result(); !r.IsError() || !errors.Is(r.Error, errBoom) {
		t.Fatalf("result = %+v, want error state", r)
	}
}

func TestMutationDefaultIsNoRetry(t *testing.T) {
	c := newTestClient(t, nil)
	var attempts atomic.Int32
	o := NewMutationObserver(c, MutationOptions[int, int]{
		Fn: func(context.Context, int) (int, error) {
			attempts.Add(1)
			return 0, errors.New("reject")
		},
	})
	if _, err := o.MutateAsync(context.Background(), 0); err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 1 {
		t.Fatalf("mutation retried by default; attempts=%d", attempts.Load())
	}
}

func TestMutationOptInRetry(t *testing.T) {
	c := newTestClient(t, nil)
	var attempts atomic.Int32
	o := NewMutationObserver(c, MutationOptions[int, int]{
		Fn: func(context.Context, int) (int, error) {
			if attempts.Add(1) < 2 {
				return 0, errors.New("transient")
			}
			return 5, nil
		},
		Retry:      RetryAttempts(3),
		RetryDelay: DelayFixed(time.Millisecond),
	})
	v, err := o.MutateAsync(context.Background(), 0)
	if err != nil || v != 5 {
		t.Fatalf("MutateAsync = (%v, %v)", v, err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", attempts.Load())
	}
}

func TestMutationStateTransitions(t *testing.T) {
	c := newTestClient(t, nil)
	release := make(chan struct{})
	o := NewMutationObserver(c, MutationOptions[string, string]{
		Fn: func(_ context.Context, v string) (string, error) {
			<-release
			return v + "!", nil
		},
	})

	var mu sync.Mutex
	var statuses []MutationStatus
	defer o.Subscribe(func(r MutationResult[string]) {
		mu.Lock()
		statuses = append(statuses, r.Status)
		mu.Unlock()
	})()

	if !o.Result().IsIdle() {
		t.Fatal("fresh observer must be idle")
	}

	done := make(chan struct{})
	go func() {
		if v, err := o.MutateAsync(context.Background(), "hi"); err != nil || v != "hi!" {
			t.Errorf("MutateAsync = (%q, %v)", v, err)
		}
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return o.Result().IsPending() }, "pending state")
	close(release)
	<-done

	r := o.Result()
	if !r.IsSuccess() || r.Data != "hi!" {
		t.Fatalf("final result = %+v", r)
	}

	mu.Lock()
	defer mu.Unlock()
	sawPending := false
	for _, s := range statuses {
		if s == MutationPending {
			sawPending = true
		}
	}
	if !sawPending || statuses[len(statuses)-1] != MutationSuccess {
		t.Fatalf("status stream = %v, want pending then success", statuses)
	}
}

func TestMutationResetReturnsToIdle(t *testing.T) {
	c := newTestClient(t, nil)
	o := NewMutationObserver(c, MutationOptions[int, int]{
		Fn: func(_ context.Context, v int) (int, error) { return v * 2, nil },
	})
	if _, err := o.MutateAsync(context.Background(), 4); err != nil {
		t.Fatalf("MutateAsync: %v", err)
	}
	if r := o.Result(); !r.IsSuccess() || r.Data != 8 {
		t.Fatalf("result = %+v", r)
	}

	o.Reset()
	r := o.Result()
	if !r.IsIdle() || r.HasData || r.Error != nil {
		t.Fatalf("after Reset: %+v", r)
	}
}

func TestPerCallCallbacksSurviveReset(t *testing.T) {
	c := newTestClient(t, nil)
	release := make(chan struct{})
	o := NewMutationObserver(c, MutationOptions[int, int]{
		Fn: func(_ context.Context, v int) (int, error) {
			<-release
			return v * 2, nil
		},
	})

	var success, settled atomic.Int32
	done := make(chan struct{})
	go func() {
		v, err := o.MutateAsync(context.Background(), 3, MutateCallbacks[int]{
			OnSuccess: func(int) { success.Add(1) },
			OnSettled: func(int, error) { settled.Add(1) },
		})
		if err != nil || v != 6 {
			t.Errorf("MutateAsync = (%v, %v)", v, err)
		}
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return o.Result().IsPending() }, "pending state")

	// Tear the observer down while the write is still running.
	o.Reset()
	if !o.Result().IsIdle() {
		t.Fatal("Reset must return the observer to idle")
	}

	close(release)
	<-done
	if success.Load() != 1 || settled.Load() != 1 {
		t.Fatalf("per-call callbacks fired (success=%d, settled=%d), want exactly once each",
			success.Load(), settled.Load())
	}
	if !o.Result().IsIdle() {
		t.Fatal("a detached mutation must not update the observer")
	}
}

func TestEachMutateCallBuildsFreshMutation(t *testing.T) {
	c := newTestClient(t, nil)
	var optsCalls atomic.Int32
	o := NewMutationObserver(c, MutationOptions[int, int]{
		Fn:        func(_ context.Context, v int) (int, error) { return v, nil },
		OnSuccess: func(int, int) { optsCalls.Add(1) },
	})

	for i := 0; i < 3; i++ {
		if _, err := o.MutateAsync(context.Background(), i); err != nil {
			t.Fatalf("MutateAsync %d: %v", i, err)
		}
	}
	if got := c.MutationCache().Len(); got != 3 {
		t.Fatalf("MutationCache.Len = %d, want 3 (one per call)", got)
	}
	if optsCalls.Load() != 3 {
		t.Fatalf("OnSuccess fired %d times, want once per call", optsCalls.Load())
	}

	all := c.MutationCache().All()
	for i := 1; i < len(all); i++ {
		if all[i].ID() <= all[i-1].ID() {
			t.Fatal("All must return mutations in creation order")
		}
	}
}

func TestMutationGCIsOptIn(t *testing.T) {
	c := newTestClient(t, nil)

	keep := NewMutationObserver(c, MutationOptions[int, int]{
		Fn: func(_ context.Context, v int) (int, error) { return v, nil },
	})
	if _, err := keep.MutateAsync(context.Background(), 1); err != nil {
		t.Fatalf("MutateAsync: %v", err)
	}
	keep.Reset()

	evict := NewMutationObserver(c, MutationOptions[int, int]{
		Fn:     func(_ context.Context, v int) (int, error) { return v, nil },
		GCTime: 20 * time.Millisecond,
	})
	if _, err := evict.MutateAsync(context.Background(), 2); err != nil {
		t.Fatalf("MutateAsync: %v", err)
	}
	evict.Reset()

	waitFor(t, time.Second, func() bool { return c.MutationCache().Len() == 1 },
		"opt-in GC mutation was not evicted")
	time.Sleep(50 * time.Millisecond)
	if c.MutationCache().Len() != 1 {
		t.Fatal("mutation without GCTime must stay until Clear")
	}

	c.MutationCache().Clear()
	if c.MutationCache().Len() != 0 {
		t.Fatal("Clear must drop every mutation")
	}
}

func TestMutationCallbackPanicDoesNotAlterOutcome(t *testing.T) {
	hooks := &recordingHooks{}
	c := newTestClient(t, hooks)
	o := NewMutationObserver(c, MutationOptions[int, int]{
		Fn:        func(_ context.Context, v int) (int, error) { return v + 1, nil },
		OnSuccess: func(int, int) { panic("listener bug") },
	})
	v, err := o.MutateAsync(context.Background(), 1)
	if err != nil || v != 2 {
		t.Fatalf("panicking callback changed the outcome: (%v, %v)", v, err)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.panics) != 1 || hooks.panics[0] != "mutation" {
		t.Fatalf("ListenerPanic = %v, want one mutation-scoped report", hooks.panics)
	}
}
