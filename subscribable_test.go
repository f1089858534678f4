package requery

import "testing"

func TestSubscribableFirstLastHooks(t *testing.T) {
	var firsts, lasts int
	s := newSubscribable[func()]()
	s.onFirst = func() { firsts++ }
	s.onLast = func() { lasts++ }

	un1 := s.subscribe(func() {})
	un2 := s.subscribe(func() {})
	if firsts != 1 {
		t.Fatalf("onFirst fired %d times, want 1", firsts)
	}

	un1()
	if lasts != 0 {
		t.Fatalf("onLast fired before last unsubscribe")
	}
	un2()
	un2() // idempotent
	if lasts != 1 {
		t.Fatalf("onLast fired %d times, want 1", lasts)
	}

	s.subscribe(func() {})
	if firsts != 2 {
		t.Fatalf("onFirst must fire again on 0->1, got %d", firsts)
	}
}

func TestSubscribablePanicIsolation(t *testing.T) {
	var recovered []any
	var delivered int
	s := newSubscribable[func()]()
	s.onPanic = func(r any) { recovered = append(recovered, r) }

	s.subscribe(func() { panic("boom") })
	s.subscribe(func() { delivered++ })

	s.each(func(fn func()) { fn() })

	if len(recovered) != 1 {
		t.Fatalf("expected 1 recovered panic, got %d", len(recovered))
	}
	if delivered != 1 {
		t.Fatalf("panicking listener must not block delivery; delivered=%d", delivered)
	}
}

func TestSubscribableUnsubscribeDuringEach(t *testing.T) {
	s := newSubscribable[*int]()
	var un func()
	n := 0
	un = s.subscribe(&n)
	s.each(func(l *int) {
		*l++
		un()
	})
	if n != 1 {
		t.Fatalf("listener called %d times, want 1", n)
	}
	if s.hasListeners() {
		t.Fatal("listener should be gone after self-unsubscribe")
	}
}
