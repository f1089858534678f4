package requery

import "sync"

// subscribable is a generic add/remove-listener container. onFirst fires when
// the listener count goes 0->1, onLast when it goes 1->0. Notification
// iterates a snapshot taken under the lock, so listeners may unsubscribe
// (themselves or others) from within a callback. A panicking listener never
// prevents delivery to the rest; panics are reported through onPanic.
type subscribable[L any] struct {
	mu        sync.Mutex
	seq       int
	listeners map[int]L

	onFirst func()
	onLast  func()
	onPanic func(recovered any)
}

func newSubscribable[L any]() *subscribable[L] {
	return &subscribable[L]{listeners: make(map[int]L)}
}

// subscribe registers l and returns an idempotent unsubscribe func.
func (s *subscribable[L]) subscribe(l L) func() {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.listeners[id] = l
	first := len(s.listeners) == 1
	onFirst := s.onFirst
	s.mu.Unlock()

	if first && onFirst != nil {
		onFirst()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			last := len(s.listeners) == 0
			onLast := s.onLast
			s.mu.Unlock()
			if last && onLast != nil {
				onLast()
			}
		})
	}
}

// each calls fn for every listener registered at the time of the call.
func (s *subscribable[L]) each(fn func(L)) {
	s.mu.Lock()
	snapshot := make([]L, 0, len(s.listeners))
	for _, l := range s.listeners {
		snapshot = append(snapshot, l)
	}
	onPanic := s.onPanic
	s.mu.Unlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(r)
				}
			}()
			fn(l)
		}()
	}
}

func (s *subscribable[L]) hasListeners() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners) > 0
}

func (s *subscribable[L]) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
