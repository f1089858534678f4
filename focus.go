package requery

import "sync"

// StateSignal is a boolean-valued pub-sub used for environment signals
// (window/app focus, network connectivity). The core never detects OS-level
// focus or connectivity; an external collaborator calls Set and interested
// observers react. Subscribers are notified only on transitions.
type StateSignal struct {
	mu    sync.Mutex
	value bool
	subs  *subscribable[func(bool)]
}

func newStateSignal(initial bool, hooks Hooks) *StateSignal {
	s := &StateSignal{value: initial, subs: newSubscribable[func(bool)]()}
	s.subs.onPanic = func(r any) { hooks.ListenerPanic("signal", r) }
	return s
}

// Set updates the state and notifies subscribers when it changed.
func (s *StateSignal) Set(v bool) {
	s.mu.Lock()
	changed := s.value != v
	s.value = v
	s.mu.Unlock()
	if changed {
		s.subs.each(func(fn func(bool)) { fn(v) })
	}
}

// Value returns the current state.
func (s *StateSignal) Value() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe registers fn for transition notifications.
func (s *StateSignal) Subscribe(fn func(bool)) func() {
	return s.subs.subscribe(fn)
}
