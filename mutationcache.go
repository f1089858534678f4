package requery

import (
	"fmt"
	"sort"
	"sync"
)

// MutationEvent is delivered synchronously to mutation-cache listeners.
type MutationEvent struct {
	Type     EventType // EventAdded, EventUpdated or EventRemoved
	Mutation *Mutation
}

// MutationListener receives mutation-cache events.
type MutationListener func(MutationEvent)

type mutationCacheConfig struct {
	log       Logger
	hooks     Hooks
	onSuccess func(data, vars any, m *Mutation)
	onError   func(err error, vars any, m *Mutation)
	onSettled func(data any, err error, vars any, m *Mutation)
}

// MutationCache tracks every in-flight and settled mutation. Unlike the
// query cache it has no stable keying: each mutate call builds a fresh
// Mutation with a sequence id.
type MutationCache struct {
	log       Logger
	hooks     Hooks
	onSuccess func(data, vars any, m *Mutation)
	onError   func(err error, vars any, m *Mutation)
	onSettled func(data any, err error, vars any, m *Mutation)

	mu        sync.Mutex
	seq       uint64
	mutations map[uint64]*Mutation

	listeners *subscribable[MutationListener]
}

func newMutationCache(cfg mutationCacheConfig) *MutationCache {
	c := &MutationCache{
		log:       cfg.log,
		hooks:     cfg.hooks,
		onSuccess: cfg.onSuccess,
		onError:   cfg.onError,
		onSettled: cfg.onSettled,
		mutations: make(map[uint64]*Mutation),
		listeners: newSubscribable[MutationListener](),
	}
	c.listeners.onPanic = func(r any) { c.hooks.ListenerPanic("mutation", r) }
	return c
}

// Subscribe registers a cross-cutting listener for mutation events.
func (c *MutationCache) Subscribe(l MutationListener) func() {
	return c.listeners.subscribe(l)
}

// Build registers a fresh Mutation and emits EventAdded.
func (c *MutationCache) Build(cfg mutationConfig) *Mutation {
	m := &Mutation{cache: c, cfg: cfg}
	m.gc = newGCTimer(func() { c.expire(m) })
	c.mu.Lock()
	c.seq++
	m.id = c.seq
	c.mutations[m.id] = m
	c.mu.Unlock()
	c.notify(MutationEvent{Type: EventAdded, Mutation: m})
	return m
}

// Remove cancels and deletes m, emitting EventRemoved.
func (c *MutationCache) Remove(m *Mutation) {
	c.mu.Lock()
	_, ok := c.mutations[m.id]
	delete(c.mutations, m.id)
	c.mu.Unlock()
	if ok {
		m.Cancel()
		c.notify(MutationEvent{Type: EventRemoved, Mutation: m})
	}
}

// Clear removes and cancels every tracked mutation.
func (c *MutationCache) Clear() {
	for _, m := range c.All() {
		c.Remove(m)
	}
}

// All returns the tracked mutations in creation order.
func (c *MutationCache) All() []*Mutation {
	c.mu.Lock()
	out := make([]*Mutation, 0, len(c.mutations))
	for _, m := range c.mutations {
		out = append(out, m)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len reports the number of tracked mutations.
func (c *MutationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mutations)
}

// expire is the GC callback for mutations that opted into idle eviction.
func (c *MutationCache) expire(m *Mutation) {
	m.mu.Lock()
	busy := len(m.observers) > 0 || m.status == MutationPending
	m.mu.Unlock()
	if busy {
		return
	}
	c.hooks.EntryEvicted(c.mutationKey(m))
	c.Remove(m)
}

func (c *MutationCache) notifyUpdated(m *Mutation) {
	c.notify(MutationEvent{Type: EventUpdated, Mutation: m})
}

func (c *MutationCache) notify(ev MutationEvent) {
	c.listeners.each(func(l MutationListener) { l(ev) })
}

func (c *MutationCache) mutationKey(m *Mutation) string {
	return fmt.Sprintf("mutation:%d", m.id)
}

// guard isolates a user callback: a panic is reported, never propagated.
func (c *MutationCache) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.hooks.ListenerPanic("mutation", r)
		}
	}()
	fn()
}

// dispatchResultHooks runs the cache-level global callbacks, last in the
// settle order. Observability only.
func (c *MutationCache) dispatchResultHooks(m *Mutation, data any, err error, vars any) {
	if err == nil && c.onSuccess != nil {
		c.guard(func() { c.onSuccess(data, vars, m) })
	}
	if err != nil && c.onError != nil {
		c.guard(func() { c.onError(err, vars, m) })
	}
	if c.onSettled != nil {
		c.guard(func() { c.onSettled(data, err, vars, m) })
	}
}
