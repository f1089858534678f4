package requery

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// EventType classifies cache-level notifications.
type EventType int

const (
	// EventAdded fires when a record is created for a key.
	EventAdded EventType = iota
	// EventUpdated fires after every snapshot write for a key.
	EventUpdated
	// EventRemoved fires when a record is evicted or removed.
	EventRemoved
	// EventRefetch asks interested consumers to refetch a key. The entry
	// itself is not mutated; consumers decide what to do.
	EventRefetch
)

// Event is delivered synchronously to cache listeners after each mutating
// operation. Originator, when set, identifies the writer so it can suppress
// its own notification.
type Event struct {
	Type       EventType
	Key        Key
	Canonical  string
	Query      *Query // nil for refetch events targeting a removed key
	Originator string
}

// CacheListener receives cache-level events.
type CacheListener func(Event)

type queryCacheConfig struct {
	log               Logger
	hooks             Hooks
	defaultRetry      RetryPolicy
	defaultRetryDelay RetryDelay
	onSuccess         func(data any, q *Query)
	onError           func(err error, q *Query)
	onSettled         func(data any, err error, q *Query)
}

// QueryCache is the keyed store of query records and the single source of
// truth for entries. All mutating operations notify subscribers
// synchronously, in mutation order.
type QueryCache struct {
	log               Logger
	hooks             Hooks
	defaultRetry      RetryPolicy
	defaultRetryDelay RetryDelay
	onSuccess         func(data any, q *Query)
	onError           func(err error, q *Query)
	onSettled         func(data any, err error, q *Query)

	queries   *xsync.MapOf[string, *Query]
	listeners *subscribable[CacheListener]
}

func newQueryCache(cfg queryCacheConfig) *QueryCache {
	c := &QueryCache{
		log:               cfg.log,
		hooks:             cfg.hooks,
		defaultRetry:      cfg.defaultRetry,
		defaultRetryDelay: cfg.defaultRetryDelay,
		onSuccess:         cfg.onSuccess,
		onError:           cfg.onError,
		onSettled:         cfg.onSettled,
		queries:           xsync.NewMapOf[string, *Query](),
		listeners:         newSubscribable[CacheListener](),
	}
	c.listeners.onPanic = func(r any) { c.hooks.ListenerPanic("cache", r) }
	return c
}

// Subscribe registers a cross-cutting listener for all cache events and
// returns its unsubscribe func.
func (c *QueryCache) Subscribe(l CacheListener) func() {
	return c.listeners.subscribe(l)
}

// Get returns the record for key, if one is built.
func (c *QueryCache) Get(key Key) (*Query, bool) {
	return c.queries.Load(key.Canonical())
}

// Len reports the number of built records.
func (c *QueryCache) Len() int { return c.queries.Size() }

// Build returns the record for key, creating it (and emitting EventAdded) on
// first use. A freshly built record starts its GC clock immediately; the
// first observer attach cancels it.
func (c *QueryCache) Build(key Key, cfg queryConfig, gcTime time.Duration) *Query {
	canon := key.Canonical()
	q, loaded := c.queries.LoadOrCompute(canon, func() *Query {
		return newQuery(c, key, canon)
	})
	q.setConfig(cfg)
	q.bumpGCTime(gcTime)
	if !loaded {
		c.notify(Event{Type: EventAdded, Key: q.Key(), Canonical: canon, Query: q})
		if q.observerCount() == 0 {
			q.mu.Lock()
			d := q.gcTime
			q.mu.Unlock()
			q.gc.schedule(d)
		}
	}
	return q
}

// SetEntry writes an authoritative entry for key, building the record if
// needed. Emits EventAdded for a new record, EventUpdated otherwise, and
// notifies the record's observers. originator suppresses self-notification.
func (c *QueryCache) SetEntry(key Key, res Result, originator string) *Query {
	canon := key.Canonical()
	q, loaded := c.queries.LoadOrCompute(canon, func() *Query {
		return newQuery(c, key, canon)
	})
	if !loaded {
		q.bumpGCTime(0)
		c.notify(Event{Type: EventAdded, Key: q.Key(), Canonical: canon, Query: q})
		if q.observerCount() == 0 {
			q.gc.schedule(defaultGCTime)
		}
	}
	q.setEntry(res, time.Now())
	q.broadcast(originator)
	return q
}

// Remove cancels and deletes the record for key, emitting EventRemoved.
func (c *QueryCache) Remove(key Key) {
	canon := key.Canonical()
	if q, ok := c.queries.LoadAndDelete(canon); ok {
		q.Cancel()
		c.notify(Event{Type: EventRemoved, Key: q.Key(), Canonical: canon, Query: q})
	}
}

// RemoveWhere bulk-removes every record matching pred, emitting a per-key
// EventRemoved.
func (c *QueryCache) RemoveWhere(pred func(*Query) bool) {
	var matched []*Query
	c.queries.Range(func(_ string, q *Query) bool {
		if pred(q) {
			matched = append(matched, q)
		}
		return true
	})
	for _, q := range matched {
		c.Remove(q.key)
	}
}

// RequestRefetch broadcasts a refetch event for key without touching the
// entry. The record pointer is included when one is still built.
func (c *QueryCache) RequestRefetch(key Key, originator string) {
	canon := key.Canonical()
	q, _ := c.queries.Load(canon)
	c.hooks.RefetchRequested(canon)
	c.notify(Event{
		Type:       EventRefetch,
		Key:        append(Key(nil), key...),
		Canonical:  canon,
		Query:      q,
		Originator: originator,
	})
}

// Clear removes and cancels every record.
func (c *QueryCache) Clear() {
	c.RemoveWhere(func(*Query) bool { return true })
}

// expire is the GC callback: evict the record if it is still idle. A record
// with an unsettled fetch is skipped; the fetch reschedules GC on settle.
func (c *QueryCache) expire(q *Query) {
	q.mu.Lock()
	busy := len(q.observers) > 0 || q.anyUnsettledLocked()
	q.mu.Unlock()
	if busy {
		return
	}
	if _, ok := c.queries.LoadAndDelete(q.canon); ok {
		q.Cancel()
		c.hooks.EntryEvicted(q.canon)
		c.log.Debug("entry evicted", Fields{"key": q.canon})
		c.notify(Event{Type: EventRemoved, Key: q.Key(), Canonical: q.canon, Query: q})
	}
}

func (c *QueryCache) notify(ev Event) {
	c.listeners.each(func(l CacheListener) { l(ev) })
}

// dispatchResultHooks runs the cache-level result hooks. They are
// observability only: a panicking hook never alters the delivered result.
func (c *QueryCache) dispatchResultHooks(q *Query, data any, err error) {
	guard := func(fn func()) {
		defer func() {
			if r := recover(); r != nil {
				c.hooks.ListenerPanic("cache", r)
			}
		}()
		fn()
	}
	if err == nil && c.onSuccess != nil {
		guard(func() { c.onSuccess(data, q) })
	}
	if err != nil && c.onError != nil {
		guard(func() { c.onError(err, q) })
	}
	if c.onSettled != nil {
		guard(func() { c.onSettled(data, err, q) })
	}
}
