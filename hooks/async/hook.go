// Package asynchook decouples hook delivery from the engine's hot paths by
// pushing every event onto a bounded queue drained by worker goroutines.
// Events are dropped when the queue is full rather than blocking a fetch.
//
// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/phenek/requery"
//	"github.com/phenek/requery/hooks/async"
//	"github.com/phenek/requery/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    RetryEvery: 10, // sample logs: ~every 10th scheduled retry
//	    EvictEvery: 1,  // log every eviction
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	client := requery.New(requery.Options{
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/phenek/requery"
)

type Hooks struct {
	inner requery.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ requery.Hooks = (*Hooks)(nil)

func New(inner requery.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) RetryScheduled(k string, n int, err error) {
	h.try(func() { h.inner.RetryScheduled(k, n, err) })
}
func (h *Hooks) EntryEvicted(k string)     { h.try(func() { h.inner.EntryEvicted(k) }) }
func (h *Hooks) TypeMismatch(k string)     { h.try(func() { h.inner.TypeMismatch(k) }) }
func (h *Hooks) RefetchRequested(k string) { h.try(func() { h.inner.RefetchRequested(k) }) }
func (h *Hooks) ListenerPanic(scope string, recovered any) {
	h.try(func() { h.inner.ListenerPanic(scope, recovered) })
}
func (h *Hooks) HydrateRejected(k, reason string) {
	h.try(func() { h.inner.HydrateRejected(k, reason) })
}
