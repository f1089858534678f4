package requery

import (
	"sync"
	"time"
)

// gcTimer schedules a removal callback after an idle duration. schedule is
// called whenever the owner loses its last observer; cancel whenever one
// re-attaches. A non-positive duration means the owner is never collected.
type gcTimer struct {
	mu       sync.Mutex
	onExpire func()
	timer    *time.Timer
}

func newGCTimer(onExpire func()) *gcTimer {
	return &gcTimer{onExpire: onExpire}
}

func (g *gcTimer) schedule(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if d < 0 {
		return
	}
	g.timer = time.AfterFunc(d, g.onExpire)
}

func (g *gcTimer) cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
