package channel

import (
	"sync/atomic"
	"time"

	"github.com/danmuck/bluesync/internal/protocol/session"
)

// Timer is a one-shot callback that fires on the channel worker. Stop and
// firing race through one flag, so fn runs at most once and never after
// Stop returned true.
type Timer struct {
	ch      *Channel
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc schedules fn on the worker after d. Timers created after
// teardown never fire.
func (c *Channel) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{ch: c}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timersClosed {
		tm.stopped.Store(true)
		return tm
	}
	c.timers[tm] = struct{}{}
	tm.t = time.AfterFunc(d, func() {
		c.Post(func() { tm.fire(fn) })
	})
	return tm
}

func (t *Timer) fire(fn func()) {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.ch.untrack(t)
	fn()
}

func (t *Timer) Stop() bool {
	if t == nil || !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.ch.timerMu.Lock()
	if t.t != nil {
		t.t.Stop()
	}
	delete(t.ch.timers, t)
	t.ch.timerMu.Unlock()
	return true
}

func (c *Channel) untrack(t *Timer) {
	c.timerMu.Lock()
	delete(c.timers, t)
	c.timerMu.Unlock()
}

// PendingTimers reports how many timers are armed.
func (c *Channel) PendingTimers() int {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	return len(c.timers)
}

func (c *Channel) stopTimers() int {
	c.timerMu.Lock()
	c.timersClosed = true
	armed := make([]*Timer, 0, len(c.timers))
	for t := range c.timers {
		armed = append(armed, t)
		delete(c.timers, t)
	}
	c.timerMu.Unlock()
	for _, t := range armed {
		t.stopped.Store(true)
		t.t.Stop()
	}
	return len(armed)
}

// Scheduler adapts the channel timers to the request registry.
func (c *Channel) Scheduler() session.Scheduler {
	return scheduler{c}
}

type scheduler struct {
	ch *Channel
}

func (s scheduler) AfterFunc(d time.Duration, fn func()) session.Timer {
	return s.ch.AfterFunc(d, fn)
}
