// Package events implements the broadcast event flag groups used for all
// cross-task hand-off in the firmware. A group holds up to 32 independently
// settable one-shot flags. Producers OR bits in, waiters block on an OR-mask
// with a bounded timeout and clear exactly the bits they consume, leaving any
// others untouched for other waiters.
package events

import (
	"errors"
	"sync"
	"time"
)

var ErrTimeout = errors.New("event wait timed out")

type Group struct {
	mu     sync.Mutex
	bits   uint32
	notify chan struct{}
}

func NewGroup() *Group {
	return &Group{
		notify: make(chan struct{}),
	}
}

// Set posts the given flag bits. Non-blocking; safe to call from
// interrupt-level callbacks.
func (g *Group) Set(bits uint32) {
	g.mu.Lock()
	g.bits |= bits
	// Broadcast to all current waiters.
	close(g.notify)
	g.notify = make(chan struct{})
	g.mu.Unlock()
}

// Wait blocks until at least one bit in mask is set, or the timeout elapses.
// Matched bits are cleared and returned; bits outside mask are never touched.
// Every wait is bounded: callers rely on the timeout to recheck cancellation
// flags even with no event activity.
func (g *Group) Wait(mask uint32, timeout time.Duration) (uint32, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		g.mu.Lock()
		if got := g.bits & mask; got != 0 {
			g.bits &^= got
			g.mu.Unlock()
			return got, nil
		}
		ch := g.notify
		g.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return 0, ErrTimeout
		}
	}
}

// Poll returns the currently set bits within mask without blocking. When
// clear is true the matched bits are consumed.
func (g *Group) Poll(mask uint32, clear bool) uint32 {
	g.mu.Lock()
	got := g.bits & mask
	if clear {
		g.bits &^= got
	}
	g.mu.Unlock()
	return got
}
