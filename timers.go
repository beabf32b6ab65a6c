package fibev

import (
	"container/heap"
	"time"
)

// armTimer arms a one-shot deadline against the backend's own timer heap
// (spec §3 "Timer watcher"), independent of whichever Reactor is in use —
// see [Backend.pollOnce], which turns the heap's next deadline into the
// millisecond budget passed to Reactor.Run. Returns the watcher so the
// caller can cancel it via [Backend.cancelTimer].
func (b *Backend) armTimer(deadline time.Time, fiber *Fiber, v resumeValue) *timerWatcher {
	tw := &timerWatcher{deadline: deadline, fiber: fiber, value: v}
	heap.Push(&b.timers, tw)
	tw.cancel = func() { b.timers.remove(tw) }
	return tw
}

// cancelTimer removes tw from the heap if still armed. Safe to call after
// the timer has already fired (remove is then a no-op, since heapIndex is
// -1 by then).
func (b *Backend) cancelTimer(tw *timerWatcher) {
	if tw != nil && tw.cancel != nil {
		tw.cancel()
	}
}

// fireExpiredTimers pops and schedules every timer whose deadline has
// passed. Called both before and after the reactor's wait so a timer due
// "now" fires without waiting for another fd event to wake a blocking poll.
func (b *Backend) fireExpiredTimers() {
	now := time.Now()
	for len(b.timers) > 0 && !b.timers[0].deadline.After(now) {
		tw, _ := heap.Pop(&b.timers).(*timerWatcher)
		if tw != nil && tw.fiber != nil {
			b.schedule(tw.fiber, tw.value, false)
		}
	}
}

// nextTimeoutMs reports how long pollOnce should let the reactor block:
// -1 (wait indefinitely) when no timer is armed, 0 when one has already
// expired, or the millisecond distance to the nearest deadline otherwise
// (rounded up so a timer never fires early due to truncation).
func (b *Backend) nextTimeoutMs() int {
	if len(b.timers) == 0 {
		return -1
	}
	d := time.Until(b.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms <= 0 {
		ms = 1
	}
	return int(ms)
}
