package fibev

import "time"

// timeoutFrame identifies one [Backend.Timeout]/[Backend.MoveOn] activation,
// so a [timedOut] sentinel can be matched by pointer identity against the
// frame that armed it rather than any enclosing one (spec §4.E "Nested
// timeouts compose by sentinel identity").
type timeoutFrame struct{}

// Sleep implements spec §4.E "sleep": arm a one-shot timer and await it.
func (b *Backend) Sleep(self *Fiber, d time.Duration) error {
	tw := b.armTimer(time.Now().Add(d), self, resumeValue{})
	_, err := b.Await()
	b.cancelTimer(tw)
	return err
}

// TimerLoop implements spec §4.E "timer_loop": drift-free repeated sleep.
// next_time is advanced by interval, repeatedly if necessary, until
// strictly after now before each wait, so a tick slow enough to straddle
// several intervals coalesces into a single subsequent tick call rather
// than firing once per missed interval.
func (b *Backend) TimerLoop(self *Fiber, interval time.Duration, tick func() error) error {
	next := time.Now().Add(interval)
	for {
		if d := time.Until(next); d > 0 {
			tw := b.armTimer(next, self, resumeValue{})
			_, err := b.Await()
			b.cancelTimer(tw)
			if err != nil {
				return err
			}
		}
		for !next.After(time.Now()) {
			next = next.Add(interval)
		}
		if err := tick(); err != nil {
			return err
		}
	}
}

// runWithDeadline is the core shared by [Backend.Timeout] and
// [Backend.MoveOn]: arm a timer whose resume value is a [timedOut] sentinel
// tagged with this call's own frame, run fn, and unregister the timer on
// every exit path (spec §4.E "on exit (any path) unregister the timer").
func (b *Backend) runWithDeadline(self *Fiber, d time.Duration, fn func() (any, error)) (val any, err error, didTimeOut bool) {
	frame := &timeoutFrame{}
	tw := b.armTimer(time.Now().Add(d), self, resumeValue{err: &timedOut{frame: frame}})
	defer b.cancelTimer(tw)

	val, err = fn()
	if to, ok := err.(*timedOut); ok && to.frame == frame {
		return nil, nil, true
	}
	return val, err, false
}

// Timeout implements spec §4.E "timeout" with an exception constructor: if
// fn does not complete before d elapses, newErr() is returned instead of
// fn's own result; otherwise fn's normal result or error propagates
// unchanged.
func (b *Backend) Timeout(self *Fiber, d time.Duration, newErr func() error, fn func() (any, error)) (any, error) {
	val, err, timedOut := b.runWithDeadline(self, d, fn)
	if timedOut {
		if newErr != nil {
			return nil, newErr()
		}
		return nil, &TimeoutError{Duration: d.String()}
	}
	return val, err
}

// MoveOn implements spec §4.E "timeout" with a move_on_value instead of an
// exception constructor: elapsing the deadline returns moveOnValue as a
// normal (non-error) result rather than raising (spec §7 "MoveOn... never
// escapes the timeout frame that installed it").
func (b *Backend) MoveOn(self *Fiber, d time.Duration, moveOnValue any, fn func() (any, error)) (any, error) {
	val, err, timedOut := b.runWithDeadline(self, d, fn)
	if timedOut {
		return moveOnValue, nil
	}
	return val, err
}

// EventWaiter is the thread-safe "ping" handle behind spec §4.E
// "wait_event": one goroutine creates it with [Backend.NewEventWaiter] and
// hands it to another thread; that thread calls [EventWaiter.Signal] while a
// fiber owned by b is blocked in [EventWaiter.Wait]. Signal is the only
// method here safe to call off the backend's own goroutine, matching the
// rest of the package's single cross-thread primitive (spec §4.A, DESIGN
// NOTES "Cross-thread wakeup is the only sync primitive").
type EventWaiter struct {
	b *Backend
	w *asyncWatcher
}

// NewEventWaiter registers the underlying async watcher. Must be called
// from the backend's own goroutine, like everything else except Signal.
func (b *Backend) NewEventWaiter() *EventWaiter {
	return &EventWaiter{b: b, w: b.reactor.RegisterAsync(nil)}
}

// Wait suspends self until Signal is called (spec §4.E "wait_event"). raise
// mirrors backend_libev.c's wait_event raise flag (SPEC_FULL.md §C.5): if
// true, a cancellation delivered while waiting propagates as an error; if
// false, it is swallowed and Wait returns nil.
func (ew *EventWaiter) Wait(self *Fiber, raise bool) error {
	ew.w.cb = func() { ew.b.schedule(self, resumeValue{}, false) }
	_, err := ew.b.Await()
	if err != nil && !raise {
		return nil
	}
	return err
}

// Signal is safe to call from any goroutine.
func (ew *EventWaiter) Signal() { ew.b.reactor.SignalAsync(ew.w) }

// Close releases the watcher. Call only once no fiber is waiting on it.
func (ew *EventWaiter) Close() { ew.b.reactor.UnregisterAsync(ew.w) }
