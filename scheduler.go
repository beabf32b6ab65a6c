package fibev

import "go.uber.org/zap"

// schedule makes f runnable with resume value v, at the back of the run
// queue or, if prioritize is set, at the front. It is idempotent: a fiber
// already queued has its resume value updated in place rather than gaining
// a second entry (spec §4.C "schedule"). Safe to call from a reactor
// callback, which runs on the backend's own goroutine with b.current
// intentionally left unset to that callback (spec §4.A "Contracts").
func (b *Backend) schedule(f *Fiber, v resumeValue, prioritize bool) {
	if f.State() == FiberDead {
		return
	}
	f.state.Store(int32(FiberRunnable))
	delete(b.parked, f)
	if prioritize {
		b.rq.pushFront(f, v)
	} else {
		b.rq.pushBack(f, v)
	}
}

// parkFiber records f as suspended by non-I/O means (spec §4.C
// "park_fiber"), for diagnostics/shutdown enumeration. It does not touch
// the run queue.
func (b *Backend) parkFiber(f *Fiber) {
	f.state.Store(int32(FiberParked))
	b.parked[f] = struct{}{}
}

// unparkFiber reverses parkFiber without affecting scheduling.
func (b *Backend) unparkFiber(f *Fiber) {
	delete(b.parked, f)
}

// ParkedFibers returns a snapshot of fibers currently parked, for
// diagnostics.
func (b *Backend) ParkedFibers() []*Fiber {
	out := make([]*Fiber, 0, len(b.parked))
	for f := range b.parked {
		out = append(out, f)
	}
	return out
}

// popRunnable implements the bulk of switch_fiber (spec §4.C, steps 1-2):
// if the run queue is empty, block on the reactor (running idle tasks
// first) until something becomes runnable; otherwise, every
// schedulerPollInterval switches, drain any already-ready events with a
// non-blocking poll first so I/O keeps progressing under CPU-bound fibers.
func (b *Backend) popRunnable() (*Fiber, resumeValue) {
	for b.rq.len() == 0 {
		b.runIdleTasks()
		if err := b.pollOnce(pollBlocking); err != nil {
			b.logger().Warn("reactor poll failed", zap.Error(err))
		}
	}

	n := b.switchCount.Add(1)
	if n%schedulerPollInterval == 0 {
		if err := b.pollOnce(pollNonBlocking); err != nil {
			b.logger().Warn("reactor poll failed", zap.Error(err))
		}
	}

	f, v, ok := b.rq.popFront()
	if !ok {
		// Another blocking poll may have been satisfied by something
		// that then got delivered directly; loop once more.
		return b.popRunnable()
	}
	return f, v
}

// switchTo performs the host context switch: self hands the baton to
// target with value v, then blocks until some later switchTo (from any
// fiber) hands the baton back to self. This is fibev's implementation of
// the host fiber contract's switch_to(target, value) -> value (spec §6),
// built from an unbuffered channel rendezvous per fiber since Go has no
// native stackful coroutine primitive (see DESIGN.md).
func (b *Backend) switchTo(self, target *Fiber, v resumeValue) resumeValue {
	if target == self {
		// self was the only runnable entry and popped itself back out:
		// there is nothing to switch to, so there is nothing to suspend
		// on either. This keeps Snooze a true no-op when a fiber is
		// alone on the run queue, instead of deadlocking on a channel
		// send to a receiver that is this very call.
		self.state.Store(int32(FiberRunning))
		return v
	}
	// A fiber that is queued (Snooze) or parked keeps that state; only a
	// running fiber that is awaiting becomes suspended.
	if self.State() == FiberRunning {
		self.state.Store(int32(FiberSuspended))
	}
	b.current = target
	target.state.Store(int32(FiberRunning))
	target.resume <- v
	got := <-self.resume
	b.current = self
	self.state.Store(int32(FiberRunning))
	return got
}

// switchFiberFromExit is switchTo's counterpart for a fiber whose function
// has just returned or panicked: there is no "self" left to resume, so the
// goroutine backing it simply hands the baton onward and terminates.
func (b *Backend) switchFiberFromExit() {
	next, v := b.popRunnable()
	b.current = next
	next.state.Store(int32(FiberRunning))
	next.resume <- v
}

// Snooze schedules the calling fiber at the back of the run queue, then
// switches away — spec §4.C "snooze". Used both to yield cooperatively and,
// by every I/O op, to rejoin fair scheduling after a syscall that completed
// without suspending.
func (b *Backend) Snooze() (any, error) {
	self := b.current
	b.schedule(self, resumeValue{}, false)
	next, v := b.popRunnable()
	got := b.switchTo(self, next, v)
	return got.val, got.err
}

// Await switches away without self-scheduling: the calling fiber is
// quiescent until some external callback calls [Backend.schedule] on it —
// spec §4.C "await". Returns whatever resume value that callback supplied;
// if it is an exception-like value (non-nil error), callers are expected to
// unregister their watcher and propagate it (spec §5 "Cancellation &
// timeout").
func (b *Backend) Await() (any, error) {
	self := b.current
	next, v := b.popRunnable()
	got := b.switchTo(self, next, v)
	return got.val, got.err
}

// Cancel schedules target with a [Cancelled] resume value, delivered the
// next time target's in-progress operation resumes from its await (spec §5
// "Cancellation & timeout"). prioritize mirrors schedule's front/back
// choice; cancellation typically wants to run target promptly, so callers
// usually pass true.
func (b *Backend) Cancel(target *Fiber, reason error, prioritize bool) {
	b.schedule(target, resumeValue{err: &Cancelled{Reason: reason}}, prioritize)
}
