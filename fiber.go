package fibev

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// FiberState is the lifecycle state of a Fiber, tracked for diagnostics and
// for the park/unpark bookkeeping described in spec §4.C.
type FiberState int32

const (
	// FiberRunnable means the fiber is queued on the run queue, waiting
	// for switch_fiber to pick it.
	FiberRunnable FiberState = iota
	// FiberRunning means the fiber currently holds the backend's baton.
	FiberRunning
	// FiberSuspended means the fiber is awaiting an external callback
	// (a watcher firing, or a cross-thread wakeup) to reschedule it.
	FiberSuspended
	// FiberParked means the fiber suspended itself by non-I/O means
	// (e.g. a channel receive implemented on top of wait_event) and was
	// recorded via park_fiber for diagnostics/shutdown enumeration.
	FiberParked
	// FiberDead means the fiber's function has returned or panicked.
	FiberDead
)

func (s FiberState) String() string {
	switch s {
	case FiberRunnable:
		return "runnable"
	case FiberRunning:
		return "running"
	case FiberSuspended:
		return "suspended"
	case FiberParked:
		return "parked"
	case FiberDead:
		return "dead"
	default:
		return "unknown"
	}
}

var fiberIDSeq int64

// resumeValue is the sum type `{Value, Exception}` called for in spec's
// DESIGN NOTES ("Exception-as-resume-value"): a fiber switched back in with
// a non-nil Err is expected to propagate it (after the op's own cleanup)
// rather than treat Val as meaningful.
type resumeValue struct {
	val any
	err error
}

// Fiber is a cooperative execution context. The package stores identity and
// scheduling state only; it relies on a goroutine+channel handoff (see
// [Backend.switchTo]) to implement the host "switch_to" contract described
// in spec §6, since Go has no native stackful-coroutine primitive. At most
// one Fiber per Backend is ever FiberRunning; every suspension point funnels
// through [Backend.Await] or [Backend.Snooze].
type Fiber struct {
	id      int64
	backend *Backend
	name    string

	state   atomic.Int32
	resume  chan resumeValue // unbuffered: rendezvous point for baton handoff
	started atomic.Bool
}

// ID returns the fiber's identity, stable for its lifetime. Useful as a map
// key and for trace events.
func (f *Fiber) ID() int64 { return f.id }

// Name returns the optional debug name the fiber was spawned with.
func (f *Fiber) Name() string { return f.name }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

func newFiber(b *Backend, name string) *Fiber {
	f := &Fiber{
		id:      atomic.AddInt64(&fiberIDSeq, 1),
		backend: b,
		name:    name,
		resume:  make(chan resumeValue),
	}
	f.state.Store(int32(FiberRunnable))
	return f
}

// Spawn creates a new fiber running fn on Backend b and schedules it to run
// at the back of the run queue. fn receives the Fiber so it can call methods
// like [Backend.Sleep] in the caller's own goroutine context — fn always
// executes with f as the backend's current fiber.
func (b *Backend) Spawn(fn func(f *Fiber)) *Fiber {
	return b.SpawnNamed("", fn)
}

// SpawnNamed is [Backend.Spawn] with an explicit debug name, surfaced in
// trace events and panics.
func (b *Backend) SpawnNamed(name string, fn func(f *Fiber)) *Fiber {
	f := newFiber(b, name)
	b.fibersMu.Lock()
	b.fibers[f.id] = f
	b.fibersMu.Unlock()

	go func() {
		first := <-f.resume // block until the scheduler hands us the baton
		f.started.Store(true)
		f.state.Store(int32(FiberRunning))
		b.trace("fiber_start", f)

		defer func() {
			r := recover()
			f.state.Store(int32(FiberDead))
			b.fibersMu.Lock()
			delete(b.fibers, f.id)
			b.fibersMu.Unlock()
			b.rq.delete(f)
			b.trace("fiber_exit", f)
			if r != nil {
				b.logger().Error("fiber panicked", zap.String("fiber", f.debugString()), zap.Any("panic", r))
			}
			// Hand the baton to whoever is next; the goroutine backing
			// this fiber is finished, so it must not be switched to again.
			b.switchFiberFromExit()
		}()

		_ = first // the initial resume value for a freshly spawned fiber carries no meaning
		fn(f)
	}()

	b.schedule(f, resumeValue{}, false)
	return f
}

func (f *Fiber) debugString() string {
	if f.name != "" {
		return f.name
	}
	return "fiber"
}
