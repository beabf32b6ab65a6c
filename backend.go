package fibev

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// pollMode selects between the two reactor run modes spec §4.A describes.
type pollMode int

const (
	pollNonBlocking pollMode = iota
	pollBlocking
)

// IdleFunc is invoked once before every blocking poll (spec §4.C).
type IdleFunc func()

// TraceFunc receives scheduler phase tags and the fiber identity involved,
// as described in spec §4.G and §6 "Observable counters".
type TraceFunc func(event string, f *Fiber)

// schedulerPollInterval is the implementation-defined "every N switches"
// constant from spec §4.C step 2 ("small, e.g. 32").
const schedulerPollInterval = 32

// Backend is a per-goroutine-group singleton: it owns the reactor, the run
// queue, the async break watcher and all parked-fiber tracking (spec §3
// "Backend"). Unlike the Ruby original, which keys a true thread-local
// singleton off the OS thread, fibev hands the caller an explicit *Backend
// value — idiomatic Go favors explicit dependency injection over
// thread-local state, and Go goroutines have no stable OS-thread identity
// to key a singleton on without runtime.LockOSThread (see DESIGN.md). Every
// method except [Backend.Wakeup] must be called only while running as the
// backend's current fiber (or, before any fiber has run, from the creating
// goroutine acting as the implicit root fiber).
type Backend struct {
	reactor    Reactor
	breakAsync *asyncWatcher

	rq     runQueue
	parked map[*Fiber]struct{}
	timers timedHeap

	fibers   map[int64]*Fiber
	fibersMu sync.Mutex

	current *Fiber
	root    *Fiber

	opCount     atomic.Uint64
	pollCount   atomic.Uint64
	switchCount atomic.Uint64

	currentlyPolling atomic.Bool
	closed           atomic.Bool

	idleProc     IdleFunc
	idleGCPeriod time.Duration
	idleGCLast   time.Time

	traceProc TraceFunc
	log       *zap.Logger

	readBufSize int

	// childOnce/childState/childAsync back the SIGCHLD-driven waitpid
	// fallback (waitpid_child.go); unused on platforms with a pidfd path.
	childOnce  sync.Once
	childState *childWatchState
	childAsync *asyncWatcher
}

// NewBackend creates a Backend bound to a freshly opened reactor (epoll on
// Linux, kqueue on BSD/Darwin) and its always-registered, unreferenced break
// watcher (spec §4.A). The calling goroutine becomes the backend's root
// fiber: it is "current" until the first [Backend.Snooze] or [Backend.Await]
// call hands the baton to a spawned fiber.
func NewBackend(opts ...Option) (*Backend, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	reactor, err := newReactor()
	if err != nil {
		return nil, err
	}

	b := &Backend{
		reactor:      reactor,
		rq:           newRunQueue(),
		parked:       make(map[*Fiber]struct{}),
		fibers:       make(map[int64]*Fiber),
		idleProc:     cfg.idleProc,
		idleGCPeriod: cfg.idleGCPeriod,
		traceProc:    cfg.traceProc,
		log:          cfg.logger,
		readBufSize:  cfg.readBufSize,
	}
	b.root = newFiber(b, "root")
	b.root.state.Store(int32(FiberRunning))
	b.current = b.root

	b.breakAsync = b.reactor.RegisterAsync(func() {})
	return b, nil
}

// Kind identifies the backend implementation, mirroring the Ruby original's
// Backend#kind (spec §6 "CLI & config").
func (b *Backend) Kind() string { return reactorKind }

// CurrentFiber returns the fiber presently holding the baton — the host
// fiber contract's current_fiber() (spec §6).
func (b *Backend) CurrentFiber() *Fiber { return b.current }

// OpCount returns the number of syscalls attempted so far (spec §6
// "Observable counters").
func (b *Backend) OpCount() uint64 { return b.opCount.Load() }

// PollCount returns the number of reactor invocations so far.
func (b *Backend) PollCount() uint64 { return b.pollCount.Load() }

// Trace sets the event sink described in spec §4.G, replacing whatever was
// configured via [WithTrace].
func (b *Backend) Trace(fn TraceFunc) { b.traceProc = fn }

func (b *Backend) trace(event string, f *Fiber) {
	if b.traceProc != nil {
		b.traceProc(event, f)
	}
}

// Close releases the backend's reactor. It is not safe to call while any
// fiber might still be running.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.reactor.Close()
}

// PostFork tears down the reactor and creates a fresh default loop,
// discarding all in-flight watchers, the run queue, and parked-fiber
// tracking — spec §4.G "post_fork", to be called in the child immediately
// after fork(2). Per SPEC_FULL.md §C.4, the idle-GC clock is cleared to the
// zero time, so a child process does not inherit the parent's idle history
// epoch; the first idle poll after PostFork requests a GC pass.
func (b *Backend) PostFork() error {
	if err := b.reactor.Close(); err != nil {
		b.logger().Warn("post_fork: closing old reactor", zap.Error(err))
	}

	reactor, err := newReactor()
	if err != nil {
		return err
	}
	b.reactor = reactor
	b.rq = newRunQueue()
	b.parked = make(map[*Fiber]struct{})
	b.timers = nil
	b.opCount.Store(0)
	b.pollCount.Store(0)
	b.switchCount.Store(0)
	b.idleGCLast = time.Time{}
	b.breakAsync = b.reactor.RegisterAsync(func() {})
	return nil
}

// Wakeup is the sole thread-safe entry point on Backend (spec §5
// "Cross-thread interaction"). If the backend is presently blocked inside
// [Backend.Poll], this interrupts it; otherwise it is a no-op — the next
// poll will simply observe whatever became ready in the meantime.
func (b *Backend) Wakeup() {
	if b.currentlyPolling.Load() {
		b.reactor.SignalAsync(b.breakAsync)
	}
}

// Poll runs the reactor exactly once, in blocking or non-blocking mode,
// with currentlyPolling set around the call so [Backend.Wakeup] can
// interrupt a blocking call (spec §4.G "poll").
func (b *Backend) Poll(blocking bool) error {
	mode := pollNonBlocking
	if blocking {
		mode = pollBlocking
	}
	return b.pollOnce(mode)
}

func (b *Backend) pollOnce(mode pollMode) error {
	b.pollCount.Add(1)
	b.trace("fiber_event_poll_enter", b.current)
	defer b.trace("fiber_event_poll_leave", b.current)

	// Timer and reactor callbacks run with no current fiber (spec §4.A).
	cur := b.current
	b.current = nil
	defer func() { b.current = cur }()

	b.fireExpiredTimers()

	timeoutMs := 0
	if mode == pollBlocking {
		timeoutMs = b.nextTimeoutMs()
		b.currentlyPolling.Store(true)
		defer b.currentlyPolling.Store(false)
	}

	if err := b.reactor.Run(timeoutMs); err != nil {
		return err
	}
	b.fireExpiredTimers()
	return nil
}

func (b *Backend) runIdleTasks() {
	if b.idleGCPeriod > 0 {
		now := time.Now()
		if b.idleGCLast.IsZero() || now.Sub(b.idleGCLast) >= b.idleGCPeriod {
			b.idleGCLast = now
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger().Warn("idle gc panicked", zap.Any("panic", r))
					}
				}()
				requestHostGC()
			}()
		}
	}
	if b.idleProc != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger().Warn("idle proc panicked", zap.Any("panic", r))
				}
			}()
			b.idleProc()
		}()
	}
}
