package fibev

// Reactor multiplexes non-blocking I/O readiness and cross-thread wakeups on
// behalf of one Backend (spec §3 "Watcher", §4.A). Exactly one
// implementation is compiled in per platform: epoll on Linux, kqueue on the
// BSD/Darwin family (spec §4.A "epoll on Linux, kqueue on BSD/Darwin").
// Deadline-based waiting is not part of this interface: the backend keeps
// its own timer heap ([timedHeap]) and only needs a millisecond budget to
// pass into Run, so both reactor implementations stay fd-oriented.
type Reactor interface {
	// RegisterIO arms cb to fire when fd becomes ready for any of events.
	// The registration is level-triggered and stays armed until
	// UnregisterIO, so cb may run on more than one Run while fd stays ready.
	// A later RegisterIO for the same fd replaces rather than adds to the
	// previous registration, matching how io.go re-arms interest on every
	// EAGAIN (spec §4.D).
	RegisterIO(fd int, events ioEvents, cb func(ioEvents)) error
	// UnregisterIO removes any armed interest on fd. Safe to call on an fd
	// with no registration — cancellation racing a watcher firing is routine
	// (spec §3 "Ownership").
	UnregisterIO(fd int) error

	// RegisterAsync creates a cross-thread-safe signal. cb runs on the
	// backend's own goroutine, inside Run, the next time the signal is
	// observed as pending.
	RegisterAsync(cb func()) *asyncWatcher
	// SignalAsync is the only method on Reactor safe to call from a
	// goroutine other than the one driving Run (spec §4.A "the only
	// thread-safe entry point").
	SignalAsync(w *asyncWatcher)
	// UnregisterAsync releases w. Callers only ever unregister a watcher
	// they exclusively own, so this does not need to be signal-safe.
	UnregisterAsync(w *asyncWatcher)

	// Run waits for I/O readiness or an async signal for at most timeoutMs
	// (0 means return immediately after one non-blocking check, a negative
	// value means wait indefinitely), dispatching every ready callback
	// before returning.
	Run(timeoutMs int) error
	// Close releases the underlying kernel object. Not safe to call
	// concurrently with Run.
	Close() error
}

// ioRegistration is the bookkeeping both reactor implementations keep per
// registered fd: the interest set last requested and the callback to invoke
// when any of it is satisfied.
type ioRegistration struct {
	events ioEvents
	cb     func(ioEvents)
}
