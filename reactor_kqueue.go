//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package fibev

import (
	"sync"

	"golang.org/x/sys/unix"
)

// reactorKind is the value [Backend.Kind] reports on this platform.
const reactorKind = "kqueue"

// newReactor opens a kqueue instance plus a self-pipe used as the async
// watcher wakeup signal, grounded on
// joeycumines-go-utilpkg/eventloop/poller_darwin.go's FastPoller (Kqueue,
// CloseOnExec, preallocated Kevent_t buffer). kqueue has no portable
// equivalent of Linux's eventfd across the whole BSD family this build tag
// covers, so the wakeup uses the classic self-pipe trick instead — a
// non-blocking pipe registered for EVFILT_READ, exactly as spec.md describes
// ("eventfd on Linux, pipe-based elsewhere").
func newReactor() (Reactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, &SyscallFailure{Op: "kqueue", Errno: err}
	}
	unix.CloseOnExec(kq)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, &SyscallFailure{Op: "pipe", Errno: err}
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			_ = unix.Close(kq)
			return nil, &SyscallFailure{Op: "fcntl(O_NONBLOCK)", Errno: err}
		}
	}

	r := &kqueueReactor{
		kq:        kq,
		wakeRead:  fds[0],
		wakeWrite: fds[1],
		regs:      make(map[int]*ioRegistration),
		pending:   make(map[*asyncWatcher]struct{}),
	}
	wakeEv := unix.Kevent_t{Ident: uint64(r.wakeRead), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wakeEv}, nil, nil); err != nil {
		_ = r.Close()
		return nil, &SyscallFailure{Op: "kevent(wake)", Errno: err}
	}
	return r, nil
}

type kqueueReactor struct {
	kq        int
	wakeRead  int
	wakeWrite int

	mu      sync.Mutex
	regs    map[int]*ioRegistration
	pending map[*asyncWatcher]struct{}

	events [256]unix.Kevent_t
}

func (r *kqueueReactor) RegisterIO(fd int, events ioEvents, cb func(ioEvents)) error {
	r.mu.Lock()
	prev, exists := r.regs[fd]
	r.regs[fd] = &ioRegistration{events: events, cb: cb}
	r.mu.Unlock()

	var changes []unix.Kevent_t
	hadRead, hadWrite := exists && prev.events.has(EventRead), exists && prev.events.has(EventWrite)
	if hadRead && !events.has(EventRead) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if hadWrite && !events.has(EventWrite) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	if events.has(EventRead) && !hadRead {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	}
	if events.has(EventWrite) && !hadWrite {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(r.kq, changes, nil, nil); err != nil {
		return &SyscallFailure{Op: "kevent", Errno: err}
	}
	return nil
}

func (r *kqueueReactor) UnregisterIO(fd int) error {
	r.mu.Lock()
	reg, exists := r.regs[fd]
	delete(r.regs, fd)
	r.mu.Unlock()
	if !exists {
		return nil
	}
	var changes []unix.Kevent_t
	if reg.events.has(EventRead) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if reg.events.has(EventWrite) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(r.kq, changes, nil, nil); err != nil && err != unix.ENOENT {
		return &SyscallFailure{Op: "kevent(del)", Errno: err}
	}
	return nil
}

func (r *kqueueReactor) RegisterAsync(cb func()) *asyncWatcher {
	return &asyncWatcher{cb: cb}
}

func (r *kqueueReactor) UnregisterAsync(w *asyncWatcher) {
	r.mu.Lock()
	delete(r.pending, w)
	r.mu.Unlock()
}

func (r *kqueueReactor) SignalAsync(w *asyncWatcher) {
	r.mu.Lock()
	r.pending[w] = struct{}{}
	r.mu.Unlock()
	_, _ = unix.Write(r.wakeWrite, []byte{1})
}

func (r *kqueueReactor) Run(timeoutMs int) error {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64(timeoutMs%1000) * 1_000_000,
		}
	}
	n, err := unix.Kevent(r.kq, nil, r.events[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return &SyscallFailure{Op: "kevent(wait)", Errno: err}
	}
	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := int(ev.Ident)
		if fd == r.wakeRead {
			r.drainWake()
			continue
		}
		r.mu.Lock()
		reg := r.regs[fd]
		r.mu.Unlock()
		if reg == nil || reg.cb == nil {
			continue
		}
		var fired ioEvents
		switch ev.Filter {
		case unix.EVFILT_READ:
			fired = EventRead
		case unix.EVFILT_WRITE:
			fired = EventWrite
		}
		reg.cb(fired)
	}
	return nil
}

func (r *kqueueReactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeRead, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	r.mu.Lock()
	fired := r.pending
	r.pending = make(map[*asyncWatcher]struct{})
	r.mu.Unlock()
	for w := range fired {
		if w.cb != nil {
			w.cb()
		}
	}
}

func (r *kqueueReactor) Close() error {
	_ = unix.Close(r.wakeRead)
	_ = unix.Close(r.wakeWrite)
	return unix.Close(r.kq)
}
