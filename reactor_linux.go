//go:build linux

package fibev

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

// reactorKind is the value [Backend.Kind] reports on this platform.
const reactorKind = "epoll"

// newReactor opens an epoll instance plus a single eventfd used for every
// async watcher's cross-thread signal, grounded on
// joeycumines-go-utilpkg/eventloop's FastPoller (epoll_create1 + preallocated
// event buffer) and its eventfd-based wakeup fd. Unlike that poller, which
// indexes fds directly into a fixed array, this one uses a map: fibev's fd
// space is whatever fds calling code hands it (not necessarily dense small
// integers), so a map is the honest idiomatic choice here.
func newReactor() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &SyscallFailure{Op: "epoll_create1", Errno: err}
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, &SyscallFailure{Op: "eventfd", Errno: err}
	}

	r := &epollReactor{
		epfd:    epfd,
		wakeFD:  wakeFD,
		regs:    make(map[int]*ioRegistration),
		pending: make(map[*asyncWatcher]struct{}),
	}
	wakeEv := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &wakeEv); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, &SyscallFailure{Op: "epoll_ctl(wake)", Errno: err}
	}
	return r, nil
}

type epollReactor struct {
	epfd   int
	wakeFD int

	// mu guards regs and pending, both reachable from SignalAsync on a
	// foreign goroutine while Run (on the backend's own goroutine) is
	// reading them.
	mu      sync.Mutex
	regs    map[int]*ioRegistration
	pending map[*asyncWatcher]struct{}

	events [256]unix.EpollEvent
}

func (r *epollReactor) RegisterIO(fd int, events ioEvents, cb func(ioEvents)) error {
	r.mu.Lock()
	_, exists := r.regs[fd]
	r.regs[fd] = &ioRegistration{events: events, cb: cb}
	r.mu.Unlock()

	op := unix.EPOLL_CTL_ADD
	if exists {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: epollBits(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return &SyscallFailure{Op: "epoll_ctl", Errno: err}
	}
	return nil
}

func (r *epollReactor) UnregisterIO(fd int) error {
	r.mu.Lock()
	_, exists := r.regs[fd]
	delete(r.regs, fd)
	r.mu.Unlock()
	if !exists {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil &&
		err != unix.ENOENT && err != unix.EBADF {
		return &SyscallFailure{Op: "epoll_ctl(del)", Errno: err}
	}
	return nil
}

func epollBits(events ioEvents) uint32 {
	var bits uint32
	if events.has(EventRead) {
		bits |= unix.EPOLLIN
	}
	if events.has(EventWrite) {
		bits |= unix.EPOLLOUT
	}
	return bits
}

func eventsFromEpoll(bits uint32) ioEvents {
	var e ioEvents
	if bits&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		e |= EventRead
	}
	if bits&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		e |= EventWrite
	}
	return e
}

func (r *epollReactor) RegisterAsync(cb func()) *asyncWatcher {
	return &asyncWatcher{cb: cb}
}

func (r *epollReactor) UnregisterAsync(w *asyncWatcher) {
	r.mu.Lock()
	delete(r.pending, w)
	r.mu.Unlock()
}

// SignalAsync marks w pending and bumps the shared eventfd counter. This is
// the one call in the whole package documented safe from any goroutine
// (spec §4.A) — it never touches regs, never blocks, and the eventfd write
// itself is a single atomic kernel counter increment.
func (r *epollReactor) SignalAsync(w *asyncWatcher) {
	r.mu.Lock()
	r.pending[w] = struct{}{}
	r.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(r.wakeFD, buf[:])
}

func (r *epollReactor) Run(timeoutMs int) error {
	n, err := unix.EpollWait(r.epfd, r.events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return &SyscallFailure{Op: "epoll_wait", Errno: err}
	}
	for i := 0; i < n; i++ {
		fd := int(r.events[i].Fd)
		if fd == r.wakeFD {
			r.drainWake()
			continue
		}
		r.mu.Lock()
		reg := r.regs[fd]
		r.mu.Unlock()
		if reg == nil || reg.cb == nil {
			continue
		}
		reg.cb(eventsFromEpoll(r.events[i].Events))
	}
	return nil
}

func (r *epollReactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakeFD, buf[:]); err != nil {
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

func (r *epollReactor) Close() error {
	_ = unix.Close(r.wakeFD)
	return unix.Close(r.epfd)
}
