package fibev

import (
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// IOObject is the host I/O contract fibev requires of anything it operates
// on directly (spec §6 "Host I/O contract"): a single stable, already
// host-owned file descriptor. [NewFile] is how a net.Conn/*os.File crosses
// into this contract.
type IOObject interface {
	FD() (int, error)
}

// Unwrappable lets a host wrapper type delegate fd resolution to an inner
// object exactly one level down (spec §6 "underlying_of"). resolveFD only
// ever unwraps once, matching the spec text precisely.
type Unwrappable interface {
	Underlying() (IOObject, bool)
}

// WriteSided lets a bidirectional host object (e.g. a pipe pair) expose a
// distinct fd for its write half (spec §6 "write_side_of"), used by
// [Writev] and the splice pipeline's destination argument.
type WriteSided interface {
	WriteSide() IOObject
}

type syscallConnable interface {
	SyscallConn() (syscall.RawConn, error)
}

// File is the concrete IOObject fibev hands back from [Accept] and expects
// everywhere else in this package: a single, already-nonblocking descriptor
// fibev exclusively owns. [NewFile] takes ownership of a net.Conn/*os.File
// by duplicating its descriptor — the same dupconn pattern the teacher's
// watcher.go uses before registering a connection with its own poller — and
// closing the original, so the Go runtime's netpoller integration never
// contends with fibev's reactor registration on the same fd.
type File struct {
	fd int
}

// NewFile converts any net.Conn, *os.File, or net.Listener (anything
// implementing SyscallConn) into a fibev-owned [File]: set non-blocking once
// and never restored (spec §4.D step 2, and Open Questions — "the backend
// exclusively owns the fd").
func NewFile(conn syscallConnable) (*File, error) {
	fd, err := dupFD(conn)
	if err != nil {
		return nil, err
	}
	if closer, ok := conn.(io.Closer); ok {
		_ = closer.Close()
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, &SyscallFailure{Op: "set_nonblocking", Errno: err}
	}
	return &File{fd: fd}, nil
}

// FD implements [IOObject].
func (f *File) FD() (int, error) { return f.fd, nil }

// Close releases the descriptor. Safe to call once.
func (f *File) Close() error { return unix.Close(f.fd) }

func dupFD(sc syscallConnable) (int, error) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, ErrUnsupported
	}
	var newFD int
	var dupErr error
	if ctrlErr := rc.Control(func(fd uintptr) {
		newFD, dupErr = unix.Dup(int(fd))
	}); ctrlErr != nil {
		return 0, ctrlErr
	}
	if dupErr != nil {
		return 0, dupErr
	}
	return newFD, nil
}

// resolveFD implements spec §4.D step 1: unwrap exactly one level, then
// require an [IOObject], a raw int fd, or something dup-able via
// SyscallConn (handled by wrapping it in [NewFile] first — resolveFD itself
// never dups, to keep fd ownership explicit at the call site).
func resolveFD(obj any) (int, error) {
	if fd, ok := obj.(int); ok {
		return fd, nil
	}
	if u, ok := obj.(Unwrappable); ok {
		if inner, has := u.Underlying(); has {
			obj = inner
		}
	}
	if o, ok := obj.(IOObject); ok {
		return o.FD()
	}
	return 0, ErrUnsupported
}

func resolveWriteFD(obj any) (int, error) {
	if ws, ok := obj.(WriteSided); ok {
		return resolveFD(ws.WriteSide())
	}
	return resolveFD(obj)
}

func setNonblocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return &SyscallFailure{Op: "set_nonblocking", Errno: err}
	}
	return nil
}

// awaitIO is the shared suspension step (spec §4.D step 5): register a
// one-shot interest on fd, await, and unregister on every exit path
// including cancellation. The registered callback does no I/O of its own —
// callbacks never touch buffers, only the run queue (spec §4.A contracts).
func (b *Backend) awaitIO(self *Fiber, fd int, events ioEvents) error {
	if err := b.reactor.RegisterIO(fd, events, func(ioEvents) {
		b.schedule(self, resumeValue{}, false)
	}); err != nil {
		return &SyscallFailure{Op: "register_io", Errno: err}
	}
	_, err := b.Await()
	_ = b.reactor.UnregisterIO(fd)
	return err
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// Read implements spec §4.D "read". length <= 0 means "unspecified": start
// at [Backend.readBufSize] (default 4096) and double on growth. Returns nil
// with no error on immediate EOF.
func (b *Backend) Read(self *Fiber, obj any, length int, toEOF bool, pos int) ([]byte, error) {
	fd, err := resolveFD(obj)
	if err != nil {
		return nil, err
	}
	if err := setNonblocking(fd); err != nil {
		return nil, err
	}

	cap0 := length
	if cap0 <= 0 {
		cap0 = b.readBufSize
	}
	buf := make([]byte, pos, max(cap0, pos))
	total := 0

	for {
		if len(buf) == cap(buf) {
			buf = append(buf, make([]byte, cap(buf))...)[:len(buf)]
		}
		b.opCount.Add(1)
		n, err := unix.Read(fd, buf[len(buf):cap(buf)])
		if err == unix.EINTR {
			continue
		}
		if isWouldBlock(err) {
			if werr := b.awaitIO(self, fd, EventRead); werr != nil {
				return nil, werr
			}
			continue
		}
		if err != nil {
			return nil, &SyscallFailure{Op: "read", Errno: err}
		}
		buf = buf[:len(buf)+n]
		total += n

		if _, serr := b.Snooze(); serr != nil {
			return nil, serr
		}
		if n == 0 {
			// EOF.
			if total == 0 {
				return nil, nil
			}
			return buf, nil
		}
		if !toEOF {
			return buf, nil
		}
		// to_eof: loop from step 3 without re-registering, per spec step 8.
	}
}

// ReadLoop implements spec §4.D "read_loop": yields each non-empty chunk to
// sink, reusing the same backing buffer across iterations. Stops at EOF or
// when sink returns a non-nil error (propagated to the caller).
func (b *Backend) ReadLoop(self *Fiber, obj any, maxlen int, sink func([]byte) error) error {
	return b.readLikeLoop(self, obj, maxlen, sink, false, 0)
}

// RecvLoop is ReadLoop over recv(2) with flags, spec §4.D "recv_loop".
func (b *Backend) RecvLoop(self *Fiber, obj any, maxlen int, flags int, sink func([]byte) error) error {
	return b.readLikeLoop(self, obj, maxlen, sink, true, flags)
}

func (b *Backend) readLikeLoop(self *Fiber, obj any, maxlen int, sink func([]byte) error, useRecv bool, flags int) error {
	fd, err := resolveFD(obj)
	if err != nil {
		return err
	}
	if err := setNonblocking(fd); err != nil {
		return err
	}
	if maxlen <= 0 {
		maxlen = b.readBufSize
	}
	buf := make([]byte, maxlen)

	for {
		b.opCount.Add(1)
		var n int
		var rerr error
		if useRecv {
			n, _, rerr = unix.Recvfrom(fd, buf, flags)
		} else {
			n, rerr = unix.Read(fd, buf)
		}
		if rerr == unix.EINTR {
			continue
		}
		if isWouldBlock(rerr) {
			if werr := b.awaitIO(self, fd, EventRead); werr != nil {
				return werr
			}
			continue
		}
		if rerr != nil {
			return &SyscallFailure{Op: "read_loop", Errno: rerr}
		}
		if n == 0 {
			return nil
		}
		if err := sink(buf[:n]); err != nil {
			return err
		}
	}
}

// FeedLoop is read_loop that delivers chunks by calling method on receiver
// instead of a Go closure sink (spec §4.D "feed_loop"), for parity with
// hosts that stream into a parser object rather than a function value.
func (b *Backend) FeedLoop(self *Fiber, obj any, maxlen int, receiver any, method func(receiver any, chunk []byte) error) error {
	return b.ReadLoop(self, obj, maxlen, func(chunk []byte) error {
		return method(receiver, chunk)
	})
}

// Write implements spec §4.D "write": loops until every byte is written,
// advancing through short writes, and always snoozes once before returning
// (even when the whole buffer went out on the first attempt) to rejoin fair
// scheduling (spec Open Questions notes this is unconditional by design).
func (b *Backend) Write(self *Fiber, obj any, p []byte) (int, error) {
	return b.send(self, obj, p, 0, false)
}

// Send is Write with send(2) flags (SPEC_FULL.md §C.1, grounded on
// backend_libev.c's Backend_send).
func (b *Backend) Send(self *Fiber, obj any, p []byte, flags int) (int, error) {
	return b.send(self, obj, p, flags, true)
}

func (b *Backend) send(self *Fiber, obj any, p []byte, flags int, useSend bool) (int, error) {
	if len(p) == 0 {
		return 0, ErrEmptyBuffer
	}
	fd, err := resolveWriteFD(obj)
	if err != nil {
		return 0, err
	}
	if err := setNonblocking(fd); err != nil {
		return 0, err
	}

	written := 0
	for written < len(p) {
		b.opCount.Add(1)
		var n int
		var werr error
		if useSend {
			werr = unix.Sendto(fd, p[written:], flags, nil)
			if werr == nil {
				n = len(p) - written
			}
		} else {
			n, werr = unix.Write(fd, p[written:])
		}
		if werr == unix.EINTR {
			continue
		}
		if isWouldBlock(werr) {
			if aerr := b.awaitIO(self, fd, EventWrite); aerr != nil {
				return written, aerr
			}
			continue
		}
		if werr != nil {
			return written, &SyscallFailure{Op: "write", Errno: werr}
		}
		written += n
	}
	if _, serr := b.Snooze(); serr != nil {
		return written, serr
	}
	return written, nil
}

// MaxIOVLen bounds how many buffers Writev hands the kernel in a single
// writev(2) call, mirroring backend_libev.c's Backend_IOV_MAX batching
// (SPEC_FULL.md §C.2) so a caller can pass an arbitrarily long slice of
// buffers without risking an E2BIG-equivalent overflow.
const MaxIOVLen = 1024

// Writev implements spec §4.D "writev": one logical write of concat(bufs…),
// batched to at most MaxIOVLen iovecs per syscall and advancing/splitting
// the iovec head across partial writes (spec §8 "bytes delivered equal
// concat(...) in order").
func (b *Backend) Writev(self *Fiber, obj any, bufs [][]byte) (int64, error) {
	fd, err := resolveWriteFD(obj)
	if err != nil {
		return 0, err
	}
	if err := setNonblocking(fd); err != nil {
		return 0, err
	}

	// Work on a local copy of the slice headers so we can trim consumed
	// bytes off the front without mutating the caller's slice.
	remaining := make([][]byte, 0, len(bufs))
	for _, buf := range bufs {
		if len(buf) > 0 {
			remaining = append(remaining, buf)
		}
	}

	var total int64
	for len(remaining) > 0 {
		batch := remaining
		if len(batch) > MaxIOVLen {
			batch = batch[:MaxIOVLen]
		}

		b.opCount.Add(1)
		n, werr := unix.Writev(fd, batch)
		if werr == unix.EINTR {
			continue
		}
		if isWouldBlock(werr) {
			if aerr := b.awaitIO(self, fd, EventWrite); aerr != nil {
				return total, aerr
			}
			continue
		}
		if werr != nil {
			return total, &SyscallFailure{Op: "writev", Errno: werr}
		}
		total += int64(n)
		remaining = advanceIOV(remaining, n)
	}
	if _, serr := b.Snooze(); serr != nil {
		return total, serr
	}
	return total, nil
}

// advanceIOV drops n bytes off the front of bufs, splitting whichever
// buffer straddles the boundary — the "splitting the head vector" spec.md
// calls for in §4.D "writev".
func advanceIOV(bufs [][]byte, n int) [][]byte {
	for n > 0 && len(bufs) > 0 {
		if n < len(bufs[0]) {
			bufs[0] = bufs[0][n:]
			return bufs
		}
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	return bufs
}

// Accept implements spec §4.D "accept": accept4 with SOCK_NONBLOCK set
// directly (no separate set_nonblocking round trip needed), wrapped as a
// [File] the caller now owns. If the post-accept snooze is cancelled, the
// accepted fd is closed to avoid a leak, per spec text.
func (b *Backend) Accept(self *Fiber, listener any) (*File, error) {
	fd, err := resolveFD(listener)
	if err != nil {
		return nil, err
	}
	if err := setNonblocking(fd); err != nil {
		return nil, err
	}

	for {
		b.opCount.Add(1)
		connFD, _, aerr := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if aerr == unix.EINTR {
			continue
		}
		if isWouldBlock(aerr) {
			if werr := b.awaitIO(self, fd, EventRead); werr != nil {
				return nil, werr
			}
			continue
		}
		if aerr != nil {
			return nil, &SyscallFailure{Op: "accept", Errno: aerr}
		}
		f := &File{fd: connFD}
		if _, serr := b.Snooze(); serr != nil {
			_ = f.Close()
			return nil, serr
		}
		return f, nil
	}
}

// AcceptLoop implements spec §4.D "accept_loop": repeatedly accepts and
// yields each connection to sink until sink returns a non-nil error or the
// listener is closed out from under it.
func (b *Backend) AcceptLoop(self *Fiber, listener any, sink func(*File) error) error {
	for {
		conn, err := b.Accept(self, listener)
		if err != nil {
			return err
		}
		if err := sink(conn); err != nil {
			return err
		}
	}
}

// WaitIO implements spec §4.D "wait_io": register interest and await
// without performing any read/write of its own.
func (b *Backend) WaitIO(self *Fiber, obj any, write bool) error {
	fd, err := resolveFD(obj)
	if err != nil {
		return err
	}
	events := EventRead
	if write {
		events = EventWrite
	}
	return b.awaitIO(self, fd, events)
}

// Connect implements spec §4.D "connect". Per the spec's Open Questions,
// only IPv4 literal addresses are accepted (the host original parses via
// inet_addr); hostname resolution and AF_INET6 are out of scope here.
func (b *Backend) Connect(self *Fiber, sock any, host string, port int) error {
	fd, err := resolveFD(sock)
	if err != nil {
		return err
	}
	if err := setNonblocking(fd); err != nil {
		return err
	}

	ip := net.ParseIP(host).To4()
	if ip == nil {
		return &InvalidArgument{Message: "connect: host must be an IPv4 literal, got " + host}
	}
	var addr unix.SockaddrInet4
	addr.Port = port
	copy(addr.Addr[:], ip)

	b.opCount.Add(1)
	cerr := unix.Connect(fd, &addr)
	if cerr == nil {
		_, serr := b.Snooze()
		return serr
	}
	if cerr != unix.EINPROGRESS {
		return &SyscallFailure{Op: "connect", Errno: cerr}
	}

	if werr := b.awaitIO(self, fd, EventWrite); werr != nil {
		return werr
	}
	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return &SyscallFailure{Op: "getsockopt(SO_ERROR)", Errno: gerr}
	}
	if soErr != 0 {
		return &SyscallFailure{Op: "connect", Errno: syscall.Errno(soErr)}
	}
	return nil
}
