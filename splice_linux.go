//go:build linux

package fibev

import "golang.org/x/sys/unix"

// spliceOnce performs one splice(2) call, Linux's zero-copy path for spec
// §4.F. Would-block waits on either end via [Backend.awaitEitherIO], since
// either the source (nothing to read) or the destination (pipe/socket
// buffer full) may be the one not ready.
func (b *Backend) spliceOnce(self *Fiber, srcFD, dstFD int, maxlen int) (int, error) {
	for {
		b.opCount.Add(1)
		n, err := unix.Splice(srcFD, nil, dstFD, nil, maxlen, unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
		if err == unix.EINTR {
			continue
		}
		if isWouldBlock(err) {
			if _, aerr := b.awaitEitherIO(self, srcFD, dstFD); aerr != nil {
				return 0, aerr
			}
			continue
		}
		if err != nil {
			return 0, &SyscallFailure{Op: "splice", Errno: err}
		}
		return int(n), nil
	}
}
