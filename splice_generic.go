//go:build !linux

package fibev

import "golang.org/x/sys/unix"

// spliceOnce is the non-Linux fallback for spec §4.F: a read-into-buffer,
// write-from-buffer shuttle of at most maxlen bytes, since splice(2) itself
// is Linux-only. Would-block on the read half waits on srcFD; on the write
// half, on dstFD — unlike the real splice(2) path, the two phases are
// sequential here, so only one side is ever awaited at a time.
func (b *Backend) spliceOnce(self *Fiber, srcFD, dstFD int, maxlen int) (int, error) {
	buf := make([]byte, maxlen)
	for {
		b.opCount.Add(1)
		n, err := unix.Read(srcFD, buf)
		if err == unix.EINTR {
			continue
		}
		if isWouldBlock(err) {
			if werr := b.awaitIO(self, srcFD, EventRead); werr != nil {
				return 0, werr
			}
			continue
		}
		if err != nil {
			return 0, &SyscallFailure{Op: "read", Errno: err}
		}
		if n == 0 {
			return 0, nil
		}
		if _, werr := b.writeAll(self, dstFD, buf[:n]); werr != nil {
			return 0, werr
		}
		return n, nil
	}
}
