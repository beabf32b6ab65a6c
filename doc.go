// Package fibev is a fiber-scheduling I/O backend: a single-threaded event
// loop that multiplexes many cooperative fibers over non-blocking POSIX
// operations by turning every would-block condition into a fiber suspension
// and every readiness event into a fiber resumption.
//
// A Backend owns one reactor (epoll on Linux, kqueue on BSD/Darwin), one run
// queue, and the bookkeeping needed to drive fibers spawned with
// [Backend.Spawn] through [Backend.Read], [Backend.Write], [Backend.Accept],
// [Backend.Connect], [Backend.Sleep], [Backend.Timeout], [Backend.Waitpid]
// and the splice family. Fibers never run concurrently within a single
// Backend; the only operation safe to call from another goroutine (or OS
// thread) is [Backend.Wakeup].
package fibev
