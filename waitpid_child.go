//go:build !linux

package fibev

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// childWatchState backs the child-watcher fallback path (spec §4.E
// "Child-watcher path... register a reactor child watcher on the main
// thread only; await; resume value is (pid, exit_status)"). Rather than
// growing the Reactor interface with a dedicated child-watcher variant,
// delivery rides the existing async-watcher primitive: the SIGCHLD handler
// goroutine reaps exit statuses into pending, then signals childAsync,
// whose callback (run on the backend's own goroutine, per the async
// contract) drains it and schedules the matching waiter. This follows the
// DESIGN NOTES directive to route every new cross-thread feature through
// the one async-watcher channel rather than adding ad-hoc locks.
type childWatchState struct {
	mu      sync.Mutex
	waiters map[int]*Fiber
	reaped  map[int]childExit
	pending map[int]childExit
}

func waitpidImpl(b *Backend, self *Fiber, pid int) (int, int, error) {
	b.ensureChildWatcher()

	b.childState.mu.Lock()
	if ce, ok := b.childState.reaped[pid]; ok {
		delete(b.childState.reaped, pid)
		b.childState.mu.Unlock()
		return ce.pid, ce.status, nil
	}
	b.childState.waiters[pid] = self
	b.childState.mu.Unlock()

	val, err := b.Await()
	if err != nil {
		b.childState.mu.Lock()
		delete(b.childState.waiters, pid)
		b.childState.mu.Unlock()
		return 0, 0, err
	}
	ce := val.(childExit)
	return ce.pid, ce.status, nil
}

func (b *Backend) ensureChildWatcher() {
	b.childOnce.Do(func() {
		b.childState = &childWatchState{
			waiters: make(map[int]*Fiber),
			reaped:  make(map[int]childExit),
			pending: make(map[int]childExit),
		}
		b.childAsync = b.reactor.RegisterAsync(func() { b.drainChildReaps() })

		sigCh := make(chan os.Signal, 8)
		signal.Notify(sigCh, syscall.SIGCHLD)
		go func() {
			for range sigCh {
				b.reapChildren()
				b.reactor.SignalAsync(b.childAsync)
			}
		}()
	})
}

func (b *Backend) reapChildren() {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if wpid <= 0 || err != nil {
			return
		}
		b.childState.mu.Lock()
		b.childState.pending[wpid] = childExit{pid: wpid, status: ws.ExitStatus()}
		b.childState.mu.Unlock()
	}
}

func (b *Backend) drainChildReaps() {
	b.childState.mu.Lock()
	pending := b.childState.pending
	b.childState.pending = make(map[int]childExit)
	b.childState.mu.Unlock()

	for pid, ce := range pending {
		b.childState.mu.Lock()
		fiber, waiting := b.childState.waiters[pid]
		if waiting {
			delete(b.childState.waiters, pid)
		} else {
			b.childState.reaped[pid] = ce
		}
		b.childState.mu.Unlock()
		if waiting {
			b.schedule(fiber, resumeValue{val: ce}, false)
		}
	}
}
