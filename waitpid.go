package fibev

// Waitpid implements spec §4.E "waitpid": awaits the given child process's
// exit and returns its (pid, exit status) pair — the exited-status byte,
// i.e. WEXITSTATUS. The concrete mechanism is platform-selected: pidfd_open
// on Linux (works from any thread that owns a backend), a SIGCHLD-driven
// fallback elsewhere. See waitpid_pidfd_linux.go / waitpid_child.go.
func (b *Backend) Waitpid(self *Fiber, pid int) (int, int, error) {
	return waitpidImpl(b, self, pid)
}

// childExit is the resume value the child-watcher fallback
// (waitpid_child.go) reports on Waitpid's await. The pidfd path does not use
// it; it reads the status from wait4 directly.
type childExit struct {
	pid    int
	status int
}
