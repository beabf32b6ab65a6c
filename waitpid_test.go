package fibev

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWaitpidReportsExitStatus forks a real child process and awaits its
// exit through the backend, exercising the platform-selected reap path
// (pidfd on Linux, SIGCHLD fallback elsewhere).
func TestWaitpidReportsExitStatus(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	done := make(chan struct{})
	var gotPID, gotStatus int
	var waitErr error
	b.Spawn(func(self *Fiber) {
		defer close(done)
		gotPID, gotStatus, waitErr = b.Waitpid(self, pid)
	})

	for i := 0; i < 10000; i++ {
		select {
		case <-done:
			require.NoError(t, waitErr)
			assert.Equal(t, pid, gotPID)
			assert.Equal(t, 7, gotStatus)
			return
		default:
			_, _ = b.Snooze()
		}
	}
	t.Fatal("waitpid fiber never finished")
}
