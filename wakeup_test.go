package fibev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWakeupInterruptsBlockingPoll checks spec §5 "Cross-thread interaction":
// a Wakeup call from another goroutine, issued while the backend is blocked
// in a blocking Poll with no timer or fd watcher armed, must return promptly
// rather than wait out whatever deadline (or forever) the poll would
// otherwise have blocked for.
func TestWakeupInterruptsBlockingPoll(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	start := time.Now()
	done := make(chan struct{})
	var pollErr error
	b.Spawn(func(self *Fiber) {
		defer close(done)
		pollErr = b.Poll(true)
	})

	// The spawned fiber calls Poll(true) directly; the root fiber's Snooze
	// loop below hands it the baton so it reaches that blocking call, and a
	// real separate goroutine wakes it once currentlyPolling is set.
	go func() {
		for !b.currentlyPolling.Load() {
			time.Sleep(time.Millisecond)
		}
		b.Wakeup()
	}()

	for i := 0; i < 10000; i++ {
		select {
		case <-done:
			require.NoError(t, pollErr)
			assert.Less(t, time.Since(start), 2*time.Second)
			return
		default:
			_, _ = b.Snooze()
		}
	}
	t.Fatal("Wakeup did not interrupt the blocking poll")
}

// TestWakeupIsNoOpWhenNotPolling checks that Wakeup does nothing observable
// outside of a blocking Poll call, per spec §5.
func TestWakeupIsNoOpWhenNotPolling(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	assert.NotPanics(t, func() { b.Wakeup() })
}
