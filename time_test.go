package fibev

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainUntil(t *testing.T, b *Backend, done <-chan struct{}, iterations int) {
	t.Helper()
	for i := 0; i < iterations; i++ {
		select {
		case <-done:
			return
		default:
			_, _ = b.Snooze()
		}
	}
	t.Fatal("fiber never finished")
}

func TestTimerLoopTicksAtLeastExpectedCount(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	var ticks int
	stop := errors.New("stop")
	done := make(chan struct{})
	b.Spawn(func(self *Fiber) {
		defer close(done)
		err := b.TimerLoop(self, 5*time.Millisecond, func() error {
			ticks++
			if ticks >= 3 {
				return stop
			}
			return nil
		})
		assert.ErrorIs(t, err, stop)
	})

	drainUntil(t, b, done, 10000)
	assert.GreaterOrEqual(t, ticks, 3)
}

func TestTimeoutReturnsSuppliedErrorWhenExceeded(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	sentinel := errors.New("too slow")
	done := make(chan struct{})
	var gotErr error
	b.Spawn(func(self *Fiber) {
		defer close(done)
		_, gotErr = b.Timeout(self, 5*time.Millisecond, func() error { return sentinel }, func() (any, error) {
			return nil, b.Sleep(self, time.Hour)
		})
	})

	drainUntil(t, b, done, 10000)
	assert.ErrorIs(t, gotErr, sentinel)
}

func TestTimeoutDoesNotFireWhenFnFinishesFirst(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	done := make(chan struct{})
	var gotVal any
	var gotErr error
	b.Spawn(func(self *Fiber) {
		defer close(done)
		gotVal, gotErr = b.Timeout(self, time.Hour, nil, func() (any, error) {
			return "done", nil
		})
	})

	drainUntil(t, b, done, 10000)
	require.NoError(t, gotErr)
	assert.Equal(t, "done", gotVal)
}

func TestMoveOnReturnsValueInsteadOfRaising(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	done := make(chan struct{})
	var gotVal any
	var gotErr error
	b.Spawn(func(self *Fiber) {
		defer close(done)
		gotVal, gotErr = b.MoveOn(self, 5*time.Millisecond, "fallback", func() (any, error) {
			return nil, b.Sleep(self, time.Hour)
		})
	})

	drainUntil(t, b, done, 10000)
	require.NoError(t, gotErr)
	assert.Equal(t, "fallback", gotVal)
}

func TestEventWaiterSignalWakesWaiter(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	ew := b.NewEventWaiter()
	defer ew.Close()

	done := make(chan struct{})
	var gotErr error
	b.Spawn(func(self *Fiber) {
		defer close(done)
		gotErr = ew.Wait(self, true)
	})

	// Let the waiting fiber reach ew.Wait before signalling.
	_, err = b.Snooze()
	require.NoError(t, err)

	go ew.Signal()

	drainUntil(t, b, done, 10000)
	assert.NoError(t, gotErr)
}
