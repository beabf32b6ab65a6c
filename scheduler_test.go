package fibev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSnoozeOrdering checks the §8 invariant: the calling fiber resumes
// only after every already-queued fiber has had a chance to run.
func TestSnoozeOrdering(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	var order []string
	done := make(chan struct{})

	b.SpawnNamed("first", func(self *Fiber) {
		order = append(order, "first")
	})
	b.SpawnNamed("second", func(self *Fiber) {
		order = append(order, "second")
		close(done)
	})

	for i := 0; i < 20; i++ {
		select {
		case <-done:
			assert.Equal(t, []string{"first", "second"}, order)
			return
		default:
			_, err := b.Snooze()
			require.NoError(t, err)
		}
	}
	t.Fatal("scheduler never drained both fibers")
}

// TestAwaitDoesNotSelfSchedule checks the §8 invariant: the calling fiber
// does not appear in the run queue until some external callback schedules
// it.
func TestAwaitDoesNotSelfSchedule(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	var awaiting *Fiber
	resumed := make(chan struct{})
	b.Spawn(func(self *Fiber) {
		awaiting = self
		_, err := b.Await()
		require.NoError(t, err)
		close(resumed)
	})

	// Let the spawned fiber reach its Await.
	_, err = b.Snooze()
	require.NoError(t, err)

	require.NotNil(t, awaiting)
	assert.False(t, b.rq.contains(awaiting), "an awaiting fiber must not be on the run queue")

	b.schedule(awaiting, resumeValue{}, false)
	for i := 0; i < 10; i++ {
		select {
		case <-resumed:
			return
		default:
			_, _ = b.Snooze()
		}
	}
	t.Fatal("fiber never resumed after external schedule")
}

func TestCancelDeliversAsError(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	var gotErr error
	var target *Fiber
	done := make(chan struct{})
	b.Spawn(func(self *Fiber) {
		target = self
		_, gotErr = b.Await()
		close(done)
	})
	_, err = b.Snooze()
	require.NoError(t, err)

	b.Cancel(target, nil, true)
	for i := 0; i < 10; i++ {
		select {
		case <-done:
			var cancelled *Cancelled
			assert.ErrorAs(t, gotErr, &cancelled)
			return
		default:
			_, _ = b.Snooze()
		}
	}
	t.Fatal("cancelled fiber never resumed")
}

func TestParkedFibersAreEnumerable(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	f := b.SpawnNamed("parked", func(self *Fiber) {
		b.parkFiber(self)
		_, _ = b.Await()
	})
	_, err = b.Snooze()
	require.NoError(t, err)

	parked := b.ParkedFibers()
	require.Len(t, parked, 1)
	assert.Same(t, f, parked[0])

	b.unparkFiber(f)
	assert.Empty(t, b.ParkedFibers())
	b.schedule(f, resumeValue{}, false)
}

func TestSleepSuspendsForApproximatelyTheDuration(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	start := time.Now()
	done := make(chan struct{})
	b.Spawn(func(self *Fiber) {
		require.NoError(t, b.Sleep(self, 20*time.Millisecond))
		close(done)
	})

	for {
		select {
		case <-done:
			assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
			return
		default:
			_, _ = b.Snooze()
		}
	}
}
