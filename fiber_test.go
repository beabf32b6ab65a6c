package fibev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRunsOnce(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	ran := false
	done := make(chan struct{})
	f := b.Spawn(func(self *Fiber) {
		ran = true
		close(done)
	})
	require.NotNil(t, f)

	for i := 0; i < 10 && f.State() != FiberDead; i++ {
		_, err := b.Snooze()
		require.NoError(t, err)
	}
	assert.True(t, ran)
	assert.Equal(t, FiberDead, f.State())
}

func TestSpawnedFiberPanicIsContained(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	other := b.Spawn(func(self *Fiber) {
		panic("boom")
	})

	for i := 0; i < 10 && other.State() != FiberDead; i++ {
		_, _ = b.Snooze()
	}
	assert.Equal(t, FiberDead, other.State())
}

func TestFiberNamesSurfaceForDebugging(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	f := b.SpawnNamed("worker-1", func(self *Fiber) {
		_ = b.Sleep(self, time.Millisecond)
	})
	assert.Equal(t, "worker-1", f.Name())
}
