package fibev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSpliceToEOFCopiesEntireStream(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	srcR, srcW, err := newNonblockingPipe()
	require.NoError(t, err)
	defer unixCloseBoth(srcR, srcW)
	dstR, dstW, err := newNonblockingPipe()
	require.NoError(t, err)
	defer unixCloseBoth(dstR, dstW)

	payload := []byte("the quick brown fox jumps over the lazy dog")

	writerDone := make(chan struct{})
	b.Spawn(func(self *Fiber) {
		defer close(writerDone)
		_, err := b.writeAll(self, srcW, payload)
		require.NoError(t, err)
		require.NoError(t, unix.Close(srcW))
	})

	spliceDone := make(chan struct{})
	var total int64
	var spliceErr error
	b.Spawn(func(self *Fiber) {
		defer close(spliceDone)
		total, spliceErr = b.SpliceToEOF(self, srcR, dstW, 8)
	})

	readerDone := make(chan struct{})
	var got []byte
	var readErr error
	b.Spawn(func(self *Fiber) {
		defer close(readerDone)
		got, readErr = b.Read(self, dstR, len(payload), true, 0)
	})

	finished := func() bool {
		select {
		case <-writerDone:
		default:
			return false
		}
		select {
		case <-spliceDone:
		default:
			return false
		}
		return true
	}

	for i := 0; i < 10000 && !finished(); i++ {
		_, _ = b.Snooze()
	}
	require.True(t, finished(), "writer/splice fibers never finished")
	require.NoError(t, spliceErr)
	assert.EqualValues(t, len(payload), total)

	require.NoError(t, unix.Close(dstW))
	for i := 0; i < 10000; i++ {
		select {
		case <-readerDone:
			require.NoError(t, readErr)
			assert.Equal(t, payload, got)
			return
		default:
			_, _ = b.Snooze()
		}
	}
	t.Fatal("reader fiber never finished")
}

func TestSpliceChunksAppliesFraming(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	srcR, srcW, err := newNonblockingPipe()
	require.NoError(t, err)
	defer unixCloseBoth(srcR, srcW)
	dstR, dstW, err := newNonblockingPipe()
	require.NoError(t, err)
	defer unixCloseBoth(dstR, dstW)

	payload := []byte("abcdefgh")

	writerDone := make(chan struct{})
	b.Spawn(func(self *Fiber) {
		defer close(writerDone)
		_, err := b.writeAll(self, srcW, payload)
		require.NoError(t, err)
		require.NoError(t, unix.Close(srcW))
	})

	chunkDone := make(chan struct{})
	var spliceErr error
	b.Spawn(func(self *Fiber) {
		defer close(chunkDone)
		_, spliceErr = b.SpliceChunks(self, srcR, dstW, []byte("["), []byte("]"), []byte("<"), []byte(">"), 4)
		require.NoError(t, unix.Close(dstW))
	})

	readerDone := make(chan struct{})
	var got []byte
	var readErr error
	b.Spawn(func(self *Fiber) {
		defer close(readerDone)
		got, readErr = b.Read(self, dstR, 0, true, 0)
	})

	for i := 0; i < 10000; i++ {
		select {
		case <-readerDone:
			require.NoError(t, spliceErr)
			require.NoError(t, readErr)
			assert.Equal(t, "[<abcd><efgh>]", string(got))
			return
		default:
			_, _ = b.Snooze()
		}
	}
	t.Fatal("framing pipeline never finished")
}
