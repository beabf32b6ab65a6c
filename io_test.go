package fibev

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestAcceptReadWriteEchoServer drives a full client/server round trip
// through the reactor: a listener fiber accepts one connection and echoes
// whatever it reads, a client fiber writes a message and reads it back.
func TestAcceptReadWriteEchoServer(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	lnFile, err := NewFile(ln.(*net.TCPListener))
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)

	clientConn, err := net.Dial("tcp4", addr.String())
	require.NoError(t, err)
	clientFile, err := NewFile(clientConn.(*net.TCPConn))
	require.NoError(t, err)

	serverDone := make(chan struct{})
	var serverErr error
	b.Spawn(func(self *Fiber) {
		defer close(serverDone)
		conn, aerr := b.Accept(self, lnFile)
		if aerr != nil {
			serverErr = aerr
			return
		}
		defer conn.Close()
		buf, rerr := b.Read(self, conn, 0, false, 0)
		if rerr != nil {
			serverErr = rerr
			return
		}
		if _, werr := b.Write(self, conn, buf); werr != nil {
			serverErr = werr
		}
	})

	clientDone := make(chan struct{})
	var clientErr error
	var echoed []byte
	b.Spawn(func(self *Fiber) {
		defer close(clientDone)
		msg := []byte("ping")
		if _, werr := b.Write(self, clientFile, msg); werr != nil {
			clientErr = werr
			return
		}
		buf, rerr := b.Read(self, clientFile, len(msg), false, 0)
		if rerr != nil {
			clientErr = rerr
			return
		}
		echoed = buf
	})

	serverClosed, clientClosed := false, false
	for i := 0; i < 1000 && !(serverClosed && clientClosed); i++ {
		select {
		case <-serverDone:
			serverClosed = true
		default:
		}
		select {
		case <-clientDone:
			clientClosed = true
		default:
		}
		if serverClosed && clientClosed {
			break
		}
		_, _ = b.Snooze()
	}

	require.True(t, serverClosed, "server fiber never finished")
	require.True(t, clientClosed, "client fiber never finished")
	require.NoError(t, serverErr)
	require.NoError(t, clientErr)
	assert.Equal(t, "ping", string(echoed))

	_ = ln.Close()
	_ = clientConn.Close()
}

func TestWriteRejectsEmptyBuffer(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	r, w, err := newNonblockingPipe()
	require.NoError(t, err)
	defer unixCloseBoth(r, w)

	done := make(chan struct{})
	var gotErr error
	b.Spawn(func(self *Fiber) {
		defer close(done)
		_, gotErr = b.Write(self, w, nil)
	})
	for i := 0; i < 10; i++ {
		select {
		case <-done:
			assert.ErrorIs(t, gotErr, ErrEmptyBuffer)
			return
		default:
			_, _ = b.Snooze()
		}
	}
	t.Fatal("fiber never finished")
}

func TestWritevConcatenatesInOrder(t *testing.T) {
	b, err := NewBackend()
	require.NoError(t, err)
	defer b.Close()

	r, w, err := newNonblockingPipe()
	require.NoError(t, err)
	defer unixCloseBoth(r, w)

	done := make(chan struct{})
	var n int64
	var werr error
	b.Spawn(func(self *Fiber) {
		defer close(done)
		n, werr = b.Writev(self, w, [][]byte{[]byte("foo"), []byte("bar"), []byte("baz")})
	})

	readDone := make(chan struct{})
	var read []byte
	var rerr error
	b.Spawn(func(self *Fiber) {
		defer close(readDone)
		read, rerr = b.Read(self, r, 9, false, 0)
	})

	writeClosed, readClosed := false, false
	for i := 0; i < 1000 && !(writeClosed && readClosed); i++ {
		select {
		case <-done:
			writeClosed = true
		default:
		}
		select {
		case <-readDone:
			readClosed = true
		default:
		}
		if writeClosed && readClosed {
			break
		}
		_, _ = b.Snooze()
	}

	require.True(t, writeClosed, "writev fiber never finished")
	require.True(t, readClosed, "read fiber never finished")
	require.NoError(t, werr)
	require.NoError(t, rerr)
	assert.EqualValues(t, 9, n)
	assert.Equal(t, "foobarbaz", string(read))
}

func unixCloseBoth(a, b int) {
	_ = unix.Close(a)
	_ = unix.Close(b)
}
