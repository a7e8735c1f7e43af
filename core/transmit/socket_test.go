//go:build linux || darwin

package transmit

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/buf"
	"github.com/searchktools/fast-io/core/conn"
)

// socketConn returns a connection on one end of a socketpair and a reader
// for the other end.
func socketConn(t *testing.T) (*conn.Connection, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	peer := os.NewFile(uintptr(fds[1]), "peer")
	t.Cleanup(func() {
		unix.Close(fds[0])
		peer.Close()
	})

	c := newTestConn(t, fds[0])
	c.TCPNoDelay = conn.TCPDisabled
	c.TCPNoPush = conn.TCPDisabled
	return c, peer
}

func drain(peer *os.File, n int) <-chan []byte {
	got := make(chan []byte, 1)
	go func() {
		p := make([]byte, n)
		_, err := io.ReadFull(peer, p)
		if err != nil {
			p = nil
		}
		got <- p
	}()
	return got
}

func sendAll(t *testing.T, send func(in buf.LinkID) (buf.LinkID, error), c *conn.Connection, in buf.LinkID) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for in != buf.Nil {
		require.True(t, time.Now().Before(deadline), "send did not finish")
		c.Write.Ready = true
		before := c.Arena.Size(in)
		var err error
		in, err = send(in)
		require.NoError(t, err)
		if in != buf.Nil {
			// residual is exactly what the kernel did not take
			require.LessOrEqual(t, c.Arena.Size(in), before)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestWritevChain_Socketpair(t *testing.T) {
	c, peer := socketConn(t)
	b := New(Options{})

	var want []byte
	var bufs []*buf.Buffer
	for i := 0; i < 64; i++ {
		p := pattern(16384 + i)
		want = append(want, p...)
		bufs = append(bufs, buf.NewMemory(p))
	}
	bufs = append(bufs, buf.NewSpecial(buf.Last))

	got := drain(peer, len(want))
	in := c.Arena.Chain(bufs...)
	sendAll(t, func(in buf.LinkID) (buf.LinkID, error) { return b.WritevChain(c, in, 0) }, c, in)

	assert.Equal(t, int64(len(want)), c.Sent)
	assert.True(t, bytes.Equal(want, <-got))
}

func TestWritevChain_WouldBlockClearsReady(t *testing.T) {
	c, _ := socketConn(t)
	b := New(Options{})

	// nobody reads: the socket buffer fills up
	p := pattern(8 << 20)
	in := c.Arena.Chain(buf.NewMemory(p))

	rest, err := b.WritevChain(c, in, 0)
	require.NoError(t, err)
	assert.False(t, c.Write.Ready)
	require.NotEqual(t, buf.Nil, rest)
	assert.Equal(t, int64(len(p))-c.Sent, c.Arena.Size(rest))
}
