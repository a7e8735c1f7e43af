package accept

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/conn"
)

// acceptOne drives the accept handler until a connection arrives.
func acceptOne(t *testing.T, ls *conn.Listener) *conn.Connection {
	t.Helper()
	var got *conn.Connection
	prev := ls.Handler
	ls.Handler = func(c *conn.Connection) { got = c }
	defer func() { ls.Handler = prev }()

	deadline := time.Now().Add(5 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		ls.Accept.Handler(&ls.Accept)
		if got == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}
	require.NotNil(t, got, "no connection accepted")
	t.Cleanup(func() { unix.Close(got.Fd) })
	return got
}

func TestOpen_TCP(t *testing.T) {
	ls, err := Open(ListenSpec{Network: "tcp", Addr: "127.0.0.1:0", NoDelay: true, KeepAlive: true})
	require.NoError(t, err)
	defer Close(ls)

	_, port, err := net.SplitHostPort(ls.Addr)
	require.NoError(t, err)
	assert.NotEqual(t, "0", port)
	assert.Equal(t, defaultBacklog, ls.Backlog)

	co := NewCoordinator(conn.NewTable(4, conn.TableOptions{}), newFakeReactor(), Options{})
	require.NoError(t, co.Add(ls))

	client, err := net.Dial("tcp", ls.Addr)
	require.NoError(t, err)
	defer client.Close()

	c := acceptOne(t, ls)
	assert.Equal(t, conn.TCPSet, c.TCPNoDelay)
	assert.Equal(t, client.LocalAddr().String(), AddrString(c.RemoteAddr))

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	p := make([]byte, 4)
	require.Eventually(t, func() bool {
		n, _ := unix.Read(c.Fd, p)
		return n == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "ping", string(p))
}

func TestOpen_ReusePortPair(t *testing.T) {
	a, err := Open(ListenSpec{Addr: "127.0.0.1:0", ReusePort: true})
	require.NoError(t, err)
	defer Close(a)

	b, err := Open(ListenSpec{Addr: a.Addr, ReusePort: true, Worker: 1})
	require.NoError(t, err)
	defer Close(b)

	assert.True(t, a.Exempt())
	assert.Equal(t, a.Addr, b.Addr)
	assert.Equal(t, 1, b.Worker)
}

func TestOpen_Unix(t *testing.T) {
	dir, err := os.MkdirTemp("", "fio")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "s.sock")

	ls, err := Open(ListenSpec{Network: "unix", Addr: path})
	require.NoError(t, err)

	co := NewCoordinator(conn.NewTable(4, conn.TableOptions{}), newFakeReactor(), Options{})
	require.NoError(t, co.Add(ls))

	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer client.Close()

	c := acceptOne(t, ls)
	assert.Equal(t, conn.TCPDisabled, c.TCPNoDelay)

	require.NoError(t, Close(ls))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file removed")
}

func TestOpen_BadNetwork(t *testing.T) {
	_, err := Open(ListenSpec{Network: "udp", Addr: "127.0.0.1:0"})
	assert.Error(t, err)
}

func TestInherit(t *testing.T) {
	l, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer l.Close()

	f, err := l.(*net.TCPListener).File()
	require.NoError(t, err)
	defer f.Close()

	ls, err := Inherit(f, ListenSpec{Sendfile: true})
	require.NoError(t, err)
	defer Close(ls)

	assert.True(t, ls.Inherited)
	assert.Equal(t, l.Addr().String(), ls.Addr)
	assert.Equal(t, "tcp", ls.Network)

	co := NewCoordinator(conn.NewTable(4, conn.TableOptions{}), newFakeReactor(), Options{})
	require.NoError(t, co.Add(ls))

	client, err := net.Dial("tcp", ls.Addr)
	require.NoError(t, err)
	defer client.Close()

	c := acceptOne(t, ls)
	assert.True(t, c.Sendfile)
}

func TestInherit_RejectsDatagram(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	f, err := pc.(*net.UDPConn).File()
	require.NoError(t, err)
	defer f.Close()

	_, err = Inherit(f, ListenSpec{})
	assert.ErrorIs(t, err, ErrNotStream)
}

func TestClone_SeparateAcceptEvents(t *testing.T) {
	ls, err := Open(ListenSpec{Addr: "127.0.0.1:0", Sendfile: true})
	require.NoError(t, err)
	defer Close(ls)

	a, b := Clone(ls, 0), Clone(ls, 1)
	assert.Equal(t, ls.Fd, a.Fd)
	assert.Equal(t, 1, b.Worker)
	assert.Same(t, a, a.Accept.Listener)
	assert.True(t, b.Accept.Accept)

	ra, rb := newFakeReactor(), newFakeReactor()
	require.NoError(t, NewCoordinator(conn.NewTable(2, conn.TableOptions{}), ra, Options{}).Add(a))
	require.NoError(t, NewCoordinator(conn.NewTable(2, conn.TableOptions{}), rb, Options{}).Add(b))
	assert.True(t, a.Accept.Active)
	assert.True(t, b.Accept.Active)
	assert.False(t, ls.Accept.Active, "the original stays untouched")
}
