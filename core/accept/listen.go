package accept

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/conn"
)

// ErrNotStream is returned when an inherited descriptor is not a stream
// socket.
var ErrNotStream = errors.New("accept: inherited socket is not a stream socket")

// ListenSpec is the configuration of one listening socket.
type ListenSpec struct {
	Network string // tcp, tcp4, tcp6 or unix
	Addr    string

	Backlog int
	RcvBuf  int
	SndBuf  int

	ReusePort bool
	KeepAlive bool
	NoDelay   bool
	Sendfile  bool

	Handler conn.Handler
	Worker  int
}

const defaultBacklog = 511

// Open creates, binds and starts listening on a non-blocking socket.
func Open(ln ListenSpec) (*conn.Listener, error) {
	if ln.Network == "" {
		ln.Network = "tcp"
	}
	if ln.Backlog <= 0 {
		ln.Backlog = defaultBacklog
	}

	sa, family, err := sockaddr(ln.Network, ln.Addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket() %s failed: %w", ln.Addr, err)
	}
	unix.CloseOnExec(fd)

	if err := configure(fd, family, ln); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind() to %s failed: %w", ln.Addr, err)
	}
	if err := unix.Listen(fd, ln.Backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen() to %s, backlog %d failed: %w", ln.Addr, ln.Backlog, err)
	}

	ls := newListener(fd, ln)
	if local, err := unix.Getsockname(fd); err == nil {
		ls.Addr = AddrString(local)
	}
	return ls, nil
}

// Inherit adopts a listening socket passed down by a parent process. The
// descriptor is duplicated; f stays with the caller.
func Inherit(f *os.File, ln ListenSpec) (*conn.Listener, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup inherited socket: %w", err)
	}
	unix.CloseOnExec(fd)

	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || typ != unix.SOCK_STREAM {
		unix.Close(fd)
		if err == nil {
			err = ErrNotStream
		}
		return nil, fmt.Errorf("inherited socket %q: %w", f.Name(), err)
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname() of inherited socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nonblock inherited socket: %w", err)
	}

	if _, ok := local.(*unix.SockaddrUnix); ok {
		ln.Network = "unix"
	} else if ln.Network == "" {
		ln.Network = "tcp"
	}

	ls := newListener(fd, ln)
	ls.Addr = AddrString(local)
	ls.Inherited = true
	return ls, nil
}

// Close closes every listener. Unix-domain socket files created by Open
// are removed.
func Close(lss ...*conn.Listener) error {
	var err error
	for _, ls := range lss {
		if ls == nil || ls.Fd < 0 {
			continue
		}
		if cerr := unix.Close(ls.Fd); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close listener %s: %w", ls.Addr, cerr))
		}
		ls.Fd = -1
		if ls.Network == "unix" && !ls.Inherited {
			if rerr := os.Remove(ls.Addr); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				err = multierr.Append(err, rerr)
			}
		}
	}
	return err
}

// Clone gives worker its own record of a shared listener. The socket is
// shared, the accept event is not; only the original is passed to Close.
func Clone(ls *conn.Listener, worker int) *conn.Listener {
	cp := *ls
	cp.Worker = worker
	cp.Accept = conn.Event{Listener: &cp, Accept: true}
	return &cp
}

func newListener(fd int, ln ListenSpec) *conn.Listener {
	ls := &conn.Listener{
		Network:   ln.Network,
		Addr:      ln.Addr,
		Fd:        fd,
		Backlog:   ln.Backlog,
		RcvBuf:    ln.RcvBuf,
		SndBuf:    ln.SndBuf,
		ReusePort: ln.ReusePort,
		KeepAlive: ln.KeepAlive,
		NoDelay:   ln.NoDelay,
		Sendfile:  ln.Sendfile,
		Handler:   ln.Handler,
		Worker:    ln.Worker,
	}
	ls.Accept.Listener = ls
	ls.Accept.Accept = true
	return ls
}

func configure(fd, family int, ln ListenSpec) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("nonblock listener: %w", err)
	}

	if family != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("setsockopt(SO_REUSEADDR) %s failed: %w", ln.Addr, err)
		}
	}
	if ln.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("setsockopt(SO_REUSEPORT) %s failed: %w", ln.Addr, err)
		}
	}
	if ln.RcvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, ln.RcvBuf); err != nil {
			return fmt.Errorf("setsockopt(SO_RCVBUF, %d) %s failed: %w", ln.RcvBuf, ln.Addr, err)
		}
	}
	if ln.SndBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, ln.SndBuf); err != nil {
			return fmt.Errorf("setsockopt(SO_SNDBUF, %d) %s failed: %w", ln.SndBuf, ln.Addr, err)
		}
	}
	if ln.KeepAlive && family != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return fmt.Errorf("setsockopt(SO_KEEPALIVE) %s failed: %w", ln.Addr, err)
		}
	}
	return nil
}

func sockaddr(network, addr string) (unix.Sockaddr, int, error) {
	switch network {
	case "unix":
		return &unix.SockaddrUnix{Name: addr}, unix.AF_UNIX, nil
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, 0, fmt.Errorf("accept: unsupported network %q", network)
	}

	ta, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", addr, err)
	}

	if ta.IP == nil || ta.IP.IsUnspecified() {
		if network == "tcp6" {
			return &unix.SockaddrInet6{Port: ta.Port}, unix.AF_INET6, nil
		}
		return &unix.SockaddrInet4{Port: ta.Port}, unix.AF_INET, nil
	}
	if ip4 := ta.IP.To4(); ip4 != nil && network != "tcp6" {
		return &unix.SockaddrInet4{Port: ta.Port, Addr: [4]byte(ip4)}, unix.AF_INET, nil
	}
	return &unix.SockaddrInet6{Port: ta.Port, Addr: [16]byte(ta.IP.To16())}, unix.AF_INET6, nil
}

// AddrString formats a socket address the way net.Addr does.
func AddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	}
	return ""
}
