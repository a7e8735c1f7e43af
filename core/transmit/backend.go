// Package transmit moves buffer chains onto sockets with the cheapest
// primitive the platform offers: gathered writes for memory, kernel
// file-to-socket copies for file ranges, optionally on a worker thread.
package transmit

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/buf"
	"github.com/searchktools/fast-io/core/conn"
	"github.com/searchktools/fast-io/core/observability"
	"github.com/searchktools/fast-io/core/pools"
	"github.com/searchktools/fast-io/core/sendfile"
)

var (
	// ErrFileTruncated is returned when a kernel copy transmits nothing
	// for a non-empty request: the file shrank under us.
	ErrFileTruncated = errors.New("transmit: file was truncated")
	// ErrBadBuf is returned for a chain link the primitive cannot carry.
	ErrBadBuf = errors.New("transmit: bad buf in output chain")
)

// kernel is the system call surface of a Backend.
type kernel interface {
	writev(fd int, iov [][]byte) (int, error)
	sendfile(sock, file int, off *int64, n int) (int, error)
	cork(fd int, on bool) error
	nodelay(fd int, on bool) error
}

type sys struct{}

func (sys) writev(fd int, iov [][]byte) (int, error) { return sendfile.Writev(fd, iov) }

func (sys) sendfile(sock, file int, off *int64, n int) (int, error) {
	return sendfile.Send(sock, file, off, n)
}

func (sys) cork(fd int, on bool) error { return setCork(fd, on) }

func (sys) nodelay(fd int, on bool) error { return setNoDelay(fd, on) }

// Completion reports the end of an offloaded kernel copy.
type Completion struct {
	Conn *conn.Connection
	ID   uint64
	Sent int64
	Err  error
}

// Options configures a Backend.
type Options struct {
	Caps *Capabilities

	// Offload runs copies of files flagged Offload. Nil disables offload.
	Offload        *pools.WorkerPool
	OffloadTimeout time.Duration
	// Complete is called from the worker thread when an offloaded copy
	// finishes. It must hand the result to the owning event loop.
	Complete func(Completion)

	Monitor *observability.Monitor
	Log     *zap.Logger
}

// Backend transmits chains for the connections of one event loop. It keeps
// scratch state and must not be shared between loops.
type Backend struct {
	caps           *Capabilities
	offload        *pools.WorkerPool
	offloadTimeout time.Duration
	complete       func(Completion)
	mon            *observability.Monitor
	log            *zap.Logger
	sys            kernel

	iov [][]byte
}

// New creates a backend.
func New(opts Options) *Backend {
	if opts.Caps == nil {
		opts.Caps = Detect()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Complete == nil {
		opts.Offload = nil
	}
	return &Backend{
		caps:           opts.Caps,
		offload:        opts.Offload,
		offloadTimeout: opts.OffloadTimeout,
		complete:       opts.Complete,
		mon:            opts.Monitor,
		log:            opts.Log,
		sys:            sys{},
		iov:            make([][]byte, 0, opts.Caps.IOVMax),
	}
}

// Caps returns the capabilities the backend was built with.
func (b *Backend) Caps() *Capabilities { return b.caps }

// SendChain picks the primitive by the connection's sendfile policy. It
// satisfies conn.SendChainFunc.
func (b *Backend) SendChain(c *conn.Connection, in buf.LinkID, limit int64) (buf.LinkID, error) {
	if c.Sendfile && b.caps.Sendfile {
		return b.SendfileChain(c, in, limit)
	}
	return b.WritevChain(c, in, limit)
}

// WritevChain transmits an all-memory chain with gathered writes. A short
// write clears Write.Ready and returns the residual.
func (b *Backend) WritevChain(c *conn.Connection, in buf.LinkID, limit int64) (buf.LinkID, error) {
	wev := c.Write
	if !wev.Ready {
		return in, nil
	}

	if limit <= 0 || limit > math.MaxInt64-b.caps.PageSize {
		limit = math.MaxInt64 - b.caps.PageSize
	}

	a := c.Arena
	var send int64
	for {
		prev := send

		iov, size, _, err := b.memoryVector(a, in, limit-send, false)
		if err != nil {
			c.Error = true
			b.logFor(c).Error("writev chain", zap.Error(err), zap.String("chain", a.Dump(in)))
			return in, err
		}
		send += size

		n, again, err := b.writev(c, iov)
		if err != nil {
			return in, err
		}

		c.Sent += n
		in = a.UpdateSent(in, n)

		if again || send-prev != n {
			wev.Ready = false
			return in, nil
		}
		if send >= limit || in == buf.Nil || size == 0 {
			return in, nil
		}
	}
}

// SendfileChain transmits a chain mixing memory and file buffers. Memory
// runs go out with writev, file runs are coalesced and copied by the
// kernel. A header followed by a file is corked so they share packets.
func (b *Backend) SendfileChain(c *conn.Connection, in buf.LinkID, limit int64) (buf.LinkID, error) {
	wev := c.Write
	if !wev.Ready {
		return in, nil
	}

	if limit <= 0 || limit > b.caps.MaxSendfile {
		limit = b.caps.MaxSendfile
	}

	a := c.Arena
	var send int64
	for {
		prev := send

		iov, hsize, cl, err := b.memoryVector(a, in, limit-send, true)
		if err != nil {
			c.Error = true
			b.logFor(c).Error("sendfile chain", zap.Error(err), zap.String("chain", a.Dump(in)))
			return in, err
		}
		send += hsize

		fileNext := cl != buf.Nil && a.Buf(cl).Has(buf.InFile)

		if len(iov) != 0 && fileNext && b.caps.Cork && c.TCPNoPush == conn.TCPUnset {
			if err := b.corkOn(c); err != nil {
				return in, err
			}
		}

		var (
			n     int64
			again bool
		)

		if len(iov) == 0 && fileNext && send < limit {
			fb := a.Buf(cl)
			fsize, _ := a.CoalesceFile(cl, limit-send)
			send += fsize

			if fb.File.Offload && b.offload != nil {
				var posted bool
				n, posted, again, err = b.offloadSend(c, fb, fsize)
				if err != nil {
					return in, err
				}
				if posted {
					return in, nil
				}
			} else {
				n, again, err = b.sendfile(c, fb, fsize)
				if err != nil {
					return in, err
				}
			}
		} else {
			n, again, err = b.writev(c, iov)
			if err != nil {
				return in, err
			}
		}

		c.Sent += n
		in = a.UpdateSent(in, n)

		if again {
			wev.Ready = false
			return in, nil
		}

		if send-prev != n {
			// The kernel may stop short without reporting why; retry
			// until it says EAGAIN.
			send = prev + n
		}

		if in == buf.Nil {
			b.corkOff(c)
			return in, nil
		}
		if send >= limit || n == 0 {
			return in, nil
		}
	}
}

// memoryVector collects up to limit bytes of memory buffers from in into
// the scratch vector, merging ranges that are contiguous in memory. It
// stops at the IOV limit and, for the sendfile path, at the first file
// buffer. The returned link is the first one not fully covered.
func (b *Backend) memoryVector(a *buf.Arena, in buf.LinkID, limit int64, stopAtFile bool) ([][]byte, int64, buf.LinkID, error) {
	iov := b.iov[:0]
	var total int64

	for ; in != buf.Nil && total < limit; in = a.Next(in) {
		bb := a.Buf(in)
		if bb.Special() {
			continue
		}
		if bb.Has(buf.InFile) && (stopAtFile || !bb.InMemory()) {
			if stopAtFile {
				break
			}
			return nil, 0, in, fmt.Errorf("%w: file buf in writev %s", ErrBadBuf, bb)
		}
		if !bb.InMemory() {
			return nil, 0, in, fmt.Errorf("%w: %s", ErrBadBuf, bb)
		}

		size := bb.Size()
		if size == 0 {
			continue
		}
		if size > limit-total {
			size = limit - total
		}
		p := bb.Start[bb.Pos : bb.Pos+int(size)]

		if k := len(iov); k > 0 && adjacent(iov[k-1], p) {
			iov[k-1] = iov[k-1][:len(iov[k-1])+len(p)]
		} else {
			if len(iov) == b.caps.IOVMax {
				break
			}
			iov = append(iov, p)
		}
		total += size
	}

	b.iov = iov
	return iov, total, in, nil
}

// adjacent reports whether p starts where prev ends inside the same
// backing array.
func adjacent(prev, p []byte) bool {
	if cap(prev)-len(prev) < len(p) {
		return false
	}
	return &prev[:len(prev)+1][len(prev)] == &p[0]
}

func (b *Backend) writev(c *conn.Connection, iov [][]byte) (int64, bool, error) {
	if len(iov) == 0 {
		return 0, false, nil
	}

	start := time.Now()
	for {
		n, err := b.sys.writev(c.Fd, iov)
		if n < 0 {
			n = 0
		}
		if err == nil {
			b.mon.Record(observability.OpWritev, int64(n), time.Since(start), observability.OK)
			return int64(n), false, nil
		}

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			b.mon.Record(observability.OpWritev, int64(n), time.Since(start), observability.WouldBlock)
			return int64(n), true, nil
		}

		b.mon.Record(observability.OpWritev, 0, time.Since(start), observability.Failed)
		c.Write.Error = true
		c.Error = true
		return 0, false, fmt.Errorf("writev() failed: %w", err)
	}
}

func (b *Backend) sendfile(c *conn.Connection, fb *buf.Buffer, size int64) (int64, bool, error) {
	if size == 0 {
		return 0, false, nil
	}

	start := time.Now()
	off := fb.FilePos
	for {
		n, err := b.sys.sendfile(c.Fd, fb.File.Fd, &off, int(size))
		if n < 0 {
			n = 0
		}
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR) && n == 0:
				continue
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
				b.mon.Record(observability.OpSendfile, int64(n), time.Since(start), observability.WouldBlock)
				return int64(n), true, nil
			}
			b.mon.Record(observability.OpSendfile, 0, time.Since(start), observability.Failed)
			c.Write.Error = true
			c.Error = true
			return 0, false, fmt.Errorf("sendfile() failed: %w", err)
		}

		if n == 0 {
			b.mon.Record(observability.OpSendfile, 0, time.Since(start), observability.Failed)
			c.Error = true
			b.logFor(c).Error("sendfile() reported that file was truncated",
				zap.String("file", fb.File.Name), zap.Int64("offset", fb.FilePos))
			return 0, false, fmt.Errorf("%w: %q at %d", ErrFileTruncated, fb.File.Name, fb.FilePos)
		}

		b.mon.Record(observability.OpSendfile, int64(n), time.Since(start), observability.OK)
		return int64(n), false, nil
	}
}

// corkOn holds partial frames so a header and the file after it share
// packets. TCP_NODELAY and TCP_CORK are mutually exclusive, so a set
// TCP_NODELAY is suspended first.
func (b *Backend) corkOn(c *conn.Connection) error {
	if c.TCPNoDelay == conn.TCPSet {
		if err := b.sys.nodelay(c.Fd, false); err != nil {
			if unsupported(err) {
				c.TCPNoDelay = conn.TCPDisabled
				c.TCPNoPush = conn.TCPDisabled
				return nil
			}
			c.Write.Error = true
			c.Error = true
			return fmt.Errorf("setsockopt(TCP_NODELAY) failed: %w", err)
		}
		c.TCPNoDelay = conn.TCPSuspended
	}

	if c.TCPNoDelay == conn.TCPDisabled {
		return nil
	}

	if err := b.sys.cork(c.Fd, true); err != nil {
		switch {
		case errors.Is(err, unix.EINTR):
			// carry on uncorked
			return nil
		case unsupported(err):
			c.TCPNoPush = conn.TCPDisabled
			return nil
		}
		c.Write.Error = true
		c.Error = true
		return fmt.Errorf("setsockopt(TCP_CORK) failed: %w", err)
	}

	c.TCPNoPush = conn.TCPSet
	return nil
}

// corkOff pushes out held frames and restores a suspended TCP_NODELAY.
func (b *Backend) corkOff(c *conn.Connection) {
	if c.TCPNoPush != conn.TCPSet {
		return
	}
	if err := b.sys.cork(c.Fd, false); err != nil {
		b.logFor(c).Debug("uncork failed", zap.Error(err))
	}
	c.TCPNoPush = conn.TCPUnset

	if c.TCPNoDelay == conn.TCPSuspended {
		if err := b.sys.nodelay(c.Fd, true); err != nil {
			b.logFor(c).Debug("restore TCP_NODELAY failed", zap.Error(err))
			c.TCPNoDelay = conn.TCPUnset
			return
		}
		c.TCPNoDelay = conn.TCPSet
	}
}

func unsupported(err error) bool {
	return errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOPROTOOPT) ||
		errors.Is(err, unix.EINVAL)
}

func (b *Backend) logFor(c *conn.Connection) *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return b.log.With(zap.Int("fd", c.Fd))
}
