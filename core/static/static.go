// Package static is a minimal content producer: every request on a
// connection is answered with one file, sent through the output engine and
// the write filter. It exists to drive the I/O core end to end; it only
// looks for the blank line that ends a request head.
package static

import (
	"bytes"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/buf"
	"github.com/searchktools/fast-io/core/conn"
	"github.com/searchktools/fast-io/core/filter"
	"github.com/searchktools/fast-io/core/observability"
	"github.com/searchktools/fast-io/core/output"
	"github.com/searchktools/fast-io/core/sendfile"
	"github.com/searchktools/fast-io/core/writer"
)

const (
	maxRequestHead = 8192
	readChunk      = 4096
)

var (
	ErrRequestTooLarge = errors.New("static: request head too large")

	headEnd = []byte("\r\n\r\n")
)

// Options configures a Server.
type Options struct {
	// File is the path served for every request.
	File  string
	Cache *sendfile.FileCache

	Output output.Config
	Writer writer.Config

	// SendTimeout bounds how long a response may wait for the socket.
	SendTimeout time.Duration
	// Keepalive is how long an idle connection waits for the next request.
	Keepalive time.Duration

	Log     *zap.Logger
	Monitor *observability.Monitor
}

// Server answers requests with the configured file.
type Server struct {
	opts Options

	served atomic.Uint64
	failed atomic.Uint64
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Cache == nil {
		opts.Cache = sendfile.NewFileCache(64)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 60 * time.Second
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 75 * time.Second
	}
	return &Server{opts: opts}
}

// Served reports the number of completed responses.
func (s *Server) Served() uint64 { return s.served.Load() }

// Failed reports the number of responses aborted by errors.
func (s *Server) Failed() uint64 { return s.failed.Load() }

// Handler returns the listener handler for a worker. Idle keepalive
// connections are offered to t for reuse.
func (s *Server) Handler(t *conn.Table) conn.Handler {
	return func(c *conn.Connection) {
		ss := &session{srv: s, c: c, table: t, in: buf.Nil}

		ss.w = writer.New(c, s.opts.Writer)
		ss.out = output.New(s.opts.Output, c.Arena, ss.w)
		ss.out.Conn = c
		ss.out.Log = c.Log
		ss.out.Monitor = s.opts.Monitor
		ss.head = filter.NewPipeline().Use(filter.Recover(c.Log)).Compile(ss.out)

		ss.pipelined = conn.Event{Conn: c, Handler: ss.onPipelined}

		c.Data = ss
		c.Read.Handler = ss.onRead
		c.Write.Handler = ss.onWrite

		if err := c.Reactor.Arm(c.Read); err != nil {
			c.Log.Error("arm read event failed", zap.Error(err))
			ss.close()
			return
		}
		c.Reactor.AddTimer(c.Read, s.opts.Keepalive)
	}
}

// session is the per-connection state.
type session struct {
	srv   *Server
	c     *conn.Connection
	table *conn.Table

	out  *output.Context
	w    *writer.Filter
	head filter.Filter

	req     []byte
	scratch []byte

	entry   *sendfile.Entry
	in      buf.LinkID
	sending bool

	// pipelined runs the next buffered request once a response is done.
	pipelined conn.Event
}

func (ss *session) onRead(ev *conn.Event) {
	c := ss.c
	if c.Closing || ev.Timedout {
		ss.close()
		return
	}

	if ss.scratch == nil {
		ss.scratch = c.Arena.Alloc(readChunk)
	}
	n, err := unix.Read(c.Fd, ss.scratch[:readChunk])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		ev.Ready = false
		return
	case err != nil:
		c.Log.Debug("read() failed", zap.Error(err))
		ss.close()
		return
	case n == 0:
		ss.close()
		return
	}

	if c.Reusable {
		ss.table.Reusable(c, false)
	}
	c.Idle = false
	if ev.TimerSet {
		c.Reactor.DelTimer(ev)
	}

	ss.req = append(ss.req, ss.scratch[:n]...)
	if len(ss.req) > maxRequestHead {
		c.Log.Info("client sent too large request", zap.Error(ErrRequestTooLarge))
		ss.close()
		return
	}

	if !ss.sending {
		ss.next()
	}
}

// next starts the response to the oldest complete request, if any.
func (ss *session) next() {
	c := ss.c
	i := bytes.Index(ss.req, headEnd)
	if i < 0 {
		c.Reactor.AddTimer(c.Read, ss.srv.opts.Keepalive)
		return
	}
	ss.req = ss.req[:copy(ss.req, ss.req[i+len(headEnd):])]
	c.Requests++

	if err := ss.respond(); err != nil {
		ss.srv.failed.Add(1)
		c.Log.Error("response failed", zap.Error(err))
		ss.close()
	}
}

func (ss *session) respond() error {
	c, a, opts := ss.c, ss.c.Arena, &ss.srv.opts

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	var fb *buf.Buffer
	e, err := opts.Cache.Get(opts.File)
	if err != nil {
		c.Log.Debug("open failed", zap.String("file", opts.File), zap.Error(err))
		bb.WriteString("HTTP/1.1 404 Not Found\r\nServer: fast-io\r\nContent-Length: 0\r\n\r\n")
	} else {
		ss.entry = e
		bb.WriteString("HTTP/1.1 200 OK\r\nServer: fast-io\r\nContent-Type: ")
		bb.WriteString(sendfile.ContentType(opts.File))
		bb.WriteString("\r\nContent-Length: ")
		bb.B = strconv.AppendInt(bb.B, e.Size, 10)
		bb.WriteString("\r\n\r\n")

		if e.Size > 0 {
			fb = a.NewBuf()
			fb.File = &e.Buf
			fb.FilePos = 0
			fb.FileLast = e.Size
			fb.Flags = buf.InFile
		}
	}

	hb := a.TempBuf(bb.Len())
	hb.Last = copy(hb.Start, bb.B)

	last := a.NewBuf()
	last.Flags = buf.Last | buf.Flush

	ss.in = a.Chain(hb)
	if fb != nil {
		a.Append(&ss.in, fb)
	}
	a.Append(&ss.in, last)

	ss.sending = true
	ss.w.Restart()
	return ss.result(ss.head.Write(ss.in))
}

func (ss *session) onPipelined(*conn.Event) {
	if ss.c.Data != ss || ss.sending {
		return
	}
	ss.next()
}

func (ss *session) onWrite(ev *conn.Event) {
	if !ss.sending {
		if ev.Active {
			ss.c.Reactor.Disarm(ev)
		}
		return
	}

	if ev.Timedout || ev.Delayed {
		st, err := ss.w.Resume(ev)
		if err != nil {
			ss.fail(err)
			return
		}
		if st == filter.Again && ev.Delayed {
			return
		}
	}

	if err := ss.result(ss.head.Write(buf.Nil)); err != nil {
		ss.fail(err)
	}
}

// result acts on the status of a pipeline call.
func (ss *session) result(st filter.Status, err error) error {
	c := ss.c
	if err != nil {
		return err
	}

	if st == filter.Again {
		if !c.Write.Delayed {
			c.Reactor.AddTimer(c.Write, ss.srv.opts.SendTimeout)
		}
		return nil
	}

	if c.Write.TimerSet {
		c.Reactor.DelTimer(c.Write)
	}
	if c.Write.Active {
		if err := c.Reactor.Disarm(c.Write); err != nil {
			return err
		}
	}
	ss.done()
	return nil
}

// done finishes a response and waits for the next request.
func (ss *session) done() {
	c := ss.c
	c.Arena.PutChain(ss.in)
	ss.in = buf.Nil
	ss.releaseEntry()
	ss.sending = false
	ss.srv.served.Add(1)

	if bytes.Contains(ss.req, headEnd) {
		c.Reactor.Post(&ss.pipelined)
		return
	}
	ss.table.Reusable(c, true)
	c.Idle = true
	c.Reactor.AddTimer(c.Read, ss.srv.opts.Keepalive)
}

func (ss *session) fail(err error) {
	ss.srv.failed.Add(1)
	if errors.Is(err, writer.ErrConnection) {
		ss.c.Log.Info("client timed out or connection failed", zap.Error(err))
	} else {
		ss.c.Log.Error("send failed", zap.Error(err))
	}
	ss.close()
}

func (ss *session) releaseEntry() {
	if ss.entry != nil {
		ss.srv.opts.Cache.Release(ss.entry)
		ss.entry = nil
	}
}

func (ss *session) close() {
	c := ss.c
	if !c.InUse() {
		return
	}
	ss.releaseEntry()
	c.Data = nil
	c.Reactor.Close(c)
}
