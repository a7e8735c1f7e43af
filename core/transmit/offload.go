package transmit

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/buf"
	"github.com/searchktools/fast-io/core/conn"
	"github.com/searchktools/fast-io/core/observability"
)

// offloadSend runs the kernel copy on the worker pool. The first call
// submits and reports posted; calls made while the copy runs are no-ops
// that also report posted; the call after the completion was delivered
// consumes the result.
func (b *Backend) offloadSend(c *conn.Connection, fb *buf.Buffer, size int64) (sent int64, posted, again bool, err error) {
	op := &c.Async

	if op.Complete {
		op.Complete = false
		res, rerr := op.Sent, op.Err
		op.Sent, op.Err = 0, nil

		switch {
		case errors.Is(rerr, unix.EAGAIN):
			return res, false, true, nil
		case rerr != nil:
			c.Write.Error = true
			c.Error = true
			return 0, false, false, fmt.Errorf("sendfile() failed: %w", rerr)
		case res == 0:
			c.Error = true
			b.logFor(c).Error("sendfile() reported that file was truncated",
				zap.String("file", fb.File.Name), zap.Int64("offset", fb.FilePos))
			return 0, false, false, fmt.Errorf("%w: %q at %d", ErrFileTruncated, fb.File.Name, fb.FilePos)
		}
		return res, false, false, nil
	}

	if op.Pending {
		return 0, true, false, nil
	}

	if size == 0 {
		return 0, false, false, nil
	}

	// the task copies from its own descriptor; the content layer may close
	// the file while the copy runs
	file, err := unix.Dup(fb.File.Fd)
	if err != nil {
		b.logFor(c).Debug("dup() failed, sending inline", zap.Error(err))
		n, again, err := b.sendfile(c, fb, size)
		return n, false, again, err
	}

	op.Pending = true
	op.File = fb.File
	op.Offset = fb.FilePos
	op.Size = size

	id, sock, off, n := c.ID, c.Fd, fb.FilePos, int(size)
	task := func() {
		defer unix.Close(file)
		start := time.Now()
		o := off
		var (
			sent int
			err  error
		)
		for {
			sent, err = b.sys.sendfile(sock, file, &o, n)
			if sent < 0 {
				sent = 0
			}
			if errors.Is(err, unix.EINTR) && sent == 0 {
				continue
			}
			break
		}

		res := observability.OK
		switch {
		case errors.Is(err, unix.EAGAIN):
			res = observability.WouldBlock
		case err != nil:
			res = observability.Failed
		}
		b.mon.Record(observability.OpSendfileOffload, int64(sent), time.Since(start), res)

		b.complete(Completion{Conn: c, ID: id, Sent: int64(sent), Err: err})
	}

	if !b.offload.Submit(task) {
		unix.Close(file)
		op.Pending = false
		b.logFor(c).Debug("offload queue full, sending inline")
		n, again, err := b.sendfile(c, fb, size)
		return n, false, again, err
	}

	if b.offloadTimeout > 0 && c.Reactor != nil {
		op.Guard.Handler = offloadTimedOut
		op.Guard.Conn = c
		c.Reactor.AddTimer(&op.Guard, b.offloadTimeout)
	}

	return 0, true, false, nil
}

// Deliver records a completion on its connection. The event loop calls it
// when it receives a Completion; it reports false for a stale result whose
// connection slot has since been reused.
func Deliver(done Completion) bool {
	c := done.Conn
	if c.ID != done.ID || !c.Async.Pending {
		return false
	}
	c.Async.Pending = false
	c.Async.Complete = true
	c.Async.Sent = done.Sent
	c.Async.Err = done.Err
	if c.Async.Guard.TimerSet && c.Reactor != nil {
		c.Reactor.DelTimer(&c.Async.Guard)
	}
	return true
}

func offloadTimedOut(ev *conn.Event) {
	c := ev.Conn
	if !c.Async.Pending {
		return
	}
	c.Timedout = true
	c.Error = true
	if c.Log != nil {
		c.Log.Error("offloaded sendfile timed out",
			zap.Int64("offset", c.Async.Offset), zap.Int64("size", c.Async.Size))
	}
	if c.Write.Handler != nil {
		c.Write.Timedout = true
		c.Write.Handler(c.Write)
	}
}
