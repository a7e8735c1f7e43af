// Package writer is the last stage of an output pipeline. It queues what
// it is handed, holds back small fragments, paces the connection to its
// rate limit and calls the connection's send function with the result.
package writer

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/fast-io/core/buf"
	"github.com/searchktools/fast-io/core/conn"
	"github.com/searchktools/fast-io/core/filter"
)

var (
	// ErrEmptyChain is returned when there is nothing to send and no
	// flush, last or sync marker asked for the call.
	ErrEmptyChain = errors.New("writer: the output chain is empty")
	// ErrConnection is returned once the connection's write side failed.
	ErrConnection = errors.New("writer: connection is errored")
)

// Config is the per-stream write policy.
type Config struct {
	// PostponeOutput holds output back until this many bytes are queued
	// unless a flush or last marker arrives.
	PostponeOutput int64

	// LimitRate caps the stream at this many bytes per second once
	// LimitRateAfter bytes have been sent. Zero disables pacing.
	LimitRate      int64
	LimitRateAfter int64

	// SendfileMaxChunk bounds the bytes handed to one send call.
	SendfileMaxChunk int64
}

// DefaultConfig returns the usual write policy.
func DefaultConfig() Config {
	return Config{
		PostponeOutput:   1460,
		SendfileMaxChunk: 2 << 20,
	}
}

// Filter is the write filter of one stream on one connection.
type Filter struct {
	cfg Config
	c   *conn.Connection
	a   *buf.Arena
	log *zap.Logger

	out   buf.LinkID
	start time.Time
	// base is c.Sent when the stream started.
	base int64

	// Now is the clock used for rate limiting.
	Now func() time.Time
}

// New creates the write filter for c. The stream's rate-limit clock starts
// now.
func New(c *conn.Connection, cfg Config) *Filter {
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}
	f := &Filter{
		cfg: cfg,
		c:   c,
		a:   c.Arena,
		log: log,
		out: buf.Nil,
		Now: time.Now,
	}
	f.Restart()
	return f
}

// Restart starts a new stream on a kept-alive connection: the rate-limit
// clock and byte count begin again.
func (f *Filter) Restart() {
	f.start = f.Now()
	f.base = f.c.Sent
}

// Pending returns the links queued but not yet sent.
func (f *Filter) Pending() buf.LinkID { return f.out }

// Write queues in behind what is pending and sends what the policy allows.
// The links of in stay with the caller; the filter keeps its own links to
// the same buffers until they are sent.
func (f *Filter) Write(in buf.LinkID) (filter.Status, error) {
	c := f.c
	if c.Error {
		return filter.OK, ErrConnection
	}

	var (
		size              int64
		flush, sync, last bool
		bad               error
	)

	scan := func(_ buf.LinkID, b *buf.Buffer) bool {
		if err := b.Check(); err != nil {
			bad = err
			return false
		}
		size += b.Size()
		if b.Has(buf.Flush) || b.Has(buf.Recycled) {
			flush = true
		}
		if b.Has(buf.Sync) {
			sync = true
		}
		if b.Has(buf.Last) {
			last = true
		}
		return true
	}

	for _, chain := range [...]buf.LinkID{f.out, in} {
		f.a.Each(chain, scan)
		if bad != nil {
			f.log.Error("invalid buf in output chain", zap.Error(bad), zap.String("chain", f.a.Dump(chain)))
			c.Error = true
			return filter.OK, bad
		}
	}
	f.a.AddCopy(&f.out, in)

	if !last && !flush && in != buf.Nil && size < f.cfg.PostponeOutput {
		return filter.OK, nil
	}

	if c.Write.Delayed {
		c.Buffered |= conn.WriteBuffered
		return filter.Again, nil
	}

	if size == 0 && c.Buffered&conn.LowlevelBuffered == 0 {
		if last || flush || sync {
			f.a.PutChain(f.out)
			f.out = buf.Nil
			c.Buffered &^= conn.WriteBuffered
			return filter.OK, nil
		}
		f.log.Error("the output chain is empty")
		return filter.OK, ErrEmptyChain
	}

	limit := f.cfg.SendfileMaxChunk
	if rate := f.cfg.LimitRate; rate > 0 {
		elapsed := f.Now().Sub(f.start).Milliseconds()
		allowed := rate*elapsed/1000 - (c.Sent - f.base - f.cfg.LimitRateAfter)
		if allowed <= 0 {
			f.delay(time.Duration(-allowed*int64(time.Second)/rate) + time.Millisecond)
			c.Buffered |= conn.WriteBuffered
			return filter.Again, nil
		}
		if limit <= 0 || allowed < limit {
			limit = allowed
		}
	}

	sent := c.Sent

	chain, err := c.SendChain(c, f.out, limit)
	if err != nil {
		c.Error = true
		f.log.Debug("send chain failed", zap.Error(err))
		return filter.OK, err
	}

	if rate := f.cfg.LimitRate; rate > 0 {
		sent -= f.base
		nsent := c.Sent - f.base
		if after := f.cfg.LimitRateAfter; after > 0 {
			sent = max(sent-after, 0)
			nsent = max(nsent-after, 0)
		}
		if d := time.Duration((nsent - sent) * int64(time.Second) / rate); d >= time.Millisecond {
			f.delay(d)
		}
	}

	if chain != buf.Nil && c.Reactor != nil {
		switch {
		case !c.Write.Ready:
			if !c.Write.Active {
				if err := c.Reactor.Arm(c.Write); err != nil {
					c.Error = true
					return filter.OK, fmt.Errorf("arm write event: %w", err)
				}
			}
		case !c.Write.Delayed && !c.Async.Pending:
			c.Reactor.Post(c.Write)
		}
	}

	for cl := f.out; cl != buf.Nil && cl != chain; {
		next := f.a.Next(cl)
		f.a.Put(cl)
		cl = next
	}
	f.out = chain

	if chain != buf.Nil {
		c.Buffered |= conn.WriteBuffered
		return filter.Again, nil
	}

	c.Buffered &^= conn.WriteBuffered
	if c.Buffered&conn.LowlevelBuffered != 0 {
		return filter.Again, nil
	}
	return filter.OK, nil
}

// Resume is called from the write event handler. A fired rate-limit timer
// lifts the delay; then pending output is pushed with an empty chain.
func (f *Filter) Resume(ev *conn.Event) (filter.Status, error) {
	if ev.Timedout {
		ev.Timedout = false
		if !ev.Delayed {
			f.c.Timedout = true
			return filter.OK, fmt.Errorf("%w: send timed out", ErrConnection)
		}
		ev.Delayed = false
	}
	if ev.Delayed {
		return filter.Again, nil
	}
	return f.Write(buf.Nil)
}

func (f *Filter) delay(d time.Duration) {
	c := f.c
	c.Write.Delayed = true
	if c.Reactor != nil {
		c.Reactor.AddTimer(c.Write, d)
	}
}
