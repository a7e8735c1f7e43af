// Package output feeds producer chains to the downstream filter. Buffers
// the downstream can take as they are pass through by reference; the rest
// are copied into a bounded set of scratch buffers that are recycled once
// downstream has drained them.
package output

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/buf"
	"github.com/searchktools/fast-io/core/conn"
	"github.com/searchktools/fast-io/core/filter"
	"github.com/searchktools/fast-io/core/observability"
)

// ErrShortRead is returned when a file yields fewer bytes than its buffer
// describes.
var ErrShortRead = errors.New("output: file was truncated")

// DefaultTag marks scratch buffers of contexts configured without a tag.
// Producer buffers are untagged and never recycled by the engine.
const DefaultTag buf.Tag = 1

// Bufs bounds the scratch memory of one context: at most Num buffers of
// Size bytes.
type Bufs struct {
	Num  int
	Size int
}

// Config is the copy policy of a context.
type Config struct {
	Tag buf.Tag

	// Sendfile lets file buffers pass through uncopied.
	Sendfile bool
	// NeedInMemory forces file-only buffers to be read into memory.
	NeedInMemory bool
	// NeedInTemp forces read-only memory to be copied to scratch buffers.
	NeedInTemp bool

	// Alignment is the directio block size.
	Alignment int64
	Bufs      Bufs
}

// DefaultConfig mirrors the usual output_buffers setting.
func DefaultConfig() Config {
	return Config{
		Tag:       DefaultTag,
		Alignment: 512,
		Bufs:      Bufs{Num: 2, Size: 32768},
	}
}

// Context is the per-stream state of the output engine. It is driven by
// one event loop.
type Context struct {
	cfg   Config
	arena *buf.Arena
	next  filter.Filter

	// Conn, when set, has its write side marked failed on downstream
	// errors.
	Conn    *conn.Connection
	Log     *zap.Logger
	Monitor *observability.Monitor

	in   buf.LinkID
	free buf.LinkID
	busy buf.LinkID
	cur  *buf.Buffer

	allocated int
	directio  bool
}

// New creates a context that hands its output to next.
func New(cfg Config, a *buf.Arena, next filter.Filter) *Context {
	if cfg.Tag == 0 {
		cfg.Tag = DefaultTag
	}
	if cfg.Alignment <= 0 {
		cfg.Alignment = 512
	}
	if cfg.Bufs.Num <= 0 {
		cfg.Bufs.Num = 1
	}
	if cfg.Bufs.Size <= 0 {
		cfg.Bufs.Size = 32768
	}
	return &Context{
		cfg:   cfg,
		arena: a,
		next:  next,
		Log:   zap.NewNop(),
		in:    buf.Nil,
		free:  buf.Nil,
		busy:  buf.Nil,
	}
}

// Write makes a Context usable as a filter.
func (ctx *Context) Write(in buf.LinkID) (filter.Status, error) { return ctx.Emit(in) }

// Pending returns the input not yet copied or passed on.
func (ctx *Context) Pending() buf.LinkID { return ctx.in }

// Busy returns the scratch buffers downstream still holds.
func (ctx *Context) Busy() buf.LinkID { return ctx.busy }

// Emit queues in and pushes as much as possible downstream. The links of
// in stay with the caller; the buffers they reference must stay valid
// until Emit reports OK. An empty in flushes what is pending.
func (ctx *Context) Emit(in buf.LinkID) (filter.Status, error) {
	a := ctx.arena

	if ctx.in == buf.Nil && ctx.busy == buf.Nil && in != buf.Nil && a.Next(in) == buf.Nil {
		// Fast path: a lone buffer that needs no copy.
		if b := a.Buf(in); ctx.asIs(b) && (b.Special() || b.Size() > 0) {
			return ctx.pass(in)
		}
	}

	if in != buf.Nil {
		a.AddCopy(&ctx.in, in)
	}

	out, tail := buf.Nil, buf.Nil
	appendOut := func(cl buf.LinkID) {
		a.SetNext(cl, buf.Nil)
		if out == buf.Nil {
			out = cl
		} else {
			a.SetNext(tail, cl)
		}
		tail = cl
	}

	var (
		last     filter.Status
		haveLast bool
	)

	for {
	copying:
		for ctx.in != buf.Nil {
			b := a.Buf(ctx.in)
			bsize := b.Size()

			if bsize == 0 && !b.Special() {
				ctx.Log.Error("zero size buf in output", zap.Stringer("buf", b))
				ctx.markError()
				return filter.OK, fmt.Errorf("%w: %s", buf.ErrZeroSizeBuf, b)
			}
			if bsize < 0 {
				ctx.Log.Error("negative size buf in output", zap.Stringer("buf", b))
				ctx.markError()
				return filter.OK, fmt.Errorf("%w: %s", buf.ErrNegativeSizeBuf, b)
			}

			if ctx.asIs(b) {
				cl := ctx.in
				ctx.in = a.Next(cl)
				appendOut(cl)
				continue
			}

			if ctx.cur == nil && !ctx.alignFileBuf(b, bsize) {
				switch {
				case ctx.free != buf.Nil:
					cl := ctx.free
					ctx.cur = a.Buf(cl)
					ctx.free = a.Next(cl)
					a.Put(cl)
				case out != buf.Nil || ctx.allocated == ctx.cfg.Bufs.Num:
					break copying
				default:
					ctx.getBuf(b, bsize)
				}
			}

			if err := ctx.copyBuf(b); err != nil {
				ctx.markError()
				return filter.OK, err
			}

			if b.Size() == 0 {
				cl := ctx.in
				ctx.in = a.Next(cl)
				a.Put(cl)
			}

			appendOut(a.Chain(ctx.cur))
			ctx.cur = nil
		}

		if out == buf.Nil && haveLast {
			if ctx.in != buf.Nil {
				return filter.Again, nil
			}
			return last, nil
		}

		st, err := ctx.pass(out)
		if err != nil {
			return st, err
		}
		last, haveLast = st, true

		a.UpdateChains(&ctx.free, &ctx.busy, &out, ctx.cfg.Tag)
		tail = buf.Nil
	}
}

func (ctx *Context) pass(out buf.LinkID) (filter.Status, error) {
	st, err := ctx.next.Write(out)
	if err != nil {
		ctx.markError()
		return st, err
	}
	return st, nil
}

func (ctx *Context) markError() {
	if ctx.Conn != nil {
		ctx.Conn.Error = true
	}
}

// asIs reports whether b can go downstream without a copy.
func (ctx *Context) asIs(b *buf.Buffer) bool {
	if b.Special() {
		return true
	}

	sendfile := ctx.cfg.Sendfile
	if b.Has(buf.InFile) && b.File != nil && b.File.Directio {
		sendfile = false
	}

	if !sendfile {
		if !b.InMemory() {
			return false
		}
		b.Clear(buf.InFile)
	}

	if ctx.cfg.NeedInMemory && !b.InMemory() {
		return false
	}
	if ctx.cfg.NeedInTemp && b.Has(buf.Memory) {
		return false
	}
	return true
}

// alignFileBuf starts a directio file with a short buffer reaching the
// next block boundary so later reads are aligned. The buffer is untagged
// and never recycled.
func (ctx *Context) alignFileBuf(in *buf.Buffer, bsize int64) bool {
	if in.File == nil || !in.File.Directio || !in.Has(buf.InFile) {
		return false
	}
	ctx.directio = true

	align := ctx.cfg.Alignment
	size := in.FilePos - (in.FilePos &^ (align - 1))
	if size == 0 {
		if bsize >= int64(ctx.cfg.Bufs.Size) {
			return false
		}
		size = bsize
	} else {
		size = align - size
		if size > bsize {
			size = bsize
		}
	}

	ctx.cur = ctx.arena.TempBuf(int(size))
	return true
}

func (ctx *Context) getBuf(in *buf.Buffer, bsize int64) {
	size := ctx.cfg.Bufs.Size
	recycled := true

	if in.Has(buf.LastInChain) {
		switch {
		case bsize < int64(size):
			// a small last buffer or the small tail of one
			size = int(bsize)
			recycled = false
		case !ctx.directio && ctx.cfg.Bufs.Num == 1 && bsize < int64(size+size/4):
			size = int(bsize)
			recycled = false
		}
	}

	b := ctx.arena.NewBuf()
	if ctx.directio {
		b.Start = alignedAlloc(ctx.arena, size, ctx.cfg.Alignment)
	} else {
		b.Start = ctx.arena.Alloc(size)
	}
	b.Flags = buf.Temporary
	b.Tag = ctx.cfg.Tag
	if recycled {
		b.Set(buf.Recycled)
	}

	ctx.cur = b
	ctx.allocated++
}

// copyBuf moves as much of src as fits into the current scratch buffer.
func (ctx *Context) copyBuf(src *buf.Buffer) error {
	dst := ctx.cur
	size := src.Size()
	if room := int64(dst.Room()); size > room {
		size = room
	}
	sendfile := ctx.cfg.Sendfile && !ctx.directio

	if src.InMemory() {
		copy(dst.Start[dst.Last:], src.Start[src.Pos:src.Pos+int(size)])
		src.Pos += int(size)
		dst.Last += int(size)

		if src.Has(buf.InFile) {
			ctx.trackFile(dst, src, size, sendfile)
			src.FilePos += size
		} else {
			dst.Clear(buf.InFile)
		}

		if src.Pos == src.Last {
			dst.Set(src.Flags & (buf.Flush | buf.Last | buf.LastInChain))
		}
		return nil
	}

	n, err := ctx.pread(src.File, dst.Start[dst.Last:dst.Last+int(size)], src.FilePos)
	if err != nil {
		return err
	}
	if int64(n) != size {
		ctx.Log.Error("pread() returned fewer bytes than expected",
			zap.String("file", src.File.Name), zap.Int("read", n), zap.Int64("want", size))
		return fmt.Errorf("%w: read only %d of %d from %q", ErrShortRead, n, size, src.File.Name)
	}

	dst.Last += n
	ctx.trackFile(dst, src, int64(n), sendfile)
	src.FilePos += int64(n)

	if src.FilePos == src.FileLast {
		dst.Set(src.Flags & (buf.Flush | buf.Last | buf.LastInChain))
	}
	return nil
}

// trackFile records on dst the file range its bytes came from, so the
// transmission backend may still send it with a kernel copy.
func (ctx *Context) trackFile(dst, src *buf.Buffer, n int64, sendfile bool) {
	if !sendfile {
		dst.Clear(buf.InFile)
		return
	}
	dst.Set(buf.InFile)
	dst.File = src.File
	dst.FilePos = src.FilePos
	dst.FileLast = src.FilePos + n
}

func (ctx *Context) pread(f *buf.File, p []byte, off int64) (int, error) {
	start := time.Now()
	for {
		n, err := unix.Pread(f.Fd, p, off)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			ctx.Monitor.Record(observability.OpPread, 0, time.Since(start), observability.Failed)
			return 0, fmt.Errorf("pread() %q failed: %w", f.Name, err)
		}
		ctx.Monitor.Record(observability.OpPread, int64(n), time.Since(start), observability.OK)
		return n, nil
	}
}

// alignedAlloc grants size bytes starting on an align boundary.
func alignedAlloc(a *buf.Arena, size int, align int64) []byte {
	p := a.Alloc(size + int(align))
	off := int(uintptr(unsafe.Pointer(&p[0])) & uintptr(align-1))
	if off != 0 {
		off = int(align) - off
	}
	return p[off : off+size : off+size]
}
