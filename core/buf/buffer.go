// Package buf is the data-interchange layer of the I/O core: buffers that
// describe bytes in memory or byte ranges of open files, and chains of
// such buffers held in a per-connection arena.
//
// A Buffer never owns what it points at. Memory handed out by an Arena is
// returned to the byte pool when the arena is released; files belong to the
// content layer that opened them.
package buf

import (
	"errors"
	"fmt"
	"strings"
)

// Flags describe where a Buffer's bytes live and what control intent it
// carries.
type Flags uint16

const (
	Temporary   Flags = 1 << iota // writable scratch memory
	Memory                        // read-only memory (static, mapped)
	InFile                        // FilePos..FileLast of File
	Flush                         // must reach the wire now
	Sync                          // marker, carries no bytes
	Last                          // end of the logical message
	LastInChain                   // end of this transmission batch
	Recycled                      // may be reused once drained
	LastShadow                    // authoritative view for its shadow
)

const controlFlags = Flush | Sync | Last | LastInChain

var (
	ErrZeroSizeBuf     = errors.New("buf: zero size buf")
	ErrNegativeSizeBuf = errors.New("buf: negative size buf")
)

// Tag identifies the subsystem that owns a buffer. Chain reconciliation
// only recycles buffers carrying the caller's tag.
type Tag uint32

// File is an open file handed to the core by the content layer.
type File struct {
	Fd   int
	Name string

	// Directio requests aligned reads that bypass the page cache.
	Directio bool

	// Offload allows the kernel copy for this file to run on a worker
	// thread instead of the event loop.
	Offload bool
}

// Buffer is a view over Start[Pos:Last] or over File[FilePos:FileLast].
type Buffer struct {
	Start []byte
	Pos   int
	Last  int

	File     *File
	FilePos  int64
	FileLast int64

	Flags Flags
	Tag   Tag

	// Shadow is the buffer this one is a view of. Views never release
	// memory; draining the view flagged LastShadow drains its shadow.
	Shadow *Buffer
}

// NewMemory wraps read-only bytes.
func NewMemory(p []byte) *Buffer {
	return &Buffer{Start: p, Last: len(p), Flags: Memory}
}

// NewString wraps a string as read-only memory.
func NewString(s string) *Buffer {
	return NewMemory([]byte(s))
}

// NewTemp wraps writable bytes; the whole slice is considered filled.
func NewTemp(p []byte) *Buffer {
	return &Buffer{Start: p, Last: len(p), Flags: Temporary}
}

// NewFile describes the byte range [pos, last) of f.
func NewFile(f *File, pos, last int64) *Buffer {
	return &Buffer{File: f, FilePos: pos, FileLast: last, Flags: InFile}
}

// NewSpecial returns a marker buffer that carries only control intent.
func NewSpecial(flags Flags) *Buffer {
	return &Buffer{Flags: flags & controlFlags}
}

// View returns a non-owning buffer over the same bytes as b.
func View(b *Buffer) *Buffer {
	v := *b
	v.Shadow = b
	v.Flags &^= Recycled
	v.Flags |= LastShadow
	return &v
}

func (b *Buffer) Has(f Flags) bool { return b.Flags&f != 0 }

func (b *Buffer) Set(f Flags) { b.Flags |= f }

func (b *Buffer) Clear(f Flags) { b.Flags &^= f }

// InMemory reports whether the bytes are reachable through Start.
func (b *Buffer) InMemory() bool {
	return b.Flags&(Temporary|Memory) != 0
}

func (b *Buffer) InMemoryOnly() bool {
	return b.InMemory() && !b.Has(InFile)
}

// Special reports a marker buffer: no backing bytes and at least one of
// flush, last or sync set.
func (b *Buffer) Special() bool {
	return b.Flags&(Flush|Last|Sync) != 0 && !b.InMemory() && !b.Has(InFile)
}

func (b *Buffer) SyncOnly() bool {
	return b.Has(Sync) && !b.InMemory() && !b.Has(InFile) && b.Flags&(Flush|Last) == 0
}

// Size is Last-Pos for memory buffers, FileLast-FilePos otherwise.
func (b *Buffer) Size() int64 {
	if b.InMemory() {
		return int64(b.Last - b.Pos)
	}
	return b.FileLast - b.FilePos
}

// Bytes returns the unsent memory bytes.
func (b *Buffer) Bytes() []byte {
	return b.Start[b.Pos:b.Last]
}

// Room is the writable space left after Last.
func (b *Buffer) Room() int {
	return len(b.Start) - b.Last
}

// Check enforces the size invariant for buffers about to be queued.
func (b *Buffer) Check() error {
	size := b.Size()
	if size < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeSizeBuf, b)
	}
	if size == 0 && !b.Special() {
		return fmt.Errorf("%w: %s", ErrZeroSizeBuf, b)
	}
	return nil
}

// Drain marks every byte of b as consumed.
func (b *Buffer) Drain() {
	if b.InMemory() {
		b.Pos = b.Last
	}
	if b.Has(InFile) {
		b.FilePos = b.FileLast
	}
}

// Reset rewinds a recycled scratch buffer for reuse.
func (b *Buffer) Reset() {
	b.Pos = 0
	b.Last = 0
	b.Flags &^= controlFlags
}

func (b *Buffer) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	if b.InMemory() {
		fmt.Fprintf(&sb, "mem %d:%d/%d", b.Pos, b.Last, len(b.Start))
	}
	if b.Has(InFile) {
		if sb.Len() > 1 {
			sb.WriteByte(' ')
		}
		fd := -1
		if b.File != nil {
			fd = b.File.Fd
		}
		fmt.Fprintf(&sb, "file fd:%d %d:%d", fd, b.FilePos, b.FileLast)
	}
	for _, f := range []struct {
		flag Flags
		name string
	}{
		{Temporary, "t"}, {Memory, "m"}, {Flush, "flush"}, {Sync, "sync"},
		{Last, "last"}, {LastInChain, "lic"}, {Recycled, "r"}, {LastShadow, "ls"},
	} {
		if b.Has(f.flag) {
			sb.WriteByte(' ')
			sb.WriteString(f.name)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
