package buf

import (
	"github.com/searchktools/fast-io/core/pools"
)

// LinkID is a handle to a chain link inside an Arena.
type LinkID int32

// Nil terminates every chain.
const Nil LinkID = -1

// Link holds one buffer reference and the handle of the next link.
type Link struct {
	Buf  *Buffer
	Next LinkID
	used bool
}

// Arena is the per-connection allocation scope for chain links, buffer
// headers and scratch memory. Links are slab entries addressed by index;
// freeing a link pushes its index on a free stack. An Arena is used by one
// event loop and is not safe for concurrent use.
type Arena struct {
	links []Link
	free  []LinkID

	bufs  []Buffer
	nbufs int

	bytes *pools.BytePool
	owned [][]byte
}

// NewArena creates an arena drawing scratch memory from bp. A nil bp uses
// the process-wide pool.
func NewArena(bp *pools.BytePool) *Arena {
	if bp == nil {
		bp = pools.Default()
	}
	return &Arena{
		links: make([]Link, 0, 32),
		free:  make([]LinkID, 0, 32),
		bufs:  make([]Buffer, 16),
		bytes: bp,
	}
}

// Get allocates a link, reusing a freed index first.
func (a *Arena) Get() LinkID {
	var id LinkID
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.links = append(a.links, Link{})
		id = LinkID(len(a.links) - 1)
	}
	a.links[id] = Link{Next: Nil, used: true}
	return id
}

// Put returns a link to the free stack. The buffer it referenced is not
// touched.
func (a *Arena) Put(id LinkID) {
	l := &a.links[id]
	if !l.used {
		panic("buf: chain link freed twice")
	}
	*l = Link{Next: Nil}
	a.free = append(a.free, id)
}

// PutChain frees every link of a chain.
func (a *Arena) PutChain(head LinkID) {
	for head != Nil {
		next := a.links[head].Next
		a.Put(head)
		head = next
	}
}

// Link returns the link for id. The pointer is only valid until the next
// call to Get.
func (a *Arena) Link(id LinkID) *Link {
	return &a.links[id]
}

func (a *Arena) Buf(id LinkID) *Buffer { return a.links[id].Buf }

func (a *Arena) Next(id LinkID) LinkID { return a.links[id].Next }

func (a *Arena) SetNext(id, next LinkID) { a.links[id].Next = next }

// Alloc grants n bytes of scratch memory for the arena's lifetime.
func (a *Arena) Alloc(n int) []byte {
	p := a.bytes.Get(n)
	a.owned = append(a.owned, p)
	return p
}

// NewBuf returns a zeroed buffer header owned by the arena.
func (a *Arena) NewBuf() *Buffer {
	if a.nbufs == len(a.bufs) {
		// Older headers stay reachable through their chains; start a
		// fresh block instead of growing in place.
		a.bufs = make([]Buffer, len(a.bufs)*2)
		a.nbufs = 0
	}
	b := &a.bufs[a.nbufs]
	a.nbufs++
	*b = Buffer{}
	return b
}

// TempBuf allocates an empty writable buffer with room for size bytes.
func (a *Arena) TempBuf(size int) *Buffer {
	b := a.NewBuf()
	b.Start = a.Alloc(size)
	b.Flags = Temporary
	return b
}

// Bufs creates a chain of k empty temporary buffers of size bytes each,
// carved from a single allocation.
func (a *Arena) Bufs(k, size int) LinkID {
	if k <= 0 || size <= 0 {
		return Nil
	}
	mem := a.Alloc(k * size)
	head, tail := Nil, Nil
	for i := 0; i < k; i++ {
		b := a.NewBuf()
		b.Start = mem[i*size : (i+1)*size : (i+1)*size]
		b.Flags = Temporary
		id := a.Get()
		a.links[id].Buf = b
		if head == Nil {
			head = id
		} else {
			a.links[tail].Next = id
		}
		tail = id
	}
	return head
}

// Chain links bufs in order and returns the head.
func (a *Arena) Chain(bufs ...*Buffer) LinkID {
	head, tail := Nil, Nil
	for _, b := range bufs {
		id := a.Get()
		a.links[id].Buf = b
		if head == Nil {
			head = id
		} else {
			a.links[tail].Next = id
		}
		tail = id
	}
	return head
}

// Append adds bufs to the end of *head.
func (a *Arena) Append(head *LinkID, bufs ...*Buffer) {
	add := a.Chain(bufs...)
	if *head == Nil {
		*head = add
		return
	}
	a.links[a.Tail(*head)].Next = add
}

// AddCopy appends to *dst new links referencing the buffers of in. The
// links of in stay with their owner.
func (a *Arena) AddCopy(dst *LinkID, in LinkID) {
	last := Nil
	if *dst != Nil {
		last = a.Tail(*dst)
	}
	for ; in != Nil; in = a.links[in].Next {
		id := a.Get()
		a.links[id].Buf = a.links[in].Buf
		if last == Nil {
			*dst = id
		} else {
			a.links[last].Next = id
		}
		last = id
	}
}

// Tail returns the last link of a non-empty chain.
func (a *Arena) Tail(head LinkID) LinkID {
	for a.links[head].Next != Nil {
		head = a.links[head].Next
	}
	return head
}

// Len counts the links of a chain.
func (a *Arena) Len(head LinkID) int {
	n := 0
	for ; head != Nil; head = a.links[head].Next {
		n++
	}
	return n
}

// Size sums the sizes of the buffers of a chain.
func (a *Arena) Size(head LinkID) int64 {
	var n int64
	for ; head != Nil; head = a.links[head].Next {
		n += a.links[head].Buf.Size()
	}
	return n
}

// Each calls fn for every buffer of a chain until fn returns false.
func (a *Arena) Each(head LinkID, fn func(id LinkID, b *Buffer) bool) {
	for ; head != Nil; head = a.links[head].Next {
		if !fn(head, a.links[head].Buf) {
			return
		}
	}
}

// Live reports how many links are currently allocated.
func (a *Arena) Live() int {
	return len(a.links) - len(a.free)
}

// Release returns all granted memory to the byte pool and forgets every
// link and buffer header. Handles obtained before Release are invalid.
func (a *Arena) Release() {
	for i, p := range a.owned {
		a.bytes.Put(p)
		a.owned[i] = nil
	}
	a.owned = a.owned[:0]
	a.links = a.links[:0]
	a.free = a.free[:0]
	for i := 0; i < a.nbufs; i++ {
		a.bufs[i] = Buffer{}
	}
	a.nbufs = 0
}
