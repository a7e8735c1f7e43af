package conn

import (
	"container/list"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/fast-io/core/buf"
	"github.com/searchktools/fast-io/core/pools"
)

// ErrNoConnections is returned by Get when every slot is in use and no
// reusable connection could be evicted.
var ErrNoConnections = errors.New("conn: worker connections are not enough")

const drainBatch = 32

// TableOptions configures a connection table.
type TableOptions struct {
	// ReuseAfter is how long a reusable connection must have been idle
	// before it may be evicted while free slots run low. When no slot is
	// free at all, the oldest reusable connections are evicted regardless.
	ReuseAfter time.Duration

	Log   *zap.Logger
	Bytes *pools.BytePool
	Now   func() time.Time
}

// TableStats is a snapshot of table counters.
type TableStats struct {
	Capacity int
	Free     int
	Reusable int
	Gets     uint64
	Puts     uint64
	Evicted  uint64
	Refused  uint64
}

// Table is a fixed-capacity set of connection slots owned by one worker.
// Free slots sit on an index stack; connections marked reusable are kept
// in least-recently-idle order so they can be closed under pressure.
type Table struct {
	conns    []Connection
	free     []int32
	reusable *list.List

	reuseAfter time.Duration
	log        *zap.Logger
	bytes      *pools.BytePool
	now        func() time.Time

	nextID uint64

	gets    atomic.Uint64
	puts    atomic.Uint64
	evicted atomic.Uint64
	refused atomic.Uint64
}

// NewTable preallocates n connection slots.
func NewTable(n int, opts TableOptions) *Table {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Bytes == nil {
		opts.Bytes = pools.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	t := &Table{
		conns:      make([]Connection, n),
		free:       make([]int32, 0, n),
		reusable:   list.New(),
		reuseAfter: opts.ReuseAfter,
		log:        opts.Log,
		bytes:      opts.Bytes,
		now:        opts.Now,
	}
	// Lower slots are handed out first.
	for i := n - 1; i >= 0; i-- {
		t.conns[i].slot = int32(i)
		t.conns[i].Fd = -1
		t.free = append(t.free, int32(i))
	}
	return t
}

// Get takes a free slot for fd, evicting reusable connections first when
// the table is short of slots.
func (t *Table) Get(fd int) (*Connection, error) {
	t.Drain()

	if len(t.free) == 0 {
		t.refused.Add(1)
		t.log.Warn("worker connections are not enough",
			zap.Int("capacity", len(t.conns)), zap.Int("fd", fd))
		return nil, ErrNoConnections
	}

	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	c := &t.conns[idx]
	t.nextID++
	c.init(fd, t.nextID, t.now())
	if c.Arena == nil {
		c.Arena = buf.NewArena(t.bytes)
	}
	c.Log = t.log.With(zap.Uint64("conn", c.ID), zap.Int("fd", fd))

	t.gets.Add(1)
	return c, nil
}

// Put returns c's slot to the table and releases its arena. The caller has
// already closed the descriptor.
func (t *Table) Put(c *Connection) {
	if !c.inUse {
		return
	}
	if c.elem != nil {
		t.reusable.Remove(c.elem)
		c.elem = nil
	}
	c.Arena.Release()
	c.clear()
	t.free = append(t.free, c.slot)
	t.puts.Add(1)
}

// Reusable marks or unmarks c as a candidate for eviction. Marking moves it
// to the most recent end of the queue.
func (t *Table) Reusable(c *Connection, on bool) {
	if c.elem != nil {
		t.reusable.Remove(c.elem)
		c.elem = nil
	}
	c.Reusable = on
	if on {
		c.IdleSince = t.now()
		c.elem = t.reusable.PushFront(c)
	}
}

// Drain evicts reusable connections when fewer than 1/16 of the slots are
// free. Eviction sets Closing and runs the read handler, which is expected
// to close the connection.
func (t *Table) Drain() {
	if t.reusable.Len() == 0 || len(t.free) > len(t.conns)/16 {
		return
	}

	exhausted := len(t.free) == 0
	n := t.reusable.Len() / 8
	if n > drainBatch {
		n = drainBatch
	}
	if n == 0 {
		n = 1
	}

	now := t.now()
	evicted := 0
	for i := 0; i < n; i++ {
		e := t.reusable.Back()
		if e == nil {
			break
		}
		c := e.Value.(*Connection)
		if !exhausted && now.Sub(c.IdleSince) < t.reuseAfter {
			break
		}

		t.Reusable(c, false)
		c.Closing = true
		evicted++
		if c.Read.Handler != nil {
			c.Read.Handler(c.Read)
		}
	}

	if evicted > 0 {
		t.evicted.Add(uint64(evicted))
		t.log.Warn("worker connections are not enough, reusing connections",
			zap.Int("evicted", evicted), zap.Int("free", len(t.free)))
	}
}

// Conn returns the slot at index i.
func (t *Table) Conn(i int) *Connection { return &t.conns[i] }

// Each calls fn for every connection in use.
func (t *Table) Each(fn func(c *Connection)) {
	for i := range t.conns {
		if t.conns[i].inUse {
			fn(&t.conns[i])
		}
	}
}

func (t *Table) Cap() int { return len(t.conns) }

func (t *Table) Free() int { return len(t.free) }

// Load is the fraction of slots in use.
func (t *Table) Load() float64 {
	if len(t.conns) == 0 {
		return 0
	}
	return float64(len(t.conns)-len(t.free)) / float64(len(t.conns))
}

// Stats returns a counter snapshot.
func (t *Table) Stats() TableStats {
	return TableStats{
		Capacity: len(t.conns),
		Free:     len(t.free),
		Reusable: t.reusable.Len(),
		Gets:     t.gets.Load(),
		Puts:     t.puts.Load(),
		Evicted:  t.evicted.Load(),
		Refused:  t.refused.Load(),
	}
}
