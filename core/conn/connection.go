// Package conn holds the per-connection record, the listener record and the
// preallocated connection table shared by a worker loop.
package conn

import (
	"container/list"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/buf"
)

// SendChainFunc transmits at most limit bytes of in and returns the first
// link that still holds unsent bytes. Would-block is not an error: the
// function clears Write.Ready and returns the residual.
type SendChainFunc func(c *Connection, in buf.LinkID, limit int64) (buf.LinkID, error)

// TCPState tracks TCP_NODELAY / TCP_CORK toggling.
type TCPState int8

const (
	TCPUnset TCPState = iota
	TCPSet
	TCPDisabled // option not applicable to this socket
	// TCPSuspended is a TCP_NODELAY cleared while the socket is corked; it
	// is set again when the cork is pulled.
	TCPSuspended
)

// Buffered flags record which layer still holds output.
type Buffered uint8

const (
	WriteBuffered Buffered = 1 << iota
	LowlevelBuffered
)

// AsyncOp is a kernel file copy running on a worker thread. At most one is
// outstanding per connection.
type AsyncOp struct {
	Pending  bool // submitted, completion not yet seen by the loop
	Complete bool // result available for the next send attempt

	File   *buf.File
	Offset int64
	Size   int64

	Sent int64
	Err  error

	Guard Event // timer guarding a hung worker
}

// Connection is one accepted socket.
type Connection struct {
	ID       uint64
	Fd       int
	Listener *Listener
	Arena    *buf.Arena

	Read  *Event
	Write *Event
	read  Event
	write Event

	Log     *zap.Logger
	Reactor Reactor

	SendChain SendChainFunc

	RemoteAddr unix.Sockaddr

	Sent      int64
	Requests  uint64
	Created   time.Time
	IdleSince time.Time

	TCPNoDelay TCPState
	TCPNoPush  TCPState
	Sendfile   bool
	Buffered   Buffered

	Reusable  bool
	Idle      bool
	Closing   bool // set before the read handler runs for eviction
	Error     bool // write side failed, further sends short-circuit
	Timedout  bool
	Destroyed bool

	Async AsyncOp

	// Data is the protocol layer's per-connection state.
	Data any

	slot  int32
	inUse bool
	elem  *list.Element
}

// InUse reports whether the slot currently holds an accepted socket.
func (c *Connection) InUse() bool { return c.inUse }

func (c *Connection) init(fd int, id uint64, now time.Time) {
	c.ID = id
	c.Fd = fd
	c.Read = &c.read
	c.Write = &c.write
	c.read.reset(c, false)
	c.write.reset(c, true)
	c.Async = AsyncOp{}
	c.Async.Guard.reset(c, true)
	c.Sent = 0
	c.Requests = 0
	c.Created = now
	c.IdleSince = time.Time{}
	c.TCPNoDelay = TCPUnset
	c.TCPNoPush = TCPUnset
	c.Buffered = 0
	c.Reusable = false
	c.Idle = false
	c.Closing = false
	c.Error = false
	c.Timedout = false
	c.Destroyed = false
	c.Data = nil
	c.RemoteAddr = nil
	c.inUse = true
}

func (c *Connection) clear() {
	c.Fd = -1
	c.Listener = nil
	c.Log = nil
	c.Reactor = nil
	c.SendChain = nil
	c.Data = nil
	c.RemoteAddr = nil
	c.Async = AsyncOp{}
	c.Destroyed = true
	c.inUse = false
}
