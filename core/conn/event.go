package conn

import (
	"time"
)

// Event is the read or write readiness record of a connection or the
// accept record of a listener. All fields are owned by the event loop.
type Event struct {
	Handler func(ev *Event)

	Conn     *Connection
	Listener *Listener

	Write  bool
	Accept bool

	Active   bool // interest armed in the poller
	Ready    bool // the socket can take the operation without blocking
	Delayed  bool // held back by rate limiting until its timer fires
	Timedout bool
	Posted   bool
	EOF      bool
	Error    bool

	// Timer is managed by the Reactor.
	Timer    *time.Timer
	TimerSet bool
}

// Fd returns the descriptor the event is about.
func (ev *Event) Fd() int {
	if ev.Conn != nil {
		return ev.Conn.Fd
	}
	if ev.Listener != nil {
		return ev.Listener.Fd
	}
	return -1
}

func (ev *Event) reset(c *Connection, write bool) {
	*ev = Event{Conn: c, Write: write}
}

// Reactor is the event-notification layer the core is driven by. It is
// provided by the worker loop; tests substitute their own.
type Reactor interface {
	// Arm registers read or write interest for ev.
	Arm(ev *Event) error
	// Disarm removes interest for ev.
	Disarm(ev *Event) error
	// AddTimer runs ev's handler with Timedout set after d.
	AddTimer(ev *Event, d time.Duration)
	DelTimer(ev *Event)
	// Post queues ev's handler to run on the next loop iteration.
	Post(ev *Event)
	// Close releases the connection and its arena.
	Close(c *Connection)
}
