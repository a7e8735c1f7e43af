package accept

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/conn"
	"github.com/searchktools/fast-io/core/observability"
)

// State is where a worker stands in the accept rotation.
type State int32

const (
	Idle       State = iota // not holding the mutex
	HoldsMutex              // won this iteration's trylock
	Accepting               // inside the accept handler
	Disabled                // accept paused after descriptor exhaustion
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HoldsMutex:
		return "holds_mutex"
	case Accepting:
		return "accepting"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configures a Coordinator.
type Options struct {
	// Mutex arbitrates the shared listeners. Nil arms every listener in
	// every worker.
	Mutex *Mutex
	Owner uint64

	// Delay bounds the poll wait of a worker that lost the trylock.
	Delay time.Duration
	// MultiAccept drains the backlog on each readiness notification.
	MultiAccept bool
	// HighWater is the fraction of the connection table in use above which
	// the worker stops contending for the mutex.
	HighWater float64
	// DisableFor is the accept pause after EMFILE or ENFILE.
	DisableFor time.Duration

	// Register attaches a new connection to the event loop before the
	// listener's handler runs.
	Register func(c *conn.Connection) error

	Log     *zap.Logger
	Monitor *observability.Monitor
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	State    string `json:"state"`
	Armed    bool   `json:"armed"`
	Disabled int    `json:"disabled"`
	Accepted uint64 `json:"accepted"`
	Aborted  uint64 `json:"aborted"`
	Refused  uint64 `json:"refused"`
	Pauses   uint64 `json:"pauses"`
}

// Coordinator runs the accept side of one worker loop. All methods are
// called from that loop.
type Coordinator struct {
	opts      Options
	table     *conn.Table
	reactor   conn.Reactor
	log       *zap.Logger
	listeners []*conn.Listener

	state    State
	armed    bool // shared listeners armed on this worker
	disabled int
	reserve  int
	pause    conn.Event

	accept func(fd int) (int, unix.Sockaddr, error)

	accepted uint64
	aborted  uint64
	refused  uint64
	pauses   uint64
}

// NewCoordinator creates the accept coordinator of a worker.
func NewCoordinator(t *conn.Table, r conn.Reactor, opts Options) *Coordinator {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Delay <= 0 {
		opts.Delay = 500 * time.Millisecond
	}
	if opts.DisableFor <= 0 {
		opts.DisableFor = opts.Delay
	}
	if opts.HighWater <= 0 || opts.HighWater > 1 {
		opts.HighWater = 7.0 / 8
	}

	co := &Coordinator{
		opts:    opts,
		table:   t,
		reactor: r,
		log:     opts.Log,
		reserve: int(float64(t.Cap()) * (1 - opts.HighWater)),
		accept:  acceptSocket,
	}
	co.pause.Handler = co.resume
	return co
}

// Add takes over the accept events of lss. Listeners outside the mutex
// rotation are armed at once.
func (co *Coordinator) Add(lss ...*conn.Listener) error {
	for _, ls := range lss {
		ls.Accept.Listener = ls
		ls.Accept.Accept = true
		ls.Accept.Handler = co.handle
		co.listeners = append(co.listeners, ls)

		if co.opts.Mutex == nil || ls.Exempt() {
			if err := co.reactor.Arm(&ls.Accept); err != nil {
				return fmt.Errorf("arm listener %s: %w", ls.Addr, err)
			}
		}
	}
	return nil
}

// Listeners returns the listeners taken over by Add.
func (co *Coordinator) Listeners() []*conn.Listener { return co.listeners }

func (co *Coordinator) State() State { return co.state }

// Held reports whether this worker holds the accept mutex right now.
func (co *Coordinator) Held() bool { return co.state == HoldsMutex }

// Trylock runs before every poll wait. It returns how long the worker may
// wait before contending again, zero for no bound.
func (co *Coordinator) Trylock() time.Duration {
	m := co.opts.Mutex
	if m == nil {
		return 0
	}
	if co.state == Disabled {
		return co.opts.Delay
	}

	if co.disabled > 0 {
		co.disabled--
		co.disarmShared()
		co.state = Idle
		return co.opts.Delay
	}

	if m.TryLock(co.opts.Owner) {
		co.state = HoldsMutex
		if !co.armed {
			co.armShared()
		}
		return 0
	}

	co.state = Idle
	co.disarmShared()
	return co.opts.Delay
}

// Release returns the mutex once this iteration's accept events ran. The
// listeners stay armed until a later Trylock is lost.
func (co *Coordinator) Release() {
	if co.state != HoldsMutex {
		return
	}
	co.opts.Mutex.Unlock(co.opts.Owner)
	co.state = Idle
}

// DisableFor stops accepting on every listener for d. Workers in the
// mutex rotation give the mutex up.
func (co *Coordinator) DisableFor(d time.Duration) {
	for _, ls := range co.listeners {
		co.disarm(ls)
	}
	co.armed = false

	if co.opts.Mutex != nil {
		co.opts.Mutex.Unlock(co.opts.Owner)
		co.disabled = 1
	}

	co.state = Disabled
	co.pauses++
	if co.pause.TimerSet {
		co.reactor.DelTimer(&co.pause)
	}
	co.reactor.AddTimer(&co.pause, d)
}

func (co *Coordinator) resume(ev *conn.Event) {
	ev.Timedout = false
	if co.state != Disabled {
		return
	}
	co.state = Idle
	for _, ls := range co.listeners {
		if co.opts.Mutex == nil || ls.Exempt() {
			co.arm(ls)
		}
	}
	co.log.Info("accept resumed")
}

// Close disarms every listener and gives the mutex up.
func (co *Coordinator) Close() {
	for _, ls := range co.listeners {
		co.disarm(ls)
	}
	co.armed = false
	if co.pause.TimerSet {
		co.reactor.DelTimer(&co.pause)
	}
	if co.opts.Mutex != nil && co.opts.Mutex.Holder() == co.opts.Owner {
		co.opts.Mutex.Unlock(co.opts.Owner)
	}
	co.state = Idle
}

func (co *Coordinator) Stats() Stats {
	return Stats{
		State:    co.state.String(),
		Armed:    co.armed,
		Disabled: co.disabled,
		Accepted: co.accepted,
		Aborted:  co.aborted,
		Refused:  co.refused,
		Pauses:   co.pauses,
	}
}

func (co *Coordinator) handle(ev *conn.Event) {
	ls := ev.Listener
	if co.state == Disabled {
		return
	}

	prev := co.state
	co.state = Accepting
	defer func() {
		if co.state == Accepting {
			co.state = prev
		}
	}()

	for {
		start := time.Now()
		fd, sa, err := co.accept(ls.Fd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				co.opts.Monitor.Record(observability.OpAccept, 0, time.Since(start), observability.WouldBlock)
				return
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.ECONNABORTED):
				co.aborted++
				co.log.Debug("accept() failed", zap.String("listen", ls.Addr), zap.Error(err))
				if co.opts.MultiAccept {
					continue
				}
				return
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
				co.opts.Monitor.Record(observability.OpAccept, 0, time.Since(start), observability.Failed)
				co.log.Error("accept() failed, pausing accept",
					zap.String("listen", ls.Addr), zap.Error(err), zap.Duration("for", co.opts.DisableFor))
				co.DisableFor(co.opts.DisableFor)
				return
			}
			co.opts.Monitor.Record(observability.OpAccept, 0, time.Since(start), observability.Failed)
			co.log.Error("accept() failed", zap.String("listen", ls.Addr), zap.Error(err))
			return
		}
		co.opts.Monitor.Record(observability.OpAccept, 0, time.Since(start), observability.OK)

		co.disabled = co.reserve - co.table.Free()

		c, err := co.table.Get(fd)
		if err != nil {
			co.refused++
			unix.Close(fd)
			return
		}

		if err := co.setup(c, ls, sa); err != nil {
			c.Log.Error("connection setup failed", zap.Error(err))
			unix.Close(fd)
			co.table.Put(c)
			continue
		}
		co.accepted++

		if ls.Handler != nil {
			ls.Handler(c)
		}
		if !co.opts.MultiAccept {
			return
		}
	}
}

func (co *Coordinator) setup(c *conn.Connection, ls *conn.Listener, sa unix.Sockaddr) error {
	c.Listener = ls
	c.RemoteAddr = sa
	c.Sendfile = ls.Sendfile
	c.Write.Ready = true

	if ls.Network == "unix" {
		c.TCPNoDelay = conn.TCPDisabled
		c.TCPNoPush = conn.TCPDisabled
	} else if ls.NoDelay {
		if err := unix.SetsockoptInt(c.Fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			c.Log.Debug("setsockopt(TCP_NODELAY) failed", zap.Error(err))
		} else {
			c.TCPNoDelay = conn.TCPSet
		}
	}

	c.Log.Debug("accepted", zap.String("listen", ls.Addr), zap.String("remote", AddrString(sa)))

	if co.opts.Register != nil {
		return co.opts.Register(c)
	}
	return nil
}

func (co *Coordinator) armShared() {
	for _, ls := range co.listeners {
		if !ls.Exempt() {
			co.arm(ls)
		}
	}
	co.armed = true
}

func (co *Coordinator) disarmShared() {
	if !co.armed {
		return
	}
	for _, ls := range co.listeners {
		if !ls.Exempt() {
			co.disarm(ls)
		}
	}
	co.armed = false
}

func (co *Coordinator) arm(ls *conn.Listener) {
	if ls.Accept.Active {
		return
	}
	if err := co.reactor.Arm(&ls.Accept); err != nil {
		co.log.Error("arm listener failed", zap.String("listen", ls.Addr), zap.Error(err))
	}
}

func (co *Coordinator) disarm(ls *conn.Listener) {
	if !ls.Accept.Active {
		return
	}
	if err := co.reactor.Disarm(&ls.Accept); err != nil {
		co.log.Error("disarm listener failed", zap.String("listen", ls.Addr), zap.Error(err))
	}
}
