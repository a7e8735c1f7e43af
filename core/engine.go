package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/accept"
	"github.com/searchktools/fast-io/core/conn"
	"github.com/searchktools/fast-io/core/observability"
	"github.com/searchktools/fast-io/core/poller"
	"github.com/searchktools/fast-io/core/pools"
	"github.com/searchktools/fast-io/core/transmit"
)

// Options configures one worker loop.
type Options struct {
	Worker int

	// Connections is the size of the preallocated connection table.
	Connections int
	// ReuseAfter is the idle time after which a keepalive connection may be
	// closed to make room for new ones.
	ReuseAfter time.Duration

	Accept accept.Options

	Caps           *transmit.Capabilities
	Offload        *pools.WorkerPool
	OffloadTimeout time.Duration

	Bytes   *pools.BytePool
	Monitor *observability.Monitor
	Log     *zap.Logger
}

type firedTimer struct {
	ev  *conn.Event
	gen uint64
}

// Engine is a worker event loop. It owns a poller, a connection table, the
// accept coordinator and a transmission backend, and implements
// conn.Reactor for everything running on it. Apart from Stop, Stats and
// the completion path, its methods must be called from the loop.
type Engine struct {
	opts    Options
	log     *zap.Logger
	poller  poller.Poller
	table   *conn.Table
	coord   *accept.Coordinator
	backend *transmit.Backend

	listeners map[int]*conn.Listener
	conns     map[int]*conn.Connection
	interest  map[int]poller.Interest

	posted []*conn.Event

	timerGen uint64
	timers   map[*conn.Event]uint64
	firedMu  sync.Mutex
	fired    []firedTimer

	completions chan transmit.Completion
	deferred    map[*conn.Connection]uint64

	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	stats     atomic.Pointer[Stats]
	statsAt   time.Time
	iteration uint64
}

// NewEngine creates a worker loop. Listeners are attached with Listen.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Connections <= 0 {
		opts.Connections = DefaultConnections
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Caps == nil {
		opts.Caps = transmit.Detect()
	}
	log := opts.Log.With(zap.Int("worker", opts.Worker))

	p, err := poller.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", opts.Worker, err)
	}

	e := &Engine{
		opts:        opts,
		log:         log,
		poller:      p,
		listeners:   make(map[int]*conn.Listener),
		conns:       make(map[int]*conn.Connection, opts.Connections),
		interest:    make(map[int]poller.Interest, opts.Connections),
		posted:      make([]*conn.Event, 0, 64),
		timers:      make(map[*conn.Event]uint64),
		completions: make(chan transmit.Completion, completionQueue),
		deferred:    make(map[*conn.Connection]uint64),
		done:        make(chan struct{}),
	}

	e.table = conn.NewTable(opts.Connections, conn.TableOptions{
		ReuseAfter: opts.ReuseAfter,
		Log:        log,
		Bytes:      opts.Bytes,
	})

	e.backend = transmit.New(transmit.Options{
		Caps:           opts.Caps,
		Offload:        opts.Offload,
		OffloadTimeout: opts.OffloadTimeout,
		Complete:       e.complete,
		Monitor:        opts.Monitor,
		Log:            log,
	})

	ao := opts.Accept
	ao.Register = e.register
	ao.Log = log
	ao.Monitor = opts.Monitor
	e.coord = accept.NewCoordinator(e.table, e, ao)

	e.refreshStats(time.Now())
	return e, nil
}

// Listen hands listeners to the accept coordinator.
func (e *Engine) Listen(lss ...*conn.Listener) error {
	for _, ls := range lss {
		e.listeners[ls.Fd] = ls
	}
	return e.coord.Add(lss...)
}

// Table returns the connection table of the loop.
func (e *Engine) Table() *conn.Table { return e.table }

// Backend returns the transmission backend of the loop.
func (e *Engine) Backend() *transmit.Backend { return e.backend }

// Coordinator returns the accept coordinator of the loop.
func (e *Engine) Coordinator() *accept.Coordinator { return e.coord }

// Stop asks Run to return. Safe from any goroutine.
func (e *Engine) Stop() {
	if e.stopped.CompareAndSwap(false, true) {
		e.poller.Wake()
	}
}

// Discard releases an engine that never ran: its connections, timers and
// poller. It does nothing once Run was called.
func (e *Engine) Discard() {
	if e.started.CompareAndSwap(false, true) {
		e.stopped.Store(true)
		e.shutdown()
		close(e.done)
	}
}

// Run drives the loop until ctx is done or Stop is called. An engine runs
// once; later calls return ErrStopped.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrStopped
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.done)

	go func() {
		select {
		case <-ctx.Done():
			e.Stop()
		case <-e.done:
		}
	}()

	e.log.Info("worker started",
		zap.Int("connections", e.table.Cap()), zap.Int("listeners", len(e.listeners)))

	for !e.stopped.Load() {
		if err := e.cycle(); err != nil {
			e.shutdown()
			return err
		}
	}

	e.shutdown()
	e.log.Info("worker stopped")
	return nil
}

// cycle is one loop iteration: contend for the accept mutex, wait for
// readiness, accept, release, then run I/O handlers, completions, timers
// and posted events.
func (e *Engine) cycle() error {
	timeout := MaxWait
	if d := e.coord.Trylock(); d > 0 && d < timeout {
		timeout = d
	}
	if len(e.posted) > 0 {
		timeout = 0
	}

	evs, err := e.poller.Wait(int(timeout / time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			e.coord.Release()
			return nil
		}
		e.coord.Release()
		return fmt.Errorf("poller wait: %w", err)
	}

	for _, pe := range evs {
		if ls, ok := e.listeners[pe.Fd]; ok && ls.Accept.Active {
			ls.Accept.Ready = true
			ls.Accept.Handler(&ls.Accept)
		}
	}
	e.coord.Release()

	for _, pe := range evs {
		if c, ok := e.conns[pe.Fd]; ok {
			e.dispatch(c, pe)
		}
	}

	e.drainCompletions()
	e.runTimers()
	e.runPosted()

	e.iteration++
	if now := time.Now(); now.Sub(e.statsAt) >= statsInterval {
		e.refreshStats(now)
	}
	return nil
}

func (e *Engine) dispatch(c *conn.Connection, pe poller.Event) {
	id := c.ID
	rev, wev := c.Read, c.Write

	if (pe.Readable || pe.Hangup || pe.Error) && rev.Active {
		rev.Ready = true
		rev.EOF = rev.EOF || pe.Hangup
		rev.Error = rev.Error || pe.Error
		if rev.Handler != nil {
			rev.Handler(rev)
		}
	}

	if !c.InUse() || c.ID != id {
		return
	}

	if (pe.Writable || pe.Error) && wev.Active {
		wev.Ready = true
		wev.Error = wev.Error || pe.Error
		if wev.Handler != nil {
			wev.Handler(wev)
		}
	}
}

func (e *Engine) register(c *conn.Connection) error {
	c.Reactor = e
	c.SendChain = e.backend.SendChain
	e.conns[c.Fd] = c
	return nil
}

// Arm adds read or write interest for ev.
func (e *Engine) Arm(ev *conn.Event) error {
	fd := ev.Fd()
	cur, registered := e.interest[fd]
	want := cur | interestOf(ev)

	var err error
	switch {
	case !registered:
		err = e.poller.Add(fd, want)
	case want != cur:
		err = e.poller.Mod(fd, want)
	}
	if err != nil {
		return fmt.Errorf("arm fd %d: %w", fd, err)
	}

	e.interest[fd] = want
	ev.Active = true
	return nil
}

// Disarm removes read or write interest for ev.
func (e *Engine) Disarm(ev *conn.Event) error {
	fd := ev.Fd()
	cur, registered := e.interest[fd]
	ev.Active = false
	if !registered {
		return nil
	}

	want := cur &^ interestOf(ev)
	var err error
	switch {
	case want == 0:
		delete(e.interest, fd)
		err = e.poller.Remove(fd)
	case want != cur:
		e.interest[fd] = want
		err = e.poller.Mod(fd, want)
	}
	if err != nil {
		return fmt.Errorf("disarm fd %d: %w", fd, err)
	}
	return nil
}

func interestOf(ev *conn.Event) poller.Interest {
	if ev.Write {
		return poller.Write
	}
	return poller.Read
}

// AddTimer runs ev's handler with Timedout set after d. Re-adding replaces
// the previous deadline.
func (e *Engine) AddTimer(ev *conn.Event, d time.Duration) {
	if ev.Timer != nil {
		ev.Timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	e.timers[ev] = gen
	ev.TimerSet = true
	ev.Timer = time.AfterFunc(d, func() {
		e.firedMu.Lock()
		e.fired = append(e.fired, firedTimer{ev: ev, gen: gen})
		e.firedMu.Unlock()
		e.poller.Wake()
	})
}

// DelTimer cancels ev's timer. A timer that already fired but was not yet
// run is dropped.
func (e *Engine) DelTimer(ev *conn.Event) {
	if ev.Timer != nil {
		ev.Timer.Stop()
		ev.Timer = nil
	}
	delete(e.timers, ev)
	ev.TimerSet = false
}

func (e *Engine) runTimers() {
	e.firedMu.Lock()
	fired := e.fired
	e.fired = nil
	e.firedMu.Unlock()

	for _, ft := range fired {
		ev := ft.ev
		if gen, ok := e.timers[ev]; !ok || gen != ft.gen {
			continue
		}
		delete(e.timers, ev)
		ev.TimerSet = false
		ev.Timer = nil
		ev.Timedout = true
		if ev.Handler != nil {
			ev.Handler(ev)
		}
	}
}

// Post queues ev's handler for the end of the current iteration.
func (e *Engine) Post(ev *conn.Event) {
	if ev.Posted {
		return
	}
	ev.Posted = true
	e.posted = append(e.posted, ev)
}

func (e *Engine) runPosted() {
	for len(e.posted) > 0 {
		batch := e.posted
		e.posted = make([]*conn.Event, 0, cap(batch))
		for _, ev := range batch {
			if !ev.Posted {
				continue
			}
			ev.Posted = false
			if ev.Conn != nil && !ev.Conn.InUse() {
				continue
			}
			if ev.Handler != nil {
				ev.Handler(ev)
			}
		}
		// handlers posting again run on the next iteration
		if len(e.posted) > 0 {
			return
		}
	}
}

// complete runs on offload worker threads.
func (e *Engine) complete(done transmit.Completion) {
	select {
	case e.completions <- done:
	case <-e.done:
		return
	}
	e.poller.Wake()
}

func (e *Engine) drainCompletions() {
	for {
		select {
		case done := <-e.completions:
			e.deliver(done)
		default:
			return
		}
	}
}

func (e *Engine) deliver(done transmit.Completion) {
	c := done.Conn
	if id, ok := e.deferred[c]; ok && id == done.ID {
		delete(e.deferred, c)
		c.Async.Pending = false
		e.release(c)
		return
	}
	if transmit.Deliver(done) {
		e.Post(c.Write)
	}
}

// Close releases c. It satisfies conn.Reactor.
func (e *Engine) Close(c *conn.Connection) { e.CloseConnection(c) }

// CloseConnection stops all event activity on c and returns its slot. When
// an offloaded copy still uses the socket, the descriptor and arena are
// kept until its completion arrives.
func (e *Engine) CloseConnection(c *conn.Connection) {
	if !c.InUse() {
		return
	}
	if _, ok := e.deferred[c]; ok {
		return
	}

	e.DelTimer(c.Read)
	e.DelTimer(c.Write)
	e.DelTimer(&c.Async.Guard)
	c.Read.Posted = false
	c.Write.Posted = false
	c.Read.Active = false
	c.Write.Active = false

	if _, ok := e.interest[c.Fd]; ok {
		delete(e.interest, c.Fd)
		if err := e.poller.Remove(c.Fd); err != nil {
			c.Log.Debug("poller remove failed", zap.Error(err))
		}
	}
	e.table.Reusable(c, false)

	if c.Async.Pending {
		c.Closing = true
		e.deferred[c] = c.ID
		c.Log.Debug("close deferred until offloaded send completes")
		return
	}
	e.release(c)
}

func (e *Engine) release(c *conn.Connection) {
	fd := c.Fd
	if e.conns[fd] == c {
		delete(e.conns, fd)
	}
	if err := unix.Close(fd); err != nil {
		c.Log.Debug("close() failed", zap.Error(err))
	}
	e.table.Put(c)
}

// shutdown closes every connection and waits a bounded time for
// offloaded sends still holding sockets.
func (e *Engine) shutdown() {
	e.coord.Close()
	e.table.Each(func(c *conn.Connection) { e.CloseConnection(c) })

	deadline := time.Now().Add(ShutdownGrace)
	for len(e.deferred) > 0 && time.Now().Before(deadline) {
		select {
		case done := <-e.completions:
			e.deliver(done)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if n := len(e.deferred); n > 0 {
		e.log.Warn("offloaded sends still running at shutdown", zap.Int("connections", n))
	}

	for ev := range e.timers {
		if ev.Timer != nil {
			ev.Timer.Stop()
		}
	}
	e.refreshStats(time.Now())

	if err := e.poller.Close(); err != nil {
		e.log.Debug("poller close failed", zap.Error(err))
	}
}
