package accept

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/conn"
)

type fakeReactor struct {
	arms    int
	disarms int
	timers  map[*conn.Event]time.Duration
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{timers: make(map[*conn.Event]time.Duration)}
}

func (r *fakeReactor) Arm(ev *conn.Event) error {
	ev.Active = true
	r.arms++
	return nil
}

func (r *fakeReactor) Disarm(ev *conn.Event) error {
	ev.Active = false
	r.disarms++
	return nil
}

func (r *fakeReactor) AddTimer(ev *conn.Event, d time.Duration) {
	ev.TimerSet = true
	r.timers[ev] = d
}

func (r *fakeReactor) DelTimer(ev *conn.Event) {
	ev.TimerSet = false
	delete(r.timers, ev)
}

func (r *fakeReactor) Post(*conn.Event)       {}
func (r *fakeReactor) Close(*conn.Connection) {}

// script feeds accept results to a coordinator.
type script struct {
	results []error
	next    int
	fd      int
}

func (s *script) accept(int) (int, unix.Sockaddr, error) {
	if s.next >= len(s.results) {
		return -1, nil, unix.EAGAIN
	}
	err := s.results[s.next]
	s.next++
	if err != nil {
		return -1, nil, err
	}
	s.fd++
	return 1000 + s.fd, &unix.SockaddrInet4{Port: 40000 + s.fd, Addr: [4]byte{127, 0, 0, 1}}, nil
}

func worker(t *testing.T, m *Mutex, w int, capacity int, opts Options) (*Coordinator, *conn.Listener, *fakeReactor) {
	t.Helper()
	r := newFakeReactor()
	opts.Mutex = m
	opts.Owner = Owner(100, w)
	co := NewCoordinator(conn.NewTable(capacity, conn.TableOptions{}), r, opts)
	ls := &conn.Listener{Network: "tcp", Addr: "127.0.0.1:8080", Fd: 50}
	require.NoError(t, co.Add(ls))
	return co, ls, r
}

func TestCoordinator_MutexRotation(t *testing.T) {
	m := NewMutex()
	co1, ls1, _ := worker(t, m, 0, 64, Options{Delay: 300 * time.Millisecond})
	co2, ls2, _ := worker(t, m, 1, 64, Options{Delay: 300 * time.Millisecond})

	assert.False(t, ls1.Accept.Active, "shared listeners wait for the mutex")

	assert.Zero(t, co1.Trylock())
	assert.True(t, co1.Held())
	assert.True(t, ls1.Accept.Active)

	assert.Equal(t, 300*time.Millisecond, co2.Trylock())
	assert.False(t, co2.Held())
	assert.False(t, ls2.Accept.Active)

	co1.Release()
	assert.False(t, co1.Held())
	assert.True(t, ls1.Accept.Active, "listeners stay armed after release")

	assert.Zero(t, co2.Trylock())
	assert.True(t, ls2.Accept.Active)

	co1.Trylock()
	assert.False(t, co1.Held())
	assert.False(t, ls1.Accept.Active, "losing the trylock disarms")
	assert.Equal(t, Idle, co1.State())
}

func TestCoordinator_ExemptListenerAlwaysArmed(t *testing.T) {
	m := NewMutex()
	require.True(t, m.TryLock(Owner(999, 0)))

	r := newFakeReactor()
	co := NewCoordinator(conn.NewTable(8, conn.TableOptions{}), r, Options{Mutex: m, Owner: Owner(100, 0)})
	ls := &conn.Listener{Addr: "127.0.0.1:8443", Fd: 51, ReusePort: true}
	require.NoError(t, co.Add(ls))

	assert.True(t, ls.Accept.Active)
	co.Trylock()
	assert.False(t, co.Held())
	assert.True(t, ls.Accept.Active)
}

func TestCoordinator_NoMutexArmsEverything(t *testing.T) {
	co, ls, _ := worker(t, nil, 0, 8, Options{})
	assert.True(t, ls.Accept.Active)
	assert.Zero(t, co.Trylock())
}

func TestCoordinator_AcceptSetsUpConnection(t *testing.T) {
	var got []*conn.Connection
	registered := 0
	co, ls, _ := worker(t, nil, 0, 8, Options{
		MultiAccept: true,
		Register: func(c *conn.Connection) error {
			registered++
			return nil
		},
	})
	ls.Handler = func(c *conn.Connection) { got = append(got, c) }

	s := &script{results: []error{nil, unix.ECONNABORTED, nil}}
	co.accept = s.accept

	ls.Accept.Handler(&ls.Accept)

	require.Len(t, got, 2)
	assert.Equal(t, 2, registered)
	c := got[0]
	assert.Same(t, ls, c.Listener)
	assert.True(t, c.Write.Ready)
	assert.NotNil(t, c.RemoteAddr)
	assert.Equal(t, uint64(2), co.Stats().Accepted)
	assert.Equal(t, uint64(1), co.Stats().Aborted)
	assert.Equal(t, Idle, co.State())
}

func TestCoordinator_SingleAcceptPerEvent(t *testing.T) {
	var n int
	co, ls, _ := worker(t, nil, 0, 8, Options{})
	ls.Handler = func(*conn.Connection) { n++ }

	s := &script{results: []error{nil, nil, nil}}
	co.accept = s.accept

	ls.Accept.Handler(&ls.Accept)
	assert.Equal(t, 1, n)
	ls.Accept.Handler(&ls.Accept)
	assert.Equal(t, 2, n)
}

func TestCoordinator_UnixListenerDisablesTCPOptions(t *testing.T) {
	var got *conn.Connection
	co, ls, _ := worker(t, nil, 0, 8, Options{})
	ls.Network = "unix"
	ls.NoDelay = true
	ls.Handler = func(c *conn.Connection) { got = c }
	co.accept = (&script{results: []error{nil}}).accept

	ls.Accept.Handler(&ls.Accept)
	require.NotNil(t, got)
	assert.Equal(t, conn.TCPDisabled, got.TCPNoDelay)
	assert.Equal(t, conn.TCPDisabled, got.TCPNoPush)
}

func TestCoordinator_HighWaterStopsContending(t *testing.T) {
	m := NewMutex()
	co, ls, _ := worker(t, m, 0, 8, Options{HighWater: 0.5, MultiAccept: true})
	co.accept = (&script{results: []error{nil, nil, nil, nil, nil, nil, nil}}).accept

	require.Zero(t, co.Trylock())
	ls.Accept.Handler(&ls.Accept)
	co.Release()
	require.Equal(t, 1, co.table.Free())
	require.Equal(t, 2, co.Stats().Disabled)

	assert.NotZero(t, co.Trylock(), "above the high-water mark the worker sits out")
	assert.False(t, ls.Accept.Active)
	assert.NotZero(t, co.Trylock())
	assert.Zero(t, co.Trylock(), "contends again once the penalty is served")
}

func TestCoordinator_DescriptorExhaustionPauses(t *testing.T) {
	m := NewMutex()
	co, ls, r := worker(t, m, 0, 8, Options{DisableFor: 250 * time.Millisecond})
	exempt := &conn.Listener{Addr: "127.0.0.1:9090", Fd: 52, ReusePort: true}
	require.NoError(t, co.Add(exempt))
	co.accept = (&script{results: []error{unix.EMFILE}}).accept

	require.Zero(t, co.Trylock())
	ls.Accept.Handler(&ls.Accept)

	assert.Equal(t, Disabled, co.State())
	assert.False(t, ls.Accept.Active)
	assert.False(t, exempt.Accept.Active, "exhaustion pauses every listener")
	assert.Zero(t, m.Holder(), "mutex given up")
	assert.Equal(t, 250*time.Millisecond, r.timers[&co.pause])
	assert.NotZero(t, co.Trylock())

	co.pause.Timedout = true
	co.pause.Handler(&co.pause)
	assert.Equal(t, Idle, co.State())
	assert.True(t, exempt.Accept.Active)

	co.Trylock()
	assert.Zero(t, co.Trylock())
	assert.True(t, ls.Accept.Active)
	assert.Equal(t, uint64(1), co.Stats().Pauses)
}

func TestCoordinator_Close(t *testing.T) {
	m := NewMutex()
	co, ls, _ := worker(t, m, 0, 8, Options{})
	require.Zero(t, co.Trylock())

	co.Close()
	assert.False(t, ls.Accept.Active)
	assert.Zero(t, m.Holder())
}
