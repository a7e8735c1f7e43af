package writer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/fast-io/core/buf"
	"github.com/searchktools/fast-io/core/conn"
	"github.com/searchktools/fast-io/core/filter"
	"github.com/searchktools/fast-io/core/output"
)

type fakeReactor struct {
	timers []time.Duration
	posted int
	armed  int
}

func (r *fakeReactor) Arm(ev *conn.Event) error {
	ev.Active = true
	r.armed++
	return nil
}

func (r *fakeReactor) Disarm(ev *conn.Event) error {
	ev.Active = false
	return nil
}

func (r *fakeReactor) AddTimer(ev *conn.Event, d time.Duration) {
	ev.TimerSet = true
	r.timers = append(r.timers, d)
}

func (r *fakeReactor) DelTimer(ev *conn.Event) { ev.TimerSet = false }

func (r *fakeReactor) Post(ev *conn.Event) {
	ev.Posted = true
	r.posted++
}

func (r *fakeReactor) Close(*conn.Connection) {}

// wire is a send function that takes at most per bytes per call and
// records what it was given, reading file ranges through files.
type wire struct {
	per    int64
	block  bool
	err    error
	calls  int
	got    bytes.Buffer
	files  map[int]*os.File
	limits []int64
}

func (w *wire) send(c *conn.Connection, in buf.LinkID, limit int64) (buf.LinkID, error) {
	w.calls++
	w.limits = append(w.limits, limit)
	if w.err != nil {
		return in, w.err
	}

	budget := limit
	if w.per > 0 && (budget <= 0 || w.per < budget) {
		budget = w.per
	}

	var sent int64
	c.Arena.Each(in, func(_ buf.LinkID, b *buf.Buffer) bool {
		if b.Special() {
			return true
		}
		size := b.Size()
		if budget > 0 && size > budget-sent {
			size = budget - sent
		}
		if b.InMemory() {
			w.got.Write(b.Start[b.Pos : b.Pos+int(size)])
		} else {
			p := make([]byte, size)
			n, _ := w.files[b.File.Fd].ReadAt(p, b.FilePos)
			w.got.Write(p[:n])
		}
		sent += size
		return budget <= 0 || sent < budget
	})

	c.Sent += sent
	out := c.Arena.UpdateSent(in, sent)
	if out != buf.Nil && w.block {
		c.Write.Ready = false
	}
	return out, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newConn(t *testing.T, w *wire) (*conn.Connection, *fakeReactor) {
	t.Helper()
	c, err := conn.NewTable(1, conn.TableOptions{}).Get(7)
	require.NoError(t, err)
	r := &fakeReactor{}
	c.Reactor = r
	c.SendChain = w.send
	c.Write.Ready = true
	return c, r
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i%253 + 1)
	}
	return p
}

func TestWrite_PostponesSmallOutput(t *testing.T) {
	w := &wire{}
	c, _ := newConn(t, w)
	f := New(c, DefaultConfig())
	a := c.Arena

	st, err := f.Write(a.Chain(buf.NewString("small")))
	require.NoError(t, err)
	assert.Equal(t, filter.OK, st)
	assert.Zero(t, w.calls)
	assert.NotEqual(t, buf.Nil, f.Pending())

	st, err = f.Write(a.Chain(buf.NewString(" tail"), buf.NewSpecial(buf.Last)))
	require.NoError(t, err)
	assert.Equal(t, filter.OK, st)
	assert.Equal(t, 1, w.calls)
	assert.Equal(t, "small tail", w.got.String())
	assert.Equal(t, buf.Nil, f.Pending())
	assert.Zero(t, c.Buffered&conn.WriteBuffered)
}

func TestWrite_FlushSendsImmediately(t *testing.T) {
	w := &wire{}
	c, _ := newConn(t, w)
	f := New(c, DefaultConfig())

	b := buf.NewString("x")
	b.Set(buf.Flush)
	st, err := f.Write(c.Arena.Chain(b))
	require.NoError(t, err)
	assert.Equal(t, filter.OK, st)
	assert.Equal(t, 1, w.calls)
}

func TestWrite_SpecialOnlyChainIsFlushedWithoutSend(t *testing.T) {
	w := &wire{}
	c, _ := newConn(t, w)
	f := New(c, DefaultConfig())

	st, err := f.Write(c.Arena.Chain(buf.NewSpecial(buf.Last)))
	require.NoError(t, err)
	assert.Equal(t, filter.OK, st)
	assert.Zero(t, w.calls)
	assert.Equal(t, buf.Nil, f.Pending())
}

func TestWrite_EmptyChainIsDefect(t *testing.T) {
	w := &wire{}
	c, _ := newConn(t, w)
	f := New(c, DefaultConfig())

	_, err := f.Write(buf.Nil)
	assert.ErrorIs(t, err, ErrEmptyChain)
	assert.Zero(t, w.calls)
}

func TestWrite_ZeroSizeBufIsDefect(t *testing.T) {
	w := &wire{}
	c, _ := newConn(t, w)
	f := New(c, DefaultConfig())

	_, err := f.Write(c.Arena.Chain(buf.NewString("a"), buf.NewMemory(nil)))
	assert.ErrorIs(t, err, buf.ErrZeroSizeBuf)
	assert.True(t, c.Error)
	assert.Zero(t, w.calls)
}

func TestWrite_NegativeSizeBufIsDefect(t *testing.T) {
	w := &wire{}
	c, _ := newConn(t, w)
	f := New(c, DefaultConfig())

	b := buf.NewString("abc")
	b.Pos = 3
	b.Last = 1
	_, err := f.Write(c.Arena.Chain(b))
	assert.ErrorIs(t, err, buf.ErrNegativeSizeBuf)
	assert.NotErrorIs(t, err, buf.ErrZeroSizeBuf)
	assert.True(t, c.Error)
	assert.Zero(t, w.calls)
}

func TestWrite_ErroredConnectionShortCircuits(t *testing.T) {
	w := &wire{err: errors.New("connection reset by peer")}
	c, _ := newConn(t, w)
	f := New(c, DefaultConfig())

	b := buf.NewString("data")
	b.Set(buf.Flush)
	_, err := f.Write(c.Arena.Chain(b))
	require.Error(t, err)
	assert.True(t, c.Error)

	_, err = f.Write(buf.Nil)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, 1, w.calls)
}

func TestWrite_PartialSendPostsWhileReady(t *testing.T) {
	w := &wire{per: 1000}
	c, r := newConn(t, w)
	f := New(c, DefaultConfig())

	data := payload(4500)
	st, err := f.Write(c.Arena.Chain(buf.NewMemory(data), buf.NewSpecial(buf.Last)))
	require.NoError(t, err)
	assert.Equal(t, filter.Again, st)
	assert.Equal(t, 1, r.posted)
	assert.NotZero(t, c.Buffered&conn.WriteBuffered)

	for i := 0; st == filter.Again; i++ {
		require.Less(t, i, 10)
		st, err = f.Resume(c.Write)
		require.NoError(t, err)
	}
	assert.Equal(t, data, w.got.Bytes())
	assert.Equal(t, 5, w.calls)
	assert.Equal(t, int64(4500), c.Sent)
}

func TestWrite_ArmsWhenNotReady(t *testing.T) {
	w := &wire{per: 1000, block: true}
	c, r := newConn(t, w)
	f := New(c, DefaultConfig())

	st, err := f.Write(c.Arena.Chain(buf.NewMemory(payload(3000)), buf.NewSpecial(buf.Last)))
	require.NoError(t, err)
	assert.Equal(t, filter.Again, st)
	assert.Equal(t, 1, r.armed)
	assert.Zero(t, r.posted)
	assert.True(t, c.Write.Active)
}

func TestWrite_SendfileMaxChunkBoundsCalls(t *testing.T) {
	w := &wire{}
	c, _ := newConn(t, w)
	cfg := DefaultConfig()
	cfg.SendfileMaxChunk = 4096
	f := New(c, cfg)

	_, err := f.Write(c.Arena.Chain(buf.NewMemory(payload(10000)), buf.NewSpecial(buf.Last)))
	require.NoError(t, err)
	assert.Equal(t, []int64{4096}, w.limits)
	assert.Equal(t, int64(4096), c.Sent)
}

func TestWrite_RateLimitConformance(t *testing.T) {
	const (
		rate = 100_000
		size = 1_000_000
	)

	w := &wire{}
	c, r := newConn(t, w)
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	start := clk.t

	cfg := Config{LimitRate: rate}
	f := New(c, cfg)
	f.Now = clk.now
	f.Restart()

	data := payload(size)
	st, err := f.Write(c.Arena.Chain(buf.NewMemory(data), buf.NewSpecial(buf.Last)))
	require.NoError(t, err)

	for i := 0; st == filter.Again; i++ {
		require.Less(t, i, 100_000)
		if c.Write.Delayed {
			require.NotEmpty(t, r.timers)
			clk.t = clk.t.Add(r.timers[len(r.timers)-1])
			c.Write.Timedout = true
		}
		st, err = f.Resume(c.Write)
		require.NoError(t, err)
	}

	assert.Equal(t, data, w.got.Bytes())
	took := clk.t.Sub(start)
	want := time.Duration(size) * time.Second / rate
	assert.InDelta(t, want.Seconds(), took.Seconds(), want.Seconds()*0.05, "took %s", took)
}

// pace drives a rate-limited stream to completion, firing each delay timer
// by moving clk forward.
func pace(t *testing.T, f *Filter, c *conn.Connection, r *fakeReactor, clk *clock, st filter.Status) {
	t.Helper()
	var err error
	for i := 0; st == filter.Again; i++ {
		require.Less(t, i, 100_000)
		if c.Write.Delayed {
			require.NotEmpty(t, r.timers)
			clk.t = clk.t.Add(r.timers[len(r.timers)-1])
			c.Write.Timedout = true
		}
		st, err = f.Resume(c.Write)
		require.NoError(t, err)
	}
}

func TestWrite_RateLimitRestartsPerStream(t *testing.T) {
	const rate = 1000

	w := &wire{}
	c, r := newConn(t, w)
	clk := &clock{t: time.Unix(1_700_000_000, 0)}

	f := New(c, Config{LimitRate: rate})
	f.Now = clk.now
	f.Restart()

	st, err := f.Write(c.Arena.Chain(buf.NewMemory(payload(1000)), buf.NewSpecial(buf.Last)))
	require.NoError(t, err)
	pace(t, f, c, r, clk, st)
	require.Equal(t, int64(1000), c.Sent)

	// the first stream's trailing delay expires before the next request
	if c.Write.Delayed {
		clk.t = clk.t.Add(r.timers[len(r.timers)-1])
		c.Write.Delayed = false
	}

	start := clk.t
	r.timers = nil
	f.Restart()
	st, err = f.Write(c.Arena.Chain(buf.NewMemory(payload(1000)), buf.NewSpecial(buf.Last)))
	require.NoError(t, err)
	require.NotEmpty(t, r.timers)
	assert.LessOrEqual(t, r.timers[0], 10*time.Millisecond, "second stream is not charged for the first")

	pace(t, f, c, r, clk, st)
	assert.Equal(t, int64(2000), c.Sent)
	assert.InDelta(t, 1.0, clk.t.Sub(start).Seconds(), 0.05)
}

func TestWrite_RateLimitAfterSendsPrefixFreely(t *testing.T) {
	w := &wire{}
	c, r := newConn(t, w)
	clk := &clock{t: time.Unix(1_700_000_000, 0)}

	f := New(c, Config{LimitRate: 1000, LimitRateAfter: 5000})
	f.Now = clk.now
	f.Restart()

	st, err := f.Write(c.Arena.Chain(buf.NewMemory(payload(5000)), buf.NewSpecial(buf.Last)))
	require.NoError(t, err)
	assert.Equal(t, filter.OK, st)
	assert.Empty(t, r.timers)
	assert.False(t, c.Write.Delayed)
}

func TestResume_TimeoutWithoutDelayIsError(t *testing.T) {
	w := &wire{}
	c, _ := newConn(t, w)
	f := New(c, DefaultConfig())

	c.Write.Timedout = true
	_, err := f.Resume(c.Write)
	assert.ErrorIs(t, err, ErrConnection)
	assert.True(t, c.Timedout)
}

func TestPipeline_EndToEndCapped(t *testing.T) {
	const header = "HTTP/1.1 200 OK\r\nServer: io\r\n\r\n"
	const per = 64 << 10

	content := payload(1_000_000)
	path := filepath.Join(t.TempDir(), "body.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()

	w := &wire{per: per, files: map[int]*os.File{int(fh.Fd()): fh}}
	c, _ := newConn(t, w)

	wf := New(c, DefaultConfig())
	cfg := output.DefaultConfig()
	cfg.Sendfile = true
	ctx := output.New(cfg, c.Arena, wf)
	ctx.Conn = c

	file := &buf.File{Fd: int(fh.Fd()), Name: path}
	in := c.Arena.Chain(
		buf.NewString(header),
		buf.NewFile(file, 0, int64(len(content))),
		buf.NewSpecial(buf.Last),
	)

	st, err := ctx.Emit(in)
	require.NoError(t, err)
	for i := 0; st == filter.Again; i++ {
		require.Less(t, i, 100)
		st, err = ctx.Emit(buf.Nil)
		require.NoError(t, err)
	}

	total := len(header) + len(content)
	require.Equal(t, 1_000_031, total)
	assert.Equal(t, filter.OK, st)
	assert.Equal(t, (total+per-1)/per, w.calls)
	assert.Equal(t, int64(total), c.Sent)
	assert.Equal(t, append([]byte(header), content...), w.got.Bytes())
	assert.Zero(t, c.Buffered)
}
