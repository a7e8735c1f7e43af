package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/searchktools/fast-io/core/buf"
)

func tagging(order *[]int, n int) Body {
	return func(next Filter) Filter {
		return Func(func(in buf.LinkID) (Status, error) {
			*order = append(*order, n)
			return next.Write(in)
		})
	}
}

func TestPipeline_Order(t *testing.T) {
	var order []int
	p := NewPipeline().Use(tagging(&order, 1)).Use(tagging(&order, 2)).Use(tagging(&order, 3))
	require.Equal(t, 3, p.Len())

	last := Func(func(buf.LinkID) (Status, error) {
		order = append(order, 0)
		return Again, nil
	})

	st, err := p.Compile(last).Write(buf.Nil)
	require.NoError(t, err)
	assert.Equal(t, Again, st)
	assert.Equal(t, []int{1, 2, 3, 0}, order)
}

func TestPipeline_Empty(t *testing.T) {
	called := false
	last := Func(func(buf.LinkID) (Status, error) {
		called = true
		return OK, nil
	})
	_, err := NewPipeline().Compile(last).Write(buf.Nil)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestCounter(t *testing.T) {
	a := buf.NewArena(nil)
	c := &Counter{Arena: a}

	in := a.Chain(buf.NewString("abc"), buf.NewString("de"), buf.NewSpecial(buf.Last))
	st, err := c.Write(in)
	require.NoError(t, err)
	assert.Equal(t, OK, st)

	_, _ = c.Write(buf.Nil)
	assert.Equal(t, 2, c.Calls)
	assert.Equal(t, 3, c.Links)
	assert.Equal(t, int64(5), c.Bytes)
}

func TestRecover(t *testing.T) {
	boom := Func(func(buf.LinkID) (Status, error) { panic("boom") })
	f := NewPipeline().Use(Recover(zap.NewNop())).Compile(boom)

	_, err := f.Write(buf.Nil)
	assert.ErrorContains(t, err, "boom")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "ok", OK.String())
	assert.Equal(t, "again", Again.String())
}
