//go:build linux

package transmit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/searchktools/fast-io/core/buf"
)

func TestSendfileChain_Socketpair(t *testing.T) {
	c, peer := socketConn(t)
	c.Sendfile = true
	b := New(Options{})

	body := pattern(3 << 20)
	file := tempFile(t, body)
	want := append([]byte(header), body...)

	got := drain(peer, len(want))
	in := c.Arena.Chain(buf.NewString(header), buf.NewFile(file, 0, int64(len(body))), buf.NewSpecial(buf.Last))
	sendAll(t, func(in buf.LinkID) (buf.LinkID, error) { return b.SendChain(c, in, 0) }, c, in)

	assert.Equal(t, int64(len(want)), c.Sent)
	assert.True(t, bytes.Equal(want, <-got))
}
