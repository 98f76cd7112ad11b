package chat

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"PPChat/tools/errs"
)

var connSeq atomic.Int64

type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failing bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: "c" + strconv.FormatInt(connSeq.Add(1), 10)}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:1" }

func (c *fakeConn) Push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrConnClosed.Wrap()
	}
	if c.failing {
		return errs.ErrSendBufferFull.Wrap()
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// packets 已推送的帧，按类型过滤（0 = 全部）
func (c *fakeConn) packets(t *testing.T, typ PacketType) []*Packet {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Packet
	for _, f := range c.frames {
		p, err := ParsePacket(f)
		require.NoError(t, err)
		if typ == 0 || p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}
