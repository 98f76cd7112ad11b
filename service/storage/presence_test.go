package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPChat/service/chat"
	"PPChat/tools/ids"
)

type fakeConn struct{ id string }

func (c fakeConn) ID() string         { return c.id }
func (c fakeConn) RemoteAddr() string { return "" }
func (c fakeConn) Push([]byte) error  { return nil }
func (c fakeConn) Close() error       { return nil }

func TestPresenceOnlineOffline(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	p := NewPresence(rdb, "node-a", time.Minute)
	user := "pres-" + ids.GenerateString()
	defer rdb.Del(ctx, presenceKey(user))

	require.NoError(t, p.Online(ctx, user, "ios", "c1"))
	require.NoError(t, p.Online(ctx, user, "web", "c2"))
	entries, err := p.Lookup(ctx, user)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ios", entries[0].DeviceID)
	assert.Equal(t, "web", entries[1].DeviceID)

	// 旧连接的下线不影响已被接管的 field
	require.NoError(t, p.Online(ctx, user, "ios", "c3"))
	last, err := p.Offline(ctx, user, "ios", "c1")
	require.NoError(t, err)
	assert.False(t, last)

	last, err = p.Offline(ctx, user, "ios", "c3")
	require.NoError(t, err)
	assert.False(t, last)
	last, err = p.Offline(ctx, user, "web", "c2")
	require.NoError(t, err)
	assert.True(t, last)

	reg := chat.NewRegistry(chat.RegistryConf{Shards: 2})
	reg.Register(fakeConn{id: "c9"}, user, "desktop", chat.DeviceDesktop)
	require.NoError(t, p.Refresh(ctx, reg))
	entries, err = p.Lookup(ctx, user)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, PresenceEntry{DeviceID: "desktop", NodeID: "node-a", ConnID: "c9"}, entries[0])
}
