package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// SentEntry clientMsgId 首次发送成功后的结果
type SentEntry struct {
	MsgID           int64
	ServerTimestamp int64
}

// ClientMsgIndex clientMsgId -> 已持久化消息 的幂等窗口
type ClientMsgIndex interface {
	Lookup(ctx context.Context, userID, clientMsgID string) (*SentEntry, bool, error)
	Remember(ctx context.Context, userID, clientMsgID string, e SentEntry) error
}

// SETNX + PEXPIRE；已存在时不覆盖
var luaRemember = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// RedisMsgIndex 多节点共享的实现
type RedisMsgIndex struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ ClientMsgIndex = (*RedisMsgIndex)(nil)

// NewRedisMsgIndex ttl <= 0 时默认 48h
func NewRedisMsgIndex(rdb redis.UniversalClient, ttl time.Duration) *RedisMsgIndex {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisMsgIndex{rdb: rdb, prefix: "im:cid", ttl: ttl}
}

// key 规范：im:cid:{sender}:{clientMsgID}
func (m *RedisMsgIndex) key(sender, clientMsgID string) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, sender, clientMsgID)
}

func (m *RedisMsgIndex) Lookup(ctx context.Context, userID, clientMsgID string) (*SentEntry, bool, error) {
	v, err := m.rdb.Get(ctx, m.key(userID, clientMsgID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e, err := parseEntry(v)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (m *RedisMsgIndex) Remember(ctx context.Context, userID, clientMsgID string, e SentEntry) error {
	return luaRemember.Run(ctx, m.rdb, []string{m.key(userID, clientMsgID)},
		formatEntry(e), m.ttl.Milliseconds()).Err()
}

func formatEntry(e SentEntry) string {
	return strconv.FormatInt(e.MsgID, 10) + ":" + strconv.FormatInt(e.ServerTimestamp, 10)
}

func parseEntry(v string) (*SentEntry, error) {
	a, b, _ := strings.Cut(v, ":")
	id, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad msg index value %q: %w", v, err)
	}
	ts, _ := strconv.ParseInt(b, 10, 64)
	return &SentEntry{MsgID: id, ServerTimestamp: ts}, nil
}

// MemMsgIndex 单节点、未配置 Redis 时的实现
type MemMsgIndex struct {
	c *gocache.Cache
}

var _ ClientMsgIndex = (*MemMsgIndex)(nil)

func NewMemMsgIndex(ttl time.Duration) *MemMsgIndex {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &MemMsgIndex{c: gocache.New(ttl, 10*time.Minute)}
}

func (m *MemMsgIndex) Lookup(_ context.Context, userID, clientMsgID string) (*SentEntry, bool, error) {
	v, ok := m.c.Get(userID + ":" + clientMsgID)
	if !ok {
		return nil, false, nil
	}
	e := v.(SentEntry)
	return &e, true, nil
}

func (m *MemMsgIndex) Remember(_ context.Context, userID, clientMsgID string, e SentEntry) error {
	// Add 已存在时返回错误，保持首次写入的值
	_ = m.c.Add(userID+":"+clientMsgID, e, gocache.DefaultExpiration)
	return nil
}
