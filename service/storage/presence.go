package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/chat"
)

const PresenceChannel = "im:presence:events"

// presence key: im:presence:{user}，field = deviceId，value = "node|conn"
func presenceKey(user string) string { return "im:presence:{" + user + "}" }

// 只删除仍属于本连接的 field，返回剩余设备数；-1 表示 field 已被别的连接接管
var luaPresenceRemove = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if v ~= ARGV[2] then
  return -1
end
redis.call('HDEL', KEYS[1], ARGV[1])
return redis.call('HLEN', KEYS[1])
`)

type PresenceEntry struct {
	DeviceID string `json:"deviceId"`
	NodeID   string `json:"nodeId"`
	ConnID   string `json:"connId"`
}

// SessionLister 在线会话快照；*chat.Registry 实现它
type SessionLister interface {
	Users() []string
	SessionsOf(userID string) []*chat.Session
}

// Presence 集群级在线目录（设备 -> 节点），TTL 兜底节点异常退出
type Presence struct {
	rdb    redis.UniversalClient
	nodeID string
	ttl    time.Duration
}

var _ chat.SessionObserver = (*Presence)(nil)

func NewPresence(rdb redis.UniversalClient, nodeID string, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Presence{rdb: rdb, nodeID: nodeID, ttl: ttl}
}

func (p *Presence) value(connID string) string { return p.nodeID + "|" + connID }

func (p *Presence) OnSessionEvent(ctx context.Context, ev chat.SessionEvent) {
	s := ev.Session
	var err error
	switch ev.Kind {
	case chat.EventRegistered:
		err = p.Online(ctx, s.UserID, s.DeviceID, s.Conn.ID())
	case chat.EventUnregistered:
		_, err = p.Offline(ctx, s.UserID, s.DeviceID, s.Conn.ID())
	}
	if err != nil {
		logger.Warn("[Presence] update failed",
			zap.String("user", s.UserID), zap.String("device", s.DeviceID), zap.Error(err))
	}
}

func (p *Presence) Online(ctx context.Context, userID, deviceID, connID string) error {
	key := presenceKey(userID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, deviceID, p.value(connID))
		pipe.Expire(ctx, key, p.ttl)
		pipe.Publish(ctx, PresenceChannel, "ONLINE:"+userID+":"+deviceID+":"+p.nodeID)
		return nil
	})
	return err
}

// Offline 返回 last=true 表示该用户已无任何在线设备
func (p *Presence) Offline(ctx context.Context, userID, deviceID, connID string) (last bool, err error) {
	left, err := luaPresenceRemove.Run(ctx, p.rdb, []string{presenceKey(userID)}, deviceID, p.value(connID)).Int64()
	if err != nil {
		return false, err
	}
	if left < 0 {
		// 同设备已在别处重新上线
		return false, nil
	}
	if err := p.rdb.Publish(ctx, PresenceChannel, "OFFLINE:"+userID+":"+deviceID+":"+p.nodeID).Err(); err != nil {
		return left == 0, err
	}
	return left == 0, nil
}

// Lookup 用户在整个集群的在线设备，按 deviceId 排序
func (p *Presence) Lookup(ctx context.Context, userID string) ([]PresenceEntry, error) {
	m, err := p.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PresenceEntry, 0, len(m))
	for dev, v := range m {
		node, conn, _ := strings.Cut(v, "|")
		out = append(out, PresenceEntry{DeviceID: dev, NodeID: node, ConnID: conn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// Refresh 续期本节点全部在线会话（同时补写丢失的 field）
func (p *Presence) Refresh(ctx context.Context, sessions SessionLister) error {
	users := sessions.Users()
	if len(users) == 0 {
		return nil
	}
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range users {
			key := presenceKey(u)
			for _, s := range sessions.SessionsOf(u) {
				pipe.HSet(ctx, key, s.DeviceID, p.value(s.Conn.ID()))
			}
			pipe.Expire(ctx, key, p.ttl)
		}
		return nil
	})
	return err
}

// Run 每 ttl/2 续期一次
func (p *Presence) Run(ctx context.Context, sessions SessionLister) error {
	t := time.NewTicker(p.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := p.Refresh(ctx, sessions); err != nil {
				logger.Warn("[Presence] refresh failed", zap.Error(err))
			}
		}
	}
}
