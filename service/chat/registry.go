package chat

import (
	"context"
	"hash/crc32"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/metrics"
)

// ===== 配置 =====

type RegistryConf struct {
	Shards     int              // 分片数（按 userId 哈希）
	MaxIdle    time.Duration    // 超过该时长无任何入站帧/心跳即踢出
	SweepEvery time.Duration    // 空闲清理周期
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Shards <= 0 {
		c.Shards = 64
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// ===== 事件 =====

type EventKind int

const (
	EventRegistered EventKind = iota + 1
	EventUnregistered
)

// 下线原因
const (
	ReasonClosed     = "closed"
	ReasonIdle       = "idle"
	ReasonSuperseded = "superseded"
	ReasonStale      = "stale" // 推送失败
	ReasonKicked     = "kicked"
	ReasonShutdown   = "shutdown"
)

// SessionEvent 注册表变化；在所有锁释放之后同步回调
type SessionEvent struct {
	Kind    EventKind
	Session *Session
	First   bool   // Registered: 该用户的第一条会话（离线 -> 在线）
	Last    bool   // Unregistered: 该用户的最后一条会话（在线 -> 离线）
	Reason  string // Unregistered 时有效
}

// ===== 数据结构 =====

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Session // userId -> deviceId -> session
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Session // connId -> session
}

// Registry 在线会话索引：byConn / (user, device) / byUser。
// 按 userId 分片加锁，连接索引按 connId 分片；任意时刻最多持有一把锁。
type Registry struct {
	conf  RegistryConf
	users []userShard
	conns []connShard
	count atomic.Int64
	hook  func(SessionEvent)
}

func NewRegistry(conf RegistryConf) *Registry {
	conf.norm()
	r := &Registry{
		conf:  conf,
		users: make([]userShard, conf.Shards),
		conns: make([]connShard, conf.Shards),
	}
	for i := range r.users {
		r.users[i].users = make(map[string]map[string]*Session)
		r.conns[i].conns = make(map[string]*Session)
	}
	return r
}

// SetEventHook 设置事件回调；须在开始服务前调用。回调里不得阻塞。
func (r *Registry) SetEventHook(h func(SessionEvent)) { r.hook = h }

func (r *Registry) emit(ev SessionEvent) {
	if r.hook != nil {
		r.hook(ev)
	}
}

func (r *Registry) userShardOf(userID string) *userShard {
	return &r.users[crc32.ChecksumIEEE([]byte(userID))%uint32(len(r.users))]
}

func (r *Registry) connShardOf(connID string) *connShard {
	return &r.conns[crc32.ChecksumIEEE([]byte(connID))%uint32(len(r.conns))]
}

// Register 建立 (user, device) 会话。已有旧会话时在同一临界区内替换，
// 锁外关闭旧连接后返回；读者只会看到旧会话或完整的新会话。
func (r *Registry) Register(conn Conn, userID, deviceID string, dt DeviceType) (s *Session, evicted *Session) {
	now := r.conf.Clock()
	s = &Session{
		Conn:        conn,
		UserID:      userID,
		DeviceID:    deviceID,
		DeviceType:  dt,
		ConnectedAt: now,
	}
	s.touch(now)

	// 先挂连接索引：路由能查到 s 时 Unregister(conn) 一定能找到它
	cs := r.connShardOf(conn.ID())
	cs.mu.Lock()
	cs.conns[conn.ID()] = s
	cs.mu.Unlock()

	us := r.userShardOf(userID)
	us.mu.Lock()
	devs := us.users[userID]
	first := len(devs) == 0
	if devs == nil {
		devs = make(map[string]*Session)
		us.users[userID] = devs
	}
	evicted = devs[deviceID]
	devs[deviceID] = s
	us.mu.Unlock()

	if evicted != nil {
		r.dropConnIndex(evicted)
		r.emit(SessionEvent{Kind: EventUnregistered, Session: evicted, Reason: ReasonSuperseded})
		r.closeSession(evicted)
		logger.Info("[Registry] superseded",
			zap.String("user", userID), zap.String("device", deviceID),
			zap.String("old_conn", evicted.Conn.ID()), zap.String("new_conn", conn.ID()))
	} else {
		r.count.Add(1)
		metrics.SessionsOnline.Inc()
	}
	r.emit(SessionEvent{Kind: EventRegistered, Session: s, First: first})
	return s, evicted
}

// Unregister 按连接移除；未知连接为 no-op
func (r *Registry) Unregister(conn Conn) (*Session, bool) {
	if conn == nil {
		return nil, false
	}
	cs := r.connShardOf(conn.ID())
	cs.mu.RLock()
	s := cs.conns[conn.ID()]
	cs.mu.RUnlock()
	if s == nil {
		return nil, false
	}
	return r.Remove(s, ReasonClosed)
}

// Remove 移除指定会话并关闭其连接（关闭在事件回调之后）。只删指针相同的条目，
// 旧连接迟到的 Remove 不会误删同设备的新会话。
func (r *Registry) Remove(s *Session, reason string) (removed *Session, last bool) {
	if s == nil {
		return nil, false
	}
	us := r.userShardOf(s.UserID)
	us.mu.Lock()
	devs := us.users[s.UserID]
	if cur, ok := devs[s.DeviceID]; ok && cur == s {
		delete(devs, s.DeviceID)
		if len(devs) == 0 {
			delete(us.users, s.UserID)
			last = true
		}
		removed = s
	}
	us.mu.Unlock()

	r.dropConnIndex(s)
	if removed == nil {
		r.closeSession(s)
		return nil, false
	}
	r.count.Add(-1)
	metrics.SessionsOnline.Dec()
	// 先回调再关闭：回调里推的 KICK 能排在关闭之前写出
	r.emit(SessionEvent{Kind: EventUnregistered, Session: s, Last: last, Reason: reason})
	r.closeSession(s)
	return removed, last
}

func (r *Registry) dropConnIndex(s *Session) {
	cs := r.connShardOf(s.Conn.ID())
	cs.mu.Lock()
	if cur, ok := cs.conns[s.Conn.ID()]; ok && cur == s {
		delete(cs.conns, s.Conn.ID())
	}
	cs.mu.Unlock()
}

func (r *Registry) closeSession(s *Session) {
	if err := s.Conn.Close(); err != nil {
		logger.Debugf("[Registry] close conn=%s err=%v", s.Conn.ID(), err)
	}
}

// SessionsOf 用户的全部在线会话（按 deviceId 排序）；空 = 完全离线
func (r *Registry) SessionsOf(userID string) []*Session {
	us := r.userShardOf(userID)
	us.mu.RLock()
	devs := us.users[userID]
	out := make([]*Session, 0, len(devs))
	for _, s := range devs {
		out = append(out, s)
	}
	us.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) SessionOf(userID, deviceID string) *Session {
	us := r.userShardOf(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return us.users[userID][deviceID]
}

// SessionByConn 连接 -> 会话（未握手返回 nil）
func (r *Registry) SessionByConn(connID string) *Session {
	cs := r.connShardOf(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.conns[connID]
}

// Touch 刷新活跃时间；只取读锁
func (r *Registry) Touch(conn Conn) {
	if s := r.SessionByConn(conn.ID()); s != nil {
		s.touch(r.conf.Clock())
	}
}

// Evict 集群踢人：移除本节点上 (user, device) 的会话，除非它就是 exceptConnID
func (r *Registry) Evict(userID, deviceID, exceptConnID string) bool {
	s := r.SessionOf(userID, deviceID)
	if s == nil || s.Conn.ID() == exceptConnID {
		return false
	}
	removed, _ := r.Remove(s, ReasonKicked)
	return removed != nil
}

// SweepIdle 关闭并移除 lastActiveAt 早于 now-maxIdle 的会话
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	cutoff := r.conf.Clock().Add(-maxIdle).UnixNano()
	var victims []*Session
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		for _, devs := range us.users {
			for _, s := range devs {
				if s.lastActive.Load() < cutoff {
					// 收集后统一处理，避免持锁期间关闭 socket
					victims = append(victims, s)
				}
			}
		}
		us.mu.RUnlock()
	}
	n := 0
	for _, s := range victims {
		// 收集之后可能又有心跳，复查一次
		if s.lastActive.Load() >= cutoff {
			continue
		}
		if removed, _ := r.Remove(s, ReasonIdle); removed != nil {
			n++
		}
	}
	if n > 0 {
		metrics.SweepDeleted.WithLabelValues("idle_session").Add(float64(n))
		logger.Infof("[Registry] swept %d idle sessions", n)
	}
	return n
}

// Run 空闲清理循环，ctx 结束时返回
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.SweepIdle(r.conf.MaxIdle)
		}
	}
}

// CloseAll 进程退出时关闭全部会话
func (r *Registry) CloseAll() int {
	var all []*Session
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		for _, devs := range us.users {
			for _, s := range devs {
				all = append(all, s)
			}
		}
		us.mu.RUnlock()
	}
	for _, s := range all {
		r.Remove(s, ReasonShutdown)
	}
	return len(all)
}

// Users 在线用户快照（presence 续期用）
func (r *Registry) Users() []string {
	var out []string
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		for u := range us.users {
			out = append(out, u)
		}
		us.mu.RUnlock()
	}
	return out
}

func (r *Registry) Len() int { return int(r.count.Load()) }
