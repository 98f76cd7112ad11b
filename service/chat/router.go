package chat

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/metrics"
	"PPChat/service/offline"
)

// OfflineQueue 路由器用到的离线队列能力；*offline.Queue 实现它
type OfflineQueue interface {
	Enqueue(ctx context.Context, target offline.Target, msgID int64, convID string, payload []byte) (bool, error)
	KnownDevices(ctx context.Context, userID string) ([]string, error)
}

// DeliveryEvent 每条被路由的消息产出一条，下游（推送通知等）消费
type DeliveryEvent struct {
	MsgID          int64    `json:"msgId"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	Live           int      `json:"live"`
	Queued         int      `json:"queued"`
	Dropped        int      `json:"dropped"`
	OfflineUsers   []string `json:"offlineUsers,omitempty"`
	At             int64    `json:"at"`
}

type EventSink interface {
	Publish(ev DeliveryEvent)
}

// Event 一次路由请求
type Event struct {
	SenderID       string
	SenderDeviceID string
	ConversationID string
	MessageID      int64
	Participants   []string
	Packet         *Packet
	// Durable 不在线的设备要落离线队列；已读回执、撤回通知、presence 只推在线
	Durable bool
}

type Outcome struct {
	Live    int // 实时推送成功的设备数
	Queued  int // 写入（或已存在）的离线记录数
	Dropped int // 既没推到也没入队
}

// Router 计算投递集合，在线推送，不在线入队
type Router struct {
	reg   *Registry
	queue OfflineQueue
	sink  EventSink
	now   func() time.Time
}

// NewRouter queue 与 sink 都可为 nil
func NewRouter(reg *Registry, queue OfflineQueue, sink EventSink) *Router {
	return &Router{reg: reg, queue: queue, sink: sink, now: time.Now}
}

// Route 不返回错误：投递失败只记录日志并计入 Dropped
func (r *Router) Route(ctx context.Context, ev *Event) Outcome {
	var out Outcome
	users := ev.Participants
	if ev.SenderID != "" {
		users = append(append(make([]string, 0, len(users)+1), users...), ev.SenderID)
	}
	devices := r.directory(ctx, users, ev.Durable)
	targets := DeliverySet(ev.SenderID, ev.SenderDeviceID, ev.Participants, devices)
	if len(targets) == 0 {
		return out
	}

	data, err := ev.Packet.Encode()
	if err != nil {
		logger.Error("[Router] encode packet failed", zap.Int64("msgId", ev.MessageID), zap.Error(err))
		out.Dropped = len(targets)
		metrics.Dropped.Add(float64(out.Dropped))
		return out
	}

	// user -> 没推到的设备；wholeUser: 该用户没有任何已知设备
	absent := make(map[string][]string)
	wholeUser := make(map[string]bool)
	var order []string
	markAbsent := func(t offline.Target) {
		if _, ok := absent[t.UserID]; !ok && !wholeUser[t.UserID] {
			order = append(order, t.UserID)
		}
		if t.IsAll() {
			wholeUser[t.UserID] = true
			return
		}
		absent[t.UserID] = append(absent[t.UserID], t.DeviceID)
	}

	for _, t := range targets {
		if t.IsAll() {
			markAbsent(t)
			continue
		}
		s := r.reg.SessionOf(t.UserID, t.DeviceID)
		if s == nil {
			markAbsent(t)
			continue
		}
		if err := s.Conn.Push(data); err != nil {
			metrics.Pushes.WithLabelValues("failed").Inc()
			logger.Warn("[Router] push failed, unregister stale session",
				zap.String("user", t.UserID), zap.String("device", t.DeviceID),
				zap.String("conn", s.Conn.ID()), zap.Error(err))
			r.reg.Remove(s, ReasonStale)
			markAbsent(t)
			continue
		}
		metrics.Pushes.WithLabelValues("live").Inc()
		out.Live++
	}

	var offlineUsers []string
	if ev.Durable && len(order) > 0 {
		payload := r.snapshot(ev)
		for _, u := range order {
			target := offline.AllDevicesOf(u)
			if devs := absent[u]; !wholeUser[u] && len(devs) == 1 {
				target = offline.Device(u, devs[0])
			}
			if r.queue == nil {
				out.Dropped++
				continue
			}
			if _, err := r.queue.Enqueue(ctx, target, ev.MessageID, ev.ConversationID, payload); err != nil {
				logger.Error("[Router] enqueue offline failed",
					zap.String("target", target.String()), zap.Int64("msgId", ev.MessageID), zap.Error(err))
				out.Dropped++
				continue
			}
			out.Queued++
			offlineUsers = append(offlineUsers, u)
		}
	}

	metrics.Queued.Add(float64(out.Queued))
	metrics.Dropped.Add(float64(out.Dropped))
	if ev.Durable && r.sink != nil {
		r.sink.Publish(DeliveryEvent{
			MsgID:          ev.MessageID,
			ConversationID: ev.ConversationID,
			SenderID:       ev.SenderID,
			Live:           out.Live,
			Queued:         out.Queued,
			Dropped:        out.Dropped,
			OfflineUsers:   offlineUsers,
			At:             r.now().UnixMilli(),
		})
	}
	logger.Debug("[Router] routed",
		zap.Int64("msgId", ev.MessageID), zap.String("conv", ev.ConversationID),
		zap.Int("live", out.Live), zap.Int("queued", out.Queued), zap.Int("dropped", out.Dropped))
	return out
}

// directory 在线设备 ∪ 离线目录里的已知设备；目录查询在注册表锁外进行
func (r *Router) directory(ctx context.Context, users []string, withKnown bool) map[string][]string {
	out := make(map[string][]string, len(users))
	for _, u := range users {
		if _, done := out[u]; done || u == "" {
			continue
		}
		var devs []string
		for _, s := range r.reg.SessionsOf(u) {
			devs = append(devs, s.DeviceID)
		}
		if withKnown && r.queue != nil {
			known, err := r.queue.KnownDevices(ctx, u)
			if err != nil {
				logger.Warn("[Router] known devices lookup failed", zap.String("user", u), zap.Error(err))
			}
			devs = append(devs, known...)
		}
		out[u] = devs
	}
	return out
}

// snapshot 离线记录保存推送帧的负载，drain 时无需回查
func (r *Router) snapshot(ev *Event) []byte {
	if ev.Packet == nil || ev.Packet.Payload == nil {
		return nil
	}
	b, err := json.Marshal(ev.Packet.Payload)
	if err != nil {
		logger.Warn("[Router] snapshot payload failed", zap.Int64("msgId", ev.MessageID), zap.Error(err))
		return nil
	}
	return b
}
