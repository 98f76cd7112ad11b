package natsx

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/chat"
	"PPChat/tools/safe"
)

// KickMessage 某节点上 (user, device) 新建了会话
type KickMessage struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	NodeID   string `json:"nodeId"`
	ConnID   string `json:"connId"`
}

// Evictor *chat.Registry 实现它
type Evictor interface {
	Evict(userID, deviceID, exceptConnID string) bool
}

// Kicker 集群内一个设备只保留一条会话：本节点注册时广播，
// 其他节点收到后踢掉自己那条。
type Kicker struct {
	bus     Bus
	subject string
	nodeID  string
	evictor Evictor
	unsub   func() error
}

var _ chat.SessionObserver = (*Kicker)(nil)

func NewKicker(bus Bus, subject, nodeID string, evictor Evictor) *Kicker {
	safe.MustNotNil(bus, "nats bus")
	safe.MustNotNil(evictor, "evictor")
	return &Kicker{bus: bus, subject: subject, nodeID: nodeID, evictor: evictor}
}

func (k *Kicker) Start() error {
	unsub, err := k.bus.Subscribe(k.subject, k.handle)
	if err != nil {
		return err
	}
	k.unsub = unsub
	return nil
}

func (k *Kicker) Stop() error {
	if k.unsub == nil {
		return nil
	}
	return k.unsub()
}

func (k *Kicker) OnSessionEvent(_ context.Context, ev chat.SessionEvent) {
	if ev.Kind != chat.EventRegistered {
		return
	}
	s := ev.Session
	data, err := json.Marshal(KickMessage{UserID: s.UserID, DeviceID: s.DeviceID, NodeID: k.nodeID, ConnID: s.Conn.ID()})
	if err != nil {
		return
	}
	if err := k.bus.Publish(k.subject, data); err != nil {
		logger.Warn("[Kicker] publish failed", zap.String("user", s.UserID), zap.String("device", s.DeviceID), zap.Error(err))
	}
}

func (k *Kicker) handle(data []byte) {
	defer safe.Recover("nats-kick")
	var m KickMessage
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warn("[Kicker] bad kick message", zap.Error(err))
		return
	}
	if m.NodeID == k.nodeID || m.UserID == "" || m.DeviceID == "" {
		return
	}
	if k.evictor.Evict(m.UserID, m.DeviceID, m.ConnID) {
		logger.Info("[Kicker] evicted session taken over by another node",
			zap.String("user", m.UserID), zap.String("device", m.DeviceID), zap.String("node", m.NodeID))
	}
}
