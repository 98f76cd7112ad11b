package handler

import (
	"time"

	"PPChat/service/chat"
)

type PingHandler struct{}

func NewPingHandler() chat.Handler { return PingHandler{} }

func (PingHandler) Type() chat.PacketType { return chat.TypePing }

// Handle 应用层心跳；活跃时间已由读循环刷新
func (PingHandler) Handle(cc *chat.ConnContext, p *chat.Packet) error {
	return cc.Reply(p, map[string]int64{"serverTime": time.Now().UnixMilli()})
}
