package handler

import (
	"context"
	"time"

	"PPChat/service/chat"
	"PPChat/service/gateway"
	"PPChat/service/offline"
	"PPChat/service/storage"
	"PPChat/tools/security"
)

// Deps 各帧处理器共享的依赖
type Deps struct {
	Gateway  gateway.Gateway
	Queue    *offline.Queue
	Verifier *security.Verifier     // nil = 不校验 token，直接信任握手 userId
	MsgIndex storage.ClientMsgIndex // nil = 不做 clientMsgId 幂等

	CallTimeout  time.Duration // 单次网关调用
	RouteTimeout time.Duration // 一次路由（含离线入队）
}

func (d *Deps) norm() {
	if d.CallTimeout <= 0 {
		d.CallTimeout = 3 * time.Second
	}
	if d.RouteTimeout <= 0 {
		d.RouteTimeout = 5 * time.Second
	}
}

func (d *Deps) callCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d.CallTimeout)
}

// syncCtx 队列查询 + 游标读取各一次网关级调用，catch-up 另有 SyncBudget
func (d *Deps) syncCtx(parent context.Context) (context.Context, context.CancelFunc) {
	budget := d.CallTimeout
	if d.Queue != nil {
		budget += d.Queue.Conf().SyncBudget
	}
	return context.WithTimeout(parent, budget)
}

// routeCtx 路由不随连接断开而取消：消息已经落库，离线入队必须做完
func (d *Deps) routeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), d.RouteTimeout)
}

// RegisterAll 把全部帧处理器挂到 server 上
func RegisterAll(srv *chat.Server, d *Deps) {
	d.norm()
	srv.Register(
		NewAuthHandler(d),
		NewPingHandler(),
		NewSendHandler(d),
		NewMessageAckHandler(d),
		NewReadHandler(d),
		NewRecallHandler(d),
		NewSyncHandler(d),
		NewSyncAckHandler(d),
	)
}
