package chat

import (
	"context"
)

// Handler 按帧类型注册的业务处理器。返回的错误由读循环转成错误响应。
type Handler interface {
	Type() PacketType
	Handle(cc *ConnContext, p *Packet) error
}

// SessionObserver 会话上下线的异步观察者（presence 目录、集群踢人等）
type SessionObserver interface {
	OnSessionEvent(ctx context.Context, ev SessionEvent)
}

// ConnContext 一条连接的处理上下文；只在该连接的读协程里使用
type ConnContext struct {
	Ctx     context.Context
	Server  *Server
	Conn    Conn
	Session *Session // AUTH 成功前为 nil
}

func (cc *ConnContext) Authed() bool { return cc.Session != nil }

func (cc *ConnContext) send(p *Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	return cc.Conn.Push(data)
}

// Reply 成功响应
func (cc *ConnContext) Reply(req *Packet, data any) error {
	return cc.send(NewReply(req, data))
}

// ReplyError 错误响应；code 取自 errs.CodeError
func (cc *ConnContext) ReplyError(req *Packet, err error) error {
	return cc.send(NewErrorReply(req, err))
}
