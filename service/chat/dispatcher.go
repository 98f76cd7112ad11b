package chat

import (
	"PPChat/tools/errs"
)

type Dispatcher struct {
	handlers map[PacketType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[PacketType]Handler)}
}

// Register 同类型后注册的覆盖先注册的
func (d *Dispatcher) Register(hs ...Handler) {
	for _, h := range hs {
		d.handlers[h.Type()] = h
	}
}

func (d *Dispatcher) GetHandler(t PacketType) Handler {
	return d.handlers[t]
}

func (d *Dispatcher) Dispatch(cc *ConnContext, p *Packet) error {
	h, ok := d.handlers[p.Type]
	if !ok {
		return errs.ErrArgs.WrapMsg("no handler", "type", p.Type.String())
	}
	return h.Handle(cc, p)
}
