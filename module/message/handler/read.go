package handler

import (
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/chat"
	"PPChat/tools/errs"
)

type ReadHandler struct {
	d *Deps
}

func NewReadHandler(d *Deps) chat.Handler { return &ReadHandler{d: d} }

func (h *ReadHandler) Type() chat.PacketType { return chat.TypeRead }

// Handle 已读：网关记录已读位置，READ_RECEIPT 只推给在线设备
func (h *ReadHandler) Handle(cc *chat.ConnContext, p *chat.Packet) error {
	req, err := chat.DecodePayload[chat.ReadReq](p)
	if err != nil {
		return err
	}
	if req.ConversationID == "" || req.LastReadMsgID <= 0 {
		return errs.ErrArgs.WrapMsg("conversationId and lastReadMsgId are required")
	}
	sess := cc.Session
	ctx, cancel := h.d.callCtx(cc.Ctx)
	res, err := h.d.Gateway.UpdateReadStatus(ctx, sess.UserID, req.ConversationID, req.LastReadMsgID)
	cancel()
	if err != nil {
		logger.Warn("[ReadHandler] update read status failed",
			zap.String("user", sess.UserID), zap.String("conv", req.ConversationID), zap.Error(err))
		return err
	}

	var notify []string
	if res.NotifyUserID != "" {
		notify = []string{res.NotifyUserID}
	}
	rctx, rcancel := h.d.routeCtx(cc.Ctx)
	cc.Server.Router().Route(rctx, &chat.Event{
		SenderID:       sess.UserID,
		SenderDeviceID: sess.DeviceID,
		ConversationID: req.ConversationID,
		MessageID:      req.LastReadMsgID,
		Participants:   notify,
		Packet: chat.NewPush(chat.TypeReadReceipt, chat.ReadReceipt{
			ConversationID: req.ConversationID,
			ReaderID:       sess.UserID,
			ReaderDeviceID: sess.DeviceID,
			LastReadMsgID:  req.LastReadMsgID,
		}),
	})
	rcancel()

	return cc.Reply(p, chat.ReadAck{ConversationID: req.ConversationID, LastReadMsgID: req.LastReadMsgID})
}
