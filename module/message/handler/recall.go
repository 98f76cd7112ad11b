package handler

import (
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/chat"
	"PPChat/tools/errs"
)

type RecallHandler struct {
	d *Deps
}

func NewRecallHandler(d *Deps) chat.Handler { return &RecallHandler{d: d} }

func (h *RecallHandler) Type() chat.PacketType { return chat.TypeRecall }

// Handle 撤回：权限和时限由网关判断；通知只推在线设备
func (h *RecallHandler) Handle(cc *chat.ConnContext, p *chat.Packet) error {
	req, err := chat.DecodePayload[chat.RecallReq](p)
	if err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return errs.ErrArgs.WrapMsg("messageId is required")
	}
	sess := cc.Session
	log := logger.With(zap.String("user", sess.UserID), zap.Int64("msgId", req.MessageID))

	ctx, cancel := h.d.callCtx(cc.Ctx)
	res, err := h.d.Gateway.RecallMessage(ctx, sess.UserID, req.MessageID)
	cancel()
	if err != nil {
		log.Warn("[RecallHandler] recall failed", zap.Error(err))
		return err
	}

	ctx, cancel = h.d.callCtx(cc.Ctx)
	participants, err := h.d.Gateway.GetParticipants(ctx, res.ConversationID)
	cancel()
	if err != nil {
		log.Warn("[RecallHandler] participants lookup failed", zap.String("conv", res.ConversationID), zap.Error(err))
	}

	notice := chat.RecallNotice{
		MessageID:      req.MessageID,
		ConversationID: res.ConversationID,
		OperatorID:     sess.UserID,
	}
	rctx, rcancel := h.d.routeCtx(cc.Ctx)
	cc.Server.Router().Route(rctx, &chat.Event{
		SenderID:       sess.UserID,
		SenderDeviceID: sess.DeviceID,
		ConversationID: res.ConversationID,
		MessageID:      req.MessageID,
		Participants:   participants,
		Packet:         chat.NewPush(chat.TypeRecallNotice, notice),
	})
	rcancel()

	return cc.Reply(p, notice)
}
