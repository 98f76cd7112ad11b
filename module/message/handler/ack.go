package handler

import (
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/chat"
)

// MessageAckHandler 客户端收到 NEW_MESSAGE 后的确认。
// 只标记投递给本设备的离线记录，不移动同步游标；没有响应帧。
type MessageAckHandler struct {
	d *Deps
}

func NewMessageAckHandler(d *Deps) chat.Handler { return &MessageAckHandler{d: d} }

func (h *MessageAckHandler) Type() chat.PacketType { return chat.TypeMessageAck }

func (h *MessageAckHandler) Handle(cc *chat.ConnContext, p *chat.Packet) error {
	req, err := chat.DecodePayload[chat.MessageAckReq](p)
	if err != nil {
		return err
	}
	if len(req.MessageIDs) == 0 || h.d.Queue == nil {
		return nil
	}
	sess := cc.Session
	ctx, cancel := h.d.callCtx(cc.Ctx)
	defer cancel()
	n, err := h.d.Queue.AcknowledgeMessages(ctx, sess.UserID, sess.DeviceID, req.MessageIDs)
	if err != nil {
		// 确认失败只会导致重复投递，客户端按 msgId 去重
		logger.Warn("[MessageAckHandler] acknowledge failed",
			zap.String("user", sess.UserID), zap.String("device", sess.DeviceID), zap.Error(err))
		return nil
	}
	logger.Debug("[MessageAckHandler] acked",
		zap.String("user", sess.UserID), zap.String("device", sess.DeviceID), zap.Int("n", n))
	return nil
}
