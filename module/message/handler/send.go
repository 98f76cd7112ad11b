package handler

import (
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/chat"
	"PPChat/service/gateway"
	"PPChat/service/storage"
	"PPChat/tools/errs"
)

type SendHandler struct {
	d *Deps
}

func NewSendHandler(d *Deps) chat.Handler { return &SendHandler{d: d} }

func (h *SendHandler) Type() chat.PacketType { return chat.TypeSend }

// Handle 发消息：幂等检查 -> 落库 -> 路由 -> SEND_ACK。
// 落库失败直接把错误回给发送方，不做任何投递。
func (h *SendHandler) Handle(cc *chat.ConnContext, p *chat.Packet) error {
	req, err := chat.DecodePayload[chat.SendReq](p)
	if err != nil {
		return err
	}
	if req.ConversationID == "" {
		return errs.ErrArgs.WrapMsg("conversationId is required")
	}
	sess := cc.Session
	log := logger.With(zap.String("user", sess.UserID), zap.String("device", sess.DeviceID),
		zap.String("conv", req.ConversationID), zap.String("clientMsgId", req.ClientMsgID))

	if h.d.MsgIndex != nil && req.ClientMsgID != "" {
		ctx, cancel := h.d.callCtx(cc.Ctx)
		e, ok, err := h.d.MsgIndex.Lookup(ctx, sess.UserID, req.ClientMsgID)
		cancel()
		if err != nil {
			log.Warn("[SendHandler] client msg index lookup failed", zap.Error(err))
		}
		if ok {
			log.Info("[SendHandler] duplicate send", zap.Int64("msgId", e.MsgID))
			return cc.Reply(p, chat.SendAck{
				MsgID:           e.MsgID,
				ConversationID:  req.ConversationID,
				ClientMsgID:     req.ClientMsgID,
				ServerTimestamp: e.ServerTimestamp,
				Duplicate:       true,
			})
		}
	}

	ctx, cancel := h.d.callCtx(cc.Ctx)
	res, err := h.d.Gateway.PersistMessage(ctx, gateway.PersistRequest{
		SenderID:       sess.UserID,
		DeviceID:       sess.DeviceID,
		ConversationID: req.ConversationID,
		Type:           req.Type,
		Content:        req.Content,
		Metadata:       req.Metadata,
		QuoteID:        req.QuoteID,
		MentionedIDs:   req.MentionedIDs,
		ClientMsgID:    req.ClientMsgID,
	})
	cancel()
	if err != nil {
		log.Error("[SendHandler] persist failed", zap.Error(err))
		return err
	}

	ctx, cancel = h.d.callCtx(cc.Ctx)
	participants, err := h.d.Gateway.GetParticipants(ctx, req.ConversationID)
	cancel()
	if err != nil {
		// 已落库：收件方靠游标补偿拿到这条消息
		log.Error("[SendHandler] participants lookup failed", zap.Int64("msgId", res.MsgID), zap.Error(err))
	}

	msg := gateway.Message{
		MsgID:           res.MsgID,
		ConversationID:  req.ConversationID,
		SenderID:        sess.UserID,
		SenderDeviceID:  sess.DeviceID,
		Type:            req.Type,
		Content:         req.Content,
		Metadata:        req.Metadata,
		QuoteID:         req.QuoteID,
		MentionedIDs:    req.MentionedIDs,
		ClientMsgID:     req.ClientMsgID,
		ServerTimestamp: res.ServerTimestamp,
	}
	rctx, rcancel := h.d.routeCtx(cc.Ctx)
	out := cc.Server.Router().Route(rctx, &chat.Event{
		SenderID:       sess.UserID,
		SenderDeviceID: sess.DeviceID,
		ConversationID: req.ConversationID,
		MessageID:      res.MsgID,
		Participants:   participants,
		Packet:         chat.NewPush(chat.TypeNewMessage, msg),
		Durable:        true,
	})
	rcancel()

	if h.d.MsgIndex != nil && req.ClientMsgID != "" {
		ctx, cancel := h.d.callCtx(cc.Ctx)
		err := h.d.MsgIndex.Remember(ctx, sess.UserID, req.ClientMsgID,
			storage.SentEntry{MsgID: res.MsgID, ServerTimestamp: res.ServerTimestamp})
		cancel()
		if err != nil {
			log.Warn("[SendHandler] remember client msg id failed", zap.Error(err))
		}
	}

	return cc.Reply(p, chat.SendAck{
		MsgID:           res.MsgID,
		ConversationID:  req.ConversationID,
		ClientMsgID:     req.ClientMsgID,
		ServerTimestamp: res.ServerTimestamp,
		Live:            out.Live,
		Queued:          out.Queued,
	})
}
