package handler

import (
	"PPChat/service/chat"
	"PPChat/service/offline"
	"PPChat/tools/errs"
)

type SyncHandler struct {
	d *Deps
}

func NewSyncHandler(d *Deps) chat.Handler { return &SyncHandler{d: d} }

func (h *SyncHandler) Type() chat.PacketType { return chat.TypeSync }

// Handle 重连补偿的一页；客户端处理完后用 SYNC_ACK 提交
func (h *SyncHandler) Handle(cc *chat.ConnContext, p *chat.Packet) error {
	if h.d.Queue == nil {
		return errs.ErrInternal.WrapMsg("offline queue not configured")
	}
	req, err := chat.DecodePayload[chat.SyncReq](p)
	if err != nil {
		return err
	}
	sess := cc.Session
	ctx, cancel := h.d.syncCtx(cc.Ctx)
	defer cancel()
	res, err := h.d.Queue.Sync(ctx, offline.SyncRequest{
		UserID:          sess.UserID,
		DeviceID:        sess.DeviceID,
		After:           req.After,
		Limit:           req.Limit,
		ConversationIDs: req.ConversationIDs,
	})
	if err != nil {
		return err
	}
	return cc.Reply(p, res)
}

type SyncAckHandler struct {
	d *Deps
}

func NewSyncAckHandler(d *Deps) chat.Handler { return &SyncAckHandler{d: d} }

func (h *SyncAckHandler) Type() chat.PacketType { return chat.TypeSyncAck }

func (h *SyncAckHandler) Handle(cc *chat.ConnContext, p *chat.Packet) error {
	if h.d.Queue == nil {
		return errs.ErrInternal.WrapMsg("offline queue not configured")
	}
	req, err := chat.DecodePayload[chat.SyncAckReq](p)
	if err != nil {
		return err
	}
	sess := cc.Session
	ctx, cancel := h.d.callCtx(cc.Ctx)
	defer cancel()
	res, err := h.d.Queue.Commit(ctx, offline.CommitRequest{
		UserID:        sess.UserID,
		DeviceID:      sess.DeviceID,
		RecordIDs:     req.RecordIDs,
		All:           req.All,
		LastMessageID: req.LastMessageID,
	})
	if err != nil {
		return err
	}
	return cc.Reply(p, chat.SyncAckResp{Acked: res.Acked, Cursor: res.Cursor})
}
