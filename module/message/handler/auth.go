package handler

import (
	"time"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/chat"
	"PPChat/tools/errs"
)

type AuthHandler struct {
	d *Deps
}

func NewAuthHandler(d *Deps) chat.Handler { return &AuthHandler{d: d} }

func (h *AuthHandler) Type() chat.PacketType { return chat.TypeAuth }

// Handle 握手：校验 token -> 确保设备游标存在 -> 注册会话（同设备旧连接被挤掉）
func (h *AuthHandler) Handle(cc *chat.ConnContext, p *chat.Packet) error {
	req, err := chat.DecodePayload[chat.AuthReq](p)
	if err != nil {
		return err
	}
	if req.UserID == "" || req.DeviceID == "" {
		return errs.ErrArgs.WrapMsg("userId and deviceId are required")
	}
	dt, err := chat.ParseDeviceType(req.DeviceType)
	if err != nil {
		return err
	}
	if h.d.Verifier != nil {
		claims, err := h.d.Verifier.Verify(req.Token)
		if err != nil {
			return err
		}
		if claims.UserID != req.UserID {
			return errs.ErrUnauthorized.WrapMsg("token subject mismatch", "userId", req.UserID)
		}
		if claims.DeviceID != "" && claims.DeviceID != req.DeviceID {
			return errs.ErrUnauthorized.WrapMsg("token device mismatch", "deviceId", req.DeviceID)
		}
	}

	if h.d.Queue != nil {
		// 设备进入已知设备目录；失败不影响上线，只是离线时少一条精确记录
		ctx, cancel := h.d.callCtx(cc.Ctx)
		if err := h.d.Queue.EnsureDevice(ctx, req.UserID, req.DeviceID); err != nil {
			logger.Warn("[AuthHandler] ensure device cursor failed",
				zap.String("user", req.UserID), zap.String("device", req.DeviceID), zap.Error(err))
		}
		cancel()
	}

	srv := cc.Server
	sess, evicted := srv.Registry().Register(cc.Conn, req.UserID, req.DeviceID, dt)
	cc.Session = sess
	logger.Info("[AuthHandler] authenticated",
		zap.String("user", req.UserID), zap.String("device", req.DeviceID),
		zap.String("conn", cc.Conn.ID()), zap.Bool("superseded", evicted != nil))

	return cc.Reply(p, chat.AuthAck{
		ConnID:         cc.Conn.ID(),
		UserID:         sess.UserID,
		DeviceID:       sess.DeviceID,
		NodeID:         srv.Conf().NodeID,
		ServerTime:     time.Now().UnixMilli(),
		PingIntervalMs: srv.Conf().PingInterval.Milliseconds(),
		Superseded:     evicted != nil,
	})
}
