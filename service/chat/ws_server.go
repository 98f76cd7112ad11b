package chat

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/tools/errs"
)

// HandleWS GET /ws：一条连接一个读协程（当前 gin 协程）+ 一个写协程
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败；Upgrade 已经写回了 HTTP 错误
		logger.Infof("[WS] upgrade failed remote=%s err=%v", c.Request.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(s.conf.MaxFrameBytes)

	conn := newWSConn(s.newConnID(), ws, s.conf.SendQueueSize, s.conf.WriteWait, s.conf.PingInterval)
	go conn.writePump()

	ctx, cancel := context.WithCancel(c.Request.Context())
	cc := &ConnContext{Ctx: ctx, Server: s, Conn: conn}
	log := logger.With(zap.String("conn", conn.ID()), zap.String("remote", conn.RemoteAddr()))

	deadline := func() time.Duration {
		if cc.Authed() {
			return s.conf.MaxIdle
		}
		return s.conf.UnauthTTL
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.UnauthTTL))
	ws.SetPongHandler(func(string) error {
		s.reg.Touch(conn)
		return ws.SetReadDeadline(time.Now().Add(deadline()))
	})

	s.readLoop(cc, ws, deadline, log)

	// 退出：注销（stale 连接为 no-op）、关闭、等写协程收尾
	cancel()
	if sess, removed := s.reg.Unregister(conn); sess != nil {
		log.Info("[WS] session closed", zap.String("user", sess.UserID), zap.String("device", sess.DeviceID), zap.Bool("last", removed))
	}
	_ = conn.Close()
	<-conn.exited
}

func (s *Server) readLoop(cc *ConnContext, ws *websocket.Conn, deadline func() time.Duration, log *zap.Logger) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.Debug("[WS] peer closed", zap.Error(err))
			case errors.As(err, &ne) && ne.Timeout():
				log.Info("[WS] read timeout", zap.Bool("authed", cc.Authed()))
			default:
				log.Debug("[WS] read error", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline()))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.reg.Touch(cc.Conn)

		p, err := ParsePacket(data)
		if err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			log.Info("[WS] bad frame", zap.Error(err), zap.ByteString("sample", sample), zap.Int("len", len(data)))
			_ = cc.ReplyError(nil, err)
			continue
		}

		switch {
		case p.Type == TypeAuth && cc.Authed():
			_ = cc.ReplyError(p, errs.ErrArgs.WrapMsg("already authenticated"))
			continue
		case p.Type != TypeAuth && !cc.Authed():
			_ = cc.ReplyError(p, errs.ErrNotAuthenticated.Wrap())
			continue
		}

		if err := s.disp.Dispatch(cc, p); err != nil {
			log.Debug("[WS] handler error", zap.String("type", p.Type.String()), zap.Error(err))
			if rerr := cc.ReplyError(p, err); rerr != nil {
				log.Debug("[WS] reply failed", zap.Error(rerr))
			}
		}
	}
}
