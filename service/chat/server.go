package chat

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/tools/safe"
)

type ServerConf struct {
	NodeID        string
	UnauthTTL     time.Duration // 连上后多久内必须完成 AUTH
	MaxIdle       time.Duration // 握手后读超时
	PingInterval  time.Duration
	WriteWait     time.Duration
	SendQueueSize int
	MaxFrameBytes int64
	AllowOrigins  []string // 空或含 "*" 表示不校验
	EventBuffer   int      // 会话事件异步队列长度
}

func (c *ServerConf) norm() {
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 30 * time.Second
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 90 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 4096
	}
}

// Server 接入层：websocket 连接、帧分发、会话事件
type Server struct {
	conf      ServerConf
	reg       *Registry
	router    *Router
	disp      *Dispatcher
	upgrader  websocket.Upgrader
	events    chan SessionEvent
	observers []SessionObserver
	newConnID func() string
}

func NewServer(conf ServerConf, reg *Registry, router *Router, newConnID func() string) *Server {
	conf.norm()
	safe.MustNotNil(reg, "registry")
	safe.MustNotNil(router, "router")
	s := &Server{
		conf:      conf,
		reg:       reg,
		router:    router,
		disp:      NewDispatcher(),
		events:    make(chan SessionEvent, conf.EventBuffer),
		newConnID: newConnID,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	reg.SetEventHook(s.onSessionEvent)
	return s
}

func (s *Server) Conf() ServerConf      { return s.conf }
func (s *Server) Registry() *Registry   { return s.reg }
func (s *Server) Router() *Router       { return s.router }
func (s *Server) Disp() *Dispatcher     { return s.disp }
func (s *Server) Register(hs ...Handler) { s.disp.Register(hs...) }

// AddObserver 须在 Run 之前调用
func (s *Server) AddObserver(o SessionObserver) { s.observers = append(s.observers, o) }

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.conf.AllowOrigins) == 0 {
		return true
	}
	for _, o := range s.conf.AllowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	logger.Warn("[WS] origin rejected", zap.String("origin", origin))
	return false
}

// onSessionEvent 注册表回调（同步、锁外）：KICK 与 presence 直接推，其余交给 Run 异步处理
func (s *Server) onSessionEvent(ev SessionEvent) {
	sess := ev.Session
	switch ev.Kind {
	case EventRegistered:
		s.pushPresence(sess, true)
	case EventUnregistered:
		switch ev.Reason {
		case ReasonSuperseded, ReasonKicked:
			_ = sess.Send(NewPush(TypeKick, Kick{Reason: ev.Reason, NodeID: s.conf.NodeID}))
		}
		if ev.Reason != ReasonSuperseded {
			s.pushPresence(sess, false)
		}
	}
	if len(s.observers) == 0 {
		return
	}
	select {
	case s.events <- ev:
	default:
		logger.Warn("[Server] session event buffer full, drop",
			zap.String("user", sess.UserID), zap.String("device", sess.DeviceID))
	}
}

// pushPresence 通知同一用户的其他在线设备
func (s *Server) pushPresence(sess *Session, online bool) {
	p := NewPush(TypePresence, Presence{
		UserID:     sess.UserID,
		DeviceID:   sess.DeviceID,
		DeviceType: string(sess.DeviceType),
		Online:     online,
	})
	for _, other := range s.reg.SessionsOf(sess.UserID) {
		if other == sess || other.DeviceID == sess.DeviceID {
			continue
		}
		if err := other.Send(p); err != nil {
			logger.Debugf("[Server] presence push failed conn=%s err=%v", other.Conn.ID(), err)
		}
	}
}

// Run 把会话事件分发给观察者，ctx 结束时返回
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			for _, o := range s.observers {
				func() {
					defer safe.Recover("session-observer")
					o.OnSessionEvent(ctx, ev)
				}()
			}
		}
	}
}

// Shutdown 关闭本节点全部会话
func (s *Server) Shutdown() {
	n := s.reg.CloseAll()
	logger.Infof("[Server] shutdown closed %d sessions", n)
}
