package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"PPChat/logger"
	mid "PPChat/middleware"
	midsec "PPChat/middleware/security"
	"PPChat/service/chat"
	"PPChat/service/offline"
	"PPChat/service/storage"
	"PPChat/tools/errs"
)

// PresenceLookup 集群在线目录；*storage.Presence 实现它
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) ([]storage.PresenceEntry, error)
}

type Options struct {
	Server     *chat.Server
	Queue      *offline.Queue
	Presence   PresenceLookup // nil = 只看本节点
	AdminToken string         // /internal/* 访问令牌；空 = 不校验
}

// NewEngine HTTP 入口：/ws、健康检查、指标、内部排查接口
func NewEngine(o Options) *gin.Engine {
	r := gin.New()
	mgr := mid.NewManager()
	mgr.Add(mid.Recovery(), mid.AccessLog())
	r.Use(mgr.Handlers()...)

	h := &handlers{srv: o.Server, queue: o.Queue, presence: o.Presence}
	r.GET("/ws", o.Server.HandleWS)
	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := r.Group("/internal")
	opt := mid.RouteOpt{Auth: midsec.Middleware(midsec.DefaultOptions(o.AdminToken))}
	mid.GET(internal, "/sessions/:userId", h.sessions, opt)
	mid.DELETE(internal, "/sessions/:userId/:deviceId", h.kick, opt)
	mid.GET(internal, "/offline/:userId/:deviceId", h.offline, opt)
	return r
}

type handlers struct {
	srv      *chat.Server
	queue    *offline.Queue
	presence PresenceLookup
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, chat.Reply{Code: errs.CodeOK, Data: data})
}

func fail(c *gin.Context, status int, err error) {
	ce := errs.AsCode(err)
	msg := ce.Msg
	if ce.Detail != "" {
		msg += ": " + ce.Detail
	}
	c.AbortWithStatusJSON(status, chat.Reply{Code: ce.Code, Msg: msg})
}

func (h *handlers) healthz(c *gin.Context) {
	ok(c, gin.H{
		"node":     h.srv.Conf().NodeID,
		"sessions": h.srv.Registry().Len(),
	})
}

type sessionView struct {
	DeviceID     string `json:"deviceId"`
	DeviceType   string `json:"deviceType"`
	ConnID       string `json:"connId"`
	RemoteAddr   string `json:"remoteAddr"`
	ConnectedAt  int64  `json:"connectedAt"`
	LastActiveAt int64  `json:"lastActiveAt"`
}

func (h *handlers) sessions(c *gin.Context) {
	userID := c.Param("userId")
	ss := h.srv.Registry().SessionsOf(userID)
	out := make([]sessionView, 0, len(ss))
	for _, s := range ss {
		out = append(out, sessionView{
			DeviceID:     s.DeviceID,
			DeviceType:   string(s.DeviceType),
			ConnID:       s.Conn.ID(),
			RemoteAddr:   s.Conn.RemoteAddr(),
			ConnectedAt:  s.ConnectedAt.UnixMilli(),
			LastActiveAt: s.LastActiveAt().UnixMilli(),
		})
	}
	resp := gin.H{"userId": userID, "sessions": out}
	if h.presence != nil {
		// 目录查不到时仍返回本节点会话
		cluster, err := h.presence.Lookup(c.Request.Context(), userID)
		if err != nil {
			logger.Warn("[API] presence lookup failed", zap.String("user", userID), zap.Error(err))
		} else {
			resp["cluster"] = cluster
		}
	}
	ok(c, resp)
}

// kick 运维踢下线
func (h *handlers) kick(c *gin.Context) {
	if !h.srv.Registry().Evict(c.Param("userId"), c.Param("deviceId"), "") {
		fail(c, http.StatusNotFound, errs.ErrNotFound.WrapMsg("session not found"))
		return
	}
	ok(c, gin.H{"kicked": true})
}

func (h *handlers) offline(c *gin.Context) {
	if h.queue == nil {
		fail(c, http.StatusServiceUnavailable, errs.ErrInternal.WrapMsg("offline queue not configured"))
		return
	}
	after, err := queryInt(c, "after")
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	userID, deviceID := c.Param("userId"), c.Param("deviceId")
	page, err := h.queue.Peek(c.Request.Context(), userID, deviceID, after, int(limit))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	st, err := h.queue.Cursor(c.Request.Context(), userID, deviceID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	records := make([]gin.H, 0, len(page.Records))
	for _, r := range page.Records {
		records = append(records, gin.H{
			"recordId":       r.ID,
			"msgId":          r.MessageID,
			"conversationId": r.ConversationID,
			"createdAt":      r.CreatedAt.UnixMilli(),
			"expiredAt":      r.ExpiredAt.UnixMilli(),
			"retryCount":     r.RetryCount,
		})
	}
	resp := gin.H{"records": records, "hasMore": page.HasMore, "next": page.Next}
	if st != nil {
		resp["cursor"] = gin.H{
			"lastSyncedMsgId": st.LastSyncedMsgID,
			"lastSyncedAt":    st.LastSyncedAt.Format(time.RFC3339),
		}
	}
	ok(c, resp)
}

func queryInt(c *gin.Context, key string) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errs.ErrArgs.WrapMsg("bad query parameter", key, v)
	}
	return n, nil
}
