package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"PPChat/logger"
	"PPChat/service/metrics"
	"PPChat/tools/errs"
)

const HeaderRequestID = "X-Request-Id"

type ClientConf struct {
	BaseURL string
	Token   string // 内部调用令牌（Bearer）
	Timeout time.Duration
	Retries int // 只对读接口生效
}

// Client 基于 resty 的 HTTP 实现
type Client struct {
	rc *resty.Client
}

var _ Gateway = (*Client)(nil)

// envelope CRUD 服务统一响应 {code, msg, data}
type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func NewClient(conf ClientConf) *Client {
	if conf.Timeout <= 0 {
		conf.Timeout = 3 * time.Second
	}
	rc := resty.New().
		SetBaseURL(conf.BaseURL).
		SetTimeout(conf.Timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(conf.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// 写接口不重试：持久化失败必须如实告诉发送方
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if r.Header.Get(HeaderRequestID) == "" {
				r.SetHeader(HeaderRequestID, uuid.NewString())
			}
			return nil
		})
	if conf.Token != "" {
		rc.SetAuthToken(conf.Token)
	}
	return &Client{rc: rc}
}

func call[T any](ctx context.Context, c *Client, op, method, path string, body any, query map[string]string) (T, error) {
	var env envelope[T]
	req := c.rc.R().SetContext(ctx).SetResult(&env).SetError(&env)
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Execute(method, path)
	if err := check(op, resp, err, env.Code, env.Msg); err != nil {
		metrics.GatewayErrors.WithLabelValues(op).Inc()
		logger.Warnf("[Gateway] %s %s failed: %v", method, path, err)
		var zero T
		return zero, err
	}
	return env.Data, nil
}

func check(op string, resp *resty.Response, err error, code int, msg string) error {
	if err != nil {
		return errs.ErrGatewayUnavailable.WrapMsg(op, "err", err)
	}
	st := resp.StatusCode()
	switch {
	case st >= http.StatusInternalServerError:
		return errs.ErrGatewayUnavailable.WrapMsg(op, "status", st, "msg", msg)
	case st == http.StatusNotFound:
		return errs.ErrNotFound.WrapMsg(op, "msg", msg)
	case st >= http.StatusBadRequest:
		return errs.ErrArgs.WrapMsg(op, "status", st, "msg", msg)
	}
	if code != 0 && code != errs.CodeOK {
		return errs.NewCodeError(code, msg).WrapMsg(op)
	}
	return nil
}

func (c *Client) PersistMessage(ctx context.Context, req PersistRequest) (*PersistResult, error) {
	out, err := call[PersistResult](ctx, c, "persistMessage", http.MethodPost, "/internal/messages", req, nil)
	if err != nil {
		return nil, err
	}
	if out.MsgID == 0 {
		return nil, errs.ErrGatewayUnavailable.WrapMsg("persistMessage returned no msgId")
	}
	return &out, nil
}

func (c *Client) GetParticipants(ctx context.Context, conversationID string) ([]string, error) {
	return call[[]string](ctx, c, "getParticipants", http.MethodGet,
		"/internal/conversations/"+conversationID+"/participants", nil, nil)
}

func (c *Client) GetMessagesSince(ctx context.Context, userID, conversationID string, afterMsgID int64, limit int) ([]Message, error) {
	return call[[]Message](ctx, c, "getMessagesSince", http.MethodGet, "/internal/messages/since", nil, map[string]string{
		"userId":         userID,
		"conversationId": conversationID,
		"after":          strconv.FormatInt(afterMsgID, 10),
		"limit":          strconv.Itoa(limit),
	})
}

func (c *Client) UpdateReadStatus(ctx context.Context, userID, conversationID string, lastReadMsgID int64) (*ReadResult, error) {
	out, err := call[ReadResult](ctx, c, "updateReadStatus", http.MethodPost, "/internal/read-status", map[string]any{
		"userId":         userID,
		"conversationId": conversationID,
		"lastReadMsgId":  lastReadMsgID,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RecallMessage(ctx context.Context, userID string, msgID int64) (*RecallResult, error) {
	out, err := call[RecallResult](ctx, c, "recallMessage", http.MethodPost,
		"/internal/messages/"+strconv.FormatInt(msgID, 10)+"/recall", map[string]any{"userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QueueOffline(ctx context.Context, req QueueOfflineRequest) (bool, error) {
	out, err := call[struct {
		Inserted bool `json:"inserted"`
	}](ctx, c, "queueOffline", http.MethodPost, "/internal/offline", req, nil)
	return out.Inserted, err
}

func (c *Client) GetPendingOffline(ctx context.Context, userID, deviceID string, afterMsgID int64, limit int) (*PendingOffline, error) {
	out, err := call[PendingOffline](ctx, c, "getPendingOffline", http.MethodGet, "/internal/offline/pending", nil, map[string]string{
		"userId":   userID,
		"deviceId": deviceID,
		"after":    strconv.FormatInt(afterMsgID, 10),
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AcknowledgeOffline(ctx context.Context, userID, deviceID string, msgIDs []int64) (int, error) {
	out, err := call[struct {
		Acked int `json:"acked"`
	}](ctx, c, "acknowledgeOffline", http.MethodPost, "/internal/offline/ack", map[string]any{
		"userId":     userID,
		"deviceId":   deviceID,
		"messageIds": msgIDs,
	}, nil)
	return out.Acked, err
}
