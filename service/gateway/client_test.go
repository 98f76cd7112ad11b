package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPChat/tools/errs"
)

func writeEnv(w http.ResponseWriter, status, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewClient(ClientConf{BaseURL: ts.URL, Token: "tk", Retries: retries})
}

func TestPersistMessage(t *testing.T) {
	var got PersistRequest
	var auth, reqID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/messages", r.URL.Path)
		auth = r.Header.Get("Authorization")
		reqID = r.Header.Get(HeaderRequestID)
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeEnv(w, http.StatusOK, 0, "", map[string]any{"msgId": 42, "serverTimestamp": 1700})
	}, 0)

	res, err := c.PersistMessage(context.Background(), PersistRequest{
		SenderID: "u1", DeviceID: "d1", ConversationID: "c1", Content: "hi", ClientMsgID: "cm-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.MsgID)
	assert.Equal(t, int64(1700), res.ServerTimestamp)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "cm-1", got.ClientMsgID)
	assert.Equal(t, "Bearer tk", auth)
	assert.NotEmpty(t, reqID)
}

func TestPersistMessageZeroID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnv(w, http.StatusOK, 0, "", map[string]any{"msgId": 0})
	}, 0)
	_, err := c.PersistMessage(context.Background(), PersistRequest{SenderID: "u1"})
	assert.True(t, errors.Is(err, errs.ErrGatewayUnavailable))
}

func TestWriteNotRetried(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnv(w, http.StatusServiceUnavailable, 503, "down", nil)
	}, 2)

	_, err := c.PersistMessage(context.Background(), PersistRequest{SenderID: "u1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrGatewayUnavailable))
	assert.Equal(t, int32(1), hits.Load())
}

func TestReadRetriedOn5xx(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/conversations/c1/participants", r.URL.Path)
		if hits.Add(1) < 3 {
			writeEnv(w, http.StatusBadGateway, 502, "busy", nil)
			return
		}
		writeEnv(w, http.StatusOK, 200, "ok", []string{"u1", "u2"})
	}, 2)

	users, err := c.GetParticipants(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
	assert.Equal(t, int32(3), hits.Load())
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   int
		want   *errs.CodeError
	}{
		{"not found", http.StatusNotFound, 404, errs.ErrNotFound},
		{"bad request", http.StatusBadRequest, 400, errs.ErrArgs},
		{"business code", http.StatusOK, errs.DuplicateError, errs.ErrDuplicate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeEnv(w, tc.status, tc.code, "nope", nil)
			}, 0)
			_, err := c.RecallMessage(context.Background(), "u1", 7)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestGetMessagesSinceQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/messages/since", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "u1", q.Get("userId"))
		assert.Equal(t, "c1", q.Get("conversationId"))
		assert.Equal(t, "10", q.Get("after"))
		assert.Equal(t, "50", q.Get("limit"))
		writeEnv(w, http.StatusOK, 0, "", []Message{{MsgID: 11, ConversationID: "c1"}, {MsgID: 12, ConversationID: "c1"}})
	}, 0)

	msgs, err := c.GetMessagesSince(context.Background(), "u1", "c1", 10, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(12), msgs[1].MsgID)
}

func TestOfflineEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/offline", func(w http.ResponseWriter, r *http.Request) {
		var req QueueOfflineRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "u2", req.TargetUserID)
		assert.Equal(t, int64(5), req.MessageID)
		writeEnv(w, http.StatusOK, 0, "", map[string]any{"inserted": true})
	})
	mux.HandleFunc("/internal/offline/pending", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "d2", r.URL.Query().Get("deviceId"))
		writeEnv(w, http.StatusOK, 0, "", map[string]any{
			"entries": []map[string]any{{"targetUserId": "u2", "messageId": 5, "conversationId": "c1"}},
			"hasMore": true,
		})
	})
	mux.HandleFunc("/internal/offline/ack", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MessageIDs []int64 `json:"messageIds"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeEnv(w, http.StatusOK, 0, "", map[string]any{"acked": len(body.MessageIDs)})
	})
	c := newTestClient(t, mux.ServeHTTP, 0)
	ctx := context.Background()

	ok, err := c.QueueOffline(ctx, QueueOfflineRequest{TargetUserID: "u2", MessageID: 5, ConversationID: "c1"})
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := c.GetPendingOffline(ctx, "u2", "d2", 0, 10)
	require.NoError(t, err)
	assert.True(t, p.HasMore)
	require.Len(t, p.Entries, 1)
	assert.Equal(t, int64(5), p.Entries[0].MessageID)

	n, err := c.AcknowledgeOffline(ctx, "u2", "d2", []int64{5, 6})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCachedParticipants(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnv(w, http.StatusOK, 0, "", []string{"u1", "u2"})
	}, 0)
	g := NewCachedParticipants(c, 0)
	ctx := context.Background()

	a, err := g.GetParticipants(ctx, "c1")
	require.NoError(t, err)
	a[0] = "mutated"
	b, err := g.GetParticipants(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, b)
	assert.Equal(t, int32(1), hits.Load())

	g.Invalidate("c1")
	_, err = g.GetParticipants(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}
