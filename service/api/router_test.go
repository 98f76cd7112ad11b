package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPChat/module/message/handler"
	"PPChat/service/chat"
	"PPChat/service/offline"
	"PPChat/service/storage"
	"PPChat/tools/ids"
)

type env struct {
	srv   *chat.Server
	queue *offline.Queue
	http  *httptest.Server
}

func newEnv(t *testing.T, token string, mutate ...func(*Options)) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := offline.NewMemStore(4)
	q := offline.NewQueue(store, store, nil, offline.QueueConf{})
	reg := chat.NewRegistry(chat.RegistryConf{Shards: 4})
	srv := chat.NewServer(chat.ServerConf{NodeID: "node-t"}, reg, chat.NewRouter(reg, q, nil), ids.GenerateString)
	handler.RegisterAll(srv, &handler.Deps{Queue: q})
	o := Options{Server: srv, Queue: q, AdminToken: token}
	for _, m := range mutate {
		m(&o)
	}
	hs := httptest.NewServer(NewEngine(o))
	t.Cleanup(hs.Close)
	return &env{srv: srv, queue: q, http: hs}
}

type reply struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (e *env) get(t *testing.T, path, token string) (int, reply) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("X-Internal-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var r reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return resp.StatusCode, r
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, "")
	status, r := e.get(t, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 200, r.Code)
	assert.Contains(t, string(r.Data), `"node":"node-t"`)
}

func TestMetricsExposed(t *testing.T) {
	e := newEnv(t, "")
	resp, err := http.Get(e.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInternalRequiresToken(t *testing.T) {
	e := newEnv(t, "tok")
	status, _ := e.get(t, "/internal/sessions/alice", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	status, r := e.get(t, "/internal/sessions/alice", "tok")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(r.Data), `"sessions":[]`)
}

func TestOfflinePeek(t *testing.T) {
	e := newEnv(t, "")
	ctx := context.Background()
	_, err := e.queue.Enqueue(ctx, offline.Device("bob", "ios"), 42, "conv1", []byte(`{"msgId":42}`))
	require.NoError(t, err)

	status, r := e.get(t, "/internal/offline/bob/ios?limit=10", "")
	require.Equal(t, http.StatusOK, status)
	var data struct {
		Records []struct {
			MsgID      int64 `json:"msgId"`
			RetryCount int   `json:"retryCount"`
		} `json:"records"`
		HasMore bool `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &data))
	require.Len(t, data.Records, 1)
	assert.EqualValues(t, 42, data.Records[0].MsgID)

	// 查看不算投递
	status, r = e.get(t, "/internal/offline/bob/ios", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(r.Data, &data))
	assert.Zero(t, data.Records[0].RetryCount)

	status, _ = e.get(t, "/internal/offline/bob/ios?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebSocketHandshake(t *testing.T) {
	e := newEnv(t, "")
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	read := func() *chat.Packet {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		p, err := chat.ParsePacket(data)
		require.NoError(t, err)
		return p
	}

	// 握手前的业务帧被拒绝
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":3,"seq":"0"}`)))
	p := read()
	assert.Equal(t, chat.TypePong, p.Type)
	assert.NotEqual(t, json.Number("200"), p.Payload.(map[string]any)["code"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":1,"seq":"1","payload":{"userId":"alice","deviceId":"web-1","deviceType":"web"}}`)))
	p = read()
	require.Equal(t, chat.TypeAuthAck, p.Type)
	assert.Equal(t, "1", p.Seq)
	assert.Equal(t, json.Number("200"), p.Payload.(map[string]any)["code"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":3,"seq":"2"}`)))
	p = read()
	assert.Equal(t, chat.TypePong, p.Type)
	assert.Equal(t, "2", p.Seq)

	status, r := e.get(t, "/internal/sessions/alice", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(r.Data), `"deviceId":"web-1"`)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return e.srv.Registry().Len() == 0 }, 3*time.Second, 20*time.Millisecond)
}

type fakePresence struct {
	entries []storage.PresenceEntry
	err     error
}

func (f *fakePresence) Lookup(context.Context, string) ([]storage.PresenceEntry, error) {
	return f.entries, f.err
}

func TestSessionsIncludeClusterPresence(t *testing.T) {
	p := &fakePresence{entries: []storage.PresenceEntry{
		{DeviceID: "ios", NodeID: "node-b", ConnID: "c7"},
		{DeviceID: "web", NodeID: "node-t", ConnID: "c1"},
	}}
	e := newEnv(t, "", func(o *Options) { o.Presence = p })

	status, r := e.get(t, "/internal/sessions/alice", "")
	require.Equal(t, http.StatusOK, status)
	var data struct {
		Sessions []json.RawMessage       `json:"sessions"`
		Cluster  []storage.PresenceEntry `json:"cluster"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &data))
	assert.Empty(t, data.Sessions)
	assert.Equal(t, p.entries, data.Cluster)

	// 目录不可用时退回本节点视图
	p.err = errors.New("redis down")
	status, r = e.get(t, "/internal/sessions/alice", "")
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, string(r.Data), `"cluster"`)
}
