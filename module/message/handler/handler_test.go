package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPChat/service/chat"
	"PPChat/service/gateway"
	"PPChat/service/offline"
	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/security"
)

// ===== fakes =====

type fakeGateway struct {
	mu           sync.Mutex
	nextID       int64
	persistErr   error
	persistCalls int
	messages     []gateway.Message
	participants map[string][]string
	notify       string
	recallConv   string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{nextID: 1000, participants: make(map[string][]string)}
}

func (g *fakeGateway) PersistMessage(_ context.Context, req gateway.PersistRequest) (*gateway.PersistResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.persistCalls++
	if g.persistErr != nil {
		return nil, g.persistErr
	}
	g.nextID++
	res := &gateway.PersistResult{MsgID: g.nextID, ServerTimestamp: time.Now().UnixMilli()}
	g.messages = append(g.messages, gateway.Message{
		MsgID:           res.MsgID,
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		SenderDeviceID:  req.DeviceID,
		Type:            req.Type,
		Content:         req.Content,
		ClientMsgID:     req.ClientMsgID,
		ServerTimestamp: res.ServerTimestamp,
	})
	return res, nil
}

func (g *fakeGateway) GetParticipants(_ context.Context, conv string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.participants[conv]...), nil
}

func (g *fakeGateway) GetMessagesSince(_ context.Context, _, conv string, after int64, limit int) ([]gateway.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gateway.Message
	for _, m := range g.messages {
		if m.MsgID > after && (conv == "" || m.ConversationID == conv) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MsgID < out[j].MsgID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *fakeGateway) UpdateReadStatus(context.Context, string, string, int64) (*gateway.ReadResult, error) {
	return &gateway.ReadResult{NotifyUserID: g.notify}, nil
}

func (g *fakeGateway) RecallMessage(context.Context, string, int64) (*gateway.RecallResult, error) {
	return &gateway.RecallResult{ConversationID: g.recallConv}, nil
}

func (g *fakeGateway) QueueOffline(context.Context, gateway.QueueOfflineRequest) (bool, error) {
	return false, errs.ErrInternal.WrapMsg("not used")
}

func (g *fakeGateway) GetPendingOffline(context.Context, string, string, int64, int) (*gateway.PendingOffline, error) {
	return nil, errs.ErrInternal.WrapMsg("not used")
}

func (g *fakeGateway) AcknowledgeOffline(context.Context, string, string, []int64) (int, error) {
	return 0, errs.ErrInternal.WrapMsg("not used")
}

var connSeq atomic.Int64

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:1" }

func (c *fakeConn) Push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrConnClosed.Wrap()
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) packets(t *testing.T, typ chat.PacketType) []*chat.Packet {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*chat.Packet
	for _, f := range c.frames {
		p, err := chat.ParsePacket(f)
		require.NoError(t, err)
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

// ===== harness =====

type harness struct {
	t     *testing.T
	gw    *fakeGateway
	queue *offline.Queue
	srv   *chat.Server
	deps  *Deps
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	gw := newFakeGateway()
	store := offline.NewMemStore(4)
	q := offline.NewQueue(store, store, gw, offline.QueueConf{})
	reg := chat.NewRegistry(chat.RegistryConf{Shards: 4})
	srv := chat.NewServer(chat.ServerConf{NodeID: "node-1"}, reg, chat.NewRouter(reg, q, nil), nil)
	d := &Deps{Gateway: gw, Queue: q}
	if mutate != nil {
		mutate(d)
	}
	RegisterAll(srv, d)
	return &harness{t: t, gw: gw, queue: q, srv: srv, deps: d}
}

func (h *harness) newConn() (*fakeConn, *chat.ConnContext) {
	c := &fakeConn{id: "c" + strconv.FormatInt(connSeq.Add(1), 10)}
	return c, &chat.ConnContext{Ctx: context.Background(), Server: h.srv, Conn: c}
}

func (h *harness) do(cc *chat.ConnContext, typ chat.PacketType, payload any) error {
	h.t.Helper()
	raw, err := json.Marshal(map[string]any{"type": int(typ), "seq": "s1", "payload": payload})
	require.NoError(h.t, err)
	p, err := chat.ParsePacket(raw)
	require.NoError(h.t, err)
	return h.srv.Disp().Dispatch(cc, p)
}

func (h *harness) login(user, device string) (*fakeConn, *chat.ConnContext) {
	h.t.Helper()
	c, cc := h.newConn()
	require.NoError(h.t, h.do(cc, chat.TypeAuth, map[string]any{"userId": user, "deviceId": device, "deviceType": "ios"}))
	require.True(h.t, cc.Authed())
	return c, cc
}

// last 最后一个指定类型的帧；返回其 Reply.code 与 data
func last(t *testing.T, c *fakeConn, typ chat.PacketType) (code int64, data map[string]any) {
	t.Helper()
	ps := c.packets(t, typ)
	require.NotEmpty(t, ps, "no %s frame", typ)
	body, ok := ps[len(ps)-1].Payload.(map[string]any)
	require.True(t, ok)
	if n, ok := body["code"].(json.Number); ok {
		code, _ = n.Int64()
	}
	data, _ = body["data"].(map[string]any)
	return code, data
}

func num(t *testing.T, v any) int64 {
	t.Helper()
	n, ok := v.(json.Number)
	require.True(t, ok, "not a number: %v", v)
	i, err := n.Int64()
	require.NoError(t, err)
	return i
}

// ===== tests =====

func TestAuthRegistersSessionAndDevice(t *testing.T) {
	h := newHarness(t, nil)
	c, cc := h.login("alice", "ios")

	code, data := last(t, c, chat.TypeAuthAck)
	assert.EqualValues(t, errs.CodeOK, code)
	assert.Equal(t, "alice", data["userId"])
	assert.Equal(t, "node-1", data["nodeId"])
	assert.Equal(t, c.ID(), data["connId"])
	assert.Same(t, cc.Session, h.srv.Registry().SessionOf("alice", "ios"))

	devs, err := h.queue.KnownDevices(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"ios"}, devs)
}

func TestAuthSupersedesSameDevice(t *testing.T) {
	h := newHarness(t, nil)
	old, _ := h.login("alice", "ios")
	c, _ := h.login("alice", "ios")

	_, data := last(t, c, chat.TypeAuthAck)
	assert.Equal(t, true, data["superseded"])
	kicks := old.packets(t, chat.TypeKick)
	require.Len(t, kicks, 1)
	assert.True(t, old.closed)
}

func TestAuthRejectsBadHandshake(t *testing.T) {
	h := newHarness(t, nil)
	_, cc := h.newConn()

	err := h.do(cc, chat.TypeAuth, map[string]any{"userId": "alice", "deviceType": "ios"})
	assert.True(t, errors.Is(err, errs.ErrArgs))

	err = h.do(cc, chat.TypeAuth, map[string]any{"userId": "alice", "deviceId": "d1", "deviceType": "toaster"})
	assert.True(t, errors.Is(err, errs.ErrArgs))
	assert.False(t, cc.Authed())
}

func TestAuthVerifiesToken(t *testing.T) {
	secret := []byte("test-secret")
	v, err := security.NewVerifier(security.Options{Secret: secret})
	require.NoError(t, err)
	h := newHarness(t, func(d *Deps) { d.Verifier = v })

	sign := func(sub string) string {
		tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
			"sub": sub,
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		s, err := tok.SignedString(secret)
		require.NoError(t, err)
		return s
	}

	_, cc := h.newConn()
	err = h.do(cc, chat.TypeAuth, map[string]any{"token": sign("bob"), "userId": "alice", "deviceId": "d1", "deviceType": "web"})
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))
	assert.False(t, cc.Authed())

	err = h.do(cc, chat.TypeAuth, map[string]any{"token": sign("alice"), "userId": "alice", "deviceId": "d1", "deviceType": "web"})
	require.NoError(t, err)
	assert.True(t, cc.Authed())
}

func TestPing(t *testing.T) {
	h := newHarness(t, nil)
	c, cc := h.login("alice", "ios")
	require.NoError(t, h.do(cc, chat.TypePing, nil))
	code, data := last(t, c, chat.TypePong)
	assert.EqualValues(t, errs.CodeOK, code)
	assert.NotZero(t, num(t, data["serverTime"]))
}

func TestSendLiveOfflineThenSync(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.gw.participants["conv1"] = []string{"alice", "bob"}
	// bob 以前登录过 android，现在不在线
	require.NoError(t, h.queue.EnsureDevice(ctx, "bob", "android"))

	aliceIOS, ccIOS := h.login("alice", "ios")
	aliceWeb, _ := h.login("alice", "web")

	require.NoError(t, h.do(ccIOS, chat.TypeSend, map[string]any{
		"conversationId": "conv1", "type": 1, "content": "hi", "clientMsgId": "m-1",
	}))
	code, ack := last(t, aliceIOS, chat.TypeSendAck)
	require.EqualValues(t, errs.CodeOK, code)
	msgID := num(t, ack["msgId"])
	assert.EqualValues(t, 1, num(t, ack["live"]))
	assert.EqualValues(t, 1, num(t, ack["queued"]))

	// 发送者的另一台设备实时收到，来源设备不会收到自己的消息
	pushes := aliceWeb.packets(t, chat.TypeNewMessage)
	require.Len(t, pushes, 1)
	assert.Empty(t, aliceIOS.packets(t, chat.TypeNewMessage))

	page, err := h.queue.PendingFor(ctx, "bob", "android", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, msgID, page.Records[0].MessageID)

	bob, ccBob := h.login("bob", "android")
	require.NoError(t, h.do(ccBob, chat.TypeSync, map[string]any{"limit": 50}))
	code, res := last(t, bob, chat.TypeSyncResp)
	require.EqualValues(t, errs.CodeOK, code)
	items, _ := res["items"].([]any)
	require.Len(t, items, 1, "queue item and catch-up item are the same message")
	item := items[0].(map[string]any)
	assert.Equal(t, offline.SourceQueue, item["source"])
	assert.Equal(t, msgID, num(t, item["msgId"]))
	assert.Equal(t, msgID, num(t, res["cursor"]))
	assert.Equal(t, false, res["hasMore"])

	require.NoError(t, h.do(ccBob, chat.TypeSyncAck, map[string]any{"all": true, "lastMessageId": msgID}))
	code, commit := last(t, bob, chat.TypeSyncAckResp)
	require.EqualValues(t, errs.CodeOK, code)
	assert.EqualValues(t, 1, num(t, commit["acked"]))
	assert.Equal(t, msgID, num(t, commit["cursor"]))

	page, err = h.queue.PendingFor(ctx, "bob", "android", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestSendDuplicateClientMsgID(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.MsgIndex = storage.NewMemMsgIndex(time.Minute) })
	h.gw.participants["conv1"] = []string{"alice", "bob"}
	c, cc := h.login("alice", "ios")

	send := map[string]any{"conversationId": "conv1", "content": "hi", "clientMsgId": "dup-1"}
	require.NoError(t, h.do(cc, chat.TypeSend, send))
	require.NoError(t, h.do(cc, chat.TypeSend, send))

	acks := c.packets(t, chat.TypeSendAck)
	require.Len(t, acks, 2)
	first := acks[0].Payload.(map[string]any)["data"].(map[string]any)
	second := acks[1].Payload.(map[string]any)["data"].(map[string]any)
	assert.Equal(t, num(t, first["msgId"]), num(t, second["msgId"]))
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, 1, h.gw.persistCalls)
}

func TestSendPersistFailureRoutesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.participants["conv1"] = []string{"alice", "bob"}
	h.gw.persistErr = errs.ErrGatewayUnavailable.WrapMsg("down")
	require.NoError(t, h.queue.EnsureDevice(context.Background(), "bob", "android"))
	_, cc := h.login("alice", "ios")
	web, _ := h.login("alice", "web")

	err := h.do(cc, chat.TypeSend, map[string]any{"conversationId": "conv1", "content": "hi"})
	assert.True(t, errors.Is(err, errs.ErrGatewayUnavailable))
	assert.Empty(t, web.packets(t, chat.TypeNewMessage))

	page, err := h.queue.PendingFor(context.Background(), "bob", "android", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestSendRequiresConversation(t *testing.T) {
	h := newHarness(t, nil)
	_, cc := h.login("alice", "ios")
	err := h.do(cc, chat.TypeSend, map[string]any{"content": "hi"})
	assert.True(t, errors.Is(err, errs.ErrArgs))
	assert.Zero(t, h.gw.persistCalls)
}

func TestMessageAckDoesNotMoveCursor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.gw.participants["conv1"] = []string{"alice", "bob"}
	require.NoError(t, h.queue.EnsureDevice(ctx, "bob", "android"))
	alice, ccAlice := h.login("alice", "ios")
	require.NoError(t, h.do(ccAlice, chat.TypeSend, map[string]any{"conversationId": "conv1", "content": "hi"}))
	_, ack := last(t, alice, chat.TypeSendAck)
	msgID := num(t, ack["msgId"])

	bob, ccBob := h.login("bob", "android")
	require.NoError(t, h.do(ccBob, chat.TypeMessageAck, map[string]any{"messageIds": []int64{msgID}}))

	page, err := h.queue.PendingFor(ctx, "bob", "android", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	st, err := h.queue.Cursor(ctx, "bob", "android")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Zero(t, st.LastSyncedMsgID)
	// MESSAGE_ACK 没有响应帧
	assert.Empty(t, bob.packets(t, chat.TypeError))
}

func TestMessageAckLeavesRecordForOfflineDevices(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.gw.participants["conv1"] = []string{"alice", "bob"}
	require.NoError(t, h.queue.EnsureDevice(ctx, "bob", "ios"))
	require.NoError(t, h.queue.EnsureDevice(ctx, "bob", "desktop"))
	bobWeb, ccWeb := h.login("bob", "web")
	alice, ccAlice := h.login("alice", "ios")

	require.NoError(t, h.do(ccAlice, chat.TypeSend, map[string]any{"conversationId": "conv1", "content": "hi"}))
	code, ack := last(t, alice, chat.TypeSendAck)
	require.EqualValues(t, errs.CodeOK, code)
	msgID := num(t, ack["msgId"])
	assert.EqualValues(t, 1, num(t, ack["live"]))
	assert.EqualValues(t, 1, num(t, ack["queued"]))
	require.Len(t, bobWeb.packets(t, chat.TypeNewMessage), 1)

	require.NoError(t, h.do(ccWeb, chat.TypeMessageAck, map[string]any{"messageIds": []int64{msgID}}))

	for _, dev := range []string{"ios", "desktop"} {
		page, err := h.queue.PendingFor(ctx, "bob", dev, 0, 10)
		require.NoError(t, err)
		require.Len(t, page.Records, 1, dev)
		assert.Equal(t, msgID, page.Records[0].MessageID)
	}
}

// deadlineStore 记下 Pending 收到的 ctx 截止时间
type deadlineStore struct {
	*offline.MemStore
	deadline time.Time
	bounded  bool
}

func (s *deadlineStore) Pending(ctx context.Context, userID, deviceID string, after int64, now time.Time, limit int) ([]*offline.Record, bool, error) {
	s.deadline, s.bounded = ctx.Deadline()
	return s.MemStore.Pending(ctx, userID, deviceID, after, now, limit)
}

func TestSyncIsBounded(t *testing.T) {
	store := &deadlineStore{MemStore: offline.NewMemStore(4)}
	h := newHarness(t, func(d *Deps) {
		d.CallTimeout = time.Second
		d.Queue = offline.NewQueue(store, store, d.Gateway.(offline.CatchUp), offline.QueueConf{SyncBudget: 2 * time.Second})
	})
	bob, cc := h.login("bob", "android")

	start := time.Now()
	require.NoError(t, h.do(cc, chat.TypeSync, map[string]any{"limit": 10}))
	code, _ := last(t, bob, chat.TypeSyncResp)
	require.EqualValues(t, errs.CodeOK, code)
	require.True(t, store.bounded)
	assert.WithinDuration(t, start.Add(3*time.Second), store.deadline, 500*time.Millisecond)
}

func TestReadReceiptIsLiveOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.gw.notify = "bob"
	require.NoError(t, h.queue.EnsureDevice(ctx, "bob", "ipad"))

	aliceIOS, cc := h.login("alice", "ios")
	aliceWeb, _ := h.login("alice", "web")
	bob, _ := h.login("bob", "android")

	require.NoError(t, h.do(cc, chat.TypeRead, map[string]any{"conversationId": "conv1", "lastReadMsgId": 42}))
	code, data := last(t, aliceIOS, chat.TypeReadAck)
	assert.EqualValues(t, errs.CodeOK, code)
	assert.EqualValues(t, 42, num(t, data["lastReadMsgId"]))

	require.Len(t, bob.packets(t, chat.TypeReadReceipt), 1)
	require.Len(t, aliceWeb.packets(t, chat.TypeReadReceipt), 1)
	assert.Empty(t, aliceIOS.packets(t, chat.TypeReadReceipt))

	page, err := h.queue.PendingFor(ctx, "bob", "ipad", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestReadValidates(t *testing.T) {
	h := newHarness(t, nil)
	_, cc := h.login("alice", "ios")
	err := h.do(cc, chat.TypeRead, map[string]any{"conversationId": "conv1"})
	assert.True(t, errors.Is(err, errs.ErrArgs))
}

func TestRecallNotifiesParticipants(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.recallConv = "conv1"
	h.gw.participants["conv1"] = []string{"alice", "bob"}

	alice, cc := h.login("alice", "ios")
	bob, _ := h.login("bob", "android")

	require.NoError(t, h.do(cc, chat.TypeRecall, map[string]any{"messageId": 77}))
	code, data := last(t, alice, chat.TypeRecallAck)
	assert.EqualValues(t, errs.CodeOK, code)
	assert.Equal(t, "conv1", data["conversationId"])

	notices := bob.packets(t, chat.TypeRecallNotice)
	require.Len(t, notices, 1)
	body := notices[0].Payload.(map[string]any)
	assert.EqualValues(t, 77, num(t, body["messageId"]))
	assert.Equal(t, "alice", body["operatorId"])
}
