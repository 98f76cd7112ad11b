package chat

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPChat/tools/errs"
)

func TestParsePacketSeqForms(t *testing.T) {
	p, err := ParsePacket([]byte(`{"type":10,"seq":"abc","payload":{"conversationId":"c1"},"timestamp":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSend, p.Type)
	assert.Equal(t, "abc", p.Seq)
	assert.EqualValues(t, 1700000000000, p.Timestamp)

	p, err = ParsePacket([]byte(`{"type":3,"seq":42}`))
	require.NoError(t, err)
	assert.Equal(t, "42", p.Seq)
}

func TestParsePacketRejects(t *testing.T) {
	for _, raw := range []string{``, `   `, `{`, `{"type":0}`, `{"type":"x"}`, `{"type":1,"seq":{}}`} {
		_, err := ParsePacket([]byte(raw))
		assert.Error(t, err, raw)
		assert.True(t, errors.Is(err, errs.ErrArgs), raw)
	}
}

func TestDecodePayloadKeepsInt64(t *testing.T) {
	p, err := ParsePacket([]byte(`{"type":13,"payload":{"messageIds":[9007199254740993,2]}}`))
	require.NoError(t, err)
	req, err := DecodePayload[MessageAckReq](p)
	require.NoError(t, err)
	assert.Equal(t, []int64{9007199254740993, 2}, req.MessageIDs)
}

func TestReplyEchoesSeq(t *testing.T) {
	req := &Packet{Type: TypeSync, Seq: "s1"}
	rep := NewReply(req, map[string]int{"n": 1})
	assert.Equal(t, TypeSyncResp, rep.Type)
	assert.Equal(t, "s1", rep.Seq)

	raw, err := NewErrorReply(req, errs.ErrGatewayUnavailable.WrapMsg("down")).Encode()
	require.NoError(t, err)
	var w struct {
		Type    int    `json:"type"`
		Seq     string `json:"seq"`
		Payload Reply  `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &w))
	assert.Equal(t, int(TypeSyncResp), w.Type)
	assert.Equal(t, "s1", w.Seq)
	assert.Equal(t, errs.GatewayUnavailable, w.Payload.Code)

	e := NewErrorReply(nil, errors.New("bad frame"))
	assert.Equal(t, TypeError, e.Type)
	assert.Empty(t, e.Seq)
	assert.Equal(t, errs.ServerInternalError, e.Payload.(Reply).Code)
}

func TestPushHasNoSeq(t *testing.T) {
	raw, err := NewPush(TypeKick, Kick{Reason: ReasonSuperseded}).Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"seq"`)
	assert.Equal(t, "KICK", TypeKick.String())
	assert.Equal(t, "TYPE(77)", PacketType(77).String())
	assert.Equal(t, TypeError, ResponseType(TypeMessageAck))
}
