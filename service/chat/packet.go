package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"PPChat/tools/decode"
	"PPChat/tools/errs"
)

// PacketType 帧类型（线上为 int）
type PacketType int

const (
	TypeAuth    PacketType = 1
	TypeAuthAck PacketType = 2
	TypePing    PacketType = 3
	TypePong    PacketType = 4

	TypeSend       PacketType = 10
	TypeSendAck    PacketType = 11
	TypeNewMessage PacketType = 12 // push
	TypeMessageAck PacketType = 13 // 客户端确认 push

	TypeRead        PacketType = 20
	TypeReadAck     PacketType = 21
	TypeReadReceipt PacketType = 22 // push

	TypeRecall       PacketType = 30
	TypeRecallAck    PacketType = 31
	TypeRecallNotice PacketType = 32 // push

	TypeSync        PacketType = 40
	TypeSyncResp    PacketType = 41
	TypeSyncAck     PacketType = 42
	TypeSyncAckResp PacketType = 43

	TypePresence PacketType = 50 // push
	TypeKick     PacketType = 60 // push

	TypeError PacketType = 99
)

var typeNames = map[PacketType]string{
	TypeAuth: "AUTH", TypeAuthAck: "AUTH_ACK", TypePing: "PING", TypePong: "PONG",
	TypeSend: "SEND", TypeSendAck: "SEND_ACK", TypeNewMessage: "NEW_MESSAGE", TypeMessageAck: "MESSAGE_ACK",
	TypeRead: "READ", TypeReadAck: "READ_ACK", TypeReadReceipt: "READ_RECEIPT",
	TypeRecall: "RECALL", TypeRecallAck: "RECALL_ACK", TypeRecallNotice: "RECALL_NOTICE",
	TypeSync: "SYNC", TypeSyncResp: "SYNC_RESP", TypeSyncAck: "SYNC_ACK", TypeSyncAckResp: "SYNC_ACK_RESP",
	TypePresence: "PRESENCE", TypeKick: "KICK", TypeError: "ERROR",
}

func (t PacketType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TYPE(%d)", int(t))
}

// 请求 -> 响应类型；MESSAGE_ACK 没有响应
var responseOf = map[PacketType]PacketType{
	TypeAuth:    TypeAuthAck,
	TypePing:    TypePong,
	TypeSend:    TypeSendAck,
	TypeRead:    TypeReadAck,
	TypeRecall:  TypeRecallAck,
	TypeSync:    TypeSyncResp,
	TypeSyncAck: TypeSyncAckResp,
}

// ResponseType 请求类型对应的响应类型；未知请求统一用 ERROR
func ResponseType(req PacketType) PacketType {
	if t, ok := responseOf[req]; ok {
		return t
	}
	return TypeError
}

// Packet 线上帧 {type, seq?, payload, timestamp}
// seq 只出现在请求和对应的响应里；服务端主动推送不带 seq。
type Packet struct {
	Type      PacketType `json:"type"`
	Seq       string     `json:"seq,omitempty"`
	Payload   any        `json:"payload,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// Reply 响应负载
type Reply struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Data any    `json:"data,omitempty"`
}

type wirePacket struct {
	Type      json.Number `json:"type"`
	Seq       any         `json:"seq"`
	Payload   any         `json:"payload"`
	Timestamp json.Number `json:"timestamp"`
}

var nowMillis = func() int64 { return time.Now().UnixMilli() }

// ParsePacket 解析一帧。数字按 json.Number 保留，64 位 id 不丢精度；
// seq 兼容字符串或数字。
func ParsePacket(raw []byte) (*Packet, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errs.ErrArgs.WrapMsg("empty frame")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var w wirePacket
	if err := dec.Decode(&w); err != nil {
		return nil, errs.ErrArgs.WrapMsg("unmarshal frame failed", "err", err)
	}
	t, err := w.Type.Int64()
	if err != nil || t <= 0 {
		return nil, errs.ErrArgs.WrapMsg("invalid frame type", "type", w.Type.String())
	}
	p := &Packet{Type: PacketType(t), Payload: w.Payload}
	switch s := w.Seq.(type) {
	case nil:
	case string:
		p.Seq = s
	case json.Number:
		p.Seq = s.String()
	default:
		return nil, errs.ErrArgs.WrapMsg("invalid seq", "seq", fmt.Sprint(s))
	}
	if w.Timestamp != "" {
		if ts, err := w.Timestamp.Int64(); err == nil {
			p.Timestamp = ts
		}
	}
	return p, nil
}

func (p *Packet) Encode() ([]byte, error) {
	if p.Timestamp == 0 {
		p.Timestamp = nowMillis()
	}
	return json.Marshal(p)
}

// NewPush 服务端主动推送（无 seq）
func NewPush(t PacketType, payload any) *Packet {
	return &Packet{Type: t, Payload: payload, Timestamp: nowMillis()}
}

// NewReply 成功响应，回填请求的 seq
func NewReply(req *Packet, data any) *Packet {
	return &Packet{
		Type:      ResponseType(req.Type),
		Seq:       req.Seq,
		Payload:   Reply{Code: errs.CodeOK, Data: data},
		Timestamp: nowMillis(),
	}
}

// NewErrorReply 失败响应；req 为 nil（帧都没解析出来）时不带 seq
func NewErrorReply(req *Packet, err error) *Packet {
	ce := errs.AsCode(err)
	p := &Packet{Type: TypeError, Timestamp: nowMillis()}
	if req != nil {
		p.Type = ResponseType(req.Type)
		p.Seq = req.Seq
	}
	msg := ce.Msg
	if ce.Detail != "" {
		msg += ": " + ce.Detail
	}
	p.Payload = Reply{Code: ce.Code, Msg: msg}
	return p
}

// DecodePayload 负载解码到具体请求结构
func DecodePayload[T any](p *Packet) (*T, error) {
	v, err := decode.Payload[T](p.Payload)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("bad payload", "type", p.Type.String(), "err", err)
	}
	return v, nil
}
