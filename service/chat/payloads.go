package chat

// 各帧负载结构，字段名即线上 json 名

type AuthReq struct {
	Token      string `json:"token"`
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
}

type AuthAck struct {
	ConnID         string `json:"connId"`
	UserID         string `json:"userId"`
	DeviceID       string `json:"deviceId"`
	NodeID         string `json:"nodeId"`
	ServerTime     int64  `json:"serverTime"`
	PingIntervalMs int64  `json:"pingIntervalMs"`
	Superseded     bool   `json:"superseded,omitempty"` // 挤掉了同设备的旧连接
}

type SendReq struct {
	ConversationID string         `json:"conversationId"`
	Type           int            `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	QuoteID        int64          `json:"quoteId"`
	MentionedIDs   []string       `json:"mentionedIds"`
	ClientMsgID    string         `json:"clientMsgId"`
}

type SendAck struct {
	MsgID           int64  `json:"msgId"`
	ConversationID  string `json:"conversationId"`
	ClientMsgID     string `json:"clientMsgId,omitempty"`
	ServerTimestamp int64  `json:"serverTimestamp"`
	Live            int    `json:"live"`
	Queued          int    `json:"queued"`
	Duplicate       bool   `json:"duplicate,omitempty"`
}

// MessageAckReq 客户端确认收到 NEW_MESSAGE
type MessageAckReq struct {
	MessageIDs []int64 `json:"messageIds"`
}

type ReadReq struct {
	ConversationID string `json:"conversationId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
}

type ReadAck struct {
	ConversationID string `json:"conversationId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
}

type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	ReaderDeviceID string `json:"readerDeviceId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
}

type RecallReq struct {
	MessageID int64 `json:"messageId"`
}

type RecallNotice struct {
	MessageID      int64  `json:"messageId"`
	ConversationID string `json:"conversationId"`
	OperatorID     string `json:"operatorId"`
}

type SyncReq struct {
	After           int64    `json:"after"`
	Limit           int      `json:"limit"`
	ConversationIDs []string `json:"conversationIds"`
}

type SyncAckReq struct {
	RecordIDs     []int64 `json:"recordIds"`
	All           bool    `json:"all"`
	LastMessageID int64   `json:"lastMessageId"`
}

type SyncAckResp struct {
	Acked  int   `json:"acked"`
	Cursor int64 `json:"cursor"`
}

type Presence struct {
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	Online     bool   `json:"online"`
}

type Kick struct {
	Reason string `json:"reason"`
	NodeID string `json:"nodeId,omitempty"`
}
