package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// Message CRUD 服务返回的消息；也是 NEW_MESSAGE 推送的负载
type Message struct {
	MsgID           int64          `json:"msgId"`
	ConversationID  string         `json:"conversationId"`
	SenderID        string         `json:"senderId"`
	SenderDeviceID  string         `json:"senderDeviceId,omitempty"`
	Type            int            `json:"type"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	QuoteID         int64          `json:"quoteId,omitempty"`
	MentionedIDs    []string       `json:"mentionedIds,omitempty"`
	ClientMsgID     string         `json:"clientMsgId,omitempty"`
	ServerTimestamp int64          `json:"serverTimestamp"`
	Recalled        bool           `json:"recalled,omitempty"`
}

type PersistRequest struct {
	SenderID       string         `json:"senderId"`
	DeviceID       string         `json:"deviceId"`
	ConversationID string         `json:"conversationId"`
	Type           int            `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	QuoteID        int64          `json:"quoteId,omitempty"`
	MentionedIDs   []string       `json:"mentionedIds,omitempty"`
	ClientMsgID    string         `json:"clientMsgId,omitempty"`
}

type PersistResult struct {
	MsgID           int64 `json:"msgId"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

type ReadResult struct {
	// 私聊时需要推已读回执的对端；群聊为空
	NotifyUserID string `json:"notifyUserId,omitempty"`
}

type RecallResult struct {
	ConversationID string `json:"conversationId"`
}

type QueueOfflineRequest struct {
	TargetUserID   string          `json:"targetUserId"`
	TargetDeviceID string          `json:"targetDeviceId,omitempty"` // 空 = 该用户所有设备
	MessageID      int64           `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ExpiredAt      time.Time       `json:"expiredAt"`
}

type OfflineEntry struct {
	TargetUserID   string          `json:"targetUserId"`
	TargetDeviceID string          `json:"targetDeviceId,omitempty"`
	MessageID      int64           `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiredAt      time.Time       `json:"expiredAt"`
	RetryCount     int             `json:"retryCount"`
}

type PendingOffline struct {
	Entries []OfflineEntry `json:"entries"`
	HasMore bool           `json:"hasMore"`
}

// Gateway CRUD 服务的内部接口。核心不直接访问消息库，全部经由这里。
type Gateway interface {
	PersistMessage(ctx context.Context, req PersistRequest) (*PersistResult, error)
	GetParticipants(ctx context.Context, conversationID string) ([]string, error)
	GetMessagesSince(ctx context.Context, userID, conversationID string, afterMsgID int64, limit int) ([]Message, error)
	UpdateReadStatus(ctx context.Context, userID, conversationID string, lastReadMsgID int64) (*ReadResult, error)
	RecallMessage(ctx context.Context, userID string, msgID int64) (*RecallResult, error)

	QueueOffline(ctx context.Context, req QueueOfflineRequest) (bool, error)
	GetPendingOffline(ctx context.Context, userID, deviceID string, afterMsgID int64, limit int) (*PendingOffline, error)
	// msgIDs 为空表示确认该设备全部待投递
	AcknowledgeOffline(ctx context.Context, userID, deviceID string, msgIDs []int64) (int, error)
}
