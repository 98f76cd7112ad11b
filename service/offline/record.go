package offline

import (
	"encoding/json"
	"time"
)

// Target 离线记录的投递目标：Device(user, device) 或 AllDevicesOf(user)。
// DeviceID 为空即 AllDevicesOf。
type Target struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId,omitempty"`
}

func Device(userID, deviceID string) Target { return Target{UserID: userID, DeviceID: deviceID} }

func AllDevicesOf(userID string) Target { return Target{UserID: userID} }

func (t Target) IsAll() bool { return t.DeviceID == "" }

// Matches 该目标是否覆盖 (userID, deviceID)
func (t Target) Matches(userID, deviceID string) bool {
	return t.UserID == userID && (t.IsAll() || t.DeviceID == deviceID)
}

func (t Target) String() string {
	if t.IsAll() {
		return t.UserID + "/*"
	}
	return t.UserID + "/" + t.DeviceID
}

type State int

const (
	StatePending State = iota + 1
	StateDelivered
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivered:
		return "delivered"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// Record 一条待投递的离线消息
type Record struct {
	ID             int64           `json:"id"`
	Target         Target          `json:"target"`
	MessageID      int64           `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiredAt      time.Time       `json:"expiredAt"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	DeliveredTo    string          `json:"deliveredTo,omitempty"` // 确认该记录的设备；未知为空
	RetryCount     int             `json:"retryCount"`
}

// State delivered 为终态；未确认且 now >= ExpiredAt 即过期
func (r *Record) State(now time.Time) State {
	switch {
	case r.DeliveredAt != nil:
		return StateDelivered
	case !now.Before(r.ExpiredAt):
		return StateExpired
	}
	return StatePending
}

func (r *Record) clone() *Record {
	c := *r
	if r.DeliveredAt != nil {
		t := *r.DeliveredAt
		c.DeliveredAt = &t
	}
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}

// SyncStatus 设备同步游标
type SyncStatus struct {
	UserID          string    `json:"userId"`
	DeviceID        string    `json:"deviceId"`
	LastSyncedMsgID int64     `json:"lastSyncedMsgId"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
}
