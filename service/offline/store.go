package offline

import (
	"context"
	"time"
)

// RecordStore 离线记录存储。实现需保证 (target user, message) 在未确认期间唯一。
type RecordStore interface {
	// Insert 重复（同用户同消息仍未确认）时返回 false, nil
	Insert(ctx context.Context, r *Record) (bool, error)
	// Pending 设备可见的未确认未过期记录，按 id 升序，id > after；第二个返回值表示之后还有
	Pending(ctx context.Context, userID, deviceID string, after int64, now time.Time, limit int) ([]*Record, bool, error)
	MarkAttempt(ctx context.Context, userID string, ids []int64) error
	// Acknowledge 按记录 id 确认；deviceID 记为 DeliveredTo，可为空
	Acknowledge(ctx context.Context, userID, deviceID string, ids []int64, at time.Time) (int, error)
	// AcknowledgeMessages 只确认 Device(deviceID) 记录；AllDevicesOf 记录还要留给其他离线设备
	AcknowledgeMessages(ctx context.Context, userID, deviceID string, msgIDs []int64, at time.Time) (int, error)
	AcknowledgeAll(ctx context.Context, userID, deviceID string, at time.Time) (int, error)
	// Tracked msgIDs 中队列已经替该设备负责的那些：对该设备仍待投递的记录，
	// 或已投递到该设备的记录（Device(deviceID) 已确认，或 DeliveredTo 为该设备）。
	// 已确认记录只在保留期内算数。
	Tracked(ctx context.Context, userID, deviceID string, msgIDs []int64, now time.Time) (map[int64]struct{}, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	DeleteDeliveredBefore(ctx context.Context, before time.Time) (int, error)
}

// CursorStore 设备同步游标；同时充当用户的已知设备目录
type CursorStore interface {
	// Cursor 不存在返回 nil, nil
	Cursor(ctx context.Context, userID, deviceID string) (*SyncStatus, error)
	// Advance 单调推进：msgID 小于当前值时保留当前值，但刷新 LastSyncedAt
	Advance(ctx context.Context, userID, deviceID string, msgID int64, at time.Time) (*SyncStatus, error)
	// Ensure 设备首次出现时建行（游标 0），已存在则不动
	Ensure(ctx context.Context, userID, deviceID string, at time.Time) error
	Devices(ctx context.Context, userID string) ([]string, error)
}

// Store 两者合一，memory/pg/mongo 后端都实现它
type Store interface {
	RecordStore
	CursorStore
}
