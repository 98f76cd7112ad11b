package offline

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"PPChat/service/gateway"
)

// OfflineAPI CRUD 服务提供的离线队列接口（gateway.Gateway 的子集）
type OfflineAPI interface {
	QueueOffline(ctx context.Context, req gateway.QueueOfflineRequest) (bool, error)
	GetPendingOffline(ctx context.Context, userID, deviceID string, afterMsgID int64, limit int) (*gateway.PendingOffline, error)
	AcknowledgeOffline(ctx context.Context, userID, deviceID string, msgIDs []int64) (int, error)
}

// GatewayRecordStore 记录托管在 CRUD 服务。记录以 messageId 为 id，
// 过期与已确认记录的清理由 CRUD 服务负责，这里的 sweep 为空操作。
// CRUD 接口不能按消息查记录，本实例取到过或确认过的 (用户, 设备, 消息) 在 seen 里保留 retention。
type GatewayRecordStore struct {
	api  OfflineAPI
	seen *gocache.Cache
}

var _ RecordStore = (*GatewayRecordStore)(nil)

func NewGatewayRecordStore(api OfflineAPI, retention time.Duration) *GatewayRecordStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &GatewayRecordStore{api: api, seen: gocache.New(retention, time.Hour)}
}

func seenKey(userID, deviceID string, msgID int64) string {
	return userID + "|" + deviceID + "|" + strconv.FormatInt(msgID, 10)
}

func (s *GatewayRecordStore) remember(userID, deviceID string, msgIDs []int64) {
	if deviceID == "" {
		return
	}
	for _, id := range msgIDs {
		s.seen.SetDefault(seenKey(userID, deviceID, id), struct{}{})
	}
}

func (s *GatewayRecordStore) Insert(ctx context.Context, r *Record) (bool, error) {
	return s.api.QueueOffline(ctx, gateway.QueueOfflineRequest{
		TargetUserID:   r.Target.UserID,
		TargetDeviceID: r.Target.DeviceID,
		MessageID:      r.MessageID,
		ConversationID: r.ConversationID,
		Payload:        r.Payload,
		ExpiredAt:      r.ExpiredAt,
	})
}

func (s *GatewayRecordStore) Pending(ctx context.Context, userID, deviceID string, after int64, now time.Time, limit int) ([]*Record, bool, error) {
	res, err := s.api.GetPendingOffline(ctx, userID, deviceID, after, limit)
	if err != nil {
		return nil, false, err
	}
	out := make([]*Record, 0, len(res.Entries))
	for _, e := range res.Entries {
		r := &Record{
			ID:             e.MessageID,
			Target:         Target{UserID: e.TargetUserID, DeviceID: e.TargetDeviceID},
			MessageID:      e.MessageID,
			ConversationID: e.ConversationID,
			Payload:        e.Payload,
			CreatedAt:      e.CreatedAt,
			ExpiredAt:      e.ExpiredAt,
			RetryCount:     e.RetryCount,
		}
		if r.Target.UserID == "" {
			r.Target.UserID = userID
		}
		if !r.ExpiredAt.IsZero() && r.State(now) != StatePending {
			continue
		}
		out = append(out, r)
	}
	more := res.HasMore
	if len(out) > limit {
		out, more = out[:limit], true
	}
	msgIDs := make([]int64, 0, len(out))
	for _, r := range out {
		msgIDs = append(msgIDs, r.MessageID)
	}
	s.remember(userID, deviceID, msgIDs)
	return out, more, nil
}

// MarkAttempt 重试次数由 CRUD 服务在 getPendingOffline 时自行累加
func (s *GatewayRecordStore) MarkAttempt(context.Context, string, []int64) error { return nil }

// Acknowledge 记录 id 即 messageId；CRUD 侧按用户确认，deviceID 只用于本地记忆
func (s *GatewayRecordStore) Acknowledge(ctx context.Context, userID, deviceID string, ids []int64, _ time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.api.AcknowledgeOffline(ctx, userID, "", ids)
	if err != nil {
		return 0, err
	}
	s.remember(userID, deviceID, ids)
	return n, nil
}

func (s *GatewayRecordStore) AcknowledgeMessages(ctx context.Context, userID, deviceID string, msgIDs []int64, _ time.Time) (int, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	n, err := s.api.AcknowledgeOffline(ctx, userID, deviceID, msgIDs)
	if err != nil {
		return 0, err
	}
	s.remember(userID, deviceID, msgIDs)
	return n, nil
}

// Tracked 只认本实例见过的记录；跨实例漏掉的由客户端按 msgId 去重
func (s *GatewayRecordStore) Tracked(_ context.Context, userID, deviceID string, msgIDs []int64, _ time.Time) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	for _, id := range msgIDs {
		if _, ok := s.seen.Get(seenKey(userID, deviceID, id)); ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *GatewayRecordStore) AcknowledgeAll(ctx context.Context, userID, deviceID string, _ time.Time) (int, error) {
	return s.api.AcknowledgeOffline(ctx, userID, deviceID, nil)
}

func (s *GatewayRecordStore) DeleteExpired(context.Context, time.Time) (int, error) { return 0, nil }

func (s *GatewayRecordStore) DeleteDeliveredBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}
