package offline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/metrics"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
)

type QueueConf struct {
	TTL                time.Duration // 记录有效期，默认 7 天
	DeliveredRetention time.Duration // 已确认记录保留多久后删除
	SweepEvery         time.Duration
	DefaultLimit       int
	MaxLimit           int
	SyncBudget         time.Duration    // 单次 Sync 里 catch-up 查询的时间预算
	Clock              func() time.Time // nil => time.Now
	NextID             func() int64     // nil => ids.Generate
}

func (c *QueueConf) norm() {
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.DeliveredRetention <= 0 {
		c.DeliveredRetention = 24 * time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Minute
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 100
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 500
	}
	if c.DefaultLimit > c.MaxLimit {
		c.DefaultLimit = c.MaxLimit
	}
	if c.SyncBudget <= 0 {
		c.SyncBudget = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NextID == nil {
		c.NextID = ids.Generate
	}
}

// Page 一页待投递记录；Next 是下一页的 after
type Page struct {
	Records []*Record
	HasMore bool
	Next    int64
}

// Queue 离线队列与重连同步
type Queue struct {
	conf    QueueConf
	records RecordStore
	cursors CursorStore
	catchUp CatchUp
}

// NewQueue catchUp 可为 nil（只走离线队列）
func NewQueue(records RecordStore, cursors CursorStore, catchUp CatchUp, conf QueueConf) *Queue {
	conf.norm()
	return &Queue{conf: conf, records: records, cursors: cursors, catchUp: catchUp}
}

func (q *Queue) Conf() QueueConf { return q.conf }

func (q *Queue) clampLimit(limit int) int {
	if limit <= 0 {
		return q.conf.DefaultLimit
	}
	if limit > q.conf.MaxLimit {
		return q.conf.MaxLimit
	}
	return limit
}

// Enqueue 同一 (user, message) 尚未确认时重复入队返回 false
func (q *Queue) Enqueue(ctx context.Context, target Target, msgID int64, convID string, payload []byte) (bool, error) {
	if target.UserID == "" || msgID <= 0 {
		return false, errs.ErrArgs.WrapMsg("enqueue", "target", target.String(), "msgId", msgID)
	}
	now := q.conf.Clock()
	r := &Record{
		ID:             q.conf.NextID(),
		Target:         target,
		MessageID:      msgID,
		ConversationID: convID,
		Payload:        json.RawMessage(payload),
		CreatedAt:      now,
		ExpiredAt:      now.Add(q.conf.TTL),
	}
	ok, err := q.records.Insert(ctx, r)
	if err != nil {
		return false, errs.WrapMsg(err, "insert offline record", "target", target.String(), "msgId", msgID)
	}
	if !ok {
		logger.Debug("[Offline] duplicate enqueue",
			zap.String("target", target.String()), zap.Int64("msgId", msgID))
	}
	return ok, nil
}

// PendingFor 取设备的一页待投递记录；AllDevicesOf 记录在返回副本里落到该设备
func (q *Queue) PendingFor(ctx context.Context, userID, deviceID string, after int64, limit int) (*Page, error) {
	return q.pending(ctx, userID, deviceID, after, limit, true)
}

// Peek 同 PendingFor，但不计投递次数（运维排查用）
func (q *Queue) Peek(ctx context.Context, userID, deviceID string, after int64, limit int) (*Page, error) {
	return q.pending(ctx, userID, deviceID, after, limit, false)
}

func (q *Queue) pending(ctx context.Context, userID, deviceID string, after int64, limit int, attempt bool) (*Page, error) {
	if userID == "" || deviceID == "" {
		return nil, errs.ErrArgs.WrapMsg("pendingFor needs user and device")
	}
	limit = q.clampLimit(limit)
	recs, more, err := q.records.Pending(ctx, userID, deviceID, after, q.conf.Clock(), limit)
	if err != nil {
		return nil, errs.WrapMsg(err, "query pending", "user", userID, "device", deviceID)
	}
	page := &Page{Records: recs, HasMore: more, Next: after}
	if len(recs) == 0 {
		return page, nil
	}
	idList := make([]int64, 0, len(recs))
	for _, r := range recs {
		if r.Target.IsAll() {
			r.Target = Device(userID, deviceID)
		}
		idList = append(idList, r.ID)
	}
	page.Next = recs[len(recs)-1].ID
	if !attempt {
		return page, nil
	}
	if err := q.records.MarkAttempt(ctx, userID, idList); err != nil {
		// 重试计数只用于观测，失败不影响投递
		logger.Warn("[Offline] mark attempt failed", zap.String("user", userID), zap.Error(err))
	}
	return page, nil
}

func (q *Queue) Acknowledge(ctx context.Context, userID string, recordIDs []int64) (int, error) {
	return q.acknowledge(ctx, userID, "", recordIDs)
}

// acknowledge deviceID 非空时记为投递设备，之后的 catch-up 据此去重
func (q *Queue) acknowledge(ctx context.Context, userID, deviceID string, recordIDs []int64) (int, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	n, err := q.records.Acknowledge(ctx, userID, deviceID, recordIDs, q.conf.Clock())
	return n, errs.WrapMsg(err, "acknowledge", "user", userID)
}

func (q *Queue) AcknowledgeAll(ctx context.Context, userID, deviceID string) (int, error) {
	n, err := q.records.AcknowledgeAll(ctx, userID, deviceID, q.conf.Clock())
	return n, errs.WrapMsg(err, "acknowledge all", "user", userID, "device", deviceID)
}

// AcknowledgeMessages 按消息 id 确认（客户端对实时推送的 MESSAGE_ACK）
func (q *Queue) AcknowledgeMessages(ctx context.Context, userID, deviceID string, msgIDs []int64) (int, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	n, err := q.records.AcknowledgeMessages(ctx, userID, deviceID, msgIDs, q.conf.Clock())
	return n, errs.WrapMsg(err, "acknowledge messages", "user", userID, "device", deviceID)
}

func (q *Queue) UpdateCursor(ctx context.Context, userID, deviceID string, lastMessageID int64) (*SyncStatus, error) {
	st, err := q.cursors.Advance(ctx, userID, deviceID, lastMessageID, q.conf.Clock())
	if err != nil {
		return nil, errs.WrapMsg(err, "advance cursor", "user", userID, "device", deviceID)
	}
	return st, nil
}

func (q *Queue) Cursor(ctx context.Context, userID, deviceID string) (*SyncStatus, error) {
	st, err := q.cursors.Cursor(ctx, userID, deviceID)
	return st, errs.WrapMsg(err, "load cursor", "user", userID, "device", deviceID)
}

// EnsureDevice 设备握手成功时登记到目录
func (q *Queue) EnsureDevice(ctx context.Context, userID, deviceID string) error {
	return errs.WrapMsg(q.cursors.Ensure(ctx, userID, deviceID, q.conf.Clock()), "ensure device", "user", userID, "device", deviceID)
}

func (q *Queue) KnownDevices(ctx context.Context, userID string) ([]string, error) {
	devs, err := q.cursors.Devices(ctx, userID)
	return devs, errs.WrapMsg(err, "known devices", "user", userID)
}

func (q *Queue) SweepExpired(ctx context.Context) (int, error) {
	n, err := q.records.DeleteExpired(ctx, q.conf.Clock())
	if err != nil {
		return 0, errs.WrapMsg(err, "sweep expired")
	}
	metrics.SweepDeleted.WithLabelValues("expired").Add(float64(n))
	return n, nil
}

func (q *Queue) SweepOldDelivered(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = q.conf.DeliveredRetention
	}
	n, err := q.records.DeleteDeliveredBefore(ctx, q.conf.Clock().Add(-retention))
	if err != nil {
		return 0, errs.WrapMsg(err, "sweep delivered")
	}
	metrics.SweepDeleted.WithLabelValues("delivered").Add(float64(n))
	return n, nil
}

// SweepOnce 两种清理各跑一次
func (q *Queue) SweepOnce(ctx context.Context) {
	if n, err := q.SweepExpired(ctx); err != nil {
		logger.Warn("[Offline] sweep expired failed", zap.Error(err))
	} else if n > 0 {
		logger.Infof("[Offline] swept %d expired records", n)
	}
	if n, err := q.SweepOldDelivered(ctx, q.conf.DeliveredRetention); err != nil {
		logger.Warn("[Offline] sweep delivered failed", zap.Error(err))
	} else if n > 0 {
		logger.Infof("[Offline] swept %d delivered records", n)
	}
}

func (q *Queue) Run(ctx context.Context) error {
	t := time.NewTicker(q.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			q.SweepOnce(ctx)
		}
	}
}
