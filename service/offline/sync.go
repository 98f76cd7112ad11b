package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/gateway"
	"PPChat/service/metrics"
	"PPChat/tools/errs"
)

const (
	SourceQueue  = "queue"
	SourceCursor = "cursor"
)

// 一次 Sync 里 catch-up 最多翻几批；跳过的都是队列已负责的消息
const maxCatchUpRounds = 4

// CatchUp 按游标补拉历史消息；conversationID 为空表示该用户全部会话
type CatchUp interface {
	GetMessagesSince(ctx context.Context, userID, conversationID string, afterMsgID int64, limit int) ([]gateway.Message, error)
}

type SyncRequest struct {
	UserID          string
	DeviceID        string
	After           int64 // 队列分页 token，0 = 第一页
	Limit           int
	ConversationIDs []string
}

type SyncItem struct {
	MessageID      int64           `json:"msgId"`
	ConversationID string          `json:"conversationId"`
	RecordID       int64           `json:"recordId,omitempty"` // 来自离线队列时有值，SYNC_ACK 用它确认
	Source         string          `json:"source"`
	Message        json.RawMessage `json:"message,omitempty"`
}

type SyncResult struct {
	Items   []SyncItem `json:"items"`
	HasMore bool       `json:"hasMore"`
	Next    int64      `json:"next"`
	// Cursor 客户端处理完本页后随 SYNC_ACK 提交的游标
	Cursor int64 `json:"cursor"`
}

type CommitRequest struct {
	UserID        string
	DeviceID      string
	RecordIDs     []int64
	All           bool
	LastMessageID int64
}

type CommitResult struct {
	Acked  int   `json:"acked"`
	Cursor int64 `json:"cursor"`
}

// Sync 重连补偿：离线队列一页 + 游标之后的 catch-up，按 msgId 去重合并。
// 队列翻完最后一页才做 catch-up，只补 limit 剩下的名额；队列对该设备待投递或已投递的消息跳过。
// 超出预算或出错时仍返回已取到的部分并置 HasMore。
func (q *Queue) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	limit := q.clampLimit(req.Limit)
	page, err := q.PendingFor(ctx, req.UserID, req.DeviceID, req.After, limit)
	if err != nil {
		metrics.SyncDrains.WithLabelValues("error").Inc()
		return nil, err
	}
	st, err := q.cursors.Cursor(ctx, req.UserID, req.DeviceID)
	if err != nil {
		metrics.SyncDrains.WithLabelValues("error").Inc()
		return nil, errs.WrapMsg(err, "load cursor", "user", req.UserID, "device", req.DeviceID)
	}
	var cursor int64
	if st != nil {
		cursor = st.LastSyncedMsgID
	}

	res := &SyncResult{HasMore: page.HasMore, Next: page.Next, Cursor: cursor}
	seen := make(map[int64]struct{}, len(page.Records))
	for _, r := range page.Records {
		if _, dup := seen[r.MessageID]; dup {
			continue
		}
		seen[r.MessageID] = struct{}{}
		res.Items = append(res.Items, SyncItem{
			MessageID:      r.MessageID,
			ConversationID: r.ConversationID,
			RecordID:       r.ID,
			Source:         SourceQueue,
			Message:        r.Payload,
		})
	}

	outcome := "complete"
	if room := limit - len(res.Items); q.catchUp != nil && !page.HasMore && room > 0 {
		if err := q.fillFromCursor(ctx, req, res, seen, limit, room); err != nil {
			outcome = "partial"
			res.HasMore = true
			logger.Warn("[Sync] catch-up incomplete, returning what was fetched",
				zap.String("user", req.UserID), zap.String("device", req.DeviceID), zap.Error(err))
		}
	} else if q.catchUp != nil {
		// 队列还有下一页或已占满本页，catch-up 留到后面
		res.HasMore = true
	}

	sort.SliceStable(res.Items, func(i, j int) bool { return res.Items[i].MessageID < res.Items[j].MessageID })
	if res.Items == nil {
		res.Items = []SyncItem{}
	}
	metrics.SyncDrains.WithLabelValues(outcome).Inc()
	metrics.SyncItems.Observe(float64(len(res.Items)))
	logger.Debug("[Sync] page",
		zap.String("user", req.UserID), zap.String("device", req.DeviceID),
		zap.Int("items", len(res.Items)), zap.Bool("hasMore", res.HasMore), zap.Int64("cursor", res.Cursor))
	return res, nil
}

// fillFromCursor 从 res.Cursor 起分批补拉，每批 fetch 条。队列已负责的消息跳过但游标照走；
// 名额用完即停，游标停在最后一条已处理的消息上。
func (q *Queue) fillFromCursor(ctx context.Context, req SyncRequest, res *SyncResult, seen map[int64]struct{}, fetch, room int) error {
	bctx, cancel := context.WithTimeout(ctx, q.conf.SyncBudget)
	defer cancel()

	// 只同步部分会话时不能推进全局游标
	advance := len(req.ConversationIDs) == 0
	from := res.Cursor
	for round := 0; round < maxCatchUpRounds; round++ {
		msgs, truncated, err := q.catchUpSince(bctx, req, from, fetch)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		tracked := q.trackedOf(bctx, req, msgs)
		full := false
		for _, m := range msgs {
			_, dup := seen[m.MsgID]
			_, queued := tracked[m.MsgID]
			if !dup && !queued {
				if room == 0 {
					full = true
					break
				}
				raw, err := json.Marshal(m)
				if err != nil {
					logger.Warn("[Sync] skip unencodable message", zap.Int64("msgId", m.MsgID), zap.Error(err))
				} else {
					seen[m.MsgID] = struct{}{}
					res.Items = append(res.Items, SyncItem{
						MessageID:      m.MsgID,
						ConversationID: m.ConversationID,
						Source:         SourceCursor,
						Message:        raw,
					})
					room--
				}
			}
			if advance && m.MsgID > res.Cursor {
				res.Cursor = m.MsgID
			}
		}
		if full {
			res.HasMore = true
			return nil
		}
		if !truncated {
			return nil
		}
		if room == 0 || round == maxCatchUpRounds-1 {
			res.HasMore = true
			return nil
		}
		from = msgs[len(msgs)-1].MsgID
	}
	return nil
}

// trackedOf 查询失败只会多给出重复消息，客户端按 msgId 去重
func (q *Queue) trackedOf(ctx context.Context, req SyncRequest, msgs []gateway.Message) map[int64]struct{} {
	idList := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		idList = append(idList, m.MsgID)
	}
	tracked, err := q.records.Tracked(ctx, req.UserID, req.DeviceID, idList, q.conf.Clock())
	if err != nil {
		logger.Warn("[Sync] tracked lookup failed", zap.String("user", req.UserID), zap.Error(err))
		return nil
	}
	return tracked
}

// catchUpSince 某个会话返回满 room 条时，其末尾之后的消息没有查到；
// 水位取所有满列表末尾 id 的最小值，超出水位的一律丢弃，游标因此不会越过漏查的消息。
// ctx 已带 SyncBudget。
func (q *Queue) catchUpSince(ctx context.Context, req SyncRequest, cursor int64, room int) ([]gateway.Message, bool, error) {
	convs := req.ConversationIDs
	if len(convs) == 0 {
		convs = []string{""}
	}
	var (
		all       []gateway.Message
		horizon   int64 = -1
		truncated bool
		firstErr  error
	)
	for _, conv := range convs {
		msgs, err := q.catchUp.GetMessagesSince(ctx, req.UserID, conv, cursor, room)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				firstErr = errs.WrapMsg(context.DeadlineExceeded, "sync budget exhausted")
			} else {
				firstErr = err
			}
			break
		}
		if len(msgs) >= room {
			truncated = true
			last := maxMsgID(msgs)
			if horizon < 0 || last < horizon {
				horizon = last
			}
		}
		for _, m := range msgs {
			if m.MsgID > cursor {
				all = append(all, m)
			}
		}
	}
	if firstErr != nil {
		// 部分会话没查到：这一批整体作废
		return nil, true, firstErr
	}

	if horizon >= 0 {
		kept := all[:0]
		for _, m := range all {
			if m.MsgID <= horizon {
				kept = append(kept, m)
			}
		}
		all = kept
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].MsgID < all[j].MsgID })
	if len(all) > room {
		all = all[:room]
		truncated = true
	}
	return all, truncated, nil
}

func maxMsgID(msgs []gateway.Message) int64 {
	var m int64
	for _, x := range msgs {
		if x.MsgID > m {
			m = x.MsgID
		}
	}
	return m
}

// Commit SYNC_ACK：先推进游标，再确认记录。中途失败只会导致幂等的重复投递。
func (q *Queue) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if req.UserID == "" || req.DeviceID == "" {
		return nil, errs.ErrArgs.WrapMsg("commit needs user and device")
	}
	out := &CommitResult{}
	if req.LastMessageID > 0 {
		st, err := q.UpdateCursor(ctx, req.UserID, req.DeviceID, req.LastMessageID)
		if err != nil {
			return nil, err
		}
		out.Cursor = st.LastSyncedMsgID
	} else {
		st, err := q.Cursor(ctx, req.UserID, req.DeviceID)
		if err != nil {
			return nil, err
		}
		if st != nil {
			out.Cursor = st.LastSyncedMsgID
		}
	}

	var (
		n   int
		err error
	)
	if req.All {
		n, err = q.AcknowledgeAll(ctx, req.UserID, req.DeviceID)
	} else {
		n, err = q.acknowledge(ctx, req.UserID, req.DeviceID, req.RecordIDs)
	}
	if err != nil {
		return nil, err
	}
	out.Acked = n
	return out, nil
}
