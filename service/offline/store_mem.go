package offline

import (
	"context"
	"hash/crc32"
	"sort"
	"sync"
	"time"
)

type memShard struct {
	mu      sync.RWMutex
	records map[string][]*Record              // userId -> 按 id 升序
	cursors map[string]map[string]*SyncStatus // userId -> deviceId -> cursor
}

// MemStore 进程内实现（开发与单测）；按 userId 分片
type MemStore struct {
	shards []memShard
}

var _ Store = (*MemStore)(nil)

func NewMemStore(shards int) *MemStore {
	if shards <= 0 {
		shards = 32
	}
	m := &MemStore{shards: make([]memShard, shards)}
	for i := range m.shards {
		m.shards[i].records = make(map[string][]*Record)
		m.shards[i].cursors = make(map[string]map[string]*SyncStatus)
	}
	return m
}

func (m *MemStore) shard(userID string) *memShard {
	return &m.shards[crc32.ChecksumIEEE([]byte(userID))%uint32(len(m.shards))]
}

func (m *MemStore) Insert(_ context.Context, r *Record) (bool, error) {
	sh := m.shard(r.Target.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	list := sh.records[r.Target.UserID]
	for _, x := range list {
		if x.MessageID == r.MessageID && x.DeliveredAt == nil {
			return false, nil
		}
	}
	cp := r.clone()
	i := sort.Search(len(list), func(i int) bool { return list[i].ID > cp.ID })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = cp
	sh.records[r.Target.UserID] = list
	return true, nil
}

func (m *MemStore) Pending(_ context.Context, userID, deviceID string, after int64, now time.Time, limit int) ([]*Record, bool, error) {
	sh := m.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]*Record, 0, limit)
	for _, r := range sh.records[userID] {
		if r.ID <= after || r.State(now) != StatePending || !r.Target.Matches(userID, deviceID) {
			continue
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, r.clone())
	}
	return out, false, nil
}

func (m *MemStore) MarkAttempt(_ context.Context, userID string, ids []int64) error {
	set := idSet(ids)
	sh := m.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, r := range sh.records[userID] {
		if _, ok := set[r.ID]; ok {
			r.RetryCount++
		}
	}
	return nil
}

func (m *MemStore) ack(userID, deviceID string, at time.Time, match func(*Record) bool) int {
	sh := m.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := 0
	for _, r := range sh.records[userID] {
		if r.State(at) != StatePending || !match(r) {
			continue
		}
		t := at
		r.DeliveredAt = &t
		r.DeliveredTo = deviceID
		n++
	}
	return n
}

func (m *MemStore) Acknowledge(_ context.Context, userID, deviceID string, ids []int64, at time.Time) (int, error) {
	set := idSet(ids)
	return m.ack(userID, deviceID, at, func(r *Record) bool { _, ok := set[r.ID]; return ok }), nil
}

func (m *MemStore) AcknowledgeMessages(_ context.Context, userID, deviceID string, msgIDs []int64, at time.Time) (int, error) {
	set := idSet(msgIDs)
	return m.ack(userID, deviceID, at, func(r *Record) bool {
		_, ok := set[r.MessageID]
		return ok && r.Target.DeviceID == deviceID
	}), nil
}

func (m *MemStore) AcknowledgeAll(_ context.Context, userID, deviceID string, at time.Time) (int, error) {
	return m.ack(userID, deviceID, at, func(r *Record) bool { return r.Target.Matches(userID, deviceID) }), nil
}

func (m *MemStore) Tracked(_ context.Context, userID, deviceID string, msgIDs []int64, now time.Time) (map[int64]struct{}, error) {
	set := idSet(msgIDs)
	out := make(map[int64]struct{})
	sh := m.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for _, r := range sh.records[userID] {
		if _, ok := set[r.MessageID]; !ok {
			continue
		}
		switch r.State(now) {
		case StatePending:
			if r.Target.Matches(userID, deviceID) {
				out[r.MessageID] = struct{}{}
			}
		case StateDelivered:
			if r.Target.DeviceID == deviceID || r.DeliveredTo == deviceID {
				out[r.MessageID] = struct{}{}
			}
		}
	}
	return out, nil
}

func (m *MemStore) sweep(drop func(*Record) bool) int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for u, list := range sh.records {
			kept := list[:0]
			for _, r := range list {
				if drop(r) {
					n++
					continue
				}
				kept = append(kept, r)
			}
			if len(kept) == 0 {
				delete(sh.records, u)
			} else {
				sh.records[u] = kept
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (m *MemStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	return m.sweep(func(r *Record) bool { return r.State(now) == StateExpired }), nil
}

func (m *MemStore) DeleteDeliveredBefore(_ context.Context, before time.Time) (int, error) {
	return m.sweep(func(r *Record) bool { return r.DeliveredAt != nil && r.DeliveredAt.Before(before) }), nil
}

func (m *MemStore) Cursor(_ context.Context, userID, deviceID string) (*SyncStatus, error) {
	sh := m.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if c := sh.cursors[userID][deviceID]; c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *MemStore) Advance(_ context.Context, userID, deviceID string, msgID int64, at time.Time) (*SyncStatus, error) {
	sh := m.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c := sh.cursorLocked(userID, deviceID, at)
	if msgID > c.LastSyncedMsgID {
		c.LastSyncedMsgID = msgID
	}
	c.LastSyncedAt = at
	cp := *c
	return &cp, nil
}

func (m *MemStore) Ensure(_ context.Context, userID, deviceID string, at time.Time) error {
	sh := m.shard(userID)
	sh.mu.Lock()
	sh.cursorLocked(userID, deviceID, at)
	sh.mu.Unlock()
	return nil
}

func (sh *memShard) cursorLocked(userID, deviceID string, at time.Time) *SyncStatus {
	devs := sh.cursors[userID]
	if devs == nil {
		devs = make(map[string]*SyncStatus)
		sh.cursors[userID] = devs
	}
	c := devs[deviceID]
	if c == nil {
		c = &SyncStatus{UserID: userID, DeviceID: deviceID, LastSyncedAt: at}
		devs[deviceID] = c
	}
	return c
}

func (m *MemStore) Devices(_ context.Context, userID string) ([]string, error) {
	sh := m.shard(userID)
	sh.mu.RLock()
	out := make([]string, 0, len(sh.cursors[userID]))
	for d := range sh.cursors[userID] {
		out = append(out, d)
	}
	sh.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
