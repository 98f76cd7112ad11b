package offline

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// 游标哈希：im:cursor:{userId}，field = deviceId，value = "msgId:atMs"
func cursorKey(userID string) string { return "im:cursor:{" + userID + "}" }

// 单调推进。id 按字符串比较（先比长度），避免 Lua 双精度丢失 int64 精度
// KEYS[1]=key; ARGV[1]=device; ARGV[2]=msgId; ARGV[3]=atMs；返回新 value
var luaAdvanceCursor = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
local id = ARGV[2]
if cur then
  local p = string.find(cur, ':', 1, true)
  local old = p and string.sub(cur, 1, p - 1) or cur
  if #old > #id or (#old == #id and old > id) then
    id = old
  end
end
local v = id .. ':' .. ARGV[3]
redis.call('HSET', KEYS[1], ARGV[1], v)
return v
`)

// RedisCursorStore 游标存 Redis（配合 GatewayRecordStore）
type RedisCursorStore struct {
	rdb redis.UniversalClient
}

var _ CursorStore = (*RedisCursorStore)(nil)

func NewRedisCursorStore(rdb redis.UniversalClient) *RedisCursorStore {
	return &RedisCursorStore{rdb: rdb}
}

func (s *RedisCursorStore) Cursor(ctx context.Context, userID, deviceID string) (*SyncStatus, error) {
	v, err := s.rdb.HGet(ctx, cursorKey(userID), deviceID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseCursor(userID, deviceID, v)
}

func (s *RedisCursorStore) Advance(ctx context.Context, userID, deviceID string, msgID int64, at time.Time) (*SyncStatus, error) {
	if msgID < 0 {
		msgID = 0
	}
	v, err := luaAdvanceCursor.Run(ctx, s.rdb, []string{cursorKey(userID)},
		deviceID, strconv.FormatInt(msgID, 10), at.UnixMilli()).Text()
	if err != nil {
		return nil, err
	}
	return parseCursor(userID, deviceID, v)
}

func (s *RedisCursorStore) Ensure(ctx context.Context, userID, deviceID string, at time.Time) error {
	return s.rdb.HSetNX(ctx, cursorKey(userID), deviceID, formatCursor(0, at)).Err()
}

func (s *RedisCursorStore) Devices(ctx context.Context, userID string) ([]string, error) {
	devs, err := s.rdb.HKeys(ctx, cursorKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(devs)
	return devs, nil
}

func formatCursor(msgID int64, at time.Time) string {
	return strconv.FormatInt(msgID, 10) + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

func parseCursor(userID, deviceID, v string) (*SyncStatus, error) {
	idStr, atStr, _ := strings.Cut(v, ":")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, err
	}
	st := &SyncStatus{UserID: userID, DeviceID: deviceID, LastSyncedMsgID: id}
	if ms, err := strconv.ParseInt(atStr, 10, 64); err == nil {
		st.LastSyncedAt = time.UnixMilli(ms)
	}
	return st, nil
}
