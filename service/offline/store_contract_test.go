package offline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPChat/data/database/mgo/mongoutil"
	"PPChat/data/database/pg/pgutil"
	"PPChat/tools/ids"
)

// storeContract 所有 Store 后端共同遵守的行为
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	user := "contract-" + ids.GenerateString()
	rec := func(dev string, msg int64) *Record {
		return &Record{
			ID: ids.Generate(), Target: Target{UserID: user, DeviceID: dev}, MessageID: msg,
			ConversationID: "c1", Payload: []byte(`{"msgId":1}`),
			CreatedAt: now, ExpiredAt: now.Add(time.Hour),
		}
	}

	ok, err := s.Insert(ctx, rec("ios", 1))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Insert(ctx, rec("", 1))
	require.NoError(t, err)
	assert.False(t, ok, "same user and message while pending")

	_, err = s.Insert(ctx, rec("", 2))
	require.NoError(t, err)
	_, err = s.Insert(ctx, rec("web", 3))
	require.NoError(t, err)

	recs, more, err := s.Pending(ctx, user, "ios", 0, now, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, more)
	assert.EqualValues(t, 1, recs[0].MessageID)
	assert.JSONEq(t, `{"msgId":1}`, string(recs[0].Payload))

	recs, more, err = s.Pending(ctx, user, "ios", recs[0].ID, now, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, more)
	assert.EqualValues(t, 2, recs[0].MessageID)
	assert.True(t, recs[0].Target.IsAll())

	require.NoError(t, s.MarkAttempt(ctx, user, []int64{recs[0].ID}))

	n, err := s.AcknowledgeMessages(ctx, user, "ios", []int64{1, 3}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "web record is not visible to ios")
	// AllDevicesOf 记录不随单台设备的实时确认消失
	n, err = s.AcknowledgeMessages(ctx, user, "web", []int64{2}, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.AcknowledgeAll(ctx, user, "ios", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.AcknowledgeAll(ctx, user, "ios", now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.Tracked(ctx, user, "ios", []int64{1, 2, 3}, now)
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}, 2: {}}, got)
	got, err = s.Tracked(ctx, user, "web", []int64{1, 2, 3}, now)
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{3: {}}, got)
	got, err = s.Tracked(ctx, user, "desktop", []int64{2}, now)
	require.NoError(t, err)
	assert.Empty(t, got, "delivered to ios only")

	n, err = s.DeleteDeliveredBefore(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	// web 的记录仍然待投递，过期前清理不会动它
	_, err = s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	recs, _, err = s.Pending(ctx, user, "web", 0, now, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	st, err := s.Cursor(ctx, user, "ios")
	require.NoError(t, err)
	assert.Nil(t, st)
	require.NoError(t, s.Ensure(ctx, user, "ios", now))
	require.NoError(t, s.Ensure(ctx, user, "ios", now))
	st, err = s.Advance(ctx, user, "ios", 40, now)
	require.NoError(t, err)
	assert.EqualValues(t, 40, st.LastSyncedMsgID)
	st, err = s.Advance(ctx, user, "ios", 10, now.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 40, st.LastSyncedMsgID)
	require.NoError(t, s.Ensure(ctx, user, "web", now))
	devs, err := s.Devices(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"ios", "web"}, devs)
}

func TestMemStoreContract(t *testing.T) {
	storeContract(t, NewMemStore(2))
}

func TestPgStoreContract(t *testing.T) {
	url := os.Getenv("PPCHAT_TEST_PG_URL")
	if url == "" {
		t.Skip("PPCHAT_TEST_PG_URL not set")
	}
	ctx := context.Background()
	pool, err := pgutil.New(ctx, pgutil.Config{URL: url})
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, pgutil.Migrate(ctx, pool, PostgresSchema...))
	storeContract(t, NewPgStore(pool))
}

func TestMongoStoreContract(t *testing.T) {
	uri := os.Getenv("PPCHAT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PPCHAT_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	cli, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{Uri: uri, Database: "ppchat_test"})
	require.NoError(t, err)
	defer cli.Close(ctx)
	s := NewMongoStore(cli.GetDB())
	require.NoError(t, s.EnsureIndexes(ctx))
	storeContract(t, s)
}
