package offline

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collOffline = "offline_messages"
	collCursor  = "device_sync_status"
)

// mongoRecord pending 冗余一份 delivered_at == nil，用于部分唯一索引
type mongoRecord struct {
	ID             int64      `bson:"_id"`
	UserID         string     `bson:"user_id"`
	DeviceID       string     `bson:"device_id"` // "" = AllDevicesOf
	MessageID      int64      `bson:"message_id"`
	ConversationID string     `bson:"conversation_id"`
	Payload        []byte     `bson:"payload,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	ExpiredAt      time.Time  `bson:"expired_at"`
	DeliveredAt    *time.Time `bson:"delivered_at,omitempty"`
	DeliveredTo    string     `bson:"delivered_to,omitempty"`
	Pending        bool       `bson:"pending"`
	RetryCount     int        `bson:"retry_count"`
}

type mongoCursor struct {
	UserID          string    `bson:"user_id"`
	DeviceID        string    `bson:"device_id"`
	LastSyncedMsgID int64     `bson:"last_synced_msg_id"`
	LastSyncedAt    time.Time `bson:"last_synced_at"`
}

// MongoStore MongoDB 后端
type MongoStore struct {
	records *mongo.Collection
	cursors *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{records: db.Collection(collOffline), cursors: db.Collection(collCursor)}
}

// EnsureIndexes 启动时建索引，可重复执行
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "message_id", Value: 1}},
			Options: options.Index().SetName("uq_user_msg_pending").SetUnique(true).
				SetPartialFilterExpression(bson.M{"pending": true}),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "pending", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "expired_at", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "message_id", Value: 1}, {Key: "pending", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.cursors.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoStore) Insert(ctx context.Context, r *Record) (bool, error) {
	_, err := s.records.InsertOne(ctx, mongoRecord{
		ID:             r.ID,
		UserID:         r.Target.UserID,
		DeviceID:       r.Target.DeviceID,
		MessageID:      r.MessageID,
		ConversationID: r.ConversationID,
		Payload:        r.Payload,
		CreatedAt:      r.CreatedAt,
		ExpiredAt:      r.ExpiredAt,
		Pending:        true,
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func deviceFilter(userID, deviceID string) bson.M {
	return bson.M{
		"user_id":   userID,
		"device_id": bson.M{"$in": bson.A{deviceID, ""}},
	}
}

func (s *MongoStore) Pending(ctx context.Context, userID, deviceID string, after int64, now time.Time, limit int) ([]*Record, bool, error) {
	f := deviceFilter(userID, deviceID)
	f["pending"] = true
	f["expired_at"] = bson.M{"$gt": now}
	f["_id"] = bson.M{"$gt": after}
	cur, err := s.records.Find(ctx, f, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit+1)))
	if err != nil {
		return nil, false, err
	}
	var docs []mongoRecord
	if err := cur.All(ctx, &docs); err != nil {
		return nil, false, err
	}
	more := len(docs) > limit
	if more {
		docs = docs[:limit]
	}
	out := make([]*Record, 0, len(docs))
	for i := range docs {
		d := &docs[i]
		out = append(out, &Record{
			ID:             d.ID,
			Target:         Target{UserID: d.UserID, DeviceID: d.DeviceID},
			MessageID:      d.MessageID,
			ConversationID: d.ConversationID,
			Payload:        d.Payload,
			CreatedAt:      d.CreatedAt,
			ExpiredAt:      d.ExpiredAt,
			DeliveredAt:    d.DeliveredAt,
			DeliveredTo:    d.DeliveredTo,
			RetryCount:     d.RetryCount,
		})
	}
	return out, more, nil
}

func (s *MongoStore) MarkAttempt(ctx context.Context, userID string, ids []int64) error {
	_, err := s.records.UpdateMany(ctx,
		bson.M{"user_id": userID, "_id": bson.M{"$in": ids}},
		bson.M{"$inc": bson.M{"retry_count": 1}})
	return err
}

func (s *MongoStore) ack(ctx context.Context, f bson.M, deviceID string, at time.Time) (int, error) {
	f["pending"] = true
	f["expired_at"] = bson.M{"$gt": at}
	res, err := s.records.UpdateMany(ctx, f, bson.M{"$set": bson.M{
		"delivered_at": at,
		"delivered_to": deviceID,
		"pending":      false,
	}})
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) Acknowledge(ctx context.Context, userID, deviceID string, ids []int64, at time.Time) (int, error) {
	return s.ack(ctx, bson.M{"user_id": userID, "_id": bson.M{"$in": ids}}, deviceID, at)
}

func (s *MongoStore) AcknowledgeMessages(ctx context.Context, userID, deviceID string, msgIDs []int64, at time.Time) (int, error) {
	f := bson.M{"user_id": userID, "device_id": deviceID, "message_id": bson.M{"$in": msgIDs}}
	return s.ack(ctx, f, deviceID, at)
}

func (s *MongoStore) AcknowledgeAll(ctx context.Context, userID, deviceID string, at time.Time) (int, error) {
	return s.ack(ctx, deviceFilter(userID, deviceID), deviceID, at)
}

func (s *MongoStore) Tracked(ctx context.Context, userID, deviceID string, msgIDs []int64, now time.Time) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if len(msgIDs) == 0 {
		return out, nil
	}
	vals, err := s.records.Distinct(ctx, "message_id", bson.M{
		"user_id":    userID,
		"message_id": bson.M{"$in": msgIDs},
		"$or": bson.A{
			bson.M{"pending": true, "expired_at": bson.M{"$gt": now}, "device_id": bson.M{"$in": bson.A{deviceID, ""}}},
			bson.M{"pending": false, "device_id": deviceID},
			bson.M{"pending": false, "delivered_to": deviceID},
		},
	})
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		switch id := v.(type) {
		case int64:
			out[id] = struct{}{}
		case int32:
			out[int64(id)] = struct{}{}
		}
	}
	return out, nil
}

func (s *MongoStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.records.DeleteMany(ctx, bson.M{"pending": true, "expired_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) DeleteDeliveredBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.records.DeleteMany(ctx, bson.M{"pending": false, "delivered_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) Cursor(ctx context.Context, userID, deviceID string) (*SyncStatus, error) {
	var c mongoCursor
	err := s.cursors.FindOne(ctx, bson.M{"user_id": userID, "device_id": deviceID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.status(), nil
}

func (s *MongoStore) Advance(ctx context.Context, userID, deviceID string, msgID int64, at time.Time) (*SyncStatus, error) {
	var c mongoCursor
	err := s.cursors.FindOneAndUpdate(ctx,
		bson.M{"user_id": userID, "device_id": deviceID},
		bson.M{
			"$max": bson.M{"last_synced_msg_id": msgID},
			"$set": bson.M{"last_synced_at": at},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return nil, err
	}
	return c.status(), nil
}

func (s *MongoStore) Ensure(ctx context.Context, userID, deviceID string, at time.Time) error {
	_, err := s.cursors.UpdateOne(ctx,
		bson.M{"user_id": userID, "device_id": deviceID},
		bson.M{"$setOnInsert": bson.M{"last_synced_msg_id": int64(0), "last_synced_at": at}},
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// 并发 upsert 撞唯一索引，说明已存在
		return nil
	}
	return err
}

func (s *MongoStore) Devices(ctx context.Context, userID string) ([]string, error) {
	vals, err := s.cursors.Distinct(ctx, "device_id", bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if d, ok := v.(string); ok {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *mongoCursor) status() *SyncStatus {
	return &SyncStatus{
		UserID:          c.UserID,
		DeviceID:        c.DeviceID,
		LastSyncedMsgID: c.LastSyncedMsgID,
		LastSyncedAt:    c.LastSyncedAt,
	}
}
