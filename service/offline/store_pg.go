package offline

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// target_device_id = '' 表示 AllDevicesOf
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS offline_messages (
	id               BIGINT      PRIMARY KEY,
	target_user_id   TEXT        NOT NULL,
	target_device_id TEXT        NOT NULL DEFAULT '',
	message_id       BIGINT      NOT NULL,
	conversation_id  TEXT        NOT NULL,
	payload          JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	expired_at       TIMESTAMPTZ NOT NULL,
	delivered_at     TIMESTAMPTZ,
	delivered_to     TEXT        NOT NULL DEFAULT '',
	retry_count      INT         NOT NULL DEFAULT 0
)`,
	`ALTER TABLE offline_messages ADD COLUMN IF NOT EXISTS delivered_to TEXT NOT NULL DEFAULT ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_offline_pending
	ON offline_messages (target_user_id, message_id) WHERE delivered_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_offline_user_pending
	ON offline_messages (target_user_id, id) WHERE delivered_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_offline_expired ON offline_messages (expired_at)`,
	`CREATE INDEX IF NOT EXISTS idx_offline_user_msg ON offline_messages (target_user_id, message_id)`,
	`CREATE TABLE IF NOT EXISTS device_sync_status (
	user_id            TEXT        NOT NULL,
	device_id          TEXT        NOT NULL,
	last_synced_msg_id BIGINT      NOT NULL DEFAULT 0,
	last_synced_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, device_id)
)`,
}

// PgStore Postgres 后端
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

func NewPgStore(pool *pgxpool.Pool) *PgStore { return &PgStore{pool: pool} }

func (s *PgStore) Insert(ctx context.Context, r *Record) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO offline_messages
	(id, target_user_id, target_device_id, message_id, conversation_id, payload, created_at, expired_at, retry_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
ON CONFLICT (target_user_id, message_id) WHERE delivered_at IS NULL DO NOTHING`,
		r.ID, r.Target.UserID, r.Target.DeviceID, r.MessageID, r.ConversationID,
		nullJSON(r.Payload), r.CreatedAt, r.ExpiredAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Pending(ctx context.Context, userID, deviceID string, after int64, now time.Time, limit int) ([]*Record, bool, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, target_user_id, target_device_id, message_id, conversation_id, payload,
       created_at, expired_at, delivered_at, retry_count
FROM offline_messages
WHERE target_user_id = $1
  AND (target_device_id = $2 OR target_device_id = '')
  AND delivered_at IS NULL
  AND expired_at > $3
  AND id > $4
ORDER BY id
LIMIT $5`, userID, deviceID, now, after, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	out := make([]*Record, 0, limit)
	for rows.Next() {
		var (
			r       Record
			payload []byte
		)
		if err := rows.Scan(&r.ID, &r.Target.UserID, &r.Target.DeviceID, &r.MessageID, &r.ConversationID,
			&payload, &r.CreatedAt, &r.ExpiredAt, &r.DeliveredAt, &r.RetryCount); err != nil {
			return nil, false, err
		}
		r.Payload = payload
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

func (s *PgStore) MarkAttempt(ctx context.Context, userID string, ids []int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE offline_messages SET retry_count = retry_count + 1 WHERE target_user_id = $1 AND id = ANY($2)`,
		userID, ids)
	return err
}

func (s *PgStore) Acknowledge(ctx context.Context, userID, deviceID string, ids []int64, at time.Time) (int, error) {
	return s.exec(ctx, `
UPDATE offline_messages SET delivered_at = $4, delivered_to = $2
WHERE target_user_id = $1 AND id = ANY($3) AND delivered_at IS NULL AND expired_at > $4`,
		userID, deviceID, ids, at)
}

func (s *PgStore) AcknowledgeMessages(ctx context.Context, userID, deviceID string, msgIDs []int64, at time.Time) (int, error) {
	return s.exec(ctx, `
UPDATE offline_messages SET delivered_at = $4, delivered_to = $2
WHERE target_user_id = $1 AND target_device_id = $2
  AND message_id = ANY($3) AND delivered_at IS NULL AND expired_at > $4`,
		userID, deviceID, msgIDs, at)
}

func (s *PgStore) AcknowledgeAll(ctx context.Context, userID, deviceID string, at time.Time) (int, error) {
	return s.exec(ctx, `
UPDATE offline_messages SET delivered_at = $3, delivered_to = $2
WHERE target_user_id = $1 AND (target_device_id = $2 OR target_device_id = '')
  AND delivered_at IS NULL AND expired_at > $3`,
		userID, deviceID, at)
}

func (s *PgStore) Tracked(ctx context.Context, userID, deviceID string, msgIDs []int64, now time.Time) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if len(msgIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT message_id FROM offline_messages
WHERE target_user_id = $1 AND message_id = ANY($3) AND (
  (delivered_at IS NULL AND expired_at > $4 AND (target_device_id = $2 OR target_device_id = ''))
  OR (delivered_at IS NOT NULL AND (target_device_id = $2 OR delivered_to = $2)))`,
		userID, deviceID, msgIDs, now)
	if err != nil {
		return nil, err
	}
	got, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	for _, id := range got {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *PgStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM offline_messages WHERE delivered_at IS NULL AND expired_at <= $1`, now)
}

func (s *PgStore) DeleteDeliveredBefore(ctx context.Context, before time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM offline_messages WHERE delivered_at IS NOT NULL AND delivered_at < $1`, before)
}

func (s *PgStore) exec(ctx context.Context, sql string, args ...any) (int, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgStore) Cursor(ctx context.Context, userID, deviceID string) (*SyncStatus, error) {
	st := SyncStatus{UserID: userID, DeviceID: deviceID}
	err := s.pool.QueryRow(ctx,
		`SELECT last_synced_msg_id, last_synced_at FROM device_sync_status WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID).Scan(&st.LastSyncedMsgID, &st.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PgStore) Advance(ctx context.Context, userID, deviceID string, msgID int64, at time.Time) (*SyncStatus, error) {
	st := SyncStatus{UserID: userID, DeviceID: deviceID}
	err := s.pool.QueryRow(ctx, `
INSERT INTO device_sync_status (user_id, device_id, last_synced_msg_id, last_synced_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, device_id) DO UPDATE SET
	last_synced_msg_id = GREATEST(device_sync_status.last_synced_msg_id, EXCLUDED.last_synced_msg_id),
	last_synced_at     = EXCLUDED.last_synced_at
RETURNING last_synced_msg_id, last_synced_at`,
		userID, deviceID, msgID, at).Scan(&st.LastSyncedMsgID, &st.LastSyncedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PgStore) Ensure(ctx context.Context, userID, deviceID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO device_sync_status (user_id, device_id, last_synced_msg_id, last_synced_at)
VALUES ($1, $2, 0, $3) ON CONFLICT (user_id, device_id) DO NOTHING`, userID, deviceID, at)
	return err
}

func (s *PgStore) Devices(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT device_id FROM device_sync_status WHERE user_id = $1 ORDER BY device_id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
