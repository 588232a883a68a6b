package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
)

var ErrNotificationNotFound = errors.New("notification not found")

type NotificationRepo struct {
	db DB
}

func NewNotificationRepo(db DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

// Create persists the notification, one inbox row per recipient and one delivery row per
// recipient and external channel. In-app delivery is done once the inbox row exists.
func (r *NotificationRepo) Create(ctx context.Context, n model.Notification, recipients []uuid.UUID) (model.Notification, error) {
	if r.db == nil {
		return model.Notification{}, errNilDB
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	channels := make([]string, 0, len(n.Channels))
	for _, ch := range n.Channels {
		channels = append(channels, string(ch))
	}

	var out model.Notification
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		var stored []string
		if err := tx.QueryRow(txCtx, `
INSERT INTO notifications (id, business_id, title, body, channels, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
RETURNING id, business_id, title, body, channels, created_by, created_at
`, n.ID, n.BusinessID, n.Title, n.Body, channels, n.CreatedBy).Scan(
			&out.ID, &out.BusinessID, &out.Title, &out.Body, &stored, &out.CreatedBy, &out.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		out.Channels = toChannels(stored)

		tag, err := tx.Exec(txCtx, `
INSERT INTO notification_recipients (notification_id, user_id)
SELECT $1, unnest($2::uuid[])
ON CONFLICT DO NOTHING
`, out.ID, recipients)
		if err != nil {
			return fmt.Errorf("insert recipients: %w", err)
		}
		out.Recipients = int(tag.RowsAffected())

		if _, err := tx.Exec(txCtx, `
INSERT INTO notification_deliveries (notification_id, user_id, channel, status, updated_at)
SELECT r.notification_id, r.user_id, ch, CASE WHEN ch = 'in_app' THEN 'sent' ELSE 'pending' END, NOW()
FROM notification_recipients r
CROSS JOIN unnest($2::text[]) AS ch
WHERE r.notification_id = $1
`, out.ID, channels); err != nil {
			return fmt.Errorf("insert deliveries: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Notification{}, err
	}
	return out, nil
}

func (r *NotificationRepo) Get(ctx context.Context, id uuid.UUID) (model.Notification, error) {
	if r.db == nil {
		return model.Notification{}, errNilDB
	}

	var (
		n        model.Notification
		channels []string
	)
	err := r.db.QueryRow(ctx, `
SELECT n.id, n.business_id, n.title, n.body, n.channels, n.created_by, n.created_at,
	(SELECT COUNT(*) FROM notification_recipients r WHERE r.notification_id = n.id)
FROM notifications n
WHERE n.id = $1
`, id).Scan(&n.ID, &n.BusinessID, &n.Title, &n.Body, &channels, &n.CreatedBy, &n.CreatedAt, &n.Recipients)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Notification{}, ErrNotificationNotFound
		}
		return model.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	n.Channels = toChannels(channels)
	return n, nil
}

func (r *NotificationRepo) PendingDeliveries(ctx context.Context, notificationID uuid.UUID) ([]model.Delivery, error) {
	if r.db == nil {
		return nil, errNilDB
	}

	rows, err := r.db.Query(ctx, `
SELECT notification_id, user_id, channel, status, error, updated_at
FROM notification_deliveries
WHERE notification_id = $1
  AND status = 'pending'
ORDER BY user_id, channel
`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("list pending deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]model.Delivery, 0)
	for rows.Next() {
		var (
			d       model.Delivery
			channel string
			status  string
		)
		if err := rows.Scan(&d.NotificationID, &d.UserID, &channel, &status, &d.Error, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Channel = enums.NotificationChannel(channel)
		d.Status = enums.DeliveryStatus(status)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

func (r *NotificationRepo) SetDeliveryStatus(ctx context.Context, d model.Delivery) error {
	if r.db == nil {
		return errNilDB
	}

	if _, err := r.db.Exec(ctx, `
UPDATE notification_deliveries
SET status = $4, error = $5, updated_at = NOW()
WHERE notification_id = $1
  AND user_id = $2
  AND channel = $3
`, d.NotificationID, d.UserID, string(d.Channel), string(d.Status), d.Error); err != nil {
		return fmt.Errorf("set delivery status: %w", err)
	}
	return nil
}

func (r *NotificationRepo) ListInbox(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.InboxItem, int64, error) {
	if r.db == nil {
		return nil, 0, errNilDB
	}

	var total int64
	if err := r.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM notification_recipients
WHERE user_id = $1
`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count inbox: %w", err)
	}

	rows, err := r.db.Query(ctx, `
SELECT n.id, n.business_id, n.title, n.body, r.read_at, n.created_at
FROM notification_recipients r
JOIN notifications n ON n.id = r.notification_id
WHERE r.user_id = $1
ORDER BY n.created_at DESC, n.id
LIMIT $2 OFFSET $3
`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	out := make([]model.InboxItem, 0, limit)
	for rows.Next() {
		var item model.InboxItem
		if err := rows.Scan(&item.NotificationID, &item.BusinessID, &item.Title, &item.Body, &item.ReadAt, &item.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan inbox item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate inbox: %w", err)
	}
	return out, total, nil
}

func (r *NotificationRepo) MarkRead(ctx context.Context, notificationID, userID uuid.UUID, now time.Time) error {
	if r.db == nil {
		return errNilDB
	}

	tag, err := r.db.Exec(ctx, `
UPDATE notification_recipients
SET read_at = COALESCE(read_at, $3)
WHERE notification_id = $1
  AND user_id = $2
`, notificationID, userID, now)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func toChannels(raw []string) []enums.NotificationChannel {
	out := make([]enums.NotificationChannel, 0, len(raw))
	for _, ch := range raw {
		out = append(out, enums.NotificationChannel(ch))
	}
	return out
}
