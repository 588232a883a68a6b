package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/doexcess/business-api/internal/domain/enums"
)

type Notification struct {
	ID         uuid.UUID                   `json:"id"`
	BusinessID uuid.UUID                   `json:"business_id"`
	Title      string                      `json:"title"`
	Body       string                      `json:"body"`
	Channels   []enums.NotificationChannel `json:"channels"`
	CreatedBy  uuid.UUID                   `json:"created_by"`
	Recipients int                         `json:"recipients"`
	CreatedAt  time.Time                   `json:"created_at"`
}

type InboxItem struct {
	NotificationID uuid.UUID  `json:"id"`
	BusinessID     uuid.UUID  `json:"business_id"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Delivery is one channel attempt for one recipient.
type Delivery struct {
	NotificationID uuid.UUID                 `json:"notification_id"`
	UserID         uuid.UUID                 `json:"user_id"`
	Channel        enums.NotificationChannel `json:"channel"`
	Status         enums.DeliveryStatus      `json:"status"`
	Error          string                    `json:"error,omitempty"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}
