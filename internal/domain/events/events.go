// Package events holds the payloads carried on the business.events exchange. The routing key is
// the event name.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PaymentSucceeded     = "payment.succeeded.v1"
	NotificationDispatch = "notification.dispatch.v1"
)

type PaymentSucceededPayload struct {
	PaymentID  uuid.UUID       `json:"payment_id"`
	BusinessID uuid.UUID       `json:"business_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Reference  string          `json:"reference"`
	Email      string          `json:"email"`
	Amount     decimal.Decimal `json:"amount"`
	Discount   decimal.Decimal `json:"discount"`
	Currency   string          `json:"currency"`
	Items      []PurchasedItem `json:"items"`
	PaidAt     time.Time       `json:"paid_at"`
}

type PurchasedItem struct {
	ProductID uuid.UUID       `json:"product_id"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type NotificationDispatchPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
	BusinessID     uuid.UUID `json:"business_id"`
}
