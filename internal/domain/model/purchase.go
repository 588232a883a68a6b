package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
)

type Payment struct {
	ID               uuid.UUID           `json:"id"`
	BusinessID       uuid.UUID           `json:"business_id"`
	UserID           uuid.UUID           `json:"user_id"`
	Reference        string              `json:"reference"`
	Email            string              `json:"email"`
	Subtotal         decimal.Decimal     `json:"subtotal"`
	Discount         decimal.Decimal     `json:"discount"`
	Amount           decimal.Decimal     `json:"amount"`
	Currency         string              `json:"currency"`
	CouponID         *uuid.UUID          `json:"coupon_id,omitempty"`
	CouponCode       string              `json:"coupon_code,omitempty"`
	Status           enums.PaymentStatus `json:"status"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	IdempotencyKey   string              `json:"-"`
	AuthorizationURL string              `json:"authorization_url,omitempty"`
	AccessCode       string              `json:"access_code,omitempty"`
	Purchase         Purchase            `json:"purchase"`
	Refunds          []Refund            `json:"refunds,omitempty"`
	PaidAt           *time.Time          `json:"paid_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

type Purchase struct {
	Items []PaymentItem `json:"items"`
}

type PaymentItem struct {
	ID           uuid.UUID         `json:"id"`
	PaymentID    uuid.UUID         `json:"payment_id"`
	ProductID    uuid.UUID         `json:"product_id"`
	TicketTierID *uuid.UUID        `json:"ticket_tier_id,omitempty"`
	ProductType  enums.ProductType `json:"product_type"`
	Title        string            `json:"title"`
	UnitPrice    decimal.Decimal   `json:"unit_price"`
	Quantity     int               `json:"quantity"`
}

type Refund struct {
	ID         uuid.UUID          `json:"id"`
	PaymentID  uuid.UUID          `json:"payment_id"`
	Amount     decimal.Decimal    `json:"amount"`
	Reason     string             `json:"reason"`
	Status     enums.RefundStatus `json:"status"`
	GatewayRef string             `json:"gateway_ref,omitempty"`
	CreatedBy  uuid.UUID          `json:"created_by"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Refunded counts refunds that were not rejected by the gateway.
func (p Payment) Refunded() decimal.Decimal {
	total := decimal.Zero
	for _, refund := range p.Refunds {
		if refund.Status == enums.RefundStatusFailed {
			continue
		}
		total = total.Add(refund.Amount)
	}
	return total
}

func (p Payment) OwnedBy(userID uuid.UUID) bool {
	return p.UserID == userID
}
