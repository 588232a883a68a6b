package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PaymentPending = "PENDING"
	PaymentSuccess = "SUCCESS"
	PaymentFailed  = "FAILED"
)

type PaymentItem struct {
	ProductID    uuid.UUID       `json:"product_id"`
	TicketTierID *uuid.UUID      `json:"ticket_tier_id,omitempty"`
	Title        string          `json:"title"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
}

type Payment struct {
	ID               uuid.UUID       `json:"id"`
	BusinessID       uuid.UUID       `json:"business_id"`
	Reference        string          `json:"reference"`
	Email            string          `json:"email"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Discount         decimal.Decimal `json:"discount"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CouponCode       string          `json:"coupon_code,omitempty"`
	Status           string          `json:"status"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	AuthorizationURL string          `json:"authorization_url,omitempty"`
	AccessCode       string          `json:"access_code,omitempty"`
	Purchase         struct {
		Items []PaymentItem `json:"items"`
	} `json:"purchase"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type CheckoutRequest struct {
	Email          string `json:"email"`
	CouponCode     string `json:"coupon_code,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Checkout creates a pending payment for the current cart and returns it with the gateway
// authorization url the buyer is sent to. An empty idempotency key gets a fresh one, so callers
// retrying a checkout should set their own.
func (c *Client) Checkout(ctx context.Context, sess Session, in CheckoutRequest) (Payment, error) {
	if err := requireSession(sess); err != nil {
		return Payment{}, err
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		in.IdempotencyKey = uuid.NewString()
	}
	var out Payment
	err := c.do(ctx, request{method: http.MethodPost, path: "/payments/checkout", body: in, session: &sess}, &out)
	return out, err
}

// CancelPayment abandons a pending checkout on the server so it does not stay open after the
// buyer closes the payment window.
func (c *Client) CancelPayment(ctx context.Context, sess Session, paymentID uuid.UUID) (Payment, error) {
	if err := requireSession(sess); err != nil {
		return Payment{}, err
	}
	var out Payment
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/payments/" + paymentID.String() + "/cancel",
		session: &sess,
	}, &out)
	return out, err
}

func (c *Client) VerifyPayment(ctx context.Context, sess Session, reference string) (Payment, error) {
	if err := requireSession(sess); err != nil {
		return Payment{}, err
	}
	var out Payment
	err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    "/payments/verify/" + strings.TrimSpace(reference),
		session: &sess,
	}, &out)
	return out, err
}
