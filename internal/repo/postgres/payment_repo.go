package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/money"
)

const (
	ReasonCouponExhausted = "coupon usage limit reached"
	ReasonSoldOut         = "ticket tier sold out"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrTierOversold         = errors.New("ticket tier would be oversold")
	ErrRefundExceedsAmount  = errors.New("refunds would exceed the payment amount")
	ErrPaymentNotRefundable = errors.New("only successful payments can be refunded")
)

const paymentColumns = `id, business_id, user_id, reference, email, subtotal_kobo, discount_kobo, amount_kobo, currency,
	coupon_id, coupon_code, status, failure_reason, idempotency_key, authorization_url, access_code, paid_at, created_at, updated_at`

type PaymentFilter struct {
	BusinessID uuid.UUID
	UserID     *uuid.UUID
	Status     enums.PaymentStatus
}

// StatusChange is the outcome of ApplyStatus. Changed is false when the request was a no-op.
// Rejected marks a success that was turned into a failure because the purchase no longer fit
// the coupon or ticket limits.
type StatusChange struct {
	Payment  model.Payment
	Previous enums.PaymentStatus
	Changed  bool
	Rejected bool
}

type PaymentRepo struct {
	db DB
}

func NewPaymentRepo(db DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

// CreatePending stores a PENDING payment with its purchase items. A repeated idempotency key
// returns the payment created the first time and created=false.
func (r *PaymentRepo) CreatePending(ctx context.Context, p model.Payment) (model.Payment, bool, error) {
	if r.db == nil {
		return model.Payment{}, false, errNilDB
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	var (
		out     model.Payment
		created bool
	)
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		if p.IdempotencyKey != "" {
			existing, err := scanPayment(tx.QueryRow(txCtx, `
SELECT `+paymentColumns+`
FROM payments
WHERE user_id = $1
  AND idempotency_key = $2
`, p.UserID, p.IdempotencyKey))
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("find payment by idempotency key: %w", err)
			}
		}

		inserted, err := scanPayment(tx.QueryRow(txCtx, `
INSERT INTO payments (
	id,
	business_id,
	user_id,
	reference,
	email,
	subtotal_kobo,
	discount_kobo,
	amount_kobo,
	currency,
	coupon_id,
	coupon_code,
	status,
	idempotency_key,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'PENDING', $12, NOW(), NOW())
RETURNING `+paymentColumns,
			p.ID, p.BusinessID, p.UserID, p.Reference, p.Email,
			money.ToKobo(p.Subtotal), money.ToKobo(p.Discount), money.ToKobo(p.Amount), p.Currency,
			p.CouponID, p.CouponCode, p.IdempotencyKey))
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		for _, item := range p.Purchase.Items {
			if item.ID == uuid.Nil {
				item.ID = uuid.New()
			}
			item.PaymentID = inserted.ID
			if _, err := tx.Exec(txCtx, `
INSERT INTO payment_items (id, payment_id, product_id, ticket_tier_id, product_type, title, unit_price_kobo, quantity)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, item.ID, item.PaymentID, item.ProductID, item.TicketTierID, string(item.ProductType), item.Title, money.ToKobo(item.UnitPrice), item.Quantity); err != nil {
				return fmt.Errorf("insert payment item: %w", err)
			}
			inserted.Purchase.Items = append(inserted.Purchase.Items, item)
		}

		out = inserted
		created = true
		return nil
	})
	if err != nil {
		return model.Payment{}, false, err
	}

	if !created {
		return r.hydrate(ctx, out)
	}
	return out, true, nil
}

func (r *PaymentRepo) hydrate(ctx context.Context, p model.Payment) (model.Payment, bool, error) {
	full, err := r.loadChildren(ctx, r.db, p)
	return full, false, err
}

func (r *PaymentRepo) SetGatewayInit(ctx context.Context, id uuid.UUID, authorizationURL, accessCode string) error {
	if r.db == nil {
		return errNilDB
	}

	tag, err := r.db.Exec(ctx, `
UPDATE payments
SET authorization_url = $2, access_code = $3, updated_at = NOW()
WHERE id = $1
`, id, authorizationURL, accessCode)
	if err != nil {
		return fmt.Errorf("store gateway init: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Payment, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *PaymentRepo) GetByReference(ctx context.Context, reference string) (model.Payment, error) {
	return r.getOne(ctx, `WHERE reference = $1`, reference)
}

func (r *PaymentRepo) getOne(ctx context.Context, where string, arg any) (model.Payment, error) {
	if r.db == nil {
		return model.Payment{}, errNilDB
	}

	p, err := scanPayment(r.db.QueryRow(ctx, `
SELECT `+paymentColumns+`
FROM payments
`+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Payment{}, ErrPaymentNotFound
		}
		return model.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return r.loadChildren(ctx, r.db, p)
}

func (r *PaymentRepo) List(ctx context.Context, filter PaymentFilter, limit, offset int) ([]model.Payment, int64, error) {
	if r.db == nil {
		return nil, 0, errNilDB
	}

	var total int64
	if err := r.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM payments
WHERE business_id = $1
  AND ($2::uuid IS NULL OR user_id = $2)
  AND ($3 = '' OR status = $3)
`, filter.BusinessID, filter.UserID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	rows, err := r.db.Query(ctx, `
SELECT `+paymentColumns+`
FROM payments
WHERE business_id = $1
  AND ($2::uuid IS NULL OR user_id = $2)
  AND ($3 = '' OR status = $3)
ORDER BY created_at DESC, id
LIMIT $4 OFFSET $5
`, filter.BusinessID, filter.UserID, string(filter.Status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	out := make([]model.Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate payments: %w", err)
	}

	for i := range out {
		full, err := r.loadChildren(ctx, r.db, out[i])
		if err != nil {
			return nil, 0, err
		}
		out[i] = full
	}
	return out, total, nil
}

// ApplyStatus moves a payment to next when the transition is allowed. The first move into
// SUCCESS re-checks the coupon limits and ticket stock under row locks. When they still hold it
// redeems the coupon, counts the sold tiers and takes the purchased lines out of the buyer's
// cart in the same transaction. When they no longer hold the payment is failed with a
// settlement reason instead and StatusChange.Rejected is set.
func (r *PaymentRepo) ApplyStatus(ctx context.Context, reference string, next enums.PaymentStatus, reason string, now time.Time) (StatusChange, error) {
	if r.db == nil {
		return StatusChange{}, errNilDB
	}

	var out StatusChange
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		current, err := scanPayment(tx.QueryRow(txCtx, `
SELECT `+paymentColumns+`
FROM payments
WHERE reference = $1
FOR UPDATE
`, reference))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPaymentNotFound
			}
			return fmt.Errorf("lock payment: %w", err)
		}
		current, err = r.loadChildren(txCtx, tx, current)
		if err != nil {
			return err
		}

		out.Previous = current.Status
		out.Payment = current
		if !current.Status.CanTransitionTo(next) || IsSettlementRejection(current.FailureReason) {
			return nil
		}

		var paidAt *time.Time
		if next == enums.PaymentStatusSuccess {
			rejection, err := checkSettlement(txCtx, tx, current)
			if err != nil {
				return err
			}
			if rejection != "" {
				next, reason = enums.PaymentStatusFailed, rejection
				out.Rejected = true
			} else {
				paidAt = &now
				reason = ""
			}
		}

		updated, err := scanPayment(tx.QueryRow(txCtx, `
UPDATE payments
SET status = $2,
	failure_reason = $3,
	paid_at = COALESCE($4, paid_at),
	updated_at = $5
WHERE id = $1
RETURNING `+paymentColumns, current.ID, string(next), reason, paidAt, now))
		if err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		updated.Purchase = current.Purchase
		updated.Refunds = current.Refunds

		if next == enums.PaymentStatusSuccess {
			if err := settleSuccess(txCtx, tx, updated, now); err != nil {
				return err
			}
		}

		out.Payment = updated
		out.Changed = true
		return nil
	})
	if err != nil {
		return StatusChange{}, err
	}
	return out, nil
}

// IsSettlementRejection reports whether a failure reason was set because a captured payment
// could not be honoured. Such payments are refunded and never settle later.
func IsSettlementRejection(reason string) bool {
	return reason == ReasonCouponExhausted || reason == ReasonSoldOut
}

// checkSettlement locks the coupon and the ticket tiers a payment touches and returns a
// rejection reason when the purchase no longer fits their limits. Tiers are locked in id order.
func checkSettlement(ctx context.Context, q querier, p model.Payment) (string, error) {
	if p.CouponID != nil {
		var usageLimit, userLimit int
		err := q.QueryRow(ctx, `
SELECT usage_limit, user_limit
FROM coupons
WHERE id = $1
FOR UPDATE
`, *p.CouponID).Scan(&usageLimit, &userLimit)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return ReasonCouponExhausted, nil
		case err != nil:
			return "", fmt.Errorf("lock coupon: %w", err)
		}

		var total, byUser int
		if err := q.QueryRow(ctx, `
SELECT COUNT(*), COUNT(*) FILTER (WHERE user_id = $2)
FROM coupon_redemptions
WHERE coupon_id = $1
  AND payment_id <> $3
`, *p.CouponID, p.UserID, p.ID).Scan(&total, &byUser); err != nil {
			return "", fmt.Errorf("count coupon redemptions: %w", err)
		}
		if (usageLimit > 0 && total >= usageLimit) || (userLimit > 0 && byUser >= userLimit) {
			return ReasonCouponExhausted, nil
		}
	}

	for _, need := range tierQuantities(p.Purchase.Items) {
		var remaining int
		err := q.QueryRow(ctx, `
SELECT quantity - sold
FROM ticket_tiers
WHERE id = $1
FOR UPDATE
`, need.id).Scan(&remaining)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return ReasonSoldOut, nil
		case err != nil:
			return "", fmt.Errorf("lock ticket tier: %w", err)
		}
		if remaining < need.quantity {
			return ReasonSoldOut, nil
		}
	}
	return "", nil
}

func settleSuccess(ctx context.Context, q querier, p model.Payment, now time.Time) error {
	if p.CouponID != nil {
		if _, err := q.Exec(ctx, `
INSERT INTO coupon_redemptions (id, coupon_id, user_id, payment_id, discount_kobo, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (payment_id) DO NOTHING
`, uuid.New(), *p.CouponID, p.UserID, p.ID, money.ToKobo(p.Discount), now); err != nil {
			return fmt.Errorf("record coupon redemption: %w", err)
		}
	}

	for _, need := range tierQuantities(p.Purchase.Items) {
		tag, err := q.Exec(ctx, `
UPDATE ticket_tiers
SET sold = sold + $2
WHERE id = $1
  AND sold + $2 <= quantity
`, need.id, need.quantity)
		if err != nil {
			return fmt.Errorf("increment tier sold: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTierOversold
		}
	}

	return consumeCartLines(ctx, q, p)
}

// consumeCartLines takes the purchased quantities out of the buyer's cart. Lines the buyer
// added after checkout stay.
func consumeCartLines(ctx context.Context, q querier, p model.Payment) error {
	for _, item := range p.Purchase.Items {
		if _, err := q.Exec(ctx, `
DELETE FROM cart_items i
USING carts c
WHERE i.cart_id = c.id
  AND c.business_id = $1
  AND c.user_id = $2
  AND i.product_id = $3
  AND i.ticket_tier_id IS NOT DISTINCT FROM $4
  AND i.quantity <= $5
`, p.BusinessID, p.UserID, item.ProductID, item.TicketTierID, item.Quantity); err != nil {
			return fmt.Errorf("remove purchased cart line: %w", err)
		}
		if _, err := q.Exec(ctx, `
UPDATE cart_items i
SET quantity = i.quantity - $5
FROM carts c
WHERE i.cart_id = c.id
  AND c.business_id = $1
  AND c.user_id = $2
  AND i.product_id = $3
  AND i.ticket_tier_id IS NOT DISTINCT FROM $4
  AND i.quantity > $5
`, p.BusinessID, p.UserID, item.ProductID, item.TicketTierID, item.Quantity); err != nil {
			return fmt.Errorf("reduce purchased cart line: %w", err)
		}
	}
	return nil
}

type tierNeed struct {
	id       uuid.UUID
	quantity int
}

// tierQuantities sums quantities per ticket tier, ordered by tier id.
func tierQuantities(items []model.PaymentItem) []tierNeed {
	byTier := map[uuid.UUID]int{}
	for _, item := range items {
		if item.TicketTierID != nil {
			byTier[*item.TicketTierID] += item.Quantity
		}
	}
	out := make([]tierNeed, 0, len(byTier))
	for id, quantity := range byTier {
		out = append(out, tierNeed{id: id, quantity: quantity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.String() < out[j].id.String() })
	return out
}

// ExpirePending fails PENDING payments created before cutoff.
func (r *PaymentRepo) ExpirePending(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if r.db == nil {
		return 0, errNilDB
	}

	tag, err := r.db.Exec(ctx, `
UPDATE payments
SET status = 'FAILED', failure_reason = 'expired', updated_at = $2
WHERE status = 'PENDING'
  AND created_at < $1
`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("expire pending payments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AddRefund reserves a pending refund. The payment row is locked so concurrent refunds cannot
// together exceed the paid amount.
func (r *PaymentRepo) AddRefund(ctx context.Context, refund model.Refund) (model.Refund, error) {
	if r.db == nil {
		return model.Refund{}, errNilDB
	}
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}

	var out model.Refund
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		var (
			status      string
			amountKobo  int64
			refundedSum int64
		)
		if err := tx.QueryRow(txCtx, `
SELECT status, amount_kobo
FROM payments
WHERE id = $1
FOR UPDATE
`, refund.PaymentID).Scan(&status, &amountKobo); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPaymentNotFound
			}
			return fmt.Errorf("lock payment for refund: %w", err)
		}
		if enums.PaymentStatus(status) != enums.PaymentStatusSuccess {
			return ErrPaymentNotRefundable
		}

		if err := tx.QueryRow(txCtx, `
SELECT COALESCE(SUM(amount_kobo), 0)::bigint
FROM refunds
WHERE payment_id = $1
  AND status <> 'failed'
`, refund.PaymentID).Scan(&refundedSum); err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		if refundedSum+money.ToKobo(refund.Amount) > amountKobo {
			return ErrRefundExceedsAmount
		}

		var err error
		out, err = scanRefund(tx.QueryRow(txCtx, `
INSERT INTO refunds (id, payment_id, amount_kobo, reason, status, created_by, created_at)
VALUES ($1, $2, $3, $4, 'pending', $5, NOW())
RETURNING id, payment_id, amount_kobo, reason, status, gateway_ref, created_by, created_at
`, refund.ID, refund.PaymentID, money.ToKobo(refund.Amount), refund.Reason, refund.CreatedBy))
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Refund{}, err
	}
	return out, nil
}

func (r *PaymentRepo) SetRefundStatus(ctx context.Context, id uuid.UUID, status enums.RefundStatus, gatewayRef string) (model.Refund, error) {
	if r.db == nil {
		return model.Refund{}, errNilDB
	}

	out, err := scanRefund(r.db.QueryRow(ctx, `
UPDATE refunds
SET status = $2, gateway_ref = $3
WHERE id = $1
RETURNING id, payment_id, amount_kobo, reason, status, gateway_ref, created_by, created_at
`, id, string(status), gatewayRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Refund{}, ErrPaymentNotFound
		}
		return model.Refund{}, fmt.Errorf("update refund status: %w", err)
	}
	return out, nil
}

// HasPurchased reports whether the user holds a successful payment containing the product.
func (r *PaymentRepo) HasPurchased(ctx context.Context, userID, productID uuid.UUID) (bool, error) {
	if r.db == nil {
		return false, errNilDB
	}

	var ok bool
	if err := r.db.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1
	FROM payments p
	JOIN payment_items i ON i.payment_id = p.id
	WHERE p.user_id = $1
	  AND i.product_id = $2
	  AND p.status = 'SUCCESS'
)
`, userID, productID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check purchase: %w", err)
	}
	return ok, nil
}

func (r *PaymentRepo) loadChildren(ctx context.Context, q querier, p model.Payment) (model.Payment, error) {
	rows, err := q.Query(ctx, `
SELECT id, payment_id, product_id, ticket_tier_id, product_type, title, unit_price_kobo, quantity
FROM payment_items
WHERE payment_id = $1
ORDER BY title, id
`, p.ID)
	if err != nil {
		return model.Payment{}, fmt.Errorf("list payment items: %w", err)
	}
	items := make([]model.PaymentItem, 0)
	for rows.Next() {
		var (
			item      model.PaymentItem
			typ       string
			unitPrice int64
		)
		if err := rows.Scan(&item.ID, &item.PaymentID, &item.ProductID, &item.TicketTierID, &typ, &item.Title, &unitPrice, &item.Quantity); err != nil {
			rows.Close()
			return model.Payment{}, fmt.Errorf("scan payment item: %w", err)
		}
		item.ProductType = enums.ProductType(typ)
		item.UnitPrice = money.FromKobo(unitPrice)
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Payment{}, fmt.Errorf("iterate payment items: %w", err)
	}
	p.Purchase.Items = items

	refundRows, err := q.Query(ctx, `
SELECT id, payment_id, amount_kobo, reason, status, gateway_ref, created_by, created_at
FROM refunds
WHERE payment_id = $1
ORDER BY created_at ASC
`, p.ID)
	if err != nil {
		return model.Payment{}, fmt.Errorf("list refunds: %w", err)
	}
	defer refundRows.Close()

	p.Refunds = nil
	for refundRows.Next() {
		refund, err := scanRefund(refundRows)
		if err != nil {
			return model.Payment{}, fmt.Errorf("scan refund: %w", err)
		}
		p.Refunds = append(p.Refunds, refund)
	}
	if err := refundRows.Err(); err != nil {
		return model.Payment{}, fmt.Errorf("iterate refunds: %w", err)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (model.Payment, error) {
	var (
		p            model.Payment
		subtotalKobo int64
		discountKobo int64
		amountKobo   int64
		status       string
	)
	if err := row.Scan(
		&p.ID,
		&p.BusinessID,
		&p.UserID,
		&p.Reference,
		&p.Email,
		&subtotalKobo,
		&discountKobo,
		&amountKobo,
		&p.Currency,
		&p.CouponID,
		&p.CouponCode,
		&status,
		&p.FailureReason,
		&p.IdempotencyKey,
		&p.AuthorizationURL,
		&p.AccessCode,
		&p.PaidAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return model.Payment{}, err
	}
	p.Subtotal = money.FromKobo(subtotalKobo)
	p.Discount = money.FromKobo(discountKobo)
	p.Amount = money.FromKobo(amountKobo)
	p.Status = enums.PaymentStatus(status)
	p.Purchase.Items = []model.PaymentItem{}
	return p, nil
}

func scanRefund(row pgx.Row) (model.Refund, error) {
	var (
		refund     model.Refund
		amountKobo int64
		status     string
	)
	if err := row.Scan(
		&refund.ID,
		&refund.PaymentID,
		&amountKobo,
		&refund.Reason,
		&status,
		&refund.GatewayRef,
		&refund.CreatedBy,
		&refund.CreatedAt,
	); err != nil {
		return model.Refund{}, err
	}
	refund.Amount = money.FromKobo(amountKobo)
	refund.Status = enums.RefundStatus(status)
	return refund, nil
}
