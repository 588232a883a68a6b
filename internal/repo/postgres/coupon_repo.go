package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/money"
)

var (
	ErrCouponNotFound  = errors.New("coupon not found")
	ErrCouponCodeTaken = errors.New("coupon code already exists")
	ErrCouponInUse     = errors.New("coupon has redemptions")
)

const couponSelect = `
SELECT c.id, c.business_id, c.code, c.type, c.value_cents, c.start_date, c.end_date,
	c.usage_limit, c.user_limit, c.min_purchase_kobo, c.active,
	(SELECT COUNT(*) FROM coupon_redemptions r WHERE r.coupon_id = c.id),
	c.created_at, c.updated_at
FROM coupons c`

type CouponRepo struct {
	db DB
}

func NewCouponRepo(db DB) *CouponRepo {
	return &CouponRepo{db: db}
}

func (r *CouponRepo) Create(ctx context.Context, c model.Coupon) (model.Coupon, error) {
	if r.db == nil {
		return model.Coupon{}, errNilDB
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	_, err := r.db.Exec(ctx, `
INSERT INTO coupons (id, business_id, code, type, value_cents, start_date, end_date, usage_limit, user_limit, min_purchase_kobo, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
`, c.ID, c.BusinessID, strings.ToUpper(strings.TrimSpace(c.Code)), string(c.Type), money.ToKobo(c.Value),
		c.StartDate, c.EndDate, c.UsageLimit, c.UserLimit, money.ToKobo(c.MinPurchase), c.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Coupon{}, ErrCouponCodeTaken
		}
		return model.Coupon{}, fmt.Errorf("insert coupon: %w", err)
	}
	return r.Get(ctx, c.BusinessID, c.ID)
}

func (r *CouponRepo) Update(ctx context.Context, c model.Coupon) (model.Coupon, error) {
	if r.db == nil {
		return model.Coupon{}, errNilDB
	}

	tag, err := r.db.Exec(ctx, `
UPDATE coupons
SET code = $3,
	type = $4,
	value_cents = $5,
	start_date = $6,
	end_date = $7,
	usage_limit = $8,
	user_limit = $9,
	min_purchase_kobo = $10,
	updated_at = NOW()
WHERE id = $1
  AND business_id = $2
`, c.ID, c.BusinessID, strings.ToUpper(strings.TrimSpace(c.Code)), string(c.Type), money.ToKobo(c.Value),
		c.StartDate, c.EndDate, c.UsageLimit, c.UserLimit, money.ToKobo(c.MinPurchase))
	if err != nil {
		if isUniqueViolation(err) {
			return model.Coupon{}, ErrCouponCodeTaken
		}
		return model.Coupon{}, fmt.Errorf("update coupon: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Coupon{}, ErrCouponNotFound
	}
	return r.Get(ctx, c.BusinessID, c.ID)
}

func (r *CouponRepo) SetActive(ctx context.Context, businessID, id uuid.UUID, active bool) (model.Coupon, error) {
	if r.db == nil {
		return model.Coupon{}, errNilDB
	}

	tag, err := r.db.Exec(ctx, `
UPDATE coupons
SET active = $3, updated_at = NOW()
WHERE id = $1
  AND business_id = $2
`, id, businessID, active)
	if err != nil {
		return model.Coupon{}, fmt.Errorf("set coupon active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Coupon{}, ErrCouponNotFound
	}
	return r.Get(ctx, businessID, id)
}

func (r *CouponRepo) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	if r.db == nil {
		return errNilDB
	}

	tag, err := r.db.Exec(ctx, `
DELETE FROM coupons c
WHERE c.id = $1
  AND c.business_id = $2
  AND NOT EXISTS (SELECT 1 FROM coupon_redemptions r WHERE r.coupon_id = c.id)
  AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.coupon_id = c.id)
`, id, businessID)
	if err != nil {
		return fmt.Errorf("delete coupon: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.Get(ctx, businessID, id); err != nil {
		return err
	}
	return ErrCouponInUse
}

func (r *CouponRepo) Get(ctx context.Context, businessID, id uuid.UUID) (model.Coupon, error) {
	if r.db == nil {
		return model.Coupon{}, errNilDB
	}

	c, err := scanCoupon(r.db.QueryRow(ctx, couponSelect+`
WHERE c.id = $1
  AND c.business_id = $2
`, id, businessID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Coupon{}, ErrCouponNotFound
		}
		return model.Coupon{}, fmt.Errorf("get coupon: %w", err)
	}
	return c, nil
}

func (r *CouponRepo) GetByCode(ctx context.Context, businessID uuid.UUID, code string) (model.Coupon, error) {
	if r.db == nil {
		return model.Coupon{}, errNilDB
	}

	c, err := scanCoupon(r.db.QueryRow(ctx, couponSelect+`
WHERE c.business_id = $1
  AND c.code = $2
`, businessID, strings.ToUpper(strings.TrimSpace(code))))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Coupon{}, ErrCouponNotFound
		}
		return model.Coupon{}, fmt.Errorf("get coupon by code: %w", err)
	}
	return c, nil
}

func (r *CouponRepo) List(ctx context.Context, businessID uuid.UUID, limit, offset int) ([]model.Coupon, int64, error) {
	if r.db == nil {
		return nil, 0, errNilDB
	}

	var total int64
	if err := r.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM coupons
WHERE business_id = $1
`, businessID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count coupons: %w", err)
	}

	rows, err := r.db.Query(ctx, couponSelect+`
WHERE c.business_id = $1
ORDER BY c.created_at DESC, c.id
LIMIT $2 OFFSET $3
`, businessID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list coupons: %w", err)
	}
	defer rows.Close()

	out := make([]model.Coupon, 0, limit)
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan coupon: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate coupons: %w", err)
	}
	return out, total, nil
}

func (r *CouponRepo) CountUserRedemptions(ctx context.Context, couponID, userID uuid.UUID) (int, error) {
	if r.db == nil {
		return 0, errNilDB
	}

	var count int
	if err := r.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM coupon_redemptions
WHERE coupon_id = $1
  AND user_id = $2
`, couponID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count user redemptions: %w", err)
	}
	return count, nil
}

func scanCoupon(row pgx.Row) (model.Coupon, error) {
	var (
		c           model.Coupon
		typ         string
		valueCents  int64
		minPurchase int64
	)
	if err := row.Scan(
		&c.ID,
		&c.BusinessID,
		&c.Code,
		&typ,
		&valueCents,
		&c.StartDate,
		&c.EndDate,
		&c.UsageLimit,
		&c.UserLimit,
		&minPurchase,
		&c.Active,
		&c.Redemptions,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return model.Coupon{}, err
	}
	c.Type = enums.CouponType(typ)
	c.Value = money.FromKobo(valueCents)
	c.MinPurchase = money.FromKobo(minPurchase)
	return c, nil
}
