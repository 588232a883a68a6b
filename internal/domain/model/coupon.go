package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
)

type Coupon struct {
	ID          uuid.UUID        `json:"id"`
	BusinessID  uuid.UUID        `json:"business_id"`
	Code        string           `json:"code"`
	Type        enums.CouponType `json:"type"`
	Value       decimal.Decimal  `json:"value"`
	StartDate   time.Time        `json:"start_date"`
	EndDate     time.Time        `json:"end_date"`
	UsageLimit  int              `json:"usage_limit"`
	UserLimit   int              `json:"user_limit"`
	MinPurchase decimal.Decimal  `json:"min_purchase"`
	Active      bool             `json:"active"`
	Redemptions int              `json:"redemptions"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
