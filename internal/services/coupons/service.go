package coupons

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/money"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
)

var (
	ErrNotFound    = errors.New("coupon not found")
	ErrCodeTaken   = errors.New("coupon code already exists")
	ErrInUse       = errors.New("coupon has been redeemed and cannot be deleted")
	ErrInactive    = errors.New("coupon is not active")
	ErrNotStarted  = errors.New("coupon is not valid yet")
	ErrExpired     = errors.New("coupon has expired")
	ErrExhausted   = errors.New("coupon usage limit reached")
	ErrUserLimit   = errors.New("you have already used this coupon the maximum number of times")
	ErrMinPurchase = errors.New("order total is below the coupon minimum purchase")
)

const (
	tagPercentMax   = "percent_max"
	tagUserLimitMax = "user_limit_max"
)

var hundred = decimal.NewFromInt(100)

type Store interface {
	Create(ctx context.Context, c model.Coupon) (model.Coupon, error)
	Update(ctx context.Context, c model.Coupon) (model.Coupon, error)
	SetActive(ctx context.Context, businessID, id uuid.UUID, active bool) (model.Coupon, error)
	Delete(ctx context.Context, businessID, id uuid.UUID) error
	Get(ctx context.Context, businessID, id uuid.UUID) (model.Coupon, error)
	GetByCode(ctx context.Context, businessID uuid.UUID, code string) (model.Coupon, error)
	List(ctx context.Context, businessID uuid.UUID, limit, offset int) ([]model.Coupon, int64, error)
	CountUserRedemptions(ctx context.Context, couponID, userID uuid.UUID) (int, error)
}

// Input mirrors the coupon form; every field is mandatory.
type Input struct {
	Code        string           `json:"code" validate:"required,slug_code,max=40"`
	Type        string           `json:"type" validate:"required,oneof=percentage flat"`
	Value       decimal.Decimal  `json:"value" validate:"gt=0"`
	StartDate   time.Time        `json:"start_date" validate:"required"`
	EndDate     time.Time        `json:"end_date" validate:"required,gtfield=StartDate"`
	UsageLimit  int              `json:"usage_limit" validate:"required,min=1"`
	UserLimit   int              `json:"user_limit" validate:"required,min=1"`
	MinPurchase *decimal.Decimal `json:"min_purchase" validate:"required,gte=0"`
	Active      *bool            `json:"active"`
}

// Quote is the outcome of applying a coupon to a subtotal.
type Quote struct {
	Coupon   model.Coupon    `json:"coupon"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

type Service struct {
	store     Store
	validator *validate.Validator
	now       func() time.Time
}

func NewService(store Store) *Service {
	v := validate.New()
	v.RegisterMessage(tagPercentMax, "{0} must be 100 or less for percentage coupons")
	v.RegisterMessage(tagUserLimitMax, "{0} must not exceed usage_limit")
	v.RegisterStructRule(inputRules, Input{})

	return &Service{
		store:     store,
		validator: v,
		now:       time.Now,
	}
}

func inputRules(sl validator.StructLevel) {
	in := sl.Current().Interface().(Input)
	if strings.EqualFold(in.Type, string(enums.CouponTypePercentage)) && in.Value.GreaterThan(hundred) {
		sl.ReportError(in.Value, "value", "Value", tagPercentMax, "")
	}
	if in.UsageLimit > 0 && in.UserLimit > in.UsageLimit {
		sl.ReportError(in.UserLimit, "user_limit", "UserLimit", tagUserLimitMax, "")
	}
}

func (s *Service) Validate(in Input) error {
	return s.validator.Struct(in)
}

func (s *Service) Create(ctx context.Context, businessID uuid.UUID, in Input) (model.Coupon, error) {
	c, err := s.fromInput(in)
	if err != nil {
		return model.Coupon{}, err
	}
	c.BusinessID = businessID
	c.Active = in.Active == nil || *in.Active

	out, err := s.store.Create(ctx, c)
	if err != nil {
		return model.Coupon{}, mapStoreErr(err)
	}
	return out, nil
}

func (s *Service) Update(ctx context.Context, businessID, id uuid.UUID, in Input) (model.Coupon, error) {
	c, err := s.fromInput(in)
	if err != nil {
		return model.Coupon{}, err
	}
	c.ID = id
	c.BusinessID = businessID

	out, err := s.store.Update(ctx, c)
	if err != nil {
		return model.Coupon{}, mapStoreErr(err)
	}
	if in.Active != nil && *in.Active != out.Active {
		return s.SetActive(ctx, businessID, id, *in.Active)
	}
	return out, nil
}

func (s *Service) SetActive(ctx context.Context, businessID, id uuid.UUID, active bool) (model.Coupon, error) {
	out, err := s.store.SetActive(ctx, businessID, id, active)
	if err != nil {
		return model.Coupon{}, mapStoreErr(err)
	}
	return out, nil
}

func (s *Service) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	if err := s.store.Delete(ctx, businessID, id); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, businessID, id uuid.UUID) (model.Coupon, error) {
	out, err := s.store.Get(ctx, businessID, id)
	if err != nil {
		return model.Coupon{}, mapStoreErr(err)
	}
	return out, nil
}

func (s *Service) List(ctx context.Context, businessID uuid.UUID, page pagination.Params) ([]model.Coupon, int64, error) {
	out, total, err := s.store.List(ctx, businessID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list coupons: %w", err)
	}
	return out, total, nil
}

// Quote looks a code up and applies every redemption rule for this user and subtotal.
func (s *Service) Quote(ctx context.Context, businessID, userID uuid.UUID, code string, subtotal decimal.Decimal) (Quote, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Quote{}, &validate.Error{Fields: map[string]string{"code": "code is a required field"}}
	}

	c, err := s.store.GetByCode(ctx, businessID, code)
	if err != nil {
		return Quote{}, mapStoreErr(err)
	}

	used := 0
	if userID != uuid.Nil {
		used, err = s.store.CountUserRedemptions(ctx, c.ID, userID)
		if err != nil {
			return Quote{}, fmt.Errorf("count redemptions: %w", err)
		}
	}

	discount, err := Evaluate(c, used, subtotal, s.now())
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Coupon:   c,
		Subtotal: subtotal,
		Discount: discount,
		Total:    subtotal.Sub(discount),
	}, nil
}

// Evaluate returns the discount a coupon grants on subtotal. The discount never exceeds the
// subtotal.
func Evaluate(c model.Coupon, userRedemptions int, subtotal decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	switch {
	case !c.Active:
		return decimal.Zero, ErrInactive
	case now.Before(c.StartDate):
		return decimal.Zero, ErrNotStarted
	case !now.Before(c.EndDate):
		return decimal.Zero, ErrExpired
	case c.UsageLimit > 0 && c.Redemptions >= c.UsageLimit:
		return decimal.Zero, ErrExhausted
	case c.UserLimit > 0 && userRedemptions >= c.UserLimit:
		return decimal.Zero, ErrUserLimit
	case subtotal.LessThan(c.MinPurchase):
		return decimal.Zero, ErrMinPurchase
	}

	var discount decimal.Decimal
	switch c.Type {
	case enums.CouponTypePercentage:
		discount = money.Percent(subtotal, c.Value)
	default:
		discount = c.Value
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	return discount, nil
}

// IsRedemptionError reports whether err is a rule violation the customer can act on.
func IsRedemptionError(err error) bool {
	for _, target := range []error{ErrNotFound, ErrInactive, ErrNotStarted, ErrExpired, ErrExhausted, ErrUserLimit, ErrMinPurchase} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) fromInput(in Input) (model.Coupon, error) {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	if err := s.Validate(in); err != nil {
		return model.Coupon{}, err
	}
	couponType, _ := enums.ParseCouponType(in.Type)

	return model.Coupon{
		Code:        in.Code,
		Type:        couponType,
		Value:       in.Value,
		StartDate:   in.StartDate.UTC(),
		EndDate:     in.EndDate.UTC(),
		UsageLimit:  in.UsageLimit,
		UserLimit:   in.UserLimit,
		MinPurchase: *in.MinPurchase,
	}, nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, pgrepo.ErrCouponNotFound):
		return ErrNotFound
	case errors.Is(err, pgrepo.ErrCouponCodeTaken):
		return ErrCodeTaken
	case errors.Is(err, pgrepo.ErrCouponInUse):
		return ErrInUse
	default:
		return fmt.Errorf("coupon store: %w", err)
	}
}
