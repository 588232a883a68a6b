package coupons

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
)

type storeStub struct {
	coupons     map[uuid.UUID]model.Coupon
	redemptions map[[2]uuid.UUID]int
}

func newStoreStub() *storeStub {
	return &storeStub{coupons: map[uuid.UUID]model.Coupon{}, redemptions: map[[2]uuid.UUID]int{}}
}

func (s *storeStub) Create(_ context.Context, c model.Coupon) (model.Coupon, error) {
	for _, existing := range s.coupons {
		if existing.BusinessID == c.BusinessID && existing.Code == c.Code {
			return model.Coupon{}, pgrepo.ErrCouponCodeTaken
		}
	}
	c.ID = uuid.New()
	s.coupons[c.ID] = c
	return c, nil
}

func (s *storeStub) Update(_ context.Context, c model.Coupon) (model.Coupon, error) {
	existing, ok := s.coupons[c.ID]
	if !ok || existing.BusinessID != c.BusinessID {
		return model.Coupon{}, pgrepo.ErrCouponNotFound
	}
	c.Active = existing.Active
	c.Redemptions = existing.Redemptions
	s.coupons[c.ID] = c
	return c, nil
}

func (s *storeStub) SetActive(_ context.Context, businessID, id uuid.UUID, active bool) (model.Coupon, error) {
	c, ok := s.coupons[id]
	if !ok || c.BusinessID != businessID {
		return model.Coupon{}, pgrepo.ErrCouponNotFound
	}
	c.Active = active
	s.coupons[id] = c
	return c, nil
}

func (s *storeStub) Delete(_ context.Context, businessID, id uuid.UUID) error {
	c, ok := s.coupons[id]
	if !ok || c.BusinessID != businessID {
		return pgrepo.ErrCouponNotFound
	}
	if c.Redemptions > 0 {
		return pgrepo.ErrCouponInUse
	}
	delete(s.coupons, id)
	return nil
}

func (s *storeStub) Get(_ context.Context, businessID, id uuid.UUID) (model.Coupon, error) {
	c, ok := s.coupons[id]
	if !ok || c.BusinessID != businessID {
		return model.Coupon{}, pgrepo.ErrCouponNotFound
	}
	return c, nil
}

func (s *storeStub) GetByCode(_ context.Context, businessID uuid.UUID, code string) (model.Coupon, error) {
	for _, c := range s.coupons {
		if c.BusinessID == businessID && c.Code == strings.ToUpper(code) {
			return c, nil
		}
	}
	return model.Coupon{}, pgrepo.ErrCouponNotFound
}

func (s *storeStub) List(_ context.Context, businessID uuid.UUID, limit, offset int) ([]model.Coupon, int64, error) {
	var out []model.Coupon
	for _, c := range s.coupons {
		if c.BusinessID == businessID {
			out = append(out, c)
		}
	}
	return out, int64(len(out)), nil
}

func (s *storeStub) CountUserRedemptions(_ context.Context, couponID, userID uuid.UUID) (int, error) {
	return s.redemptions[[2]uuid.UUID{couponID, userID}], nil
}

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func validInput() Input {
	minPurchase := decimal.NewFromInt(1000)
	return Input{
		Code:        "save10",
		Type:        "percentage",
		Value:       decimal.NewFromInt(10),
		StartDate:   now.Add(-24 * time.Hour),
		EndDate:     now.Add(24 * time.Hour),
		UsageLimit:  100,
		UserLimit:   1,
		MinPurchase: &minPurchase,
	}
}

func newTestService() (*Service, *storeStub) {
	store := newStoreStub()
	svc := NewService(store)
	svc.now = func() time.Time { return now }
	return svc, store
}

func TestCouponFormRequiresEveryField(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Create(context.Background(), uuid.New(), Input{})
	var verr *validate.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"code", "type", "value", "start_date", "end_date", "usage_limit", "user_limit", "min_purchase"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("expected %s to be required, got %v", field, verr.Fields)
		}
	}
}

func TestCouponFormRules(t *testing.T) {
	svc, _ := newTestService()

	in := validInput()
	in.Value = decimal.NewFromInt(150)
	in.EndDate = in.StartDate.Add(-time.Hour)
	in.UserLimit = 500

	err := svc.Validate(in)
	var verr *validate.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Fields["value"] != "value must be 100 or less for percentage coupons" {
		t.Fatalf("unexpected value message: %v", verr.Fields)
	}
	if _, ok := verr.Fields["end_date"]; !ok {
		t.Fatalf("end before start should fail: %v", verr.Fields)
	}
	if _, ok := verr.Fields["user_limit"]; !ok {
		t.Fatalf("user limit above usage limit should fail: %v", verr.Fields)
	}

	flat := validInput()
	flat.Type = "flat"
	flat.Value = decimal.NewFromInt(2500)
	if err := svc.Validate(flat); err != nil {
		t.Fatalf("flat coupons may exceed 100: %v", err)
	}
}

func TestCreateUppercasesAndRejectsDuplicateCode(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	businessID := uuid.New()

	c, err := svc.Create(ctx, businessID, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Code != "SAVE10" || !c.Active || c.Type != enums.CouponTypePercentage {
		t.Fatalf("unexpected coupon %+v", c)
	}

	if _, err := svc.Create(ctx, businessID, validInput()); !errors.Is(err, ErrCodeTaken) {
		t.Fatalf("duplicate code should conflict, got %v", err)
	}
	if _, err := svc.Create(ctx, uuid.New(), validInput()); err != nil {
		t.Fatalf("same code in another business is fine: %v", err)
	}
}

func TestQuoteAppliesRules(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	businessID, userID := uuid.New(), uuid.New()

	c, err := svc.Create(ctx, businessID, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	q, err := svc.Quote(ctx, businessID, userID, "save10", decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Discount.Equal(decimal.NewFromInt(1000)) || !q.Total.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("unexpected quote %s / %s", q.Discount, q.Total)
	}

	if _, err := svc.Quote(ctx, businessID, userID, "SAVE10", decimal.NewFromInt(500)); !errors.Is(err, ErrMinPurchase) {
		t.Fatalf("expected min purchase error, got %v", err)
	}

	store.redemptions[[2]uuid.UUID{c.ID, userID}] = 1
	if _, err := svc.Quote(ctx, businessID, userID, "SAVE10", decimal.NewFromInt(10000)); !errors.Is(err, ErrUserLimit) {
		t.Fatalf("expected user limit error, got %v", err)
	}

	if _, err := svc.SetActive(ctx, businessID, c.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.Quote(ctx, businessID, uuid.New(), "SAVE10", decimal.NewFromInt(10000)); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected inactive error, got %v", err)
	}

	if _, err := svc.Quote(ctx, businessID, userID, "NOPE", decimal.NewFromInt(10000)); !errors.Is(err, ErrNotFound) || !IsRedemptionError(err) {
		t.Fatalf("unknown code should be a redemption error, got %v", err)
	}
}

func TestEvaluate(t *testing.T) {
	base := model.Coupon{
		Type:        enums.CouponTypeFlat,
		Value:       decimal.NewFromInt(5000),
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(time.Hour),
		UsageLimit:  2,
		UserLimit:   1,
		MinPurchase: decimal.Zero,
		Active:      true,
	}

	discount, err := Evaluate(base, 0, decimal.NewFromInt(3000), now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !discount.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("flat discount should be capped at subtotal, got %s", discount)
	}

	cases := []struct {
		name   string
		mutate func(c *model.Coupon)
		at     time.Time
		want   error
	}{
		{"not started", func(c *model.Coupon) {}, now.Add(-2 * time.Hour), ErrNotStarted},
		{"expired at end", func(c *model.Coupon) {}, now.Add(time.Hour), ErrExpired},
		{"exhausted", func(c *model.Coupon) { c.Redemptions = 2 }, now, ErrExhausted},
		{"inactive", func(c *model.Coupon) { c.Active = false }, now, ErrInactive},
	}
	for _, tc := range cases {
		c := base
		tc.mutate(&c)
		if _, err := Evaluate(c, 0, decimal.NewFromInt(3000), tc.at); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	pct := base
	pct.Type = enums.CouponTypePercentage
	pct.Value = decimal.RequireFromString("12.5")
	discount, err = Evaluate(pct, 0, decimal.RequireFromString("999.99"), now)
	if err != nil {
		t.Fatalf("evaluate percentage: %v", err)
	}
	if discount.String() != "125" {
		t.Fatalf("unexpected percentage discount %s", discount)
	}
}

func TestDeleteRedeemedCoupon(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	businessID := uuid.New()

	c, _ := svc.Create(ctx, businessID, validInput())
	redeemed := store.coupons[c.ID]
	redeemed.Redemptions = 1
	store.coupons[c.ID] = redeemed

	if err := svc.Delete(ctx, businessID, c.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected in use, got %v", err)
	}
}
