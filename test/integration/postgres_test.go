//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
)

func TestPostgresReposAgainstMigratedSchema(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, pgrepo.Migrate(dsn, zap.NewNop()))
	// second run is a no-op
	require.NoError(t, pgrepo.Migrate(dsn, zap.NewNop()))

	pool, err := pgrepo.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	users := pgrepo.NewUserRepo(pool)
	owner, err := users.Create(ctx, model.User{
		Email:        "  Owner@Example.com ",
		Name:         "Owner",
		PasswordHash: "hash",
	})
	require.NoError(t, err)
	require.Equal(t, "owner@example.com", owner.Email)
	require.Equal(t, enums.UserRoleUser, owner.Role)

	_, err = users.Create(ctx, model.User{Email: "OWNER@example.com", Name: "Dup", PasswordHash: "hash"})
	require.ErrorIs(t, err, pgrepo.ErrEmailTaken)

	found, err := users.GetByEmail(ctx, "OWNER@EXAMPLE.COM")
	require.NoError(t, err)
	require.Equal(t, owner.ID, found.ID)

	businesses := pgrepo.NewBusinessRepo(pool)
	business, err := businesses.Create(ctx, model.Business{Name: " Acme ", OwnerID: owner.ID})
	require.NoError(t, err)
	require.Equal(t, "Acme", business.Name)

	role, err := businesses.MemberRole(ctx, business.ID, owner.ID)
	require.NoError(t, err)
	require.Equal(t, enums.MemberRoleOwner, role)

	memberships, err := businesses.ListForUser(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	require.Equal(t, business.ID, memberships[0].ID)

	coupons := pgrepo.NewCouponRepo(pool)
	start := time.Now().UTC().Truncate(time.Second)
	coupon, err := coupons.Create(ctx, model.Coupon{
		BusinessID:  business.ID,
		Code:        "save10",
		Type:        enums.CouponTypePercentage,
		Value:       decimal.NewFromInt(10),
		StartDate:   start,
		EndDate:     start.Add(30 * 24 * time.Hour),
		UsageLimit:  100,
		UserLimit:   1,
		MinPurchase: decimal.RequireFromString("2500.50"),
		Active:      true,
	})
	require.NoError(t, err)
	require.Equal(t, "SAVE10", coupon.Code)
	require.True(t, coupon.MinPurchase.Equal(decimal.RequireFromString("2500.50")), "min purchase %s", coupon.MinPurchase)

	_, err = coupons.Create(ctx, model.Coupon{
		BusinessID: business.ID,
		Code:       "SAVE10",
		Type:       enums.CouponTypeFlat,
		Value:      decimal.NewFromInt(500),
		StartDate:  start,
		EndDate:    start.Add(time.Hour),
		UsageLimit: 1,
		UserLimit:  1,
	})
	require.ErrorIs(t, err, pgrepo.ErrCouponCodeTaken)

	t.Run("settlement", func(t *testing.T) {
		checkSettlementLimits(t, pool, owner, business)
	})
}

// checkSettlementLimits settles two pending payments that both hold the last ticket and the last
// use of a coupon. Only the first one may settle.
func checkSettlementLimits(t *testing.T, pool *pgxpool.Pool, owner model.User, business model.Business) {
	ctx := context.Background()
	users := pgrepo.NewUserRepo(pool)
	products := pgrepo.NewProductRepo(pool)
	carts := pgrepo.NewCartRepo(pool)
	payments := pgrepo.NewPaymentRepo(pool)

	alice, err := users.Create(ctx, model.User{Email: "alice@example.com", Name: "Alice", PasswordHash: "hash"})
	require.NoError(t, err)
	bob, err := users.Create(ctx, model.User{Email: "bob@example.com", Name: "Bob", PasswordHash: "hash"})
	require.NoError(t, err)

	ticket, err := products.Create(ctx, model.Product{
		BusinessID: business.ID,
		Type:       enums.ProductTypeTicket,
		Title:      "Go Meetup",
		Currency:   "NGN",
		CreatedBy:  owner.ID,
		Tiers:      []model.TicketTier{{Name: "Regular", Price: decimal.NewFromInt(5000), Quantity: 1}},
	})
	require.NoError(t, err)
	tierID := ticket.Tiers[0].ID
	course, err := products.Create(ctx, model.Product{
		BusinessID: business.ID,
		Type:       enums.ProductTypeCourse,
		Title:      "Go for Shops",
		Price:      decimal.NewFromInt(2000),
		Currency:   "NGN",
		CreatedBy:  owner.ID,
	})
	require.NoError(t, err)

	start := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	coupon, err := pgrepo.NewCouponRepo(pool).Create(ctx, model.Coupon{
		BusinessID: business.ID,
		Code:       "LASTONE",
		Type:       enums.CouponTypeFlat,
		Value:      decimal.NewFromInt(500),
		StartDate:  start,
		EndDate:    start.Add(24 * time.Hour),
		UsageLimit: 1,
		UserLimit:  1,
		Active:     true,
	})
	require.NoError(t, err)

	ticketLine := model.CartItem{
		ProductID:    ticket.ID,
		TicketTierID: &tierID,
		ProductType:  enums.ProductTypeTicket,
		Title:        "Go Meetup - Regular",
		PriceAtTime:  decimal.NewFromInt(5000),
		Quantity:     1,
	}
	pending := func(buyer model.User, reference string, couponID *uuid.UUID) model.Payment {
		t.Helper()
		p := model.Payment{
			BusinessID: business.ID,
			UserID:     buyer.ID,
			Reference:  reference,
			Email:      buyer.Email,
			Subtotal:   decimal.NewFromInt(5000),
			Discount:   decimal.Zero,
			Amount:     decimal.NewFromInt(5000),
			Currency:   "NGN",
			Purchase: model.Purchase{Items: []model.PaymentItem{{
				ProductID:    ticket.ID,
				TicketTierID: &tierID,
				ProductType:  enums.ProductTypeTicket,
				Title:        ticketLine.Title,
				UnitPrice:    ticketLine.PriceAtTime,
				Quantity:     1,
			}}},
		}
		if couponID != nil {
			p.CouponID = couponID
			p.CouponCode = "LASTONE"
			p.Discount = decimal.NewFromInt(500)
			p.Amount = decimal.NewFromInt(4500)
		}
		created, isNew, err := payments.CreatePending(ctx, p)
		require.NoError(t, err)
		require.True(t, isNew)
		return created
	}

	for _, buyer := range []model.User{alice, bob} {
		_, err := carts.AddItem(ctx, business.ID, buyer.ID, ticketLine)
		require.NoError(t, err)
	}
	first := pending(alice, "PAY-20260309-AAAAAAAA", &coupon.ID)
	second := pending(bob, "PAY-20260309-BBBBBBBB", &coupon.ID)

	// Alice keeps shopping while her payment is in flight.
	_, err = carts.AddItem(ctx, business.ID, alice.ID, model.CartItem{
		ProductID:   course.ID,
		ProductType: enums.ProductTypeCourse,
		Title:       course.Title,
		PriceAtTime: course.Price,
		Quantity:    1,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	change, err := payments.ApplyStatus(ctx, first.Reference, enums.PaymentStatusSuccess, "", now)
	require.NoError(t, err)
	require.True(t, change.Changed)
	require.False(t, change.Rejected)
	require.Equal(t, enums.PaymentStatusSuccess, change.Payment.Status)

	aliceCart, err := carts.Get(ctx, business.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, aliceCart.Items, 1)
	require.Equal(t, course.ID, aliceCart.Items[0].ProductID)

	bobCart, err := carts.Get(ctx, business.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, bobCart.Items, 1)

	change, err = payments.ApplyStatus(ctx, second.Reference, enums.PaymentStatusSuccess, "", now)
	require.NoError(t, err)
	require.True(t, change.Rejected)
	require.Equal(t, enums.PaymentStatusFailed, change.Payment.Status)
	require.Equal(t, pgrepo.ReasonCouponExhausted, change.Payment.FailureReason)

	change, err = payments.ApplyStatus(ctx, second.Reference, enums.PaymentStatusSuccess, "", now)
	require.NoError(t, err)
	require.False(t, change.Changed, "a rejected payment never settles later")

	third := pending(bob, "PAY-20260309-CCCCCCCC", nil)
	change, err = payments.ApplyStatus(ctx, third.Reference, enums.PaymentStatusSuccess, "", now)
	require.NoError(t, err)
	require.True(t, change.Rejected)
	require.Equal(t, pgrepo.ReasonSoldOut, change.Payment.FailureReason)

	stored, err := products.Get(ctx, business.ID, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Tiers[0].Sold)

	redeemed, err := pgrepo.NewCouponRepo(pool).Get(ctx, business.ID, coupon.ID)
	require.NoError(t, err)
	require.Equal(t, 1, redeemed.Redemptions)
}
