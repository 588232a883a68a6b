package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/events"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/infra/paystack"
	"github.com/doexcess/business-api/internal/pkg/money"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
	"github.com/doexcess/business-api/internal/services/coupons"
	"github.com/doexcess/business-api/internal/services/rate"
)

const (
	reasonCancelled      = "cancelled"
	reasonAmountMismatch = "amount mismatch"
)

var (
	ErrNotFound           = errors.New("payment not found")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrNotCancellable     = errors.New("only pending payments can be cancelled")
	ErrNotRefundable      = errors.New("only successful payments can be refunded")
	ErrRefundTooLarge     = errors.New("refund exceeds the amount still refundable")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// RateLimitError is returned by Checkout when a buyer starts too many checkouts in a window.
type RateLimitError struct {
	RetryAfterSec int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many checkout attempts, retry after %ds", e.RetryAfterSec)
}

type Store interface {
	CreatePending(ctx context.Context, p model.Payment) (model.Payment, bool, error)
	SetGatewayInit(ctx context.Context, id uuid.UUID, authorizationURL, accessCode string) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Payment, error)
	GetByReference(ctx context.Context, reference string) (model.Payment, error)
	List(ctx context.Context, filter pgrepo.PaymentFilter, limit, offset int) ([]model.Payment, int64, error)
	ApplyStatus(ctx context.Context, reference string, next enums.PaymentStatus, reason string, now time.Time) (pgrepo.StatusChange, error)
	AddRefund(ctx context.Context, refund model.Refund) (model.Refund, error)
	SetRefundStatus(ctx context.Context, id uuid.UUID, status enums.RefundStatus, gatewayRef string) (model.Refund, error)
}

// Carts reads the buyer's cart. Settlement edits the stored cart itself, so Invalidate only
// drops cached copies.
type Carts interface {
	Cart(ctx context.Context, businessID, userID uuid.UUID) (model.Cart, error)
	Invalidate(ctx context.Context, businessID, userID uuid.UUID) error
}

type CouponQuoter interface {
	Quote(ctx context.Context, businessID, userID uuid.UUID, code string, subtotal decimal.Decimal) (coupons.Quote, error)
}

type Gateway interface {
	InitializeTransaction(ctx context.Context, req paystack.InitializeRequest) (paystack.InitializeResult, error)
	VerifyTransaction(ctx context.Context, reference string) (paystack.Transaction, error)
	Refund(ctx context.Context, reference string, amountKobo int64) (paystack.RefundResult, error)
	VerifySignature(body []byte, signature string) bool
}

type EventPublisher interface {
	Publish(ctx context.Context, eventName, partitionKey string, payload any) error
}

type Dependencies struct {
	Payments        Store
	Carts           Carts
	Coupons         CouponQuoter
	Gateway         Gateway
	Events          EventPublisher
	CheckoutLimiter *rate.Limiter
	CallbackURL     string
	Logger          *zap.Logger
}

type Service struct {
	payments    Store
	carts       Carts
	coupons     CouponQuoter
	gateway     Gateway
	events      EventPublisher
	limiter     *rate.Limiter
	callbackURL string
	validator   *validate.Validator
	log         *zap.Logger
	now         func() time.Time
}

type CheckoutInput struct {
	Email          string `json:"email" validate:"required,email,max=254"`
	CouponCode     string `json:"coupon_code,omitempty" validate:"omitempty,max=40"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

type RefundInput struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
	Reason string          `json:"reason" validate:"required,max=500"`
}

// Viewer decides which payments of a business a caller can see. Business members see all of
// them, customers only their own.
type Viewer struct {
	UserID  uuid.UUID
	SeesAll bool
}

func (v Viewer) canSee(p model.Payment) bool {
	return v.SeesAll || p.OwnedBy(v.UserID)
}

func NewService(deps Dependencies) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		payments:    deps.Payments,
		carts:       deps.Carts,
		coupons:     deps.Coupons,
		gateway:     deps.Gateway,
		events:      deps.Events,
		limiter:     deps.CheckoutLimiter,
		callbackURL: strings.TrimSpace(deps.CallbackURL),
		validator:   validate.New(),
		log:         log,
		now:         time.Now,
	}
}

// Checkout turns the buyer's cart into a PENDING payment and opens a Paystack transaction for
// it. A repeated idempotency key returns the payment created the first time.
func (s *Service) Checkout(ctx context.Context, businessID, userID uuid.UUID, in CheckoutInput) (model.Payment, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.CouponCode = strings.TrimSpace(in.CouponCode)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if err := s.validator.Struct(in); err != nil {
		return model.Payment{}, err
	}

	if s.limiter != nil {
		retryAfter, allowed, err := s.limiter.Allow(ctx, userID.String())
		if err != nil {
			return model.Payment{}, fmt.Errorf("checkout rate limit: %w", err)
		}
		if !allowed {
			return model.Payment{}, &RateLimitError{RetryAfterSec: retryAfter}
		}
	}

	c, err := s.carts.Cart(ctx, businessID, userID)
	if err != nil {
		return model.Payment{}, err
	}
	if len(c.Items) == 0 {
		return model.Payment{}, ErrEmptyCart
	}

	subtotal := c.Total()
	p := model.Payment{
		BusinessID:     businessID,
		UserID:         userID,
		Reference:      NewReference(s.now()),
		Email:          in.Email,
		Subtotal:       subtotal,
		Discount:       decimal.Zero,
		Amount:         subtotal,
		Currency:       money.CurrencyNGN,
		IdempotencyKey: in.IdempotencyKey,
		Purchase:       model.Purchase{Items: purchaseItems(c.Items)},
	}

	if in.CouponCode != "" {
		q, err := s.coupons.Quote(ctx, businessID, userID, in.CouponCode, subtotal)
		if err != nil {
			return model.Payment{}, err
		}
		couponID := q.Coupon.ID
		p.CouponID = &couponID
		p.CouponCode = q.Coupon.Code
		p.Discount = q.Discount
		p.Amount = q.Total
	}

	created, isNew, err := s.payments.CreatePending(ctx, p)
	if err != nil {
		return model.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	if !isNew && (created.AuthorizationURL != "" || created.Status != enums.PaymentStatusPending) {
		return created, nil
	}

	if !created.Amount.IsPositive() {
		// Fully discounted orders never reach the gateway.
		return s.applyStatus(ctx, created.Reference, enums.PaymentStatusSuccess, "")
	}

	opened, err := s.gateway.InitializeTransaction(ctx, paystack.InitializeRequest{
		Email:       created.Email,
		AmountKobo:  money.ToKobo(created.Amount),
		Currency:    created.Currency,
		Reference:   created.Reference,
		CallbackURL: s.callbackURL,
		Metadata: map[string]any{
			"payment_id":  created.ID.String(),
			"business_id": created.BusinessID.String(),
		},
	})
	if err != nil {
		s.log.Error("paystack initialize failed",
			zap.String("reference", created.Reference),
			zap.Error(err),
		)
		return model.Payment{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if err := s.payments.SetGatewayInit(ctx, created.ID, opened.AuthorizationURL, opened.AccessCode); err != nil {
		return model.Payment{}, fmt.Errorf("store gateway init: %w", err)
	}
	created.AuthorizationURL = opened.AuthorizationURL
	created.AccessCode = opened.AccessCode
	return created, nil
}

// Verify asks Paystack for the transaction state and applies it. A transaction still in
// flight leaves the payment untouched.
func (s *Service) Verify(ctx context.Context, businessID uuid.UUID, viewer Viewer, reference string) (model.Payment, error) {
	p, err := s.payments.GetByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return model.Payment{}, mapStoreErr(err)
	}
	if p.BusinessID != businessID || !viewer.canSee(p) {
		return model.Payment{}, ErrNotFound
	}
	if p.Status == enums.PaymentStatusSuccess {
		return p, nil
	}

	tx, err := s.gateway.VerifyTransaction(ctx, p.Reference)
	if err != nil {
		return model.Payment{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	next, reason, ok := statusFromGateway(tx.Status, tx.GatewayResponse)
	if !ok {
		return p, nil
	}
	if next == enums.PaymentStatusSuccess && tx.AmountKobo != money.ToKobo(p.Amount) {
		s.log.Warn("paystack amount mismatch",
			zap.String("reference", p.Reference),
			zap.Int64("expected_kobo", money.ToKobo(p.Amount)),
			zap.Int64("paid_kobo", tx.AmountKobo),
		)
		next, reason = enums.PaymentStatusFailed, reasonAmountMismatch
	}
	return s.applyStatus(ctx, p.Reference, next, reason)
}

// HandleWebhook authenticates a Paystack callback and applies charge events. Redeliveries are
// no-ops because ApplyStatus only acts on allowed transitions.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !s.gateway.VerifySignature(body, signature) {
		return ErrInvalidSignature
	}

	event, err := paystack.ParseWebhook(body)
	if err != nil {
		return &validate.Error{Fields: map[string]string{"body": err.Error()}}
	}

	var (
		next   enums.PaymentStatus
		reason string
	)
	switch event.Event {
	case paystack.EventChargeSuccess:
		next = enums.PaymentStatusSuccess
	case paystack.EventChargeFailed:
		next = enums.PaymentStatusFailed
		reason = failureReason(event.Data.GatewayResponse)
	default:
		s.log.Debug("ignore paystack event", zap.String("event", event.Event))
		return nil
	}

	if next == enums.PaymentStatusSuccess {
		p, err := s.payments.GetByReference(ctx, event.Data.Reference)
		if err != nil {
			return s.webhookLookupErr(event.Data.Reference, err)
		}
		if event.Data.AmountKobo != money.ToKobo(p.Amount) {
			s.log.Warn("paystack webhook amount mismatch",
				zap.String("reference", p.Reference),
				zap.Int64("expected_kobo", money.ToKobo(p.Amount)),
				zap.Int64("paid_kobo", event.Data.AmountKobo),
			)
			next, reason = enums.PaymentStatusFailed, reasonAmountMismatch
		}
	}

	if _, err := s.applyStatus(ctx, event.Data.Reference, next, reason); err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.webhookLookupErr(event.Data.Reference, err)
		}
		return err
	}
	return nil
}

// webhookLookupErr swallows unknown references so Paystack stops retrying them.
func (s *Service) webhookLookupErr(reference string, err error) error {
	if errors.Is(err, pgrepo.ErrPaymentNotFound) || errors.Is(err, ErrNotFound) {
		s.log.Warn("paystack webhook for unknown reference", zap.String("reference", reference))
		return nil
	}
	return fmt.Errorf("load payment: %w", err)
}

func (s *Service) Cancel(ctx context.Context, businessID uuid.UUID, viewer Viewer, id uuid.UUID) (model.Payment, error) {
	p, err := s.Get(ctx, businessID, viewer, id)
	if err != nil {
		return model.Payment{}, err
	}
	if p.Status != enums.PaymentStatusPending {
		return model.Payment{}, ErrNotCancellable
	}

	out, err := s.applyStatus(ctx, p.Reference, enums.PaymentStatusFailed, reasonCancelled)
	if err != nil {
		return model.Payment{}, err
	}
	if out.Status != enums.PaymentStatusFailed {
		// The gateway settled the payment while the cancel was in flight.
		return model.Payment{}, ErrNotCancellable
	}
	return out, nil
}

// Refund reserves the amount first so concurrent refunds cannot overshoot, then asks Paystack.
func (s *Service) Refund(ctx context.Context, businessID, actorID, paymentID uuid.UUID, in RefundInput) (model.Refund, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if err := s.validator.Struct(in); err != nil {
		return model.Refund{}, err
	}

	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return model.Refund{}, mapStoreErr(err)
	}
	if p.BusinessID != businessID {
		return model.Refund{}, ErrNotFound
	}

	reserved, err := s.payments.AddRefund(ctx, model.Refund{
		PaymentID: p.ID,
		Amount:    in.Amount.Round(2),
		Reason:    in.Reason,
		CreatedBy: actorID,
	})
	if err != nil {
		return model.Refund{}, mapStoreErr(err)
	}

	result, err := s.gateway.Refund(ctx, p.Reference, money.ToKobo(reserved.Amount))
	if err != nil {
		s.log.Error("paystack refund failed",
			zap.String("reference", p.Reference),
			zap.String("refund_id", reserved.ID.String()),
			zap.Error(err),
		)
		if _, markErr := s.payments.SetRefundStatus(ctx, reserved.ID, enums.RefundStatusFailed, ""); markErr != nil {
			s.log.Error("mark refund failed", zap.String("refund_id", reserved.ID.String()), zap.Error(markErr))
		}
		return model.Refund{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	out, err := s.payments.SetRefundStatus(ctx, reserved.ID, enums.RefundStatusProcessed, strconv.FormatInt(result.ID, 10))
	if err != nil {
		return model.Refund{}, fmt.Errorf("store refund result: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, businessID uuid.UUID, viewer Viewer, id uuid.UUID) (model.Payment, error) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return model.Payment{}, mapStoreErr(err)
	}
	if p.BusinessID != businessID || !viewer.canSee(p) {
		return model.Payment{}, ErrNotFound
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, businessID uuid.UUID, viewer Viewer, status enums.PaymentStatus, page pagination.Params) ([]model.Payment, int64, error) {
	filter := pgrepo.PaymentFilter{BusinessID: businessID, Status: status}
	if !viewer.SeesAll {
		userID := viewer.UserID
		filter.UserID = &userID
	}
	out, total, err := s.payments.List(ctx, filter, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	return out, total, nil
}

// applyStatus runs the side effects that belong to the first move into SUCCESS. The database
// part of settlement already happened inside ApplyStatus. A captured payment that settlement
// rejected is refunded in full.
func (s *Service) applyStatus(ctx context.Context, reference string, next enums.PaymentStatus, reason string) (model.Payment, error) {
	change, err := s.payments.ApplyStatus(ctx, reference, next, reason, s.now().UTC())
	if err != nil {
		return model.Payment{}, mapStoreErr(err)
	}
	p := change.Payment
	if !change.Changed {
		return p, nil
	}

	s.log.Info("payment status changed",
		zap.String("reference", p.Reference),
		zap.String("from", change.Previous.String()),
		zap.String("to", p.Status.String()),
		zap.String("reason", p.FailureReason),
	)
	if change.Rejected {
		s.refundRejected(ctx, p)
		return p, nil
	}
	if p.Status != enums.PaymentStatusSuccess {
		return p, nil
	}

	if s.carts != nil {
		if err := s.carts.Invalidate(ctx, p.BusinessID, p.UserID); err != nil {
			s.log.Warn("invalidate cart after payment", zap.String("reference", p.Reference), zap.Error(err))
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, events.PaymentSucceeded, p.BusinessID.String(), succeededPayload(p, s.now())); err != nil {
			s.log.Error("publish payment succeeded", zap.String("reference", p.Reference), zap.Error(err))
		}
	}
	return p, nil
}

func (s *Service) refundRejected(ctx context.Context, p model.Payment) {
	if !p.Amount.IsPositive() {
		return
	}
	result, err := s.gateway.Refund(ctx, p.Reference, money.ToKobo(p.Amount))
	if err != nil {
		s.log.Error("refund rejected payment",
			zap.String("reference", p.Reference),
			zap.String("reason", p.FailureReason),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("rejected payment refunded",
		zap.String("reference", p.Reference),
		zap.String("reason", p.FailureReason),
		zap.Int64("refund_id", result.ID),
	)
}

func succeededPayload(p model.Payment, now time.Time) events.PaymentSucceededPayload {
	paidAt := now.UTC()
	if p.PaidAt != nil {
		paidAt = *p.PaidAt
	}
	items := make([]events.PurchasedItem, 0, len(p.Purchase.Items))
	for _, item := range p.Purchase.Items {
		items = append(items, events.PurchasedItem{
			ProductID: item.ProductID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return events.PaymentSucceededPayload{
		PaymentID:  p.ID,
		BusinessID: p.BusinessID,
		UserID:     p.UserID,
		Reference:  p.Reference,
		Email:      p.Email,
		Amount:     p.Amount,
		Discount:   p.Discount,
		Currency:   p.Currency,
		Items:      items,
		PaidAt:     paidAt,
	}
}

func purchaseItems(items []model.CartItem) []model.PaymentItem {
	out := make([]model.PaymentItem, 0, len(items))
	for _, item := range items {
		out = append(out, model.PaymentItem{
			ProductID:    item.ProductID,
			TicketTierID: item.TicketTierID,
			ProductType:  item.ProductType,
			Title:        item.Title,
			UnitPrice:    item.PriceAtTime,
			Quantity:     item.Quantity,
		})
	}
	return out
}

// NewReference builds PAY-YYYYMMDD-XXXXXXXX with eight random uppercase hex characters.
func NewReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return "PAY-" + now.UTC().Format("20060102") + "-" + suffix
}

func statusFromGateway(status, gatewayResponse string) (enums.PaymentStatus, string, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success":
		return enums.PaymentStatusSuccess, "", true
	case "failed", "abandoned", "reversed":
		return enums.PaymentStatusFailed, failureReason(gatewayResponse), true
	default:
		return "", "", false
	}
}

func failureReason(gatewayResponse string) string {
	if reason := strings.TrimSpace(gatewayResponse); reason != "" {
		return reason
	}
	return "declined"
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, pgrepo.ErrPaymentNotFound):
		return ErrNotFound
	case errors.Is(err, pgrepo.ErrPaymentNotRefundable):
		return ErrNotRefundable
	case errors.Is(err, pgrepo.ErrRefundExceedsAmount):
		return ErrRefundTooLarge
	default:
		return fmt.Errorf("payment store: %w", err)
	}
}
