package client

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/pkg/validate"
)

var ErrSubmitting = errors.New("client: form is already being submitted")

// ValidationError is returned before anything is sent when a form fails its local rules. Keys are
// the JSON field names, the same keys the server uses in its VALIDATION_ERROR responses.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "invalid form: " + strings.Join(keys, ", ")
}

const (
	tagPercentMax    = "percent_max"
	tagUserLimitMax  = "user_limit_max"
	tagEndAfterStart = "end_after_start"
	tagUniqueTiers   = "unique_tier_names"
)

var hundred = decimal.NewFromInt(100)

// formValidator carries the same cross-field rules the server applies, so a form that passes here
// is not bounced with a VALIDATION_ERROR.
var formValidator = newFormValidator()

func newFormValidator() *validate.Validator {
	v := validate.New()
	v.RegisterMessage(tagPercentMax, "{0} must be 100 or less for percentage coupons")
	v.RegisterMessage(tagUserLimitMax, "{0} must not exceed usage_limit")
	v.RegisterMessage(tagEndAfterStart, "{0} must not be before start_date")
	v.RegisterMessage(tagUniqueTiers, "{0} must have unique names")
	v.RegisterStructRule(couponRules, CouponForm{})
	v.RegisterStructRule(ticketRules, TicketForm{})
	return v
}

func validateForm(form any) error {
	err := formValidator.Struct(form)
	if err == nil {
		return nil
	}
	var verr *validate.Error
	if errors.As(err, &verr) {
		return &ValidationError{Fields: verr.Fields}
	}
	return err
}

type CouponForm struct {
	Code        string           `json:"code" validate:"required,slug_code,max=40"`
	Type        string           `json:"type" validate:"required,oneof=percentage flat"`
	Value       decimal.Decimal  `json:"value" validate:"gt=0"`
	StartDate   time.Time        `json:"start_date" validate:"required"`
	EndDate     time.Time        `json:"end_date" validate:"required,gtfield=StartDate"`
	UsageLimit  int              `json:"usage_limit" validate:"required,min=1"`
	UserLimit   int              `json:"user_limit" validate:"required,min=1"`
	MinPurchase *decimal.Decimal `json:"min_purchase" validate:"required,gte=0"`
	Active      *bool            `json:"active,omitempty"`
}

func (f CouponForm) Validate() error {
	return validateForm(f)
}

func couponRules(sl validator.StructLevel) {
	f := sl.Current().Interface().(CouponForm)
	if strings.EqualFold(f.Type, "percentage") && f.Value.GreaterThan(hundred) {
		sl.ReportError(f.Value, "value", "Value", tagPercentMax, "")
	}
	if f.UsageLimit > 0 && f.UserLimit > f.UsageLimit {
		sl.ReportError(f.UserLimit, "user_limit", "UserLimit", tagUserLimitMax, "")
	}
}

type Coupon struct {
	ID          uuid.UUID       `json:"id"`
	BusinessID  uuid.UUID       `json:"business_id"`
	Code        string          `json:"code"`
	Type        string          `json:"type"`
	Value       decimal.Decimal `json:"value"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	UsageLimit  int             `json:"usage_limit"`
	UserLimit   int             `json:"user_limit"`
	MinPurchase decimal.Decimal `json:"min_purchase"`
	Active      bool            `json:"active"`
	Redemptions int             `json:"redemptions"`
}

// CreateCoupon validates the form locally and only then posts it.
func (c *Client) CreateCoupon(ctx context.Context, sess Session, form CouponForm) (Coupon, error) {
	if err := requireSession(sess); err != nil {
		return Coupon{}, err
	}
	if err := form.Validate(); err != nil {
		return Coupon{}, err
	}
	var out Coupon
	err := c.do(ctx, request{method: http.MethodPost, path: "/coupon-management", body: form, session: &sess}, &out)
	return out, err
}

type TicketTierForm struct {
	ID       *uuid.UUID      `json:"id,omitempty"`
	Name     string          `json:"name" validate:"required,max=100"`
	Price    decimal.Decimal `json:"price" validate:"gte=0"`
	Quantity int             `json:"quantity" validate:"gte=1"`
}

type TicketForm struct {
	Title         string           `json:"title" validate:"required,max=200"`
	Description   string           `json:"description" validate:"max=10000"`
	Currency      string           `json:"currency,omitempty" validate:"omitempty,oneof=NGN"`
	EventLocation string           `json:"event_location" validate:"required,max=300"`
	EventType     string           `json:"event_type" validate:"required,oneof=physical virtual"`
	StartDate     time.Time        `json:"start_date" validate:"required"`
	EndDate       *time.Time       `json:"end_date,omitempty"`
	OneDay        bool             `json:"one_day"`
	Tiers         []TicketTierForm `json:"tiers" validate:"required,min=1,dive"`
}

// SetOneDay flips the one-day toggle. A one-day event ends on its start date; switching back to
// multi-day keeps the current end date for the user to change.
func (f *TicketForm) SetOneDay(oneDay bool) {
	f.OneDay = oneDay
	f.syncDates()
}

// SetStartDate moves the start date and, for one-day events, the end date with it.
func (f *TicketForm) SetStartDate(start time.Time) {
	f.StartDate = start
	f.syncDates()
}

func (f *TicketForm) syncDates() {
	if f.OneDay && !f.StartDate.IsZero() {
		end := f.StartDate
		f.EndDate = &end
	}
}

func (f TicketForm) Validate() error {
	return validateForm(f)
}

func ticketRules(sl validator.StructLevel) {
	f := sl.Current().Interface().(TicketForm)
	if !f.OneDay {
		switch {
		case f.EndDate == nil || f.EndDate.IsZero():
			sl.ReportError(f.EndDate, "end_date", "EndDate", "required", "")
		case !f.StartDate.IsZero() && f.EndDate.Before(f.StartDate):
			sl.ReportError(f.EndDate, "end_date", "EndDate", tagEndAfterStart, "")
		}
	}

	seen := make(map[string]struct{}, len(f.Tiers))
	for _, tier := range f.Tiers {
		name := strings.ToLower(strings.TrimSpace(tier.Name))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			sl.ReportError(f.Tiers, "tiers", "Tiers", tagUniqueTiers, "")
			return
		}
		seen[name] = struct{}{}
	}
}

type TicketTier struct {
	ID       uuid.UUID       `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Sold     int             `json:"sold"`
}

type Product struct {
	ID          uuid.UUID       `json:"id"`
	BusinessID  uuid.UUID       `json:"business_id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Tiers       []TicketTier    `json:"tiers,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CreateTicket validates the form locally, so a ticket without event_location never leaves the
// process.
func (c *Client) CreateTicket(ctx context.Context, sess Session, form TicketForm) (Product, error) {
	if err := requireSession(sess); err != nil {
		return Product{}, err
	}
	form.syncDates()
	if err := form.Validate(); err != nil {
		return Product{}, err
	}
	var out Product
	err := c.do(ctx, request{method: http.MethodPost, path: "/ticket", body: form, session: &sess}, &out)
	return out, err
}

type SubmitState string

const (
	SubmitIdle       SubmitState = "idle"
	SubmitSubmitting SubmitState = "submitting"
	SubmitSuccess    SubmitState = "success"
	SubmitError      SubmitState = "error"
)

// Submission tracks one form through idle → submitting → success|error. The zero value is idle.
type Submission struct {
	mu    sync.Mutex
	state SubmitState
	err   error
}

// Submit runs fn unless a previous submit is still in flight.
func (s *Submission) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.state == SubmitSubmitting {
		s.mu.Unlock()
		return ErrSubmitting
	}
	s.state, s.err = SubmitSubmitting, nil
	s.mu.Unlock()

	err := fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state, s.err = SubmitError, err
		return err
	}
	s.state = SubmitSuccess
	return nil
}

func (s *Submission) State() (SubmitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return SubmitIdle, nil
	}
	return s.state, s.err
}

func (s *Submission) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.err = SubmitIdle, nil
}
