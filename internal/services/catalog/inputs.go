package catalog

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/money"
	"github.com/doexcess/business-api/internal/pkg/validate"
)

// Input is the validated form of one product type.
type Input interface {
	ProductType() enums.ProductType
	apply(p *model.Product)
}

type CourseInput struct {
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=10000"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
	Currency    string          `json:"currency" validate:"omitempty,oneof=NGN"`
	Level       string          `json:"level" validate:"omitempty,oneof=beginner intermediate advanced"`
	Modules     []string        `json:"modules" validate:"omitempty,dive,required,max=200"`
}

func (CourseInput) ProductType() enums.ProductType { return enums.ProductTypeCourse }

func (in CourseInput) apply(p *model.Product) {
	p.Title = in.Title
	p.Description = in.Description
	p.Currency = currencyOf(in.Currency)
	p.Price = in.Price
	p.Details = model.ProductDetails{Course: &model.CourseDetails{Level: in.Level, Modules: in.Modules}}
}

type TierInput struct {
	ID       *uuid.UUID      `json:"id"`
	Name     string          `json:"name" validate:"required,max=100"`
	Price    decimal.Decimal `json:"price" validate:"gte=0"`
	Quantity int             `json:"quantity" validate:"gte=1"`
}

type TicketInput struct {
	Title         string      `json:"title" validate:"required,max=200"`
	Description   string      `json:"description" validate:"max=10000"`
	Currency      string      `json:"currency" validate:"omitempty,oneof=NGN"`
	EventLocation string      `json:"event_location" validate:"required,max=300"`
	EventType     string      `json:"event_type" validate:"required,oneof=physical virtual"`
	StartDate     time.Time   `json:"start_date" validate:"required"`
	EndDate       *time.Time  `json:"end_date"`
	OneDay        bool        `json:"one_day"`
	Tiers         []TierInput `json:"tiers" validate:"required,min=1,dive"`
}

func (TicketInput) ProductType() enums.ProductType { return enums.ProductTypeTicket }

// Normalize applies the one-day toggle: a one-day event ends on its start date.
func (in *TicketInput) Normalize() {
	if in.OneDay && !in.StartDate.IsZero() {
		start := in.StartDate
		in.EndDate = &start
	}
}

func (in TicketInput) apply(p *model.Product) {
	p.Title = in.Title
	p.Description = in.Description
	p.Currency = currencyOf(in.Currency)

	end := in.StartDate
	if in.EndDate != nil {
		end = *in.EndDate
	}
	p.Details = model.ProductDetails{Event: &model.EventDetails{
		EventLocation: in.EventLocation,
		EventType:     enums.EventType(in.EventType),
		StartDate:     in.StartDate,
		EndDate:       end,
		OneDay:        in.OneDay,
	}}

	p.Tiers = make([]model.TicketTier, 0, len(in.Tiers))
	var lowest decimal.Decimal
	for i, tier := range in.Tiers {
		t := model.TicketTier{Name: strings.TrimSpace(tier.Name), Price: tier.Price, Quantity: tier.Quantity}
		if tier.ID != nil {
			t.ID = *tier.ID
		}
		p.Tiers = append(p.Tiers, t)
		if i == 0 || tier.Price.LessThan(lowest) {
			lowest = tier.Price
		}
	}
	// Listings show the cheapest tier as the ticket price.
	p.Price = lowest
}

type DigitalProductInput struct {
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=10000"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
	Currency    string          `json:"currency" validate:"omitempty,oneof=NGN"`
	AssetKey    string          `json:"asset_key" validate:"omitempty,max=512"`
}

func (DigitalProductInput) ProductType() enums.ProductType { return enums.ProductTypeDigitalProduct }

func (in DigitalProductInput) apply(p *model.Product) {
	p.Title = in.Title
	p.Description = in.Description
	p.Currency = currencyOf(in.Currency)
	p.Price = in.Price

	key := in.AssetKey
	if key == "" && p.Details.Digital != nil {
		key = p.Details.Digital.AssetKey
	}
	p.Details = model.ProductDetails{Digital: &model.DigitalDetails{AssetKey: key}}
}

type PhysicalProductInput struct {
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=10000"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
	Currency    string          `json:"currency" validate:"omitempty,oneof=NGN"`
}

func (PhysicalProductInput) ProductType() enums.ProductType {
	return enums.ProductTypePhysicalProduct
}

func (in PhysicalProductInput) apply(p *model.Product) {
	p.Title = in.Title
	p.Description = in.Description
	p.Currency = currencyOf(in.Currency)
	p.Price = in.Price
	p.Details = model.ProductDetails{}
}

type SubscriptionPlanInput struct {
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=10000"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
	Currency    string          `json:"currency" validate:"omitempty,oneof=NGN"`
	Interval    string          `json:"interval" validate:"required,oneof=monthly quarterly yearly"`
	Features    []string        `json:"features" validate:"omitempty,dive,required,max=200"`
}

func (SubscriptionPlanInput) ProductType() enums.ProductType {
	return enums.ProductTypeSubscriptionPlan
}

func (in SubscriptionPlanInput) apply(p *model.Product) {
	p.Title = in.Title
	p.Description = in.Description
	p.Currency = currencyOf(in.Currency)
	p.Price = in.Price
	p.Details = model.ProductDetails{Plan: &model.PlanDetails{
		Interval: enums.BillingInterval(in.Interval),
		Features: in.Features,
	}}
}

const (
	tagEndAfterStart = "end_after_start"
	tagUniqueTiers   = "unique_tier_names"
)

func newValidator() *validate.Validator {
	v := validate.New()
	v.RegisterMessage(tagEndAfterStart, "{0} must not be before start_date")
	v.RegisterMessage(tagUniqueTiers, "{0} must have unique names")
	v.RegisterStructRule(ticketRules, TicketInput{})
	return v
}

func ticketRules(sl validator.StructLevel) {
	in := sl.Current().Interface().(TicketInput)

	if !in.OneDay {
		switch {
		case in.EndDate == nil || in.EndDate.IsZero():
			sl.ReportError(in.EndDate, "end_date", "EndDate", "required", "")
		case !in.StartDate.IsZero() && in.EndDate.Before(in.StartDate):
			sl.ReportError(in.EndDate, "end_date", "EndDate", tagEndAfterStart, "")
		}
	}

	seen := make(map[string]struct{}, len(in.Tiers))
	for _, tier := range in.Tiers {
		name := strings.ToLower(strings.TrimSpace(tier.Name))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			sl.ReportError(in.Tiers, "tiers", "Tiers", tagUniqueTiers, "")
			return
		}
		seen[name] = struct{}{}
	}
}

func currencyOf(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return money.CurrencyNGN
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}
