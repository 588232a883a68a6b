package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
)

type Product struct {
	ID          uuid.UUID           `json:"id"`
	BusinessID  uuid.UUID           `json:"business_id"`
	Type        enums.ProductType   `json:"type"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Price       decimal.Decimal     `json:"price"`
	Currency    string              `json:"currency"`
	Status      enums.ProductStatus `json:"status"`
	Details     ProductDetails      `json:"details"`
	Tiers       []TicketTier        `json:"tiers,omitempty"`
	CreatedBy   uuid.UUID           `json:"created_by"`
	PublishedAt *time.Time          `json:"published_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// ProductDetails carries the type specific attributes; exactly one field is set.
type ProductDetails struct {
	Course  *CourseDetails  `json:"course,omitempty"`
	Event   *EventDetails   `json:"event,omitempty"`
	Digital *DigitalDetails `json:"digital,omitempty"`
	Plan    *PlanDetails    `json:"plan,omitempty"`
}

type CourseDetails struct {
	Level   string   `json:"level,omitempty"`
	Modules []string `json:"modules,omitempty"`
}

type EventDetails struct {
	EventLocation string          `json:"event_location"`
	EventType     enums.EventType `json:"event_type"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
	OneDay        bool            `json:"one_day"`
}

type DigitalDetails struct {
	AssetKey string `json:"asset_key,omitempty"`
}

type PlanDetails struct {
	Interval enums.BillingInterval `json:"interval"`
	Features []string              `json:"features,omitempty"`
}

type TicketTier struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Sold      int             `json:"sold"`
}

func (t TicketTier) Remaining() int {
	if left := t.Quantity - t.Sold; left > 0 {
		return left
	}
	return 0
}

func (p Product) Purchasable() bool {
	return p.Status == enums.ProductStatusPublished
}

func (p Product) Tier(id uuid.UUID) (TicketTier, bool) {
	for _, tier := range p.Tiers {
		if tier.ID == id {
			return tier, true
		}
	}
	return TicketTier{}, false
}
