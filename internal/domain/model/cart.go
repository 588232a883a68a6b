package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/pkg/money"
)

type Cart struct {
	ID         uuid.UUID  `json:"id"`
	BusinessID uuid.UUID  `json:"business_id"`
	UserID     uuid.UUID  `json:"user_id"`
	Items      []CartItem `json:"items"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type CartItem struct {
	ID           uuid.UUID         `json:"id"`
	CartID       uuid.UUID         `json:"cart_id"`
	ProductID    uuid.UUID         `json:"product_id"`
	TicketTierID *uuid.UUID        `json:"ticket_tier_id,omitempty"`
	ProductType  enums.ProductType `json:"product_type"`
	Title        string            `json:"title"`
	PriceAtTime  decimal.Decimal   `json:"price_at_time"`
	Quantity     int               `json:"quantity"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (i CartItem) LineTotal() decimal.Decimal {
	return money.LineTotal(i.PriceAtTime, i.Quantity)
}

// Total sums the frozen snapshots; live product prices never enter it.
func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

func (c Cart) ItemCount() int {
	count := 0
	for _, item := range c.Items {
		count += item.Quantity
	}
	return count
}
