package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/pkg/money"
)

type CartItem struct {
	ID           uuid.UUID       `json:"id"`
	ProductID    uuid.UUID       `json:"product_id"`
	TicketTierID *uuid.UUID      `json:"ticket_tier_id,omitempty"`
	ProductType  string          `json:"product_type"`
	Title        string          `json:"title"`
	PriceAtTime  decimal.Decimal `json:"price_at_time"`
	Quantity     int             `json:"quantity"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Cart struct {
	Items        []CartItem      `json:"items"`
	Total        decimal.Decimal `json:"total"`
	TotalDisplay string          `json:"total_display"`
	ItemCount    int             `json:"item_count"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ComputedTotal sums price_at_time × quantity over the items as received.
func (c Cart) ComputedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(money.LineTotal(item.PriceAtTime, item.Quantity))
	}
	return total
}

// Display renders ComputedTotal as naira, e.g. ₦10,000.00.
func (c Cart) Display() string {
	return money.FormatNGN(c.ComputedTotal())
}

func (c Cart) Has(itemID uuid.UUID) bool {
	for _, item := range c.Items {
		if item.ID == itemID {
			return true
		}
	}
	return false
}

type AddCartItem struct {
	ProductID    uuid.UUID  `json:"product_id"`
	TicketTierID *uuid.UUID `json:"ticket_tier_id,omitempty"`
	Quantity     int        `json:"quantity"`
}

func (c *Client) FetchCart(ctx context.Context, sess Session) (Cart, error) {
	if err := requireSession(sess); err != nil {
		return Cart{}, err
	}
	var out Cart
	err := c.do(ctx, request{method: http.MethodGet, path: "/cart", session: &sess}, &out)
	return out, err
}

func (c *Client) AddCartItem(ctx context.Context, sess Session, in AddCartItem) (Cart, error) {
	if err := requireSession(sess); err != nil {
		return Cart{}, err
	}
	var out Cart
	err := c.do(ctx, request{method: http.MethodPost, path: "/cart/items", body: in, session: &sess}, &out)
	return out, err
}

// RemoveCartItem deletes the line and then fetches the cart again, so the result always reflects
// the server state after the removal.
func (c *Client) RemoveCartItem(ctx context.Context, sess Session, itemID uuid.UUID) (Cart, error) {
	if err := requireSession(sess); err != nil {
		return Cart{}, err
	}
	if err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    "/cart/items/" + itemID.String(),
		session: &sess,
	}, nil); err != nil {
		return Cart{}, fmt.Errorf("remove cart item %s: %w", itemID, err)
	}
	return c.FetchCart(ctx, sess)
}
