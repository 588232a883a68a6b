package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/doexcess/business-api/internal/domain/model"
)

const (
	cartPrefix     = "cart:"
	defaultCartTTL = 10 * time.Minute
)

// CartCache holds serialized carts per (business, user). A miss is reported as ok=false, never
// as an error.
type CartCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewCartCache(client *goredis.Client, ttl time.Duration) *CartCache {
	if ttl <= 0 {
		ttl = defaultCartTTL
	}
	return &CartCache{client: client, ttl: ttl}
}

func (c *CartCache) Get(ctx context.Context, businessID, userID uuid.UUID) (model.Cart, bool, error) {
	if c.client == nil {
		return model.Cart{}, false, errNilClient
	}

	raw, err := c.client.Get(ctx, cartKey(businessID, userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.Cart{}, false, nil
	}
	if err != nil {
		return model.Cart{}, false, fmt.Errorf("get cached cart: %w", err)
	}

	var cart model.Cart
	if err := json.Unmarshal(raw, &cart); err != nil {
		// A payload from an older layout is treated as a miss and overwritten on the next Set.
		return model.Cart{}, false, nil
	}
	return cart, true, nil
}

func (c *CartCache) Set(ctx context.Context, cart model.Cart) error {
	if c.client == nil {
		return errNilClient
	}

	raw, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}
	if err := c.client.Set(ctx, cartKey(cart.BusinessID, cart.UserID), raw, c.expiry()).Err(); err != nil {
		return fmt.Errorf("cache cart: %w", err)
	}
	return nil
}

func (c *CartCache) Invalidate(ctx context.Context, businessID, userID uuid.UUID) error {
	if c.client == nil {
		return errNilClient
	}
	if err := c.client.Del(ctx, cartKey(businessID, userID)).Err(); err != nil {
		return fmt.Errorf("invalidate cart: %w", err)
	}
	return nil
}

// expiry spreads expirations over an extra tenth of the ttl.
func (c *CartCache) expiry() time.Duration {
	spread := int64(c.ttl / 10)
	if spread <= 0 {
		return c.ttl
	}
	return c.ttl + time.Duration(rand.Int64N(spread))
}

func cartKey(businessID, userID uuid.UUID) string {
	return cartPrefix + businessID.String() + ":" + userID.String()
}
