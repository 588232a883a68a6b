package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/money"
)

var ErrCartItemNotFound = errors.New("cart item not found")

// MaxCartLineQuantity is the ceiling a merged cart line is clamped to.
const MaxCartLineQuantity = 100

const cartItemColumns = `id, cart_id, product_id, ticket_tier_id, product_type, title, price_at_time_kobo, quantity, created_at`

type CartRepo struct {
	db DB
}

func NewCartRepo(db DB) *CartRepo {
	return &CartRepo{db: db}
}

// Get returns the cart with its items; a user without a cart gets an empty one.
func (r *CartRepo) Get(ctx context.Context, businessID, userID uuid.UUID) (model.Cart, error) {
	if r.db == nil {
		return model.Cart{}, errNilDB
	}
	return getCart(ctx, r.db, businessID, userID)
}

// AddItem merges into an existing line for the same product and tier. The merged line keeps
// its original price snapshot.
func (r *CartRepo) AddItem(ctx context.Context, businessID, userID uuid.UUID, item model.CartItem) (model.CartItem, error) {
	if r.db == nil {
		return model.CartItem{}, errNilDB
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}

	var out model.CartItem
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		cartID, err := upsertCart(txCtx, tx, businessID, userID)
		if err != nil {
			return err
		}

		out, err = scanCartItem(tx.QueryRow(txCtx, `
INSERT INTO cart_items (id, cart_id, product_id, ticket_tier_id, product_type, title, price_at_time_kobo, quantity, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (cart_id, product_id, COALESCE(ticket_tier_id, '00000000-0000-0000-0000-000000000000'::uuid))
DO UPDATE SET quantity = LEAST(cart_items.quantity + EXCLUDED.quantity, $9)
RETURNING `+cartItemColumns,
			item.ID, cartID, item.ProductID, item.TicketTierID, string(item.ProductType), item.Title, money.ToKobo(item.PriceAtTime), item.Quantity, MaxCartLineQuantity))
		if err != nil {
			return fmt.Errorf("upsert cart item: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.CartItem{}, err
	}
	return out, nil
}

func (r *CartRepo) UpdateQuantity(ctx context.Context, businessID, userID, itemID uuid.UUID, quantity int) (model.CartItem, error) {
	if r.db == nil {
		return model.CartItem{}, errNilDB
	}

	out, err := scanCartItem(r.db.QueryRow(ctx, `
UPDATE cart_items i
SET quantity = $4
FROM carts c
WHERE i.id = $3
  AND i.cart_id = c.id
  AND c.business_id = $1
  AND c.user_id = $2
RETURNING i.id, i.cart_id, i.product_id, i.ticket_tier_id, i.product_type, i.title, i.price_at_time_kobo, i.quantity, i.created_at
`, businessID, userID, itemID, quantity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CartItem{}, ErrCartItemNotFound
		}
		return model.CartItem{}, fmt.Errorf("update cart item quantity: %w", err)
	}
	if err := touchCart(ctx, r.db, out.CartID); err != nil {
		return model.CartItem{}, err
	}
	return out, nil
}

func (r *CartRepo) GetItem(ctx context.Context, businessID, userID, itemID uuid.UUID) (model.CartItem, error) {
	if r.db == nil {
		return model.CartItem{}, errNilDB
	}

	out, err := scanCartItem(r.db.QueryRow(ctx, `
SELECT i.id, i.cart_id, i.product_id, i.ticket_tier_id, i.product_type, i.title, i.price_at_time_kobo, i.quantity, i.created_at
FROM cart_items i
JOIN carts c ON c.id = i.cart_id
WHERE i.id = $3
  AND c.business_id = $1
  AND c.user_id = $2
`, businessID, userID, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CartItem{}, ErrCartItemNotFound
		}
		return model.CartItem{}, fmt.Errorf("get cart item: %w", err)
	}
	return out, nil
}

func (r *CartRepo) RemoveItem(ctx context.Context, businessID, userID, itemID uuid.UUID) error {
	if r.db == nil {
		return errNilDB
	}

	var cartID uuid.UUID
	err := r.db.QueryRow(ctx, `
DELETE FROM cart_items i
USING carts c
WHERE i.id = $3
  AND i.cart_id = c.id
  AND c.business_id = $1
  AND c.user_id = $2
RETURNING i.cart_id
`, businessID, userID, itemID).Scan(&cartID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCartItemNotFound
		}
		return fmt.Errorf("delete cart item: %w", err)
	}
	return touchCart(ctx, r.db, cartID)
}

func (r *CartRepo) Clear(ctx context.Context, businessID, userID uuid.UUID) error {
	if r.db == nil {
		return errNilDB
	}
	return clearCart(ctx, r.db, businessID, userID)
}

// DeleteStale drops carts nobody touched since before.
func (r *CartRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	if r.db == nil {
		return 0, errNilDB
	}

	tag, err := r.db.Exec(ctx, `
DELETE FROM carts
WHERE updated_at < $1
`, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale carts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func getCart(ctx context.Context, q querier, businessID, userID uuid.UUID) (model.Cart, error) {
	cart := model.Cart{BusinessID: businessID, UserID: userID, Items: []model.CartItem{}}
	err := q.QueryRow(ctx, `
SELECT id, updated_at
FROM carts
WHERE business_id = $1
  AND user_id = $2
`, businessID, userID).Scan(&cart.ID, &cart.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cart, nil
		}
		return model.Cart{}, fmt.Errorf("get cart: %w", err)
	}

	rows, err := q.Query(ctx, `
SELECT `+cartItemColumns+`
FROM cart_items
WHERE cart_id = $1
ORDER BY created_at ASC, id
`, cart.ID)
	if err != nil {
		return model.Cart{}, fmt.Errorf("list cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanCartItem(rows)
		if err != nil {
			return model.Cart{}, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, item)
	}
	if err := rows.Err(); err != nil {
		return model.Cart{}, fmt.Errorf("iterate cart items: %w", err)
	}
	return cart, nil
}

func upsertCart(ctx context.Context, q querier, businessID, userID uuid.UUID) (uuid.UUID, error) {
	var cartID uuid.UUID
	err := q.QueryRow(ctx, `
INSERT INTO carts (id, business_id, user_id, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (business_id, user_id) DO UPDATE SET updated_at = NOW()
RETURNING id
`, uuid.New(), businessID, userID).Scan(&cartID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert cart: %w", err)
	}
	return cartID, nil
}

func touchCart(ctx context.Context, q querier, cartID uuid.UUID) error {
	if _, err := q.Exec(ctx, `
UPDATE carts
SET updated_at = NOW()
WHERE id = $1
`, cartID); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}

func clearCart(ctx context.Context, q querier, businessID, userID uuid.UUID) error {
	if _, err := q.Exec(ctx, `
DELETE FROM cart_items i
USING carts c
WHERE i.cart_id = c.id
  AND c.business_id = $1
  AND c.user_id = $2
`, businessID, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func scanCartItem(row pgx.Row) (model.CartItem, error) {
	var (
		item      model.CartItem
		typ       string
		priceKobo int64
	)
	if err := row.Scan(
		&item.ID,
		&item.CartID,
		&item.ProductID,
		&item.TicketTierID,
		&typ,
		&item.Title,
		&priceKobo,
		&item.Quantity,
		&item.CreatedAt,
	); err != nil {
		return model.CartItem{}, err
	}
	item.ProductType = enums.ProductType(typ)
	item.PriceAtTime = money.FromKobo(priceKobo)
	return item, nil
}
