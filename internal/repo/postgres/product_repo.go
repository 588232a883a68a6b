package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/money"
)

var (
	ErrProductNotFound       = errors.New("product not found")
	ErrProductStatusConflict = errors.New("product status changed concurrently")
	ErrProductNotDraft       = errors.New("only draft products can be deleted")
	ErrProductInUse          = errors.New("product is referenced by payments")
	ErrTierInUse             = errors.New("ticket tier already has sales")
	ErrTierNameTaken         = errors.New("ticket tier names must be unique")
)

const foreignKeyViolation = "23503"

const productColumns = `id, business_id, type, title, description, price_kobo, currency, status, details, created_by, published_at, created_at, updated_at`

type ProductFilter struct {
	BusinessID uuid.UUID
	Type       enums.ProductType
	Status     enums.ProductStatus
}

type ProductRepo struct {
	db DB
}

func NewProductRepo(db DB) *ProductRepo {
	return &ProductRepo{db: db}
}

func (r *ProductRepo) Create(ctx context.Context, p model.Product) (model.Product, error) {
	if r.db == nil {
		return model.Product{}, errNilDB
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	details, err := json.Marshal(p.Details)
	if err != nil {
		return model.Product{}, fmt.Errorf("encode product details: %w", err)
	}

	var out model.Product
	err = WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		created, err := scanProduct(tx.QueryRow(txCtx, `
INSERT INTO products (id, business_id, type, title, description, price_kobo, currency, status, details, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'draft', $8, $9, NOW(), NOW())
RETURNING `+productColumns,
			p.ID, p.BusinessID, string(p.Type), p.Title, p.Description, money.ToKobo(p.Price), p.Currency, details, p.CreatedBy))
		if err != nil {
			return fmt.Errorf("insert product: %w", err)
		}

		for i, tier := range p.Tiers {
			inserted, err := insertTier(txCtx, tx, created.ID, tier, i)
			if err != nil {
				return err
			}
			created.Tiers = append(created.Tiers, inserted)
		}
		out = created
		return nil
	})
	if err != nil {
		return model.Product{}, err
	}
	return out, nil
}

func (r *ProductRepo) Get(ctx context.Context, businessID, id uuid.UUID) (model.Product, error) {
	if r.db == nil {
		return model.Product{}, errNilDB
	}

	p, err := scanProduct(r.db.QueryRow(ctx, `
SELECT `+productColumns+`
FROM products
WHERE id = $1
  AND business_id = $2
`, id, businessID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Product{}, ErrProductNotFound
		}
		return model.Product{}, fmt.Errorf("get product: %w", err)
	}

	if p.Type == enums.ProductTypeTicket {
		tiers, err := r.tiersFor(ctx, r.db, []uuid.UUID{p.ID})
		if err != nil {
			return model.Product{}, err
		}
		p.Tiers = tiers[p.ID]
	}
	return p, nil
}

func (r *ProductRepo) List(ctx context.Context, filter ProductFilter, limit, offset int) ([]model.Product, int64, error) {
	if r.db == nil {
		return nil, 0, errNilDB
	}

	var total int64
	if err := r.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM products
WHERE business_id = $1
  AND ($2 = '' OR type = $2)
  AND ($3 = '' OR status = $3)
`, filter.BusinessID, string(filter.Type), string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	rows, err := r.db.Query(ctx, `
SELECT `+productColumns+`
FROM products
WHERE business_id = $1
  AND ($2 = '' OR type = $2)
  AND ($3 = '' OR status = $3)
ORDER BY created_at DESC, id
LIMIT $4 OFFSET $5
`, filter.BusinessID, string(filter.Type), string(filter.Status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	out := make([]model.Product, 0, limit)
	ticketIDs := make([]uuid.UUID, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan product: %w", err)
		}
		if p.Type == enums.ProductTypeTicket {
			ticketIDs = append(ticketIDs, p.ID)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate products: %w", err)
	}

	if len(ticketIDs) > 0 {
		tiers, err := r.tiersFor(ctx, r.db, ticketIDs)
		if err != nil {
			return nil, 0, err
		}
		for i := range out {
			out[i].Tiers = tiers[out[i].ID]
		}
	}
	return out, total, nil
}

// Update rewrites the editable fields. Tiers with an id are updated, tiers without one are
// inserted, and tiers left out are removed unless they already sold.
func (r *ProductRepo) Update(ctx context.Context, p model.Product) (model.Product, error) {
	if r.db == nil {
		return model.Product{}, errNilDB
	}
	details, err := json.Marshal(p.Details)
	if err != nil {
		return model.Product{}, fmt.Errorf("encode product details: %w", err)
	}

	var out model.Product
	err = WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		updated, err := scanProduct(tx.QueryRow(txCtx, `
UPDATE products
SET title = $3,
	description = $4,
	price_kobo = $5,
	currency = $6,
	details = $7,
	updated_at = NOW()
WHERE id = $1
  AND business_id = $2
RETURNING `+productColumns,
			p.ID, p.BusinessID, p.Title, p.Description, money.ToKobo(p.Price), p.Currency, details))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrProductNotFound
			}
			return fmt.Errorf("update product: %w", err)
		}

		if updated.Type == enums.ProductTypeTicket {
			if err := syncTiers(txCtx, tx, updated.ID, p.Tiers); err != nil {
				return err
			}
			tiers, err := r.tiersFor(txCtx, tx, []uuid.UUID{updated.ID})
			if err != nil {
				return err
			}
			updated.Tiers = tiers[updated.ID]
		}
		out = updated
		return nil
	})
	if err != nil {
		return model.Product{}, err
	}
	return out, nil
}

// SetStatus moves the product only if it is still in the expected status.
func (r *ProductRepo) SetStatus(ctx context.Context, businessID, id uuid.UUID, from, to enums.ProductStatus, now time.Time) (model.Product, error) {
	if r.db == nil {
		return model.Product{}, errNilDB
	}

	p, err := scanProduct(r.db.QueryRow(ctx, `
UPDATE products
SET status = $4,
	published_at = CASE WHEN $4 = 'published' THEN $5 ELSE published_at END,
	updated_at = $5
WHERE id = $1
  AND business_id = $2
  AND status = $3
RETURNING `+productColumns, id, businessID, string(from), string(to), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Product{}, ErrProductStatusConflict
		}
		return model.Product{}, fmt.Errorf("set product status: %w", err)
	}
	return p, nil
}

func (r *ProductRepo) SetAssetKey(ctx context.Context, businessID, id uuid.UUID, key string) error {
	if r.db == nil {
		return errNilDB
	}

	tag, err := r.db.Exec(ctx, `
UPDATE products
SET details = jsonb_set(details, '{digital}', COALESCE(details->'digital', '{}'::jsonb) || jsonb_build_object('asset_key', $3::text)),
	updated_at = NOW()
WHERE id = $1
  AND business_id = $2
  AND type = 'digital_product'
`, id, businessID, key)
	if err != nil {
		return fmt.Errorf("set asset key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (r *ProductRepo) DeleteDraft(ctx context.Context, businessID, id uuid.UUID) error {
	if r.db == nil {
		return errNilDB
	}

	tag, err := r.db.Exec(ctx, `
DELETE FROM products
WHERE id = $1
  AND business_id = $2
  AND status = 'draft'
`, id, businessID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return ErrProductInUse
		}
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM products WHERE id = $1 AND business_id = $2)
`, id, businessID).Scan(&exists); err != nil {
		return fmt.Errorf("check product: %w", err)
	}
	if !exists {
		return ErrProductNotFound
	}
	return ErrProductNotDraft
}

func (r *ProductRepo) tiersFor(ctx context.Context, q querier, productIDs []uuid.UUID) (map[uuid.UUID][]model.TicketTier, error) {
	rows, err := q.Query(ctx, `
SELECT id, product_id, name, price_kobo, quantity, sold
FROM ticket_tiers
WHERE product_id = ANY($1)
ORDER BY product_id, position, name
`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("list ticket tiers: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]model.TicketTier, len(productIDs))
	for rows.Next() {
		tier, err := scanTier(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket tier: %w", err)
		}
		out[tier.ProductID] = append(out[tier.ProductID], tier)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket tiers: %w", err)
	}
	return out, nil
}

func insertTier(ctx context.Context, tx pgx.Tx, productID uuid.UUID, tier model.TicketTier, position int) (model.TicketTier, error) {
	if tier.ID == uuid.Nil {
		tier.ID = uuid.New()
	}
	out, err := scanTier(tx.QueryRow(ctx, `
INSERT INTO ticket_tiers (id, product_id, name, price_kobo, quantity, sold, position)
VALUES ($1, $2, $3, $4, $5, 0, $6)
RETURNING id, product_id, name, price_kobo, quantity, sold
`, tier.ID, productID, tier.Name, money.ToKobo(tier.Price), tier.Quantity, position))
	if err != nil {
		if isUniqueViolation(err) {
			return model.TicketTier{}, ErrTierNameTaken
		}
		return model.TicketTier{}, fmt.Errorf("insert ticket tier: %w", err)
	}
	return out, nil
}

func syncTiers(ctx context.Context, tx pgx.Tx, productID uuid.UUID, tiers []model.TicketTier) error {
	keep := make([]uuid.UUID, 0, len(tiers))
	for _, tier := range tiers {
		if tier.ID != uuid.Nil {
			keep = append(keep, tier.ID)
		}
	}

	var blocked int
	if err := tx.QueryRow(ctx, `
SELECT COUNT(*)
FROM ticket_tiers t
WHERE t.product_id = $1
  AND NOT (t.id = ANY($2))
  AND (t.sold > 0 OR EXISTS (SELECT 1 FROM payment_items pi WHERE pi.ticket_tier_id = t.id))
`, productID, keep).Scan(&blocked); err != nil {
		return fmt.Errorf("check removed tiers: %w", err)
	}
	if blocked > 0 {
		return ErrTierInUse
	}

	if _, err := tx.Exec(ctx, `
DELETE FROM ticket_tiers
WHERE product_id = $1
  AND NOT (id = ANY($2))
`, productID, keep); err != nil {
		return fmt.Errorf("delete removed tiers: %w", err)
	}

	for i, tier := range tiers {
		if tier.ID == uuid.Nil {
			if _, err := insertTier(ctx, tx, productID, tier, i); err != nil {
				return err
			}
			continue
		}

		tag, err := tx.Exec(ctx, `
UPDATE ticket_tiers
SET name = $3, price_kobo = $4, quantity = $5, position = $6
WHERE id = $1
  AND product_id = $2
  AND sold <= $5
`, tier.ID, productID, tier.Name, money.ToKobo(tier.Price), tier.Quantity, i)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrTierNameTaken
			}
			return fmt.Errorf("update ticket tier: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTierInUse
		}
	}
	return nil
}

func scanProduct(row pgx.Row) (model.Product, error) {
	var (
		p         model.Product
		typ       string
		status    string
		priceKobo int64
		details   []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.BusinessID,
		&typ,
		&p.Title,
		&p.Description,
		&priceKobo,
		&p.Currency,
		&status,
		&details,
		&p.CreatedBy,
		&p.PublishedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return model.Product{}, err
	}
	p.Type = enums.ProductType(typ)
	p.Status = enums.ProductStatus(status)
	p.Price = money.FromKobo(priceKobo)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &p.Details); err != nil {
			return model.Product{}, fmt.Errorf("decode product details: %w", err)
		}
	}
	return p, nil
}

func scanTier(row pgx.Row) (model.TicketTier, error) {
	var (
		tier      model.TicketTier
		priceKobo int64
	)
	if err := row.Scan(&tier.ID, &tier.ProductID, &tier.Name, &priceKobo, &tier.Quantity, &tier.Sold); err != nil {
		return model.TicketTier{}, err
	}
	tier.Price = money.FromKobo(priceKobo)
	return tier, nil
}
