package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/money"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrNotPurchasable    = errors.New("product is not available for purchase")
	ErrTierNotFound      = errors.New("ticket tier not found")
	ErrInsufficientStock = errors.New("not enough tickets left in this tier")
	ErrItemNotFound      = errors.New("cart item not found")
)

// MaxLineQuantity caps a single cart line, including quantities merged by repeated adds.
const MaxLineQuantity = pgrepo.MaxCartLineQuantity

type Store interface {
	Get(ctx context.Context, businessID, userID uuid.UUID) (model.Cart, error)
	AddItem(ctx context.Context, businessID, userID uuid.UUID, item model.CartItem) (model.CartItem, error)
	UpdateQuantity(ctx context.Context, businessID, userID, itemID uuid.UUID, quantity int) (model.CartItem, error)
	GetItem(ctx context.Context, businessID, userID, itemID uuid.UUID) (model.CartItem, error)
	RemoveItem(ctx context.Context, businessID, userID, itemID uuid.UUID) error
	Clear(ctx context.Context, businessID, userID uuid.UUID) error
}

type ProductReader interface {
	Get(ctx context.Context, businessID, id uuid.UUID) (model.Product, error)
}

type Cache interface {
	Get(ctx context.Context, businessID, userID uuid.UUID) (model.Cart, bool, error)
	Set(ctx context.Context, cart model.Cart) error
	Invalidate(ctx context.Context, businessID, userID uuid.UUID) error
}

type Dependencies struct {
	Store    Store
	Products ProductReader
	Cache    Cache
	Logger   *zap.Logger
}

type AddItemInput struct {
	ProductID    uuid.UUID  `json:"product_id"`
	TicketTierID *uuid.UUID `json:"ticket_tier_id,omitempty"`
	Quantity     int        `json:"quantity" validate:"required,min=1,max=100"`
}

type UpdateQuantityInput struct {
	Quantity int `json:"quantity" validate:"required,min=1,max=100"`
}

// View is the cart as the storefront renders it.
type View struct {
	Items        []model.CartItem `json:"items"`
	Total        decimal.Decimal  `json:"total"`
	TotalDisplay string           `json:"total_display"`
	ItemCount    int              `json:"item_count"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func NewView(c model.Cart) View {
	items := c.Items
	if items == nil {
		items = []model.CartItem{}
	}
	total := c.Total()
	return View{
		Items:        items,
		Total:        total,
		TotalDisplay: money.FormatNGN(total),
		ItemCount:    c.ItemCount(),
		UpdatedAt:    c.UpdatedAt,
	}
}

type Service struct {
	store     Store
	products  ProductReader
	cache     Cache
	validator *validate.Validator
	log       *zap.Logger
}

func NewService(deps Dependencies) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     deps.Store,
		products:  deps.Products,
		cache:     deps.Cache,
		validator: validate.New(),
		log:       log,
	}
}

// Cart reads through the cache. Cache failures fall back to the database.
func (s *Service) Cart(ctx context.Context, businessID, userID uuid.UUID) (model.Cart, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, businessID, userID)
		if err != nil {
			s.log.Warn("cart cache read failed", zap.Error(err))
		}
		if ok {
			return cached, nil
		}
	}

	c, err := s.store.Get(ctx, businessID, userID)
	if err != nil {
		return model.Cart{}, fmt.Errorf("load cart: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, c); err != nil {
			s.log.Warn("cart cache write failed", zap.Error(err))
		}
	}
	return c, nil
}

func (s *Service) View(ctx context.Context, businessID, userID uuid.UUID) (View, error) {
	c, err := s.Cart(ctx, businessID, userID)
	if err != nil {
		return View{}, err
	}
	return NewView(c), nil
}

// AddItem snapshots the current product or tier price into the cart line. A repeated add for
// the same product and tier merges quantities and keeps the first snapshot.
func (s *Service) AddItem(ctx context.Context, businessID, userID uuid.UUID, in AddItemInput) (View, error) {
	if err := s.validateAdd(in); err != nil {
		return View{}, err
	}

	product, err := s.products.Get(ctx, businessID, in.ProductID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrProductNotFound) {
			return View{}, ErrProductNotFound
		}
		return View{}, fmt.Errorf("load product: %w", err)
	}
	if !product.Purchasable() {
		return View{}, ErrNotPurchasable
	}

	item := model.CartItem{
		ProductID:   product.ID,
		ProductType: product.Type,
		Title:       product.Title,
		PriceAtTime: product.Price,
		Quantity:    in.Quantity,
	}

	switch {
	case product.Type == enums.ProductTypeTicket:
		if in.TicketTierID == nil {
			return View{}, fieldError("ticket_tier_id", "ticket_tier_id is required for tickets")
		}
		tier, ok := product.Tier(*in.TicketTierID)
		if !ok {
			return View{}, ErrTierNotFound
		}
		inCart, err := s.quantityInCart(ctx, businessID, userID, product.ID, &tier.ID)
		if err != nil {
			return View{}, err
		}
		if inCart+in.Quantity > MaxLineQuantity {
			return View{}, lineLimitError()
		}
		if inCart+in.Quantity > tier.Remaining() {
			return View{}, ErrInsufficientStock
		}
		tierID := tier.ID
		item.TicketTierID = &tierID
		item.Title = product.Title + " - " + tier.Name
		item.PriceAtTime = tier.Price
	case in.TicketTierID != nil:
		return View{}, fieldError("ticket_tier_id", "ticket_tier_id is only allowed for tickets")
	default:
		inCart, err := s.quantityInCart(ctx, businessID, userID, product.ID, nil)
		if err != nil {
			return View{}, err
		}
		if inCart+in.Quantity > MaxLineQuantity {
			return View{}, lineLimitError()
		}
	}

	if _, err := s.store.AddItem(ctx, businessID, userID, item); err != nil {
		return View{}, fmt.Errorf("add cart item: %w", err)
	}
	return s.afterMutation(ctx, businessID, userID)
}

func (s *Service) UpdateQuantity(ctx context.Context, businessID, userID, itemID uuid.UUID, in UpdateQuantityInput) (View, error) {
	if err := s.validator.Struct(in); err != nil {
		return View{}, err
	}

	item, err := s.store.GetItem(ctx, businessID, userID, itemID)
	if err != nil {
		return View{}, mapStoreErr(err)
	}
	if item.TicketTierID != nil && in.Quantity > item.Quantity {
		if err := s.checkTierStock(ctx, businessID, item, in.Quantity); err != nil {
			return View{}, err
		}
	}

	if _, err := s.store.UpdateQuantity(ctx, businessID, userID, itemID, in.Quantity); err != nil {
		return View{}, mapStoreErr(err)
	}
	return s.afterMutation(ctx, businessID, userID)
}

func (s *Service) RemoveItem(ctx context.Context, businessID, userID, itemID uuid.UUID) (View, error) {
	if err := s.store.RemoveItem(ctx, businessID, userID, itemID); err != nil {
		return View{}, mapStoreErr(err)
	}
	return s.afterMutation(ctx, businessID, userID)
}

func (s *Service) Clear(ctx context.Context, businessID, userID uuid.UUID) error {
	if err := s.store.Clear(ctx, businessID, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return s.invalidate(ctx, businessID, userID)
}

// Invalidate drops the cached cart after the stored one was changed elsewhere, as settlement
// does.
func (s *Service) Invalidate(ctx context.Context, businessID, userID uuid.UUID) error {
	return s.invalidate(ctx, businessID, userID)
}

// afterMutation drops the cached copy before the fresh cart is read back, so a response never
// carries a line that was just removed.
func (s *Service) afterMutation(ctx context.Context, businessID, userID uuid.UUID) (View, error) {
	if err := s.invalidate(ctx, businessID, userID); err != nil {
		return View{}, err
	}
	return s.View(ctx, businessID, userID)
}

func (s *Service) invalidate(ctx context.Context, businessID, userID uuid.UUID) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Invalidate(ctx, businessID, userID); err != nil {
		s.log.Error("cart cache invalidation failed",
			zap.String("business_id", businessID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("invalidate cart cache: %w", err)
	}
	return nil
}

func (s *Service) quantityInCart(ctx context.Context, businessID, userID, productID uuid.UUID, tierID *uuid.UUID) (int, error) {
	c, err := s.store.Get(ctx, businessID, userID)
	if err != nil {
		return 0, fmt.Errorf("load cart: %w", err)
	}
	for _, item := range c.Items {
		if item.ProductID != productID {
			continue
		}
		if (tierID == nil && item.TicketTierID == nil) || (tierID != nil && item.TicketTierID != nil && *item.TicketTierID == *tierID) {
			return item.Quantity, nil
		}
	}
	return 0, nil
}

func (s *Service) checkTierStock(ctx context.Context, businessID uuid.UUID, item model.CartItem, quantity int) error {
	product, err := s.products.Get(ctx, businessID, item.ProductID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrProductNotFound) {
			return ErrProductNotFound
		}
		return fmt.Errorf("load product: %w", err)
	}
	tier, ok := product.Tier(*item.TicketTierID)
	if !ok {
		return ErrTierNotFound
	}
	if quantity > tier.Remaining() {
		return ErrInsufficientStock
	}
	return nil
}

func (s *Service) validateAdd(in AddItemInput) error {
	err := s.validator.Struct(in)
	if in.ProductID != uuid.Nil {
		return err
	}

	var verr *validate.Error
	if !errors.As(err, &verr) {
		if err != nil {
			return err
		}
		verr = &validate.Error{Fields: map[string]string{}}
	}
	verr.Fields["product_id"] = "product_id is a required field"
	return verr
}

func lineLimitError() error {
	return fieldError("quantity", fmt.Sprintf("a cart line holds at most %d units", MaxLineQuantity))
}

func fieldError(field, msg string) error {
	return &validate.Error{Fields: map[string]string{field: msg}}
}

func mapStoreErr(err error) error {
	if errors.Is(err, pgrepo.ErrCartItemNotFound) {
		return ErrItemNotFound
	}
	return fmt.Errorf("cart store: %w", err)
}
