package catalog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
)

const (
	uploadURLTTL   = 15 * time.Minute
	downloadURLTTL = 10 * time.Minute
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("product not found")
	ErrInvalidTransition = errors.New("product status transition not allowed")
	ErrConflict          = errors.New("product changed concurrently")
	ErrNotDraft          = errors.New("only draft products can be deleted")
	ErrInUse             = errors.New("product has sales and cannot be removed")
	ErrArchived          = errors.New("archived products cannot be edited")
	ErrNotPurchased      = errors.New("product has not been purchased")
	ErrNoAsset           = errors.New("product has no uploaded asset")
	ErrStorageDisabled   = errors.New("asset storage is not configured")
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type ProductStore interface {
	Create(ctx context.Context, p model.Product) (model.Product, error)
	Get(ctx context.Context, businessID, id uuid.UUID) (model.Product, error)
	List(ctx context.Context, filter pgrepo.ProductFilter, limit, offset int) ([]model.Product, int64, error)
	Update(ctx context.Context, p model.Product) (model.Product, error)
	SetStatus(ctx context.Context, businessID, id uuid.UUID, from, to enums.ProductStatus, now time.Time) (model.Product, error)
	SetAssetKey(ctx context.Context, businessID, id uuid.UUID, key string) error
	DeleteDraft(ctx context.Context, businessID, id uuid.UUID) error
}

type PurchaseChecker interface {
	HasPurchased(ctx context.Context, userID, productID uuid.UUID) (bool, error)
}

type AssetStorage interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Dependencies struct {
	Products  ProductStore
	Purchases PurchaseChecker
	Storage   AssetStorage
	Logger    *zap.Logger
}

type Service struct {
	products  ProductStore
	purchases PurchaseChecker
	storage   AssetStorage
	validator *validate.Validator
	log       *zap.Logger
	now       func() time.Time
}

type ListFilter struct {
	Type   enums.ProductType
	Status enums.ProductStatus
}

type SignedURL struct {
	URL       string    `json:"url"`
	Key       string    `json:"key,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewService(deps Dependencies) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		products:  deps.Products,
		purchases: deps.Purchases,
		storage:   deps.Storage,
		validator: newValidator(),
		log:       log,
		now:       time.Now,
	}
}

// Validate runs the form rules of one product type. Ticket inputs must be normalized first.
func (s *Service) Validate(in Input) error {
	return s.validator.Struct(in)
}

func (s *Service) Create(ctx context.Context, businessID, userID uuid.UUID, in Input) (model.Product, error) {
	in = normalize(in)
	if err := s.Validate(in); err != nil {
		return model.Product{}, err
	}

	p := model.Product{
		BusinessID: businessID,
		Type:       in.ProductType(),
		Status:     enums.ProductStatusDraft,
		CreatedBy:  userID,
	}
	in.apply(&p)

	created, err := s.products.Create(ctx, p)
	if err != nil {
		return model.Product{}, mapStoreErr(err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, businessID uuid.UUID, productType enums.ProductType, id uuid.UUID) (model.Product, error) {
	p, err := s.products.Get(ctx, businessID, id)
	if err != nil {
		return model.Product{}, mapStoreErr(err)
	}
	if productType != "" && p.Type != productType {
		return model.Product{}, ErrNotFound
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, businessID uuid.UUID, filter ListFilter, page pagination.Params) ([]model.Product, int64, error) {
	out, total, err := s.products.List(ctx, pgrepo.ProductFilter{
		BusinessID: businessID,
		Type:       filter.Type,
		Status:     filter.Status,
	}, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	return out, total, nil
}

// StoreList is the customer facing catalogue: published products only.
func (s *Service) StoreList(ctx context.Context, businessID uuid.UUID, productType enums.ProductType, page pagination.Params) ([]model.Product, int64, error) {
	return s.List(ctx, businessID, ListFilter{Type: productType, Status: enums.ProductStatusPublished}, page)
}

func (s *Service) Update(ctx context.Context, businessID, id uuid.UUID, in Input) (model.Product, error) {
	in = normalize(in)
	if err := s.Validate(in); err != nil {
		return model.Product{}, err
	}

	current, err := s.Get(ctx, businessID, in.ProductType(), id)
	if err != nil {
		return model.Product{}, err
	}
	if current.Status == enums.ProductStatusArchived {
		return model.Product{}, ErrArchived
	}

	in.apply(&current)
	updated, err := s.products.Update(ctx, current)
	if err != nil {
		return model.Product{}, mapStoreErr(err)
	}
	return updated, nil
}

func (s *Service) Publish(ctx context.Context, businessID uuid.UUID, productType enums.ProductType, id uuid.UUID) (model.Product, error) {
	return s.transition(ctx, businessID, productType, id, enums.ProductStatusPublished)
}

func (s *Service) Unpublish(ctx context.Context, businessID uuid.UUID, productType enums.ProductType, id uuid.UUID) (model.Product, error) {
	return s.transition(ctx, businessID, productType, id, enums.ProductStatusDraft)
}

func (s *Service) Archive(ctx context.Context, businessID uuid.UUID, productType enums.ProductType, id uuid.UUID) (model.Product, error) {
	return s.transition(ctx, businessID, productType, id, enums.ProductStatusArchived)
}

func (s *Service) Delete(ctx context.Context, businessID uuid.UUID, productType enums.ProductType, id uuid.UUID) error {
	if _, err := s.Get(ctx, businessID, productType, id); err != nil {
		return err
	}
	if err := s.products.DeleteDraft(ctx, businessID, id); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// AssetUploadURL reserves a fresh object key for the product and returns a presigned PUT url for
// it. The key is stored right away; a failed upload simply leaves a key with no object.
func (s *Service) AssetUploadURL(ctx context.Context, businessID, id uuid.UUID, filename string) (SignedURL, error) {
	if s.storage == nil {
		return SignedURL{}, ErrStorageDisabled
	}
	p, err := s.Get(ctx, businessID, enums.ProductTypeDigitalProduct, id)
	if err != nil {
		return SignedURL{}, err
	}
	if p.Status == enums.ProductStatusArchived {
		return SignedURL{}, ErrArchived
	}

	name := cleanFileName(filename)
	if name == "" {
		return SignedURL{}, &validate.Error{Fields: map[string]string{"filename": "filename is a required field"}}
	}
	key := path.Join("products", businessID.String(), id.String(), uuid.NewString()+"-"+name)

	signed, err := s.storage.PresignPut(ctx, key, uploadURLTTL)
	if err != nil {
		return SignedURL{}, fmt.Errorf("presign upload: %w", err)
	}
	if err := s.products.SetAssetKey(ctx, businessID, id, key); err != nil {
		return SignedURL{}, mapStoreErr(err)
	}

	return SignedURL{URL: signed, Key: key, ExpiresAt: s.now().Add(uploadURLTTL).UTC()}, nil
}

// DownloadURL hands buyers a short lived link. Buyers keep access after the product is archived.
func (s *Service) DownloadURL(ctx context.Context, businessID, userID, id uuid.UUID) (SignedURL, error) {
	if s.storage == nil {
		return SignedURL{}, ErrStorageDisabled
	}
	p, err := s.Get(ctx, businessID, enums.ProductTypeDigitalProduct, id)
	if err != nil {
		return SignedURL{}, err
	}

	bought, err := s.purchases.HasPurchased(ctx, userID, id)
	if err != nil {
		return SignedURL{}, fmt.Errorf("check purchase: %w", err)
	}
	if !bought {
		return SignedURL{}, ErrNotPurchased
	}
	if p.Details.Digital == nil || p.Details.Digital.AssetKey == "" {
		return SignedURL{}, ErrNoAsset
	}

	signed, err := s.storage.PresignGet(ctx, p.Details.Digital.AssetKey, downloadURLTTL)
	if err != nil {
		return SignedURL{}, fmt.Errorf("presign download: %w", err)
	}
	return SignedURL{URL: signed, ExpiresAt: s.now().Add(downloadURLTTL).UTC()}, nil
}

func (s *Service) transition(ctx context.Context, businessID uuid.UUID, productType enums.ProductType, id uuid.UUID, to enums.ProductStatus) (model.Product, error) {
	p, err := s.Get(ctx, businessID, productType, id)
	if err != nil {
		return model.Product{}, err
	}
	if !p.Status.CanTransitionTo(to) {
		return model.Product{}, ErrInvalidTransition
	}
	if to == enums.ProductStatusPublished && p.Type == enums.ProductTypeTicket && len(p.Tiers) == 0 {
		return model.Product{}, &validate.Error{Fields: map[string]string{"tiers": "tiers must contain at least 1 item"}}
	}

	updated, err := s.products.SetStatus(ctx, businessID, id, p.Status, to, s.now().UTC())
	if err != nil {
		return model.Product{}, mapStoreErr(err)
	}

	s.log.Info("product status changed",
		zap.String("product_id", id.String()),
		zap.String("from", string(p.Status)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

func normalize(in Input) Input {
	if ticket, ok := in.(TicketInput); ok {
		ticket.Normalize()
		return ticket
	}
	if ticket, ok := in.(*TicketInput); ok {
		ticket.Normalize()
		return *ticket
	}
	return in
}

func cleanFileName(raw string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	name = unsafeFileChars.ReplaceAllString(name, "_")
	if len(name) > 120 {
		name = name[len(name)-120:]
	}
	return strings.Trim(name, "_")
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, pgrepo.ErrProductNotFound):
		return ErrNotFound
	case errors.Is(err, pgrepo.ErrProductStatusConflict):
		return ErrConflict
	case errors.Is(err, pgrepo.ErrProductNotDraft):
		return ErrNotDraft
	case errors.Is(err, pgrepo.ErrProductInUse), errors.Is(err, pgrepo.ErrTierInUse):
		return ErrInUse
	case errors.Is(err, pgrepo.ErrTierNameTaken):
		return &validate.Error{Fields: map[string]string{"tiers": "tiers must have unique names"}}
	default:
		return fmt.Errorf("product store: %w", err)
	}
}
