package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	catalogsvc "github.com/doexcess/business-api/internal/services/catalog"
	"github.com/doexcess/business-api/internal/transport/http/dto"
)

// ProductHandler serves the CRUD routes of one product type.
type ProductHandler struct {
	service     *catalogsvc.Service
	productType enums.ProductType
	decode      func(r *http.Request) (catalogsvc.Input, error)
}

func NewCourseHandler(service *catalogsvc.Service) *ProductHandler {
	return newProductHandler(service, enums.ProductTypeCourse, func(r *http.Request) (catalogsvc.Input, error) {
		var in catalogsvc.CourseInput
		err := decodeJSON(r, &in)
		return in, err
	})
}

func NewTicketHandler(service *catalogsvc.Service) *ProductHandler {
	return newProductHandler(service, enums.ProductTypeTicket, func(r *http.Request) (catalogsvc.Input, error) {
		var in catalogsvc.TicketInput
		err := decodeJSON(r, &in)
		return in, err
	})
}

func NewDigitalProductHandler(service *catalogsvc.Service) *ProductHandler {
	return newProductHandler(service, enums.ProductTypeDigitalProduct, func(r *http.Request) (catalogsvc.Input, error) {
		var in catalogsvc.DigitalProductInput
		err := decodeJSON(r, &in)
		return in, err
	})
}

func NewPhysicalProductHandler(service *catalogsvc.Service) *ProductHandler {
	return newProductHandler(service, enums.ProductTypePhysicalProduct, func(r *http.Request) (catalogsvc.Input, error) {
		var in catalogsvc.PhysicalProductInput
		err := decodeJSON(r, &in)
		return in, err
	})
}

func NewSubscriptionPlanHandler(service *catalogsvc.Service) *ProductHandler {
	return newProductHandler(service, enums.ProductTypeSubscriptionPlan, func(r *http.Request) (catalogsvc.Input, error) {
		var in catalogsvc.SubscriptionPlanInput
		err := decodeJSON(r, &in)
		return in, err
	})
}

func newProductHandler(service *catalogsvc.Service, productType enums.ProductType, decode func(r *http.Request) (catalogsvc.Input, error)) *ProductHandler {
	return &ProductHandler{service: service, productType: productType, decode: decode}
}

func (h *ProductHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	in, err := h.decode(r)
	if err != nil {
		writeInvalidBody(w)
		return
	}

	p, err := h.service.Create(r.Context(), scope.BusinessID, identity.UserID, in)
	if err != nil {
		handleCatalogError(w, err)
		return
	}
	writeCreated(w, p)
}

func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	filter := catalogsvc.ListFilter{Type: h.productType}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := enums.ParseProductStatus(raw)
		if !ok {
			writeBadRequest(w, "INVALID_STATUS", "status must be one of draft, published, archived")
			return
		}
		filter.Status = status
	}

	page := pagination.FromRequest(r)
	out, total, err := h.service.List(r.Context(), scope.BusinessID, filter, page)
	if err != nil {
		handleCatalogError(w, err)
		return
	}
	writeOK(w, dto.NewPage(out, page, total))
}

func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	p, err := h.service.Get(r.Context(), scope.BusinessID, h.productType, id)
	if err != nil {
		handleCatalogError(w, err)
		return
	}
	writeOK(w, p)
}

func (h *ProductHandler) Update(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	in, err := h.decode(r)
	if err != nil {
		writeInvalidBody(w)
		return
	}

	p, err := h.service.Update(r.Context(), scope.BusinessID, id, in)
	if err != nil {
		handleCatalogError(w, err)
		return
	}
	writeOK(w, p)
}

func (h *ProductHandler) Publish(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Publish)
}

func (h *ProductHandler) Unpublish(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Unpublish)
}

func (h *ProductHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Archive)
}

type transitionFunc func(ctx context.Context, businessID uuid.UUID, productType enums.ProductType, id uuid.UUID) (model.Product, error)

func (h *ProductHandler) transition(w http.ResponseWriter, r *http.Request, apply transitionFunc) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	p, err := apply(r.Context(), scope.BusinessID, h.productType, id)
	if err != nil {
		handleCatalogError(w, err)
		return
	}
	writeOK(w, p)
}

func (h *ProductHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), scope.BusinessID, h.productType, id); err != nil {
		handleCatalogError(w, err)
		return
	}
	writeOK(w, dto.OKResponse{OK: true})
}

// AssetUploadURL is only mounted for digital products.
func (h *ProductHandler) AssetUploadURL(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req dto.AssetUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	signed, err := h.service.AssetUploadURL(r.Context(), scope.BusinessID, id, req.Filename)
	if err != nil {
		handleCatalogError(w, err)
		return
	}
	writeOK(w, signed)
}

func (h *ProductHandler) Download(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	signed, err := h.service.DownloadURL(r.Context(), scope.BusinessID, identity.UserID, id)
	if err != nil {
		handleCatalogError(w, err)
		return
	}
	writeOK(w, signed)
}

// StoreHandler lists what customers can buy.
type StoreHandler struct {
	service *catalogsvc.Service
}

func NewStoreHandler(service *catalogsvc.Service) *StoreHandler {
	return &StoreHandler{service: service}
}

func (h *StoreHandler) Products(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var productType enums.ProductType
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		parsed, ok := enums.ParseProductType(raw)
		if !ok {
			writeBadRequest(w, "INVALID_TYPE", "unknown product type")
			return
		}
		productType = parsed
	}

	page := pagination.FromRequest(r)
	out, total, err := h.service.StoreList(r.Context(), scope.BusinessID, productType, page)
	if err != nil {
		handleCatalogError(w, err)
		return
	}
	writeOK(w, dto.NewPage(out, page, total))
}

func handleCatalogError(w http.ResponseWriter, err error) {
	if writeValidation(w, err) {
		return
	}
	switch {
	case errors.Is(err, catalogsvc.ErrNotFound):
		writeNotFound(w, "NOT_FOUND", err.Error())
	case errors.Is(err, catalogsvc.ErrInvalidTransition),
		errors.Is(err, catalogsvc.ErrConflict),
		errors.Is(err, catalogsvc.ErrNotDraft),
		errors.Is(err, catalogsvc.ErrInUse),
		errors.Is(err, catalogsvc.ErrArchived):
		writeConflict(w, "INVALID_STATE", err.Error())
	case errors.Is(err, catalogsvc.ErrNotPurchased):
		writeForbidden(w, "NOT_PURCHASED", err.Error())
	case errors.Is(err, catalogsvc.ErrNoAsset):
		writeNotFound(w, "NO_ASSET", err.Error())
	case errors.Is(err, catalogsvc.ErrStorageDisabled):
		writeUnavailable(w, err.Error())
	default:
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}
