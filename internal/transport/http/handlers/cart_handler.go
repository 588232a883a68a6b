package handlers

import (
	"errors"
	"net/http"

	cartsvc "github.com/doexcess/business-api/internal/services/cart"
)

type CartHandler struct {
	service *cartsvc.Service
}

func NewCartHandler(service *cartsvc.Service) *CartHandler {
	return &CartHandler{service: service}
}

func (h *CartHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	view, err := h.service.View(r.Context(), scope.BusinessID, identity.UserID)
	if err != nil {
		handleCartError(w, err)
		return
	}
	writeOK(w, view)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req cartsvc.AddItemInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	view, err := h.service.AddItem(r.Context(), scope.BusinessID, identity.UserID, req)
	if err != nil {
		handleCartError(w, err)
		return
	}
	writeOK(w, view)
}

func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	itemID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req cartsvc.UpdateQuantityInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	view, err := h.service.UpdateQuantity(r.Context(), scope.BusinessID, identity.UserID, itemID, req)
	if err != nil {
		handleCartError(w, err)
		return
	}
	writeOK(w, view)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	itemID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	view, err := h.service.RemoveItem(r.Context(), scope.BusinessID, identity.UserID, itemID)
	if err != nil {
		handleCartError(w, err)
		return
	}
	writeOK(w, view)
}

func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	if err := h.service.Clear(r.Context(), scope.BusinessID, identity.UserID); err != nil {
		handleCartError(w, err)
		return
	}
	view, err := h.service.View(r.Context(), scope.BusinessID, identity.UserID)
	if err != nil {
		handleCartError(w, err)
		return
	}
	writeOK(w, view)
}

func handleCartError(w http.ResponseWriter, err error) {
	if writeValidation(w, err) {
		return
	}
	switch {
	case errors.Is(err, cartsvc.ErrProductNotFound),
		errors.Is(err, cartsvc.ErrTierNotFound),
		errors.Is(err, cartsvc.ErrItemNotFound):
		writeNotFound(w, "NOT_FOUND", err.Error())
	case errors.Is(err, cartsvc.ErrNotPurchasable), errors.Is(err, cartsvc.ErrInsufficientStock):
		writeUnprocessable(w, "NOT_AVAILABLE", err.Error())
	default:
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}
