package handlers

import (
	"errors"
	"net/http"

	"github.com/doexcess/business-api/internal/pkg/pagination"
	couponsvc "github.com/doexcess/business-api/internal/services/coupons"
	"github.com/doexcess/business-api/internal/transport/http/dto"
)

type CouponHandler struct {
	service *couponsvc.Service
}

func NewCouponHandler(service *couponsvc.Service) *CouponHandler {
	return &CouponHandler{service: service}
}

func (h *CouponHandler) Create(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req couponsvc.Input
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	c, err := h.service.Create(r.Context(), scope.BusinessID, req)
	if err != nil {
		handleCouponError(w, err)
		return
	}
	writeCreated(w, c)
}

func (h *CouponHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	page := pagination.FromRequest(r)
	out, total, err := h.service.List(r.Context(), scope.BusinessID, page)
	if err != nil {
		handleCouponError(w, err)
		return
	}
	writeOK(w, dto.NewPage(out, page, total))
}

func (h *CouponHandler) Get(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	c, err := h.service.Get(r.Context(), scope.BusinessID, id)
	if err != nil {
		handleCouponError(w, err)
		return
	}
	writeOK(w, c)
}

func (h *CouponHandler) Update(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req couponsvc.Input
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	c, err := h.service.Update(r.Context(), scope.BusinessID, id, req)
	if err != nil {
		handleCouponError(w, err)
		return
	}
	writeOK(w, c)
}

func (h *CouponHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *CouponHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *CouponHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	c, err := h.service.SetActive(r.Context(), scope.BusinessID, id, active)
	if err != nil {
		handleCouponError(w, err)
		return
	}
	writeOK(w, c)
}

func (h *CouponHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), scope.BusinessID, id); err != nil {
		handleCouponError(w, err)
		return
	}
	writeOK(w, dto.OKResponse{OK: true})
}

// Validate previews the discount a code gives on an amount for the calling customer.
func (h *CouponHandler) Validate(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req dto.CouponValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	quote, err := h.service.Quote(r.Context(), scope.BusinessID, identity.UserID, req.Code, req.Amount)
	if err != nil {
		handleCouponError(w, err)
		return
	}
	writeOK(w, quote)
}

func handleCouponError(w http.ResponseWriter, err error) {
	if writeValidation(w, err) {
		return
	}
	switch {
	case errors.Is(err, couponsvc.ErrNotFound):
		writeNotFound(w, "NOT_FOUND", err.Error())
	case errors.Is(err, couponsvc.ErrCodeTaken):
		writeConflict(w, "COUPON_CODE_TAKEN", err.Error())
	case errors.Is(err, couponsvc.ErrInUse):
		writeConflict(w, "COUPON_IN_USE", err.Error())
	case couponsvc.IsRedemptionError(err):
		writeUnprocessable(w, "COUPON_NOT_APPLICABLE", err.Error())
	default:
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}
