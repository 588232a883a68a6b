package handlers

import (
	"errors"
	"net/http"

	"github.com/doexcess/business-api/internal/pkg/pagination"
	walletsvc "github.com/doexcess/business-api/internal/services/wallet"
	"github.com/doexcess/business-api/internal/transport/http/dto"
)

type WalletHandler struct {
	service *walletsvc.Service
}

func NewWalletHandler(service *walletsvc.Service) *WalletHandler {
	return &WalletHandler{service: service}
}

func (h *WalletHandler) Summary(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	summary, err := h.service.Summary(r.Context(), scope.BusinessID)
	if err != nil {
		handleWalletError(w, err)
		return
	}
	writeOK(w, summary)
}

func (h *WalletHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req walletsvc.WithdrawalInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	out, err := h.service.RequestWithdrawal(r.Context(), scope.BusinessID, identity.UserID, scope.Role, req)
	if err != nil {
		handleWalletError(w, err)
		return
	}
	writeCreated(w, out)
}

func (h *WalletHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	page := pagination.FromRequest(r)
	out, total, err := h.service.List(r.Context(), scope.BusinessID, page)
	if err != nil {
		handleWalletError(w, err)
		return
	}
	writeOK(w, dto.NewPage(out, page, total))
}

func (h *WalletHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req walletsvc.StatusInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	out, err := h.service.UpdateStatus(r.Context(), identity.UserID, identity.IsPlatformAdmin(), id, req)
	if err != nil {
		handleWalletError(w, err)
		return
	}
	writeOK(w, out)
}

func handleWalletError(w http.ResponseWriter, err error) {
	if writeValidation(w, err) {
		return
	}
	switch {
	case errors.Is(err, walletsvc.ErrForbidden):
		writeForbidden(w, "FORBIDDEN", err.Error())
	case errors.Is(err, walletsvc.ErrNotFound):
		writeNotFound(w, "NOT_FOUND", err.Error())
	case errors.Is(err, walletsvc.ErrInsufficientFunds):
		writeUnprocessable(w, "INSUFFICIENT_FUNDS", err.Error())
	case errors.Is(err, walletsvc.ErrInvalidTransition):
		writeConflict(w, "INVALID_STATE", err.Error())
	default:
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}
