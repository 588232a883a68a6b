package handlers

import (
	"errors"
	"net/http"

	"github.com/doexcess/business-api/internal/pkg/pagination"
	notifysvc "github.com/doexcess/business-api/internal/services/notifications"
	"github.com/doexcess/business-api/internal/transport/http/dto"
)

type NotificationsHandler struct {
	service *notifysvc.Service
}

func NewNotificationsHandler(service *notifysvc.Service) *NotificationsHandler {
	return &NotificationsHandler{service: service}
}

func (h *NotificationsHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req notifysvc.DispatchInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	n, err := h.service.Dispatch(r.Context(), scope.BusinessID, identity.UserID, req)
	if err != nil {
		handleNotificationError(w, err)
		return
	}
	writeCreated(w, n)
}

func (h *NotificationsHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	page := pagination.FromRequest(r)
	out, total, err := h.service.Inbox(r.Context(), identity.UserID, page)
	if err != nil {
		handleNotificationError(w, err)
		return
	}
	writeOK(w, dto.NewPage(out, page, total))
}

func (h *NotificationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.MarkRead(r.Context(), identity.UserID, id); err != nil {
		handleNotificationError(w, err)
		return
	}
	writeOK(w, dto.OKResponse{OK: true})
}

func handleNotificationError(w http.ResponseWriter, err error) {
	if writeValidation(w, err) {
		return
	}
	switch {
	case errors.Is(err, notifysvc.ErrNotFound):
		writeNotFound(w, "NOT_FOUND", err.Error())
	case errors.Is(err, notifysvc.ErrNoRecipients):
		writeUnprocessable(w, "NO_RECIPIENTS", err.Error())
	default:
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}
