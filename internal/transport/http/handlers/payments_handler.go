package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	couponsvc "github.com/doexcess/business-api/internal/services/coupons"
	paymentsvc "github.com/doexcess/business-api/internal/services/payments"
	"github.com/doexcess/business-api/internal/transport/http/dto"
)

const (
	paystackSignatureHeader = "X-Paystack-Signature"
	maxWebhookBytes         = 256 << 10
)

type PaymentsHandler struct {
	service *paymentsvc.Service
	log     *zap.Logger
}

func NewPaymentsHandler(service *paymentsvc.Service, log *zap.Logger) *PaymentsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentsHandler{service: service, log: log}
}

func (h *PaymentsHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req paymentsvc.CheckoutInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	p, err := h.service.Checkout(r.Context(), scope.BusinessID, identity.UserID, req)
	if err != nil {
		handlePaymentError(w, err)
		return
	}
	writeCreated(w, p)
}

func (h *PaymentsHandler) Verify(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		writeBadRequest(w, "INVALID_REFERENCE", "reference is required")
		return
	}

	p, err := h.service.Verify(r.Context(), scope.BusinessID, viewerOf(identity.UserID, scope.IsMember()), reference)
	if err != nil {
		handlePaymentError(w, err)
		return
	}
	writeOK(w, p)
}

// Webhook must see the exact bytes Paystack signed, so the body is read raw.
func (h *PaymentsHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeInvalidBody(w)
		return
	}

	if err := h.service.HandleWebhook(r.Context(), body, r.Header.Get(paystackSignatureHeader)); err != nil {
		if errors.Is(err, paymentsvc.ErrInvalidSignature) {
			h.log.Warn("paystack webhook rejected", zap.String("remote_addr", r.RemoteAddr))
			writeUnauthorized(w, "INVALID_SIGNATURE", err.Error())
			return
		}
		handlePaymentError(w, err)
		return
	}
	writeOK(w, dto.OKResponse{OK: true})
}

func (h *PaymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var status enums.PaymentStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, ok := enums.ParsePaymentStatus(raw)
		if !ok {
			writeBadRequest(w, "INVALID_STATUS", "status must be one of SUCCESS, PENDING, FAILED")
			return
		}
		status = parsed
	}

	page := pagination.FromRequest(r)
	out, total, err := h.service.List(r.Context(), scope.BusinessID, viewerOf(identity.UserID, scope.IsMember()), status, page)
	if err != nil {
		handlePaymentError(w, err)
		return
	}
	writeOK(w, dto.NewPage(out, page, total))
}

func (h *PaymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	p, err := h.service.Get(r.Context(), scope.BusinessID, viewerOf(identity.UserID, scope.IsMember()), id)
	if err != nil {
		handlePaymentError(w, err)
		return
	}
	writeOK(w, p)
}

func (h *PaymentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
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

	p, err := h.service.Cancel(r.Context(), scope.BusinessID, viewerOf(identity.UserID, scope.IsMember()), id)
	if err != nil {
		handlePaymentError(w, err)
		return
	}
	writeOK(w, p)
}

func (h *PaymentsHandler) Refund(w http.ResponseWriter, r *http.Request) {
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

	var req paymentsvc.RefundInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	refund, err := h.service.Refund(r.Context(), scope.BusinessID, identity.UserID, id, req)
	if err != nil {
		handlePaymentError(w, err)
		return
	}
	writeCreated(w, refund)
}

func viewerOf(userID uuid.UUID, member bool) paymentsvc.Viewer {
	return paymentsvc.Viewer{UserID: userID, SeesAll: member}
}

func handlePaymentError(w http.ResponseWriter, err error) {
	if writeValidation(w, err) {
		return
	}
	var limited *paymentsvc.RateLimitError
	if errors.As(err, &limited) {
		writeTooMany(w, "too many checkout attempts", limited.RetryAfterSec)
		return
	}
	if couponsvc.IsRedemptionError(err) {
		writeUnprocessable(w, "COUPON_NOT_APPLICABLE", err.Error())
		return
	}

	switch {
	case errors.Is(err, paymentsvc.ErrNotFound):
		writeNotFound(w, "NOT_FOUND", err.Error())
	case errors.Is(err, paymentsvc.ErrEmptyCart):
		writeUnprocessable(w, "EMPTY_CART", err.Error())
	case errors.Is(err, paymentsvc.ErrNotCancellable),
		errors.Is(err, paymentsvc.ErrNotRefundable):
		writeConflict(w, "INVALID_STATE", err.Error())
	case errors.Is(err, paymentsvc.ErrRefundTooLarge):
		writeUnprocessable(w, "REFUND_TOO_LARGE", err.Error())
	case errors.Is(err, paymentsvc.ErrInvalidSignature):
		writeUnauthorized(w, "INVALID_SIGNATURE", err.Error())
	case errors.Is(err, paymentsvc.ErrGatewayUnavailable):
		writeBadGateway(w, "payment gateway unavailable")
	default:
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}
