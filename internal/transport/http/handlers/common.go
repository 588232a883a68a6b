package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/doexcess/business-api/internal/pkg/validate"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
	orgsvc "github.com/doexcess/business-api/internal/services/orgs"
	httperrors "github.com/doexcess/business-api/internal/transport/http/errors"
)

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeOK(w http.ResponseWriter, payload any) {
	httperrors.Write(w, http.StatusOK, payload)
}

func writeCreated(w http.ResponseWriter, payload any) {
	httperrors.Write(w, http.StatusCreated, payload)
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusBadRequest, httperrors.APIError{Code: code, Message: message})
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{Code: code, Message: message})
}

func writeForbidden(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusForbidden, httperrors.APIError{Code: code, Message: message})
}

func writeNotFound(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusNotFound, httperrors.APIError{Code: code, Message: message})
}

func writeConflict(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusConflict, httperrors.APIError{Code: code, Message: message})
}

func writeUnprocessable(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusUnprocessableEntity, httperrors.APIError{Code: code, Message: message})
}

func writeTooMany(w http.ResponseWriter, message string, retryAfterSec int64) {
	httperrors.Write(w, http.StatusTooManyRequests, httperrors.RateLimitError{
		Code:          "RATE_LIMITED",
		Message:       message,
		RetryAfterSec: retryAfterSec,
	})
}

func writeInternal(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusInternalServerError, httperrors.APIError{Code: code, Message: message})
}

// writeValidation reports field errors. It returns false when err carries none so callers can
// fall through to their own mapping.
func writeValidation(w http.ResponseWriter, err error) bool {
	var verr *validate.Error
	if !errors.As(err, &verr) {
		return false
	}
	httperrors.Write(w, http.StatusBadRequest, httperrors.ValidationError{
		Code:    "VALIDATION_ERROR",
		Message: "request validation failed",
		Fields:  verr.Fields,
	})
	return true
}

func writeInvalidBody(w http.ResponseWriter) {
	writeBadRequest(w, "INVALID_REQUEST", "invalid request body")
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (authsvc.Identity, bool) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return authsvc.Identity{}, false
	}
	return identity, true
}

func requireScope(w http.ResponseWriter, r *http.Request) (orgsvc.Scope, bool) {
	scope, ok := orgsvc.ScopeFromContext(r.Context())
	if !ok {
		writeBadRequest(w, "BUSINESS_REQUIRED", "Business-Id header is required")
		return orgsvc.Scope{}, false
	}
	return scope, true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeBadRequest(w, "INVALID_ID", name+" must be a valid uuid")
		return uuid.Nil, false
	}
	return id, true
}

func writeUnavailable(w http.ResponseWriter, message string) {
	httperrors.Write(w, http.StatusServiceUnavailable, httperrors.APIError{Code: "UNAVAILABLE", Message: message})
}

func writeBadGateway(w http.ResponseWriter, message string) {
	httperrors.Write(w, http.StatusBadGateway, httperrors.APIError{Code: "GATEWAY_UNAVAILABLE", Message: message})
}
