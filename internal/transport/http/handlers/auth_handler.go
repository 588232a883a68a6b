package handlers

import (
	"errors"
	"net/http"
	"time"

	authsvc "github.com/doexcess/business-api/internal/services/auth"
	"github.com/doexcess/business-api/internal/transport/http/dto"
)

type AuthHandler struct {
	service     *authsvc.Service
	botUsername string
}

func NewAuthHandler(service *authsvc.Service, botUsername string) *AuthHandler {
	return &AuthHandler{service: service, botUsername: botUsername}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req authsvc.RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	res, err := h.service.Register(r.Context(), req)
	if err != nil {
		handleAuthError(w, err)
		return
	}
	writeCreated(w, tokensResponse(res))
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req authsvc.LoginInput
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	res, err := h.service.Login(r.Context(), req)
	if err != nil {
		handleAuthError(w, err)
		return
	}
	writeOK(w, tokensResponse(res))
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req dto.RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	res, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleAuthError(w, err)
		return
	}
	writeOK(w, tokensResponse(res))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), identity.SID); err != nil {
		handleAuthError(w, err)
		return
	}
	writeOK(w, dto.LogoutResponse{OK: true})
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.service.LogoutAll(r.Context(), identity.UserID); err != nil {
		handleAuthError(w, err)
		return
	}
	writeOK(w, dto.LogoutResponse{OK: true})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	me, err := h.service.Me(r.Context(), identity.UserID)
	if err != nil {
		handleAuthError(w, err)
		return
	}
	writeOK(w, meResponse(me))
}

func (h *AuthHandler) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	enrollment, err := h.service.SetupTOTP(r.Context(), identity.UserID)
	if err != nil {
		handleAuthError(w, err)
		return
	}
	writeOK(w, dto.TOTPSetupResponse{
		Secret:    enrollment.Secret,
		OTPURL:    enrollment.URL,
		QRDataURL: enrollment.QRDataURL,
	})
}

func (h *AuthHandler) ConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req dto.TOTPConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}
	if err := h.service.ConfirmTOTP(r.Context(), identity.UserID, req.Code); err != nil {
		handleAuthError(w, err)
		return
	}
	writeOK(w, dto.OKResponse{OK: true})
}

func (h *AuthHandler) TelegramLink(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	token, expiresAt, err := h.service.TelegramLinkToken(r.Context(), identity.UserID)
	if err != nil {
		handleAuthError(w, err)
		return
	}

	res := dto.TelegramLinkResponse{Token: token, ExpiresAt: expiresAt.UTC().Format(time.RFC3339)}
	if h.botUsername != "" {
		res.StartLink = "https://t.me/" + h.botUsername + "?start=" + token
	}
	writeOK(w, res)
}

func handleAuthError(w http.ResponseWriter, err error) {
	if writeValidation(w, err) {
		return
	}
	var limited *authsvc.RateLimitError
	if errors.As(err, &limited) {
		writeTooMany(w, "too many login attempts", limited.RetryAfterSec)
		return
	}

	switch {
	case errors.Is(err, authsvc.ErrInvalidInput):
		writeBadRequest(w, "INVALID_REQUEST", "request validation failed")
	case errors.Is(err, authsvc.ErrEmailTaken):
		writeConflict(w, "EMAIL_TAKEN", err.Error())
	case errors.Is(err, authsvc.ErrTOTPRequired):
		writeUnauthorized(w, "TOTP_REQUIRED", err.Error())
	case errors.Is(err, authsvc.ErrInvalidTOTP):
		writeUnauthorized(w, "INVALID_TOTP", err.Error())
	case errors.Is(err, authsvc.ErrInvalidCredentials):
		writeUnauthorized(w, "INVALID_CREDENTIALS", err.Error())
	case errors.Is(err, authsvc.ErrTOTPAlreadyEnabled):
		writeConflict(w, "TOTP_ALREADY_ENABLED", err.Error())
	case errors.Is(err, authsvc.ErrTOTPNotEnrolled):
		writeBadRequest(w, "TOTP_NOT_ENROLLED", err.Error())
	case errors.Is(err, authsvc.ErrUnauthorized),
		errors.Is(err, authsvc.ErrSessionNotFound),
		errors.Is(err, authsvc.ErrRefreshNotFound):
		writeUnauthorized(w, "UNAUTHORIZED", "authentication failed")
	default:
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}

func tokensResponse(res authsvc.AuthResult) dto.AuthTokensResponse {
	return dto.AuthTokensResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresInSec: maxInt64(0, int64(time.Until(res.AccessExpires).Seconds())),
		Me:           meResponse(res.Me),
	}
}

func meResponse(me authsvc.Me) dto.AuthMeResponse {
	return dto.AuthMeResponse{
		ID:             me.ID,
		Email:          me.Email,
		Name:           me.Name,
		Role:           me.Role,
		TOTPEnabled:    me.TOTPEnabled,
		TelegramLinked: me.TelegramLinked,
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
