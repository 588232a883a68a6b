package dto

import "github.com/google/uuid"

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type AuthMeResponse struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	TOTPEnabled    bool      `json:"totp_enabled"`
	TelegramLinked bool      `json:"telegram_linked"`
}

type AuthTokensResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresInSec int64          `json:"expires_in_sec"`
	Me           AuthMeResponse `json:"me"`
}

type LogoutResponse struct {
	OK bool `json:"ok"`
}

type TOTPSetupResponse struct {
	Secret    string `json:"secret"`
	OTPURL    string `json:"otp_url"`
	QRDataURL string `json:"qr_data_url"`
}

type TOTPConfirmRequest struct {
	Code string `json:"code"`
}

type TelegramLinkResponse struct {
	Token     string `json:"token"`
	StartLink string `json:"start_link,omitempty"`
	ExpiresAt string `json:"expires_at"`
}
