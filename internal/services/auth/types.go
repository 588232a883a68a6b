package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrSessionNotFound    = errors.New("session not found")
	ErrRefreshNotFound    = errors.New("refresh token not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrTOTPRequired       = errors.New("two-factor code required")
	ErrInvalidTOTP        = errors.New("invalid two-factor code")
	ErrTOTPNotEnrolled    = errors.New("two-factor setup has not been started")
	ErrTOTPAlreadyEnabled = errors.New("two-factor authentication already enabled")
	ErrTOTPUnavailable    = errors.New("two-factor authentication is not configured")
	ErrLinkTokenNotFound  = errors.New("telegram link token not found")
)

// RateLimitError is returned by Login when the per-email attempt window is exhausted.
type RateLimitError struct {
	RetryAfterSec int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many login attempts, retry in %ds", e.RetryAfterSec)
}

type SessionRecord struct {
	SID       string
	UserID    uuid.UUID
	Role      string
	ExpiresAt time.Time
}

type AccessClaims struct {
	UserID    uuid.UUID
	SID       string
	Role      string
	ExpiresAt time.Time
}

type Me struct {
	ID             uuid.UUID
	Email          string
	Name           string
	Role           string
	TOTPEnabled    bool
	TelegramLinked bool
}

type AuthResult struct {
	AccessToken   string
	RefreshToken  string
	AccessExpires time.Time
	Me            Me
}

type RegisterInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required,max=120"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	TOTPCode string `json:"totp_code" validate:"omitempty,len=6,numeric"`
}
