package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/doexcess/business-api/internal/domain/enums"
)

type User struct {
	ID             uuid.UUID      `json:"id"`
	Email          string         `json:"email"`
	Name           string         `json:"name"`
	PasswordHash   string         `json:"-"`
	Role           enums.UserRole `json:"role"`
	TOTPSecret     string         `json:"-"`
	TOTPEnabled    bool           `json:"totp_enabled"`
	TelegramChatID *int64         `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
