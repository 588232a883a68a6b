package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/model"
)

type AcceptInvitationRequest struct {
	Token string `json:"token"`
}

// InvitationResponse carries the raw token once, at creation.
type InvitationResponse struct {
	Invitation model.Invitation `json:"invitation"`
	Token      string           `json:"token,omitempty"`
}

type AssetUploadRequest struct {
	Filename string `json:"filename"`
}

type CouponValidateRequest struct {
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}
