package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
)

type Withdrawal struct {
	ID            uuid.UUID              `json:"id"`
	BusinessID    uuid.UUID              `json:"business_id"`
	RequestedBy   uuid.UUID              `json:"requested_by"`
	Amount        decimal.Decimal        `json:"amount"`
	Reason        string                 `json:"reason,omitempty"`
	BankName      string                 `json:"bank_name"`
	AccountNumber string                 `json:"account_number"`
	AccountName   string                 `json:"account_name"`
	Status        enums.WithdrawalStatus `json:"status"`
	Note          string                 `json:"note,omitempty"`
	ReviewedBy    *uuid.UUID             `json:"reviewed_by,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// WalletTotals are the raw sums the wallet balance is derived from.
type WalletTotals struct {
	Gross              decimal.Decimal
	Refunded           decimal.Decimal
	Withdrawn          decimal.Decimal
	PendingWithdrawals decimal.Decimal
}
