package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/money"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
	"github.com/doexcess/business-api/internal/security"
)

var (
	ErrForbidden         = errors.New("not allowed to manage withdrawals")
	ErrNotFound          = errors.New("withdrawal not found")
	ErrInsufficientFunds = errors.New("amount exceeds the available balance")
	ErrInvalidTransition = errors.New("withdrawal status transition not allowed")
)

type Store interface {
	Totals(ctx context.Context, businessID uuid.UUID) (model.WalletTotals, error)
	Create(ctx context.Context, w model.Withdrawal, check func(model.WalletTotals) error) (model.Withdrawal, error)
	Get(ctx context.Context, id uuid.UUID) (model.Withdrawal, error)
	List(ctx context.Context, businessID uuid.UUID, limit, offset int) ([]model.Withdrawal, int64, error)
	SetStatus(ctx context.Context, id uuid.UUID, from, to enums.WithdrawalStatus, note string, reviewer uuid.UUID, now time.Time) (model.Withdrawal, error)
}

type Dependencies struct {
	Withdrawals        Store
	Cipher             *security.SecretCipher
	PlatformFeePercent decimal.Decimal
	MinWithdrawal      decimal.Decimal
	Logger             *zap.Logger
}

type Service struct {
	store     Store
	cipher    *security.SecretCipher
	feePct    decimal.Decimal
	minimum   decimal.Decimal
	validator *validate.Validator
	log       *zap.Logger
	now       func() time.Time
}

// Summary is the wallet of one business.
type Summary struct {
	Gross              decimal.Decimal `json:"gross"`
	Refunded           decimal.Decimal `json:"refunded"`
	PlatformFee        decimal.Decimal `json:"platform_fee"`
	Withdrawn          decimal.Decimal `json:"withdrawn"`
	PendingWithdrawals decimal.Decimal `json:"pending_withdrawals"`
	Available          decimal.Decimal `json:"available"`
	AvailableDisplay   string          `json:"available_display"`
}

type WithdrawalInput struct {
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
	Reason        string          `json:"reason,omitempty" validate:"omitempty,max=500"`
	BankName      string          `json:"bank_name" validate:"required,max=120"`
	AccountNumber string          `json:"account_number" validate:"required,numeric,len=10"`
	AccountName   string          `json:"account_name" validate:"required,max=120"`
}

type StatusInput struct {
	Status string `json:"status" validate:"required,oneof=approved rejected completed"`
	Note   string `json:"note,omitempty" validate:"omitempty,max=500"`
}

func NewService(deps Dependencies) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     deps.Withdrawals,
		cipher:    deps.Cipher,
		feePct:    deps.PlatformFeePercent,
		minimum:   deps.MinWithdrawal,
		validator: validate.New(),
		log:       log,
		now:       time.Now,
	}
}

// Summarize derives the balance: the fee is taken from net sales, every withdrawal that still
// holds money is subtracted and the result never goes below zero.
func Summarize(t model.WalletTotals, feePct decimal.Decimal) Summary {
	net := t.Gross.Sub(t.Refunded)
	fee := decimal.Zero
	if net.IsPositive() {
		fee = money.Percent(net, feePct)
	}
	available := net.Sub(fee).Sub(t.Withdrawn).Sub(t.PendingWithdrawals)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return Summary{
		Gross:              t.Gross,
		Refunded:           t.Refunded,
		PlatformFee:        fee,
		Withdrawn:          t.Withdrawn,
		PendingWithdrawals: t.PendingWithdrawals,
		Available:          available,
		AvailableDisplay:   money.FormatNGN(available),
	}
}

func (s *Service) Summary(ctx context.Context, businessID uuid.UUID) (Summary, error) {
	totals, err := s.store.Totals(ctx, businessID)
	if err != nil {
		return Summary{}, fmt.Errorf("wallet totals: %w", err)
	}
	return Summarize(totals, s.feePct), nil
}

// RequestWithdrawal is reserved to the business owner. The balance check runs inside the
// store's transaction.
func (s *Service) RequestWithdrawal(ctx context.Context, businessID, requesterID uuid.UUID, role enums.MemberRole, in WithdrawalInput) (model.Withdrawal, error) {
	if role != enums.MemberRoleOwner {
		return model.Withdrawal{}, ErrForbidden
	}

	in.BankName = strings.TrimSpace(in.BankName)
	in.AccountName = strings.TrimSpace(in.AccountName)
	in.AccountNumber = strings.TrimSpace(in.AccountNumber)
	in.Reason = strings.TrimSpace(in.Reason)
	if err := s.validator.Struct(in); err != nil {
		return model.Withdrawal{}, err
	}
	amount := in.Amount.Round(2)
	if amount.LessThan(s.minimum) {
		return model.Withdrawal{}, &validate.Error{Fields: map[string]string{
			"amount": "amount must be at least " + money.FormatNGN(s.minimum),
		}}
	}

	sealed, err := s.cipher.Seal(security.PurposeBankAccount, in.AccountNumber)
	if err != nil {
		return model.Withdrawal{}, fmt.Errorf("seal account number: %w", err)
	}

	created, err := s.store.Create(ctx, model.Withdrawal{
		BusinessID:    businessID,
		RequestedBy:   requesterID,
		Amount:        amount,
		Reason:        in.Reason,
		BankName:      in.BankName,
		AccountNumber: sealed,
		AccountName:   in.AccountName,
	}, func(t model.WalletTotals) error {
		if amount.GreaterThan(Summarize(t, s.feePct).Available) {
			return ErrInsufficientFunds
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return model.Withdrawal{}, ErrInsufficientFunds
		}
		return model.Withdrawal{}, fmt.Errorf("create withdrawal: %w", err)
	}

	s.log.Info("withdrawal requested",
		zap.String("business_id", businessID.String()),
		zap.String("withdrawal_id", created.ID.String()),
		zap.String("amount", amount.StringFixed(2)),
	)
	return s.masked(created), nil
}

func (s *Service) List(ctx context.Context, businessID uuid.UUID, page pagination.Params) ([]model.Withdrawal, int64, error) {
	out, total, err := s.store.List(ctx, businessID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list withdrawals: %w", err)
	}
	for i := range out {
		out[i] = s.masked(out[i])
	}
	return out, total, nil
}

// UpdateStatus is the platform admin review step.
func (s *Service) UpdateStatus(ctx context.Context, reviewerID uuid.UUID, platformAdmin bool, id uuid.UUID, in StatusInput) (model.Withdrawal, error) {
	if !platformAdmin {
		return model.Withdrawal{}, ErrForbidden
	}
	in.Status = strings.ToLower(strings.TrimSpace(in.Status))
	in.Note = strings.TrimSpace(in.Note)
	if err := s.validator.Struct(in); err != nil {
		return model.Withdrawal{}, err
	}
	next, _ := enums.ParseWithdrawalStatus(in.Status)

	current, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, pgrepo.ErrWithdrawalNotFound) {
			return model.Withdrawal{}, ErrNotFound
		}
		return model.Withdrawal{}, fmt.Errorf("get withdrawal: %w", err)
	}
	if !current.Status.CanTransitionTo(next) {
		return model.Withdrawal{}, ErrInvalidTransition
	}

	updated, err := s.store.SetStatus(ctx, id, current.Status, next, in.Note, reviewerID, s.now().UTC())
	if err != nil {
		if errors.Is(err, pgrepo.ErrWithdrawalStatusConflict) {
			return model.Withdrawal{}, ErrInvalidTransition
		}
		return model.Withdrawal{}, fmt.Errorf("set withdrawal status: %w", err)
	}
	return s.masked(updated), nil
}

// masked replaces the sealed account number with its last four digits.
func (s *Service) masked(w model.Withdrawal) model.Withdrawal {
	plain, err := s.cipher.Open(security.PurposeBankAccount, w.AccountNumber)
	if err != nil {
		s.log.Warn("open account number", zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
		w.AccountNumber = "****"
		return w
	}
	w.AccountNumber = MaskAccount(plain)
	return w
}

func MaskAccount(number string) string {
	if len(number) <= 4 {
		return strings.Repeat("*", len(number))
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}
