package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/money"
)

var (
	ErrWithdrawalNotFound       = errors.New("withdrawal not found")
	ErrWithdrawalStatusConflict = errors.New("withdrawal status changed concurrently")
)

const withdrawalColumns = `id, business_id, requested_by, amount_kobo, reason, bank_name, account_number_sealed, account_name, status, note, reviewed_by, created_at, updated_at`

type WithdrawalRepo struct {
	db DB
}

func NewWithdrawalRepo(db DB) *WithdrawalRepo {
	return &WithdrawalRepo{db: db}
}

func (r *WithdrawalRepo) Totals(ctx context.Context, businessID uuid.UUID) (model.WalletTotals, error) {
	if r.db == nil {
		return model.WalletTotals{}, errNilDB
	}
	return walletTotals(ctx, r.db, businessID)
}

// Create locks the business row, recomputes the totals and lets check veto the request, so
// two concurrent withdrawals cannot both spend the same balance.
func (r *WithdrawalRepo) Create(ctx context.Context, w model.Withdrawal, check func(model.WalletTotals) error) (model.Withdrawal, error) {
	if r.db == nil {
		return model.Withdrawal{}, errNilDB
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}

	var out model.Withdrawal
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		var locked uuid.UUID
		if err := tx.QueryRow(txCtx, `
SELECT id
FROM businesses
WHERE id = $1
FOR UPDATE
`, w.BusinessID).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrBusinessNotFound
			}
			return fmt.Errorf("lock business: %w", err)
		}

		totals, err := walletTotals(txCtx, tx, w.BusinessID)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(totals); err != nil {
				return err
			}
		}

		out, err = scanWithdrawal(tx.QueryRow(txCtx, `
INSERT INTO withdrawals (id, business_id, requested_by, amount_kobo, reason, bank_name, account_number_sealed, account_name, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', NOW(), NOW())
RETURNING `+withdrawalColumns,
			w.ID, w.BusinessID, w.RequestedBy, money.ToKobo(w.Amount), w.Reason, w.BankName, w.AccountNumber, w.AccountName))
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Withdrawal{}, err
	}
	return out, nil
}

func (r *WithdrawalRepo) Get(ctx context.Context, id uuid.UUID) (model.Withdrawal, error) {
	if r.db == nil {
		return model.Withdrawal{}, errNilDB
	}

	w, err := scanWithdrawal(r.db.QueryRow(ctx, `
SELECT `+withdrawalColumns+`
FROM withdrawals
WHERE id = $1
`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Withdrawal{}, ErrWithdrawalNotFound
		}
		return model.Withdrawal{}, fmt.Errorf("get withdrawal: %w", err)
	}
	return w, nil
}

func (r *WithdrawalRepo) List(ctx context.Context, businessID uuid.UUID, limit, offset int) ([]model.Withdrawal, int64, error) {
	if r.db == nil {
		return nil, 0, errNilDB
	}

	var total int64
	if err := r.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM withdrawals
WHERE business_id = $1
`, businessID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count withdrawals: %w", err)
	}

	rows, err := r.db.Query(ctx, `
SELECT `+withdrawalColumns+`
FROM withdrawals
WHERE business_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`, businessID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	out := make([]model.Withdrawal, 0, limit)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate withdrawals: %w", err)
	}
	return out, total, nil
}

func (r *WithdrawalRepo) SetStatus(ctx context.Context, id uuid.UUID, from, to enums.WithdrawalStatus, note string, reviewer uuid.UUID, now time.Time) (model.Withdrawal, error) {
	if r.db == nil {
		return model.Withdrawal{}, errNilDB
	}

	w, err := scanWithdrawal(r.db.QueryRow(ctx, `
UPDATE withdrawals
SET status = $3, note = $4, reviewed_by = $5, updated_at = $6
WHERE id = $1
  AND status = $2
RETURNING `+withdrawalColumns, id, string(from), string(to), note, reviewer, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Withdrawal{}, ErrWithdrawalStatusConflict
		}
		return model.Withdrawal{}, fmt.Errorf("set withdrawal status: %w", err)
	}
	return w, nil
}

func walletTotals(ctx context.Context, q querier, businessID uuid.UUID) (model.WalletTotals, error) {
	var gross, refunded, withdrawn, pending int64
	if err := q.QueryRow(ctx, `
SELECT
	(SELECT COALESCE(SUM(amount_kobo), 0)::bigint FROM payments WHERE business_id = $1 AND status = 'SUCCESS'),
	(SELECT COALESCE(SUM(r.amount_kobo), 0)::bigint
		FROM refunds r
		JOIN payments p ON p.id = r.payment_id
		WHERE p.business_id = $1 AND r.status <> 'failed'),
	(SELECT COALESCE(SUM(amount_kobo), 0)::bigint FROM withdrawals WHERE business_id = $1 AND status = 'completed'),
	(SELECT COALESCE(SUM(amount_kobo), 0)::bigint FROM withdrawals WHERE business_id = $1 AND status IN ('pending', 'approved'))
`, businessID).Scan(&gross, &refunded, &withdrawn, &pending); err != nil {
		return model.WalletTotals{}, fmt.Errorf("wallet totals: %w", err)
	}

	return model.WalletTotals{
		Gross:              money.FromKobo(gross),
		Refunded:           money.FromKobo(refunded),
		Withdrawn:          money.FromKobo(withdrawn),
		PendingWithdrawals: money.FromKobo(pending),
	}, nil
}

func scanWithdrawal(row pgx.Row) (model.Withdrawal, error) {
	var (
		w          model.Withdrawal
		amountKobo int64
		status     string
	)
	if err := row.Scan(
		&w.ID,
		&w.BusinessID,
		&w.RequestedBy,
		&amountKobo,
		&w.Reason,
		&w.BankName,
		&w.AccountNumber,
		&w.AccountName,
		&status,
		&w.Note,
		&w.ReviewedBy,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return model.Withdrawal{}, err
	}
	w.Amount = money.FromKobo(amountKobo)
	w.Status = enums.WithdrawalStatus(status)
	return w, nil
}
