package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func WithTx(ctx context.Context, db DB, fn func(context.Context, pgx.Tx) error) error {
	if db == nil {
		return errNilDB
	}

	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
