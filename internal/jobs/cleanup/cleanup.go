package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type pendingPaymentExpirer interface {
	ExpirePending(ctx context.Context, cutoff, now time.Time) (int64, error)
}

type invitationExpirer interface {
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

type staleCartDeleter interface {
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// Job expires abandoned checkouts and invitations and drops carts nobody touched in a while.
type Job struct {
	payments       pendingPaymentExpirer
	invitations    invitationExpirer
	carts          staleCartDeleter
	pendingTTL     time.Duration
	staleCartAfter time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

type Dependencies struct {
	Payments       pendingPaymentExpirer
	Invitations    invitationExpirer
	Carts          staleCartDeleter
	PendingTTL     time.Duration
	StaleCartAfter time.Duration
	Logger         *zap.Logger
}

func New(deps Dependencies) *Job {
	if deps.PendingTTL <= 0 {
		deps.PendingTTL = 24 * time.Hour
	}
	if deps.StaleCartAfter <= 0 {
		deps.StaleCartAfter = 30 * 24 * time.Hour
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Job{
		payments:       deps.Payments,
		invitations:    deps.Invitations,
		carts:          deps.Carts,
		pendingTTL:     deps.PendingTTL,
		staleCartAfter: deps.StaleCartAfter,
		now:            time.Now,
		logger:         deps.Logger,
	}
}

func (j *Job) Run(ctx context.Context) error {
	now := j.now().UTC()

	if j.payments != nil {
		rows, err := j.payments.ExpirePending(ctx, now.Add(-j.pendingTTL), now)
		if err != nil {
			return fmt.Errorf("expire pending payments: %w", err)
		}
		if rows > 0 {
			j.logger.Info("expired pending payments", zap.Int64("count", rows))
		}
	}

	if j.invitations != nil {
		rows, err := j.invitations.ExpirePending(ctx, now)
		if err != nil {
			return fmt.Errorf("expire invitations: %w", err)
		}
		if rows > 0 {
			j.logger.Info("expired invitations", zap.Int64("count", rows))
		}
	}

	if j.carts != nil {
		rows, err := j.carts.DeleteStale(ctx, now.Add(-j.staleCartAfter))
		if err != nil {
			return fmt.Errorf("delete stale carts: %w", err)
		}
		if rows > 0 {
			j.logger.Info("deleted stale carts", zap.Int64("count", rows))
		}
	}

	return nil
}

// Loop runs the job every interval until ctx is done. Failures are logged and retried on the next tick.
func (j *Job) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := j.Run(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("cleanup run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
