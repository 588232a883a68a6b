package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	authsvc "github.com/doexcess/business-api/internal/services/auth"
)

const telegramLinkPrefix = "tg_link:"

// LinkTokenRepo stores one-shot tokens that bind a telegram chat to a user account.
type LinkTokenRepo struct {
	client *goredis.Client
}

func NewLinkTokenRepo(client *goredis.Client) *LinkTokenRepo {
	return &LinkTokenRepo{client: client}
}

func (r *LinkTokenRepo) Save(ctx context.Context, token string, userID uuid.UUID, ttl time.Duration) error {
	if r.client == nil {
		return errNilClient
	}
	if err := r.client.Set(ctx, telegramLinkPrefix+token, userID.String(), ttl).Err(); err != nil {
		return fmt.Errorf("save telegram link token: %w", err)
	}
	return nil
}

func (r *LinkTokenRepo) Consume(ctx context.Context, token string) (uuid.UUID, error) {
	if r.client == nil {
		return uuid.Nil, errNilClient
	}

	raw, err := r.client.GetDel(ctx, telegramLinkPrefix+token).Result()
	if errors.Is(err, goredis.Nil) {
		return uuid.Nil, authsvc.ErrLinkTokenNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("consume telegram link token: %w", err)
	}

	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, authsvc.ErrLinkTokenNotFound
	}
	return userID, nil
}
