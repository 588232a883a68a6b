package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	onlineUsersKey     = "presence:online"
	connectionsPrefix  = "presence:conns:"
	connectionCountTTL = 24 * time.Hour
)

// PresenceRepo counts open chat connections per user. A user is online while the count is
// positive, which lets one account keep several tabs open.
type PresenceRepo struct {
	client *goredis.Client
}

func NewPresenceRepo(client *goredis.Client) *PresenceRepo {
	return &PresenceRepo{client: client}
}

// Connect reports whether this is the user's first open connection.
func (r *PresenceRepo) Connect(ctx context.Context, userID uuid.UUID) (bool, error) {
	if r.client == nil {
		return false, errNilClient
	}

	key := connectionsKey(userID)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, connectionCountTTL)
	pipe.SAdd(ctx, onlineUsersKey, userID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("register connection: %w", err)
	}
	return incr.Val() == 1, nil
}

// Disconnect reports whether the user's last connection just closed.
func (r *PresenceRepo) Disconnect(ctx context.Context, userID uuid.UUID) (bool, error) {
	if r.client == nil {
		return false, errNilClient
	}

	key := connectionsKey(userID)
	left, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("release connection: %w", err)
	}
	if left > 0 {
		return false, nil
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, onlineUsersKey, userID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("mark user offline: %w", err)
	}
	return true, nil
}

func (r *PresenceRepo) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	if r.client == nil {
		return false, errNilClient
	}
	ok, err := r.client.SIsMember(ctx, onlineUsersKey, userID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	return ok, nil
}

func (r *PresenceRepo) Online(ctx context.Context) ([]uuid.UUID, error) {
	if r.client == nil {
		return nil, errNilClient
	}

	members, err := r.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}

	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func connectionsKey(userID uuid.UUID) string {
	return connectionsPrefix + userID.String()
}
