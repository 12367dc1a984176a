// Package redis holds the fast-path side stores: the active-call
// registry used for busy detection and the push token store.
package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fitconnect-backend/pkg/constants"
	"fitconnect-backend/pkg/errors"
)

const activeCallKeyPrefix = "active_call:"

// ActiveCallRepository tracks which call, if any, a user is currently
// engaged in. Entries carry a TTL so a crashed client cannot leave its
// user busy forever; live calls refresh the entry.
type ActiveCallRepository struct {
	client *redis.Client
}

// NewActiveCallRepository creates a Redis-backed active-call registry
func NewActiveCallRepository(client *redis.Client) *ActiveCallRepository {
	return &ActiveCallRepository{client: client}
}

func activeCallKey(userID uuid.UUID) string {
	return fmt.Sprintf("%s%s", activeCallKeyPrefix, userID.String())
}

// SetActive marks the user as engaged in the given call
func (r *ActiveCallRepository) SetActive(ctx context.Context, userID uuid.UUID, callID string) error {
	if err := r.client.Set(ctx, activeCallKey(userID), callID, constants.ActiveCallTTL).Err(); err != nil {
		return errors.WriteFailedError(err)
	}
	return nil
}

// ClearActive removes the user's active-call entry. Clearing a user who
// has no entry is a no-op.
func (r *ActiveCallRepository) ClearActive(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Del(ctx, activeCallKey(userID)).Err(); err != nil {
		return errors.WriteFailedError(err)
	}
	return nil
}

// ActiveCall returns the call the user is engaged in, or "" when idle
func (r *ActiveCallRepository) ActiveCall(ctx context.Context, userID uuid.UUID) (string, error) {
	callID, err := r.client.Get(ctx, activeCallKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.WriteFailedError(err)
	}
	return callID, nil
}

// Refresh extends the TTL of the user's active-call entry while a call
// is in progress
func (r *ActiveCallRepository) Refresh(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Expire(ctx, activeCallKey(userID), constants.ActiveCallTTL).Err(); err != nil {
		return errors.WriteFailedError(err)
	}
	return nil
}
