package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fitconnect-backend/pkg/errors"
)

const (
	pushTokenKeyPrefix = "push_tokens:"

	// pushTokenTTL bounds how long an unrefreshed token survives; the app
	// re-registers its token on every launch
	pushTokenTTL = 90 * 24 * time.Hour
)

// PushTokenRepository stores device push tokens per user as a Redis set
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a Redis-backed push token store
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func pushTokenKey(userID uuid.UUID) string {
	return fmt.Sprintf("%s%s", pushTokenKeyPrefix, userID.String())
}

// SaveToken registers a device token for the user
func (r *PushTokenRepository) SaveToken(ctx context.Context, userID uuid.UUID, token string) error {
	key := pushTokenKey(userID)
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, key, token)
	pipe.Expire(ctx, key, pushTokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WriteFailedError(err)
	}
	return nil
}

// GetTokens returns all device tokens registered for the user
func (r *PushTokenRepository) GetTokens(ctx context.Context, userID uuid.UUID) ([]string, error) {
	tokens, err := r.client.SMembers(ctx, pushTokenKey(userID)).Result()
	if err != nil {
		return nil, errors.WriteFailedError(err)
	}
	return tokens, nil
}

// RemoveTokens drops tokens the push provider reported as no longer valid
func (r *PushTokenRepository) RemoveTokens(ctx context.Context, userID uuid.UUID, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	members := make([]interface{}, len(tokens))
	for i, t := range tokens {
		members[i] = t
	}
	if err := r.client.SRem(ctx, pushTokenKey(userID), members...).Err(); err != nil {
		return errors.WriteFailedError(err)
	}
	return nil
}
