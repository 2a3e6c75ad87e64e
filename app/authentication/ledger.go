package authentication

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const resetTokenKeyPrefix = "reset-token:"

// RedisLedger keeps spent reset tokens in Redis, each key expiring together
// with its token.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (l *RedisLedger) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return false, nil
	}

	ok, err := l.client.SetNX(ctx, resetTokenKeyPrefix+id, 1, ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}
