package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ SentReceipts = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}

func sentKey(messageID string) string {
	return fmt.Sprintf("msg:sent:%s", messageID)
}

// StoreSent keeps the first receipt for a message; later writes for the same
// message do not replace it.
func (c *RedisCache) StoreSent(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error {
	b, err := json.Marshal(sentValue{
		ProviderMessageID: providerMessageID,
		SentAt:            sentAt.UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.SetNX(ctx, sentKey(messageID), b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, messageID string) (string, bool, error) {
	raw, err := c.rdb.Get(ctx, sentKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var v sentValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, fmt.Errorf("decode sent receipt %s: %w", messageID, err)
	}
	return v.ProviderMessageID, true, nil
}
