package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"storefront/backend/internal/domain"
)

type RedisPromotionCache struct {
	client *redis.Client
}

func NewRedisPromotionCache(client *redis.Client) *RedisPromotionCache {
	return &RedisPromotionCache{client: client}
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (c *RedisPromotionCache) Get(ctx context.Context, key string) ([]domain.Promotion, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var promos []domain.Promotion
	if err := json.Unmarshal([]byte(val), &promos); err != nil {
		return nil, false, err
	}
	return promos, true, nil
}

func (c *RedisPromotionCache) Set(ctx context.Context, key string, value []domain.Promotion, ttl time.Duration) error {
	if value == nil {
		value = []domain.Promotion{}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
