package cache

import (
	"context"
	"time"

	"storefront/backend/internal/domain"
)

// PromotionCache holds the promotions overlapping one time bucket. The key
// identifies the bucket; callers still filter by the exact instant.
type PromotionCache interface {
	Get(ctx context.Context, key string) ([]domain.Promotion, bool, error)
	Set(ctx context.Context, key string, value []domain.Promotion, ttl time.Duration) error
}

type NoopPromotionCache struct{}

func (NoopPromotionCache) Get(_ context.Context, _ string) ([]domain.Promotion, bool, error) {
	return nil, false, nil
}

func (NoopPromotionCache) Set(_ context.Context, _ string, _ []domain.Promotion, _ time.Duration) error {
	return nil
}
