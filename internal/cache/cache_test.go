package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/xid"
)

func TestNoopPromotionCacheAlwaysMisses(t *testing.T) {
	c := NoopPromotionCache{}
	require.NoError(t, c.Set(context.Background(), "promotions:1", []domain.Promotion{{ID: 1}}, time.Minute))

	_, ok, err := c.Get(context.Background(), "promotions:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPromotionCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("STOREFRONT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set STOREFRONT_TEST_REDIS_ADDR to run redis integration tests")
	}
	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisPromotionCache(client)
	ctx := context.Background()
	key := xid.New("promotions-test")

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []domain.Promotion{{
		ID:                 4,
		ProductID:          2,
		Name:               "Mug Month",
		DiscountPercentage: decimal.NewFromInt(10),
		StartDate:          start,
		EndDate:            start.AddDate(0, 1, 0),
	}}
	require.NoError(t, c.Set(ctx, key, want, time.Minute))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "Mug Month", got[0].Name)
	assert.True(t, want[0].DiscountPercentage.Equal(got[0].DiscountPercentage))
	assert.True(t, want[0].EndDate.Equal(got[0].EndDate))

	// an empty bucket is still a hit so the store is not queried again
	empty := xid.New("promotions-test")
	require.NoError(t, c.Set(ctx, empty, nil, time.Minute))
	got, ok, err = c.Get(ctx, empty)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)
}
