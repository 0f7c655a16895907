package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/xid"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := xid.New("idem-test")

	token, claimed, err := s.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NotEmpty(t, token)

	_, claimed, err = s.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)

	_, found, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	// a foreign token can neither release nor complete the claim
	require.NoError(t, s.Release(ctx, key, "claim-someone-else"))
	_, claimed, err = s.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.ErrorIs(t, s.Complete(ctx, key, "claim-someone-else", domain.CheckoutResponse{OrderID: 99}), ErrClaimLost)

	require.NoError(t, s.Release(ctx, key, token))
	token, claimed, err = s.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, s.Complete(ctx, key, token, domain.CheckoutResponse{OrderID: 7, SaleID: 3}))
	resp, found, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), resp.OrderID)

	require.NoError(t, s.Release(ctx, key, token))
	_, found, err = s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, found, "release must not drop a completed result")
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(time.Hour))
}

func TestMemoryStoreExpires(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	ctx := context.Background()
	stale, claimed, err := s.Claim(ctx, "k")
	require.NoError(t, err)
	require.True(t, claimed)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	fresh, claimed, err := s.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed)

	// the expired holder must not drop or overwrite the newer claim
	require.NoError(t, s.Release(ctx, "k", stale))
	assert.ErrorIs(t, s.Complete(ctx, "k", stale, domain.CheckoutResponse{OrderID: 1}), ErrClaimLost)
	_, claimed, err = s.Claim(ctx, "k")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.Complete(ctx, "k", fresh, domain.CheckoutResponse{OrderID: 2}))
	resp, found, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), resp.OrderID)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("STOREFRONT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set STOREFRONT_TEST_REDIS_ADDR to run redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	exerciseStore(t, NewRedisStore(rdb, time.Minute))

	// after the first claim expires, its holder cannot drop the second one
	s := NewRedisStore(rdb, 50*time.Millisecond)
	ctx := context.Background()
	key := xid.New("idem-expiry")
	stale, claimed, err := s.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, claimed)
	time.Sleep(120 * time.Millisecond)

	s.ttl = time.Minute
	_, claimed, err = s.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.Release(ctx, key, stale))
	_, claimed, err = s.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)
	t.Cleanup(func() { _ = rdb.Del(context.Background(), s.Key(key)).Err() })
}
