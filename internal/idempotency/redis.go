package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"storefront/backend/internal/domain"
)

const pendingPrefix = "pending:"

// releaseScript deletes the key only while it holds the caller's pending
// marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// completeScript replaces the caller's pending marker with the result.
var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// RedisStore keeps one key per submission: SETNX claims it with a pending
// marker carrying the claim token, Complete swaps the marker for the JSON
// result.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Key(key string) string {
	return fmt.Sprintf("idem:checkout:%s", key)
}

func (s *RedisStore) Claim(ctx context.Context, key string) (string, bool, error) {
	token := newToken()
	ok, err := s.rdb.SetNX(ctx, s.Key(key), pendingPrefix+token, s.ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (*domain.CheckoutResponse, bool, error) {
	val, err := s.rdb.Get(ctx, s.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if strings.HasPrefix(val, pendingPrefix) {
		return nil, false, nil
	}

	var resp domain.CheckoutResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, token string, resp domain.CheckoutResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	swapped, err := completeScript.Run(ctx, s.rdb, []string{s.Key(key)}, pendingPrefix+token, payload, s.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if swapped == 0 {
		return ErrClaimLost
	}
	return nil
}

// Release deletes the key only while it still holds this claim's marker.
func (s *RedisStore) Release(ctx context.Context, key string, token string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.Key(key)}, pendingPrefix+token).Err()
}
