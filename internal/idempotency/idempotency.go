// Package idempotency remembers checkout submissions by client key so a
// retried request returns the first result instead of selling twice.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/xid"
)

// ErrClaimLost means the claim expired and the key now belongs to someone
// else, or to nobody.
var ErrClaimLost = errors.New("idempotency claim no longer held")

// Store claims are owned by the token Claim returns. Complete and Release
// only act while the key still holds that token, so a holder whose claim
// expired cannot overwrite or drop a newer claim on the same key.
type Store interface {
	// Claim reserves key for one submission. ok is false when the key is
	// already claimed or completed.
	Claim(ctx context.Context, key string) (token string, ok bool, err error)
	// Lookup returns the stored result of a completed submission.
	Lookup(ctx context.Context, key string) (*domain.CheckoutResponse, bool, error)
	Complete(ctx context.Context, key string, token string, resp domain.CheckoutResponse) error
	// Release drops a claim that never produced side effects.
	Release(ctx context.Context, key string, token string) error
}

func newToken() string {
	return xid.New("claim")
}

type entry struct {
	token     string
	result    *domain.CheckoutResponse
	expiresAt time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: map[string]entry{},
		now:     time.Now,
	}
}

func (s *MemoryStore) Claim(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return "", false, nil
	}
	token := newToken()
	s.entries[key] = entry{token: token, expiresAt: now.Add(s.ttl)}
	return token, true, nil
}

// heldBy reports whether key is an unexpired pending claim owned by token.
// Callers hold s.mu.
func (s *MemoryStore) heldBy(key string, token string) bool {
	e, ok := s.entries[key]
	return ok && e.result == nil && e.token == token && s.now().Before(e.expiresAt)
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (*domain.CheckoutResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) || e.result == nil {
		return nil, false, nil
	}
	cp := *e.result
	cp.Lines = append([]domain.CartLine(nil), e.result.Lines...)
	return &cp, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, token string, resp domain.CheckoutResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.heldBy(key, token) {
		return ErrClaimLost
	}
	resp.Lines = append([]domain.CartLine(nil), resp.Lines...)
	s.entries[key] = entry{result: &resp, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heldBy(key, token) {
		delete(s.entries, key)
	}
	return nil
}
