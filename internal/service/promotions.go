package service

import (
	"context"
	"fmt"
	"time"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/pricing"
	"storefront/backend/internal/store"
)

// ActivePromotions returns every promotion overlapping the cache bucket that
// contains at. Pricing applies the exact start and end check afterwards.
func (s *Service) ActivePromotions(ctx context.Context, at time.Time) ([]domain.Promotion, error) {
	bucket := at.UTC().Truncate(s.promoTTL)
	key := fmt.Sprintf("promotions:%d", bucket.Unix())

	if cached, ok, err := s.promoCache.Get(ctx, key); err != nil {
		s.logger.Warn("promotion cache read failed", "key", key, "error", err)
	} else if ok {
		return cached, nil
	}

	promos, err := s.repo.ListPromotionsBetween(ctx, bucket, bucket.Add(s.promoTTL))
	if err != nil {
		return nil, err
	}
	if err := s.promoCache.Set(ctx, key, promos, s.promoTTL); err != nil {
		s.logger.Warn("promotion cache write failed", "key", key, "error", err)
	}
	return promos, nil
}

// Quote prices a cart at catalogue price with the promotions active now.
func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	if len(req.Items) == 0 {
		return domain.Quote{}, fmt.Errorf("%w: cart is empty", ErrInvalidRequest)
	}
	items, err := pricing.MergeCart(req.Items)
	if err != nil {
		return domain.Quote{}, err
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Quote{}, err
	}
	lines, missing := pricing.LinesFor(items, products)
	if len(missing) > 0 {
		return domain.Quote{}, fmt.Errorf("%w: %v", store.ErrUnknownProduct, missing)
	}

	now := s.now().UTC()
	promos, err := s.ActivePromotions(ctx, now)
	if err != nil {
		return domain.Quote{}, err
	}
	return s.calc.Price(lines, promos, now)
}
