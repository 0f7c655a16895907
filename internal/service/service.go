package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"storefront/backend/internal/cache"
	"storefront/backend/internal/events"
	"storefront/backend/internal/logging"
	"storefront/backend/internal/pricing"
	"storefront/backend/internal/store"
)

var ErrInvalidRequest = errors.New("invalid request")

type Options struct {
	TaxRatePercent decimal.Decimal
	PromotionCache cache.PromotionCache
	PromotionTTL   time.Duration
	Publisher      events.Publisher
	Logger         *slog.Logger
}

// Service owns the order lifecycle: the ledger operations, order
// repository reads and writes, sale recording and the status transition
// engine. Identity is always passed in explicitly.
type Service struct {
	repo       store.Repository
	calc       pricing.Calculator
	promoCache cache.PromotionCache
	promoTTL   time.Duration
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.PromotionCache == nil {
		opts.PromotionCache = cache.NoopPromotionCache{}
	}
	if opts.PromotionTTL <= 0 {
		opts.PromotionTTL = 30 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	return &Service{
		repo:       repo,
		calc:       pricing.NewCalculator(opts.TaxRatePercent),
		promoCache: opts.PromotionCache,
		promoTTL:   opts.PromotionTTL,
		publisher:  opts.Publisher,
		logger:     opts.Logger.With("component", "service"),
		now:        time.Now,
	}
}

func (s *Service) Calculator() pricing.Calculator {
	return s.calc
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed", "type", event.Type, "order_id", event.OrderID, "error", err)
	}
}
