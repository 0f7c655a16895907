package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/events"
	"storefront/backend/internal/store"
)

// CreateOrder persists an order as submitted by a client. Caller totals are
// optional; when present they must equal the totals derived from the items.
func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (*domain.Order, error) {
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, in := range req.Items {
		if in.Price == nil {
			return nil, fmt.Errorf("%w: product %d price required", store.ErrInvalidOrder, in.ProductID)
		}
		discounted := *in.Price
		if in.DiscountedPrice != nil {
			discounted = *in.DiscountedPrice
		}
		items = append(items, domain.OrderItem{
			ProductID:       in.ProductID,
			Quantity:        in.Quantity,
			PricePerUnit:    *in.Price,
			DiscountedPrice: discounted,
		})
	}

	total, discounted := store.OrderTotals(items)
	if mismatch(req.TotalAmount, total) {
		return nil, fmt.Errorf("%w: total_amount %s does not match items %s", store.ErrInvalidOrder, req.TotalAmount, total)
	}
	if mismatch(req.DiscountedAmount, discounted) {
		return nil, fmt.Errorf("%w: discounted_amount %s does not match items %s", store.ErrInvalidOrder, req.DiscountedAmount, discounted)
	}

	return s.PlaceOrder(ctx, domain.Order{
		UserID:    req.UserID,
		OrderType: req.OrderType,
		Status:    domain.NormalizeStatus(req.Status),
		Items:     items,
	})
}

func mismatch(given *decimal.Decimal, derived decimal.Decimal) bool {
	return given != nil && !given.Round(2).Equal(derived)
}

// PlaceOrder writes the order header and items atomically.
func (s *Service) PlaceOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created", "order_id", created.ID, "user_id", created.UserID, "status", created.Status, "items", len(created.Items))
	s.publish(ctx, events.New(events.TypeOrderCreated, created.ID, map[string]any{
		"user_id":      created.UserID,
		"status":       created.Status,
		"order_type":   created.OrderType,
		"total_amount": created.TotalAmount,
	}))
	return created, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (*domain.OrderDetail, error) {
	return s.repo.GetOrder(ctx, orderID)
}

func (s *Service) ListOrdersByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if filter.Status != "" {
		filter.Status = domain.NormalizeStatus(filter.Status)
		if !domain.IsValidStatus(filter.Status) {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, filter.Status)
		}
	}
	return s.repo.ListOrders(ctx, filter)
}

func (s *Service) CountOrders(ctx context.Context) (int, error) {
	return s.repo.CountOrders(ctx)
}

func (s *Service) ListOrderItemsSince(ctx context.Context, start time.Time) ([]domain.OrderItemActivity, error) {
	return s.repo.ListOrderItemsSince(ctx, start.UTC())
}

// DeleteOrder removes an order with its items and sale. Stock is not
// restored; use a status transition for that.
func (s *Service) DeleteOrder(ctx context.Context, orderID int64) error {
	if err := s.repo.DeleteOrder(ctx, orderID); err != nil {
		return err
	}
	s.logger.Info("order deleted", "order_id", orderID)
	return nil
}
