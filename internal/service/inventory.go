package service

import (
	"context"
	"fmt"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/store"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	return s.repo.GetProductsByIDs(ctx, ids)
}

// AdjustStock applies a signed delta in its own local transaction.
func (s *Service) AdjustStock(ctx context.Context, productID int64, delta int) (domain.StockAdjustment, error) {
	if productID < 1 {
		return domain.StockAdjustment{}, fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	qty, err := s.repo.AdjustStock(ctx, productID, delta)
	if err != nil {
		return domain.StockAdjustment{}, err
	}
	return domain.StockAdjustment{ProductID: productID, Delta: delta, Quantity: qty}, nil
}

// QuantityOf is a non-authoritative read; AdjustStock has the final say.
func (s *Service) QuantityOf(ctx context.Context, productID int64) (int, error) {
	products, err := s.repo.GetProductsByIDs(ctx, []int64{productID})
	if err != nil {
		return 0, err
	}
	p, ok := products[productID]
	if !ok {
		return 0, fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	return p.StockQuantity, nil
}

// SetStock overwrites the on-hand quantity. It exists for operator
// reconciliation; regular flows go through AdjustStock.
func (s *Service) SetStock(ctx context.Context, req domain.StockSetRequest) error {
	if req.ProductID < 1 || req.Quantity == nil {
		return fmt.Errorf("%w: product_id and quantity required", ErrInvalidRequest)
	}
	if *req.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidRequest)
	}
	if err := s.repo.SetStock(ctx, req.ProductID, *req.Quantity); err != nil {
		return err
	}
	s.logger.Info("stock set", "product_id", req.ProductID, "quantity", *req.Quantity)
	return nil
}
