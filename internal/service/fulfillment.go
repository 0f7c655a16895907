package service

import (
	"context"
	"fmt"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/events"
	"storefront/backend/internal/store"
)

// TransitionOrder moves an order to a new status and applies the stock
// effect of crossing the order-processed boundary in the same transaction.
//
// Each line's stock_applied flag decides whether the effect is real for that
// line: entering the boundary only takes lines that are not yet taken and
// leaving it only returns lines that are. Replays, and orders whose stock was
// fully or partly taken at checkout, never double count.
func (s *Service) TransitionOrder(ctx context.Context, orderID int64, req domain.OrderStatusRequest) (domain.StatusTransition, error) {
	to := domain.NormalizeStatus(req.Status)
	if !domain.IsValidStatus(to) {
		return domain.StatusTransition{}, fmt.Errorf("%w: unknown status %q", store.ErrInvalidTransition, req.Status)
	}
	expected := domain.NormalizeStatus(req.PreviousStatus)
	if expected != "" && !domain.IsValidStatus(expected) {
		return domain.StatusTransition{}, fmt.Errorf("%w: unknown previous status %q", store.ErrInvalidTransition, req.PreviousStatus)
	}

	var result domain.StatusTransition
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		result = domain.StatusTransition{
			OrderID: orderID,
			From:    order.Status,
			To:      to,
			Effect:  domain.StockEffectNone,
		}
		if order.Status == to {
			result.NoOp = true
			return nil
		}
		if expected != "" && expected != order.Status {
			return fmt.Errorf("%w: expected %s, found %s", store.ErrStatusConflict, expected, order.Status)
		}

		effect := domain.StockEffect(order.Status, to)
		var lines []domain.OrderItem
		if effect != domain.StockEffectNone {
			taken := effect == domain.StockEffectRestore
			for _, item := range mergeOrderItems(order.Items) {
				if item.StockApplied == taken {
					lines = append(lines, item)
				}
			}
		}
		if len(lines) == 0 {
			effect = domain.StockEffectNone
		}

		touched := make([]int64, 0, len(lines))
		for _, item := range lines {
			delta := effect.Sign() * item.Quantity
			qty, err := tx.AdjustStock(ctx, item.ProductID, delta)
			if err != nil {
				return fmt.Errorf("%w: product %d: %w", store.ErrTransitionFailed, item.ProductID, err)
			}
			result.Adjustments = append(result.Adjustments, domain.StockAdjustment{
				ProductID: item.ProductID,
				Delta:     delta,
				Quantity:  qty,
			})
			touched = append(touched, item.ProductID)
		}
		if len(touched) > 0 {
			if err := tx.MarkStockApplied(ctx, orderID, touched, effect == domain.StockEffectDecrement); err != nil {
				return err
			}
		}
		result.Effect = effect

		return tx.SetOrderStatus(ctx, orderID, to, s.now().UTC())
	})
	if err != nil {
		return domain.StatusTransition{}, err
	}

	if result.NoOp {
		return result, nil
	}

	s.logger.Info("order status changed",
		"order_id", orderID,
		"from", result.From,
		"to", result.To,
		"stock_effect", result.Effect,
	)
	s.publish(ctx, events.New(events.TypeOrderStatusChanged, orderID, result))
	return result, nil
}

// TakeOrderStock decrements stock for one product's lines of an order and
// flags those lines, in one transaction under the order lock. Lines already
// flagged are skipped, so checkout and a concurrent transition into
// order-processed take the stock once between them.
func (s *Service) TakeOrderStock(ctx context.Context, orderID int64, productID int64) (domain.StockAdjustment, error) {
	adj := domain.StockAdjustment{ProductID: productID}
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		found, qty := false, 0
		for _, item := range order.Items {
			if item.ProductID != productID {
				continue
			}
			found = true
			if !item.StockApplied {
				qty += item.Quantity
			}
		}
		if !found {
			return fmt.Errorf("order %d has no product %d: %w", orderID, productID, store.ErrNotFound)
		}
		if qty == 0 {
			return nil
		}

		remaining, err := tx.AdjustStock(ctx, productID, -qty)
		if err != nil {
			return err
		}
		adj.Delta, adj.Quantity = -qty, remaining
		return tx.MarkStockApplied(ctx, orderID, []int64{productID}, true)
	})
	if err != nil {
		return domain.StockAdjustment{}, err
	}
	return adj, nil
}

// mergeOrderItems sums quantities per product so each product is adjusted
// once per transition. Lines of one product are always flagged together.
func mergeOrderItems(items []domain.OrderItem) []domain.OrderItem {
	merged := make([]domain.OrderItem, 0, len(items))
	index := make(map[int64]int, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, domain.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity, StockApplied: item.StockApplied})
	}
	return merged
}
