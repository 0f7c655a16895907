package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/events"
	"storefront/backend/internal/store"
)

// CreateSale records the sale for an existing order from a client request.
// A missing total_amount is derived from the order's items.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.Sale, error) {
	sale := domain.Sale{
		OrderID:       req.OrderID,
		CashierID:     req.CashierID,
		PaymentMethod: req.PaymentMethod,
	}
	if req.TotalAmount != nil {
		sale.TotalAmount = *req.TotalAmount
	}
	if req.AmountPaid != nil {
		sale.AmountPaid = *req.AmountPaid
	}
	return s.RecordSale(ctx, sale, req.TotalAmount == nil)
}

// RecordSale validates tender and persists the sale. The sale total must
// match the tax-inclusive total re-derived from the order's items.
func (s *Service) RecordSale(ctx context.Context, sale domain.Sale, deriveTotal bool) (*domain.Sale, error) {
	if sale.OrderID < 1 || sale.CashierID < 1 {
		return nil, fmt.Errorf("%w: order_id and cashier_id required", store.ErrInvalidSale)
	}
	sale.PaymentMethod = strings.ToLower(strings.TrimSpace(sale.PaymentMethod))
	if sale.PaymentMethod != domain.PaymentCash && sale.PaymentMethod != domain.PaymentCard {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidSale, sale.PaymentMethod)
	}

	detail, err := s.repo.GetOrder(ctx, sale.OrderID)
	if err != nil {
		return nil, err
	}
	derived := s.calc.QuoteFromItems(detail.Order.Items).Total
	if deriveTotal {
		sale.TotalAmount = derived
	}
	sale.TotalAmount = sale.TotalAmount.Round(2)
	if !sale.TotalAmount.Equal(derived) {
		return nil, fmt.Errorf("%w: total_amount %s does not match order total %s", store.ErrInvalidSale, sale.TotalAmount, derived)
	}

	change, err := Tender(sale.PaymentMethod, sale.TotalAmount, sale.AmountPaid)
	if err != nil {
		return nil, err
	}
	if sale.PaymentMethod == domain.PaymentCard {
		sale.AmountPaid = sale.TotalAmount
	}
	sale.ChangeDue = change

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return nil, err
	}

	s.logger.Info("sale recorded", "sale_id", created.ID, "order_id", created.OrderID, "cashier_id", created.CashierID, "payment_method", created.PaymentMethod)
	s.publish(ctx, events.New(events.TypeSaleRecorded, created.OrderID, map[string]any{
		"sale_id":        created.ID,
		"cashier_id":     created.CashierID,
		"payment_method": created.PaymentMethod,
		"total_amount":   created.TotalAmount,
	}))
	return created, nil
}

// Tender returns the change due. Cash must cover the total; card is charged
// exactly the total, so a zero amount means "charge the total".
func Tender(method string, total decimal.Decimal, paid decimal.Decimal) (decimal.Decimal, error) {
	paid = paid.Round(2)
	switch method {
	case domain.PaymentCash:
		if paid.LessThan(total) {
			return decimal.Zero, fmt.Errorf("%w: amount paid %s below total %s", store.ErrInvalidSale, paid, total)
		}
		return paid.Sub(total), nil
	case domain.PaymentCard:
		if !paid.IsZero() && !paid.Equal(total) {
			return decimal.Zero, fmt.Errorf("%w: card amount %s must equal total %s", store.ErrInvalidSale, paid, total)
		}
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidSale, method)
	}
}
