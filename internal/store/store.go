package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"storefront/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrUnknownProduct    = fmt.Errorf("%w: unknown product", ErrInvalidOrder)
	ErrInvalidSale       = errors.New("invalid sale")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("order status changed concurrently")
	ErrTransitionFailed  = errors.New("status transition failed")
	ErrDuplicateSale     = errors.New("sale already recorded for order")
	ErrDuplicateUser     = errors.New("user already exists")
	ErrInvalidUser       = errors.New("invalid user")
)

// StockError carries the numbers behind an ErrInsufficientStock.
type StockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	AdjustStock(ctx context.Context, productID int64, delta int) (int, error)
	SetStock(ctx context.Context, productID int64, qty int) error
	// ListPromotionsBetween returns promotions whose window overlaps [from, to].
	ListPromotionsBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Promotion, error)

	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*domain.OrderDetail, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	CountOrders(ctx context.Context) (int, error)
	ListOrderItemsSince(ctx context.Context, start time.Time) ([]domain.OrderItemActivity, error)
	DeleteOrder(ctx context.Context, orderID int64) error

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByOrder(ctx context.Context, orderID int64) (*domain.Sale, error)

	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)

	// InTx runs fn in one atomic unit. Any error returned by fn undoes every
	// write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of writes that share one transaction with an order lock:
// status transitions and the per-line stock taken by checkout.
type Tx interface {
	// GetOrderForUpdate loads the order with items and holds it until the
	// transaction ends.
	GetOrderForUpdate(ctx context.Context, orderID int64) (*domain.Order, error)
	AdjustStock(ctx context.Context, productID int64, delta int) (int, error)
	// MarkStockApplied sets the stock flag on the order's lines for the given
	// products. The order's own flag becomes true only when every line is set.
	MarkStockApplied(ctx context.Context, orderID int64, productIDs []int64, applied bool) error
	SetOrderStatus(ctx context.Context, orderID int64, status string, at time.Time) error
}

// PrepareOrder validates items and status, then stamps both totals from the
// items. Stores call it before persisting so totals always match the lines.
// New orders never hold stock: the flags start clear and only a ledger write
// made through a Tx can set them.
func PrepareOrder(order *domain.Order) error {
	if order.UserID < 1 {
		return fmt.Errorf("%w: user_id required", ErrInvalidOrder)
	}
	if len(order.Items) == 0 {
		return fmt.Errorf("%w: at least one item required", ErrInvalidOrder)
	}
	if order.Status == "" {
		order.Status = domain.StatusPending
	}
	if !domain.IsValidStatus(order.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, order.Status)
	}
	if order.Status == domain.StatusOrderProcessed {
		return fmt.Errorf("%w: orders reach %s through a status change", ErrInvalidOrder, domain.StatusOrderProcessed)
	}
	if order.OrderType == "" {
		order.OrderType = domain.OrderTypeWalkIn
	}

	for _, item := range order.Items {
		if item.ProductID < 1 || item.Quantity < 1 {
			return fmt.Errorf("%w: product %d quantity %d", ErrInvalidOrder, item.ProductID, item.Quantity)
		}
		if item.PricePerUnit.IsNegative() || item.DiscountedPrice.IsNegative() {
			return fmt.Errorf("%w: product %d negative price", ErrInvalidOrder, item.ProductID)
		}
		if item.DiscountedPrice.GreaterThan(item.PricePerUnit) {
			return fmt.Errorf("%w: product %d discounted price above unit price", ErrInvalidOrder, item.ProductID)
		}
	}

	order.StockApplied = false
	for i := range order.Items {
		order.Items[i].StockApplied = false
	}
	order.TotalAmount, order.DiscountedAmount = OrderTotals(order.Items)
	return nil
}

// AllStockApplied reports whether every line of an order has its stock taken.
func AllStockApplied(items []domain.OrderItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !item.StockApplied {
			return false
		}
	}
	return true
}

// OrderTotals returns Σ price_per_unit×qty and Σ discounted_price×qty.
func OrderTotals(items []domain.OrderItem) (decimal.Decimal, decimal.Decimal) {
	total := decimal.Zero
	discounted := decimal.Zero
	for _, item := range items {
		qty := decimal.NewFromInt(int64(item.Quantity))
		total = total.Add(item.PricePerUnit.Mul(qty))
		discounted = discounted.Add(item.DiscountedPrice.Mul(qty))
	}
	return total.Round(2), discounted.Round(2)
}

// UniqueProductIDs returns the distinct product ids of items in first-seen order.
func UniqueProductIDs(items []domain.OrderItem) []int64 {
	seen := make(map[int64]struct{}, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// SameUTCDay reports whether t falls on the calendar day of day, both in UTC.
func SameUTCDay(t time.Time, day time.Time) bool {
	a := t.UTC()
	b := day.UTC()
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
