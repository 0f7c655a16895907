package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/events"
	"storefront/backend/internal/idempotency"
	"storefront/backend/internal/service"
	"storefront/backend/internal/store"
	"storefront/backend/internal/store/memory"
)

type harness struct {
	repo     *memory.Store
	svc      *service.Service
	recorder *events.Recorder
	idem     *idempotency.MemoryStore
}

func newHarness(t *testing.T) harness {
	t.Helper()
	repo := memory.New()
	repo.PutProduct(domain.Product{ID: 1, Name: "Beans", Price: decimal.RequireFromString("10.00"), StockQuantity: 10})
	repo.PutProduct(domain.Product{ID: 2, Name: "Mug", Price: decimal.RequireFromString("4.00"), StockQuantity: 1})
	_, err := repo.CreateUser(context.Background(), domain.UserAccount{Username: "cashier", PasswordHash: "x", Role: domain.RoleCashier})
	require.NoError(t, err)

	recorder := &events.Recorder{}
	return harness{
		repo:     repo,
		svc:      service.New(repo, service.Options{TaxRatePercent: decimal.NewFromInt(15), Publisher: recorder}),
		recorder: recorder,
		idem:     idempotency.NewMemoryStore(time.Hour),
	}
}

func (h harness) coordinator(sales Sales, ledger Ledger) *Coordinator {
	if sales == nil {
		sales = h.svc
	}
	if ledger == nil {
		ledger = h.svc
	}
	return NewCoordinator(Deps{
		Catalog:     h.svc,
		Orders:      h.svc,
		Sales:       sales,
		Ledger:      ledger,
		Calculator:  h.svc.Calculator(),
		Idempotency: h.idem,
		Publisher:   h.recorder,
	})
}

func (h harness) stock(t *testing.T, productID int64) int {
	t.Helper()
	qty, err := h.svc.QuantityOf(context.Background(), productID)
	require.NoError(t, err)
	return qty
}

func (h harness) orderCount(t *testing.T) int {
	t.Helper()
	n, err := h.svc.CountOrders(context.Background())
	require.NoError(t, err)
	return n
}

func money(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type failingSales struct{}

func (failingSales) RecordSale(context.Context, domain.Sale, bool) (*domain.Sale, error) {
	return nil, errors.New("sales backend unavailable")
}

type flakyLedger struct {
	next   Ledger
	failOn int64
}

func (l flakyLedger) TakeOrderStock(ctx context.Context, orderID int64, productID int64) (domain.StockAdjustment, error) {
	if productID == l.failOn {
		return domain.StockAdjustment{}, errors.New("ledger timeout")
	}
	return l.next.TakeOrderStock(ctx, orderID, productID)
}

func (h harness) transition(t *testing.T, orderID int64, status string) domain.StatusTransition {
	t.Helper()
	result, err := h.svc.TransitionOrder(context.Background(), orderID, domain.OrderStatusRequest{Status: status})
	require.NoError(t, err)
	return result
}

func (h harness) lineApplied(t *testing.T, orderID int64) map[int64]bool {
	t.Helper()
	detail, err := h.svc.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	out := make(map[int64]bool, len(detail.Order.Items))
	for _, item := range detail.Order.Items {
		out[item.ProductID] = item.StockApplied
	}
	return out
}

func TestCheckoutCompletesAllSteps(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, nil)

	resp, err := c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:     1,
		PaymentMethod: "cash",
		AmountPaid:    money("50.00"),
		Items:         []domain.CartItem{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}},
	})
	require.NoError(t, err)

	// 2 x 10.00 + 4.00 = 24.00, tax 3.60
	assert.True(t, decimal.RequireFromString("27.60").Equal(resp.Total))
	assert.True(t, decimal.RequireFromString("22.40").Equal(resp.Change))
	assert.Equal(t, 3, resp.ItemCount)
	assert.Equal(t, domain.StatusCheckedOut, resp.Status)
	assert.Equal(t, 8, h.stock(t, 1))
	assert.Equal(t, 0, h.stock(t, 2))

	detail, err := h.svc.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.True(t, detail.Order.StockApplied)
	assert.Equal(t, int64(1), detail.Order.UserID)
	assert.Equal(t, domain.OrderTypeWalkIn, detail.Order.OrderType)

	// moving a checked-out order into order-processed must not take stock again
	_, err = h.svc.TransitionOrder(context.Background(), resp.OrderID, domain.OrderStatusRequest{Status: domain.StatusOrderProcessed})
	require.NoError(t, err)
	assert.Equal(t, 8, h.stock(t, 1))
}

func TestCheckoutInsufficientStockCreatesNothing(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, nil)

	_, err := c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:     1,
		PaymentMethod: "card",
		Items:         []domain.CartItem{{ProductID: 2, Quantity: 2}},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var stockErr *store.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)
	assert.Equal(t, 0, h.orderCount(t))
}

func TestCheckoutSaleFailureKeepsOrder(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(failingSales{}, nil)

	_, err := c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:     1,
		PaymentMethod: "card",
		Items:         []domain.CartItem{{ProductID: 1, Quantity: 1}},
	})

	var saleErr *SaleRecordingFailedError
	require.ErrorAs(t, err, &saleErr)
	require.NotZero(t, saleErr.OrderID)

	detail, err := h.svc.GetOrder(context.Background(), saleErr.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCheckedOut, detail.Order.Status)
	assert.Equal(t, 10, h.stock(t, 1))
	assert.Len(t, h.recorder.OfType(events.TypeReconciliationRequired), 1)
}

func TestSaleFailureLeavesStockUntakenForLaterTransitions(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(failingSales{}, nil)

	_, err := c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:     1,
		PaymentMethod: "card",
		Items:         []domain.CartItem{{ProductID: 1, Quantity: 3}},
	})
	var saleErr *SaleRecordingFailedError
	require.ErrorAs(t, err, &saleErr)

	detail, err := h.svc.GetOrder(context.Background(), saleErr.OrderID)
	require.NoError(t, err)
	assert.False(t, detail.Order.StockApplied)
	assert.Equal(t, map[int64]bool{1: false}, h.lineApplied(t, saleErr.OrderID))

	// the stock was never taken, so processing takes it and leaving gives back only that
	result := h.transition(t, saleErr.OrderID, domain.StatusOrderProcessed)
	assert.Equal(t, domain.StockEffectDecrement, result.Effect)
	assert.Equal(t, 7, h.stock(t, 1))

	result = h.transition(t, saleErr.OrderID, domain.StatusPending)
	assert.Equal(t, domain.StockEffectRestore, result.Effect)
	assert.Equal(t, 10, h.stock(t, 1))
}

func TestPartialStockFailureFlagsOnlyTakenLines(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, flakyLedger{next: h.svc, failOn: 2})

	_, err := c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:     1,
		PaymentMethod: "card",
		Items:         []domain.CartItem{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}},
	})
	var partial *PartialStockUpdateError
	require.ErrorAs(t, err, &partial)

	detail, err := h.svc.GetOrder(context.Background(), partial.OrderID)
	require.NoError(t, err)
	assert.False(t, detail.Order.StockApplied)
	assert.Equal(t, map[int64]bool{1: true, 2: false}, h.lineApplied(t, partial.OrderID))
	assert.Equal(t, 7, h.stock(t, 1))
	assert.Equal(t, 1, h.stock(t, 2))

	// processing takes only the line checkout missed
	result := h.transition(t, partial.OrderID, domain.StatusOrderProcessed)
	require.Len(t, result.Adjustments, 1)
	assert.Equal(t, int64(2), result.Adjustments[0].ProductID)
	assert.Equal(t, 7, h.stock(t, 1))
	assert.Equal(t, 0, h.stock(t, 2))

	// leaving gives back exactly what was taken
	h.transition(t, partial.OrderID, domain.StatusShipped)
	assert.Equal(t, 10, h.stock(t, 1))
	assert.Equal(t, 1, h.stock(t, 2))
}

func TestPartialStockFailureLeavingProcessedWithoutEnteringRestoresTakenLines(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, flakyLedger{next: h.svc, failOn: 2})

	_, err := c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:     1,
		PaymentMethod: "card",
		Items:         []domain.CartItem{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}},
	})
	var partial *PartialStockUpdateError
	require.ErrorAs(t, err, &partial)

	// checked-out -> shipped does not cross the boundary
	result := h.transition(t, partial.OrderID, domain.StatusShipped)
	assert.Equal(t, domain.StockEffectNone, result.Effect)
	assert.Equal(t, 7, h.stock(t, 1))
	assert.Equal(t, 1, h.stock(t, 2))
}

func TestTakeOrderStockSkipsLinesAlreadyTaken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, err := h.svc.PlaceOrder(ctx, domain.Order{
		UserID: 1,
		Status: domain.StatusCheckedOut,
		Items: []domain.OrderItem{
			{ProductID: 1, Quantity: 2, PricePerUnit: decimal.RequireFromString("10.00"), DiscountedPrice: decimal.RequireFromString("10.00")},
		},
	})
	require.NoError(t, err)

	h.transition(t, order.ID, domain.StatusOrderProcessed)
	assert.Equal(t, 8, h.stock(t, 1))

	adj, err := h.svc.TakeOrderStock(ctx, order.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, adj.Delta)
	assert.Equal(t, 8, h.stock(t, 1))

	_, err = h.svc.TakeOrderStock(ctx, order.ID, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckoutPartialStockFailure(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, flakyLedger{next: h.svc, failOn: 2})

	_, err := c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:      1,
		PaymentMethod:  "card",
		IdempotencyKey: "till-7-0001",
		Items:          []domain.CartItem{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}},
	})

	var partial *PartialStockUpdateError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int64{2}, partial.FailedProductIDs)
	assert.NotZero(t, partial.SaleID)
	assert.Equal(t, 7, h.stock(t, 1))
	assert.Equal(t, 1, h.stock(t, 2))
	assert.Len(t, h.recorder.OfType(events.TypeReconciliationRequired), 1)

	// the key stays claimed so a retry cannot sell twice
	_, err = c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:      1,
		PaymentMethod:  "card",
		IdempotencyKey: "till-7-0001",
		Items:          []domain.CartItem{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Equal(t, 1, h.orderCount(t))
}

func TestCheckoutReplayReturnsStoredResult(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, nil)
	req := domain.CheckoutRequest{
		CashierID:      1,
		PaymentMethod:  "cash",
		AmountPaid:     money("20.00"),
		IdempotencyKey: "till-1-0042",
		Items:          []domain.CartItem{{ProductID: 1, Quantity: 1}},
	}

	first, err := c.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := c.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.SaleID, second.SaleID)
	assert.Equal(t, 9, h.stock(t, 1))
	assert.Equal(t, 1, h.orderCount(t))
}

func TestCheckoutConcurrentReplaySellsOnce(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, nil)
	req := domain.CheckoutRequest{
		CashierID:      1,
		PaymentMethod:  "card",
		IdempotencyKey: "till-3-0100",
		Items:          []domain.CartItem{{ProductID: 1, Quantity: 1}},
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Checkout(context.Background(), req)
			if err != nil {
				assert.ErrorIs(t, err, ErrDuplicateSubmission)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.orderCount(t))
	assert.Equal(t, 9, h.stock(t, 1))
}

func TestCheckoutValidationReleasesKey(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, nil)
	req := domain.CheckoutRequest{
		CashierID:      1,
		PaymentMethod:  "cash",
		AmountPaid:     money("5.00"),
		IdempotencyKey: "till-2-0009",
		Items:          []domain.CartItem{{ProductID: 1, Quantity: 1}},
	}

	_, err := c.Checkout(context.Background(), req)
	require.ErrorIs(t, err, ErrInsufficientPayment)
	assert.Equal(t, 0, h.orderCount(t))

	req.AmountPaid = money("11.50")
	resp, err := c.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Change.IsZero())
}

func TestCheckoutCardHasNoChange(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, nil)

	resp, err := c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:     1,
		PaymentMethod: "CARD",
		Items:         []domain.CartItem{{ProductID: 1, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCard, resp.PaymentMethod)
	assert.True(t, resp.Change.IsZero())
	assert.True(t, resp.AmountPaid.Equal(resp.Total))

	_, err = c.Checkout(context.Background(), domain.CheckoutRequest{
		CashierID:     1,
		PaymentMethod: "card",
		AmountPaid:    money("99.00"),
		Items:         []domain.CartItem{{ProductID: 1, Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrInvalidCheckout)
}

func TestCheckoutRejectsBadCarts(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(nil, nil)
	ctx := context.Background()

	_, err := c.Checkout(ctx, domain.CheckoutRequest{CashierID: 1, PaymentMethod: "cash"})
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = c.Checkout(ctx, domain.CheckoutRequest{CashierID: 1, PaymentMethod: "cash", Items: []domain.CartItem{{ProductID: 1, Quantity: 0}}})
	assert.ErrorIs(t, err, ErrInvalidCheckout)

	_, err = c.Checkout(ctx, domain.CheckoutRequest{CashierID: 1, PaymentMethod: "card", Items: []domain.CartItem{{ProductID: 99, Quantity: 1}}})
	assert.ErrorIs(t, err, store.ErrUnknownProduct)

	_, err = c.Checkout(ctx, domain.CheckoutRequest{CashierID: 1, PaymentMethod: "voucher", Items: []domain.CartItem{{ProductID: 1, Quantity: 1}}})
	assert.ErrorIs(t, err, ErrInvalidCheckout)

	_, err = c.Checkout(ctx, domain.CheckoutRequest{PaymentMethod: "card", Items: []domain.CartItem{{ProductID: 1, Quantity: 1}}})
	assert.ErrorIs(t, err, ErrInvalidCheckout)

	assert.Equal(t, 0, h.orderCount(t))
}
