// Package checkout runs the walk-in checkout as a sequence of independent
// local writes: create the order, record the sale, then decrement stock per
// line. Nothing is rolled back across steps; partial outcomes are reported
// as typed errors and a reconciliation event.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/events"
	"storefront/backend/internal/idempotency"
	"storefront/backend/internal/logging"
	"storefront/backend/internal/pricing"
	"storefront/backend/internal/store"
)

type Catalog interface {
	GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	ActivePromotions(ctx context.Context, at time.Time) ([]domain.Promotion, error)
}

type Orders interface {
	PlaceOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
}

type Sales interface {
	RecordSale(ctx context.Context, sale domain.Sale, deriveTotal bool) (*domain.Sale, error)
}

// Ledger takes the stock for one product of an order and flags the order's
// lines for that product in the same write.
type Ledger interface {
	TakeOrderStock(ctx context.Context, orderID int64, productID int64) (domain.StockAdjustment, error)
}

type Deps struct {
	Catalog     Catalog
	Orders      Orders
	Sales       Sales
	Ledger      Ledger
	Calculator  pricing.Calculator
	Idempotency idempotency.Store
	Publisher   events.Publisher
	Logger      *slog.Logger
	// StockConcurrency bounds the parallel stock decrements. Zero means 4.
	StockConcurrency int
}

type Coordinator struct {
	catalog     Catalog
	orders      Orders
	sales       Sales
	ledger      Ledger
	calc        pricing.Calculator
	idem        idempotency.Store
	publisher   events.Publisher
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

func NewCoordinator(deps Deps) *Coordinator {
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore(24 * time.Hour)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.StockConcurrency < 1 {
		deps.StockConcurrency = 4
	}
	return &Coordinator{
		catalog:     deps.Catalog,
		orders:      deps.Orders,
		sales:       deps.Sales,
		ledger:      deps.Ledger,
		calc:        deps.Calculator,
		idem:        deps.Idempotency,
		publisher:   deps.Publisher,
		logger:      deps.Logger.With("component", "checkout"),
		concurrency: deps.StockConcurrency,
		now:         time.Now,
	}
}

type prepared struct {
	quote      domain.Quote
	method     string
	amountPaid decimal.Decimal
	change     decimal.Decimal
}

func (c *Coordinator) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	var token string
	if key != "" {
		claimToken, resp, done, err := c.claim(ctx, key)
		if err != nil || done {
			return resp, err
		}
		token = claimToken
	}

	p, err := c.prepare(ctx, req)
	if err != nil {
		c.release(ctx, key, token)
		return domain.CheckoutResponse{}, err
	}

	userID := req.UserID
	if userID < 1 {
		userID = req.CashierID
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = domain.OrderTypeWalkIn
	}

	items := make([]domain.OrderItem, 0, len(p.quote.Lines))
	for _, line := range p.quote.Lines {
		items = append(items, domain.OrderItem{
			ProductID:       line.ProductID,
			Quantity:        line.Quantity,
			PricePerUnit:    line.UnitPrice,
			DiscountedPrice: line.DiscountedUnitPrice,
		})
	}

	order, err := c.orders.PlaceOrder(ctx, domain.Order{
		UserID:    userID,
		OrderType: orderType,
		Status:    domain.StatusCheckedOut,
		Items:     items,
	})
	if err != nil {
		c.release(ctx, key, token)
		return domain.CheckoutResponse{}, err
	}

	// Once the order exists the remaining steps must run to the end even if
	// the caller goes away.
	ctx = context.WithoutCancel(ctx)

	sale, err := c.sales.RecordSale(ctx, domain.Sale{
		OrderID:       order.ID,
		CashierID:     req.CashierID,
		TotalAmount:   p.quote.Total,
		PaymentMethod: p.method,
		AmountPaid:    p.amountPaid,
	}, false)
	if err != nil {
		c.reconcile(ctx, order.ID, 0, "sale_recording_failed", nil, err)
		return domain.CheckoutResponse{}, &SaleRecordingFailedError{OrderID: order.ID, Err: err}
	}

	if failed, errs := c.decrementStock(ctx, order.ID, p.quote.Lines); len(failed) > 0 {
		c.reconcile(ctx, order.ID, sale.ID, "partial_stock_update", failed, errors.Join(errs...))
		return domain.CheckoutResponse{}, &PartialStockUpdateError{
			OrderID:          order.ID,
			SaleID:           sale.ID,
			FailedProductIDs: failed,
			Errs:             errs,
		}
	}

	itemCount := 0
	for _, line := range p.quote.Lines {
		itemCount += line.Quantity
	}
	resp := domain.CheckoutResponse{
		OrderID:       order.ID,
		SaleID:        sale.ID,
		Status:        order.Status,
		PaymentMethod: p.method,
		Lines:         p.quote.Lines,
		Subtotal:      p.quote.Subtotal,
		Tax:           p.quote.Tax,
		Total:         p.quote.Total,
		AmountPaid:    p.amountPaid,
		Change:        p.change,
		ItemCount:     itemCount,
		CreatedAt:     order.CreatedAt.UTC().Format(time.RFC3339),
	}

	if key != "" {
		if err := c.idem.Complete(ctx, key, token, resp); err != nil {
			c.logger.Warn("idempotency complete failed", "key", key, "order_id", order.ID, "error", err)
		}
	}
	c.logger.Info("checkout completed",
		"order_id", order.ID,
		"sale_id", sale.ID,
		"total", p.quote.Total,
		"payment_method", p.method,
		"items", itemCount,
	)
	return resp, nil
}

// claim returns done=true when the key already has an outcome for the
// caller: either the stored response or ErrDuplicateSubmission. Otherwise it
// returns the token that owns the new claim.
func (c *Coordinator) claim(ctx context.Context, key string) (string, domain.CheckoutResponse, bool, error) {
	if resp, ok, err := c.idem.Lookup(ctx, key); err != nil {
		return "", domain.CheckoutResponse{}, true, err
	} else if ok {
		resp.Duplicate = true
		return "", *resp, true, nil
	}

	token, claimed, err := c.idem.Claim(ctx, key)
	if err != nil {
		return "", domain.CheckoutResponse{}, true, err
	}
	if claimed {
		return token, domain.CheckoutResponse{}, false, nil
	}

	if resp, ok, err := c.idem.Lookup(ctx, key); err != nil {
		return "", domain.CheckoutResponse{}, true, err
	} else if ok {
		resp.Duplicate = true
		return "", *resp, true, nil
	}
	return "", domain.CheckoutResponse{}, true, fmt.Errorf("%w: key %q", ErrDuplicateSubmission, key)
}

func (c *Coordinator) release(ctx context.Context, key string, token string) {
	if key == "" {
		return
	}
	if err := c.idem.Release(context.WithoutCancel(ctx), key, token); err != nil {
		c.logger.Warn("idempotency release failed", "key", key, "error", err)
	}
}

// prepare covers validation, pricing and tender. It has no side effects.
func (c *Coordinator) prepare(ctx context.Context, req domain.CheckoutRequest) (prepared, error) {
	if len(req.Items) == 0 {
		return prepared{}, ErrEmptyCart
	}
	if req.CashierID < 1 {
		return prepared{}, fmt.Errorf("%w: cashier_id required", ErrInvalidCheckout)
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method != domain.PaymentCash && method != domain.PaymentCard {
		return prepared{}, fmt.Errorf("%w: unsupported payment method %q", ErrInvalidCheckout, req.PaymentMethod)
	}

	items, err := pricing.MergeCart(req.Items)
	if err != nil {
		return prepared{}, fmt.Errorf("%w: %w", ErrInvalidCheckout, err)
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := c.catalog.GetProducts(ctx, ids)
	if err != nil {
		return prepared{}, err
	}
	lines, missing := pricing.LinesFor(items, products)
	if len(missing) > 0 {
		return prepared{}, fmt.Errorf("%w: %v", store.ErrUnknownProduct, missing)
	}
	for _, item := range items {
		if available := products[item.ProductID].StockQuantity; item.Quantity > available {
			return prepared{}, &store.StockError{ProductID: item.ProductID, Requested: item.Quantity, Available: available}
		}
	}

	now := c.now().UTC()
	promos, err := c.catalog.ActivePromotions(ctx, now)
	if err != nil {
		return prepared{}, err
	}
	quote, err := c.calc.Price(lines, promos, now)
	if err != nil {
		return prepared{}, err
	}

	p := prepared{quote: quote, method: method}
	var paid decimal.Decimal
	if req.AmountPaid != nil {
		paid = req.AmountPaid.Round(2)
	}
	switch method {
	case domain.PaymentCash:
		if paid.LessThan(quote.Total) {
			return prepared{}, fmt.Errorf("%w: paid %s, total %s", ErrInsufficientPayment, paid, quote.Total)
		}
		p.amountPaid = paid
		p.change = paid.Sub(quote.Total)
	case domain.PaymentCard:
		if !paid.IsZero() && !paid.Equal(quote.Total) {
			return prepared{}, fmt.Errorf("%w: card amount %s must equal total %s", ErrInvalidCheckout, paid, quote.Total)
		}
		p.amountPaid = quote.Total
		p.change = decimal.Zero
	}
	return p, nil
}

// decrementStock issues one ledger call per line and collects the products
// whose decrement failed. Failures do not stop the other lines, and a failed
// line stays unflagged on the order.
func (c *Coordinator) decrementStock(ctx context.Context, orderID int64, lines []domain.CartLine) ([]int64, []error) {
	var (
		mu     sync.Mutex
		failed []int64
		errs   []error
		g      errgroup.Group
	)
	g.SetLimit(c.concurrency)

	for _, line := range lines {
		line := line
		g.Go(func() error {
			if _, err := c.ledger.TakeOrderStock(ctx, orderID, line.ProductID); err != nil {
				mu.Lock()
				failed = append(failed, line.ProductID)
				errs = append(errs, fmt.Errorf("product %d: %w", line.ProductID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(failed)
	return failed, errs
}

func (c *Coordinator) reconcile(ctx context.Context, orderID int64, saleID int64, reason string, failed []int64, cause error) {
	c.logger.Error("checkout needs reconciliation",
		"order_id", orderID,
		"sale_id", saleID,
		"reason", reason,
		"failed_product_ids", failed,
		"error", cause,
	)
	event := events.New(events.TypeReconciliationRequired, orderID, map[string]any{
		"reason":             reason,
		"sale_id":            saleID,
		"failed_product_ids": failed,
		"error":              cause.Error(),
	})
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("event publish failed", "type", event.Type, "order_id", orderID, "error", err)
	}
}
