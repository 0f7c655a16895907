package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/store"
)

type Store struct {
	mu            sync.RWMutex
	products      map[int64]domain.Product
	promotions    []domain.Promotion
	orders        map[int64]*domain.Order
	salesByOrder  map[int64]domain.Sale
	users         map[int64]domain.UserAccount
	userIDsByName map[string]int64

	nextOrderID     int64
	nextOrderItemID int64
	nextSaleID      int64
	nextUserID      int64
	nextPromotionID int64
}

func New() *Store {
	return &Store{
		products:      map[int64]domain.Product{},
		orders:        map[int64]*domain.Order{},
		salesByOrder:  map[int64]domain.Sale{},
		users:         map[int64]domain.UserAccount{},
		userIDsByName: map[string]int64{},
	}
}

// NewSeeded builds a demo catalogue plus admin, cashier and customer
// accounts. Passwords come from SEED_ADMIN_PASSWORD, SEED_CASHIER_PASSWORD
// and SEED_CUSTOMER_PASSWORD, falling back to dev defaults.
func NewSeeded() *Store {
	s := New()

	for _, p := range []domain.Product{
		{ID: 1, Name: "Espresso Beans 250g", Category: "coffee", Barcode: "8990001000011", Price: decimal.RequireFromString("12.50"), StockQuantity: 40},
		{ID: 2, Name: "Ceramic Mug", Category: "homeware", Barcode: "8990001000028", Price: decimal.RequireFromString("8.00"), StockQuantity: 25},
		{ID: 3, Name: "Oat Milk 1L", Category: "grocery", Barcode: "8990001000035", Price: decimal.RequireFromString("3.20"), StockQuantity: 60},
		{ID: 4, Name: "Butter Croissant", Category: "bakery", Barcode: "8990001000042", Price: decimal.RequireFromString("2.75"), StockQuantity: 30},
		{ID: 5, Name: "Green Tea 20 Bags", Category: "tea", Barcode: "8990001000059", Price: decimal.RequireFromString("4.99"), StockQuantity: 50},
		{ID: 6, Name: "Reusable Cup", Category: "homeware", Barcode: "8990001000066", Price: decimal.RequireFromString("14.00"), StockQuantity: 15},
	} {
		s.PutProduct(p)
	}

	now := time.Now().UTC()
	s.PutPromotion(domain.Promotion{
		ProductID:          2,
		Name:               "Mug Month",
		DiscountPercentage: decimal.NewFromInt(10),
		StartDate:          now.AddDate(0, 0, -30),
		EndDate:            now.AddDate(1, 0, 0),
	})
	s.PutPromotion(domain.Promotion{
		ProductID:          5,
		Name:               "Spring Tea",
		DiscountPercentage: decimal.NewFromInt(25),
		StartDate:          now.AddDate(0, -6, 0),
		EndDate:            now.AddDate(0, -5, 0),
	})

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "customer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		slog.Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}
	for _, u := range []struct {
		username string
		password string
		role     string
		first    string
		last     string
	}{
		{"admin", adminPwd, domain.RoleAdmin, "Store", "Admin"},
		{"cashier", cashierPwd, domain.RoleCashier, "Front", "Counter"},
		{"customer", customerPwd, domain.RoleCustomer, "Walk", "In"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		_, _ = s.CreateUser(context.Background(), domain.UserAccount{
			Username:     u.username,
			FirstName:    u.first,
			LastName:     u.last,
			Email:        u.username + "@storefront.local",
			Role:         u.role,
			PasswordHash: string(hash),
			Active:       true,
		})
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutProduct inserts or replaces a catalogue entry. Catalogue administration
// lives outside this service; the memory store exposes it for seeding.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) PutPromotion(p domain.Promotion) domain.Promotion {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		s.nextPromotionID++
		p.ID = s.nextPromotionID
	}
	s.promotions = append(s.promotions, p)
	return p
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) AdjustStock(_ context.Context, productID int64, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustLocked(productID, delta)
}

func (s *Store) adjustLocked(productID int64, delta int) (int, error) {
	p, ok := s.products[productID]
	if !ok {
		return 0, fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	next := p.StockQuantity + delta
	if next < 0 {
		return p.StockQuantity, &store.StockError{ProductID: productID, Requested: -delta, Available: p.StockQuantity}
	}
	p.StockQuantity = next
	s.products[productID] = p
	return next, nil
}

func (s *Store) SetStock(_ context.Context, productID int64, qty int) error {
	if qty < 0 {
		return &store.StockError{ProductID: productID, Requested: -qty}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	p.StockQuantity = qty
	s.products[productID] = p
	return nil
}

func (s *Store) ListPromotionsBetween(_ context.Context, from time.Time, to time.Time) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		if !p.StartDate.After(to) && !p.EndDate.Before(from) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if err := store.PrepareOrder(&order); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range order.Items {
		if _, ok := s.products[item.ProductID]; !ok {
			return nil, fmt.Errorf("%w: %d", store.ErrUnknownProduct, item.ProductID)
		}
	}

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt

	s.nextOrderID++
	order.ID = s.nextOrderID
	items := make([]domain.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		s.nextOrderItemID++
		item.ID = s.nextOrderItemID
		item.OrderID = order.ID
		item.ProductName = ""
		item.ImageURL = ""
		items = append(items, item)
	}
	order.Items = items

	s.orders[order.ID] = cloneOrder(&order)
	return cloneOrder(&order), nil
}

func (s *Store) GetOrder(_ context.Context, orderID int64) (*domain.OrderDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}

	detail := &domain.OrderDetail{Order: *cloneOrder(order)}
	for i := range detail.Order.Items {
		if p, ok := s.products[detail.Order.Items[i].ProductID]; ok {
			detail.Order.Items[i].ProductName = p.Name
			detail.Order.Items[i].ImageURL = p.ImageURL
		}
	}
	if user, ok := s.users[order.UserID]; ok {
		buyer := user.Buyer()
		detail.Buyer = &buyer
	}
	return detail, nil
}

func (s *Store) ListOrdersByUser(_ context.Context, userID int64) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, 16)
	for _, order := range s.orders {
		if order.UserID == userID {
			out = append(out, *cloneOrder(order))
		}
	}
	sortOrdersNewestFirst(out)
	return out, nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.Date != nil && !store.SameUTCDay(order.CreatedAt, *filter.Date) {
			continue
		}
		out = append(out, *cloneOrder(order))
	}
	sortOrdersNewestFirst(out)
	return out, nil
}

func (s *Store) CountOrders(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders), nil
}

func (s *Store) ListOrderItemsSince(_ context.Context, start time.Time) ([]domain.OrderItemActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OrderItemActivity, 0, 32)
	for _, order := range s.orders {
		if order.CreatedAt.Before(start) {
			continue
		}
		for _, item := range order.Items {
			out = append(out, domain.OrderItemActivity{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				CreatedAt: order.CreatedAt,
			})
		}
	}
	slices.SortFunc(out, func(a, b domain.OrderItemActivity) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteOrder(_ context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[orderID]; !ok {
		return store.ErrNotFound
	}
	delete(s.salesByOrder, orderID)
	delete(s.orders, orderID)
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[sale.OrderID]; !ok {
		return nil, fmt.Errorf("order %d: %w", sale.OrderID, store.ErrNotFound)
	}
	if _, exists := s.salesByOrder[sale.OrderID]; exists {
		return nil, store.ErrDuplicateSale
	}

	s.nextSaleID++
	sale.ID = s.nextSaleID
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	s.salesByOrder[sale.OrderID] = sale
	created := sale
	return &created, nil
}

func (s *Store) GetSaleByOrder(_ context.Context, orderID int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByOrder[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sale, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return nil, fmt.Errorf("%w: username and password required", store.ErrInvalidUser)
	}
	if user.Role == "" {
		user.Role = domain.RoleCustomer
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.userIDsByName[user.Username]; exists {
		return nil, store.ErrDuplicateUser
	}
	s.nextUserID++
	user.ID = s.nextUserID
	s.users[user.ID] = user
	s.userIDsByName[user.Username] = user.ID
	created := user
	return &created, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.userIDsByName[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	user := s.users[id]
	return &user, nil
}

// InTx holds the write lock for the whole of fn. Writes made through the
// transaction register an undo step that runs, newest first, if fn fails.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) GetOrderForUpdate(_ context.Context, orderID int64) (*domain.Order, error) {
	order, ok := t.s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (t *memTx) AdjustStock(_ context.Context, productID int64, delta int) (int, error) {
	qty, err := t.s.adjustLocked(productID, delta)
	if err != nil {
		return qty, err
	}
	t.undo = append(t.undo, func() {
		p := t.s.products[productID]
		p.StockQuantity -= delta
		t.s.products[productID] = p
	})
	return qty, nil
}

func (t *memTx) MarkStockApplied(_ context.Context, orderID int64, productIDs []int64, applied bool) error {
	order, ok := t.s.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	prevItems, prevApplied := append([]domain.OrderItem(nil), order.Items...), order.StockApplied
	for i := range order.Items {
		if slices.Contains(productIDs, order.Items[i].ProductID) {
			order.Items[i].StockApplied = applied
		}
	}
	order.StockApplied = store.AllStockApplied(order.Items)
	t.undo = append(t.undo, func() {
		order.Items = prevItems
		order.StockApplied = prevApplied
	})
	return nil
}

func (t *memTx) SetOrderStatus(_ context.Context, orderID int64, status string, at time.Time) error {
	order, ok := t.s.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	prevStatus, prevUpdated := order.Status, order.UpdatedAt
	order.Status = status
	order.UpdatedAt = at
	t.undo = append(t.undo, func() {
		order.Status = prevStatus
		order.UpdatedAt = prevUpdated
	})
	return nil
}

func sortOrdersNewestFirst(orders []domain.Order) {
	slices.SortFunc(orders, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	cp := *src
	cp.Items = append([]domain.OrderItem(nil), src.Items...)
	return &cp
}
