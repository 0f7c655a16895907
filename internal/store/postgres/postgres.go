package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const productColumns = `product_id, name, category, COALESCE(barcode, ''), COALESCE(image_url, ''), price, stock_quantity`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Barcode, &p.ImageURL, &p.Price, &p.StockQuantity)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE product_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type execQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// adjustStock is a single guarded UPDATE, so it is atomic on its own and
// can also run inside a caller's transaction.
func adjustStock(ctx context.Context, q execQueryer, productID int64, delta int) (int, error) {
	var qty int
	err := q.QueryRowContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2
		WHERE product_id = $1 AND stock_quantity + $2 >= 0
		RETURNING stock_quantity
	`, productID, delta).Scan(&qty)
	if err == nil {
		return qty, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var available int
	err = q.QueryRowContext(ctx, `SELECT stock_quantity FROM products WHERE product_id = $1`, productID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
		}
		return 0, err
	}
	return available, &store.StockError{ProductID: productID, Requested: -delta, Available: available}
}

func (s *Store) AdjustStock(ctx context.Context, productID int64, delta int) (int, error) {
	return adjustStock(ctx, s.db, productID, delta)
}

func (s *Store) SetStock(ctx context.Context, productID int64, qty int) error {
	if qty < 0 {
		return &store.StockError{ProductID: productID, Requested: -qty}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE products SET stock_quantity = $2 WHERE product_id = $1`, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListPromotionsBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT promotion_id, product_id, name, discount_percentage, start_date, end_date
		FROM promotions
		WHERE start_date <= $2 AND end_date >= $1
		ORDER BY product_id, discount_percentage DESC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	promos := make([]domain.Promotion, 0, 16)
	for rows.Next() {
		var p domain.Promotion
		if err := rows.Scan(&p.ID, &p.ProductID, &p.Name, &p.DiscountPercentage, &p.StartDate, &p.EndDate); err != nil {
			return nil, err
		}
		p.StartDate = p.StartDate.UTC()
		p.EndDate = p.EndDate.UTC()
		promos = append(promos, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return promos, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if err := store.PrepareOrder(&order); err != nil {
		return nil, err
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, total_amount, discounted_amount, order_type, status, stock_applied, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING order_id
	`, order.UserID, order.TotalAmount, order.DiscountedAmount, order.OrderType, order.Status, order.StockApplied, order.CreatedAt, order.UpdatedAt).Scan(&order.ID)
	if err != nil {
		return nil, err
	}

	items := make([]domain.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		item.OrderID = order.ID
		item.ProductName = ""
		item.ImageURL = ""
		err := pgTx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price_per_unit, discounted_price, stock_applied)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING order_item_id
		`, item.OrderID, item.ProductID, item.Quantity, item.PricePerUnit, item.DiscountedPrice, item.StockApplied).Scan(&item.ID)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("%w: %d", store.ErrUnknownProduct, item.ProductID)
			}
			return nil, err
		}
		items = append(items, item)
	}
	order.Items = items

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

const orderColumns = `order_id, user_id, total_amount, discounted_amount, order_type, status, stock_applied, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.DiscountedAmount, &o.OrderType, &o.Status, &o.StockApplied, &o.CreatedAt, &o.UpdatedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadItems(ctx context.Context, q queryer, orderID int64) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT oi.order_item_id, oi.order_id, oi.product_id, oi.quantity, oi.price_per_unit, oi.discounted_price,
		       oi.stock_applied, p.name, COALESCE(p.image_url, '')
		FROM order_items oi
		JOIN products p ON p.product_id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.order_item_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.PricePerUnit, &item.DiscountedPrice, &item.StockApplied, &item.ProductName, &item.ImageURL); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*domain.OrderDetail, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	order.Items, err = loadItems(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}

	detail := &domain.OrderDetail{Order: order}
	var buyer domain.Buyer
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, last_name, email, role
		FROM users
		WHERE user_id = $1
	`, order.UserID).Scan(&buyer.UserID, &buyer.Username, &buyer.FirstName, &buyer.LastName, &buyer.Email, &buyer.Role)
	switch {
	case err == nil:
		detail.Buyer = &buyer
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, err
	}
	return detail, nil
}

func (s *Store) listOrders(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+where+` ORDER BY created_at DESC, order_id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 32)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	return s.listOrders(ctx, `WHERE user_id = $1`, userID)
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Date != nil {
		day := time.Date(filter.Date.UTC().Year(), filter.Date.UTC().Month(), filter.Date.UTC().Day(), 0, 0, 0, 0, time.UTC)
		args = append(args, day, day.AddDate(0, 0, 1))
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d AND created_at < $%d", len(args)-1, len(args)))
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	return s.listOrders(ctx, where, args...)
}

func (s *Store) CountOrders(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListOrderItemsSince(ctx context.Context, start time.Time) ([]domain.OrderItemActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oi.product_id, oi.quantity, o.created_at
		FROM order_items oi
		JOIN orders o ON o.order_id = oi.order_id
		WHERE o.created_at >= $1
		ORDER BY o.created_at ASC, oi.order_item_id ASC
	`, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.OrderItemActivity, 0, 64)
	for rows.Next() {
		var a domain.OrderItemActivity
		if err := rows.Scan(&a.ProductID, &a.Quantity, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteOrder removes the sale, the items and the order in one transaction.
// Stock is left untouched.
func (s *Store) DeleteOrder(ctx context.Context, orderID int64) error {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sales WHERE order_id = $1`, orderID); err != nil {
		return err
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID); err != nil {
		return err
	}
	res, err := pgTx.ExecContext(ctx, `DELETE FROM orders WHERE order_id = $1`, orderID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return pgTx.Commit()
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sales (order_id, cashier_id, total_amount, payment_method, amount_paid, change_due, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING sale_id
	`, sale.OrderID, sale.CashierID, sale.TotalAmount, sale.PaymentMethod, sale.AmountPaid, sale.ChangeDue, sale.CreatedAt).Scan(&sale.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateSale
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("order %d: %w", sale.OrderID, store.ErrNotFound)
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSaleByOrder(ctx context.Context, orderID int64) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT sale_id, order_id, cashier_id, total_amount, payment_method, amount_paid, change_due, created_at
		FROM sales
		WHERE order_id = $1
	`, orderID).Scan(&sale.ID, &sale.OrderID, &sale.CashierID, &sale.TotalAmount, &sale.PaymentMethod, &sale.AmountPaid, &sale.ChangeDue, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
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

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, first_name, last_name, email, role, password_hash, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING user_id
	`, user.Username, user.FirstName, user.LastName, user.Email, user.Role, user.PasswordHash, user.Active, user.CreatedAt).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateUser
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, last_name, email, role, password_hash, active, created_at
		FROM users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.ID, &user.Username, &user.FirstName, &user.LastName, &user.Email, &user.Role, &user.PasswordHash, &user.Active, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&txStore{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (t *txStore) GetOrderForUpdate(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.Items, err = loadItems(ctx, t.tx, orderID)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (t *txStore) AdjustStock(ctx context.Context, productID int64, delta int) (int, error) {
	return adjustStock(ctx, t.tx, productID, delta)
}

func (t *txStore) MarkStockApplied(ctx context.Context, orderID int64, productIDs []int64, applied bool) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE order_items
		SET stock_applied = $3
		WHERE order_id = $1 AND product_id = ANY($2)
	`, orderID, productIDs, applied); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders o
		SET stock_applied = NOT EXISTS (
			SELECT 1 FROM order_items oi WHERE oi.order_id = o.order_id AND NOT oi.stock_applied
		)
		WHERE o.order_id = $1
	`, orderID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *txStore) SetOrderStatus(ctx context.Context, orderID int64, status string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3
		WHERE order_id = $1
	`, orderID, status, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
