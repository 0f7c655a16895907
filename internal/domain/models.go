package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            int64           `json:"product_id"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Barcode       string          `json:"barcode,omitempty"`
	ImageURL      string          `json:"image_url,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
}

type Promotion struct {
	ID                 int64           `json:"promotion_id"`
	ProductID          int64           `json:"product_id"`
	Name               string          `json:"name"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
}

// ActiveAt reports whether start_date <= at <= end_date.
func (p Promotion) ActiveAt(at time.Time) bool {
	return !at.Before(p.StartDate) && !at.After(p.EndDate)
}

type CartItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CartLine struct {
	ProductID           int64           `json:"product_id"`
	Quantity            int             `json:"quantity"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	DiscountedUnitPrice decimal.Decimal `json:"discounted_unit_price"`
	LineTotal           decimal.Decimal `json:"line_total"`
	PromotionID         int64           `json:"promotion_id,omitempty"`
	PromotionName       string          `json:"promotion_name,omitempty"`
}

type Quote struct {
	Lines          []CartLine      `json:"lines"`
	Gross          decimal.Decimal `json:"gross"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
}

type Order struct {
	ID               int64           `json:"order_id"`
	UserID           int64           `json:"user_id"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	DiscountedAmount decimal.Decimal `json:"discounted_amount"`
	OrderType        string          `json:"order_type"`
	Status           string          `json:"status"`
	StockApplied     bool            `json:"stock_applied"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Items            []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID              int64           `json:"order_item_id"`
	OrderID         int64           `json:"order_id"`
	ProductID       int64           `json:"product_id"`
	Quantity        int             `json:"quantity"`
	PricePerUnit    decimal.Decimal `json:"price_per_unit"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
	ProductName     string          `json:"product_name,omitempty"`
	ImageURL        string          `json:"image_url,omitempty"`
	StockApplied    bool            `json:"stock_applied"`
}

type Buyer struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

type OrderDetail struct {
	Order Order  `json:"order"`
	Buyer *Buyer `json:"user"`
}

type OrderFilter struct {
	Status string
	// Date restricts results to orders created on that UTC calendar day.
	Date *time.Time
}

type OrderItemActivity struct {
	ProductID int64     `json:"product_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

type Sale struct {
	ID            int64           `json:"sale_id"`
	OrderID       int64           `json:"order_id"`
	CashierID     int64           `json:"cashier_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod string          `json:"payment_method"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	ChangeDue     decimal.Decimal `json:"change_due"`
	CreatedAt     time.Time       `json:"created_at"`
}

type StockAdjustment struct {
	ProductID int64 `json:"product_id"`
	Delta     int   `json:"delta"`
	Quantity  int   `json:"stock_quantity"`
}

type StatusTransition struct {
	OrderID     int64             `json:"order_id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Effect      StockEffectKind   `json:"effect"`
	NoOp        bool              `json:"no_op"`
	Adjustments []StockAdjustment `json:"adjustments,omitempty"`
}

// UserAccount is an internal persistence model for auth credentials and buyer info.
type UserAccount struct {
	ID           int64
	Username     string
	FirstName    string
	LastName     string
	Email        string
	Role         string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

func (u UserAccount) Buyer() Buyer {
	return Buyer{
		UserID:    u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Role:      u.Role,
	}
}

type Actor struct {
	UserID   int64
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      int64  `json:"user_id"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type OrderItemInput struct {
	ProductID       int64            `json:"product_id"`
	Quantity        int              `json:"quantity"`
	Price           *decimal.Decimal `json:"price"`
	DiscountedPrice *decimal.Decimal `json:"discounted_price,omitempty"`
}

type OrderCreateRequest struct {
	UserID           int64            `json:"user_id"`
	TotalAmount      *decimal.Decimal `json:"total_amount"`
	DiscountedAmount *decimal.Decimal `json:"discounted_amount"`
	OrderType        string           `json:"order_type"`
	Status           string           `json:"status"`
	Items            []OrderItemInput `json:"items"`
}

type OrderStatusRequest struct {
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
}

type SaleCreateRequest struct {
	OrderID       int64            `json:"order_id"`
	CashierID     int64            `json:"cashier_id"`
	TotalAmount   *decimal.Decimal `json:"total_amount"`
	PaymentMethod string           `json:"payment_method"`
	AmountPaid    *decimal.Decimal `json:"amount_paid"`
}

type StockSetRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  *int  `json:"quantity"`
}

type StockAdjustRequest struct {
	ProductID int64 `json:"product_id"`
	Delta     int   `json:"delta"`
}

type QuoteRequest struct {
	Items []CartItem `json:"items"`
}

type CheckoutRequest struct {
	CashierID      int64            `json:"cashier_id,omitempty"`
	UserID         int64            `json:"user_id,omitempty"`
	OrderType      string           `json:"order_type,omitempty"`
	PaymentMethod  string           `json:"payment_method"`
	AmountPaid     *decimal.Decimal `json:"amount_paid,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Items          []CartItem       `json:"items"`
}

type CheckoutResponse struct {
	OrderID       int64           `json:"order_id"`
	SaleID        int64           `json:"sale_id"`
	Status        string          `json:"status"`
	PaymentMethod string          `json:"payment_method"`
	Lines         []CartLine      `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Change        decimal.Decimal `json:"change"`
	ItemCount     int             `json:"item_count"`
	Duplicate     bool            `json:"duplicate"`
	CreatedAt     string          `json:"created_at"`
}

const (
	RoleAdmin    = "admin"
	RoleCashier  = "cashier"
	RoleCustomer = "customer"
)

const (
	OrderTypeWalkIn = "walk-in"
	OrderTypeOnline = "online"
)

const (
	PaymentCash = "cash"
	PaymentCard = "card"
)
