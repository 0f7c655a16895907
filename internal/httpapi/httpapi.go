package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"storefront/backend/internal/checkout"
	"storefront/backend/internal/domain"
	"storefront/backend/internal/logging"
	"storefront/backend/internal/pricing"
	"storefront/backend/internal/service"
	"storefront/backend/internal/store"
	"storefront/backend/internal/xid"
)

type actorKey struct{}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type API struct {
	service       *service.Service
	checkout      *checkout.Coordinator
	auth          *AuthManager
	allowedOrigin string
	logger        *slog.Logger
	loginLimiter  *attemptLimiter
	checks        map[string]HealthCheck
}

func New(svc *service.Service, coordinator *checkout.Coordinator, auth *AuthManager, allowedOrigin string, logger *slog.Logger) *API {
	if logger == nil {
		logger = logging.Discard()
	}
	return &API{
		service:       svc,
		checkout:      coordinator,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger.With("component", "http"),
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		checks:        map[string]HealthCheck{},
	}
}

// AddHealthCheck registers a dependency check reported by /healthz.
func (a *API) AddHealthCheck(name string, check HealthCheck) {
	a.checks[name] = check
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts))
	mux.HandleFunc("/api/v1/cart/quote", a.requireAuth(a.handleQuote))
	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders))
	mux.HandleFunc("/api/v1/checkout", a.requireAuth(a.handleCheckout, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/stock", a.requireAuth(a.handleStockSet, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/stock/adjust", a.requireAuth(a.handleStockAdjust, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	}
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := r.Context().Value(actorKey{}).(domain.Actor)
	return actor
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func isStaff(actor domain.Actor) bool {
	return actor.Role == domain.RoleAdmin || actor.Role == domain.RoleCashier
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(a.checks))
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			a.logger.Warn("health check failed", "dependency", name, "error", err)
			deps[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "up"
	}

	writeJSON(w, status, map[string]any{
		"success":      status == http.StatusOK,
		"at":           time.Now().UTC().Format(time.RFC3339),
		"dependencies": deps,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "auth": resp})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "products": products})
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.QuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	quote, err := a.service.Quote(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "quote": quote})
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleOrderReads(w, r)
	case http.MethodPost:
		a.handleOrderCreate(w, r)
	case http.MethodPut:
		a.handleOrderStatus(w, r)
	case http.MethodDelete:
		a.handleOrderDelete(w, r)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrderCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r)
	if !isStaff(actor) && req.UserID != actor.UserID {
		a.writeError(w, http.StatusForbidden, errors.New("orders can only be placed for your own account"))
		return
	}

	order, err := a.service.CreateOrder(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "order_id": order.ID})
}

func (a *API) handleOrderReads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actor := actorFrom(r)

	if raw := q.Get("user_id"); raw != "" {
		userID, err := parseID(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Errorf("user_id: %w", err))
			return
		}
		if !isStaff(actor) && userID != actor.UserID {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden"))
			return
		}
		orders, err := a.service.ListOrdersByUser(r.Context(), userID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "orderData": orders})
		return
	}

	if raw := q.Get("id"); raw != "" {
		orderID, err := parseID(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Errorf("id: %w", err))
			return
		}
		detail, err := a.service.GetOrder(r.Context(), orderID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		if !isStaff(actor) && detail.Order.UserID != actor.UserID {
			a.writeError(w, http.StatusNotFound, store.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": detail.Order, "user": detail.Buyer})
		return
	}

	if !isStaff(actor) {
		a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}

	if q.Get("count") == "true" {
		count, err := a.service.CountOrders(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "order_count": count})
		return
	}

	if q.Get("get_order_items") == "true" {
		start, err := parseDate(q.Get("start_date"))
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Errorf("start_date: %w", err))
			return
		}
		items, err := a.service.ListOrderItemsSince(r.Context(), start)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "order_items": items})
		return
	}

	filter := domain.OrderFilter{Status: q.Get("status")}
	if raw := q.Get("date"); raw != "" {
		day, err := parseDate(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Errorf("date: %w", err))
			return
		}
		filter.Date = &day
	}
	orders, err := a.service.ListOrders(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orderData": orders})
}

func (a *API) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	if !isStaff(actorFrom(r)) {
		a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}
	orderID, err := parseID(r.URL.Query().Get("id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("id: %w", err))
		return
	}

	var req domain.OrderStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	transition, err := a.service.TransitionOrder(r.Context(), orderID, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	message := "order status updated"
	if transition.NoOp {
		message = "order already in requested status"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message, "transition": transition})
}

func (a *API) handleOrderDelete(w http.ResponseWriter, r *http.Request) {
	if !isStaff(actorFrom(r)) {
		a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}
	orderID, err := parseID(r.URL.Query().Get("id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("id: %w", err))
		return
	}
	if err := a.service.DeleteOrder(r.Context(), orderID); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "order deleted"})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.SaleCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	cashierID, err := cashierFor(actorFrom(r), req.CashierID)
	if err != nil {
		a.writeError(w, http.StatusForbidden, err)
		return
	}
	req.CashierID = cashierID

	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "sale_id": sale.ID, "change_due": sale.ChangeDue})
}

func (a *API) handleStockSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.StockSetRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.service.SetStock(r.Context(), req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleStockAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.StockAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	adj, err := a.service.AdjustStock(r.Context(), req.ProductID, req.Delta)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stock_quantity": adj.Quantity})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	cashierID, err := cashierFor(actorFrom(r), req.CashierID)
	if err != nil {
		a.writeError(w, http.StatusForbidden, err)
		return
	}
	req.CashierID = cashierID
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	resp, err := a.checkout.Checkout(r.Context(), req)
	if err != nil {
		var saleErr *checkout.SaleRecordingFailedError
		var stockErr *checkout.PartialStockUpdateError
		switch {
		case errors.As(err, &saleErr):
			a.logger.Error("checkout sale recording failed", "order_id", saleErr.OrderID, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"success":  false,
				"message":  "order created but sale recording failed",
				"order_id": saleErr.OrderID,
			})
		case errors.As(err, &stockErr):
			a.logger.Error("checkout stock update incomplete", "order_id", stockErr.OrderID, "failed_product_ids", stockErr.FailedProductIDs, "error", err)
			writeJSON(w, http.StatusMultiStatus, map[string]any{
				"success":            false,
				"message":            "order and sale recorded but stock update incomplete",
				"order_id":           stockErr.OrderID,
				"sale_id":            stockErr.SaleID,
				"failed_product_ids": stockErr.FailedProductIDs,
			})
		default:
			a.writeServiceError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "checkout": resp})
}

// cashierFor resolves the cashier a sale is recorded under. Cashiers always
// sell under their own id; admins may record for another cashier.
func cashierFor(actor domain.Actor, requested int64) (int64, error) {
	if requested == 0 || requested == actor.UserID {
		return actor.UserID, nil
	}
	if actor.Role != domain.RoleAdmin {
		return 0, errors.New("sales can only be recorded under your own cashier id")
	}
	return requested, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = xid.New("req")
		}
		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(startedAt),
			"request_id", requestID,
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return id, nil
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD days (UTC).
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("expected YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, store.ErrTransitionFailed),
		errors.Is(err, store.ErrDuplicateSale),
		errors.Is(err, store.ErrDuplicateUser),
		errors.Is(err, checkout.ErrDuplicateSubmission):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, store.ErrInvalidOrder),
		errors.Is(err, store.ErrInvalidSale),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrInvalidUser),
		errors.Is(err, pricing.ErrInvalidLine),
		errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrInvalidCheckout),
		errors.Is(err, checkout.ErrInsufficientPayment):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	a.writeError(w, statusFor(err), err)
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx details stay in the log; clients get a generic message.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error", "status", status, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
