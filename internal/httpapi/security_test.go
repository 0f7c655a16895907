package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	env := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	env.handler.ServeHTTP(res, req)

	assert.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", res.Header().Get("X-Frame-Options"))
	assert.True(t, strings.HasPrefix(res.Header().Get("X-Request-ID"), "req-"), "expected generated request id, got %q", res.Header().Get("X-Request-ID"))
}

func TestMiddlewareEchoesRequestID(t *testing.T) {
	env := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "till-4-abc")
	res := httptest.NewRecorder()

	env.handler.ServeHTTP(res, req)

	assert.Equal(t, "till-4-abc", res.Header().Get("X-Request-ID"))
}

func TestPreflightShortCircuits(t *testing.T) {
	env := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/checkout", nil)
	res := httptest.NewRecorder()

	env.handler.ServeHTTP(res, req)

	assert.Equal(t, http.StatusNoContent, res.Code)
	assert.Contains(t, res.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestLoginRateLimitReturns429(t *testing.T) {
	env := newTestAPI(t)
	body, err := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		env.handler.ServeHTTP(res, req)

		want := http.StatusUnauthorized
		if i == 5 {
			want = http.StatusTooManyRequests
		}
		require.Equal(t, want, res.Code, "attempt %d", i+1)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	env := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	env.handler.ServeHTTP(res, req)

	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestUnknownFieldsRejected(t *testing.T) {
	env := newTestAPI(t)

	rec, body := env.do(t, http.MethodPut, "/api/v1/stock", env.admin, `{"product_id":1,"quantity":3,"warehouse":"b"}`)
	expectStatus(t, rec, http.StatusBadRequest)
	assert.Contains(t, fmt.Sprint(body["message"]), "warehouse")
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	env := newTestAPI(t)
	res := httptest.NewRecorder()

	env.api.writeServiceError(res, errors.New("pq: relation \"orders\" does not exist"))

	assert.Equal(t, http.StatusInternalServerError, res.Code)
	assert.NotContains(t, res.Body.String(), "relation")
}

func TestParseDateAcceptsDayAndTimestamp(t *testing.T) {
	day, err := parseDate("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, day.Day())
	assert.Equal(t, 3, int(day.Month()))

	ts, err := parseDate("2026-03-01T10:30:00+07:00")
	require.NoError(t, err)
	assert.Equal(t, 3, ts.Hour(), "timestamp normalised to UTC")

	_, err = parseDate("")
	assert.Error(t, err)
}
