package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fulfillment/internal/app"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/runner"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// inlineScheduler advances orders synchronously so handlers observe saga
// progress without a background runner.
type inlineScheduler struct {
	orch *orders.Orchestrator
}

func (s inlineScheduler) Do(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

func (s inlineScheduler) Trigger(orderID string) {
	_ = s.orch.Advance(context.Background(), orderID)
}

type testEnv struct {
	router  *gin.Engine
	metrics *observability.Metrics
	pay     *orders.InMemoryPaymentClient
}

func newTestEnv(t *testing.T, auth *Authenticator) testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	metrics := observability.NewMetrics()
	pay := orders.NewInMemoryPaymentClient()
	orch := orders.NewOrchestrator(orders.Config{
		Store:     saga.NewMemoryStore(),
		Inventory: orders.NewInMemoryInventoryClient(map[string]int{"p1": 10}),
		Payments:  pay,
		Shipping:  orders.NewInMemoryShippingClient(),
		Metrics:   metrics,
		Logger:    logger,
	})
	svc := app.NewService(orch, inlineScheduler{orch: orch}, logger)
	router := NewRouter(RouterConfig{API: svc, Auth: auth, Metrics: metrics, Logger: logger})
	return testEnv{router: router, metrics: metrics, pay: pay}
}

func (e testEnv) do(t *testing.T, method, path, customer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if customer != "" {
		req.Header.Set(customerIDHdr, customer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

const orderBody = `{"shipping_address":"1 Main St","items":[{"product_id":"p1","quantity":2,"unit_price":"10.00"}]}`

const cardBody = `"payment_method":"card","card_number":"4242424242424242","expiry_month":12,"expiry_year":2099,"cvv":"123"`

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateOrder_ThenPayAndShip(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/orders", "cust-1", orderBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	created := decode[saga.Order](t, rec)
	if created.Status != saga.StatusCreated || created.TotalAmount.StringFixed(2) != "20.00" {
		t.Fatalf("unexpected order: %+v", created)
	}
	if rec.Header().Get(requestIDHdr) == "" {
		t.Fatalf("expected request id header")
	}

	rec = env.do(t, http.MethodGet, "/orders/"+created.ID, "cust-1", "")
	if got := decode[saga.Order](t, rec); got.Status != saga.StatusInventoryChecked {
		t.Fatalf("expected INVENTORY_CHECKED awaiting payment, got %s", got.Status)
	}

	rec = env.do(t, http.MethodPost, "/payments", "cust-1", fmt.Sprintf(`{"order_id":%q,"amount":"20.00",%s}`, created.ID, cardBody))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	view := decode[orders.PaymentView](t, rec)
	if view.CardNumber != "************4242" {
		t.Fatalf("expected masked card, got %q", view.CardNumber)
	}

	rec = env.do(t, http.MethodGet, "/shipments/order/"+created.ID, "cust-1", "")
	if got := decode[orders.ShipmentView](t, rec); got.Status != "SCHEDULED" {
		t.Fatalf("expected SCHEDULED shipment, got %+v", got)
	}

	rec = env.do(t, http.MethodGet, "/orders", "cust-1", "")
	if list := decode[[]saga.Order](t, rec); len(list) != 1 || list[0].Status != saga.StatusShippingScheduled {
		t.Fatalf("unexpected list: %+v", list)
	}
	if env.pay.Charges(created.ID) != 1 {
		t.Fatalf("expected one charge")
	}

	series, err := testutil.GatherAndCount(env.metrics.Registry(), "fulfillment_http_requests_total")
	if err != nil || series < 4 {
		t.Fatalf("expected a request series per route, got %d (err=%v)", series, err)
	}
}

func TestCreateOrder_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/orders", "cust-1", `{"items":[{"product_id":"p1","quantity":0}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decode[errorResponse](t, rec)
	if body.Error != "validation_failed" || body.Fields["shipping_address"] == "" || body.Fields["items[0].quantity"] == "" {
		t.Fatalf("unexpected fields: %+v", body)
	}

	rec = env.do(t, http.MethodPost, "/orders", "cust-1", `{not json`)
	if rec.Code != http.StatusBadRequest || decode[errorResponse](t, rec).Error != "invalid_request_body" {
		t.Fatalf("expected invalid body error, got %d %s", rec.Code, rec.Body)
	}

	bad := `{"shipping_address":"x","items":[{"product_id":"p1","quantity":1,"unit_price":"1"}],"payment":{"payment_method":"card","card_number":"4242424242424241","expiry_month":12,"expiry_year":2099,"cvv":"123"}}`
	rec = env.do(t, http.MethodPost, "/orders", "cust-1", bad)
	if rec.Code != http.StatusBadRequest || decode[errorResponse](t, rec).Fields["card_number"] == "" {
		t.Fatalf("expected card checksum error, got %d %s", rec.Code, rec.Body)
	}
}

func TestOrders_ScopedToCustomer(t *testing.T) {
	env := newTestEnv(t, nil)
	created := decode[saga.Order](t, env.do(t, http.MethodPost, "/orders", "cust-1", orderBody))

	if rec := env.do(t, http.MethodGet, "/orders/"+created.ID, "cust-2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign order, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/orders", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without customer, got %d", rec.Code)
	}
}

func TestCancelAndRetryConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	created := decode[saga.Order](t, env.do(t, http.MethodPost, "/orders", "cust-1", orderBody))

	rec := env.do(t, http.MethodPost, "/orders/"+created.ID+"/cancel", "cust-1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a reserved order, got %d: %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodPost, "/orders/"+created.ID+"/retry-payment", "cust-1", "{"+cardBody+"}")
	if rec.Code != http.StatusConflict || decode[errorResponse](t, rec).Error != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d: %s", rec.Code, rec.Body)
	}
}

func TestSubmitPayment_AmountMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	created := decode[saga.Order](t, env.do(t, http.MethodPost, "/orders", "cust-1", orderBody))

	rec := env.do(t, http.MethodPost, "/payments", "cust-1", fmt.Sprintf(`{"order_id":%q,"amount":"5.00",%s}`, created.ID, cardBody))
	if rec.Code != http.StatusBadRequest || decode[errorResponse](t, rec).Fields["amount"] == "" {
		t.Fatalf("expected amount mismatch, got %d: %s", rec.Code, rec.Body)
	}
}

func TestShipmentEventWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	created := decode[saga.Order](t, env.do(t, http.MethodPost, "/orders", "cust-1", orderBody))

	if rec := env.do(t, http.MethodPost, "/shipments/order/"+created.ID+"/events", "", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/shipments/order/missing/events", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCarrierToken(t *testing.T) {
	r := gin.New()
	r.POST("/hook", RequireCarrierToken("s3cret"), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	req := httptest.NewRequest(http.MethodPost, "/hook", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/hook", nil)
	req.Header.Set(carrierAuthHdr, "s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func signToken(t *testing.T, secret, subject string, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestAuthenticator_JWT(t *testing.T) {
	env := newTestEnv(t, NewAuthenticator("secret", "", ""))

	call := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(orderBody))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set(customerIDHdr, "spoofed")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	rec := call(signToken(t, "secret", "cust-9", jwt.SigningMethodHS256))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if got := decode[saga.Order](t, rec); got.CustomerID != "cust-9" {
		t.Fatalf("expected customer from token subject, got %q", got.CustomerID)
	}

	if rec := call(signToken(t, "wrong", "cust-9", jwt.SigningMethodHS256)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
	if rec := call(signToken(t, "secret", "cust-9", jwt.SigningMethodHS512)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unexpected algorithm, got %d", rec.Code)
	}
	if rec := call(signToken(t, "secret", "", jwt.SigningMethodHS256)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without subject, got %d", rec.Code)
	}
	if rec := call(""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := orders.NewRateLimiter(time.Hour, 1, nil)
	r := gin.New()
	r.GET("/x", RateLimit(limiter, 10*time.Millisecond), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestWriteError_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&orders.ValidationError{Fields: map[string]string{"x": "bad"}}, http.StatusBadRequest},
		{fmt.Errorf("load: %w", saga.ErrNotFound), http.StatusNotFound},
		{orders.ErrInventoryReleased, http.StatusConflict},
		{saga.ErrVersionConflict, http.StatusConflict},
		{runner.ErrLeaseHeld, http.StatusServiceUnavailable},
		{orders.Transient(fmt.Errorf("inventory 503")), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		writeError(c, tc.err)
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
	}
}
