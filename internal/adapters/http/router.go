// Package http serves the order API over gin.
package http

import (
	"context"
	"net/http"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// API is the application surface the handlers call.
type API interface {
	CreateOrder(ctx context.Context, customerID string, in orders.CreateOrderInput) (saga.Order, error)
	GetOrder(ctx context.Context, customerID, orderID string) (saga.Order, error)
	ListOrders(ctx context.Context, customerID string) ([]saga.Order, error)
	CancelOrder(ctx context.Context, customerID, orderID string) (saga.Order, error)
	RetryPayment(ctx context.Context, customerID, orderID string, method saga.PaymentMethod) (saga.Order, error)
	SubmitPayment(ctx context.Context, customerID, orderID string, amount *decimal.Decimal, method saga.PaymentMethod) (saga.Order, error)
	PaymentView(ctx context.Context, customerID, orderID string) (orders.PaymentView, error)
	ShipmentView(ctx context.Context, customerID, orderID string) (orders.ShipmentView, error)
	ShipmentEvent(ctx context.Context, orderID string) error
}

// RouterConfig wires NewRouter.
type RouterConfig struct {
	API          API
	Auth         *Authenticator
	Limiter      *orders.RateLimiter
	LimitWait    time.Duration
	CarrierToken string
	Metrics      *observability.Metrics
	Logger       logrus.FieldLogger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "", "")
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(cfg.Logger), Metrics(cfg.Metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handler{api: cfg.API, validate: newValidator()}
	limited := r.Group("/", RateLimit(cfg.Limiter, cfg.LimitWait))

	customer := limited.Group("/", cfg.Auth.Require())
	{
		customer.POST("/orders", h.createOrder)
		customer.GET("/orders", h.listOrders)
		customer.GET("/orders/:id", h.getOrder)
		customer.POST("/orders/:id/cancel", h.cancelOrder)
		customer.POST("/orders/:id/retry-payment", h.retryPayment)
		customer.POST("/payments", h.submitPayment)
		customer.GET("/payments/order/:id", h.paymentView)
		customer.GET("/shipments/order/:id", h.shipmentView)
	}

	limited.POST("/shipments/order/:id/events", RequireCarrierToken(cfg.CarrierToken), h.shipmentEvent)
	return r
}

type handler struct {
	api      API
	validate *validatorv10.Validate
}

func (h *handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if !bindAndValidate(c, &req, h.validate) {
		return
	}
	order, err := h.api.CreateOrder(c.Request.Context(), customerID(c), req.input())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *handler) listOrders(c *gin.Context) {
	list, err := h.api.ListOrders(c.Request.Context(), customerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []saga.Order{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) getOrder(c *gin.Context) {
	order, err := h.api.GetOrder(c.Request.Context(), customerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *handler) cancelOrder(c *gin.Context) {
	order, err := h.api.CancelOrder(c.Request.Context(), customerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *handler) retryPayment(c *gin.Context) {
	var req paymentRequest
	if !bindAndValidate(c, &req, h.validate) {
		return
	}
	order, err := h.api.RetryPayment(c.Request.Context(), customerID(c), c.Param("id"), req.method())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *handler) submitPayment(c *gin.Context) {
	var req submitPaymentRequest
	if !bindAndValidate(c, &req, h.validate) {
		return
	}
	if _, err := h.api.SubmitPayment(c.Request.Context(), customerID(c), req.OrderID, req.Amount, req.method()); err != nil {
		writeError(c, err)
		return
	}
	view, err := h.api.PaymentView(c.Request.Context(), customerID(c), req.OrderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (h *handler) paymentView(c *gin.Context) {
	view, err := h.api.PaymentView(c.Request.Context(), customerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) shipmentView(c *gin.Context) {
	view, err := h.api.ShipmentView(c.Request.Context(), customerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) shipmentEvent(c *gin.Context) {
	if err := h.api.ShipmentEvent(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_id": c.Param("id"), "status": "accepted"})
}
