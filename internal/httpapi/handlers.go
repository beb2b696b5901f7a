// Package httpapi exposes the order workflow over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/buildtall-systems/vendorder/internal/metrics"
	"github.com/buildtall-systems/vendorder/internal/orders"
	"github.com/buildtall-systems/vendorder/internal/payment"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader makes POST /orders safe to retry.
const IdempotencyKeyHeader = "Idempotency-Key"

// OrderService is the workflow behind the routes.
type OrderService interface {
	CreateOrder(ctx context.Context, req orders.CreateOrderRequest, idempotencyKey string) (*db.Order, bool, error)
	GetOrder(ctx context.Context, orderID string) (*db.Order, error)
	AuthorizeOrder(ctx context.Context, orderID string) (*orders.AuthorizeResult, error)
	StartPayment(ctx context.Context, orderID string) (*payment.Result, error)
	ClaimNextCommand(ctx context.Context, machineID string) (*db.Command, error)
}

type Handler struct {
	svc    OrderService
	logger *zap.Logger
}

func NewHandler(svc OrderService, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(h *Handler, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware(serviceName))
	router.Use(LoggerMiddleware(h.logger))
	router.Use(metrics.MetricsMiddleware())

	router.GET("/health", HealthCheck)
	router.GET("/metrics", metrics.PrometheusHandler())

	router.POST("/orders", h.CreateOrder)
	router.GET("/orders/:order_id", h.GetOrder)
	router.POST("/orders/:order_id/authorize", h.AuthorizeOrder)
	router.POST("/orders/:order_id/start_payment", h.StartPayment)
	router.GET("/machines/:machine_id/commands/next", h.ClaimNextCommand)

	return router
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	order, replayed, err := h.svc.CreateOrder(c.Request.Context(), req.toService(), c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, newOrderResponse(order))
}

func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.svc.GetOrder(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(order))
}

func (h *Handler) AuthorizeOrder(c *gin.Context) {
	res, err := h.svc.AuthorizeOrder(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAuthorizeResponse(res))
}

func (h *Handler) StartPayment(c *gin.Context) {
	res, err := h.svc.StartPayment(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStartPaymentResponse(res))
}

func (h *Handler) ClaimNextCommand(c *gin.Context) {
	cmd, err := h.svc.ClaimNextCommand(c.Request.Context(), c.Param("machine_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if cmd == nil {
		c.JSON(http.StatusOK, gin.H{"status": "NO_COMMAND"})
		return
	}
	c.JSON(http.StatusOK, newCommandResponse(cmd))
}

// statusFor maps the service error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrInvalidRequest),
		errors.Is(err, orders.ErrInvalidState),
		errors.Is(err, orders.ErrPrecondition):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, orders.ErrUpstreamRetryable):
		return http.StatusServiceUnavailable
	case errors.Is(err, orders.ErrUpstreamRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)

	var svcErr *orders.Error
	if status == http.StatusInternalServerError || !errors.As(err, &svcErr) {
		c.JSON(status, errorResponse{Error: "Internal server error"})
		return
	}
	c.JSON(status, errorResponse{Error: svcErr.Message})
}
