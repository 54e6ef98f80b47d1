package payment

import (
	"errors"
	"net/http"

	"github.com/blockcart/server/internal/module/order"
	"github.com/blockcart/server/internal/module/payment/provider"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler handles HTTP requests for payments.
type Handler struct {
	service *Service
	orders  OrderService
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service, orders OrderService) *Handler {
	return &Handler{service: service, orders: orders}
}

// RegisterProtectedRoutes registers payment routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	orders := r.Group("/orders")
	{
		orders.POST("/:id/invoice", h.CreateInvoice)
		orders.GET("/:id/invoice", h.GetInvoice)
	}
	r.GET("/payment/currencies", h.ListCurrencies)
}

// CreateInvoice creates a payment invoice for an order, returning the
// existing invoice if one is still active.
func (h *Handler) CreateInvoice(c *gin.Context) {
	orderID, ok := h.authorizeOrder(c)
	if !ok {
		return
	}

	// Body is optional; currency defaults to the order's.
	var req CreateInvoiceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	invoice, err := h.service.CreateInvoice(c.Request.Context(), orderID, req.Currency)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"invoice": invoice.ToResponse()})
}

// GetInvoice returns the current invoice for an order, refreshed against the
// gateway when still active.
func (h *Handler) GetInvoice(c *gin.Context) {
	orderID, ok := h.authorizeOrder(c)
	if !ok {
		return
	}

	invoice, err := h.service.GetInvoiceForOrder(c.Request.Context(), orderID)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, invoice.ToResponse())
}

// ListCurrencies returns the currency codes the default gateway accepts.
func (h *Handler) ListCurrencies(c *gin.Context) {
	currencies, err := h.service.SupportedCurrencies()
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currencies": currencies})
}

// authorizeOrder parses the order ID and verifies the caller owns the order.
func (h *Handler) authorizeOrder(c *gin.Context) (uuid.UUID, bool) {
	userID := getUserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return uuid.Nil, false
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order ID"})
		return uuid.Nil, false
	}

	ord, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		handlePaymentError(c, err)
		return uuid.Nil, false
	}
	if ord.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return uuid.Nil, false
	}
	return orderID, true
}

// --- Helpers ---

func getUserID(c *gin.Context) uuid.UUID {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return userID
}

func handlePaymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
	case errors.Is(err, ErrInvoiceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice_not_found"})
	case errors.Is(err, ErrOrderNotPayable):
		c.JSON(http.StatusConflict, gin.H{"error": "order_not_payable"})
	case errors.Is(err, provider.ErrUnsupportedCurrency):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_currency"})
	case errors.Is(err, provider.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable"})
	case errors.Is(err, ErrProviderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "provider_not_found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
