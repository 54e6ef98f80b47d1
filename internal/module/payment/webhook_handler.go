package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Gateway-Signature"

// WebhookHandler handles inbound gateway webhooks. Webhook routes are not
// behind user authentication; the HMAC signature is the authentication.
type WebhookHandler struct {
	service *Service
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(service *Service) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// RegisterRoutes registers webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:provider", h.Receive)
}

// Receive processes one webhook delivery.
func (h *WebhookHandler) Receive(c *gin.Context) {
	providerName := c.Param("provider")
	signature := c.GetHeader(SignatureHeader)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	result, err := h.service.HandleWebhook(c.Request.Context(), providerName, payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureInvalid):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		case errors.Is(err, ErrProviderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
		case errors.Is(err, ErrInvoiceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_invoice"})
		default:
			// 5xx asks the gateway to redeliver; dedup makes that safe.
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		}
		return
	}

	status := "processed"
	if result.Duplicate {
		status = "already_processed"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "event_id": result.EventID})
}
