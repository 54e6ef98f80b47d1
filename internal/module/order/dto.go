package order

import (
	"time"

	"github.com/google/uuid"
)

// CreateOrderRequest represents a request to create an order.
type CreateOrderRequest struct {
	Total    int64  `json:"total" binding:"required,min=1"` // In minor units
	Currency string `json:"currency" binding:"required"`
}

// OrderResponse represents an order in API responses.
type OrderResponse struct {
	ID        uuid.UUID  `json:"id"`
	OrderNo   string     `json:"order_no"`
	Status    Status     `json:"status"`
	Total     int64      `json:"total"`
	Currency  string     `json:"currency"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ToResponse converts an Order to OrderResponse.
func (o *Order) ToResponse() *OrderResponse {
	return &OrderResponse{
		ID:        o.ID,
		OrderNo:   o.OrderNo,
		Status:    o.Status,
		Total:     o.Total,
		Currency:  o.Currency,
		PaidAt:    o.PaidAt,
		CreatedAt: o.CreatedAt,
	}
}
