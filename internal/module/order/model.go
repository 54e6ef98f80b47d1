package order

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the status of an order.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaidConfirmed  Status = "paid_confirmed"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusCancelled      Status = "cancelled"
)

// Order represents a purchase order. Only the payment-relevant slice of the
// order domain lives here; catalog, cart and fulfillment data are owned elsewhere.
type Order struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrderNo   string     `json:"order_no" gorm:"uniqueIndex;not null"`
	UserID    uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;index"`
	Status    Status     `json:"status" gorm:"not null;default:pending_payment"`
	Total     int64      `json:"total"` // In minor units
	Currency  string     `json:"currency" gorm:"not null"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (Order) TableName() string {
	return "orders"
}

// IsPendingPayment returns true if the order is awaiting payment.
func (o *Order) IsPendingPayment() bool {
	return o.Status == StatusPendingPayment
}

// IsPayable returns true if further invoices may be created for the order.
func (o *Order) IsPayable() bool {
	return o.Status == StatusPendingPayment
}
