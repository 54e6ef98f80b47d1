package payment

import (
	"time"

	"github.com/blockcart/server/internal/module/payment/provider"
	"github.com/google/uuid"
)

// Invoice is a request for payment of a specific amount, tied to one order
// attempt and tracked against an external payment gateway by opaque reference.
// Invoices are never deleted; they are retained for audit.
type Invoice struct {
	ID                uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrderID           uuid.UUID       `json:"order_id" gorm:"type:uuid;not null;index"`
	Provider          string          `json:"provider" gorm:"not null;default:mock"`
	ProviderReference string          `json:"provider_reference" gorm:"uniqueIndex;not null"`
	Status            provider.Status `json:"status" gorm:"not null;default:pending;index"`
	Confirmations     int             `json:"confirmations" gorm:"default:0"`
	TxID              *string         `json:"txid,omitempty"`
	Amount            int64           `json:"amount"` // In minor units
	ReceivedAmount    int64           `json:"received_amount" gorm:"default:0"`
	Currency          string          `json:"currency" gorm:"not null"`
	ExpiresAt         time.Time       `json:"expires_at" gorm:"index"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TableName returns the database table name.
func (Invoice) TableName() string {
	return "payment_invoices"
}

// AmountDue returns the outstanding amount. Never negative.
func (i *Invoice) AmountDue() int64 {
	due := i.Amount - i.ReceivedAmount
	if due < 0 {
		return 0
	}
	return due
}

// IsTerminal returns true once the invoice reached a status the reconciliation
// pipeline never mutates again.
func (i *Invoice) IsTerminal() bool {
	return i.Status.Terminal()
}

// IsActive returns true while the invoice is neither terminal nor past expiry.
func (i *Invoice) IsActive(now time.Time) bool {
	return !i.IsTerminal() && now.Before(i.ExpiresAt)
}

// WebhookEvent is a stored gateway webhook delivery, kept for idempotent
// processing and audit.
type WebhookEvent struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Provider          string    `gorm:"not null;uniqueIndex:idx_provider_event"`
	EventID           string    `gorm:"not null;uniqueIndex:idx_provider_event"`
	ProviderReference string    `gorm:"index"`
	Data              string    `gorm:"type:jsonb"`
	Processed         bool      `gorm:"default:false"`
	ProcessedAt       *time.Time
	Error             *string
	CreatedAt         time.Time
}

// TableName returns the database table name.
func (WebhookEvent) TableName() string {
	return "payment_webhook_events"
}
