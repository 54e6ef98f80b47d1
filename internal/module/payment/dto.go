package payment

import (
	"time"

	"github.com/blockcart/server/internal/module/payment/provider"
	"github.com/google/uuid"
)

// CreateInvoiceRequest represents a request to create a payment invoice.
type CreateInvoiceRequest struct {
	Currency string `json:"currency"`
}

// InvoiceResponse represents an invoice in API responses.
type InvoiceResponse struct {
	ID                uuid.UUID       `json:"id"`
	OrderID           uuid.UUID       `json:"order_id"`
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"provider_reference"`
	Status            provider.Status `json:"status"`
	Confirmations     int             `json:"confirmations"`
	TxID              *string         `json:"txid,omitempty"`
	Amount            int64           `json:"amount"`
	ReceivedAmount    int64           `json:"received_amount"`
	AmountDue         int64           `json:"amount_due"`
	Currency          string          `json:"currency"`
	ExpiresAt         time.Time       `json:"expires_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ToResponse converts an Invoice to InvoiceResponse.
func (i *Invoice) ToResponse() *InvoiceResponse {
	return &InvoiceResponse{
		ID:                i.ID,
		OrderID:           i.OrderID,
		Provider:          i.Provider,
		ProviderReference: i.ProviderReference,
		Status:            i.Status,
		Confirmations:     i.Confirmations,
		TxID:              i.TxID,
		Amount:            i.Amount,
		ReceivedAmount:    i.ReceivedAmount,
		AmountDue:         i.AmountDue(),
		Currency:          i.Currency,
		ExpiresAt:         i.ExpiresAt,
		CreatedAt:         i.CreatedAt,
	}
}
