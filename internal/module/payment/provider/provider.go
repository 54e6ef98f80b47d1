// Package provider defines the payment gateway contract and its implementations.
package provider

import (
	"context"
	"errors"
	"time"
)

// Status of an invoice as reported by a payment gateway.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
	StatusNotFound  Status = "not_found"
)

// Terminal returns true when no further provider-driven mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired
}

// InvoiceSnapshot is the gateway's view of a freshly created invoice.
type InvoiceSnapshot struct {
	ProviderReference string
	Status            Status
	Amount            int64
	Currency          string
	ExpiresAt         time.Time
}

// VerificationResult is the gateway's view of an invoice at observation time.
// Confirmation counts may legitimately increase between observations; nothing
// else moves backwards while the invoice is alive.
type VerificationResult struct {
	Status         Status `json:"status"`
	Confirmations  int    `json:"confirmations"`
	TxID           string `json:"txid,omitempty"`
	ReceivedAmount int64  `json:"received_amount"`
	AmountDue      int64  `json:"amount_due"`
	IsExpired      bool   `json:"is_expired"`
}

// Sentinel errors surfaced by gateways.
var (
	// ErrUnsupportedCurrency is returned at invoice creation for currencies
	// outside the gateway's supported set. Never retried.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	// ErrInvoiceNotFound is returned when the gateway has no record of the
	// reference (expired from its bookkeeping or never issued).
	ErrInvoiceNotFound = errors.New("invoice not found at gateway")
	// ErrUnavailable is returned when the gateway cannot be reached.
	ErrUnavailable = errors.New("gateway unavailable")
)

// Gateway defines the capability set of a payment provider.
type Gateway interface {
	// Name returns the gateway name.
	Name() string

	// CreateInvoice creates a fresh invoice for an order. Fails with
	// ErrUnsupportedCurrency for currencies outside SupportedCurrencies.
	CreateInvoice(ctx context.Context, orderID string, amount int64, currency string) (*InvoiceSnapshot, error)

	// VerifyInvoice reports the current state of an invoice. Fails with
	// ErrInvoiceNotFound when the gateway no longer knows the reference.
	// Safe to call repeatedly.
	VerifyInvoice(ctx context.Context, providerReference string) (*VerificationResult, error)

	// VerifyWebhookSignature checks an HMAC signature over the raw payload
	// in constant time.
	VerifyWebhookSignature(payload []byte, signature string) bool

	// SupportedCurrencies returns the currency codes the gateway accepts.
	SupportedCurrencies() []string

	// IsAvailable reports whether the gateway can currently serve calls.
	IsAvailable(ctx context.Context) bool
}
