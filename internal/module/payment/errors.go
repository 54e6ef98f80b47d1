package payment

import "errors"

var (
	// ErrInvoiceNotFound is returned when no local invoice record exists.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrProviderNotFound is returned when no gateway is registered under the name.
	ErrProviderNotFound = errors.New("payment provider not found")
	// ErrOrderNotPayable is returned when the owning order no longer accepts invoices.
	ErrOrderNotPayable = errors.New("order is not payable")
	// ErrSignatureInvalid is returned for webhook payloads failing signature verification.
	ErrSignatureInvalid = errors.New("invalid webhook signature")
	// ErrDuplicateWebhookEvent is returned when a webhook delivery was already recorded.
	ErrDuplicateWebhookEvent = errors.New("webhook event already received")
)
