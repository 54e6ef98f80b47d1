package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blockcart/server/internal/shared/cache"
	"github.com/blockcart/server/internal/shared/clock"
)

// requiredConfirmations is the settlement depth at which an invoice is final.
// 1 to 5 confirmations mean funds were seen but are not yet final.
const requiredConfirmations = 6

const mockStateKeyPrefix = "gateway:mock:invoice:"

// MockConfig holds mock gateway configuration.
type MockConfig struct {
	// WebhookSecret is the shared HMAC-SHA256 secret for webhook signatures.
	WebhookSecret string
	// SupportedCurrencies lists accepted currency codes.
	SupportedCurrencies []string
	// InvoiceTTL is how long a created invoice stays payable.
	InvoiceTTL time.Duration
	// StateRetention is how long gateway-side invoice state is kept.
	StateRetention time.Duration
}

// mockInvoiceState is the gateway-side record kept per provider reference.
type mockInvoiceState struct {
	OrderID       string    `json:"order_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Confirmations int       `json:"confirmations"`
	TxID          string    `json:"txid,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Mock is a deterministic gateway for development and testing. Invoice state
// lives in an injected key-value store with a bounded retention window, and
// time flows through an injected clock, so confirmation and expiry behavior
// is fully scriptable.
type Mock struct {
	store      cache.Store
	clock      clock.Clock
	secret     []byte
	currencies []string
	ttl        time.Duration
	retention  time.Duration
}

// NewMock creates a mock gateway.
func NewMock(store cache.Store, clk clock.Clock, cfg MockConfig) *Mock {
	ttl := cfg.InvoiceTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	retention := cfg.StateRetention
	if retention <= 0 {
		retention = time.Hour
	}

	currencies := make([]string, len(cfg.SupportedCurrencies))
	for i, c := range cfg.SupportedCurrencies {
		currencies[i] = strings.ToUpper(c)
	}

	return &Mock{
		store:      store,
		clock:      clk,
		secret:     []byte(cfg.WebhookSecret),
		currencies: currencies,
		ttl:        ttl,
		retention:  retention,
	}
}

// Name returns the gateway name.
func (m *Mock) Name() string {
	return "mock"
}

// SupportedCurrencies returns the currency codes the gateway accepts.
func (m *Mock) SupportedCurrencies() []string {
	out := make([]string, len(m.currencies))
	copy(out, m.currencies)
	return out
}

// IsAvailable reports whether the gateway can serve calls.
func (m *Mock) IsAvailable(ctx context.Context) bool {
	return m.store != nil
}

// CreateInvoice creates a fresh pending invoice under a new provider reference.
func (m *Mock) CreateInvoice(ctx context.Context, orderID string, amount int64, currency string) (*InvoiceSnapshot, error) {
	currency = strings.ToUpper(currency)
	if !m.supports(currency) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}

	ref, err := newReference()
	if err != nil {
		return nil, fmt.Errorf("generate reference: %w", err)
	}

	now := m.clock.Now()
	state := &mockInvoiceState{
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.saveState(ctx, ref, state); err != nil {
		return nil, fmt.Errorf("save invoice state: %w", err)
	}

	return &InvoiceSnapshot{
		ProviderReference: ref,
		Status:            StatusPending,
		Amount:            amount,
		Currency:          currency,
		ExpiresAt:         state.ExpiresAt,
	}, nil
}

// VerifyInvoice reports the invoice's current state. Observing funds for the
// first time assigns the txid; any non-zero confirmation count reports the
// full amount as received (funds seen, awaiting finality).
func (m *Mock) VerifyInvoice(ctx context.Context, providerReference string) (*VerificationResult, error) {
	state, err := m.loadState(ctx, providerReference)
	if err != nil {
		return nil, err
	}

	if state.Confirmations > 0 && state.TxID == "" {
		txid, err := newTxID()
		if err != nil {
			return nil, fmt.Errorf("generate txid: %w", err)
		}
		state.TxID = txid
		if err := m.saveState(ctx, providerReference, state); err != nil {
			return nil, fmt.Errorf("save invoice state: %w", err)
		}
	}

	result := &VerificationResult{
		Confirmations: state.Confirmations,
		TxID:          state.TxID,
	}

	switch {
	case state.Confirmations >= requiredConfirmations:
		result.Status = StatusConfirmed
		result.ReceivedAmount = state.Amount
	case state.Confirmations > 0:
		result.Status = StatusPartial
		result.ReceivedAmount = state.Amount
	default:
		result.Status = StatusPending
	}

	// Expiry overrides the confirmation-derived status for reporting.
	if m.clock.Now().After(state.ExpiresAt) {
		result.Status = StatusExpired
		result.IsExpired = true
	}

	result.AmountDue = state.Amount - result.ReceivedAmount
	return result, nil
}

// VerifyWebhookSignature checks an HMAC-SHA256 hex signature over the payload.
// The comparison is constant time.
func (m *Mock) VerifyWebhookSignature(payload []byte, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

// SignWebhookPayload produces the hex HMAC-SHA256 signature for a payload.
// Used by development tooling and tests to forge provider callbacks.
func (m *Mock) SignWebhookPayload(payload []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SetConfirmations sets the gateway-side confirmation count for an invoice.
// Simulation hook for development and tests.
func (m *Mock) SetConfirmations(ctx context.Context, providerReference string, confirmations int) error {
	state, err := m.loadState(ctx, providerReference)
	if err != nil {
		return err
	}
	state.Confirmations = confirmations
	return m.saveState(ctx, providerReference, state)
}

// AdvanceConfirmations increments the gateway-side confirmation count.
func (m *Mock) AdvanceConfirmations(ctx context.Context, providerReference string, delta int) error {
	state, err := m.loadState(ctx, providerReference)
	if err != nil {
		return err
	}
	state.Confirmations += delta
	return m.saveState(ctx, providerReference, state)
}

// --- Internal helpers ---

func (m *Mock) supports(currency string) bool {
	for _, c := range m.currencies {
		if c == currency {
			return true
		}
	}
	return false
}

func (m *Mock) loadState(ctx context.Context, ref string) (*mockInvoiceState, error) {
	raw, err := m.store.Get(ctx, mockStateKeyPrefix+ref)
	if err != nil {
		if errors.Is(err, cache.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInvoiceNotFound, ref)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var state mockInvoiceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode invoice state: %w", err)
	}
	return &state, nil
}

func (m *Mock) saveState(ctx context.Context, ref string, state *mockInvoiceState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, mockStateKeyPrefix+ref, raw, m.retention); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
