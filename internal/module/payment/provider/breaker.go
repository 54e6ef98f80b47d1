package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerConfig holds circuit breaker tuning for a gateway.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
}

// WithBreaker wraps a gateway so that repeated transport failures open a
// circuit and fail fast with ErrUnavailable instead of hammering a flaky
// provider. Business errors (unsupported currency, unknown invoice) do not
// count as failures.
type WithBreaker struct {
	inner   Gateway
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
}

// NewWithBreaker wraps the gateway with a circuit breaker.
func NewWithBreaker(inner Gateway, cfg BreakerConfig, logger *zap.Logger) *WithBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    inner.Name() + "-gateway",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrUnsupportedCurrency) ||
				errors.Is(err, ErrInvoiceNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit state changed",
				zap.String("gateway", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &WithBreaker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		logger:  logger,
	}
}

// Name returns the wrapped gateway's name.
func (w *WithBreaker) Name() string {
	return w.inner.Name()
}

// SupportedCurrencies returns the wrapped gateway's supported currencies.
func (w *WithBreaker) SupportedCurrencies() []string {
	return w.inner.SupportedCurrencies()
}

// VerifyWebhookSignature verifies locally; no remote call, no breaker.
func (w *WithBreaker) VerifyWebhookSignature(payload []byte, signature string) bool {
	return w.inner.VerifyWebhookSignature(payload, signature)
}

// IsAvailable reports availability, honoring the circuit state.
func (w *WithBreaker) IsAvailable(ctx context.Context) bool {
	if w.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return w.inner.IsAvailable(ctx)
}

// CreateInvoice creates an invoice through the circuit.
func (w *WithBreaker) CreateInvoice(ctx context.Context, orderID string, amount int64, currency string) (*InvoiceSnapshot, error) {
	out, err := w.breaker.Execute(func() (any, error) {
		return w.inner.CreateInvoice(ctx, orderID, amount, currency)
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return out.(*InvoiceSnapshot), nil
}

// VerifyInvoice verifies an invoice through the circuit.
func (w *WithBreaker) VerifyInvoice(ctx context.Context, providerReference string) (*VerificationResult, error) {
	out, err := w.breaker.Execute(func() (any, error) {
		return w.inner.VerifyInvoice(ctx, providerReference)
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return out.(*VerificationResult), nil
}

func wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
