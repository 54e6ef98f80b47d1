package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blockcart/server/internal/infra/queue"
	"github.com/blockcart/server/internal/module/order"
	"github.com/blockcart/server/internal/module/payment/provider"
	"github.com/blockcart/server/internal/shared/clock"
	"github.com/blockcart/server/internal/shared/database"
	"github.com/blockcart/server/internal/utils/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// LaneReconcile is the queue lane carrying verification tasks.
	LaneReconcile = "payment-reconcile"
	// TaskTypeVerifyInvoice is the task type for invoice status verification.
	TaskTypeVerifyInvoice = "invoice.verify"
)

// OrderService is the slice of order operations the payment module needs.
type OrderService interface {
	GetOrder(ctx context.Context, orderID uuid.UUID) (*order.Order, error)
	MarkPaidConfirmed(ctx context.Context, orderID uuid.UUID) error
	ReturnToPendingPayment(ctx context.Context, orderID uuid.UUID) error
}

// VerifyInvoicePayload is the task payload for a verification task.
type VerifyInvoicePayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
}

// WebhookResult reports what processing a webhook delivery did.
type WebhookResult struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// Service implements payment operations.
type Service struct {
	repo     Repository
	orders   OrderService
	registry *ProviderRegistry
	tx       database.TxManager
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewService creates a new payment service.
func NewService(
	repo Repository,
	orders OrderService,
	registry *ProviderRegistry,
	tx database.TxManager,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:     repo,
		orders:   orders,
		registry: registry,
		tx:       tx,
		clock:    clk,
		metrics:  m,
		logger:   logger,
	}
}

// CreateInvoice creates a payment invoice for an order, or returns the
// existing one while it is still active. Orders outside pending_payment are
// rejected with ErrOrderNotPayable.
func (s *Service) CreateInvoice(ctx context.Context, orderID uuid.UUID, currency string) (*Invoice, error) {
	ord, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ord.IsPayable() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, ord.OrderNo, ord.Status)
	}

	now := s.clock.Now()
	if existing, err := s.repo.GetLatestInvoiceForOrder(ctx, orderID); err == nil {
		if existing.IsActive(now) {
			return existing, nil
		}
	} else if !errors.Is(err, ErrInvoiceNotFound) {
		return nil, err
	}

	gateway, err := s.registry.Default()
	if err != nil {
		return nil, err
	}
	if currency == "" {
		currency = ord.Currency
	}

	snapshot, err := s.observeCreate(ctx, gateway, orderID.String(), ord.Total, currency)
	if err != nil {
		return nil, err
	}

	invoice := &Invoice{
		ID:                uuid.New(),
		OrderID:           orderID,
		Provider:          gateway.Name(),
		ProviderReference: snapshot.ProviderReference,
		Status:            snapshot.Status,
		Amount:            snapshot.Amount,
		Currency:          snapshot.Currency,
		ExpiresAt:         snapshot.ExpiresAt,
	}
	if err := s.repo.CreateInvoice(ctx, invoice); err != nil {
		return nil, err
	}

	s.logger.Info("invoice created",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("order_id", orderID.String()),
		zap.String("provider", invoice.Provider),
		zap.String("provider_reference", invoice.ProviderReference),
		zap.Int64("amount", invoice.Amount),
		zap.String("currency", invoice.Currency),
	)
	return invoice, nil
}

// GetInvoiceForOrder returns the latest invoice for an order, refreshed
// against the gateway when it is not yet terminal. A gateway that no longer
// knows the reference yields a not_found status on the returned view without
// touching the stored record.
func (s *Service) GetInvoiceForOrder(ctx context.Context, orderID uuid.UUID) (*Invoice, error) {
	invoice, err := s.repo.GetLatestInvoiceForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if invoice.IsTerminal() {
		return invoice, nil
	}

	gateway, err := s.registry.Get(invoice.Provider)
	if err != nil {
		return nil, err
	}

	result, err := s.observeVerify(ctx, gateway, invoice.ProviderReference)
	if err != nil {
		if errors.Is(err, provider.ErrInvoiceNotFound) {
			view := *invoice
			view.Status = provider.StatusNotFound
			return &view, nil
		}
		// Gateway trouble: serve the stored view rather than failing the read.
		s.logger.Warn("live verification failed, serving stored invoice",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
		return invoice, nil
	}

	if err := s.ApplyVerification(ctx, invoice.ID, result); err != nil {
		return nil, err
	}
	return s.repo.GetInvoice(ctx, invoice.ID)
}

// ApplyVerification applies a gateway verification result to an invoice and
// its order in one transaction. Idempotent: applying the same result twice
// leaves the same state. Invoices already terminal are never mutated.
func (s *Service) ApplyVerification(ctx context.Context, invoiceID uuid.UUID, result *provider.VerificationResult) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		invoice, err := s.repo.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.IsTerminal() {
			return nil
		}

		prev := invoice.Status

		newStatus := result.Status
		if result.IsExpired {
			newStatus = provider.StatusExpired
		}

		invoice.Status = newStatus
		if result.Confirmations > invoice.Confirmations {
			invoice.Confirmations = result.Confirmations
		}
		if result.TxID != "" {
			txid := result.TxID
			invoice.TxID = &txid
		}
		if result.ReceivedAmount > invoice.ReceivedAmount {
			invoice.ReceivedAmount = result.ReceivedAmount
		}

		if err := s.repo.UpdateInvoice(ctx, invoice); err != nil {
			return err
		}

		switch newStatus {
		case provider.StatusConfirmed:
			if err := s.transitionOrder(ctx, invoice, s.orders.MarkPaidConfirmed); err != nil {
				return err
			}
		case provider.StatusExpired:
			if err := s.transitionOrder(ctx, invoice, s.orders.ReturnToPendingPayment); err != nil {
				return err
			}
		}

		if prev != newStatus {
			s.metrics.InvoiceTransitions.WithLabelValues(string(prev), string(newStatus)).Inc()
			s.logger.Info("invoice status applied",
				zap.String("invoice_id", invoice.ID.String()),
				zap.String("order_id", invoice.OrderID.String()),
				zap.String("from", string(prev)),
				zap.String("to", string(newStatus)),
				zap.Int("confirmations", invoice.Confirmations),
				zap.Int64("received_amount", invoice.ReceivedAmount),
			)
		}
		return nil
	})
}

// transitionOrder runs the order-side transition for a settled invoice. An
// illegal transition is logged and swallowed: the invoice outcome stands even
// when the order has moved on (e.g. already cancelled).
func (s *Service) transitionOrder(ctx context.Context, invoice *Invoice, fn func(context.Context, uuid.UUID) error) error {
	err := fn(ctx, invoice.OrderID)
	if err == nil {
		return nil
	}
	if errors.Is(err, order.ErrInvalidTransition) {
		s.logger.Warn("order transition rejected, keeping invoice outcome",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("order_id", invoice.OrderID.String()),
			zap.String("invoice_status", string(invoice.Status)),
			zap.Error(err),
		)
		return nil
	}
	return err
}

// VerifyInvoiceTask is the queue executor for verification tasks. It is
// idempotent: a terminal invoice completes immediately with no gateway call,
// so redundant tasks from overlapping sweeps and webhook races are harmless.
func (s *Service) VerifyInvoiceTask(ctx context.Context, task *queue.Task) error {
	var payload VerifyInvoicePayload
	if err := task.DecodePayload(&payload); err != nil {
		return fmt.Errorf("decode verification payload: %w", err)
	}

	invoice, err := s.repo.GetInvoice(ctx, payload.InvoiceID)
	if err != nil {
		return err
	}
	if invoice.IsTerminal() {
		s.metrics.VerificationsTotal.WithLabelValues("short_circuit").Inc()
		return nil
	}

	gateway, err := s.registry.Get(invoice.Provider)
	if err != nil {
		return err
	}

	result, err := s.observeVerify(ctx, gateway, invoice.ProviderReference)
	if err != nil {
		s.metrics.VerificationsTotal.WithLabelValues("gateway_error").Inc()
		return fmt.Errorf("verify invoice %s: %w", invoice.ProviderReference, err)
	}

	if err := s.ApplyVerification(ctx, invoice.ID, result); err != nil {
		s.metrics.VerificationsTotal.WithLabelValues("apply_error").Inc()
		return fmt.Errorf("apply verification for invoice %s: %w", invoice.ID, err)
	}

	s.metrics.VerificationsTotal.WithLabelValues("applied").Inc()
	return nil
}

// HandleVerificationFailure is the queue's permanent-failure handler. A task
// that exhausted its retries escalates to the on-call log stream; the next
// sweep will pick the invoice up again.
func (s *Service) HandleVerificationFailure(ctx context.Context, task *queue.Task, taskErr error) {
	if task.Type != TaskTypeVerifyInvoice {
		return
	}
	s.metrics.EscalationsTotal.Inc()

	fields := []zap.Field{
		zap.String("task_id", task.ID.String()),
		zap.Int("attempts", task.Attempt),
		zap.Error(taskErr),
	}
	var payload VerifyInvoicePayload
	if err := task.DecodePayload(&payload); err == nil {
		fields = append(fields, zap.String("invoice_id", payload.InvoiceID.String()))
		if invoice, err := s.repo.GetInvoice(ctx, payload.InvoiceID); err == nil {
			fields = append(fields, zap.String("order_id", invoice.OrderID.String()))
		}
	}
	s.logger.Error("invoice verification escalated after exhausting retries", fields...)
}

// webhookPayload is the wire shape of a gateway webhook delivery.
type webhookPayload struct {
	EventID           string `json:"event_id"`
	ProviderReference string `json:"provider_reference"`
	provider.VerificationResult
}

// HandleWebhook processes a signed gateway webhook. The signature is checked
// before anything is persisted; a bad signature mutates nothing. Deliveries
// are deduplicated by (provider, event_id), and the status change flows
// through the same apply path the scheduled verification uses.
func (s *Service) HandleWebhook(ctx context.Context, providerName string, payload []byte, signature string) (*WebhookResult, error) {
	gateway, err := s.registry.Get(providerName)
	if err != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues(providerName, "unknown_provider").Inc()
		return nil, err
	}

	if !gateway.VerifyWebhookSignature(payload, signature) {
		s.metrics.WebhookEventsTotal.WithLabelValues(providerName, "bad_signature").Inc()
		return nil, ErrSignatureInvalid
	}

	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues(providerName, "malformed").Inc()
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	eventID := body.EventID
	if eventID == "" {
		// Providers without delivery IDs dedupe on the payload digest.
		sum := sha256.Sum256(payload)
		eventID = hex.EncodeToString(sum[:])
	}

	event := &WebhookEvent{
		ID:                uuid.New(),
		Provider:          providerName,
		EventID:           eventID,
		ProviderReference: body.ProviderReference,
		Data:              string(payload),
	}
	if err := s.repo.CreateWebhookEvent(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateWebhookEvent) {
			s.metrics.WebhookEventsTotal.WithLabelValues(providerName, "duplicate").Inc()
			return &WebhookResult{EventID: eventID, Duplicate: true}, nil
		}
		return nil, err
	}

	invoice, err := s.repo.GetInvoiceByReference(ctx, body.ProviderReference)
	if err != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues(providerName, "unknown_invoice").Inc()
		markErr := s.repo.MarkWebhookEventProcessed(ctx, event.ID, err)
		if markErr != nil {
			s.logger.Error("failed to mark webhook event", zap.Error(markErr))
		}
		return nil, err
	}

	applyErr := s.ApplyVerification(ctx, invoice.ID, &body.VerificationResult)
	if err := s.repo.MarkWebhookEventProcessed(ctx, event.ID, applyErr); err != nil {
		s.logger.Error("failed to mark webhook event processed",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
	if applyErr != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues(providerName, "apply_error").Inc()
		return nil, applyErr
	}

	s.metrics.WebhookEventsTotal.WithLabelValues(providerName, "processed").Inc()
	return &WebhookResult{EventID: eventID}, nil
}

// SupportedCurrencies returns the default gateway's accepted currencies.
func (s *Service) SupportedCurrencies() ([]string, error) {
	gateway, err := s.registry.Default()
	if err != nil {
		return nil, err
	}
	return gateway.SupportedCurrencies(), nil
}

// --- Gateway call instrumentation ---

func (s *Service) observeCreate(ctx context.Context, g provider.Gateway, orderID string, amount int64, currency string) (*provider.InvoiceSnapshot, error) {
	start := s.clock.Now()
	snapshot, err := g.CreateInvoice(ctx, orderID, amount, currency)
	s.observeGateway(g.Name(), "create_invoice", start, err)
	return snapshot, err
}

func (s *Service) observeVerify(ctx context.Context, g provider.Gateway, ref string) (*provider.VerificationResult, error) {
	start := s.clock.Now()
	result, err := g.VerifyInvoice(ctx, ref)
	s.observeGateway(g.Name(), "verify_invoice", start, err)
	return result, err
}

func (s *Service) observeGateway(name, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.GatewayCallsTotal.WithLabelValues(name, op, status).Inc()
	s.metrics.GatewayCallSeconds.WithLabelValues(name, op).Observe(s.clock.Now().Sub(start).Seconds())
}
