package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blockcart/server/internal/infra/queue"
	"github.com/blockcart/server/internal/module/order"
	"github.com/blockcart/server/internal/module/payment/provider"
	"github.com/blockcart/server/internal/shared/clock"
	"github.com/blockcart/server/internal/utils/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Fakes ---

// MockInvoiceRepository implements Repository for testing.
type MockInvoiceRepository struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*Invoice
	events   map[string]*WebhookEvent
	err      error
}

func NewMockInvoiceRepository() *MockInvoiceRepository {
	return &MockInvoiceRepository{
		invoices: make(map[uuid.UUID]*Invoice),
		events:   make(map[string]*WebhookEvent),
	}
}

func (m *MockInvoiceRepository) CreateInvoice(_ context.Context, invoice *Invoice) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *invoice
	m.invoices[invoice.ID] = &cp
	return nil
}

func (m *MockInvoiceRepository) GetInvoice(_ context.Context, id uuid.UUID) (*Invoice, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	invoice, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *invoice
	return &cp, nil
}

func (m *MockInvoiceRepository) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return m.GetInvoice(ctx, id)
}

func (m *MockInvoiceRepository) GetInvoiceByReference(_ context.Context, ref string) (*Invoice, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, invoice := range m.invoices {
		if invoice.ProviderReference == ref {
			cp := *invoice
			return &cp, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (m *MockInvoiceRepository) GetLatestInvoiceForOrder(_ context.Context, orderID uuid.UUID) (*Invoice, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Invoice
	for _, invoice := range m.invoices {
		if invoice.OrderID != orderID {
			continue
		}
		if latest == nil || invoice.CreatedAt.After(latest.CreatedAt) {
			latest = invoice
		}
	}
	if latest == nil {
		return nil, ErrInvoiceNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MockInvoiceRepository) UpdateInvoice(_ context.Context, invoice *Invoice) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[invoice.ID]; !ok {
		return ErrInvoiceNotFound
	}
	cp := *invoice
	m.invoices[invoice.ID] = &cp
	return nil
}

func (m *MockInvoiceRepository) ListAwaitingConfirmation(_ context.Context, now time.Time) ([]*Invoice, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Invoice
	for _, invoice := range m.invoices {
		if (invoice.Status == provider.StatusPending || invoice.Status == provider.StatusPartial) &&
			invoice.ExpiresAt.After(now) {
			cp := *invoice
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockInvoiceRepository) ListOverdue(_ context.Context, cutoff time.Time) ([]*Invoice, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Invoice
	for _, invoice := range m.invoices {
		if !invoice.IsTerminal() && invoice.ExpiresAt.Before(cutoff) {
			cp := *invoice
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockInvoiceRepository) CreateWebhookEvent(_ context.Context, event *WebhookEvent) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := event.Provider + "|" + event.EventID
	if _, ok := m.events[key]; ok {
		return ErrDuplicateWebhookEvent
	}
	cp := *event
	m.events[key] = &cp
	return nil
}

func (m *MockInvoiceRepository) MarkWebhookEventProcessed(_ context.Context, id uuid.UUID, processErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range m.events {
		if event.ID == id {
			event.Processed = true
			if processErr != nil {
				errStr := processErr.Error()
				event.Error = &errStr
			}
			return nil
		}
	}
	return nil
}

// MockOrderService implements OrderService for testing.
type MockOrderService struct {
	orders        map[uuid.UUID]*order.Order
	confirmed     []uuid.UUID
	returned      []uuid.UUID
	transitionErr error
}

func NewMockOrderService() *MockOrderService {
	return &MockOrderService{orders: make(map[uuid.UUID]*order.Order)}
}

func (m *MockOrderService) addOrder(status order.Status, total int64) *order.Order {
	ord := &order.Order{
		ID:       uuid.New(),
		OrderNo:  "ORD-TEST",
		UserID:   uuid.New(),
		Status:   status,
		Total:    total,
		Currency: "BTC",
	}
	m.orders[ord.ID] = ord
	return ord
}

func (m *MockOrderService) GetOrder(_ context.Context, orderID uuid.UUID) (*order.Order, error) {
	ord, ok := m.orders[orderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return ord, nil
}

func (m *MockOrderService) MarkPaidConfirmed(_ context.Context, orderID uuid.UUID) error {
	if m.transitionErr != nil {
		return m.transitionErr
	}
	m.confirmed = append(m.confirmed, orderID)
	if ord, ok := m.orders[orderID]; ok {
		ord.Status = order.StatusPaidConfirmed
	}
	return nil
}

func (m *MockOrderService) ReturnToPendingPayment(_ context.Context, orderID uuid.UUID) error {
	if m.transitionErr != nil {
		return m.transitionErr
	}
	m.returned = append(m.returned, orderID)
	if ord, ok := m.orders[orderID]; ok {
		ord.Status = order.StatusPendingPayment
	}
	return nil
}

// MockGateway implements provider.Gateway with scripted responses.
type MockGateway struct {
	name           string
	createSnapshot *provider.InvoiceSnapshot
	createErr      error
	verifyResult   *provider.VerificationResult
	verifyErr      error
	verifyCalls    int
	createCalls    int
	sigValid       bool
}

func (g *MockGateway) Name() string {
	if g.name == "" {
		return "mock"
	}
	return g.name
}

func (g *MockGateway) CreateInvoice(_ context.Context, orderID string, amount int64, currency string) (*provider.InvoiceSnapshot, error) {
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	if g.createSnapshot != nil {
		return g.createSnapshot, nil
	}
	return &provider.InvoiceSnapshot{
		ProviderReference: "inv_test",
		Status:            provider.StatusPending,
		Amount:            amount,
		Currency:          currency,
		ExpiresAt:         time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
	}, nil
}

func (g *MockGateway) VerifyInvoice(_ context.Context, _ string) (*provider.VerificationResult, error) {
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return g.verifyResult, nil
}

func (g *MockGateway) VerifyWebhookSignature(_ []byte, _ string) bool {
	return g.sigValid
}

func (g *MockGateway) SupportedCurrencies() []string {
	return []string{"BTC", "LTC", "DOGE"}
}

func (g *MockGateway) IsAvailable(_ context.Context) bool {
	return true
}

// passthroughTx runs the function without a real transaction.
type passthroughTx struct{}

func (passthroughTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type serviceFixture struct {
	service *Service
	repo    *MockInvoiceRepository
	orders  *MockOrderService
	gateway *MockGateway
	clock   *clock.Fake
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	repo := NewMockInvoiceRepository()
	orders := NewMockOrderService()
	gateway := &MockGateway{sigValid: true}

	registry := NewProviderRegistry()
	registry.Register(gateway)

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := metrics.NewWith("blockcart", prometheus.NewRegistry())

	svc := NewService(repo, orders, registry, passthroughTx{}, clk, m, zap.NewNop())
	return &serviceFixture{
		service: svc,
		repo:    repo,
		orders:  orders,
		gateway: gateway,
		clock:   clk,
	}
}

func (f *serviceFixture) addInvoice(t *testing.T, orderID uuid.UUID, status provider.Status) *Invoice {
	t.Helper()
	invoice := &Invoice{
		ID:                uuid.New(),
		OrderID:           orderID,
		Provider:          "mock",
		ProviderReference: "inv_" + uuid.NewString()[:8],
		Status:            status,
		Amount:            100,
		Currency:          "BTC",
		ExpiresAt:         f.clock.Now().Add(30 * time.Minute),
		CreatedAt:         f.clock.Now(),
	}
	require.NoError(t, f.repo.CreateInvoice(context.Background(), invoice))
	return invoice
}

func verifyTask(t *testing.T, invoiceID uuid.UUID) *queue.Task {
	t.Helper()
	payload, err := json.Marshal(VerifyInvoicePayload{InvoiceID: invoiceID})
	require.NoError(t, err)
	return &queue.Task{
		ID:      uuid.New(),
		Lane:    LaneReconcile,
		Type:    TaskTypeVerifyInvoice,
		Payload: string(payload),
	}
}

// --- CreateInvoice ---

func TestCreateInvoiceHappyPath(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)

	invoice, err := f.service.CreateInvoice(context.Background(), ord.ID, "BTC")
	require.NoError(t, err)

	assert.Equal(t, ord.ID, invoice.OrderID)
	assert.Equal(t, "mock", invoice.Provider)
	assert.Equal(t, "inv_test", invoice.ProviderReference)
	assert.Equal(t, provider.StatusPending, invoice.Status)
	assert.Equal(t, int64(100), invoice.Amount)
	assert.Equal(t, 1, f.gateway.createCalls)
}

func TestCreateInvoiceRejectsUnpayableOrder(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusCancelled, 100)

	_, err := f.service.CreateInvoice(context.Background(), ord.ID, "BTC")
	assert.ErrorIs(t, err, ErrOrderNotPayable)
	assert.Zero(t, f.gateway.createCalls)
}

func TestCreateInvoiceReturnsExistingActiveInvoice(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	existing := f.addInvoice(t, ord.ID, provider.StatusPending)

	invoice, err := f.service.CreateInvoice(context.Background(), ord.ID, "BTC")
	require.NoError(t, err)

	assert.Equal(t, existing.ID, invoice.ID)
	assert.Zero(t, f.gateway.createCalls, "no new gateway invoice for an active one")
}

func TestCreateInvoiceReplacesExpiredInvoice(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	stale := f.addInvoice(t, ord.ID, provider.StatusExpired)

	invoice, err := f.service.CreateInvoice(context.Background(), ord.ID, "BTC")
	require.NoError(t, err)

	assert.NotEqual(t, stale.ID, invoice.ID)
	assert.Equal(t, 1, f.gateway.createCalls)
}

func TestCreateInvoicePropagatesGatewayErrors(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	f.gateway.createErr = provider.ErrUnsupportedCurrency

	_, err := f.service.CreateInvoice(context.Background(), ord.ID, "XMR")
	assert.ErrorIs(t, err, provider.ErrUnsupportedCurrency)
}

// --- ApplyVerification ---

func TestApplyVerificationConfirmsOrder(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)

	result := &provider.VerificationResult{
		Status:         provider.StatusConfirmed,
		Confirmations:  6,
		TxID:           "tx_abc",
		ReceivedAmount: 100,
	}
	require.NoError(t, f.service.ApplyVerification(context.Background(), invoice.ID, result))

	stored, err := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusConfirmed, stored.Status)
	assert.Equal(t, 6, stored.Confirmations)
	require.NotNil(t, stored.TxID)
	assert.Equal(t, "tx_abc", *stored.TxID)
	assert.Equal(t, int64(100), stored.ReceivedAmount)
	assert.Equal(t, []uuid.UUID{ord.ID}, f.orders.confirmed)
}

func TestApplyVerificationIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)

	result := &provider.VerificationResult{
		Status:         provider.StatusConfirmed,
		Confirmations:  6,
		TxID:           "tx_abc",
		ReceivedAmount: 100,
	}
	require.NoError(t, f.service.ApplyVerification(context.Background(), invoice.ID, result))
	// Second apply hits the terminal guard and changes nothing.
	require.NoError(t, f.service.ApplyVerification(context.Background(), invoice.ID, result))

	stored, err := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusConfirmed, stored.Status)
	assert.Len(t, f.orders.confirmed, 1, "order confirmed exactly once")
}

func TestApplyVerificationPartialKeepsFunds(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)

	partial := &provider.VerificationResult{
		Status:         provider.StatusPartial,
		Confirmations:  3,
		TxID:           "tx_abc",
		ReceivedAmount: 100,
	}
	require.NoError(t, f.service.ApplyVerification(context.Background(), invoice.ID, partial))

	// A later result without txid or amount must not erase them.
	sparse := &provider.VerificationResult{
		Status:        provider.StatusPartial,
		Confirmations: 4,
	}
	require.NoError(t, f.service.ApplyVerification(context.Background(), invoice.ID, sparse))

	stored, err := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPartial, stored.Status)
	assert.Equal(t, 4, stored.Confirmations)
	require.NotNil(t, stored.TxID)
	assert.Equal(t, "tx_abc", *stored.TxID)
	assert.Equal(t, int64(100), stored.ReceivedAmount)
	assert.Equal(t, int64(0), stored.AmountDue())
	assert.Empty(t, f.orders.confirmed)
}

func TestApplyVerificationConfirmationsNeverRegress(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)

	require.NoError(t, f.service.ApplyVerification(context.Background(), invoice.ID, &provider.VerificationResult{
		Status:        provider.StatusPartial,
		Confirmations: 4,
	}))
	require.NoError(t, f.service.ApplyVerification(context.Background(), invoice.ID, &provider.VerificationResult{
		Status:        provider.StatusPartial,
		Confirmations: 2,
	}))

	stored, err := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Confirmations)
}

func TestApplyVerificationExpiryReturnsOrder(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPaidConfirmed, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPartial)

	result := &provider.VerificationResult{
		Status:    provider.StatusPartial,
		IsExpired: true,
	}
	require.NoError(t, f.service.ApplyVerification(context.Background(), invoice.ID, result))

	stored, err := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusExpired, stored.Status, "expiry overrides the reported status")
	assert.Equal(t, []uuid.UUID{ord.ID}, f.orders.returned)
}

func TestApplyVerificationSwallowsIllegalOrderTransition(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusProcessing, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPartial)
	f.orders.transitionErr = fmt.Errorf("%w: cannot regress", order.ErrInvalidTransition)

	result := &provider.VerificationResult{Status: provider.StatusExpired, IsExpired: true}
	require.NoError(t, f.service.ApplyVerification(context.Background(), invoice.ID, result))

	// The invoice outcome stands even though the order refused to move.
	stored, err := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusExpired, stored.Status)
}

func TestApplyVerificationUnknownInvoice(t *testing.T) {
	f := newServiceFixture(t)

	err := f.service.ApplyVerification(context.Background(), uuid.New(), &provider.VerificationResult{
		Status: provider.StatusConfirmed,
	})
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

// --- VerifyInvoiceTask ---

func TestVerifyInvoiceTaskAppliesResult(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)
	f.gateway.verifyResult = &provider.VerificationResult{
		Status:         provider.StatusConfirmed,
		Confirmations:  6,
		TxID:           "tx_abc",
		ReceivedAmount: 100,
	}

	require.NoError(t, f.service.VerifyInvoiceTask(context.Background(), verifyTask(t, invoice.ID)))

	stored, err := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusConfirmed, stored.Status)
	assert.Equal(t, 1, f.gateway.verifyCalls)
}

func TestVerifyInvoiceTaskShortCircuitsTerminalInvoice(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPaidConfirmed, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusConfirmed)

	require.NoError(t, f.service.VerifyInvoiceTask(context.Background(), verifyTask(t, invoice.ID)))

	assert.Zero(t, f.gateway.verifyCalls, "terminal invoices never reach the gateway")
}

func TestVerifyInvoiceTaskGatewayErrorIsRetryable(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)
	f.gateway.verifyErr = provider.ErrUnavailable

	err := f.service.VerifyInvoiceTask(context.Background(), verifyTask(t, invoice.ID))
	assert.ErrorIs(t, err, provider.ErrUnavailable)

	// A gateway that forgot the invoice is also left to the retry cycle.
	f.gateway.verifyErr = provider.ErrInvoiceNotFound
	err = f.service.VerifyInvoiceTask(context.Background(), verifyTask(t, invoice.ID))
	assert.ErrorIs(t, err, provider.ErrInvoiceNotFound)

	stored, getErr := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, getErr)
	assert.Equal(t, provider.StatusPending, stored.Status, "failed verification leaves the invoice untouched")
}

func TestVerifyInvoiceTaskMalformedPayload(t *testing.T) {
	f := newServiceFixture(t)

	task := &queue.Task{ID: uuid.New(), Type: TaskTypeVerifyInvoice, Payload: "{broken"}
	assert.Error(t, f.service.VerifyInvoiceTask(context.Background(), task))
}

// --- HandleVerificationFailure ---

func TestHandleVerificationFailureEscalates(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)

	task := verifyTask(t, invoice.ID)
	task.Attempt = 3

	// Must not panic and must count the escalation.
	f.service.HandleVerificationFailure(context.Background(), task, errors.New("gateway down"))
}

// --- GetInvoiceForOrder ---

func TestGetInvoiceForOrderRefreshesActiveInvoice(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)
	f.gateway.verifyResult = &provider.VerificationResult{
		Status:         provider.StatusPartial,
		Confirmations:  2,
		TxID:           "tx_abc",
		ReceivedAmount: 100,
	}

	got, err := f.service.GetInvoiceForOrder(context.Background(), ord.ID)
	require.NoError(t, err)

	assert.Equal(t, invoice.ID, got.ID)
	assert.Equal(t, provider.StatusPartial, got.Status)
	assert.Equal(t, 2, got.Confirmations)
}

func TestGetInvoiceForOrderTerminalServedFromStore(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPaidConfirmed, 100)
	f.addInvoice(t, ord.ID, provider.StatusConfirmed)

	got, err := f.service.GetInvoiceForOrder(context.Background(), ord.ID)
	require.NoError(t, err)

	assert.Equal(t, provider.StatusConfirmed, got.Status)
	assert.Zero(t, f.gateway.verifyCalls)
}

func TestGetInvoiceForOrderGatewayForgot(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)
	f.gateway.verifyErr = provider.ErrInvoiceNotFound

	got, err := f.service.GetInvoiceForOrder(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusNotFound, got.Status)

	// The stored record keeps its last known status.
	stored, err := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPending, stored.Status)
}

// --- HandleWebhook ---

func webhookBody(t *testing.T, eventID, ref string, result provider.VerificationResult) []byte {
	t.Helper()
	body, err := json.Marshal(struct {
		EventID           string `json:"event_id"`
		ProviderReference string `json:"provider_reference"`
		provider.VerificationResult
	}{EventID: eventID, ProviderReference: ref, VerificationResult: result})
	require.NoError(t, err)
	return body
}

func TestHandleWebhookAppliesResult(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)

	body := webhookBody(t, "evt_1", invoice.ProviderReference, provider.VerificationResult{
		Status:         provider.StatusConfirmed,
		Confirmations:  6,
		TxID:           "tx_abc",
		ReceivedAmount: 100,
	})

	result, err := f.service.HandleWebhook(context.Background(), "mock", body, "any")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", result.EventID)
	assert.False(t, result.Duplicate)

	stored, err := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusConfirmed, stored.Status)
	assert.Equal(t, []uuid.UUID{ord.ID}, f.orders.confirmed)
}

func TestHandleWebhookRejectsBadSignatureWithoutMutation(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)
	f.gateway.sigValid = false

	body := webhookBody(t, "evt_1", invoice.ProviderReference, provider.VerificationResult{
		Status: provider.StatusConfirmed,
	})

	_, err := f.service.HandleWebhook(context.Background(), "mock", body, "forged")
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	stored, getErr := f.repo.GetInvoice(context.Background(), invoice.ID)
	require.NoError(t, getErr)
	assert.Equal(t, provider.StatusPending, stored.Status)
	assert.Empty(t, f.repo.events)
	assert.Empty(t, f.orders.confirmed)
}

func TestHandleWebhookDeduplicatesDeliveries(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)

	body := webhookBody(t, "evt_1", invoice.ProviderReference, provider.VerificationResult{
		Status:         provider.StatusConfirmed,
		Confirmations:  6,
		ReceivedAmount: 100,
	})

	first, err := f.service.HandleWebhook(context.Background(), "mock", body, "any")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.service.HandleWebhook(context.Background(), "mock", body, "any")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	assert.Len(t, f.orders.confirmed, 1)
}

func TestHandleWebhookFallsBackToPayloadDigestEventID(t *testing.T) {
	f := newServiceFixture(t)
	ord := f.orders.addOrder(order.StatusPendingPayment, 100)
	invoice := f.addInvoice(t, ord.ID, provider.StatusPending)

	body := webhookBody(t, "", invoice.ProviderReference, provider.VerificationResult{
		Status:         provider.StatusConfirmed,
		Confirmations:  6,
		ReceivedAmount: 100,
	})

	first, err := f.service.HandleWebhook(context.Background(), "mock", body, "any")
	require.NoError(t, err)
	assert.NotEmpty(t, first.EventID)

	// Byte-identical redelivery maps to the same digest.
	second, err := f.service.HandleWebhook(context.Background(), "mock", body, "any")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
}

func TestHandleWebhookUnknownProvider(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.HandleWebhook(context.Background(), "stripe", []byte("{}"), "sig")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestHandleWebhookUnknownInvoice(t *testing.T) {
	f := newServiceFixture(t)

	body := webhookBody(t, "evt_1", "inv_unknown", provider.VerificationResult{
		Status: provider.StatusConfirmed,
	})
	_, err := f.service.HandleWebhook(context.Background(), "mock", body, "any")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}
