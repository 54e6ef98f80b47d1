package order

import (
	"context"
	"fmt"
	"time"

	"github.com/blockcart/server/internal/shared/clock"
	"github.com/blockcart/server/internal/utils/random"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransitionResult reports what a transition attempt did.
type TransitionResult string

const (
	// TransitionApplied means the order moved to the requested status.
	TransitionApplied TransitionResult = "applied"
	// TransitionNoop means the order was already in the requested status.
	TransitionNoop TransitionResult = "noop"
)

// Service implements order operations.
type Service struct {
	repo   Repository
	sm     *StateMachine
	clock  clock.Clock
	logger *zap.Logger
}

// NewService creates a new order service.
func NewService(repo Repository, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		sm:     NewStateMachine(),
		clock:  clk,
		logger: logger,
	}
}

// CreateOrder creates an order awaiting payment.
func (s *Service) CreateOrder(ctx context.Context, userID uuid.UUID, total int64, currency string) (*Order, error) {
	if total <= 0 {
		return nil, fmt.Errorf("order total must be positive")
	}

	order := &Order{
		ID:       uuid.New(),
		OrderNo:  generateOrderNo(s.clock.Now()),
		UserID:   userID,
		Status:   StatusPendingPayment,
		Total:    total,
		Currency: currency,
	}

	if err := s.repo.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

// GetOrder returns an order by ID.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	return s.repo.Get(ctx, orderID)
}

// GetOrderByNo returns an order by order number.
func (s *Service) GetOrderByNo(ctx context.Context, orderNo string) (*Order, error) {
	return s.repo.GetByOrderNo(ctx, orderNo)
}

// AttemptTransition attempts to move an order to the requested status.
// Requesting the status the order is already in is a no-op, not an error.
// An illegal transition returns ErrInvalidTransition.
//
// Callers running inside a transaction (via database.TxManager) get a row lock
// on the order, so concurrent attempts serialize per order.
func (s *Service) AttemptTransition(ctx context.Context, orderID uuid.UUID, to Status) (TransitionResult, error) {
	order, err := s.repo.GetForUpdate(ctx, orderID)
	if err != nil {
		return "", err
	}

	if order.Status == to {
		return TransitionNoop, nil
	}

	if err := s.sm.Transition(order, to); err != nil {
		return "", err
	}

	if to == StatusPaidConfirmed {
		now := s.clock.Now()
		order.PaidAt = &now
	}

	if err := s.repo.Update(ctx, order); err != nil {
		return "", fmt.Errorf("update order: %w", err)
	}

	s.logger.Info("order transitioned",
		zap.String("order_id", orderID.String()),
		zap.String("order_no", order.OrderNo),
		zap.String("to", string(to)),
	)
	return TransitionApplied, nil
}

// MarkPaidConfirmed marks an order as paid and confirmed. Idempotent: an order
// already in paid_confirmed is left unchanged and no error is returned.
func (s *Service) MarkPaidConfirmed(ctx context.Context, orderID uuid.UUID) error {
	_, err := s.AttemptTransition(ctx, orderID, StatusPaidConfirmed)
	return err
}

// ReturnToPendingPayment moves an order back to pending_payment after its
// invoice expired. The state machine forbids regressing orders that already
// progressed to processing or later.
func (s *Service) ReturnToPendingPayment(ctx context.Context, orderID uuid.UUID) error {
	_, err := s.AttemptTransition(ctx, orderID, StatusPendingPayment)
	return err
}

// CancelOrder cancels an order. Shipped orders cannot be cancelled.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	_, err := s.AttemptTransition(ctx, orderID, StatusCancelled)
	return err
}

// --- Helpers ---

func generateOrderNo(now time.Time) string {
	suffix := random.UpperAlphaNum(5)
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}
