package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockcart/server/internal/module/payment/provider"
	"github.com/blockcart/server/internal/shared/database"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository defines the interface for payment data access.
type Repository interface {
	// Invoice operations
	CreateInvoice(ctx context.Context, invoice *Invoice) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetInvoiceForUpdate loads an invoice with a row lock inside the current
	// transaction, serializing concurrent applies per invoice.
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetInvoiceByReference(ctx context.Context, providerReference string) (*Invoice, error)
	// GetLatestInvoiceForOrder returns the most recently created invoice for an order.
	GetLatestInvoiceForOrder(ctx context.Context, orderID uuid.UUID) (*Invoice, error)
	UpdateInvoice(ctx context.Context, invoice *Invoice) error

	// Sweep enumeration
	ListAwaitingConfirmation(ctx context.Context, now time.Time) ([]*Invoice, error)
	ListOverdue(ctx context.Context, cutoff time.Time) ([]*Invoice, error)

	// Webhook event operations
	CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error
	MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, processErr error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new payment repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) conn(ctx context.Context) *gorm.DB {
	return database.FromContext(ctx, r.db).WithContext(ctx)
}

// --- Invoice operations ---

func (r *repository) CreateInvoice(ctx context.Context, invoice *Invoice) error {
	if err := r.conn(ctx).Create(invoice).Error; err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}
	return nil
}

func (r *repository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var invoice Invoice
	err := r.conn(ctx).First(&invoice, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return &invoice, nil
}

func (r *repository) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var invoice Invoice
	err := r.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&invoice, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice for update: %w", err)
	}
	return &invoice, nil
}

func (r *repository) GetInvoiceByReference(ctx context.Context, providerReference string) (*Invoice, error) {
	var invoice Invoice
	err := r.conn(ctx).First(&invoice, "provider_reference = ?", providerReference).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice by reference: %w", err)
	}
	return &invoice, nil
}

func (r *repository) GetLatestInvoiceForOrder(ctx context.Context, orderID uuid.UUID) (*Invoice, error) {
	var invoice Invoice
	err := r.conn(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get latest invoice for order: %w", err)
	}
	return &invoice, nil
}

func (r *repository) UpdateInvoice(ctx context.Context, invoice *Invoice) error {
	if err := r.conn(ctx).Save(invoice).Error; err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	return nil
}

// --- Sweep enumeration ---

func (r *repository) ListAwaitingConfirmation(ctx context.Context, now time.Time) ([]*Invoice, error) {
	var invoices []*Invoice
	err := r.conn(ctx).
		Where("status IN ?", []provider.Status{provider.StatusPending, provider.StatusPartial}).
		Where("expires_at > ?", now).
		Find(&invoices).Error
	if err != nil {
		return nil, fmt.Errorf("list invoices awaiting confirmation: %w", err)
	}
	return invoices, nil
}

func (r *repository) ListOverdue(ctx context.Context, cutoff time.Time) ([]*Invoice, error) {
	var invoices []*Invoice
	err := r.conn(ctx).
		Where("status NOT IN ?", []provider.Status{provider.StatusConfirmed, provider.StatusExpired}).
		Where("expires_at < ?", cutoff).
		Find(&invoices).Error
	if err != nil {
		return nil, fmt.Errorf("list overdue invoices: %w", err)
	}
	return invoices, nil
}

// --- Webhook event operations ---

func (r *repository) CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	if err := r.conn(ctx).Create(event).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateWebhookEvent
		}
		return fmt.Errorf("create webhook event: %w", err)
	}
	return nil
}

func (r *repository) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, processErr error) error {
	updates := map[string]interface{}{
		"processed":    true,
		"processed_at": gorm.Expr("NOW()"),
	}
	if processErr != nil {
		errStr := processErr.Error()
		updates["error"] = errStr
	}
	err := r.conn(ctx).
		Model(&WebhookEvent{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether the error is a Postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
