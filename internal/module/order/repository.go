package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockcart/server/internal/shared/database"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository defines the interface for order data access.
type Repository interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	// GetForUpdate loads an order with a row lock inside the current transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByOrderNo(ctx context.Context, orderNo string) (*Order, error)
	Update(ctx context.Context, order *Order) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new order repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) conn(ctx context.Context) *gorm.DB {
	return database.FromContext(ctx, r.db).WithContext(ctx)
}

func (r *repository) Create(ctx context.Context, order *Order) error {
	if err := r.conn(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	var order Order
	err := r.conn(ctx).First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &order, nil
}

func (r *repository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	var order Order
	err := r.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order for update: %w", err)
	}
	return &order, nil
}

func (r *repository) GetByOrderNo(ctx context.Context, orderNo string) (*Order, error) {
	var order Order
	err := r.conn(ctx).First(&order, "order_no = ?", orderNo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by order no: %w", err)
	}
	return &order, nil
}

func (r *repository) Update(ctx context.Context, order *Order) error {
	if err := r.conn(ctx).Save(order).Error; err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}
