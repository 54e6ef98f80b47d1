package database

import (
	"context"

	"gorm.io/gorm"
)

// TxManager runs functions inside a database transaction. The transaction handle
// travels in the context so repositories across modules share the same transaction.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

type gormTxManager struct {
	db *gorm.DB
}

// NewTxManager creates a TxManager backed by gorm transactions.
func NewTxManager(db *gorm.DB) TxManager {
	return &gormTxManager{db: db}
}

func (m *gormTxManager) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// FromContext returns the transaction from the context, or the fallback handle
// when the caller is not running inside a transaction.
func FromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return fallback
}
