package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockcart/server/internal/shared/database"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrTaskNotFound is returned when no task record exists.
var ErrTaskNotFound = errors.New("task not found")

// Repository persists tasks so in-flight work survives a restart.
type Repository interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	Update(ctx context.Context, task *Task) error
	// ListIncomplete returns tasks still owed an execution, oldest first.
	ListIncomplete(ctx context.Context) ([]*Task, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new task repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) conn(ctx context.Context) *gorm.DB {
	return database.FromContext(ctx, r.db).WithContext(ctx)
}

func (r *repository) Create(ctx context.Context, task *Task) error {
	if err := r.conn(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	var task Task
	err := r.conn(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

func (r *repository) Update(ctx context.Context, task *Task) error {
	if err := r.conn(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (r *repository) ListIncomplete(ctx context.Context) ([]*Task, error) {
	var tasks []*Task
	err := r.conn(ctx).
		Where("status IN ?", []TaskStatus{TaskStatusPending, TaskStatusRunning}).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list incomplete tasks: %w", err)
	}
	return tasks, nil
}
