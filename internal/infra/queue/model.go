// Package queue provides a persistent at-least-once background task queue
// with per-task retry policies and permanent-failure escalation.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	// TaskStatusPending means the task is waiting to run (or retry).
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning means an executor currently holds the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted means the executor returned success.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusDead means the task exhausted its retry budget.
	TaskStatusDead TaskStatus = "dead"
)

// RetryPolicy controls how a task is retried on executor failure.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions, first try included.
	MaxAttempts int `json:"max_attempts"`
	// Backoff holds the delay before each retry. Attempts beyond the slice
	// reuse the last entry.
	Backoff []time.Duration `json:"backoff"`
	// Timeout bounds a single execution.
	Timeout time.Duration `json:"timeout"`
}

// BackoffFor returns the delay to wait before the given retry attempt
// (1-based: attempt 1 failed, waiting before attempt 2 uses index 0).
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// Task is a persisted unit of background work.
type Task struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Lane        string     `gorm:"not null;index"`
	Type        string     `gorm:"not null"`
	Status      TaskStatus `gorm:"not null;default:pending;index"`
	Attempt     int        `gorm:"default:0"`
	MaxAttempts int        `gorm:"default:1"`
	Payload     string     `gorm:"type:jsonb"`
	Policy      string     `gorm:"type:jsonb"`
	LastError   *string
	NotBefore   time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName returns the database table name.
func (Task) TableName() string {
	return "queue_tasks"
}

// DecodePayload unmarshals the task payload into out.
func (t *Task) DecodePayload(out interface{}) error {
	return json.Unmarshal([]byte(t.Payload), out)
}

// DecodePolicy unmarshals the stored retry policy.
func (t *Task) DecodePolicy() (RetryPolicy, error) {
	var p RetryPolicy
	if t.Policy == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(t.Policy), &p)
	return p, err
}

// DispatchRequest describes a task to enqueue.
type DispatchRequest struct {
	Lane    string
	Type    string
	Payload interface{}
	// Delay postpones the first execution.
	Delay  time.Duration
	Policy RetryPolicy
}
