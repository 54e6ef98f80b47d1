package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/blockcart/server/internal/shared/clock"
	"go.uber.org/zap"
)

// Executor runs one task execution. A nil return completes the task; any
// error schedules a retry until the task's attempt budget is exhausted.
type Executor func(ctx context.Context, task *Task) error

// FailureHandler is invoked once per task after the final attempt failed.
type FailureHandler func(ctx context.Context, task *Task, err error)

// Config holds queue tuning.
type Config struct {
	// MaxConcurrent caps simultaneously running executions.
	MaxConcurrent int
}

// Queue is a persistent background task queue. Tasks are written to the
// database before execution, so a crash between dispatch and completion is
// recovered by Start. Delivery is at-least-once; executors must be idempotent.
type Queue struct {
	repo               Repository
	clock              clock.Clock
	logger             *zap.Logger
	sem                chan struct{}
	onPermanentFailure FailureHandler

	mu        sync.RWMutex
	executors map[string]Executor

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a queue. Call RegisterExecutor for each task type, then Start.
func New(repo Repository, clk clock.Clock, cfg Config, logger *zap.Logger) *Queue {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		repo:      repo,
		clock:     clk,
		logger:    logger,
		sem:       make(chan struct{}, maxConcurrent),
		executors: make(map[string]Executor),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// RegisterExecutor binds an executor to a task type.
func (q *Queue) RegisterExecutor(taskType string, exec Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executors[taskType] = exec
}

// OnPermanentFailure sets the handler invoked when a task dies.
func (q *Queue) OnPermanentFailure(h FailureHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onPermanentFailure = h
}

// Dispatch persists a task and schedules it for execution.
func (q *Queue) Dispatch(ctx context.Context, req DispatchRequest) (*Task, error) {
	q.mu.RLock()
	_, ok := q.executors[req.Type]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no executor registered for task type %q", req.Type)
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}
	policy, err := json.Marshal(req.Policy)
	if err != nil {
		return nil, fmt.Errorf("marshal retry policy: %w", err)
	}

	maxAttempts := req.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	task := &Task{
		Lane:        req.Lane,
		Type:        req.Type,
		Status:      TaskStatusPending,
		MaxAttempts: maxAttempts,
		Payload:     string(payload),
		Policy:      string(policy),
		NotBefore:   q.clock.Now().Add(req.Delay),
	}
	if err := q.repo.Create(ctx, task); err != nil {
		return nil, err
	}

	q.schedule(task)
	return task, nil
}

// Start recovers incomplete tasks from the database and schedules them.
// Tasks found in running state were interrupted by a crash; they are
// re-queued for another attempt.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	tasks, err := q.repo.ListIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}

	for _, task := range tasks {
		if task.Status == TaskStatusRunning {
			task.Status = TaskStatusPending
			if err := q.repo.Update(ctx, task); err != nil {
				q.logger.Error("failed to re-queue interrupted task",
					zap.String("task_id", task.ID.String()),
					zap.Error(err),
				)
				continue
			}
		}
		q.schedule(task)
	}

	if len(tasks) > 0 {
		q.logger.Info("recovered incomplete tasks", zap.Int("count", len(tasks)))
	}
	return nil
}

// Stop cancels pending work and waits for running executions to return.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) schedule(task *Task) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(task)
	}()
}

// run drives one task through its attempts until completion, death, or
// queue shutdown.
func (q *Queue) run(task *Task) {
	for {
		if !q.waitUntil(task.NotBefore) {
			return
		}

		select {
		case q.sem <- struct{}{}:
		case <-q.baseCtx.Done():
			return
		}

		done, err := q.attempt(task)
		<-q.sem

		if done || err == nil {
			return
		}
	}
}

// attempt performs a single execution. It returns done=true when the task
// reached a final state (completed or dead), and the execution error when a
// retry is scheduled.
func (q *Queue) attempt(task *Task) (bool, error) {
	ctx := q.baseCtx

	q.mu.RLock()
	exec := q.executors[task.Type]
	onDead := q.onPermanentFailure
	q.mu.RUnlock()

	if exec == nil {
		q.logger.Error("no executor for task type",
			zap.String("task_id", task.ID.String()),
			zap.String("type", task.Type),
		)
		return true, nil
	}

	policy, err := task.DecodePolicy()
	if err != nil {
		q.logger.Error("malformed retry policy, using defaults",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
	}

	task.Status = TaskStatusRunning
	task.Attempt++
	if err := q.repo.Update(ctx, task); err != nil {
		q.logger.Error("failed to mark task running",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
	}

	execErr := q.execute(ctx, exec, task, policy.Timeout)
	if execErr == nil {
		task.Status = TaskStatusCompleted
		task.LastError = nil
		if err := q.repo.Update(ctx, task); err != nil {
			q.logger.Error("failed to mark task completed",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
		}
		return true, nil
	}

	errStr := execErr.Error()
	task.LastError = &errStr

	if task.Attempt >= task.MaxAttempts {
		task.Status = TaskStatusDead
		if err := q.repo.Update(ctx, task); err != nil {
			q.logger.Error("failed to mark task dead",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
		}
		q.logger.Error("task exhausted retry budget",
			zap.String("task_id", task.ID.String()),
			zap.String("type", task.Type),
			zap.Int("attempts", task.Attempt),
			zap.Error(execErr),
		)
		if onDead != nil {
			onDead(ctx, task, execErr)
		}
		return true, nil
	}

	backoff := policy.BackoffFor(task.Attempt)
	task.Status = TaskStatusPending
	task.NotBefore = q.clock.Now().Add(backoff)
	if err := q.repo.Update(ctx, task); err != nil {
		q.logger.Error("failed to schedule task retry",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
	}
	q.logger.Warn("task failed, retry scheduled",
		zap.String("task_id", task.ID.String()),
		zap.String("type", task.Type),
		zap.Int("attempt", task.Attempt),
		zap.Duration("backoff", backoff),
		zap.Error(execErr),
	)
	return false, execErr
}

// execute runs the executor with the policy timeout enforced. A misbehaving
// executor that ignores its context leaks a goroutine rather than wedging
// the queue worker.
func (q *Queue) execute(ctx context.Context, exec Executor, task *Task, timeout time.Duration) error {
	if timeout <= 0 {
		return exec(ctx, task)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- exec(execCtx, task)
	}()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
		return fmt.Errorf("task execution timed out after %s: %w", timeout, execCtx.Err())
	}
}

// waitUntil blocks until the wall clock reaches t or the queue shuts down.
// Returns false on shutdown.
func (q *Queue) waitUntil(t time.Time) bool {
	delay := t.Sub(q.clock.Now())
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.baseCtx.Done():
		return false
	}
}
