package payment

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/blockcart/server/internal/infra/queue"
	"github.com/blockcart/server/internal/shared/clock"
	"github.com/blockcart/server/internal/shared/config"
	"github.com/blockcart/server/internal/utils/metrics"
	"go.uber.org/zap"
)

const (
	sweepPending = "pending"
	sweepExpiry  = "expiry"
)

// Dispatcher is the slice of the task queue the reconciler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req queue.DispatchRequest) (*queue.Task, error)
}

// Reconciler periodically sweeps the invoice table and dispatches
// verification tasks. Two independent cadences run: a fast sweep over
// invoices awaiting confirmation, and a slower sweep that catches invoices
// past their expiry that never reached a terminal status. Each dispatched
// task gets a small random execution delay so a sweep does not land the
// whole batch on the gateway at once.
type Reconciler struct {
	repo    Repository
	queue   Dispatcher
	cfg     config.ReconcileConfig
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewReconciler creates a reconciler.
func NewReconciler(
	repo Repository,
	q Dispatcher,
	cfg config.ReconcileConfig,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		repo:    repo,
		queue:   q,
		cfg:     cfg,
		clock:   clk,
		metrics: m,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the sweep loops.
func (r *Reconciler) Start() {
	r.wg.Add(2)
	go r.loop(r.cfg.PendingInterval, r.SweepPending)
	go r.loop(r.cfg.ExpiryInterval, r.SweepOverdue)
	r.logger.Info("reconciler started",
		zap.Duration("pending_interval", r.cfg.PendingInterval),
		zap.Duration("expiry_interval", r.cfg.ExpiryInterval),
	)
}

// Stop halts the sweep loops and waits for any in-flight sweep to finish.
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reconciler) loop(interval time.Duration, sweep func(ctx context.Context) (int, error)) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := sweep(context.Background()); err != nil {
				r.logger.Error("sweep failed", zap.Error(err))
			}
		case <-r.stopCh:
			return
		}
	}
}

// jitter returns a random task delay between 1s and max.
func jitter(max time.Duration) time.Duration {
	if max <= time.Second {
		return time.Second
	}
	return time.Second + rand.N(max-time.Second)
}

// SweepPending enumerates invoices awaiting confirmation and dispatches a
// verification task per invoice. A dispatch failure is logged and the sweep
// continues; the invoice will be picked up again next tick.
func (r *Reconciler) SweepPending(ctx context.Context) (int, error) {
	return r.sweep(ctx, sweepPending, r.cfg.PendingJitter, func(ctx context.Context) ([]*Invoice, error) {
		return r.repo.ListAwaitingConfirmation(ctx, r.clock.Now())
	})
}

// SweepOverdue enumerates non-terminal invoices past expiry plus a grace
// period and dispatches verification tasks so they settle as expired.
func (r *Reconciler) SweepOverdue(ctx context.Context) (int, error) {
	return r.sweep(ctx, sweepExpiry, r.cfg.ExpiryJitter, func(ctx context.Context) ([]*Invoice, error) {
		cutoff := r.clock.Now().Add(-r.cfg.ExpiryGrace)
		return r.repo.ListOverdue(ctx, cutoff)
	})
}

func (r *Reconciler) sweep(ctx context.Context, name string, maxJitter time.Duration, list func(ctx context.Context) ([]*Invoice, error)) (int, error) {
	start := r.clock.Now()

	invoices, err := list(ctx)
	if err != nil {
		r.metrics.SweepsTotal.WithLabelValues(name, "error").Inc()
		return 0, err
	}

	dispatched := 0
	for _, invoice := range invoices {
		_, err := r.queue.Dispatch(ctx, queue.DispatchRequest{
			Lane:    LaneReconcile,
			Type:    TaskTypeVerifyInvoice,
			Payload: VerifyInvoicePayload{InvoiceID: invoice.ID},
			Delay:   jitter(maxJitter),
			Policy: queue.RetryPolicy{
				MaxAttempts: r.cfg.MaxAttempts,
				Backoff:     r.cfg.Backoff,
				Timeout:     r.cfg.TaskTimeout,
			},
		})
		if err != nil {
			r.logger.Error("failed to dispatch verification task",
				zap.String("sweep", name),
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
			continue
		}
		dispatched++
	}

	r.metrics.SweepsTotal.WithLabelValues(name, "ok").Inc()
	r.metrics.SweepDuration.WithLabelValues(name).Observe(r.clock.Now().Sub(start).Seconds())
	if dispatched > 0 {
		r.metrics.TasksDispatchedTotal.WithLabelValues(name).Add(float64(dispatched))
	}

	r.logger.Debug("sweep completed",
		zap.String("sweep", name),
		zap.Int("candidates", len(invoices)),
		zap.Int("dispatched", dispatched),
	)
	return dispatched, nil
}
