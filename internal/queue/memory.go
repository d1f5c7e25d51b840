package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// ErrQueueStopped is returned by Enqueue after Stop.
var ErrQueueStopped = errors.New("queue stopped")

// Consumer runs a Handler over queued jobs until Stop.
type Consumer interface {
	Start(ctx context.Context, handler Handler) error
	Stop()
}

// MemoryQueue keeps jobs in process and schedules delays with timers. Jobs
// are lost on restart.
type MemoryQueue struct {
	policy     RetryPolicy
	maxDeliver int
	after      func(time.Duration, func())
	pool       *ants.Pool

	mu      sync.Mutex
	ctx     context.Context
	handler Handler
	pending []memoryItem
	stopped bool
	wg      sync.WaitGroup
}

type memoryItem struct {
	job        Job
	deliveries int
}

var (
	_ Enqueuer = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)

// MemoryOption customises a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithTimer replaces time.AfterFunc for delayed deliveries.
func WithTimer(after func(time.Duration, func())) MemoryOption {
	return func(q *MemoryQueue) { q.after = after }
}

// WithMaxDeliver caps deliveries per job, deferrals included.
func WithMaxDeliver(n int) MemoryOption {
	return func(q *MemoryQueue) { q.maxDeliver = n }
}

// NewMemoryQueue creates a queue served by up to workers goroutines.
func NewMemoryQueue(policy RetryPolicy, workers int, opts ...MemoryOption) (*MemoryQueue, error) {
	pool, err := ants.NewPool(workers,
		ants.WithPanicHandler(func(p interface{}) {
			logger.Log.Error("Dispatch worker panic caught", zap.Any("panic", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}

	q := &MemoryQueue{
		policy: policy,
		pool:   pool,
		after:  func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue schedules job after delay.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return ErrQueueStopped
	}
	observer.IncQueueAction(job.CompanyID, "enqueue")
	q.schedule(memoryItem{job: job}, delay)
	return nil
}

// Start begins handing jobs to handler. Jobs enqueued earlier are released now.
func (q *MemoryQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	q.ctx = ctx
	q.handler = handler
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	logger.FromContext(ctx).Info("Memory dispatch queue started",
		zap.Int("workers", q.pool.Cap()),
		zap.Int("pending", len(pending)))
	for _, it := range pending {
		q.submit(it)
	}
	return nil
}

// Stop waits for running jobs and releases the pool. Timers still pending are dropped.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.wg.Wait()
	q.pool.Release()
	logger.Log.Info("Memory dispatch queue stopped")
}

func (q *MemoryQueue) schedule(it memoryItem, delay time.Duration) {
	if delay <= 0 {
		q.submit(it)
		return
	}
	q.after(delay, func() {
		defer utils.RecoverWithLog(context.Background(), "memory queue redelivery")
		q.submit(it)
	})
}

func (q *MemoryQueue) submit(it memoryItem) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		logger.Log.Warn("Dropping job, queue stopped", zap.Int64("message_id", it.job.MessageID))
		return
	}
	if q.handler == nil {
		q.pending = append(q.pending, it)
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	observer.SetQueueWorkersActive(q.pool.Running())
	if err := q.pool.Submit(func() {
		defer q.wg.Done()
		q.process(it)
	}); err != nil {
		q.wg.Done()
		logger.Log.Error("Failed to submit task to ants pool", zap.Error(err))
		q.after(time.Second, func() { q.submit(it) })
	}
}

func (q *MemoryQueue) process(it memoryItem) {
	it.deliveries++
	job := it.job
	ctx := WithDelivery(tenant.WithCompanyID(q.ctx, job.CompanyID), it.deliveries)
	log := logger.FromContext(ctx).With(zap.Int64("message_id", job.MessageID), zap.Int("delivery", it.deliveries))
	ctx = logger.WithLogger(ctx, log)

	err := utils.WrapWithContextRecovery(func(ctx context.Context) error {
		return q.handler.Run(ctx, job.MessageID)
	})(ctx)
	d := q.policy.Decide(err, it.deliveries, q.maxDeliver)
	observer.IncQueueAction(job.CompanyID, d.Action.String())

	switch d.Action {
	case ActionAck:
	case ActionRedeliver:
		log.Debug("Redelivering job", zap.Duration("delay", d.Delay), zap.Error(d.Cause))
		q.schedule(it, d.Delay)
	case ActionTerminal:
		log.Warn("Job failed permanently", zap.Error(d.Cause))
		q.handler.Failed(ctx, job.MessageID, d.Cause)
	}
}
