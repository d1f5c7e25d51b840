package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	internal_js "gitlab.com/timkado/api/daisi-wa-dispatcher/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// Message headers set by Enqueue.
const (
	HeaderNotBefore = "Not-Before"
	HeaderCompanyID = "Company-Id"
)

const (
	defaultMsgChanCap = 100
	fetchBatchSize    = 10
	fetchMaxWait      = 5 * time.Second
	taskTimeout       = 2 * time.Minute
)

// delivery is the acknowledgement surface of a fetched message.
type delivery interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// JetStreamQueue persists jobs on a work-queue stream and consumes them with
// a durable pull consumer. Delays ride in the Not-Before header; an early
// delivery is nak'd until then.
type JetStreamQueue struct {
	cfg    config.DispatchStream
	js     internal_js.ClientInterface
	policy RetryPolicy
	pool   *ants.Pool
	logger *zap.Logger
	now    func() time.Time

	handler Handler
	msgCh   chan *nats.Msg
	stopWg  sync.WaitGroup
	taskWg  sync.WaitGroup
	cancel  context.CancelFunc
}

var (
	_ Enqueuer = (*JetStreamQueue)(nil)
	_ Consumer = (*JetStreamQueue)(nil)
)

// NewJetStreamQueue ensures the stream and consumer exist.
func NewJetStreamQueue(ctx context.Context, cfg config.DispatchStream, workers int, policy RetryPolicy, js internal_js.ClientInterface, log *zap.Logger) (*JetStreamQueue, error) {
	pool, err := ants.NewPool(workers,
		ants.WithLogger(newAntsLoggerAdapter(log.Named("ants_pool"))),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error("Dispatch worker panic caught", zap.Any("error", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}

	streamCfg := &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
		MaxAge:    time.Duration(cfg.MaxAgeHours) * time.Hour,
	}
	if err := js.SetupStream(ctx, streamCfg); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup dispatch stream '%s': %w", cfg.Stream, err)
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}
	if err := js.SetupConsumer(ctx, cfg.Stream, consumerCfg); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup dispatch consumer '%s' for stream '%s': %w", cfg.Consumer, cfg.Stream, err)
	}

	log.Info("Dispatch queue ready",
		zap.String("stream", cfg.Stream),
		zap.String("consumer", cfg.Consumer),
		zap.Int("pool_size", workers))

	return &JetStreamQueue{
		cfg:    cfg,
		js:     js,
		policy: policy,
		pool:   pool,
		logger: log.Named("dispatch_queue"),
		now:    utils.Now,
		msgCh:  make(chan *nats.Msg, defaultMsgChanCap),
	}, nil
}

// Enqueue publishes job; delay is carried as an absolute Not-Before time.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	headers := map[string]string{
		HeaderCompanyID: strconv.FormatInt(job.CompanyID, 10),
	}
	if delay > 0 {
		headers[HeaderNotBefore] = q.now().Add(delay).Format(time.RFC3339Nano)
	}
	if err := q.js.Publish(q.cfg.Subject, data, headers); err != nil {
		return fmt.Errorf("enqueue message %d: %w", job.MessageID, err)
	}
	observer.IncQueueAction(job.CompanyID, "enqueue")
	logger.FromContext(ctx).Debug("Job enqueued",
		zap.Int64("message_id", job.MessageID),
		zap.Duration("delay", delay))
	return nil
}

// Start binds to the durable consumer and starts the fetch and dispatch loops.
func (q *JetStreamQueue) Start(ctx context.Context, handler Handler) error {
	sub, err := q.js.SubscribePull(q.cfg.Stream, q.cfg.Subject, q.cfg.Consumer)
	if err != nil {
		return fmt.Errorf("failed to create dispatch pull subscription: %w", err)
	}

	derivedCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.handler = handler

	q.stopWg.Add(2)
	go q.fetchMessages(derivedCtx, sub)
	go q.dispatchMessages(derivedCtx)

	q.logger.Info("Dispatch queue consumer started")
	return nil
}

// Stop ends the loops, waits for running jobs and releases the pool.
// Buffered but unstarted messages are redelivered after AckWait.
func (q *JetStreamQueue) Stop() {
	q.logger.Info("Stopping dispatch queue consumer...")
	if q.cancel != nil {
		q.cancel()
	}
	q.stopWg.Wait()
	q.taskWg.Wait()
	q.pool.Release()
	q.logger.Info("Dispatch queue consumer stopped")
}

func (q *JetStreamQueue) fetchMessages(ctx context.Context, sub *nats.Subscription) {
	defer q.stopWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		observer.IncQueueFetchRequest()
		msgs, err := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrConnectionClosed) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			observer.IncQueueFetchError()
			q.logger.Error("Fetcher loop error retrieving messages", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			select {
			case q.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (q *JetStreamQueue) dispatchMessages(ctx context.Context) {
	defer q.stopWg.Done()

	for {
		observer.SetQueueBufferLength(len(q.msgCh))
		observer.SetQueueWorkersActive(q.pool.Running())

		select {
		case <-ctx.Done():
			return
		case msg := <-q.msgCh:
			q.taskWg.Add(1)
			err := q.pool.Submit(func() {
				defer q.taskWg.Done()
				taskCtx, cancel := context.WithTimeout(context.Background(), taskTimeout)
				defer cancel()
				q.handleMessage(taskCtx, msg.Data, msg.Header, deliveryCount(msg), msg)
			})
			if err != nil {
				q.taskWg.Done()
				q.logger.Error("Failed to submit task to ants pool", zap.Error(err))
				if nakErr := msg.NakWithDelay(5 * time.Second); nakErr != nil {
					q.logger.Error("Failed to NAK message after pool submission error", zap.Error(nakErr))
				}
			}
		}
	}
}

func deliveryCount(msg *nats.Msg) int {
	meta, err := msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

// handleMessage runs one delivery and settles it according to the retry policy.
func (q *JetStreamQueue) handleMessage(ctx context.Context, data []byte, header nats.Header, deliveries int, d delivery) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil || job.MessageID == 0 {
		q.logger.Error("Dropping malformed dispatch job", zap.Error(err), zap.ByteString("data", data))
		if termErr := d.Term(); termErr != nil {
			q.logger.Error("Failed to terminate malformed message", zap.Error(termErr))
		}
		return
	}

	if raw := header.Get(HeaderNotBefore); raw != "" {
		if notBefore, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			if wait := notBefore.Sub(q.now()); wait > 0 {
				if nakErr := d.NakWithDelay(wait); nakErr != nil {
					q.logger.Error("Failed to NAK early message", zap.Error(nakErr))
				}
				return
			}
		}
	}

	ctx = WithDelivery(tenant.WithCompanyID(ctx, job.CompanyID), deliveries)
	ctx = logger.WithLogger(ctx, q.logger.With(
		zap.Int64("message_id", job.MessageID),
		zap.Int("delivery", deliveries)))
	log := logger.FromContext(ctx)

	runErr := utils.WrapWithContextRecovery(func(ctx context.Context) error {
		return q.handler.Run(ctx, job.MessageID)
	})(ctx)
	decision := q.policy.Decide(runErr, deliveries, q.cfg.MaxDeliver)
	observer.IncQueueAction(job.CompanyID, decision.Action.String())

	switch decision.Action {
	case ActionAck:
		if err := d.Ack(); err != nil {
			log.Error("Failed to ACK dispatched message", zap.Error(err))
		}
	case ActionRedeliver:
		log.Debug("Redelivering job", zap.Duration("delay", decision.Delay), zap.Error(decision.Cause))
		if err := d.NakWithDelay(decision.Delay); err != nil {
			log.Error("Failed to NAK message with delay", zap.Error(err))
		}
	case ActionTerminal:
		log.Warn("Job failed permanently", zap.Error(decision.Cause))
		q.handler.Failed(ctx, job.MessageID, decision.Cause)
		if err := d.Term(); err != nil {
			log.Error("Failed to terminate message", zap.Error(err))
		}
	}
}

type antsLoggerAdapter struct {
	logger *zap.Logger
}

func newAntsLoggerAdapter(logger *zap.Logger) *antsLoggerAdapter {
	return &antsLoggerAdapter{logger: logger}
}

func (a *antsLoggerAdapter) Printf(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}
