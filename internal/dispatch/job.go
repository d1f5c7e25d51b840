package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/lock"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// Failure texts stored on the message record.
const (
	ErrTextInstanceNotFound = "WhatsApp instance not found"
	ErrTextNoCredentials    = apperrors.CodeNoCredentials + ": WhatsApp instance has no gateway credentials"
)

// Dispatch outcomes reported to metrics.
const (
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
	OutcomeDeferred  = "deferred"
	OutcomeSkipped   = "skipped"
	OutcomeExhausted = "exhausted"
)

// Job sends one queued message through the gateway while holding the
// instance's send lock.
type Job struct {
	messages  storage.MessageRepo
	instances storage.InstanceRepo
	exhausted storage.ExhaustedDispatchRepo
	gateway   gateway.Gateway
	locker    lock.Locker
	cfg       config.DispatchConfig
	now       func() time.Time
}

var _ queue.Handler = (*Job)(nil)

// NewJob creates a dispatch job handler.
func NewJob(
	messages storage.MessageRepo,
	instances storage.InstanceRepo,
	exhausted storage.ExhaustedDispatchRepo,
	gw gateway.Gateway,
	locker lock.Locker,
	cfg config.DispatchConfig,
) *Job {
	return &Job{
		messages:  messages,
		instances: instances,
		exhausted: exhausted,
		gateway:   gw,
		locker:    locker,
		cfg:       cfg,
		now:       utils.Now,
	}
}

// Run dispatches messageID. A nil return means the job is finished, including
// when the message ended failed. queue.Defer and queue.Retry ask for another run.
func (j *Job) Run(ctx context.Context, messageID int64) error {
	start := time.Now()
	log := logger.FromContext(ctx).With(zap.Int64("message_id", messageID))

	msg, err := j.messages.FindByID(ctx, messageID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			log.Warn("Message not found, skipping dispatch")
			return nil
		}
		log.Error("Failed to load message", zap.Error(err))
		return queue.Defer(j.cfg.LockRetryDelay)
	}
	defer func() {
		observer.ObserveDispatchDuration(msg.CompanyID, time.Since(start))
	}()

	if msg.Status != model.MessageStatusQueued {
		log.Info("Message is not queued, skipping dispatch", zap.String("status", msg.Status))
		observer.IncDispatchOutcome(msg.CompanyID, OutcomeSkipped)
		return nil
	}

	instance, err := j.instances.FindByID(ctx, msg.WhatsAppInstanceID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return j.fail(ctx, msg, ErrTextInstanceNotFound, nil)
		}
		log.Error("Failed to load instance", zap.Error(err))
		return queue.Defer(j.cfg.LockRetryDelay)
	}
	if !instance.HasCredentials() {
		return j.fail(ctx, msg, ErrTextNoCredentials, nil)
	}

	lease, err := j.locker.TryLock(ctx, lock.SendLockKey(instance.ID))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			observer.IncLockContention()
			log.Debug("Instance busy, deferring", zap.Int64("instance_id", instance.ID))
		} else {
			log.Error("Failed to acquire send lock", zap.Error(err))
		}
		observer.IncDispatchOutcome(msg.CompanyID, OutcomeDeferred)
		return queue.Defer(j.cfg.LockRetryDelay)
	}
	defer func() { _ = lease.Release(ctx) }()

	// Another run may have sent it between the first load and the lock.
	current, err := j.messages.FindByID(ctx, messageID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil
		}
		log.Error("Failed to reload message", zap.Error(err))
		return queue.Defer(j.cfg.LockRetryDelay)
	}
	if current.Status != model.MessageStatusQueued {
		log.Info("Message no longer queued once locked, skipping", zap.String("status", current.Status))
		observer.IncDispatchOutcome(current.CompanyID, OutcomeSkipped)
		return nil
	}

	return j.send(logger.WithLogger(ctx, log), lease, current, instance)
}

func (j *Job) send(ctx context.Context, lease *lock.Lease, msg *model.WhatsAppMessage, instance *model.WhatsAppInstance) error {
	log := logger.FromContext(ctx)
	delays := msg.Delays()

	// The call is cancelled if the lease cannot be kept.
	held, stop := lease.KeepAlive(ctx, j.cfg.LockTTL/3)
	result, sendErr := j.gateway.SendText(held, instance, msg.Phone, msg.Message, gateway.SendOptions{
		DelayMessage: delays.DelayMessage,
		DelayTyping:  delays.DelayTyping,
	})
	stop()
	if sendErr != nil && gateway.IsBackpressure(sendErr) {
		log.Warn("Gateway refused locally, deferring", zap.Error(sendErr))
		observer.IncDispatchOutcome(msg.CompanyID, OutcomeDeferred)
		return queue.Defer(j.cfg.LockRetryDelay)
	}

	attempts, err := j.messages.IncrementAttempts(ctx, msg.ID)
	if err != nil {
		log.Warn("Failed to count attempt", zap.Error(err))
		attempts = msg.Attempts + 1
	}
	msg.Attempts = attempts

	if sendErr == nil {
		providerID := result.MessageID
		if providerID == "" {
			providerID = result.ID
		}
		tr, err := model.MarkAsSent(msg, result.ZaapID, providerID, datatypes.JSON(result.Response), j.now())
		if err == nil {
			err = j.messages.ApplyTransition(ctx, msg, tr)
		}
		if err != nil {
			// The gateway accepted it; a resend would duplicate the message.
			log.Error("Message sent but status not recorded", zap.String("zaap_id", result.ZaapID), zap.Error(err))
		}
		observer.IncDispatchOutcome(msg.CompanyID, OutcomeSent)
		log.Info("Message sent",
			zap.String("phone", gateway.MaskPhone(msg.Phone)),
			zap.Int("attempts", attempts))
		return nil
	}

	if !gateway.IsTransient(sendErr) {
		log.Warn("Gateway rejected message", zap.Error(sendErr))
		return j.fail(ctx, msg, sendErr.Error(), responseBody(sendErr))
	}
	if attempts >= j.cfg.MaxAttempts {
		log.Warn("Dispatch attempts exhausted", zap.Int("attempts", attempts), zap.Error(sendErr))
		return j.fail(ctx, msg, sendErr.Error(), responseBody(sendErr))
	}

	log.Info("Transient gateway failure, will retry", zap.Int("attempts", attempts), zap.Error(sendErr))
	observer.IncDispatchOutcome(msg.CompanyID, OutcomeRetry)
	return queue.Retry(attempts, sendErr)
}

// fail marks the message and its quote link failed. The job is then done.
func (j *Job) fail(ctx context.Context, msg *model.WhatsAppMessage, errText string, response datatypes.JSON) error {
	tr, err := model.MarkAsFailed(msg, errText, response, j.now())
	if err != nil {
		logger.FromContext(ctx).Warn("Cannot mark message failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if err := j.messages.ApplyTransition(ctx, msg, tr); err != nil {
		return fmt.Errorf("mark message %d failed: %w", msg.ID, err)
	}
	observer.IncDispatchOutcome(msg.CompanyID, OutcomeFailed)
	logger.FromContext(ctx).Warn("Message failed",
		zap.Int64("message_id", msg.ID),
		zap.String("error", errText))
	return nil
}

// Failed is the terminal hook. Messages already sent are left alone.
func (j *Job) Failed(ctx context.Context, messageID int64, cause error) {
	log := logger.FromContext(ctx).With(zap.Int64("message_id", messageID))

	msg, err := j.messages.FindByID(ctx, messageID)
	if err != nil {
		log.Error("Terminal hook could not load message", zap.NamedError("cause", cause), zap.Error(err))
		return
	}

	errText := "dispatch failed"
	if cause != nil {
		errText = cause.Error()
	}

	switch msg.Status {
	case model.MessageStatusSent, model.MessageStatusDelivered, model.MessageStatusRead:
		log.Info("Terminal hook ignored, message already sent", zap.String("status", msg.Status))
		return
	case model.MessageStatusFailed:
	default:
		tr, err := model.MarkAsFailed(msg, errText, responseBody(cause), j.now())
		if err == nil {
			err = j.messages.ApplyTransition(ctx, msg, tr)
		}
		if err != nil {
			log.Error("Terminal hook could not mark message failed", zap.Error(err))
		}
	}

	record := model.ExhaustedDispatch{
		MessageID:  msg.ID,
		CompanyID:  msg.CompanyID,
		InstanceID: msg.WhatsAppInstanceID,
		LastError:  errText,
		Attempts:   msg.Attempts,
		Deliveries: queue.DeliveryFromContext(ctx),
	}
	if err := j.exhausted.Save(ctx, record); err != nil {
		log.Error("Failed to record exhausted dispatch", zap.Error(err))
	}
	observer.IncDispatchOutcome(msg.CompanyID, OutcomeExhausted)
	log.Warn("Dispatch exhausted", zap.Int("attempts", msg.Attempts), zap.String("error", errText))
}

// responseBody returns the gateway's JSON error body, if any.
func responseBody(err error) datatypes.JSON {
	var ce *gateway.CallError
	if errors.As(err, &ce) && ce.Body != "" && json.Valid([]byte(ce.Body)) {
		return datatypes.JSON(ce.Body)
	}
	return nil
}
