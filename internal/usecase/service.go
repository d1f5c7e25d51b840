package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
)

// companyFromContext returns the authenticated tenant.
func companyFromContext(ctx context.Context) (int64, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}
	return companyID, nil
}

// loadSendableInstance loads a tenant's instance and checks it can reach the gateway.
func loadSendableInstance(ctx context.Context, instances storage.InstanceRepo, companyID, id int64) (*model.WhatsAppInstance, error) {
	instance, err := instances.FindForCompany(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	if !instance.HasCredentials() {
		return nil, fmt.Errorf("%w: instance %d", apperrors.ErrNoCredentials, id)
	}
	return instance, nil
}

// scheduler moves stored messages into the dispatch queue.
type scheduler struct {
	messages storage.MessageRepo
	enqueuer queue.Enqueuer
	now      func() time.Time
}

// schedule marks msg queued (mirroring its quote link) and enqueues it after
// delay. The row is the source of truth: a failed enqueue is logged and the
// message stays queued for the next drain.
func (s scheduler) schedule(ctx context.Context, msg *model.WhatsAppMessage, delay time.Duration) error {
	tr, err := model.MarkAsQueued(msg, s.now())
	if err != nil {
		return err
	}
	if err := s.messages.ApplyTransition(ctx, msg, tr); err != nil {
		return fmt.Errorf("queue message %d: %w", msg.ID, err)
	}
	s.enqueue(ctx, msg, delay)
	return nil
}

func (s scheduler) enqueue(ctx context.Context, msg *model.WhatsAppMessage, delay time.Duration) {
	job := queue.Job{MessageID: msg.ID, CompanyID: msg.CompanyID}
	if err := s.enqueuer.Enqueue(ctx, job, delay); err != nil {
		logger.FromContext(ctx).Error("Message queued but not scheduled, left for drain",
			zap.Int64("message_id", msg.ID),
			zap.Error(err))
	}
}
