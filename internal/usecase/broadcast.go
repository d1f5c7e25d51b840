package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// BroadcastRequest sends a quote to its suppliers. Without SupplierIDs every
// supplier linked to the quote is notified.
type BroadcastRequest struct {
	QuoteID       int64   `json:"quote_id" validate:"required,gt=0"`
	InstanceID    int64   `json:"whatsapp_instance_id" validate:"required,gt=0"`
	SupplierIDs   []int64 `json:"supplier_ids,omitempty" validate:"omitempty,dive,gt=0"`
	CustomMessage *string `json:"custom_message,omitempty" validate:"omitempty,max=4096"`
}

// BroadcastResult counts the suppliers whose message is queued.
type BroadcastResult struct {
	Queued int `json:"queued"`
	Total  int `json:"total"`
}

// BroadcastService fans a quote out to suppliers, one staggered message each.
type BroadcastService struct {
	quotes    storage.QuoteRepo
	instances storage.InstanceRepo
	scheduler scheduler
	defaults  config.ZAPIConfig
	stagger   time.Duration
}

// NewBroadcastService creates a BroadcastService.
func NewBroadcastService(
	quotes storage.QuoteRepo,
	messages storage.MessageRepo,
	instances storage.InstanceRepo,
	enqueuer queue.Enqueuer,
	defaults config.ZAPIConfig,
	stagger time.Duration,
) *BroadcastService {
	return &BroadcastService{
		quotes:    quotes,
		instances: instances,
		scheduler: scheduler{messages: messages, enqueuer: enqueuer, now: utils.Now},
		defaults:  defaults,
		stagger:   stagger,
	}
}

// BroadcastKey is the idempotency key of a broadcast message. The suffix has
// one-second resolution.
func BroadcastKey(quoteID, supplierID int64, at time.Time) string {
	return fmt.Sprintf("quote_%d_supplier_%d_%d", quoteID, supplierID, at.Unix())
}

// Broadcast queues one message per reachable supplier. Rejections
// (ErrNotFound, ErrNoCredentials, ErrNoSuppliers) happen before any record is
// written; a failure on one supplier does not stop the others.
func (s *BroadcastService) Broadcast(ctx context.Context, req BroadcastRequest) (*BroadcastResult, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	quote, err := s.quotes.FindForCompany(ctx, companyID, req.QuoteID)
	if err != nil {
		return nil, err
	}
	instance, err := loadSendableInstance(ctx, s.instances, companyID, req.InstanceID)
	if err != nil {
		return nil, err
	}

	found, err := s.quotes.FindBroadcastSuppliers(ctx, companyID, quote.ID, req.SupplierIDs)
	if err != nil {
		return nil, err
	}
	suppliers := found[:0]
	for _, sup := range found {
		if sup.Reachable() {
			suppliers = append(suppliers, sup)
		}
	}
	if len(suppliers) == 0 {
		return nil, fmt.Errorf("%w: quote %d", apperrors.ErrNoSuppliers, quote.ID)
	}

	body := quote.Message
	if req.CustomMessage != nil && *req.CustomMessage != "" {
		body = *req.CustomMessage
	}
	if body == "" {
		return nil, fmt.Errorf("%w: field 'custom_message' is required when the quote has no message", apperrors.ErrValidation)
	}

	log := logger.FromContext(ctx).With(
		zap.Int64("quote_id", quote.ID),
		zap.Int64("instance_id", instance.ID))

	stamp := s.scheduler.now()
	queued := 0
	for i, sup := range suppliers {
		ok, err := s.queueSupplier(ctx, instance, quote.ID, sup, body, i, stamp)
		if err != nil {
			log.Error("Failed to queue broadcast message", zap.Int64("supplier_id", sup.ID), zap.Error(err))
			continue
		}
		if ok {
			queued++
		}
	}

	observer.AddBroadcastQueued(companyID, queued)
	log.Info("Broadcast queued", zap.Int("queued", queued), zap.Int("total", len(suppliers)))
	return &BroadcastResult{Queued: queued, Total: len(suppliers)}, nil
}

// queueSupplier creates and schedules the message for the supplier at index.
// A record already stored under the key counts as queued.
func (s *BroadcastService) queueSupplier(
	ctx context.Context,
	instance *model.WhatsAppInstance,
	quoteID int64,
	sup model.Supplier,
	body string,
	index int,
	stamp time.Time,
) (bool, error) {
	key := BroadcastKey(quoteID, sup.ID, stamp)

	existing, err := s.scheduler.messages.FindByIdempotencyKey(ctx, key)
	switch {
	case err == nil && existing.CompanyID == instance.CompanyID:
		return true, nil
	case err == nil:
		return false, fmt.Errorf("%w: idempotency key already in use", apperrors.ErrConflict)
	case !apperrors.IsNotFoundError(err):
		return false, err
	}

	delayMessage := s.defaults.DefaultDelayMessage + index
	if delayMessage > config.MaxDelay {
		delayMessage = config.MaxDelay
	}
	delayTyping := s.defaults.DefaultDelayTyping

	quote, supplier := quoteID, sup.ID
	msg := &model.WhatsAppMessage{
		WhatsAppInstanceID: instance.ID,
		CompanyID:          instance.CompanyID,
		Direction:          model.DirectionOutbound,
		Phone:              *sup.WhatsApp,
		Message:            body,
		Status:             model.MessageStatusPending,
		IdempotencyKey:     &key,
		QuoteID:            &quote,
		SupplierID:         &supplier,
		ProviderPayload:    model.NewDelayPayload(&delayMessage, &delayTyping),
	}
	if err := s.scheduler.messages.Create(ctx, msg); err != nil {
		if apperrors.IsDuplicateError(err) {
			return true, nil
		}
		return false, err
	}

	if err := s.scheduler.schedule(ctx, msg, time.Duration(index)*s.stagger); err != nil {
		return false, err
	}
	return true, nil
}
