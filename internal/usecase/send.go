package usecase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// SendRequest is a single outbound text.
type SendRequest struct {
	InstanceID     int64  `json:"whatsapp_instance_id" validate:"required,gt=0"`
	Phone          string `json:"phone" validate:"required,min=10,max=20,waphone"`
	Message        string `json:"message" validate:"required,max=4096"`
	DelayMessage   *int   `json:"delayMessage,omitempty" validate:"omitempty,gte=1,lte=15"`
	DelayTyping    *int   `json:"delayTyping,omitempty" validate:"omitempty,gte=0,lte=15"`
	IdempotencyKey string `json:"idempotencyKey,omitempty" validate:"omitempty,max=255"`
}

// SendResult identifies the record backing a send.
type SendResult struct {
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// SendService accepts single sends and queues them for dispatch.
type SendService struct {
	instances storage.InstanceRepo
	scheduler scheduler
	seen      *cache.IdempotencyCache
	defaults  config.ZAPIConfig
	newKey    func() string
}

// NewSendService creates a SendService. seen may be nil, in which case every
// caller-supplied key is looked up.
func NewSendService(
	messages storage.MessageRepo,
	instances storage.InstanceRepo,
	enqueuer queue.Enqueuer,
	seen *cache.IdempotencyCache,
	defaults config.ZAPIConfig,
) *SendService {
	return &SendService{
		instances: instances,
		scheduler: scheduler{messages: messages, enqueuer: enqueuer, now: utils.Now},
		seen:      seen,
		defaults:  defaults,
		newKey:    uuid.NewString,
	}
}

// SendOne records the message under its idempotency key and queues it. A key
// already on record returns that record with Duplicate set.
func (s *SendService) SendOne(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	instance, err := loadSendableInstance(ctx, s.instances, companyID, req.InstanceID)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).With(zap.Int64("instance_id", instance.ID))

	key := req.IdempotencyKey
	if key == "" {
		key = s.newKey()
	} else if s.mightExist(key) {
		existing, err := s.lookup(ctx, companyID, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.Info("Duplicate send request", zap.Int64("message_id", existing.ID))
			return &SendResult{MessageID: existing.ID, Status: existing.Status, Duplicate: true}, nil
		}
		if s.seen != nil {
			s.seen.RecordFalsePositive()
		}
	}

	delayMessage, delayTyping := s.defaults.DefaultDelayMessage, s.defaults.DefaultDelayTyping
	if req.DelayMessage != nil {
		delayMessage = *req.DelayMessage
	}
	if req.DelayTyping != nil {
		delayTyping = *req.DelayTyping
	}

	msg := &model.WhatsAppMessage{
		WhatsAppInstanceID: instance.ID,
		CompanyID:          companyID,
		Direction:          model.DirectionOutbound,
		Phone:              req.Phone,
		Message:            req.Message,
		Status:             model.MessageStatusPending,
		IdempotencyKey:     &key,
		ProviderPayload:    model.NewDelayPayload(&delayMessage, &delayTyping),
	}
	if err := s.scheduler.messages.Create(ctx, msg); err != nil {
		if !apperrors.IsDuplicateError(err) {
			return nil, err
		}
		// Lost an insert race on the key.
		existing, lookupErr := s.lookup(ctx, companyID, key)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			return nil, err
		}
		s.remember(key)
		return &SendResult{MessageID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}
	s.remember(key)

	if err := s.scheduler.schedule(ctx, msg, 0); err != nil {
		return nil, err
	}

	log.Info("Message queued",
		zap.Int64("message_id", msg.ID),
		zap.String("phone", gateway.MaskPhone(msg.Phone)))
	return &SendResult{MessageID: msg.ID, Status: msg.Status}, nil
}

func (s *SendService) mightExist(key string) bool {
	return s.seen == nil || s.seen.MaybeSeen(key)
}

func (s *SendService) remember(key string) {
	if s.seen != nil {
		s.seen.Add(key)
	}
}

// lookup returns the record stored under key, or nil. Keys are unique across
// tenants, so another tenant's record is a conflict rather than a duplicate.
func (s *SendService) lookup(ctx context.Context, companyID int64, key string) (*model.WhatsAppMessage, error) {
	existing, err := s.scheduler.messages.FindByIdempotencyKey(ctx, key)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	if existing.CompanyID != companyID {
		return nil, fmt.Errorf("%w: idempotency key already in use", apperrors.ErrConflict)
	}
	return existing, nil
}
