package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// WebhookService consumes Z-API callbacks: delivery receipts and connection changes.
type WebhookService struct {
	instances storage.InstanceRepo
	messages  storage.MessageRepo
	router    ingestion.RouterInterface
	secret    string
	now       func() time.Time
}

// NewWebhookService creates a WebhookService and registers its handlers on
// router. An empty secret disables the X-Webhook-Secret check.
func NewWebhookService(instances storage.InstanceRepo, messages storage.MessageRepo, router ingestion.RouterInterface, secret string) *WebhookService {
	s := &WebhookService{
		instances: instances,
		messages:  messages,
		router:    router,
		secret:    secret,
		now:       utils.Now,
	}
	router.Register(model.WebhookMessageStatusUpdate, s.handleStatusUpdate)
	router.Register(model.WebhookConnectionUpdate, s.handleConnectionUpdate)
	router.Register(model.WebhookReceivedMessage, s.handleReceivedMessage)
	router.RegisterDefault(s.handleUnhandled)
	return s
}

// Handle authenticates and routes one callback for the instance with primary key instanceID.
func (s *WebhookService) Handle(ctx context.Context, instanceID int64, secret string, payload []byte) error {
	instance, err := s.instances.FindByID(ctx, instanceID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			logger.FromContext(ctx).Warn("Webhook for unknown instance", zap.Int64("instance_id", instanceID))
		}
		return err
	}

	if s.secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) != 1 {
		logger.FromContext(ctx).Warn("Webhook secret mismatch", zap.Int64("instance_id", instanceID))
		return fmt.Errorf("%w: invalid webhook secret", apperrors.ErrUnauthorized)
	}

	return s.router.Route(ctx, instance, payload)
}

func (s *WebhookService) handleStatusUpdate(ctx context.Context, instance *model.WhatsAppInstance, event *model.WebhookEvent) error {
	log := logger.FromContext(ctx)
	if event.MessageID == "" {
		return nil
	}
	to, ok := event.ReceiptStatus()
	if !ok {
		log.Debug("Ignoring receipt status", zap.String("status", event.Status))
		return nil
	}

	msg, err := s.messages.FindByProviderID(ctx, instance.ID, event.MessageID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			log.Info("Receipt for unknown message", zap.String("provider_message_id", event.MessageID))
			return nil
		}
		return err
	}

	log = log.With(zap.Int64("message_id", msg.ID))
	tr, err := model.AdvanceDelivery(msg, to, s.now())
	if err != nil {
		// Late or repeated receipts, e.g. DELIVERY_ACK after READ.
		log.Debug("Receipt does not advance message", zap.String("status", msg.Status), zap.String("receipt", event.Status))
		return nil
	}
	if err := s.messages.ApplyTransition(ctx, msg, tr); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			log.Info("Message changed while applying receipt", zap.Error(err))
			return nil
		}
		return err
	}

	log.Info("Message status updated", zap.String("status", to))
	return nil
}

func (s *WebhookService) handleConnectionUpdate(ctx context.Context, instance *model.WhatsAppInstance, event *model.WebhookEvent) error {
	columns := map[string]interface{}{
		"status":               event.InstanceStatus(),
		"smartphone_connected": event.SmartphoneConnected,
		"connected_at":         nil,
	}
	if event.Connected {
		columns["connected_at"] = event.OccurredAt(s.now())
	}
	if err := s.instances.Update(ctx, instance.ID, columns); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("Instance connection updated", zap.Bool("connected", event.Connected))
	return nil
}

// Inbound messages are not stored yet.
func (s *WebhookService) handleReceivedMessage(ctx context.Context, _ *model.WhatsAppInstance, event *model.WebhookEvent) error {
	from := event.Phone
	if from == "" {
		from = event.From
	}
	logger.FromContext(ctx).Info("Inbound message received", zap.String("from", gateway.MaskPhone(from)))
	return nil
}

func (s *WebhookService) handleUnhandled(ctx context.Context, _ *model.WhatsAppInstance, event *model.WebhookEvent) error {
	logger.FromContext(ctx).Info("Unhandled webhook type", zap.String("type", event.Type))
	return nil
}
