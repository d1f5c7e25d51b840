package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
)

// Webhook outcomes reported to metrics.
const (
	ResultHandled = "handled"
	ResultIgnored = "ignored"
	ResultError   = "error"
)

// EventHandler processes one decoded gateway callback for instance.
type EventHandler func(ctx context.Context, instance *model.WhatsAppInstance, event *model.WebhookEvent) error

// Router routes gateway callbacks to the handler registered for their type
type Router struct {
	handlers map[string]EventHandler
	// Handler for unregistered types
	defaultHandler EventHandler
}

// NewRouter creates a new callback router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]EventHandler),
	}
}

// Register registers a handler for a callback type
func (r *Router) Register(eventType string, handler EventHandler) {
	r.handlers[eventType] = handler
}

// RegisterDefault registers a handler for unknown callback types
func (r *Router) RegisterDefault(handler EventHandler) {
	r.defaultHandler = handler
}

// Route decodes rawEvent and hands it to the matching handler. A payload that
// is not a JSON object wraps apperrors.ErrBadRequest.
func (r *Router) Route(ctx context.Context, instance *model.WhatsAppInstance, rawEvent []byte) error {
	log := logger.FromContext(ctx).With(zap.Int64("instance_id", instance.ID))

	var event model.WebhookEvent
	if err := json.Unmarshal(rawEvent, &event); err != nil {
		log.Warn("Malformed webhook payload", zap.Error(err), zap.Int("payload_bytes", len(rawEvent)))
		observer.IncWebhookEvent("malformed", ResultError)
		return fmt.Errorf("%w: malformed webhook payload: %v", apperrors.ErrBadRequest, err)
	}

	ctx = tenant.WithCompanyID(ctx, instance.CompanyID)
	log = log.With(zap.String("event_type", event.Type))
	ctx = logger.WithLogger(ctx, log)

	log.Info("Webhook received", zap.Int("payload_bytes", len(rawEvent)))

	handler, ok := r.handlers[event.Type]
	label := event.Type
	if !ok {
		// Types come from the caller; keep the metric label set closed.
		label = "unknown"
		if r.defaultHandler == nil {
			log.Info("No handler registered for webhook type")
			observer.IncWebhookEvent(label, ResultIgnored)
			return nil
		}
		handler = r.defaultHandler
	}

	if err := handler(ctx, instance, &event); err != nil {
		observer.IncWebhookEvent(label, ResultError)
		return err
	}
	observer.IncWebhookEvent(label, ResultHandled)
	return nil
}
