package ingestion

import (
	"context"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
)

// RouterInterface defines the interface for a callback router
type RouterInterface interface {
	// Register registers a handler for a callback type
	Register(eventType string, handler EventHandler)

	// RegisterDefault registers a default handler for unknown callback types
	RegisterDefault(handler EventHandler)

	// Route decodes and routes a callback to the appropriate handler
	Route(ctx context.Context, instance *model.WhatsAppInstance, rawEvent []byte) error
}

// Ensure Router implements RouterInterface
var _ RouterInterface = (*Router)(nil)
