package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
)

// MessageRepo defines message record storage operations
type MessageRepo interface {
	Create(ctx context.Context, message *model.WhatsAppMessage) error
	FindByID(ctx context.Context, id int64) (*model.WhatsAppMessage, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*model.WhatsAppMessage, error)
	FindByProviderID(ctx context.Context, instanceID int64, providerMessageID string) (*model.WhatsAppMessage, error)
	ApplyTransition(ctx context.Context, message *model.WhatsAppMessage, tr model.Transition) error
	IncrementAttempts(ctx context.Context, id int64) (int, error)
	ListQueued(ctx context.Context, companyID int64, limit int) ([]model.WhatsAppMessage, error)
	RequeueFailed(ctx context.Context, companyID int64, messageID int64) ([]model.WhatsAppMessage, error)
	Stats(ctx context.Context, companyID int64, dayStart time.Time) (*model.QueueStats, error)
}

// InstanceRepo defines WhatsApp instance storage operations
type InstanceRepo interface {
	FindByID(ctx context.Context, id int64) (*model.WhatsAppInstance, error)
	FindForCompany(ctx context.Context, companyID, id int64) (*model.WhatsAppInstance, error)
	Update(ctx context.Context, id int64, columns map[string]interface{}) error
}

// QuoteRepo defines the read-only quote and supplier lookups used by broadcasts
type QuoteRepo interface {
	FindForCompany(ctx context.Context, companyID, quoteID int64) (*model.Quote, error)
	FindBroadcastSuppliers(ctx context.Context, companyID, quoteID int64, supplierIDs []int64) ([]model.Supplier, error)
}

// ExhaustedDispatchRepo defines exhausted dispatch storage operations
type ExhaustedDispatchRepo interface {
	Save(ctx context.Context, record model.ExhaustedDispatch) error
}
