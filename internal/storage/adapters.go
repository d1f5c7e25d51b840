package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
)

// MessageRepoAdapter adapts the PostgresRepo to the MessageRepo interface
type MessageRepoAdapter struct {
	postgres *PostgresRepo
}

// NewMessageRepoAdapter creates a new message repository adapter
func NewMessageRepoAdapter(postgres *PostgresRepo) MessageRepo {
	return &MessageRepoAdapter{postgres: postgres}
}

func (a *MessageRepoAdapter) Create(ctx context.Context, message *model.WhatsAppMessage) error {
	return a.postgres.CreateMessage(ctx, message)
}

func (a *MessageRepoAdapter) FindByID(ctx context.Context, id int64) (*model.WhatsAppMessage, error) {
	return a.postgres.FindMessageByID(ctx, id)
}

func (a *MessageRepoAdapter) FindByIdempotencyKey(ctx context.Context, key string) (*model.WhatsAppMessage, error) {
	return a.postgres.FindMessageByIdempotencyKey(ctx, key)
}

func (a *MessageRepoAdapter) FindByProviderID(ctx context.Context, instanceID int64, providerMessageID string) (*model.WhatsAppMessage, error) {
	return a.postgres.FindMessageByProviderID(ctx, instanceID, providerMessageID)
}

func (a *MessageRepoAdapter) ApplyTransition(ctx context.Context, message *model.WhatsAppMessage, tr model.Transition) error {
	return a.postgres.ApplyTransition(ctx, message, tr)
}

func (a *MessageRepoAdapter) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	return a.postgres.IncrementAttempts(ctx, id)
}

func (a *MessageRepoAdapter) ListQueued(ctx context.Context, companyID int64, limit int) ([]model.WhatsAppMessage, error) {
	return a.postgres.ListQueuedMessages(ctx, companyID, limit)
}

func (a *MessageRepoAdapter) RequeueFailed(ctx context.Context, companyID int64, messageID int64) ([]model.WhatsAppMessage, error) {
	return a.postgres.RequeueFailedMessages(ctx, companyID, messageID)
}

func (a *MessageRepoAdapter) Stats(ctx context.Context, companyID int64, dayStart time.Time) (*model.QueueStats, error) {
	return a.postgres.QueueStats(ctx, companyID, dayStart)
}

// InstanceRepoAdapter adapts the PostgresRepo to the InstanceRepo interface
type InstanceRepoAdapter struct {
	postgres *PostgresRepo
}

// NewInstanceRepoAdapter creates a new instance repository adapter
func NewInstanceRepoAdapter(postgres *PostgresRepo) InstanceRepo {
	return &InstanceRepoAdapter{postgres: postgres}
}

func (a *InstanceRepoAdapter) FindByID(ctx context.Context, id int64) (*model.WhatsAppInstance, error) {
	return a.postgres.FindInstanceByID(ctx, id)
}

func (a *InstanceRepoAdapter) FindForCompany(ctx context.Context, companyID, id int64) (*model.WhatsAppInstance, error) {
	return a.postgres.FindCompanyInstance(ctx, companyID, id)
}

func (a *InstanceRepoAdapter) Update(ctx context.Context, id int64, columns map[string]interface{}) error {
	return a.postgres.UpdateInstance(ctx, id, columns)
}

// QuoteRepoAdapter adapts the PostgresRepo to the QuoteRepo interface
type QuoteRepoAdapter struct {
	postgres *PostgresRepo
}

// NewQuoteRepoAdapter creates a new quote repository adapter
func NewQuoteRepoAdapter(postgres *PostgresRepo) QuoteRepo {
	return &QuoteRepoAdapter{postgres: postgres}
}

func (a *QuoteRepoAdapter) FindForCompany(ctx context.Context, companyID, quoteID int64) (*model.Quote, error) {
	return a.postgres.FindCompanyQuote(ctx, companyID, quoteID)
}

func (a *QuoteRepoAdapter) FindBroadcastSuppliers(ctx context.Context, companyID, quoteID int64, supplierIDs []int64) ([]model.Supplier, error) {
	return a.postgres.FindBroadcastSuppliers(ctx, companyID, quoteID, supplierIDs)
}

// ExhaustedDispatchRepoAdapter adapts the PostgresRepo to the ExhaustedDispatchRepo interface
type ExhaustedDispatchRepoAdapter struct {
	postgres *PostgresRepo
}

// NewExhaustedDispatchRepoAdapter creates a new exhausted dispatch repository adapter
func NewExhaustedDispatchRepoAdapter(postgres *PostgresRepo) ExhaustedDispatchRepo {
	return &ExhaustedDispatchRepoAdapter{postgres: postgres}
}

func (a *ExhaustedDispatchRepoAdapter) Save(ctx context.Context, record model.ExhaustedDispatch) error {
	return a.postgres.SaveExhaustedDispatch(ctx, record)
}
