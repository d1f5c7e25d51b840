package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
)

// --- MessageRepo Mock ---

// MessageRepoMock mocks the MessageRepo interface
type MessageRepoMock struct {
	mock.Mock
}

// Create mocks the Create method
func (m *MessageRepoMock) Create(ctx context.Context, message *model.WhatsAppMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

// FindByID mocks the FindByID method
func (m *MessageRepoMock) FindByID(ctx context.Context, id int64) (*model.WhatsAppMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WhatsAppMessage), args.Error(1)
}

// FindByIdempotencyKey mocks the FindByIdempotencyKey method
func (m *MessageRepoMock) FindByIdempotencyKey(ctx context.Context, key string) (*model.WhatsAppMessage, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WhatsAppMessage), args.Error(1)
}

// FindByProviderID mocks the FindByProviderID method
func (m *MessageRepoMock) FindByProviderID(ctx context.Context, instanceID int64, providerMessageID string) (*model.WhatsAppMessage, error) {
	args := m.Called(ctx, instanceID, providerMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WhatsAppMessage), args.Error(1)
}

// ApplyTransition mocks the ApplyTransition method. On success the in-memory
// status follows the transition like the real repository does.
func (m *MessageRepoMock) ApplyTransition(ctx context.Context, message *model.WhatsAppMessage, tr model.Transition) error {
	args := m.Called(ctx, message, tr)
	if err := args.Error(0); err != nil {
		return err
	}
	message.Status = tr.To
	return nil
}

// IncrementAttempts mocks the IncrementAttempts method
func (m *MessageRepoMock) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

// ListQueued mocks the ListQueued method
func (m *MessageRepoMock) ListQueued(ctx context.Context, companyID int64, limit int) ([]model.WhatsAppMessage, error) {
	args := m.Called(ctx, companyID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.WhatsAppMessage), args.Error(1)
}

// RequeueFailed mocks the RequeueFailed method
func (m *MessageRepoMock) RequeueFailed(ctx context.Context, companyID int64, messageID int64) ([]model.WhatsAppMessage, error) {
	args := m.Called(ctx, companyID, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.WhatsAppMessage), args.Error(1)
}

// Stats mocks the Stats method
func (m *MessageRepoMock) Stats(ctx context.Context, companyID int64, dayStart time.Time) (*model.QueueStats, error) {
	args := m.Called(ctx, companyID, dayStart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.QueueStats), args.Error(1)
}

// --- InstanceRepo Mock ---

// InstanceRepoMock mocks the InstanceRepo interface
type InstanceRepoMock struct {
	mock.Mock
}

// FindByID mocks the FindByID method
func (m *InstanceRepoMock) FindByID(ctx context.Context, id int64) (*model.WhatsAppInstance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WhatsAppInstance), args.Error(1)
}

// FindForCompany mocks the FindForCompany method
func (m *InstanceRepoMock) FindForCompany(ctx context.Context, companyID, id int64) (*model.WhatsAppInstance, error) {
	args := m.Called(ctx, companyID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WhatsAppInstance), args.Error(1)
}

// Update mocks the Update method
func (m *InstanceRepoMock) Update(ctx context.Context, id int64, columns map[string]interface{}) error {
	args := m.Called(ctx, id, columns)
	return args.Error(0)
}

// --- QuoteRepo Mock ---

// QuoteRepoMock mocks the QuoteRepo interface
type QuoteRepoMock struct {
	mock.Mock
}

// FindForCompany mocks the FindForCompany method
func (m *QuoteRepoMock) FindForCompany(ctx context.Context, companyID, quoteID int64) (*model.Quote, error) {
	args := m.Called(ctx, companyID, quoteID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Quote), args.Error(1)
}

// FindBroadcastSuppliers mocks the FindBroadcastSuppliers method
func (m *QuoteRepoMock) FindBroadcastSuppliers(ctx context.Context, companyID, quoteID int64, supplierIDs []int64) ([]model.Supplier, error) {
	args := m.Called(ctx, companyID, quoteID, supplierIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Supplier), args.Error(1)
}

// --- ExhaustedDispatchRepo Mock ---

// ExhaustedDispatchRepoMock mocks the ExhaustedDispatchRepo interface
type ExhaustedDispatchRepoMock struct {
	mock.Mock
}

// Save mocks the Save method
func (m *ExhaustedDispatchRepoMock) Save(ctx context.Context, record model.ExhaustedDispatch) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}
