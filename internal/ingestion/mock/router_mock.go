package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
)

// RouterMock is a mock implementation of the ingestion.RouterInterface
type RouterMock struct {
	mock.Mock
}

// Ensure RouterMock implements RouterInterface
var _ ingestion.RouterInterface = (*RouterMock)(nil)

// Register mocks the Register method
func (m *RouterMock) Register(eventType string, handler ingestion.EventHandler) {
	m.Called(eventType, handler)
}

// RegisterDefault mocks the RegisterDefault method
func (m *RouterMock) RegisterDefault(handler ingestion.EventHandler) {
	m.Called(handler)
}

// Route mocks the Route method
func (m *RouterMock) Route(ctx context.Context, instance *model.WhatsAppInstance, rawEvent []byte) error {
	args := m.Called(ctx, instance, rawEvent)
	return args.Error(0)
}
