package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
)

// EnqueuerMock mocks queue.Enqueuer
type EnqueuerMock struct {
	mock.Mock
}

var _ queue.Enqueuer = (*EnqueuerMock)(nil)

// Enqueue mocks the Enqueue method
func (m *EnqueuerMock) Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error {
	args := m.Called(ctx, job, delay)
	return args.Error(0)
}

// HandlerMock mocks queue.Handler
type HandlerMock struct {
	mock.Mock
}

var _ queue.Handler = (*HandlerMock)(nil)

// Run mocks the Run method
func (m *HandlerMock) Run(ctx context.Context, messageID int64) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

// Failed mocks the Failed method
func (m *HandlerMock) Failed(ctx context.Context, messageID int64, cause error) {
	m.Called(ctx, messageID, cause)
}
