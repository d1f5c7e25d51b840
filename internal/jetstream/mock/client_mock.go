package mock

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/jetstream"
)

// ClientMock is a mock implementation of the JetStream Client
type ClientMock struct {
	mock.Mock
}

// Ensure ClientMock implements jetstream.ClientInterface
var _ jetstream.ClientInterface = (*ClientMock)(nil)

// SetupStream mocks the SetupStream method
func (m *ClientMock) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	args := m.Called(ctx, streamConfig)
	return args.Error(0)
}

// SetupConsumer mocks the SetupConsumer method
func (m *ClientMock) SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error {
	args := m.Called(ctx, streamName, consumerConfig)
	return args.Error(0)
}

// SubscribePull mocks the SubscribePull method
func (m *ClientMock) SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error) {
	args := m.Called(streamName, subject, consumer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nats.Subscription), args.Error(1)
}

// Publish mocks the Publish method
func (m *ClientMock) Publish(subject string, data []byte, headers map[string]string) error {
	args := m.Called(subject, data, headers)
	return args.Error(0)
}

// KeyValue mocks the KeyValue method
func (m *ClientMock) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	args := m.Called(ctx, bucket, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(nats.KeyValue), args.Error(1)
}

// NatsConn mocks the NatsConn method
func (m *ClientMock) NatsConn() *nats.Conn {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*nats.Conn)
}

// Close mocks the Close method
func (m *ClientMock) Close() {
	m.Called()
}
