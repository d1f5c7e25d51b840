package jetstream

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// ClientInterface defines the interface for the JetStream client
// This allows for easy mocking in tests
type ClientInterface interface {
	// SetupStream ensures the stream exists with the given configuration
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error

	// SetupConsumer ensures the consumer exists with the given configuration for a specific stream
	SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error

	// SubscribePull creates a pull subscription bound to an existing durable consumer
	SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error)

	// Publish publishes a message to a subject with optional headers
	Publish(subject string, data []byte, headers map[string]string) error

	// KeyValue opens the bucket, creating it with the given entry TTL when missing
	KeyValue(ctx context.Context, bucket string, ttl time.Duration) (nats.KeyValue, error)

	// Close closes the NATS connection
	Close()

	// NatsConn returns the underlying *nats.Conn
	NatsConn() *nats.Conn
}
