package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
	"go.uber.org/zap"
)

// Client wraps NATS JetStream functionality
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new NATS JetStream client
func NewClient(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, s *nats.Subscription, err error) {
			logger.Log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{
		nc: nc,
		js: js,
	}, nil
}

// SetupStream ensures the stream exists with the given configuration
func (c *Client) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	log := logger.FromContext(ctx)

	log.Info("SetupStream...", zap.String("config", fmt.Sprintf("%+v", streamConfig)))

	stream, err := c.js.StreamInfo(streamConfig.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamConfig.Name, err)
	}

	if stream == nil {
		_, err = c.js.AddStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to add stream '%s': %w", streamConfig.Name, err)
		}
		log.Info(
			"Created stream", zap.String("name", streamConfig.Name),
			zap.Any("subjects", streamConfig.Subjects),
		)
	} else {
		if !utils.StreamConfigEqual(stream.Config, *streamConfig) {
			_, err = c.js.UpdateStream(streamConfig)
			if err != nil {
				return fmt.Errorf("failed to update stream '%s': %w", streamConfig.Name, err)
			}
			log.Info(
				"Updated stream", zap.String("name", streamConfig.Name),
				zap.Any("subjects", streamConfig.Subjects),
			)
		} else {
			log.Info(
				"stream no need update", zap.String("name", streamConfig.Name),
				zap.String("provided_cfg", fmt.Sprintf("%+v", streamConfig)),
				zap.String("current_cfg", fmt.Sprintf("%+v", stream.Config)),
			)
		}
	}

	return nil
}

// SetupConsumer ensures the consumer exists with the given configuration for a specific stream
func (c *Client) SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamName), zap.String("consumer", consumerConfig.Durable))

	log.Info("SetupConsumer...", zap.String("config", fmt.Sprintf("%+v", consumerConfig)))

	consumer, err := c.js.ConsumerInfo(streamName, consumerConfig.Durable)
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for stream '%s', consumer '%s': %w", streamName, consumerConfig.Durable, err)
	}

	if consumer == nil {
		_, err = c.js.AddConsumer(streamName, consumerConfig)
		if err != nil {
			return fmt.Errorf("failed to add consumer '%s' to stream '%s': %w", consumerConfig.Durable, streamName, err)
		}
		log.Info("Created consumer",
			zap.String("filter_subject", consumerConfig.FilterSubject),
		)
	} else {
		switch {
		case utils.ConsumerConfigEqual(consumer.Config, *consumerConfig):
			log.Info("consumer no need update")
		case utils.ConsumerNeedsRecreate(consumer.Config, *consumerConfig):
			// Durable consumers cannot change filter, deliver or ack policy in place.
			log.Warn("Consumer config mismatch, attempting update by delete/add",
				zap.String("provided_cfg", fmt.Sprintf("%+v", consumerConfig)),
				zap.String("current_cfg", fmt.Sprintf("%+v", consumer.Config)),
			)
			err = c.js.DeleteConsumer(streamName, consumerConfig.Durable)
			if err != nil {
				return fmt.Errorf("failed to delete existing consumer '%s' from stream '%s' for update: %w", consumerConfig.Durable, streamName, err)
			}
			_, err = c.js.AddConsumer(streamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to re-add consumer '%s' to stream '%s' during update: %w", consumerConfig.Durable, streamName, err)
			}
			log.Info("Recreated consumer",
				zap.String("filter_subject", consumerConfig.FilterSubject),
			)
		default:
			_, err = c.js.UpdateConsumer(streamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to update consumer '%s' on stream '%s': %w", consumerConfig.Durable, streamName, err)
			}
			log.Info("Updated consumer",
				zap.Int("max_deliver", consumerConfig.MaxDeliver),
				zap.Duration("ack_wait", consumerConfig.AckWait),
				zap.Int("max_ack_pending", consumerConfig.MaxAckPending),
			)
		}
	}

	return nil
}

// SubscribePull creates a pull subscription bound to an existing durable consumer
func (c *Client) SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error) {
	sub, err := c.js.PullSubscribe(
		subject,
		consumer,
		nats.Bind(streamName, consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull subscription for stream '%s', consumer '%s': %w", streamName, consumer, err)
	}

	return sub, nil
}

// Publish publishes a message to a subject with optional headers
func (c *Client) Publish(subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data

	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	_, err := c.js.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// KeyValue opens a KV bucket, creating it when missing. Entries expire after ttl.
func (c *Client) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := c.js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open key-value bucket '%s': %w", bucket, err)
	}

	kv, err = c.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucket, err)
	}
	logger.FromContext(ctx).Info("Created key-value bucket", zap.String("bucket", bucket), zap.Duration("ttl", ttl))
	return kv, nil
}

// NatsConn returns the underlying *nats.Conn
func (c *Client) NatsConn() *nats.Conn {
	return c.nc
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}
