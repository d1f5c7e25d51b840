package utils

import (
	"slices"

	"github.com/nats-io/nats.go"
)

// StreamConfigEqual reports whether the stream settings the dispatcher owns
// match. Fields the server fills in are ignored.
func StreamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Retention == b.Retention &&
		a.Storage == b.Storage &&
		a.MaxAge == b.MaxAge &&
		slices.Equal(a.Subjects, b.Subjects)
}

// ConsumerNeedsRecreate is true when a durable consumer differs in a setting
// the server refuses to change in place.
func ConsumerNeedsRecreate(current, want nats.ConsumerConfig) bool {
	return current.Durable != want.Durable ||
		current.FilterSubject != want.FilterSubject ||
		current.AckPolicy != want.AckPolicy ||
		current.DeliverPolicy != want.DeliverPolicy
}

// ConsumerConfigEqual also compares the redelivery tunables.
func ConsumerConfigEqual(a, b nats.ConsumerConfig) bool {
	return !ConsumerNeedsRecreate(a, b) &&
		a.MaxDeliver == b.MaxDeliver &&
		a.AckWait == b.AckWait &&
		a.MaxAckPending == b.MaxAckPending
}
