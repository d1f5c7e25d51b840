package model

import (
	"time"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// Z-API callback types
const (
	WebhookReceivedMessage     = "ReceivedMessage"
	WebhookMessageStatusUpdate = "MessageStatusUpdate"
	WebhookConnectionUpdate    = "ConnectionUpdate"
)

// Gateway receipt statuses carried by MessageStatusUpdate.
const (
	ReceiptDeliveryAck = "DELIVERY_ACK"
	ReceiptRead        = "READ"
)

// WebhookEvent is the subset of a Z-API callback the dispatcher reads.
// Unknown fields are ignored.
type WebhookEvent struct {
	Type                string `json:"type"`
	InstanceID          string `json:"instanceId,omitempty"`
	MessageID           string `json:"messageId,omitempty"`
	Status              string `json:"status,omitempty"`
	Phone               string `json:"phone,omitempty"`
	From                string `json:"from,omitempty"`
	Connected           bool   `json:"connected"`
	SmartphoneConnected bool   `json:"smartphoneConnected"`
	// Moment is the gateway's event time in unix milliseconds (sic).
	Moment int64 `json:"momment,omitempty"`
}

// OccurredAt is the gateway's event time, or fallback when the callback has none.
func (e *WebhookEvent) OccurredAt(fallback time.Time) time.Time {
	if e.Moment <= 0 {
		return fallback
	}
	return utils.UnixMilliToTime(e.Moment)
}

// ReceiptStatus maps a receipt to the message status it advances to. Other
// gateway statuses (SENT, PLAYED, ...) report false.
func (e *WebhookEvent) ReceiptStatus() (string, bool) {
	switch e.Status {
	case ReceiptDeliveryAck:
		return MessageStatusDelivered, true
	case ReceiptRead:
		return MessageStatusRead, true
	}
	return "", false
}

// InstanceStatus is the instance status implied by a ConnectionUpdate.
func (e *WebhookEvent) InstanceStatus() string {
	if e.Connected {
		return InstanceStatusConnected
	}
	return InstanceStatusDisconnected
}
