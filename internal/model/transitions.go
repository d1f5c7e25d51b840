package model

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ErrInvalidTransition is returned when a message cannot move to the requested status.
var ErrInvalidTransition = errors.New("invalid message status transition")

// Transition is the outcome of a state-machine step: the next status, the
// column writes on whatsapp_messages and, for quote messages, the mirrored
// writes on quote_supplier. Storage applies both in a single transaction.
type Transition struct {
	From    string
	To      string
	Updates map[string]interface{}
	Pivot   map[string]interface{}
}

var allowedFrom = map[string][]string{
	MessageStatusQueued:    {MessageStatusPending, MessageStatusFailed},
	MessageStatusSent:      {MessageStatusQueued, MessageStatusPending},
	MessageStatusFailed:    {MessageStatusPending, MessageStatusQueued},
	MessageStatusDelivered: {MessageStatusSent},
	MessageStatusRead:      {MessageStatusSent, MessageStatusDelivered},
}

// CanTransition reports whether a message in status from may move to status to.
func CanTransition(from, to string) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

func newTransition(msg *WhatsAppMessage, to string, now time.Time) (Transition, error) {
	if !CanTransition(msg.Status, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s (message %d)", ErrInvalidTransition, msg.Status, to, msg.ID)
	}
	return Transition{
		From:    msg.Status,
		To:      to,
		Updates: map[string]interface{}{"status": to, "updated_at": now},
	}, nil
}

// MarkAsQueued moves a pending (or requeued failed) message into the dispatch queue.
func MarkAsQueued(msg *WhatsAppMessage, now time.Time) (Transition, error) {
	t, err := newTransition(msg, MessageStatusQueued, now)
	if err != nil {
		return t, err
	}
	t.Updates["queued_at"] = now
	if msg.LinkedToQuote() {
		t.Pivot = map[string]interface{}{
			"message_status": MessageStatusQueued,
			"queued_at":      now,
			"error_message":  nil,
			"updated_at":     now,
		}
	}
	return t, nil
}

// MarkAsSent records a gateway acceptance.
func MarkAsSent(msg *WhatsAppMessage, zaapID, providerMessageID string, response datatypes.JSON, now time.Time) (Transition, error) {
	t, err := newTransition(msg, MessageStatusSent, now)
	if err != nil {
		return t, err
	}
	t.Updates["zaap_id"] = nullable(zaapID)
	t.Updates["whatsapp_message_id"] = nullable(providerMessageID)
	t.Updates["provider_response"] = response
	t.Updates["sent_at"] = now
	t.Updates["error_message"] = nil
	if msg.LinkedToQuote() {
		t.Pivot = map[string]interface{}{
			"message_status":  MessageStatusSent,
			"zapi_message_id": nullable(providerMessageID),
			"zapi_zaap_id":    nullable(zaapID),
			"sent_at":         now,
			"error_message":   nil,
			"updated_at":      now,
		}
	}
	return t, nil
}

// MarkAsFailed records a terminal failure. response may be nil.
func MarkAsFailed(msg *WhatsAppMessage, errText string, response datatypes.JSON, now time.Time) (Transition, error) {
	t, err := newTransition(msg, MessageStatusFailed, now)
	if err != nil {
		return t, err
	}
	t.Updates["error_message"] = errText
	if len(response) > 0 {
		t.Updates["provider_response"] = response
	}
	if msg.LinkedToQuote() {
		t.Pivot = map[string]interface{}{
			"message_status": MessageStatusFailed,
			"error_message":  errText,
			"updated_at":     now,
		}
	}
	return t, nil
}

// AdvanceDelivery applies a delivery receipt (delivered or read). The quote
// link only tracks dispatch, so receipts leave it untouched.
func AdvanceDelivery(msg *WhatsAppMessage, to string, now time.Time) (Transition, error) {
	if to != MessageStatusDelivered && to != MessageStatusRead {
		return Transition{}, fmt.Errorf("%w: %q is not a receipt status", ErrInvalidTransition, to)
	}
	return newTransition(msg, to, now)
}

// Requeue resets a failed message for another dispatch budget.
func Requeue(msg *WhatsAppMessage, now time.Time) (Transition, error) {
	if msg.Status != MessageStatusFailed {
		return Transition{}, fmt.Errorf("%w: only failed messages can be requeued (message %d is %s)", ErrInvalidTransition, msg.ID, msg.Status)
	}
	t, err := MarkAsQueued(msg, now)
	if err != nil {
		return t, err
	}
	t.Updates["error_message"] = nil
	t.Updates["attempts"] = 0
	return t, nil
}

// IsTerminal reports whether dispatch no longer acts on the status.
func IsTerminal(status string) bool {
	switch status {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed:
		return true
	}
	return false
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
