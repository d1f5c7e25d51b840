package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Message directions
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Message statuses. Outbound records move pending -> queued -> sent|failed and
// sent -> delivered -> read once the gateway reports receipts.
const (
	MessageStatusPending   = "pending"
	MessageStatusQueued    = "queued"
	MessageStatusSent      = "sent"
	MessageStatusFailed    = "failed"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// WhatsAppMessage is one outbound (or inbound) WhatsApp message and its delivery lifecycle.
type WhatsAppMessage struct {
	ID                 int64          `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	WhatsAppInstanceID int64          `json:"whatsapp_instance_id" gorm:"column:whatsapp_instance_id;not null;index:idx_wa_messages_instance_status,priority:1"`
	CompanyID          int64          `json:"company_id" gorm:"column:company_id;not null;index"`
	Direction          string         `json:"direction" gorm:"column:direction;size:10;not null;default:outbound"`
	Phone              string         `json:"phone" gorm:"column:phone;size:20;not null;index:idx_wa_messages_phone_created,priority:1"`
	Message            string         `json:"message" gorm:"column:message;type:text;not null"`
	Status             string         `json:"status" gorm:"column:status;size:20;not null;default:pending;index:idx_wa_messages_instance_status,priority:2"`
	ZaapID             *string        `json:"zaap_id,omitempty" gorm:"column:zaap_id"`
	WhatsAppMessageID  *string        `json:"whatsapp_message_id,omitempty" gorm:"column:whatsapp_message_id;index"`
	ProviderPayload    datatypes.JSON `json:"provider_payload,omitempty" gorm:"type:jsonb;column:provider_payload"`
	ProviderResponse   datatypes.JSON `json:"provider_response,omitempty" gorm:"type:jsonb;column:provider_response"`
	ErrorMessage       *string        `json:"error_message,omitempty" gorm:"column:error_message;type:text"`
	IdempotencyKey     *string        `json:"idempotency_key,omitempty" gorm:"column:idempotency_key;uniqueIndex"`
	QuoteID            *int64         `json:"quote_id,omitempty" gorm:"column:quote_id;index"`
	SupplierID         *int64         `json:"supplier_id,omitempty" gorm:"column:supplier_id;index"`
	Attempts           int            `json:"attempts" gorm:"column:attempts;not null;default:0"`
	QueuedAt           *time.Time     `json:"queued_at,omitempty" gorm:"column:queued_at"`
	SentAt             *time.Time     `json:"sent_at,omitempty" gorm:"column:sent_at"`
	CreatedAt          time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime;index:idx_wa_messages_phone_created,priority:2"`
	UpdatedAt          time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (WhatsAppMessage) TableName(namer schema.Namer) string {
	return namer.TableName("whatsapp_messages")
}

// LinkedToQuote reports whether the message mirrors its status onto a quote_supplier row.
func (m *WhatsAppMessage) LinkedToQuote() bool {
	return m.QuoteID != nil && m.SupplierID != nil
}

// DelayPayload is the typing simulation stored in provider_payload when the record is created.
type DelayPayload struct {
	DelayMessage *int `json:"delayMessage,omitempty"`
	DelayTyping  *int `json:"delayTyping,omitempty"`
}

// NewDelayPayload encodes the requested delays for provider_payload.
func NewDelayPayload(delayMessage, delayTyping *int) datatypes.JSON {
	b, _ := json.Marshal(DelayPayload{DelayMessage: delayMessage, DelayTyping: delayTyping})
	return datatypes.JSON(b)
}

// Delays decodes provider_payload. Missing or malformed payloads yield no delays.
func (m *WhatsAppMessage) Delays() DelayPayload {
	var p DelayPayload
	if len(m.ProviderPayload) == 0 {
		return p
	}
	if err := json.Unmarshal(m.ProviderPayload, &p); err != nil {
		return DelayPayload{}
	}
	return p
}

// QueueStats summarises a tenant's dispatch queue.
type QueueStats struct {
	Pending   int64           `json:"pending"`
	SentToday int64           `json:"sent_today"`
	Failed    int64           `json:"failed"`
	Recent    []RecentMessage `json:"recent"`
}

// RecentMessage is a queue status row joined with its supplier and quote names.
type RecentMessage struct {
	ID        int64      `json:"id" gorm:"column:id"`
	Phone     string     `json:"phone" gorm:"column:phone"`
	Status    string     `json:"status" gorm:"column:status"`
	Supplier  *string    `json:"supplier" gorm:"column:supplier"`
	Quote     *string    `json:"quote" gorm:"column:quote"`
	CreatedAt time.Time  `json:"created_at" gorm:"column:created_at"`
	SentAt    *time.Time `json:"sent_at" gorm:"column:sent_at"`
	Error     *string    `json:"error" gorm:"column:error"`
}
