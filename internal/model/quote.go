package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Supplier response status on the quote_supplier link. Not written by dispatch.
const (
	QuoteSupplierWaiting   = "waiting"
	QuoteSupplierResponded = "responded"
	QuoteSupplierWinner    = "winner"
)

// Quote is a company's request for price.
type Quote struct {
	ID        int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	CompanyID int64     `json:"company_id" gorm:"column:company_id;not null;index"`
	Title     string    `json:"title" gorm:"column:title"`
	Message   string    `json:"message" gorm:"column:message;type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (Quote) TableName(namer schema.Namer) string {
	return namer.TableName("quotes")
}

// Supplier is a vendor reachable on WhatsApp.
type Supplier struct {
	ID        int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	CompanyID int64     `json:"company_id" gorm:"column:company_id;not null;index"`
	Name      string    `json:"name" gorm:"column:name"`
	WhatsApp  *string   `json:"whatsapp,omitempty" gorm:"column:whatsapp;size:20"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (Supplier) TableName(namer schema.Namer) string {
	return namer.TableName("suppliers")
}

// Reachable reports whether the supplier has a WhatsApp number.
func (s *Supplier) Reachable() bool {
	return s.WhatsApp != nil && *s.WhatsApp != ""
}

// QuoteSupplier links a quote to a supplier and mirrors the dispatch status of
// the message sent for it.
type QuoteSupplier struct {
	ID            int64      `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	QuoteID       int64      `json:"quote_id" gorm:"column:quote_id;not null;uniqueIndex:idx_quote_supplier_pair,priority:1"`
	SupplierID    int64      `json:"supplier_id" gorm:"column:supplier_id;not null;uniqueIndex:idx_quote_supplier_pair,priority:2"`
	Status        string     `json:"status" gorm:"column:status;size:20;not null;default:waiting"`
	Value         *float64   `json:"value,omitempty" gorm:"column:value;type:numeric(12,2)"`
	Notes         *string    `json:"notes,omitempty" gorm:"column:notes;type:text"`
	RespondedAt   *time.Time `json:"responded_at,omitempty" gorm:"column:responded_at"`
	MessageStatus string     `json:"message_status" gorm:"column:message_status;size:20;not null;default:pending"`
	ZAPIMessageID *string    `json:"zapi_message_id,omitempty" gorm:"column:zapi_message_id"`
	ZAPIZaapID    *string    `json:"zapi_zaap_id,omitempty" gorm:"column:zapi_zaap_id"`
	QueuedAt      *time.Time `json:"queued_at,omitempty" gorm:"column:queued_at"`
	SentAt        *time.Time `json:"sent_at,omitempty" gorm:"column:sent_at"`
	ErrorMessage  *string    `json:"error_message,omitempty" gorm:"column:error_message;type:text"`
	CreatedAt     time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (QuoteSupplier) TableName(namer schema.Namer) string {
	return namer.TableName("quote_supplier")
}
