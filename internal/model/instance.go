package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Instance connection statuses
const (
	InstanceStatusConnected    = "connected"
	InstanceStatusDisconnected = "disconnected"
	InstanceStatusQRCode       = "qrcode"
)

// WhatsAppInstance is a company's gateway session. Tokens are stored encrypted.
type WhatsAppInstance struct {
	ID                  int64      `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	CompanyID           int64      `json:"company_id" gorm:"column:company_id;not null;index"`
	Name                string     `json:"name" gorm:"column:name;not null"`
	Status              string     `json:"status" gorm:"column:status;size:20;not null;default:disconnected"`
	PhoneNumber         *string    `json:"phone_number,omitempty" gorm:"column:phone_number;size:20"`
	QRCodeBase64        *string    `json:"-" gorm:"column:qr_code_base64;type:text"`
	InstanceID          string     `json:"instance_id,omitempty" gorm:"column:instance_id"`
	InstanceToken       string     `json:"-" gorm:"column:instance_token;type:text"`
	ClientToken         string     `json:"-" gorm:"column:client_token;type:text"`
	SmartphoneConnected bool       `json:"smartphone_connected" gorm:"column:smartphone_connected;not null;default:false"`
	ConnectedAt         *time.Time `json:"connected_at,omitempty" gorm:"column:connected_at"`
	LastStatusError     *string    `json:"last_status_error,omitempty" gorm:"column:last_status_error;type:text"`
	LastStatusAt        *time.Time `json:"last_status_at,omitempty" gorm:"column:last_status_at"`
	LastQRAt            *time.Time `json:"last_qr_at,omitempty" gorm:"column:last_qr_at"`
	CreatedAt           time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (WhatsAppInstance) TableName(namer schema.Namer) string {
	return namer.TableName("whatsapp_instances")
}

// HasCredentials is true when every gateway credential is present.
func (i *WhatsAppInstance) HasCredentials() bool {
	return i.InstanceID != "" && i.InstanceToken != "" && i.ClientToken != ""
}

// InstanceStatusUpdate carries the fields refreshed after a status probe or webhook.
type InstanceStatusUpdate struct {
	Status              string
	SmartphoneConnected bool
	LastStatusError     *string
	CheckedAt           time.Time
	// ConnectedSince is the stored connected_at, kept while the instance stays connected.
	ConnectedSince *time.Time
}

// Columns returns the column writes for the update. connected_at is stamped on
// connection (unless already set) and cleared otherwise.
func (u InstanceStatusUpdate) Columns() map[string]interface{} {
	cols := map[string]interface{}{
		"status":               u.Status,
		"smartphone_connected": u.SmartphoneConnected,
		"last_status_error":    u.LastStatusError,
		"last_status_at":       u.CheckedAt,
	}
	switch {
	case u.Status == InstanceStatusConnected && u.ConnectedSince != nil:
		cols["connected_at"] = *u.ConnectedSince
	case u.Status == InstanceStatusConnected:
		cols["connected_at"] = u.CheckedAt
	default:
		cols["connected_at"] = nil
	}
	return cols
}
