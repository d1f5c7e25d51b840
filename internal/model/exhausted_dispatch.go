package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// ExhaustedDispatch records a message whose dispatch job gave up. It is written
// by the terminal failure hook and kept for manual inspection.
type ExhaustedDispatch struct {
	ID         uint       `gorm:"primaryKey"`
	CreatedAt  time.Time  // Automatically set by GORM
	MessageID  int64      `gorm:"index;not null"`
	CompanyID  int64      `gorm:"index;not null"`
	InstanceID int64      `gorm:"not null"`
	LastError  string     `gorm:"type:text"`
	Attempts   int        // gateway calls made
	Deliveries int        // queue deliveries observed, includes deferrals
	Resolved   bool       `gorm:"index;default:false"`
	ResolvedAt *time.Time `gorm:"index"`
	Notes      string     `gorm:"type:text"`
}

// TableName specifies the table name for the ExhaustedDispatch model, respecting the Namer.
func (ExhaustedDispatch) TableName(namer schema.Namer) string {
	return namer.TableName("exhausted_dispatches")
}
