package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CopyStatus represents the lifecycle state of a fan-out attempt
type CopyStatus string

const (
	CopyStatusPending   CopyStatus = "pending"
	CopyStatusSubmitted CopyStatus = "submitted"
	CopyStatusCancelled CopyStatus = "cancelled"
	CopyStatusError     CopyStatus = "error"
)

// ActiveCopyStatuses are the states in which a mirrored order is still live
var ActiveCopyStatuses = []CopyStatus{CopyStatusPending, CopyStatusSubmitted}

// CopyTradeLog is the audit record of one fan-out attempt for one
// (source execution, configuration) pair. Rows are never deleted.
// (config_id, dedup_key) is unique so that two cycles racing on the same
// source event collide at insert time.
type CopyTradeLog struct {
	ID                      string          `gorm:"primaryKey;size:36" json:"id"`
	UserID                  string          `gorm:"size:36;index" json:"user_id"`
	ConfigID                string          `gorm:"size:36;not null;uniqueIndex:idx_copy_dedup,priority:1" json:"config_id"`
	DedupKey                string          `gorm:"size:200;not null;uniqueIndex:idx_copy_dedup,priority:2" json:"dedup_key"`
	SourceAccountID         string          `gorm:"size:36;index;not null" json:"source_account_id"`
	SourceSymbol            string          `gorm:"size:64;not null" json:"source_symbol"`
	SourceSide              OrderSide       `gorm:"size:10;not null" json:"source_side"`
	SourceQuantity          float64         `gorm:"type:decimal(20,8);not null" json:"source_quantity"`
	SourceOrderID           string          `gorm:"size:64;index" json:"source_order_id"`
	SourcePrice             float64         `gorm:"type:decimal(20,8)" json:"source_price"`
	DestinationAccountID    string          `gorm:"size:36;index;not null" json:"destination_account_id"`
	DestinationConnectionID string          `gorm:"size:36" json:"destination_connection_id"`
	DestinationSymbol       string          `gorm:"size:64" json:"destination_symbol"`
	DestinationSide         OrderSide       `gorm:"size:10" json:"destination_side"`
	DestinationQuantity     float64         `gorm:"type:decimal(20,8)" json:"destination_quantity"`
	OrderType               OrderType       `gorm:"size:20" json:"order_type"`
	Multiplier              decimal.Decimal `gorm:"type:decimal(20,8)" json:"multiplier"`
	Status                  CopyStatus      `gorm:"size:20;not null;index" json:"status"`
	DestinationOrderID      string          `gorm:"size:64" json:"destination_order_id,omitempty"`
	DestinationPrice        *float64        `gorm:"type:decimal(20,8)" json:"destination_price,omitempty"`
	ErrorMessage            string          `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt               time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// TableName specifies the table name for CopyTradeLog model
func (CopyTradeLog) TableName() string {
	return "copy_trade_logs"
}

// BeforeCreate assigns a UUID when none is set
func (l *CopyTradeLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// IsActive returns true if the mirrored order may still be cancelled or repriced
func (l *CopyTradeLog) IsActive() bool {
	return l.Status == CopyStatusPending || l.Status == CopyStatusSubmitted
}
