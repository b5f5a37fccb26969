package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JournalSource tells how a journal entry was produced
type JournalSource string

const (
	JournalSourceManual     JournalSource = "manual"
	JournalSourceBrokerSync JournalSource = "broker_sync"
	JournalSourceCopy       JournalSource = "copy"
)

// JournalTrade is the user-facing trade record. Broker-imported entries carry
// an external id of the form "<broker>_<executionId>".
type JournalTrade struct {
	ID               string        `gorm:"primaryKey;size:36" json:"id"`
	UserID           string        `gorm:"size:36;index;not null" json:"user_id"`
	TradingAccountID string        `gorm:"size:36;index;not null" json:"trading_account_id"`
	ExternalID       *string       `gorm:"size:128;uniqueIndex" json:"external_id,omitempty"`
	Symbol           string        `gorm:"size:64;not null;index" json:"symbol"`
	Side             OrderSide     `gorm:"size:10;not null" json:"side"`
	Quantity         float64       `gorm:"type:decimal(20,8);not null" json:"quantity"`
	EntryPrice       float64       `gorm:"type:decimal(20,8)" json:"entry_price"`
	ExitPrice        *float64      `gorm:"type:decimal(20,8)" json:"exit_price,omitempty"`
	StopLoss         *float64      `gorm:"type:decimal(20,8)" json:"stop_loss,omitempty"`
	TakeProfit       *float64      `gorm:"type:decimal(20,8)" json:"take_profit,omitempty"`
	PnL              *float64      `gorm:"column:pnl;type:decimal(20,8)" json:"pnl,omitempty"`
	RiskAmount       *float64      `gorm:"type:decimal(20,8)" json:"risk_amount,omitempty"`
	Source           JournalSource `gorm:"size:20;not null" json:"source"`
	OpenedAt         time.Time     `json:"opened_at"`
	ClosedAt         *time.Time    `json:"closed_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// TableName specifies the table name for JournalTrade model
func (JournalTrade) TableName() string {
	return "journal_trades"
}

// BeforeCreate assigns a UUID when none is set
func (t *JournalTrade) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// BrokerExternalID builds the broker-prefixed identifier used by the sync path
func BrokerExternalID(broker BrokerType, executionID string) string {
	return string(broker) + "_" + executionID
}

// IsClosed returns true once the trade has an exit
func (t *JournalTrade) IsClosed() bool {
	return t.ClosedAt != nil && t.ExitPrice != nil
}

// RMultiple returns the realized risk multiple. A recorded risk amount wins;
// otherwise the price distance to the stop is used.
func (t *JournalTrade) RMultiple() (float64, bool) {
	if t.PnL != nil && t.RiskAmount != nil && *t.RiskAmount > 0 {
		return *t.PnL / *t.RiskAmount, true
	}
	if t.ExitPrice == nil || t.StopLoss == nil {
		return 0, false
	}
	risk := math.Abs(t.EntryPrice - *t.StopLoss)
	if risk == 0 {
		return 0, false
	}
	move := *t.ExitPrice - t.EntryPrice
	if t.Side == OrderSideSell {
		move = -move
	}
	return move / risk, true
}
