package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CopyConfiguration is a directed edge from a source trading account to a
// destination trading account. The execution pipeline only reads it.
type CopyConfiguration struct {
	ID                   string                      `gorm:"primaryKey;size:36" json:"id"`
	UserID               string                      `gorm:"size:36;index;not null" json:"user_id"`
	SourceAccountID      string                      `gorm:"size:36;index;not null" json:"source_account_id"`
	DestinationAccountID string                      `gorm:"size:36;index;not null" json:"destination_account_id"`
	Multiplier           decimal.Decimal             `gorm:"type:decimal(20,8);not null" json:"multiplier"`
	Enabled              bool                        `gorm:"index" json:"enabled"`
	SymbolAllowList      datatypes.JSONSlice[string] `json:"symbol_allow_list"`
	SymbolDenyList       datatypes.JSONSlice[string] `json:"symbol_deny_list"`
	MinRR                *float64                    `gorm:"column:min_rr" json:"min_rr,omitempty"`
	MaxRR                *float64                    `gorm:"column:max_rr" json:"max_rr,omitempty"`
	CreatedAt            time.Time                   `json:"created_at"`
	UpdatedAt            time.Time                   `json:"updated_at"`
}

// TableName specifies the table name for CopyConfiguration model
func (CopyConfiguration) TableName() string {
	return "copy_configurations"
}

// BeforeCreate assigns a UUID when none is set
func (c *CopyConfiguration) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// AllowsSymbol applies the allow-list then the deny-list
func (c *CopyConfiguration) AllowsSymbol(symbol string) bool {
	if len(c.SymbolAllowList) > 0 && !symbolListContains(c.SymbolAllowList, symbol) {
		return false
	}
	if len(c.SymbolDenyList) > 0 && symbolListContains(c.SymbolDenyList, symbol) {
		return false
	}
	return true
}

// AllowsRR reports whether a realized R multiple lies within the configured
// bounds. Unset bounds are open.
func (c *CopyConfiguration) AllowsRR(rr float64) bool {
	if c.MinRR != nil && rr < *c.MinRR {
		return false
	}
	if c.MaxRR != nil && rr > *c.MaxRR {
		return false
	}
	return true
}

// HasRRFilter returns true if either RR bound is set
func (c *CopyConfiguration) HasRRFilter() bool {
	return c.MinRR != nil || c.MaxRR != nil
}

// ScaleQuantity returns round(quantity * multiplier)
func (c *CopyConfiguration) ScaleQuantity(quantity float64) float64 {
	return decimal.NewFromFloat(quantity).Mul(c.Multiplier).Round(0).InexactFloat64()
}

// symbolListContains matches case-insensitively on the full symbol or on
// its contract root, so "ES" matches "ESZ5" style and "CON.F.US.ES.Z25"
// style contract identifiers.
func symbolListContains(list []string, symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	root := SymbolRoot(symbol)
	for _, entry := range list {
		entry = strings.ToUpper(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == symbol || entry == root {
			return true
		}
	}
	return false
}

// SymbolRoot extracts the product root of a futures contract symbol.
// Dotted contract ids keep their fourth segment; month-coded symbols drop
// the trailing month letter and year digits.
func SymbolRoot(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if parts := strings.Split(symbol, "."); len(parts) >= 5 {
		return parts[3]
	}

	end := len(symbol)
	for end > 0 && symbol[end-1] >= '0' && symbol[end-1] <= '9' {
		end--
	}
	if end == len(symbol) || end < 2 {
		return symbol
	}
	if strings.IndexByte("FGHJKMNQUVXZ", symbol[end-1]) >= 0 {
		return symbol[:end-1]
	}
	return symbol
}
