package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BrokerType represents supported broker integrations
type BrokerType string

const (
	BrokerProjectX  BrokerType = "projectx"
	BrokerBybit     BrokerType = "bybit"
	BrokerTradovate BrokerType = "tradovate"
)

// Valid reports whether the broker type is a known integration
func (b BrokerType) Valid() bool {
	switch b {
	case BrokerProjectX, BrokerBybit, BrokerTradovate:
		return true
	}
	return false
}

// TradingAccount is a user-owned account that may be the source or the
// destination of copy configurations
type TradingAccount struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	UserID     string     `gorm:"size:36;index;not null" json:"user_id"`
	Name       string     `gorm:"size:100;not null" json:"name"`
	BrokerType BrokerType `gorm:"size:20" json:"broker_type"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName specifies the table name for TradingAccount model
func (TradingAccount) TableName() string {
	return "trading_accounts"
}

// BeforeCreate assigns a UUID when none is set
func (a *TradingAccount) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// BrokerConnection binds a trading account to a broker integration and the
// credentials used to reach it. Secret material is stored sealed.
type BrokerConnection struct {
	ID                    string     `gorm:"primaryKey;size:36" json:"id"`
	UserID                string     `gorm:"size:36;index;not null" json:"user_id"`
	TradingAccountID      string     `gorm:"size:36;uniqueIndex;not null" json:"trading_account_id"`
	BrokerType            BrokerType `gorm:"size:20;not null" json:"broker_type"`
	AccountName           string     `gorm:"size:100" json:"account_name"`
	BrokerAccountID       string     `gorm:"size:64" json:"broker_account_id"`
	Username              string     `gorm:"size:100" json:"username,omitempty"`
	APIKeyEncrypted       string     `gorm:"size:512" json:"-"`
	APISecretEncrypted    string     `gorm:"size:512" json:"-"`
	AccessTokenEncrypted  string     `gorm:"type:text" json:"-"`
	RefreshTokenEncrypted string     `gorm:"type:text" json:"-"`
	TokenExpiresAt        *time.Time `json:"token_expires_at,omitempty"`
	BaseURL               string     `gorm:"size:255" json:"base_url,omitempty"`
	Enabled               bool       `gorm:"index" json:"enabled"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// TableName specifies the table name for BrokerConnection model
func (BrokerConnection) TableName() string {
	return "broker_connections"
}

// BeforeCreate assigns a UUID when none is set
func (c *BrokerConnection) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// HasAPIKeyAuth returns true if long-lived API key credentials are stored.
// ProjectX pairs the key with a username, Bybit with a secret.
func (c *BrokerConnection) HasAPIKeyAuth() bool {
	if c.APIKeyEncrypted == "" {
		return false
	}
	return strings.TrimSpace(c.Username) != "" || c.APISecretEncrypted != ""
}

// HasOAuth returns true if an OAuth access token is stored
func (c *BrokerConnection) HasOAuth() bool {
	return c.AccessTokenEncrypted != ""
}

// TokenNeedsRefresh returns true if the access token expires within skew
func (c *BrokerConnection) TokenNeedsRefresh(now time.Time, skew time.Duration) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*c.TokenExpiresAt)
}

// ConnectionResponse is the API view of a connection, without secrets
type ConnectionResponse struct {
	ID               string     `json:"id"`
	TradingAccountID string     `json:"trading_account_id"`
	BrokerType       BrokerType `json:"broker_type"`
	AccountName      string     `json:"account_name"`
	BrokerAccountID  string     `json:"broker_account_id"`
	AuthMethod       string     `json:"auth_method"`
	TokenExpiresAt   *time.Time `json:"token_expires_at,omitempty"`
	Enabled          bool       `json:"enabled"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ToResponse strips secret material from the connection
func (c *BrokerConnection) ToResponse() ConnectionResponse {
	method := "none"
	switch {
	case c.HasAPIKeyAuth():
		method = "api_key"
	case c.HasOAuth():
		method = "oauth"
	}
	return ConnectionResponse{
		ID:               c.ID,
		TradingAccountID: c.TradingAccountID,
		BrokerType:       c.BrokerType,
		AccountName:      c.AccountName,
		BrokerAccountID:  c.BrokerAccountID,
		AuthMethod:       method,
		TokenExpiresAt:   c.TokenExpiresAt,
		Enabled:          c.Enabled,
		LastSyncedAt:     c.LastSyncedAt,
		CreatedAt:        c.CreatedAt,
	}
}
