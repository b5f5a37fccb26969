package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/marketpulse/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// CreateAccount inserts a trading account for userID
func CreateAccount(t *testing.T, db *gorm.DB, userID, name string, broker models.BrokerType) *models.TradingAccount {
	t.Helper()
	account := &models.TradingAccount{UserID: userID, Name: name, BrokerType: broker}
	require.NoError(t, db.WithContext(context.Background()).Create(account).Error)
	return account
}

// CreateConnection inserts an enabled connection for the account
func CreateConnection(t *testing.T, db *gorm.DB, account *models.TradingAccount, brokerAccountID string) *models.BrokerConnection {
	t.Helper()
	conn := &models.BrokerConnection{
		UserID:           account.UserID,
		TradingAccountID: account.ID,
		BrokerType:       account.BrokerType,
		AccountName:      account.Name,
		BrokerAccountID:  brokerAccountID,
		Username:         "trader",
		APIKeyEncrypted:  "sealed-key",
		Enabled:          true,
	}
	require.NoError(t, db.Create(conn).Error)
	return conn
}

// CreateConfig inserts an enabled configuration from source to destination
func CreateConfig(t *testing.T, db *gorm.DB, source, destination *models.TradingAccount, multiplier float64, opts ...func(*models.CopyConfiguration)) *models.CopyConfiguration {
	t.Helper()
	cfg := &models.CopyConfiguration{
		UserID:               source.UserID,
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Multiplier:           decimal.NewFromFloat(multiplier),
		Enabled:              true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	require.NoError(t, db.Create(cfg).Error)
	return cfg
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}

// NewTime returns midnight UTC of the given date
func NewTime(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
