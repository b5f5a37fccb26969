package repository

import (
	"errors"
	"time"

	"github.com/marketpulse/internal/models"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound    = errors.New("trading account not found")
	ErrConnectionNotFound = errors.New("broker connection not found")
	ErrConfigNotFound     = errors.New("copy configuration not found")
	ErrCopyLogNotFound    = errors.New("copy trade log not found")
	ErrJournalNotFound    = errors.New("journal trade not found")
	ErrDuplicateKey       = errors.New("duplicate key")
)

// GormConfig returns the gorm settings shared by every database the service
// opens. Timestamps are stored in UTC and driver errors are translated so
// unique violations surface as gorm.ErrDuplicatedKey.
func GormConfig(base *gorm.Config) *gorm.Config {
	if base == nil {
		base = &gorm.Config{}
	}
	base.TranslateError = true
	base.NowFunc = func() time.Time { return time.Now().UTC() }
	return base
}

// AutoMigrate creates or updates every table the pipeline reads or writes
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.TradingAccount{},
		&models.BrokerConnection{},
		&models.CopyConfiguration{},
		&models.CopyTradeLog{},
		&models.JournalTrade{},
	)
}

func translate(err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return notFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateKey
	default:
		return err
	}
}
