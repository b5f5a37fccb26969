package repository

import (
	"context"

	"github.com/marketpulse/internal/models"
	"gorm.io/gorm"
)

// AccountRepository handles trading account data access
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create creates a new trading account
func (r *AccountRepository) Create(ctx context.Context, account *models.TradingAccount) error {
	return translate(r.db.WithContext(ctx).Create(account).Error, ErrAccountNotFound)
}

// GetByID retrieves a trading account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.TradingAccount, error) {
	var account models.TradingAccount
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		return nil, translate(err, ErrAccountNotFound)
	}
	return &account, nil
}

// GetByIDAndUserID retrieves a trading account owned by the given user
func (r *AccountRepository) GetByIDAndUserID(ctx context.Context, id, userID string) (*models.TradingAccount, error) {
	var account models.TradingAccount
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&account).Error; err != nil {
		return nil, translate(err, ErrAccountNotFound)
	}
	return &account, nil
}

// GetByUserID retrieves all trading accounts for a user
func (r *AccountRepository) GetByUserID(ctx context.Context, userID string) ([]models.TradingAccount, error) {
	var accounts []models.TradingAccount
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&accounts)
	return accounts, result.Error
}

// Delete removes a trading account
func (r *AccountRepository) Delete(ctx context.Context, id, userID string) error {
	result := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.TradingAccount{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
