package repository

import (
	"context"

	"github.com/marketpulse/internal/models"
	"gorm.io/gorm"
)

// JournalRepository handles journal trade data access
type JournalRepository struct {
	db *gorm.DB
}

// NewJournalRepository creates a new JournalRepository
func NewJournalRepository(db *gorm.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Create creates a journal trade. A repeated external id returns ErrDuplicateKey.
func (r *JournalRepository) Create(ctx context.Context, trade *models.JournalTrade) error {
	return translate(r.db.WithContext(ctx).Create(trade).Error, ErrJournalNotFound)
}

// ExistsByExternalID reports whether a trade with the broker-prefixed id exists
func (r *JournalRepository) ExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.JournalTrade{}).
		Where("external_id = ?", externalID).
		Count(&count).Error
	return count > 0, err
}

// GetByIDAndUserID retrieves a trade owned by the given user
func (r *JournalRepository) GetByIDAndUserID(ctx context.Context, id, userID string) (*models.JournalTrade, error) {
	var trade models.JournalTrade
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&trade).Error; err != nil {
		return nil, translate(err, ErrJournalNotFound)
	}
	return &trade, nil
}

// GetByAccountIDPaginated retrieves trades of one trading account, newest first
func (r *JournalRepository) GetByAccountIDPaginated(ctx context.Context, userID, accountID string, page, pageSize int) ([]models.JournalTrade, int64, error) {
	var trades []models.JournalTrade
	var total int64

	query := r.db.WithContext(ctx).Model(&models.JournalTrade{}).Where("user_id = ?", userID)
	if accountID != "" {
		query = query.Where("trading_account_id = ?", accountID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	result := query.Order("opened_at DESC").Offset(offset).Limit(pageSize).Find(&trades)
	return trades, total, result.Error
}
