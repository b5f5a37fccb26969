package repository

import (
	"context"

	"github.com/marketpulse/internal/models"
	"gorm.io/gorm"
)

// CopyConfigRepository handles copy configuration data access
type CopyConfigRepository struct {
	db *gorm.DB
}

// NewCopyConfigRepository creates a new CopyConfigRepository
func NewCopyConfigRepository(db *gorm.DB) *CopyConfigRepository {
	return &CopyConfigRepository{db: db}
}

// Create creates a new copy configuration
func (r *CopyConfigRepository) Create(ctx context.Context, cfg *models.CopyConfiguration) error {
	return translate(r.db.WithContext(ctx).Create(cfg).Error, ErrConfigNotFound)
}

// Update saves every column of the configuration
func (r *CopyConfigRepository) Update(ctx context.Context, cfg *models.CopyConfiguration) error {
	return translate(r.db.WithContext(ctx).Save(cfg).Error, ErrConfigNotFound)
}

// GetByIDAndUserID retrieves a configuration owned by the given user
func (r *CopyConfigRepository) GetByIDAndUserID(ctx context.Context, id, userID string) (*models.CopyConfiguration, error) {
	var cfg models.CopyConfiguration
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&cfg).Error; err != nil {
		return nil, translate(err, ErrConfigNotFound)
	}
	return &cfg, nil
}

// GetByID retrieves a configuration by ID
func (r *CopyConfigRepository) GetByID(ctx context.Context, id string) (*models.CopyConfiguration, error) {
	var cfg models.CopyConfiguration
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&cfg).Error; err != nil {
		return nil, translate(err, ErrConfigNotFound)
	}
	return &cfg, nil
}

// GetByUserID retrieves all configurations for a user
func (r *CopyConfigRepository) GetByUserID(ctx context.Context, userID string) ([]models.CopyConfiguration, error) {
	var cfgs []models.CopyConfiguration
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&cfgs)
	return cfgs, result.Error
}

// GetEnabledByUserID retrieves the enabled configurations of a user
func (r *CopyConfigRepository) GetEnabledByUserID(ctx context.Context, userID string) ([]models.CopyConfiguration, error) {
	var cfgs []models.CopyConfiguration
	result := r.db.WithContext(ctx).Where("user_id = ? AND enabled = ?", userID, true).Find(&cfgs)
	return cfgs, result.Error
}

// GetEnabledBySourceAccount retrieves the enabled configurations fed by one source account
func (r *CopyConfigRepository) GetEnabledBySourceAccount(ctx context.Context, sourceAccountID string) ([]models.CopyConfiguration, error) {
	var cfgs []models.CopyConfiguration
	result := r.db.WithContext(ctx).
		Where("source_account_id = ? AND enabled = ?", sourceAccountID, true).
		Order("created_at ASC").
		Find(&cfgs)
	return cfgs, result.Error
}

// GetUserIDsWithEnabled returns every user owning at least one enabled configuration
func (r *CopyConfigRepository) GetUserIDsWithEnabled(ctx context.Context) ([]string, error) {
	var userIDs []string
	result := r.db.WithContext(ctx).Model(&models.CopyConfiguration{}).
		Where("enabled = ?", true).
		Distinct().
		Pluck("user_id", &userIDs)
	return userIDs, result.Error
}

// Delete removes a configuration
func (r *CopyConfigRepository) Delete(ctx context.Context, id, userID string) error {
	result := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.CopyConfiguration{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConfigNotFound
	}
	return nil
}
