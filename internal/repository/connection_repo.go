package repository

import (
	"context"
	"time"

	"github.com/marketpulse/internal/models"
	"gorm.io/gorm"
)

// ConnectionRepository handles broker connection data access
type ConnectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository creates a new ConnectionRepository
func NewConnectionRepository(db *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Create creates a new broker connection
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.BrokerConnection) error {
	return translate(r.db.WithContext(ctx).Create(conn).Error, ErrConnectionNotFound)
}

// Update saves every column of the connection
func (r *ConnectionRepository) Update(ctx context.Context, conn *models.BrokerConnection) error {
	return r.db.WithContext(ctx).Save(conn).Error
}

// GetByID retrieves a connection by ID
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*models.BrokerConnection, error) {
	var conn models.BrokerConnection
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conn).Error; err != nil {
		return nil, translate(err, ErrConnectionNotFound)
	}
	return &conn, nil
}

// GetByIDAndUserID retrieves a connection owned by the given user
func (r *ConnectionRepository) GetByIDAndUserID(ctx context.Context, id, userID string) (*models.BrokerConnection, error) {
	var conn models.BrokerConnection
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&conn).Error; err != nil {
		return nil, translate(err, ErrConnectionNotFound)
	}
	return &conn, nil
}

// GetByUserID retrieves all connections for a user
func (r *ConnectionRepository) GetByUserID(ctx context.Context, userID string) ([]models.BrokerConnection, error) {
	var conns []models.BrokerConnection
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&conns)
	return conns, result.Error
}

// GetEnabledByAccountIDs retrieves the enabled connections of the given
// trading accounts in one query
func (r *ConnectionRepository) GetEnabledByAccountIDs(ctx context.Context, accountIDs []string) ([]models.BrokerConnection, error) {
	var conns []models.BrokerConnection
	if len(accountIDs) == 0 {
		return conns, nil
	}
	result := r.db.WithContext(ctx).
		Where("trading_account_id IN ? AND enabled = ?", accountIDs, true).
		Find(&conns)
	return conns, result.Error
}

// GetEnabledByAccountID retrieves the enabled connection of one trading account
func (r *ConnectionRepository) GetEnabledByAccountID(ctx context.Context, accountID string) (*models.BrokerConnection, error) {
	var conn models.BrokerConnection
	err := r.db.WithContext(ctx).
		Where("trading_account_id = ? AND enabled = ?", accountID, true).
		First(&conn).Error
	if err != nil {
		return nil, translate(err, ErrConnectionNotFound)
	}
	return &conn, nil
}

// GetStreamSources retrieves the enabled connections of one broker type whose
// trading account is the source of an enabled configuration
func (r *ConnectionRepository) GetStreamSources(ctx context.Context, broker models.BrokerType) ([]models.BrokerConnection, error) {
	var conns []models.BrokerConnection
	sources := r.db.Model(&models.CopyConfiguration{}).Select("source_account_id").Where("enabled = ?", true)
	result := r.db.WithContext(ctx).
		Where("broker_type = ? AND enabled = ? AND trading_account_id IN (?)", broker, true, sources).
		Find(&conns)
	return conns, result.Error
}

// UpdateTokens persists refreshed OAuth material
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id, accessTokenEncrypted, refreshTokenEncrypted string, expiresAt time.Time) error {
	updates := map[string]interface{}{
		"access_token_encrypted": accessTokenEncrypted,
		"token_expires_at":       expiresAt,
		"updated_at":             time.Now().UTC(),
	}
	if refreshTokenEncrypted != "" {
		updates["refresh_token_encrypted"] = refreshTokenEncrypted
	}
	return r.db.WithContext(ctx).Model(&models.BrokerConnection{}).Where("id = ?", id).Updates(updates).Error
}

// TouchSynced records the last successful poll of a connection
func (r *ConnectionRepository) TouchSynced(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.BrokerConnection{}).Where("id = ?", id).
		Update("last_synced_at", at).Error
}

// Delete removes a connection
func (r *ConnectionRepository) Delete(ctx context.Context, id, userID string) error {
	result := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.BrokerConnection{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}
