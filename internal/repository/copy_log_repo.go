package repository

import (
	"context"
	"time"

	"github.com/marketpulse/internal/models"
	"gorm.io/gorm"
)

const quantityEpsilon = 1e-9

// CopyLogRepository handles copy trade audit log data access
type CopyLogRepository struct {
	db *gorm.DB
}

// NewCopyLogRepository creates a new CopyLogRepository
func NewCopyLogRepository(db *gorm.DB) *CopyLogRepository {
	return &CopyLogRepository{db: db}
}

// Create inserts a log row. A row with the same (config_id, dedup_key)
// returns ErrDuplicateKey.
func (r *CopyLogRepository) Create(ctx context.Context, entry *models.CopyTradeLog) error {
	return translate(r.db.WithContext(ctx).Create(entry).Error, ErrCopyLogNotFound)
}

// Reclaim turns a previously failed row for the same dedup key back into a
// pending attempt. It returns false when the existing row is not in error,
// meaning the source event was already mirrored or is in flight.
func (r *CopyLogRepository) Reclaim(ctx context.Context, entry *models.CopyTradeLog) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.CopyTradeLog{}).
		Where("config_id = ? AND dedup_key = ? AND status = ?", entry.ConfigID, entry.DedupKey, models.CopyStatusError).
		Updates(map[string]interface{}{
			"status":               models.CopyStatusPending,
			"destination_quantity": entry.DestinationQuantity,
			"destination_price":    entry.DestinationPrice,
			"source_order_id":      entry.SourceOrderID,
			"error_message":        "",
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	var existing models.CopyTradeLog
	if err := r.db.WithContext(ctx).
		Where("config_id = ? AND dedup_key = ?", entry.ConfigID, entry.DedupKey).
		First(&existing).Error; err != nil {
		return false, translate(err, ErrCopyLogNotFound)
	}
	*entry = existing
	return true, nil
}

// GetByID retrieves a log row by ID
func (r *CopyLogRepository) GetByID(ctx context.Context, id string) (*models.CopyTradeLog, error) {
	var entry models.CopyTradeLog
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		return nil, translate(err, ErrCopyLogNotFound)
	}
	return &entry, nil
}

// MarkSubmitted records the destination order id once the broker accepted it
func (r *CopyLogRepository) MarkSubmitted(ctx context.Context, id, destinationOrderID string) error {
	return r.db.WithContext(ctx).Model(&models.CopyTradeLog{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":               models.CopyStatusSubmitted,
		"destination_order_id": destinationOrderID,
		"error_message":        "",
		"updated_at":           time.Now().UTC(),
	}).Error
}

// MarkError records a failed broker call
func (r *CopyLogRepository) MarkError(ctx context.Context, id, message string) error {
	return r.db.WithContext(ctx).Model(&models.CopyTradeLog{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        models.CopyStatusError,
		"error_message": message,
		"updated_at":    time.Now().UTC(),
	}).Error
}

// MarkCancelled records a successful destination cancellation
func (r *CopyLogRepository) MarkCancelled(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.CopyTradeLog{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     models.CopyStatusCancelled,
		"updated_at": time.Now().UTC(),
	}).Error
}

// UpdateDestinationPrice records a successful destination reprice
func (r *CopyLogRepository) UpdateDestinationPrice(ctx context.Context, id string, price float64) error {
	return r.db.WithContext(ctx).Model(&models.CopyTradeLog{}).Where("id = ?", id).Updates(map[string]interface{}{
		"destination_price": price,
		"updated_at":        time.Now().UTC(),
	}).Error
}

// ExistsRecentFill reports whether an active row exists for the same source
// account, symbol, side and quantity created at or after since. Rows of
// excludeOrderID are ignored when it is set.
func (r *CopyLogRepository) ExistsRecentFill(ctx context.Context, sourceAccountID, symbol string, side models.OrderSide, quantity float64, since time.Time, excludeOrderID string) (bool, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&models.CopyTradeLog{}).
		Where("source_account_id = ? AND source_symbol = ? AND source_side = ?", sourceAccountID, symbol, side).
		Where("source_quantity BETWEEN ? AND ?", quantity-quantityEpsilon, quantity+quantityEpsilon).
		Where("status IN ?", models.ActiveCopyStatuses).
		Where("created_at >= ?", since.UTC())
	if excludeOrderID != "" {
		query = query.Where("source_order_id <> ?", excludeOrderID)
	}
	err := query.Count(&count).Error
	return count > 0, err
}

// ExistsLiveKey reports whether a row for dedupKey on the source account
// exists in any state but error
func (r *CopyLogRepository) ExistsLiveKey(ctx context.Context, sourceAccountID, dedupKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CopyTradeLog{}).
		Where("source_account_id = ? AND dedup_key = ? AND status <> ?", sourceAccountID, dedupKey, models.CopyStatusError).
		Count(&count).Error
	return count > 0, err
}

// ExistsForSourceOrder reports whether any row, in any state, was written for
// the source order
func (r *CopyLogRepository) ExistsForSourceOrder(ctx context.Context, sourceAccountID, sourceOrderID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CopyTradeLog{}).
		Where("source_account_id = ? AND source_order_id = ?", sourceAccountID, sourceOrderID).
		Count(&count).Error
	return count > 0, err
}

// GetActiveBySourceOrder retrieves the pending or submitted rows mirrored
// from one source order, one per destination configuration
func (r *CopyLogRepository) GetActiveBySourceOrder(ctx context.Context, sourceAccountID, sourceOrderID string) ([]models.CopyTradeLog, error) {
	var entries []models.CopyTradeLog
	result := r.db.WithContext(ctx).
		Where("source_account_id = ? AND source_order_id = ? AND status IN ?",
			sourceAccountID, sourceOrderID, models.ActiveCopyStatuses).
		Order("created_at ASC").
		Find(&entries)
	return entries, result.Error
}

// GetByUserIDPaginated retrieves a user's log rows, newest first
func (r *CopyLogRepository) GetByUserIDPaginated(ctx context.Context, userID string, status models.CopyStatus, page, pageSize int) ([]models.CopyTradeLog, int64, error) {
	var entries []models.CopyTradeLog
	var total int64

	query := r.db.WithContext(ctx).Model(&models.CopyTradeLog{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	result := query.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&entries)
	return entries, total, result.Error
}

// GetStuckPending retrieves a user's rows still pending since before the cutoff
func (r *CopyLogRepository) GetStuckPending(ctx context.Context, userID string, before time.Time) ([]models.CopyTradeLog, error) {
	var entries []models.CopyTradeLog
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND updated_at < ?", userID, models.CopyStatusPending, before.UTC()).
		Order("created_at ASC").
		Find(&entries)
	return entries, result.Error
}
