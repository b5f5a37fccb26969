package service

import (
	"context"
	"errors"
	"time"

	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
)

var ErrInvalidStatus = errors.New("invalid copy status")

// LogService exposes the copy-trade audit log to its owner
type LogService struct {
	logRepo    *repository.CopyLogRepository
	stuckAfter time.Duration
	now        func() time.Time
}

// NewLogService creates a new LogService. Rows pending for longer than
// stuckAfter are reported as stuck.
func NewLogService(logRepo *repository.CopyLogRepository, stuckAfter time.Duration) *LogService {
	return &LogService{logRepo: logRepo, stuckAfter: stuckAfter, now: time.Now}
}

// List returns a page of the user's log rows, optionally filtered by status
func (s *LogService) List(ctx context.Context, userID string, status models.CopyStatus, page, pageSize int) ([]models.CopyTradeLog, int64, error) {
	switch status {
	case "", models.CopyStatusPending, models.CopyStatusSubmitted, models.CopyStatusCancelled, models.CopyStatusError:
	default:
		return nil, 0, ErrInvalidStatus
	}
	return s.logRepo.GetByUserIDPaginated(ctx, userID, status, page, pageSize)
}

// Stuck returns pending rows not updated within olderThan. A zero olderThan
// falls back to the configured threshold.
func (s *LogService) Stuck(ctx context.Context, userID string, olderThan time.Duration) ([]models.CopyTradeLog, error) {
	if olderThan <= 0 {
		olderThan = s.stuckAfter
	}
	return s.logRepo.GetStuckPending(ctx, userID, s.now().Add(-olderThan))
}
