package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"go.uber.org/zap"
)

// Claimer takes short-lived exclusive ownership of a key
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// OrderKey identifies a source order mirrored from an order event
func OrderKey(orderID string) string {
	return "order:" + orderID
}

// DedupKey identifies one source fill across the poll and push paths. The
// execution id is preferred so that each partial fill of an order is
// mirrored once; fills without one fall back to a time bucket of the dedup
// window.
func DedupKey(exec models.SourceExecution, window time.Duration) string {
	if exec.ExecutionID != "" {
		return "exec:" + exec.ExecutionID
	}
	bucket := int64(0)
	if window > 0 {
		bucket = exec.Timestamp.UTC().UnixNano() / int64(window)
	}
	return strings.Join([]string{
		"fill",
		strings.ToUpper(exec.Symbol),
		string(exec.Side),
		strconv.FormatFloat(exec.Quantity, 'f', -1, 64),
		strconv.FormatInt(bucket, 10),
	}, ":")
}

// Deduplicator decides whether an opening execution was already handled
// either by the copy pipeline or by the broker-sync journal import
type Deduplicator struct {
	logs    *repository.CopyLogRepository
	journal *repository.JournalRepository
	claimer Claimer
	window  time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewDeduplicator creates a new Deduplicator. claimer may be nil.
func NewDeduplicator(logs *repository.CopyLogRepository, journal *repository.JournalRepository, claimer Claimer, window time.Duration, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		logs:    logs,
		journal: journal,
		claimer: claimer,
		window:  window,
		logger:  logger.Named("dedup"),
		now:     time.Now,
	}
}

// Window returns the dedup window
func (d *Deduplicator) Window() time.Duration {
	return d.window
}

// IsNew reports whether exec, identified by key, has not been seen on
// sourceAccountID. Lookup failures count as already seen.
func (d *Deduplicator) IsNew(ctx context.Context, broker models.BrokerType, sourceAccountID, key string, exec models.SourceExecution) bool {
	log := d.logger.With(
		zap.String("source_account_id", sourceAccountID),
		zap.String("symbol", exec.Symbol),
		zap.String("execution_id", exec.ExecutionID),
		zap.String("dedup_key", key))

	// rows of the same source order are told apart by their exact key
	since := d.now().Add(-d.window)
	seen, err := d.logs.ExistsRecentFill(ctx, sourceAccountID, exec.Symbol, exec.Side, exec.Quantity, since, exec.OrderID)
	if err != nil {
		log.Error("copy log lookup failed, skipping execution", zap.Error(err))
		return false
	}
	if seen {
		log.Debug("execution already copied")
		return false
	}

	if exec.ExecutionID != "" {
		seen, err = d.journal.ExistsByExternalID(ctx, models.BrokerExternalID(broker, exec.ExecutionID))
		if err != nil {
			log.Error("journal lookup failed, skipping execution", zap.Error(err))
			return false
		}
		if seen {
			log.Debug("execution already imported by journal sync")
			return false
		}
	}

	if d.claimer != nil {
		claimed, err := d.claimer.Claim(ctx, sourceAccountID+":"+key, d.window)
		if err != nil {
			log.Error("dedup claim failed, skipping execution", zap.Error(err))
			return false
		}
		if !claimed {
			log.Debug("execution claimed by another cycle")
			return false
		}
	}
	return true
}

// Release gives up the claim on key so a later cycle may retry it. Used
// when no destination accepted the order.
func (d *Deduplicator) Release(ctx context.Context, sourceAccountID, key string) {
	if d.claimer == nil {
		return
	}
	if err := d.claimer.Release(ctx, sourceAccountID+":"+key); err != nil {
		d.logger.Warn("failed to release dedup claim",
			zap.String("source_account_id", sourceAccountID),
			zap.String("dedup_key", key),
			zap.Error(err))
	}
}
