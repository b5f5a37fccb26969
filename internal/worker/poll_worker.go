package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketpulse/internal/service"
	"go.uber.org/zap"
)

// Checker runs one check-and-execute cycle for a user
type Checker interface {
	CheckAndExecute(ctx context.Context, userID string) service.CheckResult
}

// UserLister lists the users owning at least one enabled configuration
type UserLister interface {
	GetUserIDsWithEnabled(ctx context.Context) ([]string, error)
}

// PollWorker drives check-and-execute on a server-owned cadence for every
// user with an enabled configuration
type PollWorker struct {
	checker  Checker
	users    UserLister
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewPollWorker creates a new poll worker
func NewPollWorker(checker Checker, users UserLister, interval time.Duration, logger *zap.Logger) *PollWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PollWorker{
		checker:  checker,
		users:    users,
		interval: interval,
		logger:   logger.Named("poll_worker"),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the polling loop until ctx is cancelled or Stop is called
func (w *PollWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	defer close(w.done)
	w.logger.Info("Poll worker started", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			w.logger.Info("Poll worker stopped")
			return
		case <-w.stopChan:
			w.logger.Info("Poll worker stopped")
			return
		}
	}
}

// Stop stops the polling loop and waits for the running cycle to finish
func (w *PollWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.started.Load() {
		<-w.done
	}
}

// RunOnce runs one cycle for every user. A cycle that outlives the interval
// delays the next tick rather than overlapping it.
func (w *PollWorker) RunOnce(ctx context.Context) {
	userIDs, err := w.users.GetUserIDsWithEnabled(ctx)
	if err != nil {
		w.logger.Error("Failed to list users with enabled configurations", zap.Error(err))
		return
	}

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		result := w.checker.CheckAndExecute(ctx, userID)
		if result.Executed > 0 || len(result.Errors) > 0 {
			w.logger.Info("Copy cycle finished",
				zap.String("user_id", userID),
				zap.Int("checked", result.Checked),
				zap.Int("executed", result.Executed),
				zap.Strings("errors", result.Errors))
		}
	}
}
