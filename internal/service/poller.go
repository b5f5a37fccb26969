package service

import (
	"context"
	"fmt"
	"time"

	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckResult is the outcome of one check-and-execute cycle
type CheckResult struct {
	Checked   int       `json:"checked"`
	Executed  int       `json:"executed"`
	Errors    []string  `json:"errors,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PollerOptions tunes a Poller
type PollerOptions struct {
	Lookback      time.Duration
	MaxConcurrent int
	Timeout       time.Duration
}

// Poller scans a user's source connections for opening executions the push
// channel may have missed
type Poller struct {
	configRepo *repository.CopyConfigRepository
	connRepo   *repository.ConnectionRepository
	gateways   GatewayProvider
	engine     *CopyEngine
	opts       PollerOptions
	logger     *zap.Logger
	now        func() time.Time
}

// NewPoller creates a new Poller
func NewPoller(
	configRepo *repository.CopyConfigRepository,
	connRepo *repository.ConnectionRepository,
	gateways GatewayProvider,
	engine *CopyEngine,
	opts PollerOptions,
	logger *zap.Logger,
) *Poller {
	if opts.Lookback <= 0 {
		opts.Lookback = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Poller{
		configRepo: configRepo,
		connRepo:   connRepo,
		gateways:   gateways,
		engine:     engine,
		opts:       opts,
		logger:     logger.Named("poller"),
		now:        time.Now,
	}
}

type fetchResult struct {
	execs []models.SourceExecution
	err   error
}

// CheckAndExecute runs one cycle for userID. Per-connection failures are
// collected into the result and never abort the batch.
func (p *Poller) CheckAndExecute(ctx context.Context, userID string) CheckResult {
	now := p.now().UTC()
	result := CheckResult{Timestamp: now}
	log := p.logger.With(zap.String("user_id", userID))

	configs, err := p.configRepo.GetEnabledByUserID(ctx, userID)
	if err != nil {
		log.Error("failed to load configurations", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Sprintf("load configurations: %v", err))
		return result
	}
	if len(configs) == 0 {
		return result
	}

	seen := make(map[string]bool, len(configs))
	sourceIDs := make([]string, 0, len(configs))
	for _, cfg := range configs {
		if !seen[cfg.SourceAccountID] {
			seen[cfg.SourceAccountID] = true
			sourceIDs = append(sourceIDs, cfg.SourceAccountID)
		}
	}

	conns, err := p.connRepo.GetEnabledByAccountIDs(ctx, sourceIDs)
	if err != nil {
		log.Error("failed to load source connections", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Sprintf("load source connections: %v", err))
		return result
	}

	fetched := p.fetch(ctx, conns, now)

	for i := range conns {
		conn := &conns[i]
		if err := fetched[i].err; err != nil {
			log.Warn("poll failed", zap.String("connection_id", conn.ID), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("connection %s: %v", conn.ID, err))
			continue
		}
		if err := p.connRepo.TouchSynced(ctx, conn.ID, now); err != nil {
			log.Warn("failed to record sync time", zap.String("connection_id", conn.ID), zap.Error(err))
		}

		for _, exec := range fetched[i].execs {
			result.Checked++
			if !exec.IsOpening() {
				continue
			}
			copied := p.engine.Mirror(ctx, userID, conn, exec)
			result.Executed += copied.Copied
			result.Errors = append(result.Errors, copied.Errors...)
		}
	}

	if result.Executed > 0 || len(result.Errors) > 0 {
		log.Info("check cycle finished",
			zap.Int("checked", result.Checked),
			zap.Int("executed", result.Executed),
			zap.Int("errors", len(result.Errors)))
	}
	return result
}

// fetch lists recent executions of every connection concurrently. Results
// keep the order of conns.
func (p *Poller) fetch(ctx context.Context, conns []models.BrokerConnection, now time.Time) []fetchResult {
	results := make([]fetchResult, len(conns))
	since := now.Add(-p.opts.Lookback)

	var g errgroup.Group
	g.SetLimit(p.opts.MaxConcurrent)
	for i := range conns {
		i := i
		g.Go(func() error {
			conn := &conns[i]
			gw, err := p.gateways.Gateway(ctx, conn)
			if err != nil {
				results[i].err = err
				return nil
			}
			callCtx, cancel := withTimeout(ctx, p.opts.Timeout)
			defer cancel()
			results[i].execs, results[i].err = gw.ListRecentExecutions(callCtx, conn.BrokerAccountID, since, now)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
