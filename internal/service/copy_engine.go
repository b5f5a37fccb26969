package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"go.uber.org/zap"
)

// CopyResult is the outcome of fanning one source execution out
type CopyResult struct {
	Copied int      `json:"copied"`
	Errors []string `json:"errors,omitempty"`
}

func (r *CopyResult) fail(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// CopyEngine mirrors a confirmed-new source execution onto every destination
// account of the source's enabled configurations
type CopyEngine struct {
	configRepo *repository.CopyConfigRepository
	connRepo   *repository.ConnectionRepository
	logRepo    *repository.CopyLogRepository
	gateways   GatewayProvider
	dedup      *Deduplicator
	timeout    time.Duration
	logger     *zap.Logger
}

// NewCopyEngine creates a new CopyEngine
func NewCopyEngine(
	configRepo *repository.CopyConfigRepository,
	connRepo *repository.ConnectionRepository,
	logRepo *repository.CopyLogRepository,
	gateways GatewayProvider,
	dedup *Deduplicator,
	timeout time.Duration,
	logger *zap.Logger,
) *CopyEngine {
	return &CopyEngine{
		configRepo: configRepo,
		connRepo:   connRepo,
		logRepo:    logRepo,
		gateways:   gateways,
		dedup:      dedup,
		timeout:    timeout,
		logger:     logger.Named("copy_engine"),
	}
}

// Mirror runs a source fill through the deduplicator and, when new, fans it
// out. conn is the source connection the fill was observed on. A fill whose
// order was already mirrored from an order event is skipped.
func (e *CopyEngine) Mirror(ctx context.Context, userID string, conn *models.BrokerConnection, exec models.SourceExecution) CopyResult {
	if exec.OrderID != "" {
		mirrored, err := e.logRepo.ExistsLiveKey(ctx, conn.TradingAccountID, OrderKey(exec.OrderID))
		if err != nil {
			e.logger.Error("copy log lookup failed, skipping fill",
				zap.String("source_order_id", exec.OrderID), zap.Error(err))
			return CopyResult{}
		}
		if mirrored {
			return CopyResult{}
		}
	}
	return e.mirror(ctx, userID, conn, DedupKey(exec, e.dedup.Window()), exec)
}

// MirrorOrder fans out a source order seen as a new order event. It is keyed
// on the order id.
func (e *CopyEngine) MirrorOrder(ctx context.Context, userID string, conn *models.BrokerConnection, exec models.SourceExecution) CopyResult {
	if exec.OrderID == "" {
		return e.mirror(ctx, userID, conn, DedupKey(exec, e.dedup.Window()), exec)
	}
	return e.mirror(ctx, userID, conn, OrderKey(exec.OrderID), exec)
}

func (e *CopyEngine) mirror(ctx context.Context, userID string, conn *models.BrokerConnection, key string, exec models.SourceExecution) CopyResult {
	if !e.dedup.IsNew(ctx, conn.BrokerType, conn.TradingAccountID, key, exec) {
		return CopyResult{}
	}
	result := e.execute(ctx, userID, conn.TradingAccountID, key, exec)
	if result.Copied == 0 && len(result.Errors) > 0 {
		e.dedup.Release(ctx, conn.TradingAccountID, key)
	}
	return result
}

// Execute fans the fill exec out to every enabled configuration of
// sourceAccountID owned by userID. One destination failing never stops the
// others.
func (e *CopyEngine) Execute(ctx context.Context, userID, sourceAccountID string, exec models.SourceExecution) CopyResult {
	return e.execute(ctx, userID, sourceAccountID, DedupKey(exec, e.dedup.Window()), exec)
}

func (e *CopyEngine) execute(ctx context.Context, userID, sourceAccountID, key string, exec models.SourceExecution) CopyResult {
	var result CopyResult
	log := e.logger.With(
		zap.String("user_id", userID),
		zap.String("source_account_id", sourceAccountID),
		zap.String("symbol", exec.Symbol),
		zap.String("side", string(exec.Side)),
		zap.Float64("quantity", exec.Quantity))

	configs, err := e.configRepo.GetEnabledBySourceAccount(ctx, sourceAccountID)
	if err != nil {
		log.Error("failed to load configurations", zap.Error(err))
		result.fail("load configurations: %v", err)
		return result
	}

	owned := configs[:0]
	destIDs := make([]string, 0, len(configs))
	for _, cfg := range configs {
		if cfg.UserID != userID {
			continue
		}
		owned = append(owned, cfg)
		destIDs = append(destIDs, cfg.DestinationAccountID)
	}
	if len(owned) == 0 {
		return result
	}

	conns, err := e.connRepo.GetEnabledByAccountIDs(ctx, destIDs)
	if err != nil {
		log.Error("failed to load destination connections", zap.Error(err))
		result.fail("load destination connections: %v", err)
		return result
	}
	byAccount := make(map[string]*models.BrokerConnection, len(conns))
	for i := range conns {
		byAccount[conns[i].TradingAccountID] = &conns[i]
	}

	for i := range owned {
		cfg := &owned[i]
		if !cfg.AllowsSymbol(exec.Symbol) {
			log.Debug("symbol filtered", zap.String("config_id", cfg.ID))
			continue
		}
		qty := cfg.ScaleQuantity(exec.Quantity)
		if qty <= 0 {
			log.Debug("scaled quantity rounds to zero",
				zap.String("config_id", cfg.ID),
				zap.String("multiplier", cfg.Multiplier.String()))
			continue
		}

		conn, ok := byAccount[cfg.DestinationAccountID]
		if !ok {
			log.Warn("no enabled connection for destination", zap.String("destination_account_id", cfg.DestinationAccountID))
			result.fail("config %s: no enabled connection for destination account %s", cfg.ID, cfg.DestinationAccountID)
			continue
		}

		copied, err := e.copyTo(ctx, log, cfg, conn, key, exec, qty)
		if err != nil {
			result.fail("config %s: %v", cfg.ID, err)
			continue
		}
		if copied {
			result.Copied++
		}
	}
	return result
}

var errAlreadyMirrored = errors.New("already mirrored")

// copyTo writes the pending row, places the destination order and records
// the outcome. A duplicate source event reports false without an error.
func (e *CopyEngine) copyTo(ctx context.Context, log *zap.Logger, cfg *models.CopyConfiguration, conn *models.BrokerConnection, key string, exec models.SourceExecution, qty float64) (bool, error) {
	log = log.With(zap.String("config_id", cfg.ID), zap.String("destination_account_id", cfg.DestinationAccountID))

	gw, err := e.gateways.Gateway(ctx, conn)
	if err != nil {
		log.Warn("destination gateway unavailable", zap.Error(err))
		return false, err
	}

	entry := &models.CopyTradeLog{
		UserID:                  cfg.UserID,
		ConfigID:                cfg.ID,
		DedupKey:                key,
		SourceAccountID:         cfg.SourceAccountID,
		SourceSymbol:            exec.Symbol,
		SourceSide:              exec.Side,
		SourceQuantity:          exec.Quantity,
		SourceOrderID:           exec.OrderID,
		SourcePrice:             exec.Price,
		DestinationAccountID:    cfg.DestinationAccountID,
		DestinationConnectionID: conn.ID,
		DestinationSymbol:       exec.Symbol,
		DestinationSide:         exec.Side,
		DestinationQuantity:     qty,
		OrderType:               exec.OrderType,
		DestinationPrice:        exec.OrderPrice(),
		Multiplier:              cfg.Multiplier,
		Status:                  models.CopyStatusPending,
	}
	if err := e.claim(ctx, entry); err != nil {
		if errors.Is(err, errAlreadyMirrored) {
			log.Debug("source event already mirrored", zap.String("dedup_key", entry.DedupKey))
			return false, nil
		}
		log.Error("failed to write pending log row", zap.Error(err))
		return false, err
	}

	placeCtx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()
	placed := gw.PlaceOrder(placeCtx, orderRequest(conn.BrokerAccountID, exec, qty))

	if !placed.Success {
		if err := e.logRepo.MarkError(ctx, entry.ID, placed.Error); err != nil {
			log.Error("failed to record broker error", zap.String("log_id", entry.ID), zap.Error(err))
		}
		log.Warn("destination order rejected", zap.String("error", placed.Error))
		return false, errors.New(placed.Error)
	}

	if err := e.logRepo.MarkSubmitted(ctx, entry.ID, placed.OrderID); err != nil {
		// the order is live; the pending row stays behind for reconciliation
		log.Error("failed to record submitted order",
			zap.String("log_id", entry.ID),
			zap.String("destination_order_id", placed.OrderID),
			zap.Error(err))
	}
	log.Info("order copied",
		zap.String("destination_order_id", placed.OrderID),
		zap.Float64("destination_quantity", qty),
		zap.String("order_type", string(exec.OrderType)))
	return true, nil
}

// withTimeout bounds a broker call. A zero timeout leaves ctx unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// claim inserts the pending row, reclaiming a previously failed attempt
func (e *CopyEngine) claim(ctx context.Context, entry *models.CopyTradeLog) error {
	err := e.logRepo.Create(ctx, entry)
	if !errors.Is(err, repository.ErrDuplicateKey) {
		return err
	}
	reclaimed, err := e.logRepo.Reclaim(ctx, entry)
	if err != nil {
		return err
	}
	if !reclaimed {
		return errAlreadyMirrored
	}
	return nil
}

// orderRequest carries the source order type and prices over unchanged
func orderRequest(accountID string, exec models.SourceExecution, qty float64) exchange.OrderRequest {
	req := exchange.OrderRequest{
		AccountID: accountID,
		Symbol:    exec.Symbol,
		Side:      exec.Side,
		Quantity:  qty,
		OrderType: exec.OrderType,
	}
	if req.OrderType == "" {
		req.OrderType = models.OrderTypeMarket
	}
	switch req.OrderType {
	case models.OrderTypeLimit:
		req.Price = exec.OrderPrice()
	case models.OrderTypeStop, models.OrderTypeTrailingStop:
		req.StopPrice = exec.OrderPrice()
	case models.OrderTypeStopLimit:
		req.Price = exec.OrderPrice()
		if exec.StopPrice != nil {
			stop := *exec.StopPrice
			req.StopPrice = &stop
		}
	}
	return req
}
