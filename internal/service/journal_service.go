package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"go.uber.org/zap"
)

var ErrTradeNotClosed = errors.New("journal trade is not closed")

// JournalCopyResult is the outcome of copying one closed trade
type JournalCopyResult struct {
	Copied  int      `json:"copied"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// ImportResult is the outcome of a broker journal sync
type ImportResult struct {
	Fetched  int `json:"fetched"`
	Imported int `json:"imported"`
}

// JournalService copies closed trades along copy configurations and imports
// broker fills into the journal
type JournalService struct {
	journalRepo *repository.JournalRepository
	configRepo  *repository.CopyConfigRepository
	connRepo    *repository.ConnectionRepository
	gateways    GatewayProvider
	timeout     time.Duration
	logger      *zap.Logger
}

// NewJournalService creates a new JournalService
func NewJournalService(
	journalRepo *repository.JournalRepository,
	configRepo *repository.CopyConfigRepository,
	connRepo *repository.ConnectionRepository,
	gateways GatewayProvider,
	timeout time.Duration,
	logger *zap.Logger,
) *JournalService {
	return &JournalService{
		journalRepo: journalRepo,
		configRepo:  configRepo,
		connRepo:    connRepo,
		gateways:    gateways,
		timeout:     timeout,
		logger:      logger.Named("journal"),
	}
}

// CopyExternalID identifies the copy of trade tradeID made through configID
func CopyExternalID(configID, tradeID string) string {
	return "copy_" + configID + "_" + tradeID
}

// List returns a page of an account's journal
func (s *JournalService) List(ctx context.Context, userID, accountID string, page, pageSize int) ([]models.JournalTrade, int64, error) {
	return s.journalRepo.GetByAccountIDPaginated(ctx, userID, accountID, page, pageSize)
}

// CopyTrade copies a closed trade into the journal of every destination whose
// configuration admits its symbol and realized R multiple. Copying twice is a
// no-op.
func (s *JournalService) CopyTrade(ctx context.Context, userID, tradeID string) (*JournalCopyResult, error) {
	trade, err := s.journalRepo.GetByIDAndUserID(ctx, tradeID, userID)
	if err != nil {
		return nil, err
	}
	if !trade.IsClosed() {
		return nil, ErrTradeNotClosed
	}

	configs, err := s.configRepo.GetEnabledBySourceAccount(ctx, trade.TradingAccountID)
	if err != nil {
		return nil, err
	}

	result := &JournalCopyResult{}
	rr, hasRR := trade.RMultiple()
	for i := range configs {
		cfg := &configs[i]
		if cfg.UserID != userID || !cfg.AllowsSymbol(trade.Symbol) {
			result.Skipped++
			continue
		}
		if cfg.HasRRFilter() && (!hasRR || !cfg.AllowsRR(rr)) {
			result.Skipped++
			continue
		}
		qty := cfg.ScaleQuantity(trade.Quantity)
		if qty <= 0 {
			result.Skipped++
			continue
		}

		externalID := CopyExternalID(cfg.ID, trade.ID)
		copyTrade := scaledCopy(trade, cfg.DestinationAccountID, externalID, qty)
		err := s.journalRepo.Create(ctx, copyTrade)
		switch {
		case errors.Is(err, repository.ErrDuplicateKey):
			result.Skipped++
		case err != nil:
			s.logger.Error("failed to copy journal trade", zap.String("config_id", cfg.ID), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("config %s: %v", cfg.ID, err))
		default:
			result.Copied++
		}
	}
	return result, nil
}

// scaledCopy builds the destination journal entry. PnL and risk scale with
// quantity so the R multiple is preserved.
func scaledCopy(trade *models.JournalTrade, accountID, externalID string, qty float64) *models.JournalTrade {
	ratio := qty / trade.Quantity
	scale := func(v *float64) *float64 {
		if v == nil {
			return nil
		}
		scaled := *v * ratio
		return &scaled
	}
	return &models.JournalTrade{
		UserID:           trade.UserID,
		TradingAccountID: accountID,
		ExternalID:       &externalID,
		Symbol:           trade.Symbol,
		Side:             trade.Side,
		Quantity:         qty,
		EntryPrice:       trade.EntryPrice,
		ExitPrice:        trade.ExitPrice,
		StopLoss:         trade.StopLoss,
		TakeProfit:       trade.TakeProfit,
		PnL:              scale(trade.PnL),
		RiskAmount:       scale(trade.RiskAmount),
		Source:           models.JournalSourceCopy,
		OpenedAt:         trade.OpenedAt,
		ClosedAt:         trade.ClosedAt,
	}
}

// ImportExecutions records the connection's fills between since and until in
// the journal under their broker-prefixed id. Already imported fills are skipped.
func (s *JournalService) ImportExecutions(ctx context.Context, userID, connID string, since, until time.Time) (*ImportResult, error) {
	conn, err := s.connRepo.GetByIDAndUserID(ctx, connID, userID)
	if err != nil {
		return nil, err
	}
	gw, err := s.gateways.Gateway(ctx, conn)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	execs, err := gw.ListRecentExecutions(callCtx, conn.BrokerAccountID, since, until)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Fetched: len(execs)}
	for _, exec := range execs {
		if exec.ExecutionID == "" || exec.Status != models.ExecutionStatusFilled {
			continue
		}
		externalID := models.BrokerExternalID(conn.BrokerType, exec.ExecutionID)
		err := s.journalRepo.Create(ctx, journalEntry(conn, exec, externalID))
		if errors.Is(err, repository.ErrDuplicateKey) {
			continue
		}
		if err != nil {
			return result, err
		}
		result.Imported++
	}

	s.logger.Info("journal import finished",
		zap.String("connection_id", conn.ID),
		zap.Int("fetched", result.Fetched),
		zap.Int("imported", result.Imported))
	return result, nil
}

func journalEntry(conn *models.BrokerConnection, exec models.SourceExecution, externalID string) *models.JournalTrade {
	entry := &models.JournalTrade{
		UserID:           conn.UserID,
		TradingAccountID: conn.TradingAccountID,
		ExternalID:       &externalID,
		Symbol:           exec.Symbol,
		Side:             exec.Side,
		Quantity:         exec.Quantity,
		EntryPrice:       exec.Price,
		StopLoss:         exec.StopPrice,
		Source:           models.JournalSourceBrokerSync,
		OpenedAt:         exec.Timestamp,
	}
	if !exec.IsOpening() {
		exit := exec.Price
		closedAt := exec.Timestamp
		entry.ExitPrice = &exit
		entry.ClosedAt = &closedAt
		entry.PnL = exec.PnL
	}
	return entry
}
