package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"go.uber.org/zap"
)

var (
	ErrConnectionMismatch = errors.New("connection does not belong to trading account")
	ErrInvalidAction      = errors.New("action must be new, modified or cancelled")
	ErrMissingOrderID     = errors.New("order payload has no order id")
)

// OrderAction tags an order update
type OrderAction string

const (
	OrderActionNew       OrderAction = "new"
	OrderActionModified  OrderAction = "modified"
	OrderActionCancelled OrderAction = "cancelled"
)

// OrderUpdateRequest is one order event observed on a source connection
type OrderUpdateRequest struct {
	ConnectionID     string                `json:"connection_id" binding:"required"`
	TradingAccountID string                `json:"trading_account_id" binding:"required"`
	Order            exchange.OrderPayload `json:"order"`
	Action           OrderAction           `json:"action" binding:"required"`
}

// OrderUpdateResult reports the step that ran. Only the counter of the
// performed action is set.
type OrderUpdateResult struct {
	Executed  *int     `json:"executed,omitempty"`
	Modified  *int     `json:"modified,omitempty"`
	Cancelled *int     `json:"cancelled,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// OrderUpdateService propagates source order events to mirrored orders
type OrderUpdateService struct {
	connRepo  *repository.ConnectionRepository
	logRepo   *repository.CopyLogRepository
	gateways  GatewayProvider
	engine    *CopyEngine
	tolerance float64
	timeout   time.Duration
	logger    *zap.Logger
}

// NewOrderUpdateService creates a new OrderUpdateService
func NewOrderUpdateService(
	connRepo *repository.ConnectionRepository,
	logRepo *repository.CopyLogRepository,
	gateways GatewayProvider,
	engine *CopyEngine,
	tolerance float64,
	timeout time.Duration,
	logger *zap.Logger,
) *OrderUpdateService {
	return &OrderUpdateService{
		connRepo:  connRepo,
		logRepo:   logRepo,
		gateways:  gateways,
		engine:    engine,
		tolerance: tolerance,
		timeout:   timeout,
		logger:    logger.Named("order_update"),
	}
}

// ProcessOrderUpdate runs the step selected by req.Action. Errors are
// returned only for a request that cannot be attributed to the user.
func (s *OrderUpdateService) ProcessOrderUpdate(ctx context.Context, userID string, req *OrderUpdateRequest) (*OrderUpdateResult, error) {
	switch req.Action {
	case OrderActionNew, OrderActionModified, OrderActionCancelled:
	default:
		return nil, ErrInvalidAction
	}

	conn, err := s.connRepo.GetByIDAndUserID(ctx, req.ConnectionID, userID)
	if err != nil {
		return nil, err
	}
	if conn.TradingAccountID != req.TradingAccountID {
		return nil, ErrConnectionMismatch
	}

	result := &OrderUpdateResult{}
	count := 0
	switch req.Action {
	case OrderActionNew:
		result.Executed = &count
		count = s.processNew(ctx, userID, conn, &req.Order, result)
	case OrderActionModified:
		result.Modified = &count
		count = s.processModify(ctx, conn, &req.Order, result)
	case OrderActionCancelled:
		result.Cancelled = &count
		count = s.processCancel(ctx, conn, req.Order.SourceOrderID(), result)
	}
	return result, nil
}

// HandleStreamOrder classifies a pushed order event and runs the matching step
func (s *OrderUpdateService) HandleStreamOrder(ctx context.Context, userID string, conn *models.BrokerConnection, raw json.RawMessage) *OrderUpdateResult {
	result := &OrderUpdateResult{}
	var payload exchange.OrderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("decode order event: %v", err))
		return result
	}

	count := 0
	switch exchange.NormalizeStatus(string(payload.Status)) {
	case models.ExecutionStatusCancelled:
		result.Cancelled = &count
		count = s.processCancel(ctx, conn, payload.SourceOrderID(), result)
	case models.ExecutionStatusRejected, models.ExecutionStatusExpired:
		return result
	default:
		logged, err := s.alreadyLogged(ctx, conn, payload.SourceOrderID())
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result
		}
		if logged {
			result.Modified = &count
			count = s.processModify(ctx, conn, &payload, result)
		} else {
			result.Executed = &count
			count = s.processNew(ctx, userID, conn, &payload, result)
		}
	}
	return result
}

// HandleStreamTrade mirrors a pushed fill when it opens a position
func (s *OrderUpdateService) HandleStreamTrade(ctx context.Context, userID string, conn *models.BrokerConnection, raw json.RawMessage) CopyResult {
	var payload exchange.OrderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return CopyResult{Errors: []string{fmt.Sprintf("decode trade event: %v", err)}}
	}
	exec, err := payload.ToExecution()
	if err != nil {
		return CopyResult{Errors: []string{fmt.Sprintf("trade event: %v", err)}}
	}
	exec.ExecutionID = string(payload.ID)
	exec.OrderID = string(payload.OrderID)
	exec.Status = models.ExecutionStatusFilled

	if !exec.IsOpening() {
		return CopyResult{}
	}
	return s.engine.Mirror(ctx, userID, conn, exec)
}

func (s *OrderUpdateService) alreadyLogged(ctx context.Context, conn *models.BrokerConnection, orderID string) (bool, error) {
	if orderID == "" {
		return false, nil
	}
	logged, err := s.logRepo.ExistsForSourceOrder(ctx, conn.TradingAccountID, orderID)
	if err != nil {
		s.logger.Error("copy log lookup failed", zap.String("source_order_id", orderID), zap.Error(err))
		return false, fmt.Errorf("lookup source order %s: %w", orderID, err)
	}
	return logged, nil
}

// processNew fans out an order not previously mirrored
func (s *OrderUpdateService) processNew(ctx context.Context, userID string, conn *models.BrokerConnection, payload *exchange.OrderPayload, result *OrderUpdateResult) int {
	exec, err := payload.ToExecution()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return 0
	}
	logged, err := s.alreadyLogged(ctx, conn, exec.OrderID)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return 0
	}
	if logged {
		return 0
	}

	copied := s.engine.MirrorOrder(ctx, userID, conn, exec)
	result.Errors = append(result.Errors, copied.Errors...)
	return copied.Copied
}

// repricing returns the new limit and stop prices for a mirrored order of
// type t, and the one compared against the stored destination price
func repricing(t models.OrderType, payload *exchange.OrderPayload) (limit, stop, compare *float64) {
	limit = payload.LimitPrice.Ptr()
	if limit == nil {
		limit = payload.Price.Ptr()
	}
	stop = payload.StopPrice.Ptr()

	switch t {
	case models.OrderTypeLimit:
		return limit, nil, limit
	case models.OrderTypeStop, models.OrderTypeTrailingStop:
		return nil, stop, stop
	case models.OrderTypeStopLimit:
		if limit != nil {
			return limit, stop, limit
		}
		return nil, stop, stop
	}
	return nil, nil, nil
}

// destinations resolves the gateway of each mirrored row's destination once
type destinations struct {
	s     *OrderUpdateService
	conns map[string]*models.BrokerConnection
	gws   map[string]exchange.Gateway
}

func (s *OrderUpdateService) destinations() *destinations {
	return &destinations{s: s, conns: map[string]*models.BrokerConnection{}, gws: map[string]exchange.Gateway{}}
}

func (d *destinations) get(ctx context.Context, connID string) (*models.BrokerConnection, exchange.Gateway, error) {
	if gw, ok := d.gws[connID]; ok {
		return d.conns[connID], gw, nil
	}
	conn, err := d.s.connRepo.GetByID(ctx, connID)
	if err != nil {
		return nil, nil, err
	}
	gw, err := d.s.gateways.Gateway(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	d.conns[connID] = conn
	d.gws[connID] = gw
	return conn, gw, nil
}

// processModify reprices the live mirrors of a source order whose price moved
// beyond the tolerance
func (s *OrderUpdateService) processModify(ctx context.Context, conn *models.BrokerConnection, payload *exchange.OrderPayload, result *OrderUpdateResult) int {
	orderID := payload.SourceOrderID()
	if orderID == "" {
		result.Errors = append(result.Errors, ErrMissingOrderID.Error())
		return 0
	}
	rows, err := s.logRepo.GetActiveBySourceOrder(ctx, conn.TradingAccountID, orderID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("lookup source order %s: %v", orderID, err))
		return 0
	}

	modified := 0
	dests := s.destinations()
	for i := range rows {
		row := &rows[i]
		log := s.logger.With(zap.String("log_id", row.ID), zap.String("source_order_id", orderID))
		if row.DestinationOrderID == "" {
			continue
		}
		limit, stop, price := repricing(row.OrderType, payload)
		if price == nil {
			continue
		}
		if row.DestinationPrice != nil && math.Abs(*price-*row.DestinationPrice) <= s.tolerance {
			continue
		}

		destConn, gw, err := dests.get(ctx, row.DestinationConnectionID)
		if err != nil {
			log.Warn("destination gateway unavailable", zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("log %s: %v", row.ID, err))
			continue
		}

		callCtx, cancel := withTimeout(ctx, s.timeout)
		res := gw.ModifyOrder(callCtx, exchange.ModifyRequest{
			AccountID:  destConn.BrokerAccountID,
			OrderID:    row.DestinationOrderID,
			Symbol:     row.DestinationSymbol,
			LimitPrice: limit,
			StopPrice:  stop,
		})
		cancel()
		if !res.Success {
			log.Warn("destination modify rejected", zap.String("error", res.Error))
			result.Errors = append(result.Errors, fmt.Sprintf("log %s: %s", row.ID, res.Error))
			continue
		}
		if err := s.logRepo.UpdateDestinationPrice(ctx, row.ID, *price); err != nil {
			log.Error("failed to record new price", zap.Error(err))
		}
		log.Info("mirrored order repriced", zap.Float64("price", *price))
		modified++
	}
	return modified
}

// processCancel cancels the live mirrors of a source order. A source order
// that was never mirrored is a no-op.
func (s *OrderUpdateService) processCancel(ctx context.Context, conn *models.BrokerConnection, orderID string, result *OrderUpdateResult) int {
	if orderID == "" {
		result.Errors = append(result.Errors, ErrMissingOrderID.Error())
		return 0
	}
	rows, err := s.logRepo.GetActiveBySourceOrder(ctx, conn.TradingAccountID, orderID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("lookup source order %s: %v", orderID, err))
		return 0
	}

	cancelled := 0
	dests := s.destinations()
	for i := range rows {
		row := &rows[i]
		log := s.logger.With(zap.String("log_id", row.ID), zap.String("source_order_id", orderID))
		if row.DestinationOrderID == "" {
			log.Warn("mirrored order not submitted yet, nothing to cancel")
			continue
		}

		destConn, gw, err := dests.get(ctx, row.DestinationConnectionID)
		if err != nil {
			log.Warn("destination gateway unavailable", zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("log %s: %v", row.ID, err))
			continue
		}

		callCtx, cancel := withTimeout(ctx, s.timeout)
		res := gw.CancelOrder(callCtx, exchange.CancelRequest{
			AccountID: destConn.BrokerAccountID,
			OrderID:   row.DestinationOrderID,
			Symbol:    row.DestinationSymbol,
		})
		cancel()
		if !res.Success {
			log.Warn("destination cancel rejected", zap.String("error", res.Error))
			result.Errors = append(result.Errors, fmt.Sprintf("log %s: %s", row.ID, res.Error))
			continue
		}
		if err := s.logRepo.MarkCancelled(ctx, row.ID); err != nil {
			log.Error("failed to record cancellation", zap.Error(err))
		}
		log.Info("mirrored order cancelled", zap.String("destination_order_id", row.DestinationOrderID))
		cancelled++
	}
	return cancelled
}
