package service

import (
	"context"
	"testing"
	"time"

	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"github.com/marketpulse/internal/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testUser = "user-1"

// mockGateway is a testify mock of exchange.Gateway. Contexts are not
// recorded so expectations match on the request alone.
type mockGateway struct {
	mock.Mock
	broker models.BrokerType
}

func newMockGateway(broker models.BrokerType) *mockGateway {
	return &mockGateway{broker: broker}
}

func (m *mockGateway) BrokerType() models.BrokerType {
	return m.broker
}

func (m *mockGateway) ListRecentExecutions(ctx context.Context, accountID string, since, until time.Time) ([]models.SourceExecution, error) {
	args := m.Called(accountID)
	execs, _ := args.Get(0).([]models.SourceExecution)
	return execs, args.Error(1)
}

func (m *mockGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) *exchange.OrderResult {
	return m.Called(req).Get(0).(*exchange.OrderResult)
}

func (m *mockGateway) CancelOrder(ctx context.Context, req exchange.CancelRequest) *exchange.OrderResult {
	return m.Called(req).Get(0).(*exchange.OrderResult)
}

func (m *mockGateway) ModifyOrder(ctx context.Context, req exchange.ModifyRequest) *exchange.OrderResult {
	return m.Called(req).Get(0).(*exchange.OrderResult)
}

func (m *mockGateway) GetAccounts(ctx context.Context) ([]exchange.AccountInfo, error) {
	args := m.Called()
	accounts, _ := args.Get(0).([]exchange.AccountInfo)
	return accounts, args.Error(1)
}

// stubProvider hands out a fixed gateway per connection id
type stubProvider struct {
	gateways map[string]exchange.Gateway
}

func (p *stubProvider) Gateway(ctx context.Context, conn *models.BrokerConnection) (exchange.Gateway, error) {
	gw, ok := p.gateways[conn.ID]
	if !ok {
		return nil, exchange.ErrNoCredentials
	}
	return gw, nil
}

// pipeline wires the copy services over an in-memory database
type pipeline struct {
	db       *gorm.DB
	provider *stubProvider
	logs     *repository.CopyLogRepository
	journal  *repository.JournalRepository
	dedup    *Deduplicator
	engine   *CopyEngine
	poller   *Poller
	orders   *OrderUpdateService
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	db := testutil.NewDB(t)
	logger := zap.NewNop()

	configRepo := repository.NewCopyConfigRepository(db)
	connRepo := repository.NewConnectionRepository(db)
	logRepo := repository.NewCopyLogRepository(db)
	journalRepo := repository.NewJournalRepository(db)
	provider := &stubProvider{gateways: map[string]exchange.Gateway{}}

	dedup := NewDeduplicator(logRepo, journalRepo, nil, 30*time.Second, logger)
	engine := NewCopyEngine(configRepo, connRepo, logRepo, provider, dedup, time.Second, logger)
	return &pipeline{
		db:       db,
		provider: provider,
		logs:     logRepo,
		journal:  journalRepo,
		dedup:    dedup,
		engine:   engine,
		poller: NewPoller(configRepo, connRepo, provider, engine, PollerOptions{
			Lookback:      30 * time.Second,
			MaxConcurrent: 4,
			Timeout:       time.Second,
		}, logger),
		orders: NewOrderUpdateService(connRepo, logRepo, provider, engine, 0.01, time.Second, logger),
	}
}

// account creates an account with an enabled connection served by a fresh mock gateway
func (p *pipeline) account(t *testing.T, name, brokerAccountID string) (*models.TradingAccount, *models.BrokerConnection, *mockGateway) {
	t.Helper()
	account := testutil.CreateAccount(t, p.db, testUser, name, models.BrokerProjectX)
	conn := testutil.CreateConnection(t, p.db, account, brokerAccountID)
	gw := newMockGateway(models.BrokerProjectX)
	p.provider.gateways[conn.ID] = gw
	return account, conn, gw
}

func (p *pipeline) logRows(t *testing.T) []models.CopyTradeLog {
	t.Helper()
	var rows []models.CopyTradeLog
	require.NoError(t, p.db.Order("created_at ASC").Find(&rows).Error)
	return rows
}

func openingFill(symbol string, side models.OrderSide, qty float64) models.SourceExecution {
	return models.SourceExecution{
		ExecutionID: "9001",
		OrderID:     "5001",
		Symbol:      symbol,
		Side:        side,
		Quantity:    qty,
		Price:       5000.25,
		OrderType:   models.OrderTypeMarket,
		Status:      models.ExecutionStatusFilled,
		PnL:         testutil.Float(0),
		Timestamp:   time.Now().UTC(),
	}
}

func placed(orderID string) *exchange.OrderResult {
	return &exchange.OrderResult{Success: true, OrderID: orderID}
}

func accepted() *exchange.OrderResult {
	return &exchange.OrderResult{Success: true}
}
