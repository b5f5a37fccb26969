package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func marketOrder(accountID, symbol string, side models.OrderSide, qty float64) exchange.OrderRequest {
	return exchange.OrderRequest{
		AccountID: accountID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		OrderType: models.OrderTypeMarket,
	}
}

func TestPoller_NewFillFanOut(t *testing.T) {
	p := newPipeline(t)
	source, _, sourceGW := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 2)

	sourceGW.On("ListRecentExecutions", "101").
		Return([]models.SourceExecution{openingFill("ES", models.OrderSideBuy, 1)}, nil)
	destGW.On("PlaceOrder", marketOrder("202", "ES", models.OrderSideBuy, 2)).Return(placed("D-1")).Once()

	result := p.poller.CheckAndExecute(context.Background(), testUser)

	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Executed)
	assert.Empty(t, result.Errors)
	assert.False(t, result.Timestamp.IsZero())
	destGW.AssertExpectations(t)

	rows := p.logRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.CopyStatusSubmitted, rows[0].Status)
	assert.Equal(t, "D-1", rows[0].DestinationOrderID)
	assert.Equal(t, "5001", rows[0].SourceOrderID)
	assert.Equal(t, 2.0, rows[0].DestinationQuantity)
	assert.Equal(t, "order:5001", rows[0].DedupKey)

	var synced models.BrokerConnection
	require.NoError(t, p.db.Where("trading_account_id = ?", source.ID).First(&synced).Error)
	assert.NotNil(t, synced.LastSyncedAt)
}

func TestPoller_ClosingFillExcluded(t *testing.T) {
	p := newPipeline(t)
	source, _, sourceGW := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 2)

	closing := openingFill("ES", models.OrderSideSell, 1)
	closing.PnL = testutil.Float(48.5)
	closing.Status = exchange.NormalizeStatus("CLOSED")
	sourceGW.On("ListRecentExecutions", "101").Return([]models.SourceExecution{closing}, nil)

	result := p.poller.CheckAndExecute(context.Background(), testUser)

	assert.Equal(t, 1, result.Checked)
	assert.Zero(t, result.Executed)
	destGW.AssertNotCalled(t, "PlaceOrder", mock.Anything)
	assert.Empty(t, p.logRows(t))
}

func TestPoller_DuplicateSuppression(t *testing.T) {
	p := newPipeline(t)
	source, sourceConn, sourceGW := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 2)

	fill := openingFill("ES", models.OrderSideBuy, 1)
	sourceGW.On("ListRecentExecutions", "101").Return([]models.SourceExecution{fill}, nil)
	destGW.On("PlaceOrder", mock.Anything).Return(placed("D-1"))

	first := p.poller.CheckAndExecute(context.Background(), testUser)
	second := p.poller.CheckAndExecute(context.Background(), testUser)
	pushed := p.engine.Mirror(context.Background(), testUser, sourceConn, fill)

	assert.Equal(t, 1, first.Executed)
	assert.Zero(t, second.Executed)
	assert.Zero(t, pushed.Copied)
	destGW.AssertNumberOfCalls(t, "PlaceOrder", 1)
	assert.Len(t, p.logRows(t), 1)
}

func TestPoller_SkipsFillImportedByJournalSync(t *testing.T) {
	p := newPipeline(t)
	source, _, sourceGW := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 1)

	externalID := models.BrokerExternalID(models.BrokerProjectX, "9001")
	require.NoError(t, p.journal.Create(context.Background(), &models.JournalTrade{
		UserID:           testUser,
		TradingAccountID: source.ID,
		ExternalID:       &externalID,
		Symbol:           "ES",
		Side:             models.OrderSideBuy,
		Quantity:         1,
		Source:           models.JournalSourceBrokerSync,
		OpenedAt:         time.Now().UTC(),
	}))
	sourceGW.On("ListRecentExecutions", "101").
		Return([]models.SourceExecution{openingFill("ES", models.OrderSideBuy, 1)}, nil)

	result := p.poller.CheckAndExecute(context.Background(), testUser)

	assert.Zero(t, result.Executed)
	destGW.AssertNotCalled(t, "PlaceOrder", mock.Anything)
}

func TestPoller_ConnectionFailureDoesNotAbortBatch(t *testing.T) {
	p := newPipeline(t)
	broken, _, brokenGW := p.account(t, "broken", "100")
	source, _, sourceGW := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, broken, dest, 1)
	testutil.CreateConfig(t, p.db, source, dest, 1)

	brokenGW.On("ListRecentExecutions", "100").Return(nil, errors.New("request failed with status 401"))
	sourceGW.On("ListRecentExecutions", "101").
		Return([]models.SourceExecution{openingFill("NQ", models.OrderSideSell, 3)}, nil)
	destGW.On("PlaceOrder", marketOrder("202", "NQ", models.OrderSideSell, 3)).Return(placed("D-9"))

	result := p.poller.CheckAndExecute(context.Background(), testUser)

	assert.Equal(t, 1, result.Executed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "status 401")
}

func TestPoller_NoConfigurations(t *testing.T) {
	p := newPipeline(t)
	_, _, sourceGW := p.account(t, "source", "101")

	result := p.poller.CheckAndExecute(context.Background(), testUser)

	assert.Zero(t, result.Checked)
	sourceGW.AssertNotCalled(t, "ListRecentExecutions", mock.Anything)
}

func TestCopyEngine_SymbolFilters(t *testing.T) {
	tests := []struct {
		name string
		opt  func(*models.CopyConfiguration)
	}{
		{"DenyList", func(c *models.CopyConfiguration) { c.SymbolDenyList = []string{"ES"} }},
		{"AllowListWithoutSymbol", func(c *models.CopyConfiguration) { c.SymbolAllowList = []string{"NQ", "CL"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t)
			source, sourceConn, _ := p.account(t, "source", "101")
			dest, _, destGW := p.account(t, "dest", "202")
			testutil.CreateConfig(t, p.db, source, dest, 1, tt.opt)

			result := p.engine.Mirror(context.Background(), testUser, sourceConn, openingFill("ES", models.OrderSideBuy, 1))

			assert.Zero(t, result.Copied)
			assert.Empty(t, result.Errors)
			destGW.AssertNotCalled(t, "PlaceOrder", mock.Anything)
			assert.Empty(t, p.logRows(t))
		})
	}
}

func TestCopyEngine_AllowListMatchesContractRoot(t *testing.T) {
	p := newPipeline(t)
	source, sourceConn, _ := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 1, func(c *models.CopyConfiguration) {
		c.SymbolAllowList = []string{"ES"}
	})
	destGW.On("PlaceOrder", mock.Anything).Return(placed("D-1"))

	result := p.engine.Mirror(context.Background(), testUser, sourceConn, openingFill("CON.F.US.ES.Z25", models.OrderSideBuy, 1))

	assert.Equal(t, 1, result.Copied)
}

func TestCopyEngine_QuantityRoundsToZero(t *testing.T) {
	p := newPipeline(t)
	source, sourceConn, _ := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 0.4)

	result := p.engine.Mirror(context.Background(), testUser, sourceConn, openingFill("ES", models.OrderSideBuy, 1))

	assert.Zero(t, result.Copied)
	assert.Empty(t, result.Errors)
	destGW.AssertNotCalled(t, "PlaceOrder", mock.Anything)
	assert.Empty(t, p.logRows(t))
}

func TestCopyEngine_QuantityScaling(t *testing.T) {
	tests := []struct {
		multiplier float64
		qty        float64
		want       float64
	}{
		{2, 1, 2},
		{0.5, 3, 2},
		{1.5, 3, 5},
		{0.6, 1, 1},
	}
	for _, tt := range tests {
		p := newPipeline(t)
		source, sourceConn, _ := p.account(t, "source", "101")
		dest, _, destGW := p.account(t, "dest", "202")
		testutil.CreateConfig(t, p.db, source, dest, tt.multiplier)
		destGW.On("PlaceOrder", marketOrder("202", "ES", models.OrderSideBuy, tt.want)).Return(placed("D-1")).Once()

		result := p.engine.Mirror(context.Background(), testUser, sourceConn, openingFill("ES", models.OrderSideBuy, tt.qty))

		assert.Equal(t, 1, result.Copied, "multiplier %v qty %v", tt.multiplier, tt.qty)
		destGW.AssertExpectations(t)
	}
}

func TestCopyEngine_PartialFailureIsolation(t *testing.T) {
	p := newPipeline(t)
	source, sourceConn, _ := p.account(t, "source", "101")
	var gateways []*mockGateway
	for i, brokerID := range []string{"201", "202", "203"} {
		dest, _, gw := p.account(t, "dest-"+brokerID, brokerID)
		testutil.CreateConfig(t, p.db, source, dest, 1)
		if i == 1 {
			gw.On("PlaceOrder", mock.Anything).Return(exchange.Failed(errors.New("insufficient margin")))
		} else {
			gw.On("PlaceOrder", mock.Anything).Return(placed("D-" + brokerID))
		}
		gateways = append(gateways, gw)
	}

	result := p.engine.Mirror(context.Background(), testUser, sourceConn, openingFill("ES", models.OrderSideBuy, 1))

	assert.Equal(t, 2, result.Copied)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "insufficient margin")
	for _, gw := range gateways {
		gw.AssertNumberOfCalls(t, "PlaceOrder", 1)
	}

	statuses := map[models.CopyStatus]int{}
	for _, row := range p.logRows(t) {
		statuses[row.Status]++
		if row.Status == models.CopyStatusError {
			assert.Equal(t, "insufficient margin", row.ErrorMessage)
		}
	}
	assert.Equal(t, map[models.CopyStatus]int{models.CopyStatusSubmitted: 2, models.CopyStatusError: 1}, statuses)
}

func TestCopyEngine_OrderTypePassthrough(t *testing.T) {
	limit := openingFill("ES", models.OrderSideBuy, 1)
	limit.OrderType = models.OrderTypeLimit
	limit.Price = 4987.5

	stop := openingFill("ES", models.OrderSideSell, 1)
	stop.OrderType = models.OrderTypeStop
	stop.StopPrice = testutil.Float(4950)

	stopLimit := openingFill("ES", models.OrderSideSell, 1)
	stopLimit.OrderType = models.OrderTypeStopLimit
	stopLimit.Price = 4949
	stopLimit.StopPrice = testutil.Float(4950)

	tests := []struct {
		name string
		exec models.SourceExecution
		want exchange.OrderRequest
	}{
		{"Limit", limit, exchange.OrderRequest{
			AccountID: "202", Symbol: "ES", Side: models.OrderSideBuy, Quantity: 1,
			OrderType: models.OrderTypeLimit, Price: testutil.Float(4987.5),
		}},
		{"Stop", stop, exchange.OrderRequest{
			AccountID: "202", Symbol: "ES", Side: models.OrderSideSell, Quantity: 1,
			OrderType: models.OrderTypeStop, StopPrice: testutil.Float(4950),
		}},
		{"StopLimit", stopLimit, exchange.OrderRequest{
			AccountID: "202", Symbol: "ES", Side: models.OrderSideSell, Quantity: 1,
			OrderType: models.OrderTypeStopLimit, Price: testutil.Float(4949), StopPrice: testutil.Float(4950),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t)
			source, sourceConn, _ := p.account(t, "source", "101")
			dest, _, destGW := p.account(t, "dest", "202")
			testutil.CreateConfig(t, p.db, source, dest, 1)
			destGW.On("PlaceOrder", tt.want).Return(placed("D-1")).Once()

			result := p.engine.Mirror(context.Background(), testUser, sourceConn, tt.exec)

			assert.Equal(t, 1, result.Copied)
			destGW.AssertExpectations(t)
			rows := p.logRows(t)
			require.Len(t, rows, 1)
			assert.Equal(t, tt.exec.OrderType, rows[0].OrderType)
		})
	}
}

func TestCopyEngine_UniqueKeyBlocksConcurrentCopy(t *testing.T) {
	p := newPipeline(t)
	source, _, _ := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 1)
	destGW.On("PlaceOrder", mock.Anything).Return(placed("D-1"))

	fill := openingFill("ES", models.OrderSideBuy, 1)
	// both cycles passed the dedup check before either wrote its row
	first := p.engine.Execute(context.Background(), testUser, source.ID, fill)
	second := p.engine.Execute(context.Background(), testUser, source.ID, fill)

	assert.Equal(t, 1, first.Copied)
	assert.Zero(t, second.Copied)
	assert.Empty(t, second.Errors)
	destGW.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestCopyEngine_FailedAttemptIsRetried(t *testing.T) {
	p := newPipeline(t)
	source, _, _ := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 1)
	destGW.On("PlaceOrder", mock.Anything).Return(exchange.Failed(errors.New("market closed"))).Once()
	destGW.On("PlaceOrder", mock.Anything).Return(placed("D-2")).Once()

	fill := openingFill("ES", models.OrderSideBuy, 1)
	first := p.engine.Execute(context.Background(), testUser, source.ID, fill)
	second := p.engine.Execute(context.Background(), testUser, source.ID, fill)

	assert.Zero(t, first.Copied)
	assert.Len(t, first.Errors, 1)
	assert.Equal(t, 1, second.Copied)

	rows := p.logRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.CopyStatusSubmitted, rows[0].Status)
	assert.Equal(t, "D-2", rows[0].DestinationOrderID)
	assert.Empty(t, rows[0].ErrorMessage)
}

func TestCopyEngine_MissingDestinationConnection(t *testing.T) {
	p := newPipeline(t)
	source, sourceConn, _ := p.account(t, "source", "101")
	orphan := testutil.CreateAccount(t, p.db, testUser, "orphan", models.BrokerBybit)
	testutil.CreateConfig(t, p.db, source, orphan, 1)

	result := p.engine.Mirror(context.Background(), testUser, sourceConn, openingFill("ES", models.OrderSideBuy, 1))

	assert.Zero(t, result.Copied)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no enabled connection")
	assert.Empty(t, p.logRows(t))
}

func TestCopyEngine_IgnoresOtherUsersConfigurations(t *testing.T) {
	p := newPipeline(t)
	source, sourceConn, _ := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 1, func(c *models.CopyConfiguration) { c.UserID = "user-2" })

	result := p.engine.Mirror(context.Background(), testUser, sourceConn, openingFill("ES", models.OrderSideBuy, 1))

	assert.Zero(t, result.Copied)
	destGW.AssertNotCalled(t, "PlaceOrder", mock.Anything)
}

func TestDedupKey(t *testing.T) {
	at := time.Date(2025, 10, 17, 13, 30, 12, 0, time.UTC)
	fill := models.SourceExecution{Symbol: "es", Side: models.OrderSideBuy, Quantity: 2, Timestamp: at}

	assert.Equal(t, "fill:ES:BUY:2:58690260", DedupKey(fill, 30*time.Second))

	sameBucket := fill
	sameBucket.Timestamp = at.Add(10 * time.Second)
	assert.Equal(t, DedupKey(fill, 30*time.Second), DedupKey(sameBucket, 30*time.Second))

	// fills of one order stay distinct
	fill.OrderID = "5001"
	fill.ExecutionID = "9001"
	assert.Equal(t, "exec:9001", DedupKey(fill, 30*time.Second))
	assert.Equal(t, "order:5001", OrderKey(fill.OrderID))
}

func TestPoller_PartialFillsOfOneOrder(t *testing.T) {
	tests := []struct {
		name string
		qtys []float64
	}{
		{"DifferentSizes", []float64{1, 2}},
		{"SameSize", []float64{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t)
			source, _, sourceGW := p.account(t, "source", "101")
			dest, _, destGW := p.account(t, "dest", "202")
			testutil.CreateConfig(t, p.db, source, dest, 2)

			var fills []models.SourceExecution
			for i, qty := range tt.qtys {
				fill := openingFill("ES", models.OrderSideBuy, qty)
				fill.ExecutionID = fmt.Sprintf("900%d", i+1)
				fills = append(fills, fill)
				destGW.On("PlaceOrder", marketOrder("202", "ES", models.OrderSideBuy, qty*2)).
					Return(placed(fmt.Sprintf("D-%d", i+1))).Once()
			}
			sourceGW.On("ListRecentExecutions", "101").Return(fills, nil)

			first := p.poller.CheckAndExecute(context.Background(), testUser)
			second := p.poller.CheckAndExecute(context.Background(), testUser)

			assert.Equal(t, len(fills), first.Executed)
			assert.Empty(t, first.Errors)
			assert.Zero(t, second.Executed)
			destGW.AssertExpectations(t)
			destGW.AssertNumberOfCalls(t, "PlaceOrder", len(fills))

			var placedQty float64
			for _, row := range p.logRows(t) {
				assert.Equal(t, "5001", row.SourceOrderID)
				placedQty += row.DestinationQuantity
			}
			var sourceQty float64
			for _, qty := range tt.qtys {
				sourceQty += qty
			}
			assert.Equal(t, sourceQty*2, placedQty)
		})
	}
}
