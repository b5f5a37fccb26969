package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"github.com/marketpulse/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type orderFixture struct {
	p          *pipeline
	source     *models.TradingAccount
	sourceConn *models.BrokerConnection
	destGW     *mockGateway
}

// newOrderFixture mirrors a limit order 5001 at 100 onto destination order D-1
func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	p := newPipeline(t)
	source, sourceConn, _ := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 1)

	limit := openingFill("ES", models.OrderSideBuy, 1)
	limit.OrderType = models.OrderTypeLimit
	limit.Price = 100
	destGW.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.OrderType == models.OrderTypeLimit
	})).Return(placed("D-1")).Once()
	require.Equal(t, 1, p.engine.Mirror(context.Background(), testUser, sourceConn, limit).Copied)

	return &orderFixture{p: p, source: source, sourceConn: sourceConn, destGW: destGW}
}

func (f *orderFixture) request(action OrderAction, payload string) *OrderUpdateRequest {
	req := &OrderUpdateRequest{
		ConnectionID:     f.sourceConn.ID,
		TradingAccountID: f.source.ID,
		Action:           action,
	}
	if err := json.Unmarshal([]byte(payload), &req.Order); err != nil {
		panic(err)
	}
	return req
}

func TestOrderUpdate_ModifyThenCancel(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	f.destGW.On("ModifyOrder", exchange.ModifyRequest{
		AccountID:  "202",
		OrderID:    "D-1",
		Symbol:     "ES",
		LimitPrice: testutil.Float(105),
	}).Return(accepted()).Once()

	result, err := f.p.orders.ProcessOrderUpdate(ctx, testUser, f.request(OrderActionModified, `{"orderId":5001,"limitPrice":105}`))
	require.NoError(t, err)
	require.NotNil(t, result.Modified)
	assert.Equal(t, 1, *result.Modified)
	assert.Nil(t, result.Executed)
	assert.Empty(t, result.Errors)

	rows := f.p.logRows(t)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].DestinationPrice)
	assert.Equal(t, 105.0, *rows[0].DestinationPrice)

	f.destGW.On("CancelOrder", exchange.CancelRequest{AccountID: "202", OrderID: "D-1", Symbol: "ES"}).
		Return(accepted()).Once()

	result, err = f.p.orders.ProcessOrderUpdate(ctx, testUser, f.request(OrderActionCancelled, `{"orderId":"5001"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Cancelled)
	assert.Equal(t, 1, *result.Cancelled)

	rows = f.p.logRows(t)
	assert.Equal(t, models.CopyStatusCancelled, rows[0].Status)
	f.destGW.AssertExpectations(t)

	// a late modify for the cancelled order is a no-op
	result, err = f.p.orders.ProcessOrderUpdate(ctx, testUser, f.request(OrderActionModified, `{"orderId":5001,"limitPrice":110}`))
	require.NoError(t, err)
	assert.Equal(t, 0, *result.Modified)
	f.destGW.AssertNumberOfCalls(t, "ModifyOrder", 1)
}

func TestOrderUpdate_ModifyWithinTolerance(t *testing.T) {
	f := newOrderFixture(t)

	result, err := f.p.orders.ProcessOrderUpdate(context.Background(), testUser,
		f.request(OrderActionModified, `{"orderId":5001,"limitPrice":100.005}`))

	require.NoError(t, err)
	assert.Equal(t, 0, *result.Modified)
	f.destGW.AssertNotCalled(t, "ModifyOrder", mock.Anything)
}

func TestOrderUpdate_ModifyRejectedKeepsPrice(t *testing.T) {
	f := newOrderFixture(t)
	f.destGW.On("ModifyOrder", mock.Anything).Return(exchange.Failed(assert.AnError))

	result, err := f.p.orders.ProcessOrderUpdate(context.Background(), testUser,
		f.request(OrderActionModified, `{"orderId":5001,"limitPrice":101}`))

	require.NoError(t, err)
	assert.Equal(t, 0, *result.Modified)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, 100.0, *f.p.logRows(t)[0].DestinationPrice)
}

func TestOrderUpdate_CancellationTargeting(t *testing.T) {
	f := newOrderFixture(t)

	other := openingFill("NQ", models.OrderSideSell, 2)
	other.OrderID = "5002"
	other.ExecutionID = "9002"
	f.destGW.On("PlaceOrder", mock.Anything).Return(placed("D-2")).Once()
	require.Equal(t, 1, f.p.engine.Mirror(context.Background(), testUser, f.sourceConn, other).Copied)

	f.destGW.On("CancelOrder", exchange.CancelRequest{AccountID: "202", OrderID: "D-1", Symbol: "ES"}).
		Return(accepted()).Once()

	result, err := f.p.orders.ProcessOrderUpdate(context.Background(), testUser, f.request(OrderActionCancelled, `{"orderId":5001}`))
	require.NoError(t, err)
	assert.Equal(t, 1, *result.Cancelled)

	f.destGW.AssertExpectations(t)
	f.destGW.AssertNumberOfCalls(t, "CancelOrder", 1)
	for _, row := range f.p.logRows(t) {
		switch row.SourceOrderID {
		case "5001":
			assert.Equal(t, models.CopyStatusCancelled, row.Status)
		case "5002":
			assert.Equal(t, models.CopyStatusSubmitted, row.Status)
		}
	}
}

func TestOrderUpdate_CancelUnknownOrderIsNoop(t *testing.T) {
	f := newOrderFixture(t)

	result, err := f.p.orders.ProcessOrderUpdate(context.Background(), testUser, f.request(OrderActionCancelled, `{"orderId":7777}`))

	require.NoError(t, err)
	assert.Equal(t, 0, *result.Cancelled)
	assert.Empty(t, result.Errors)
	f.destGW.AssertNotCalled(t, "CancelOrder", mock.Anything)
}

func TestOrderUpdate_NewOrder(t *testing.T) {
	f := newOrderFixture(t)
	f.destGW.On("PlaceOrder", exchange.OrderRequest{
		AccountID: "202",
		Symbol:    "CON.F.US.MNQ.Z25",
		Side:      models.OrderSideSell,
		Quantity:  2,
		OrderType: models.OrderTypeStop,
		StopPrice: testutil.Float(21000),
	}).Return(placed("D-3")).Once()

	payload := `{"id":6001,"accountId":101,"contractId":"CON.F.US.MNQ.Z25","status":1,"type":4,"side":1,"size":2,"stopPrice":21000}`
	result, err := f.p.orders.ProcessOrderUpdate(context.Background(), testUser, f.request(OrderActionNew, payload))
	require.NoError(t, err)
	require.NotNil(t, result.Executed)
	assert.Equal(t, 1, *result.Executed)

	// replaying the same order id does not place again
	result, err = f.p.orders.ProcessOrderUpdate(context.Background(), testUser, f.request(OrderActionNew, payload))
	require.NoError(t, err)
	assert.Equal(t, 0, *result.Executed)
	f.destGW.AssertExpectations(t)
}

func TestOrderUpdate_NewOrderIncompletePayload(t *testing.T) {
	f := newOrderFixture(t)

	result, err := f.p.orders.ProcessOrderUpdate(context.Background(), testUser, f.request(OrderActionNew, `{"id":6001,"side":0}`))

	require.NoError(t, err)
	assert.Equal(t, 0, *result.Executed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "missing symbol")
}

func TestOrderUpdate_RequestValidation(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	req := f.request(OrderActionCancelled, `{"orderId":5001}`)
	req.TradingAccountID = "another-account"
	_, err := f.p.orders.ProcessOrderUpdate(ctx, testUser, req)
	assert.ErrorIs(t, err, ErrConnectionMismatch)

	req = f.request(OrderActionCancelled, `{"orderId":5001}`)
	_, err = f.p.orders.ProcessOrderUpdate(ctx, "user-2", req)
	assert.ErrorIs(t, err, repository.ErrConnectionNotFound)

	req = f.request("filled", `{"orderId":5001}`)
	_, err = f.p.orders.ProcessOrderUpdate(ctx, testUser, req)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestHandleStreamOrder_Classification(t *testing.T) {
	p := newPipeline(t)
	source, sourceConn, _ := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 1)
	ctx := context.Background()

	destGW.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.OrderType == models.OrderTypeLimit && *req.Price == 4500
	})).Return(placed("D-1")).Once()
	result := p.orders.HandleStreamOrder(ctx, testUser, sourceConn,
		json.RawMessage(`{"id":5003,"accountId":101,"contractId":"CON.F.US.EP.Z25","status":1,"type":1,"side":0,"size":1,"limitPrice":4500}`))
	require.NotNil(t, result.Executed)
	assert.Equal(t, 1, *result.Executed)

	destGW.On("ModifyOrder", mock.MatchedBy(func(req exchange.ModifyRequest) bool {
		return req.OrderID == "D-1" && *req.LimitPrice == 4510
	})).Return(accepted()).Once()
	result = p.orders.HandleStreamOrder(ctx, testUser, sourceConn,
		json.RawMessage(`{"id":5003,"accountId":101,"contractId":"CON.F.US.EP.Z25","status":1,"type":1,"side":0,"size":1,"limitPrice":4510}`))
	require.NotNil(t, result.Modified)
	assert.Equal(t, 1, *result.Modified)

	destGW.On("CancelOrder", mock.Anything).Return(accepted()).Once()
	result = p.orders.HandleStreamOrder(ctx, testUser, sourceConn,
		json.RawMessage(`{"id":5003,"accountId":101,"contractId":"CON.F.US.EP.Z25","status":3,"type":1,"side":0,"size":1,"limitPrice":4510}`))
	require.NotNil(t, result.Cancelled)
	assert.Equal(t, 1, *result.Cancelled)

	result = p.orders.HandleStreamOrder(ctx, testUser, sourceConn,
		json.RawMessage(`{"id":5004,"accountId":101,"contractId":"CON.F.US.EP.Z25","status":5,"type":2,"side":0,"size":1}`))
	assert.Nil(t, result.Executed)
	assert.Nil(t, result.Cancelled)

	destGW.AssertExpectations(t)
}

func TestHandleStreamTrade(t *testing.T) {
	p := newPipeline(t)
	source, sourceConn, _ := p.account(t, "source", "101")
	dest, _, destGW := p.account(t, "dest", "202")
	testutil.CreateConfig(t, p.db, source, dest, 3)
	ctx := context.Background()

	destGW.On("PlaceOrder", marketOrder("202", "CON.F.US.EP.Z25", models.OrderSideBuy, 3)).Return(placed("D-1")).Once()

	opening := json.RawMessage(`{"id":77,"accountId":101,"contractId":"CON.F.US.EP.Z25","price":4500.25,"profitAndLoss":null,"side":0,"size":1,"orderId":5005}`)
	assert.Equal(t, 1, p.orders.HandleStreamTrade(ctx, testUser, sourceConn, opening).Copied)
	assert.Zero(t, p.orders.HandleStreamTrade(ctx, testUser, sourceConn, opening).Copied)

	closing := json.RawMessage(`{"id":78,"accountId":101,"contractId":"CON.F.US.EP.Z25","price":4510,"profitAndLoss":48.5,"side":1,"size":1,"orderId":5006}`)
	assert.Zero(t, p.orders.HandleStreamTrade(ctx, testUser, sourceConn, closing).Copied)

	destGW.AssertExpectations(t)
	destGW.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestSourceOrderMirroredOnceAcrossPaths(t *testing.T) {
	const (
		orderEvent = `{"id":5001,"accountId":101,"contractId":"CON.F.US.EP.Z25","status":1,"type":2,"side":0,"size":1}`
		tradeEvent = `{"id":9001,"accountId":101,"contractId":"CON.F.US.EP.Z25","price":4500.25,"profitAndLoss":null,"side":0,"size":1,"orderId":5001}`
	)
	polled := models.SourceExecution{
		ExecutionID: "9001",
		OrderID:     "5001",
		Symbol:      "CON.F.US.EP.Z25",
		Side:        models.OrderSideBuy,
		Quantity:    1,
		Price:       4500.25,
		OrderType:   models.OrderTypeMarket,
		Status:      models.ExecutionStatusFilled,
		Timestamp:   time.Now().UTC(),
	}

	tests := []struct {
		name  string
		steps []string
	}{
		{"OrderTradePoll", []string{"order", "trade", "poll"}},
		{"TradeOrderPoll", []string{"trade", "order", "poll"}},
		{"PollOrderTrade", []string{"poll", "order", "trade"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t)
			source, sourceConn, sourceGW := p.account(t, "source", "101")
			dest, _, destGW := p.account(t, "dest", "202")
			testutil.CreateConfig(t, p.db, source, dest, 1)
			sourceGW.On("ListRecentExecutions", "101").Return([]models.SourceExecution{polled}, nil)
			destGW.On("PlaceOrder", marketOrder("202", "CON.F.US.EP.Z25", models.OrderSideBuy, 1)).Return(placed("D-1"))
			ctx := context.Background()

			for _, step := range tt.steps {
				switch step {
				case "order":
					result := p.orders.HandleStreamOrder(ctx, testUser, sourceConn, json.RawMessage(orderEvent))
					assert.Empty(t, result.Errors)
				case "trade":
					result := p.orders.HandleStreamTrade(ctx, testUser, sourceConn, json.RawMessage(tradeEvent))
					assert.Empty(t, result.Errors)
				case "poll":
					result := p.poller.CheckAndExecute(ctx, testUser)
					assert.Empty(t, result.Errors)
				}
			}

			destGW.AssertNumberOfCalls(t, "PlaceOrder", 1)
			assert.Len(t, p.logRows(t), 1)
		})
	}
}
