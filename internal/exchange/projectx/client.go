package projectx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"go.uber.org/zap"
)

const (
	// SessionTTL is how long a loginKey session token stays valid
	SessionTTL = 24 * time.Hour

	orderTypeLimit        = 1
	orderTypeMarket       = 2
	orderTypeStopLimit    = 3
	orderTypeStop         = 4
	orderTypeTrailingStop = 5

	sideBid = 0
	sideAsk = 1

	// parentOrderLookback widens the order search so resting orders placed
	// long before their fill are still found
	parentOrderLookback = 7 * 24 * time.Hour
)

// apiResponse is the envelope every ProjectX endpoint returns
type apiResponse struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (r *apiResponse) err() error {
	if r.Success {
		return nil
	}
	if r.ErrorMessage != "" {
		return fmt.Errorf("projectx error %d: %s", r.ErrorCode, r.ErrorMessage)
	}
	return fmt.Errorf("projectx error %d", r.ErrorCode)
}

type trade struct {
	ID                int64    `json:"id"`
	AccountID         int64    `json:"accountId"`
	ContractID        string   `json:"contractId"`
	CreationTimestamp string   `json:"creationTimestamp"`
	Price             float64  `json:"price"`
	ProfitAndLoss     *float64 `json:"profitAndLoss"`
	Fees              float64  `json:"fees"`
	Side              int      `json:"side"`
	Size              float64  `json:"size"`
	Voided            bool     `json:"voided"`
	OrderID           int64    `json:"orderId"`
}

type order struct {
	ID         int64    `json:"id"`
	AccountID  int64    `json:"accountId"`
	ContractID string   `json:"contractId"`
	Status     int      `json:"status"`
	Type       int      `json:"type"`
	Side       int      `json:"side"`
	Size       float64  `json:"size"`
	LimitPrice *float64 `json:"limitPrice"`
	StopPrice  *float64 `json:"stopPrice"`
}

type account struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	CanTrade bool   `json:"canTrade"`
}

// Client is the ProjectX gateway. It authenticates either with a
// username + API key pair, exchanged for a session token on first use, or
// with an already issued bearer token.
type Client struct {
	rest     *exchange.RestClient
	logger   *zap.Logger
	username string
	apiKey   string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

var (
	_ exchange.Gateway         = (*Client)(nil)
	_ exchange.SessionProvider = (*Client)(nil)
	_ exchange.TokenRenewer    = (*Client)(nil)
)

// NewClient creates a ProjectX gateway
func NewClient(rest *exchange.RestClient, creds exchange.Credentials, logger *zap.Logger) (*Client, error) {
	c := &Client{
		rest:     rest,
		logger:   logger.Named("projectx"),
		username: creds.Username,
		apiKey:   creds.APIKey,
		token:    creds.AccessToken,
	}
	if c.apiKey == "" && c.token == "" {
		return nil, exchange.ErrNoCredentials
	}
	if c.apiKey != "" && c.username == "" && c.token == "" {
		return nil, fmt.Errorf("%w: api key requires a username", exchange.ErrNoCredentials)
	}
	return c, nil
}

// BrokerType returns the broker integration tag
func (c *Client) BrokerType() models.BrokerType {
	return models.BrokerProjectX
}

// Session returns the current bearer session, logging in with the API key
// when none is held
func (c *Client) Session(ctx context.Context) (*exchange.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return &exchange.Session{Token: c.token, ExpiresAt: c.expiresAt}, nil
	}
	if err := c.loginLocked(ctx); err != nil {
		return nil, err
	}
	return &exchange.Session{Token: c.token, ExpiresAt: c.expiresAt}, nil
}

func (c *Client) loginLocked(ctx context.Context) error {
	if c.apiKey == "" {
		return exchange.ErrNoCredentials
	}

	var result struct {
		apiResponse
		Token string `json:"token"`
	}
	req := c.rest.R(ctx).
		SetBody(map[string]string{"userName": c.username, "apiKey": c.apiKey}).
		SetResult(&result)
	if _, err := c.rest.Do(ctx, http.MethodPost, "/api/Auth/loginKey", req, exchange.RetryAll); err != nil {
		return fmt.Errorf("projectx login: %w", err)
	}
	if err := result.err(); err != nil {
		return fmt.Errorf("projectx login: %w", err)
	}
	if result.Token == "" {
		return errors.New("projectx login: empty token")
	}

	c.token = result.Token
	c.expiresAt = time.Now().Add(SessionTTL)
	c.logger.Debug("Session established", zap.Time("expires_at", c.expiresAt))
	return nil
}

// RenewToken exchanges the current token for a fresh one
func (c *Client) RenewToken(ctx context.Context) (*exchange.Session, error) {
	session, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		apiResponse
		NewToken string `json:"newToken"`
	}
	req := c.rest.R(ctx).SetAuthToken(session.Token).SetResult(&result)
	if _, err := c.rest.Do(ctx, http.MethodPost, "/api/Auth/validate", req, exchange.RetryAll); err != nil {
		return nil, fmt.Errorf("projectx validate: %w", err)
	}
	if err := result.err(); err != nil {
		return nil, fmt.Errorf("projectx validate: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if result.NewToken != "" {
		c.token = result.NewToken
	}
	c.expiresAt = time.Now().Add(SessionTTL)
	return &exchange.Session{Token: c.token, ExpiresAt: c.expiresAt}, nil
}

// post sends an authenticated request and decodes the envelope into result
func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{ err() error }, policy exchange.RetryPolicy) error {
	session, err := c.Session(ctx)
	if err != nil {
		return err
	}

	req := c.rest.R(ctx).SetAuthToken(session.Token).SetBody(body).SetResult(result)
	if _, err := c.rest.Do(ctx, http.MethodPost, path, req, policy); err != nil {
		return err
	}
	return result.err()
}

func parseAccountID(accountID string) (int64, error) {
	id, err := strconv.ParseInt(accountID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", exchange.ErrInvalidAccountID, accountID)
	}
	return id, nil
}

// ListRecentExecutions returns the half-turn trades of accountID in the
// window, enriched with the type and prices of their parent orders
func (c *Client) ListRecentExecutions(ctx context.Context, accountID string, since, until time.Time) ([]models.SourceExecution, error) {
	id, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}

	var trades struct {
		apiResponse
		Trades []trade `json:"trades"`
	}
	if err := c.post(ctx, "/api/Trade/search", searchWindow(id, since, until), &trades, exchange.RetryAll); err != nil {
		return nil, fmt.Errorf("search trades: %w", err)
	}

	wanted := make(map[int64]bool)
	for _, t := range trades.Trades {
		if !t.Voided {
			wanted[t.OrderID] = true
		}
	}
	orders := c.parentOrders(ctx, accountID, id, wanted, since, until)

	execs := make([]models.SourceExecution, 0, len(trades.Trades))
	for _, t := range trades.Trades {
		if t.Voided {
			continue
		}
		parent, ok := orders[t.OrderID]
		if !ok {
			c.logger.Warn("Parent order not found, copying trade as market",
				zap.String("account_id", accountID),
				zap.Int64("trade_id", t.ID),
				zap.Int64("order_id", t.OrderID))
		}
		execs = append(execs, t.toExecution(parent))
	}
	return execs, nil
}

func searchWindow(accountID int64, since, until time.Time) map[string]interface{} {
	return map[string]interface{}{
		"accountId":      accountID,
		"startTimestamp": since.UTC().Format(time.RFC3339Nano),
		"endTimestamp":   until.UTC().Format(time.RFC3339Nano),
	}
}

// parentOrders looks up the orders in wanted. Orders are searched from
// parentOrderLookback before since, not just over the trade window.
func (c *Client) parentOrders(ctx context.Context, accountID string, id int64, wanted map[int64]bool, since, until time.Time) map[int64]order {
	orders := make(map[int64]order, len(wanted))
	if len(wanted) == 0 {
		return orders
	}

	var result struct {
		apiResponse
		Orders []order `json:"orders"`
	}
	body := searchWindow(id, since.Add(-parentOrderLookback), until)
	if err := c.post(ctx, "/api/Order/search", body, &result, exchange.RetryAll); err != nil {
		c.logger.Warn("Order search failed", zap.String("account_id", accountID), zap.Error(err))
		return orders
	}
	for _, o := range result.Orders {
		if wanted[o.ID] {
			orders[o.ID] = o
		}
	}
	return orders
}

func (t trade) toExecution(parent order) models.SourceExecution {
	side, _ := exchange.NormalizeSide(strconv.Itoa(t.Side))
	exec := models.SourceExecution{
		ExecutionID: strconv.FormatInt(t.ID, 10),
		OrderID:     strconv.FormatInt(t.OrderID, 10),
		AccountID:   strconv.FormatInt(t.AccountID, 10),
		Symbol:      t.ContractID,
		Side:        side,
		Quantity:    t.Size,
		Price:       t.Price,
		OrderType:   models.OrderTypeMarket,
		Status:      exchange.NormalizeStatus(""),
		PnL:         t.ProfitAndLoss,
	}
	if ts, err := time.Parse(time.RFC3339Nano, t.CreationTimestamp); err == nil {
		exec.Timestamp = ts.UTC()
	}

	if parent.ID != 0 {
		exec.OrderType = exchange.NormalizeOrderType(strconv.Itoa(parent.Type))
		if parent.LimitPrice != nil {
			exec.Price = *parent.LimitPrice
		}
		exec.StopPrice = parent.StopPrice
	}
	return exec
}

func orderTypeCode(t models.OrderType) int {
	switch t {
	case models.OrderTypeLimit:
		return orderTypeLimit
	case models.OrderTypeStopLimit:
		return orderTypeStopLimit
	case models.OrderTypeStop:
		return orderTypeStop
	case models.OrderTypeTrailingStop:
		return orderTypeTrailingStop
	default:
		return orderTypeMarket
	}
}

// PlaceOrder places an order with the same type and prices as requested
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) *exchange.OrderResult {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return exchange.Failed(err)
	}

	side := sideBid
	if req.Side == models.OrderSideSell {
		side = sideAsk
	}

	body := map[string]interface{}{
		"accountId":  id,
		"contractId": req.Symbol,
		"type":       orderTypeCode(req.OrderType),
		"side":       side,
		"size":       int64(req.Quantity),
	}
	switch req.OrderType {
	case models.OrderTypeLimit:
		body["limitPrice"] = req.Price
	case models.OrderTypeStop, models.OrderTypeTrailingStop:
		if req.StopPrice != nil {
			body["stopPrice"] = req.StopPrice
		} else {
			body["stopPrice"] = req.Price
		}
	case models.OrderTypeStopLimit:
		body["limitPrice"] = req.Price
		body["stopPrice"] = req.StopPrice
	}

	var result struct {
		apiResponse
		OrderID int64 `json:"orderId"`
	}
	if err := c.post(ctx, "/api/Order/place", body, &result, exchange.RetryThrottled); err != nil {
		return exchange.Failed(fmt.Errorf("place order: %w", err))
	}
	return &exchange.OrderResult{Success: true, OrderID: strconv.FormatInt(result.OrderID, 10)}
}

// CancelOrder cancels an open order
func (c *Client) CancelOrder(ctx context.Context, req exchange.CancelRequest) *exchange.OrderResult {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return exchange.Failed(err)
	}
	orderID, err := strconv.ParseInt(req.OrderID, 10, 64)
	if err != nil {
		return exchange.Failed(fmt.Errorf("invalid order id %q", req.OrderID))
	}

	var result apiResponse
	body := map[string]interface{}{"accountId": id, "orderId": orderID}
	if err := c.post(ctx, "/api/Order/cancel", body, &result, exchange.RetryThrottled); err != nil {
		return exchange.Failed(fmt.Errorf("cancel order: %w", err))
	}
	return &exchange.OrderResult{Success: true, OrderID: req.OrderID}
}

// ModifyOrder reprices an open order
func (c *Client) ModifyOrder(ctx context.Context, req exchange.ModifyRequest) *exchange.OrderResult {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return exchange.Failed(err)
	}
	orderID, err := strconv.ParseInt(req.OrderID, 10, 64)
	if err != nil {
		return exchange.Failed(fmt.Errorf("invalid order id %q", req.OrderID))
	}

	body := map[string]interface{}{"accountId": id, "orderId": orderID}
	if req.LimitPrice != nil {
		body["limitPrice"] = *req.LimitPrice
	}
	if req.StopPrice != nil {
		body["stopPrice"] = *req.StopPrice
	}

	var result apiResponse
	if err := c.post(ctx, "/api/Order/modify", body, &result, exchange.RetryThrottled); err != nil {
		return exchange.Failed(fmt.Errorf("modify order: %w", err))
	}
	return &exchange.OrderResult{Success: true, OrderID: req.OrderID}
}

// GetAccounts returns the active accounts of the user
func (c *Client) GetAccounts(ctx context.Context) ([]exchange.AccountInfo, error) {
	var result struct {
		apiResponse
		Accounts []account `json:"accounts"`
	}
	body := map[string]bool{"onlyActiveAccounts": true}
	if err := c.post(ctx, "/api/Account/search", body, &result, exchange.RetryAll); err != nil {
		return nil, fmt.Errorf("search accounts: %w", err)
	}

	accounts := make([]exchange.AccountInfo, 0, len(result.Accounts))
	for _, a := range result.Accounts {
		accounts = append(accounts, exchange.AccountInfo{
			ID:       strconv.FormatInt(a.ID, 10),
			Name:     a.Name,
			CanTrade: a.CanTrade,
		})
	}
	return accounts, nil
}
