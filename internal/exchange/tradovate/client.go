package tradovate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"go.uber.org/zap"
)

type fill struct {
	ID         int64   `json:"id"`
	OrderID    int64   `json:"orderId"`
	ContractID int64   `json:"contractId"`
	Timestamp  string  `json:"timestamp"`
	Action     string  `json:"action"`
	Qty        float64 `json:"qty"`
	Price      float64 `json:"price"`
	Active     bool    `json:"active"`
}

type fillPair struct {
	ID         int64   `json:"id"`
	PositionID int64   `json:"positionId"`
	BuyFillID  int64   `json:"buyFillId"`
	SellFillID int64   `json:"sellFillId"`
	Qty        float64 `json:"qty"`
	BuyPrice   float64 `json:"buyPrice"`
	SellPrice  float64 `json:"sellPrice"`
}

type order struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"accountId"`
	OrdStatus string `json:"ordStatus"`
	Action    string `json:"action"`
}

type orderVersion struct {
	ID        int64    `json:"id"`
	OrderID   int64    `json:"orderId"`
	OrderQty  float64  `json:"orderQty"`
	OrderType string   `json:"orderType"`
	Price     *float64 `json:"price"`
	StopPrice *float64 `json:"stopPrice"`
}

type commandResult struct {
	OrderID       int64  `json:"orderId"`
	CommandID     int64  `json:"commandId"`
	FailureReason string `json:"failureReason"`
	FailureText   string `json:"failureText"`
	ErrorText     string `json:"errorText"`
}

func (r *commandResult) err() error {
	if r.ErrorText != "" {
		return fmt.Errorf("tradovate: %s", r.ErrorText)
	}
	if r.FailureReason != "" && r.FailureReason != "Success" {
		if r.FailureText != "" {
			return fmt.Errorf("tradovate %s: %s", r.FailureReason, r.FailureText)
		}
		return fmt.Errorf("tradovate %s", r.FailureReason)
	}
	return nil
}

// Client is the Tradovate gateway. It authenticates with an OAuth access
// token that RenewToken extends before expiry.
type Client struct {
	rest        *exchange.RestClient
	logger      *zap.Logger
	accountSpec string

	mu    sync.Mutex
	token string

	contracts map[int64]string
}

var (
	_ exchange.Gateway      = (*Client)(nil)
	_ exchange.TokenRenewer = (*Client)(nil)
)

// NewClient creates a Tradovate gateway
func NewClient(rest *exchange.RestClient, creds exchange.Credentials, logger *zap.Logger) (*Client, error) {
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("%w: tradovate requires an access token", exchange.ErrNoCredentials)
	}
	spec := creds.AccountSpec
	if spec == "" {
		spec = creds.Username
	}
	return &Client{
		rest:        rest,
		logger:      logger.Named("tradovate"),
		accountSpec: spec,
		token:       creds.AccessToken,
		contracts:   make(map[int64]string),
	}, nil
}

// BrokerType returns the broker integration tag
func (c *Client) BrokerType() models.BrokerType {
	return models.BrokerTradovate
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	req := c.rest.R(ctx).SetAuthToken(c.bearer()).SetQueryParams(query).SetResult(out)
	_, err := c.rest.Do(ctx, http.MethodGet, path, req, exchange.RetryAll)
	return err
}

func (c *Client) command(ctx context.Context, path string, body interface{}) (*commandResult, error) {
	var result commandResult
	req := c.rest.R(ctx).SetAuthToken(c.bearer()).SetBody(body).SetResult(&result)
	if _, err := c.rest.Do(ctx, http.MethodPost, path, req, exchange.RetryThrottled); err != nil {
		return nil, err
	}
	if err := result.err(); err != nil {
		return nil, err
	}
	return &result, nil
}

// RenewToken extends the access token
func (c *Client) RenewToken(ctx context.Context) (*exchange.Session, error) {
	var result struct {
		AccessToken    string `json:"accessToken"`
		ExpirationTime string `json:"expirationTime"`
		ErrorText      string `json:"errorText"`
	}
	if err := c.get(ctx, "/auth/renewaccesstoken", nil, &result); err != nil {
		return nil, fmt.Errorf("renew access token: %w", err)
	}
	if result.ErrorText != "" || result.AccessToken == "" {
		return nil, fmt.Errorf("renew access token: %s", result.ErrorText)
	}

	expiresAt, err := time.Parse(time.RFC3339, result.ExpirationTime)
	if err != nil {
		return nil, fmt.Errorf("renew access token: bad expiration %q", result.ExpirationTime)
	}

	c.mu.Lock()
	c.token = result.AccessToken
	c.mu.Unlock()
	return &exchange.Session{Token: result.AccessToken, ExpiresAt: expiresAt}, nil
}

func (c *Client) contractName(ctx context.Context, id int64) (string, error) {
	if name, ok := c.contracts[id]; ok {
		return name, nil
	}
	var contract struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	if err := c.get(ctx, "/contract/item", map[string]string{"id": strconv.FormatInt(id, 10)}, &contract); err != nil {
		return "", fmt.Errorf("contract %d: %w", id, err)
	}
	c.contracts[id] = contract.Name
	return contract.Name, nil
}

func (c *Client) latestVersion(ctx context.Context, orderID int64) (*orderVersion, error) {
	var versions []orderVersion
	if err := c.get(ctx, "/orderVersion/deps", map[string]string{"masterid": strconv.FormatInt(orderID, 10)}, &versions); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("order %d has no versions", orderID)
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v.ID > latest.ID {
			latest = v
		}
	}
	return &latest, nil
}

// ListRecentExecutions returns the fills of accountID in the window. Fills
// that close an earlier fill through a fill pair carry the pair's realized
// points as PnL.
func (c *Client) ListRecentExecutions(ctx context.Context, accountID string, since, until time.Time) ([]models.SourceExecution, error) {
	id, err := strconv.ParseInt(accountID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", exchange.ErrInvalidAccountID, accountID)
	}

	var orders []order
	if err := c.get(ctx, "/order/deps", map[string]string{"masterid": strconv.FormatInt(id, 10)}, &orders); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	owned := make(map[int64]bool, len(orders))
	for _, o := range orders {
		owned[o.ID] = true
	}

	var fills []fill
	if err := c.get(ctx, "/fill/list", nil, &fills); err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}

	var pairs []fillPair
	if err := c.get(ctx, "/fillPair/list", nil, &pairs); err != nil {
		return nil, fmt.Errorf("list fill pairs: %w", err)
	}
	closing := make(map[int64]float64)
	for _, p := range pairs {
		// the later fill of a pair is the one that closed the position
		closer := p.BuyFillID
		if p.SellFillID > closer {
			closer = p.SellFillID
		}
		closing[closer] += (p.SellPrice - p.BuyPrice) * p.Qty
	}

	var execs []models.SourceExecution
	for _, f := range fills {
		if !owned[f.OrderID] || !f.Active {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, f.Timestamp)
		if err != nil || ts.Before(since) || ts.After(until) {
			continue
		}
		side, ok := exchange.NormalizeSide(f.Action)
		if !ok {
			continue
		}

		symbol, err := c.contractName(ctx, f.ContractID)
		if err != nil {
			return nil, err
		}

		exec := models.SourceExecution{
			ExecutionID: strconv.FormatInt(f.ID, 10),
			OrderID:     strconv.FormatInt(f.OrderID, 10),
			AccountID:   accountID,
			Symbol:      symbol,
			Side:        side,
			Quantity:    f.Qty,
			Price:       f.Price,
			OrderType:   models.OrderTypeMarket,
			Status:      models.ExecutionStatusFilled,
			Timestamp:   ts.UTC(),
		}
		if pnl, ok := closing[f.ID]; ok {
			exec.PnL = &pnl
		}

		if v, err := c.latestVersion(ctx, f.OrderID); err == nil {
			exec.OrderType = exchange.NormalizeOrderType(v.OrderType)
			if v.Price != nil && exec.OrderType != models.OrderTypeMarket {
				exec.Price = *v.Price
			}
			exec.StopPrice = v.StopPrice
		} else {
			c.logger.Warn("Order version lookup failed", zap.Int64("order_id", f.OrderID), zap.Error(err))
		}

		execs = append(execs, exec)
	}
	return execs, nil
}

func orderTypeName(t models.OrderType) string {
	switch t {
	case models.OrderTypeLimit:
		return "Limit"
	case models.OrderTypeStop:
		return "Stop"
	case models.OrderTypeStopLimit:
		return "StopLimit"
	case models.OrderTypeTrailingStop:
		return "TrailingStop"
	default:
		return "Market"
	}
}

// PlaceOrder places an automated order
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) *exchange.OrderResult {
	id, err := strconv.ParseInt(req.AccountID, 10, 64)
	if err != nil {
		return exchange.Failed(fmt.Errorf("%w: %q", exchange.ErrInvalidAccountID, req.AccountID))
	}

	action := "Buy"
	if req.Side == models.OrderSideSell {
		action = "Sell"
	}

	body := map[string]interface{}{
		"accountSpec": c.accountSpec,
		"accountId":   id,
		"action":      action,
		"symbol":      req.Symbol,
		"orderQty":    int64(req.Quantity),
		"orderType":   orderTypeName(req.OrderType),
		"isAutomated": true,
	}
	if req.Price != nil && req.OrderType != models.OrderTypeMarket {
		body["price"] = *req.Price
	}
	if req.StopPrice != nil {
		body["stopPrice"] = *req.StopPrice
	}

	result, err := c.command(ctx, "/order/placeorder", body)
	if err != nil {
		return exchange.Failed(fmt.Errorf("place order: %w", err))
	}
	return &exchange.OrderResult{Success: true, OrderID: strconv.FormatInt(result.OrderID, 10)}
}

// CancelOrder cancels a working order
func (c *Client) CancelOrder(ctx context.Context, req exchange.CancelRequest) *exchange.OrderResult {
	orderID, err := strconv.ParseInt(req.OrderID, 10, 64)
	if err != nil {
		return exchange.Failed(fmt.Errorf("invalid order id %q", req.OrderID))
	}
	if _, err := c.command(ctx, "/order/cancelorder", map[string]interface{}{"orderId": orderID, "isAutomated": true}); err != nil {
		return exchange.Failed(fmt.Errorf("cancel order: %w", err))
	}
	return &exchange.OrderResult{Success: true, OrderID: req.OrderID}
}

// ModifyOrder reprices a working order. Tradovate requires the full order
// shape, so the latest version is read first.
func (c *Client) ModifyOrder(ctx context.Context, req exchange.ModifyRequest) *exchange.OrderResult {
	orderID, err := strconv.ParseInt(req.OrderID, 10, 64)
	if err != nil {
		return exchange.Failed(fmt.Errorf("invalid order id %q", req.OrderID))
	}

	current, err := c.latestVersion(ctx, orderID)
	if err != nil {
		return exchange.Failed(fmt.Errorf("modify order: %w", err))
	}

	body := map[string]interface{}{
		"orderId":     orderID,
		"orderQty":    int64(current.OrderQty),
		"orderType":   current.OrderType,
		"isAutomated": true,
	}
	if current.Price != nil {
		body["price"] = *current.Price
	}
	if current.StopPrice != nil {
		body["stopPrice"] = *current.StopPrice
	}
	if req.LimitPrice != nil {
		body["price"] = *req.LimitPrice
	}
	if req.StopPrice != nil {
		body["stopPrice"] = *req.StopPrice
	}

	if _, err := c.command(ctx, "/order/modifyorder", body); err != nil {
		return exchange.Failed(fmt.Errorf("modify order: %w", err))
	}
	return &exchange.OrderResult{Success: true, OrderID: req.OrderID}
}

// GetAccounts returns the accounts of the token owner
func (c *Client) GetAccounts(ctx context.Context) ([]exchange.AccountInfo, error) {
	var accounts []struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		Active bool   `json:"active"`
	}
	if err := c.get(ctx, "/account/list", nil, &accounts); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	out := make([]exchange.AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, exchange.AccountInfo{ID: strconv.FormatInt(a.ID, 10), Name: a.Name, CanTrade: a.Active})
	}
	return out, nil
}
