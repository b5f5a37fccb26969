package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"go.uber.org/zap"
)

const (
	category   = "linear"
	recvWindow = "5000"
	pageLimit  = "100"
)

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type execution struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderPrice  string `json:"orderPrice"`
	ExecID      string `json:"execId"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecType    string `json:"execType"`
	ExecTime    string `json:"execTime"`
	ExecPnl     string `json:"execPnl"`
	ClosedSize  string `json:"closedSize"`
}

// Client is the Bybit v5 unified trading gateway. Requests are signed with
// HMAC-SHA256 over timestamp, api key, recv window and payload.
type Client struct {
	rest      *exchange.RestClient
	logger    *zap.Logger
	apiKey    string
	apiSecret string
	now       func() time.Time
}

var _ exchange.Gateway = (*Client)(nil)

// NewClient creates a Bybit gateway
func NewClient(rest *exchange.RestClient, creds exchange.Credentials, logger *zap.Logger) (*Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("%w: bybit requires an api key and secret", exchange.ErrNoCredentials)
	}
	return &Client{
		rest:      rest,
		logger:    logger.Named("bybit"),
		apiKey:    creds.APIKey,
		apiSecret: creds.APISecret,
		now:       time.Now,
	}, nil
}

// BrokerType returns the broker integration tag
func (c *Client) BrokerType() models.BrokerType {
	return models.BrokerBybit
}

// sign creates the HMAC-SHA256 signature for a request payload
func (c *Client) sign(timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body map[string]interface{}, out interface{}, policy exchange.RetryPolicy) error {
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	req := c.rest.R(ctx)

	var payload string
	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			path += "?" + payload
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = string(raw)
		req.SetHeader("Content-Type", "application/json").SetBody(raw)
	}

	req.SetHeaders(map[string]string{
		"X-BAPI-API-KEY":     c.apiKey,
		"X-BAPI-TIMESTAMP":   timestamp,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN":        c.sign(timestamp, payload),
	})

	resp, err := c.rest.Do(ctx, method, path, req, policy)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decode bybit response: %w", err)
	}
	if env.RetCode != 0 {
		return fmt.Errorf("bybit error %d: %s", env.RetCode, env.RetMsg)
	}
	if out != nil && len(env.Result) > 0 {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ListRecentExecutions returns the trade executions in the window. Bybit
// keys executions by api key, so accountID is informational.
func (c *Client) ListRecentExecutions(ctx context.Context, accountID string, since, until time.Time) ([]models.SourceExecution, error) {
	query := url.Values{}
	query.Set("category", category)
	query.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	query.Set("endTime", strconv.FormatInt(until.UnixMilli(), 10))
	query.Set("limit", pageLimit)

	var result struct {
		List []execution `json:"list"`
	}
	if err := c.call(ctx, http.MethodGet, "/v5/execution/list", query, nil, &result, exchange.RetryAll); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	execs := make([]models.SourceExecution, 0, len(result.List))
	for _, e := range result.List {
		if e.ExecType != "" && !strings.EqualFold(e.ExecType, "Trade") {
			continue
		}
		side, ok := exchange.NormalizeSide(e.Side)
		if !ok {
			continue
		}
		exec := models.SourceExecution{
			ExecutionID: e.ExecID,
			OrderID:     e.OrderID,
			AccountID:   accountID,
			Symbol:      e.Symbol,
			Side:        side,
			Quantity:    parseFloat(e.ExecQty),
			Price:       parseFloat(e.ExecPrice),
			OrderType:   exchange.NormalizeOrderType(e.OrderType),
			Status:      exchange.NormalizeStatus(e.ExecType),
		}
		if exec.OrderType == models.OrderTypeLimit {
			if p := parseFloat(e.OrderPrice); p > 0 {
				exec.Price = p
			}
		}
		if ms, err := strconv.ParseInt(e.ExecTime, 10, 64); err == nil {
			exec.Timestamp = time.UnixMilli(ms).UTC()
		}
		if pnl := parseFloat(e.ExecPnl); pnl != 0 || parseFloat(e.ClosedSize) > 0 {
			exec.PnL = &pnl
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// PlaceOrder places an order. Stop orders are sent as conditional orders
// with a trigger price.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) *exchange.OrderResult {
	side := "Buy"
	if req.Side == models.OrderSideSell {
		side = "Sell"
	}

	body := map[string]interface{}{
		"category":  category,
		"symbol":    req.Symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       formatFloat(req.Quantity),
	}

	switch req.OrderType {
	case models.OrderTypeLimit:
		if req.Price == nil {
			return exchange.Failed(fmt.Errorf("limit order requires a price"))
		}
		body["orderType"] = "Limit"
		body["price"] = formatFloat(*req.Price)
	case models.OrderTypeStop, models.OrderTypeTrailingStop, models.OrderTypeStopLimit:
		trigger := req.StopPrice
		if trigger == nil {
			trigger = req.Price
		}
		if trigger == nil {
			return exchange.Failed(fmt.Errorf("stop order requires a stop price"))
		}
		body["triggerPrice"] = formatFloat(*trigger)
		// buy stops trigger on a rise, sell stops on a fall
		body["triggerDirection"] = 1
		if req.Side == models.OrderSideSell {
			body["triggerDirection"] = 2
		}
		if req.OrderType == models.OrderTypeStopLimit && req.Price != nil {
			body["orderType"] = "Limit"
			body["price"] = formatFloat(*req.Price)
		}
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.call(ctx, http.MethodPost, "/v5/order/create", nil, body, &result, exchange.RetryThrottled); err != nil {
		return exchange.Failed(fmt.Errorf("place order: %w", err))
	}
	return &exchange.OrderResult{Success: true, OrderID: result.OrderID}
}

// CancelOrder cancels an open order
func (c *Client) CancelOrder(ctx context.Context, req exchange.CancelRequest) *exchange.OrderResult {
	if req.Symbol == "" {
		return exchange.Failed(fmt.Errorf("bybit cancel requires a symbol"))
	}
	body := map[string]interface{}{"category": category, "symbol": req.Symbol, "orderId": req.OrderID}
	if err := c.call(ctx, http.MethodPost, "/v5/order/cancel", nil, body, nil, exchange.RetryThrottled); err != nil {
		return exchange.Failed(fmt.Errorf("cancel order: %w", err))
	}
	return &exchange.OrderResult{Success: true, OrderID: req.OrderID}
}

// ModifyOrder amends the price or trigger price of an open order
func (c *Client) ModifyOrder(ctx context.Context, req exchange.ModifyRequest) *exchange.OrderResult {
	if req.Symbol == "" {
		return exchange.Failed(fmt.Errorf("bybit amend requires a symbol"))
	}
	body := map[string]interface{}{"category": category, "symbol": req.Symbol, "orderId": req.OrderID}
	if req.LimitPrice != nil {
		body["price"] = formatFloat(*req.LimitPrice)
	}
	if req.StopPrice != nil {
		body["triggerPrice"] = formatFloat(*req.StopPrice)
	}
	if err := c.call(ctx, http.MethodPost, "/v5/order/amend", nil, body, nil, exchange.RetryThrottled); err != nil {
		return exchange.Failed(fmt.Errorf("amend order: %w", err))
	}
	return &exchange.OrderResult{Success: true, OrderID: req.OrderID}
}

// GetAccounts returns the unified account behind the api key
func (c *Client) GetAccounts(ctx context.Context) ([]exchange.AccountInfo, error) {
	var result struct {
		ID       string `json:"id"`
		UserID   int64  `json:"userID"`
		Note     string `json:"note"`
		ReadOnly int    `json:"readOnly"`
	}
	if err := c.call(ctx, http.MethodGet, "/v5/user/query-api", url.Values{}, nil, &result, exchange.RetryAll); err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}

	name := result.Note
	if name == "" {
		name = "Bybit " + strconv.FormatInt(result.UserID, 10)
	}
	return []exchange.AccountInfo{{
		ID:       strconv.FormatInt(result.UserID, 10),
		Name:     name,
		CanTrade: result.ReadOnly == 0,
	}}, nil
}
