package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/marketpulse/internal/models"
)

var (
	ErrNoCredentials    = errors.New("no usable broker credentials")
	ErrInvalidAccountID = errors.New("broker account id must be numeric")
	ErrUnsupported      = errors.New("operation not supported by broker")
)

// Credentials is the decrypted authentication material of one connection.
// Gateways use APIKey (with Username or APISecret) when present, else AccessToken.
type Credentials struct {
	APIKey      string
	APISecret   string
	Username    string
	AccessToken string
	AccountSpec string
}

// Session is a broker-issued bearer token and its expiry
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// OrderRequest describes one order to place on a destination account
type OrderRequest struct {
	AccountID string
	Symbol    string
	Side      models.OrderSide
	Quantity  float64
	OrderType models.OrderType
	Price     *float64
	StopPrice *float64
}

// CancelRequest identifies a live order to cancel. Symbol is required by
// brokers that key orders per instrument.
type CancelRequest struct {
	AccountID string
	OrderID   string
	Symbol    string
}

// ModifyRequest reprices a live order. Nil prices are left unchanged.
type ModifyRequest struct {
	AccountID  string
	OrderID    string
	Symbol     string
	LimitPrice *float64
	StopPrice  *float64
}

// OrderResult is the outcome of a place, cancel or modify call. Transport
// and broker failures are folded into Error; callers never receive a panic
// or a nil result.
type OrderResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failed builds an unsuccessful result
func Failed(err error) *OrderResult {
	return &OrderResult{Success: false, Error: err.Error()}
}

// AccountInfo is the identity of one account at the broker
type AccountInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CanTrade bool   `json:"can_trade"`
}

// Gateway is the uniform contract over one broker connection. Instances are
// built per operation from the connection's current credentials.
type Gateway interface {
	// BrokerType returns the broker integration tag
	BrokerType() models.BrokerType

	// ListRecentExecutions returns the executions of accountID between since and until
	ListRecentExecutions(ctx context.Context, accountID string, since, until time.Time) ([]models.SourceExecution, error)

	// PlaceOrder creates a live order, passing type and prices through unchanged
	PlaceOrder(ctx context.Context, req OrderRequest) *OrderResult

	// CancelOrder cancels a live order
	CancelOrder(ctx context.Context, req CancelRequest) *OrderResult

	// ModifyOrder reprices a live order
	ModifyOrder(ctx context.Context, req ModifyRequest) *OrderResult

	// GetAccounts returns the accounts reachable with the credentials
	GetAccounts(ctx context.Context) ([]AccountInfo, error)
}

// SessionProvider is implemented by gateways that exchange long-lived
// credentials for a short-lived bearer session
type SessionProvider interface {
	Session(ctx context.Context) (*Session, error)
}

// TokenRenewer is implemented by gateways whose OAuth access token can be
// renewed before it expires
type TokenRenewer interface {
	RenewToken(ctx context.Context) (*Session, error)
}
