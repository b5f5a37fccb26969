package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"go.uber.org/zap"
)

var ErrAmbiguousCredentials = errors.New("a connection uses either api key or oauth credentials, not both")

// AccountService handles trading accounts and their broker connections
type AccountService struct {
	accountRepo *repository.AccountRepository
	connRepo    *repository.ConnectionRepository
	credentials *CredentialService
	timeout     time.Duration
	logger      *zap.Logger
}

// NewAccountService creates a new AccountService
func NewAccountService(
	accountRepo *repository.AccountRepository,
	connRepo *repository.ConnectionRepository,
	credentials *CredentialService,
	timeout time.Duration,
	logger *zap.Logger,
) *AccountService {
	return &AccountService{
		accountRepo: accountRepo,
		connRepo:    connRepo,
		credentials: credentials,
		timeout:     timeout,
		logger:      logger.Named("accounts"),
	}
}

// CreateAccountRequest represents the create account request
type CreateAccountRequest struct {
	Name       string            `json:"name" binding:"required,max=100"`
	BrokerType models.BrokerType `json:"broker_type" binding:"required,oneof=projectx bybit tradovate"`
}

// CreateAccount creates a new trading account
func (s *AccountService) CreateAccount(ctx context.Context, userID string, req *CreateAccountRequest) (*models.TradingAccount, error) {
	account := &models.TradingAccount{
		UserID:     userID,
		Name:       req.Name,
		BrokerType: req.BrokerType,
	}
	if err := s.accountRepo.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetAccounts retrieves all accounts for a user
func (s *AccountService) GetAccounts(ctx context.Context, userID string) ([]models.TradingAccount, error) {
	return s.accountRepo.GetByUserID(ctx, userID)
}

// DeleteAccount deletes an account
func (s *AccountService) DeleteAccount(ctx context.Context, userID, accountID string) error {
	return s.accountRepo.Delete(ctx, accountID, userID)
}

// CreateConnectionRequest links a trading account to a broker
type CreateConnectionRequest struct {
	TradingAccountID string     `json:"trading_account_id" binding:"required"`
	AccountName      string     `json:"account_name"`
	BrokerAccountID  string     `json:"broker_account_id" binding:"required"`
	Username         string     `json:"username"`
	APIKey           string     `json:"api_key"`
	APISecret        string     `json:"api_secret"`
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token"`
	TokenExpiresAt   *time.Time `json:"token_expires_at"`
	BaseURL          string     `json:"base_url" binding:"omitempty,url"`
	Enabled          *bool      `json:"enabled"`
}

// UpdateConnectionRequest rotates credentials or toggles a connection
type UpdateConnectionRequest struct {
	Username       *string    `json:"username"`
	APIKey         string     `json:"api_key"`
	APISecret      string     `json:"api_secret"`
	AccessToken    string     `json:"access_token"`
	RefreshToken   string     `json:"refresh_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
	Enabled        *bool      `json:"enabled"`
}

// validateBrokerAccountID rejects ids the broker cannot scope by
func validateBrokerAccountID(broker models.BrokerType, id string) error {
	switch broker {
	case models.BrokerProjectX, models.BrokerTradovate:
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return exchange.ErrInvalidAccountID
		}
	}
	return nil
}

// checkAuthMethod requires exactly one usable auth method
func checkAuthMethod(conn *models.BrokerConnection) error {
	apiKey, oauth := conn.HasAPIKeyAuth(), conn.HasOAuth()
	switch {
	case apiKey && oauth:
		return ErrAmbiguousCredentials
	case !apiKey && !oauth:
		return exchange.ErrNoCredentials
	}
	return nil
}

// CreateConnection stores a broker connection with sealed credentials
func (s *AccountService) CreateConnection(ctx context.Context, userID string, req *CreateConnectionRequest) (*models.ConnectionResponse, error) {
	account, err := s.accountRepo.GetByIDAndUserID(ctx, req.TradingAccountID, userID)
	if err != nil {
		return nil, err
	}
	if err := validateBrokerAccountID(account.BrokerType, req.BrokerAccountID); err != nil {
		return nil, err
	}

	conn := &models.BrokerConnection{
		UserID:           userID,
		TradingAccountID: account.ID,
		BrokerType:       account.BrokerType,
		AccountName:      req.AccountName,
		BrokerAccountID:  req.BrokerAccountID,
		Username:         req.Username,
		TokenExpiresAt:   req.TokenExpiresAt,
		BaseURL:          req.BaseURL,
		Enabled:          true,
	}
	if conn.AccountName == "" {
		conn.AccountName = account.Name
	}
	if req.Enabled != nil {
		conn.Enabled = *req.Enabled
	}
	if err := s.credentials.SealCredentials(conn, req.APIKey, req.APISecret, req.AccessToken, req.RefreshToken); err != nil {
		return nil, err
	}
	if err := checkAuthMethod(conn); err != nil {
		return nil, err
	}

	if err := s.connRepo.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	resp := conn.ToResponse()
	s.logger.Info("broker connection created",
		zap.String("connection_id", conn.ID),
		zap.String("broker", string(conn.BrokerType)),
		zap.String("auth_method", resp.AuthMethod))
	return &resp, nil
}

// UpdateConnection applies req and drops any cached broker session
func (s *AccountService) UpdateConnection(ctx context.Context, userID, connID string, req *UpdateConnectionRequest) (*models.ConnectionResponse, error) {
	conn, err := s.connRepo.GetByIDAndUserID(ctx, connID, userID)
	if err != nil {
		return nil, err
	}

	if req.Username != nil {
		conn.Username = *req.Username
	}
	if req.Enabled != nil {
		conn.Enabled = *req.Enabled
	}
	if req.TokenExpiresAt != nil {
		conn.TokenExpiresAt = req.TokenExpiresAt
	}
	// supplying one auth method replaces the other
	switch {
	case req.APIKey != "" && req.AccessToken == "":
		conn.AccessTokenEncrypted, conn.RefreshTokenEncrypted, conn.TokenExpiresAt = "", "", nil
	case req.AccessToken != "" && req.APIKey == "":
		conn.APIKeyEncrypted, conn.APISecretEncrypted = "", ""
	}
	if err := s.credentials.SealCredentials(conn, req.APIKey, req.APISecret, req.AccessToken, req.RefreshToken); err != nil {
		return nil, err
	}
	if err := checkAuthMethod(conn); err != nil {
		return nil, err
	}

	if err := s.connRepo.Update(ctx, conn); err != nil {
		return nil, err
	}
	s.credentials.InvalidateSession(ctx, conn.ID)

	resp := conn.ToResponse()
	return &resp, nil
}

// GetConnections retrieves all connections of a user without secrets
func (s *AccountService) GetConnections(ctx context.Context, userID string) ([]models.ConnectionResponse, error) {
	conns, err := s.connRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	responses := make([]models.ConnectionResponse, len(conns))
	for i := range conns {
		responses[i] = conns[i].ToResponse()
	}
	return responses, nil
}

// DeleteConnection deletes a connection
func (s *AccountService) DeleteConnection(ctx context.Context, userID, connID string) error {
	if err := s.connRepo.Delete(ctx, connID, userID); err != nil {
		return err
	}
	s.credentials.InvalidateSession(ctx, connID)
	return nil
}

// TestConnection authenticates against the broker and lists the accounts the
// credentials reach
func (s *AccountService) TestConnection(ctx context.Context, userID, connID string) ([]exchange.AccountInfo, error) {
	conn, err := s.connRepo.GetByIDAndUserID(ctx, connID, userID)
	if err != nil {
		return nil, err
	}
	gw, err := s.credentials.Gateway(ctx, conn)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return gw.GetAccounts(callCtx)
}
