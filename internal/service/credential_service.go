package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marketpulse/internal/config"
	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/exchange/bybit"
	"github.com/marketpulse/internal/exchange/projectx"
	"github.com/marketpulse/internal/exchange/tradovate"
	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"github.com/marketpulse/pkg/crypto"
	"go.uber.org/zap"
)

// sessionMargin is subtracted from a broker session's lifetime before caching it
const sessionMargin = time.Hour

// GatewayProvider builds a broker gateway for one connection
type GatewayProvider interface {
	Gateway(ctx context.Context, conn *models.BrokerConnection) (exchange.Gateway, error)
}

// SessionCache stores short-lived broker sessions
type SessionCache interface {
	GetSession(ctx context.Context, key string) (string, bool, error)
	SetSession(ctx context.Context, key, token string, ttl time.Duration) error
	DeleteSession(ctx context.Context, key string) error
}

// CredentialService resolves a connection's sealed credentials into a ready
// gateway. Gateways are built per call; only the rate limited HTTP cores are
// shared so that every connection of a broker draws from one budget.
type CredentialService struct {
	connRepo *repository.ConnectionRepository
	sessions SessionCache
	secret   string
	brokers  config.BrokersConfig
	timeout  time.Duration
	skew     time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	rests map[string]*exchange.RestClient
}

var _ GatewayProvider = (*CredentialService)(nil)

// NewCredentialService creates a new CredentialService. sessions may be nil.
func NewCredentialService(
	connRepo *repository.ConnectionRepository,
	sessions SessionCache,
	secret string,
	brokers config.BrokersConfig,
	copyCfg config.CopyTradeConfig,
	logger *zap.Logger,
) *CredentialService {
	return &CredentialService{
		connRepo: connRepo,
		sessions: sessions,
		secret:   secret,
		brokers:  brokers,
		timeout:  copyCfg.BrokerTimeout,
		skew:     copyCfg.TokenRefreshSkew,
		logger:   logger.Named("credentials"),
		now:      time.Now,
		rests:    make(map[string]*exchange.RestClient),
	}
}

// SealCredentials seals the secret fields of a connection in place
func (s *CredentialService) SealCredentials(conn *models.BrokerConnection, apiKey, apiSecret, accessToken, refreshToken string) error {
	fields := []struct {
		plain string
		dst   *string
	}{
		{apiKey, &conn.APIKeyEncrypted},
		{apiSecret, &conn.APISecretEncrypted},
		{accessToken, &conn.AccessTokenEncrypted},
		{refreshToken, &conn.RefreshTokenEncrypted},
	}
	for _, f := range fields {
		if f.plain == "" {
			continue
		}
		sealed, err := crypto.Seal(f.plain, s.secret)
		if err != nil {
			return fmt.Errorf("failed to seal credentials: %w", err)
		}
		*f.dst = sealed
	}
	return nil
}

// InvalidateSession drops any cached broker session of the connection
func (s *CredentialService) InvalidateSession(ctx context.Context, connID string) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.DeleteSession(ctx, connID); err != nil {
		s.logger.Warn("failed to drop cached session", zap.String("connection_id", connID), zap.Error(err))
	}
}

// SessionToken returns a current bearer token for the connection, reloading
// it so that tokens refreshed elsewhere are picked up
func (s *CredentialService) SessionToken(ctx context.Context, connID string) (string, error) {
	conn, err := s.connRepo.GetByID(ctx, connID)
	if err != nil {
		return "", err
	}
	gw, err := s.Gateway(ctx, conn)
	if err != nil {
		return "", err
	}
	if provider, ok := gw.(exchange.SessionProvider); ok {
		session, err := provider.Session(ctx)
		if err != nil {
			return "", err
		}
		return session.Token, nil
	}
	if !conn.HasOAuth() {
		return "", exchange.ErrUnsupported
	}
	return s.open(conn.AccessTokenEncrypted)
}

func (s *CredentialService) endpoint(broker models.BrokerType) (config.BrokerEndpoint, error) {
	switch broker {
	case models.BrokerProjectX:
		return s.brokers.ProjectX, nil
	case models.BrokerBybit:
		return s.brokers.Bybit, nil
	case models.BrokerTradovate:
		return s.brokers.Tradovate, nil
	}
	return config.BrokerEndpoint{}, fmt.Errorf("unsupported broker type %q", broker)
}

// restClient returns the shared HTTP core for a broker base URL
func (s *CredentialService) restClient(conn *models.BrokerConnection) (*exchange.RestClient, error) {
	endpoint, err := s.endpoint(conn.BrokerType)
	if err != nil {
		return nil, err
	}
	baseURL := endpoint.BaseURL
	if conn.BaseURL != "" {
		baseURL = conn.BaseURL
	}

	key := string(conn.BrokerType) + "|" + baseURL
	s.mu.Lock()
	defer s.mu.Unlock()
	if rest, ok := s.rests[key]; ok {
		return rest, nil
	}
	rest := exchange.NewRestClient(exchange.RestOptions{
		BaseURL:        baseURL,
		RateLimit:      endpoint.RateLimit,
		RateLimitBurst: endpoint.RateLimitBurst,
		Timeout:        s.timeout,
	}, s.logger.With(zap.String("broker", string(conn.BrokerType))))
	s.rests[key] = rest
	return rest, nil
}

func (s *CredentialService) open(sealed string) (string, error) {
	plain, err := crypto.Open(sealed, s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to open credentials: %w", err)
	}
	return plain, nil
}

// credentials decrypts the usable credentials of a connection. API key auth
// wins over OAuth.
func (s *CredentialService) credentials(conn *models.BrokerConnection) (exchange.Credentials, error) {
	creds := exchange.Credentials{Username: conn.Username, AccountSpec: conn.AccountName}
	var err error
	switch {
	case conn.HasAPIKeyAuth():
		if creds.APIKey, err = s.open(conn.APIKeyEncrypted); err != nil {
			return creds, err
		}
		if creds.APISecret, err = s.open(conn.APISecretEncrypted); err != nil {
			return creds, err
		}
	case conn.HasOAuth():
		if creds.AccessToken, err = s.open(conn.AccessTokenEncrypted); err != nil {
			return creds, err
		}
	default:
		return creds, exchange.ErrNoCredentials
	}
	return creds, nil
}

func (s *CredentialService) build(rest *exchange.RestClient, broker models.BrokerType, creds exchange.Credentials) (exchange.Gateway, error) {
	switch broker {
	case models.BrokerProjectX:
		return projectx.NewClient(rest, creds, s.logger)
	case models.BrokerBybit:
		return bybit.NewClient(rest, creds, s.logger)
	case models.BrokerTradovate:
		return tradovate.NewClient(rest, creds, s.logger)
	}
	return nil, fmt.Errorf("unsupported broker type %q", broker)
}

// Gateway builds a gateway for the connection. A connection without usable
// credentials yields ErrNoCredentials.
func (s *CredentialService) Gateway(ctx context.Context, conn *models.BrokerConnection) (exchange.Gateway, error) {
	rest, err := s.restClient(conn)
	if err != nil {
		return nil, err
	}
	creds, err := s.credentials(conn)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
	}

	if conn.HasAPIKeyAuth() {
		if conn.BrokerType == models.BrokerProjectX {
			return s.projectXSession(ctx, rest, conn, creds)
		}
		return s.build(rest, conn.BrokerType, creds)
	}

	gw, err := s.build(rest, conn.BrokerType, creds)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
	}
	if conn.TokenNeedsRefresh(s.now(), s.skew) {
		if err := s.refresh(ctx, gw, conn); err != nil {
			if !s.now().Before(*conn.TokenExpiresAt) {
				return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
			}
			s.logger.Warn("token refresh failed, using current token",
				zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}
	return gw, nil
}

// projectXSession reuses a cached session token or logs in with the API key
func (s *CredentialService) projectXSession(ctx context.Context, rest *exchange.RestClient, conn *models.BrokerConnection, creds exchange.Credentials) (exchange.Gateway, error) {
	if s.sessions != nil {
		token, ok, err := s.sessions.GetSession(ctx, conn.ID)
		if err != nil {
			s.logger.Warn("session cache read failed", zap.String("connection_id", conn.ID), zap.Error(err))
		}
		if ok {
			creds.AccessToken = token
			return s.build(rest, conn.BrokerType, creds)
		}
	}

	gw, err := projectx.NewClient(rest, creds, s.logger)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
	}
	session, err := gw.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
	}
	if s.sessions != nil {
		ttl := session.ExpiresAt.Sub(s.now()) - sessionMargin
		if err := s.sessions.SetSession(ctx, conn.ID, session.Token, ttl); err != nil {
			s.logger.Warn("session cache write failed", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}
	return gw, nil
}

// refresh renews an OAuth access token and persists it before returning so
// that concurrent cycles pick up the new token
func (s *CredentialService) refresh(ctx context.Context, gw exchange.Gateway, conn *models.BrokerConnection) error {
	renewer, ok := gw.(exchange.TokenRenewer)
	if !ok {
		return exchange.ErrUnsupported
	}
	session, err := renewer.RenewToken(ctx)
	if err != nil {
		return err
	}

	sealed, err := crypto.Seal(session.Token, s.secret)
	if err != nil {
		return fmt.Errorf("failed to seal refreshed token: %w", err)
	}
	if err := s.connRepo.UpdateTokens(ctx, conn.ID, sealed, conn.RefreshTokenEncrypted, session.ExpiresAt); err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	expiresAt := session.ExpiresAt
	conn.AccessTokenEncrypted = sealed
	conn.TokenExpiresAt = &expiresAt
	s.InvalidateSession(ctx, conn.ID)

	s.logger.Info("access token refreshed",
		zap.String("connection_id", conn.ID),
		zap.Time("expires_at", expiresAt))
	return nil
}
