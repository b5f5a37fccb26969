package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketpulse/internal/config"
	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"github.com/marketpulse/internal/testutil"
	"github.com/marketpulse/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testCredentialKey = "credential-key-for-tests"

// memorySessions is an in-process SessionCache
type memorySessions struct {
	mu      sync.Mutex
	tokens  map[string]string
	ttls    map[string]time.Duration
	deleted []string
}

func newMemorySessions() *memorySessions {
	return &memorySessions{tokens: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memorySessions) GetSession(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[key]
	return token, ok, nil
}

func (m *memorySessions) SetSession(ctx context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = token
	m.ttls[key] = ttl
	return nil
}

func (m *memorySessions) DeleteSession(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func seal(t *testing.T, plain string) string {
	t.Helper()
	sealed, err := crypto.Seal(plain, testCredentialKey)
	require.NoError(t, err)
	return sealed
}

func newCredentialService(t *testing.T, db *gorm.DB, serverURL string, sessions SessionCache) *CredentialService {
	t.Helper()
	endpoint := config.BrokerEndpoint{BaseURL: serverURL}
	return NewCredentialService(
		repository.NewConnectionRepository(db),
		sessions,
		testCredentialKey,
		config.BrokersConfig{ProjectX: endpoint, Bybit: endpoint, Tradovate: endpoint},
		config.CopyTradeConfig{BrokerTimeout: 5 * time.Second, TokenRefreshSkew: 5 * time.Minute},
		zap.NewNop(),
	)
}

func createConnection(t *testing.T, db *gorm.DB, broker models.BrokerType, setup func(*models.BrokerConnection)) *models.BrokerConnection {
	t.Helper()
	account := testutil.CreateAccount(t, db, testUser, string(broker), broker)
	conn := &models.BrokerConnection{
		UserID:           testUser,
		TradingAccountID: account.ID,
		BrokerType:       broker,
		AccountName:      "DEMO-1",
		BrokerAccountID:  "101",
		Enabled:          true,
	}
	setup(conn)
	require.NoError(t, db.Create(conn).Error)
	return conn
}

func TestCredentialService_ProjectXSessionIsCached(t *testing.T) {
	var logins int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Auth/loginKey":
			atomic.AddInt32(&logins, 1)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "trader", body["userName"])
			assert.Equal(t, "px-key", body["apiKey"])
			writeJSON(w, map[string]interface{}{"success": true, "token": "session-1"})
		case "/api/Account/search":
			assert.Equal(t, "Bearer session-1", r.Header.Get("Authorization"))
			writeJSON(w, map[string]interface{}{
				"success":  true,
				"accounts": []map[string]interface{}{{"id": 101, "name": "PRAC-101", "canTrade": true}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	db := testutil.NewDB(t)
	sessions := newMemorySessions()
	svc := newCredentialService(t, db, server.URL, sessions)
	conn := createConnection(t, db, models.BrokerProjectX, func(c *models.BrokerConnection) {
		c.Username = "trader"
		c.APIKeyEncrypted = seal(t, "px-key")
	})

	for i := 0; i < 2; i++ {
		gw, err := svc.Gateway(context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, models.BrokerProjectX, gw.BrokerType())

		accounts, err := gw.GetAccounts(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []exchange.AccountInfo{{ID: "101", Name: "PRAC-101", CanTrade: true}}, accounts)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))
	assert.Equal(t, "session-1", sessions.tokens[conn.ID])
	assert.InDelta(t, float64(23*time.Hour), float64(sessions.ttls[conn.ID]), float64(time.Minute))
}

func TestCredentialService_RefreshesExpiringOAuthToken(t *testing.T) {
	expiresAt := time.Now().Add(90 * time.Minute).UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/renewaccesstoken", r.URL.Path)
		assert.Equal(t, "Bearer old-token", r.Header.Get("Authorization"))
		writeJSON(w, map[string]string{
			"accessToken":    "new-token",
			"expirationTime": expiresAt.Format(time.RFC3339),
		})
	}))
	defer server.Close()

	db := testutil.NewDB(t)
	sessions := newMemorySessions()
	svc := newCredentialService(t, db, server.URL, sessions)
	soon := time.Now().Add(2 * time.Minute)
	conn := createConnection(t, db, models.BrokerTradovate, func(c *models.BrokerConnection) {
		c.AccessTokenEncrypted = seal(t, "old-token")
		c.RefreshTokenEncrypted = seal(t, "refresh-token")
		c.TokenExpiresAt = &soon
	})

	gw, err := svc.Gateway(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, models.BrokerTradovate, gw.BrokerType())

	stored, err := repository.NewConnectionRepository(db).GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	token, err := crypto.Open(stored.AccessTokenEncrypted, testCredentialKey)
	require.NoError(t, err)
	assert.Equal(t, "new-token", token)
	require.NotNil(t, stored.TokenExpiresAt)
	assert.True(t, stored.TokenExpiresAt.Equal(expiresAt))
	assert.Equal(t, conn.RefreshTokenEncrypted, stored.RefreshTokenEncrypted)
	assert.Contains(t, sessions.deleted, conn.ID)
}

func TestCredentialService_ExpiredTokenFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	db := testutil.NewDB(t)
	svc := newCredentialService(t, db, server.URL, nil)

	expired := time.Now().Add(-time.Minute)
	conn := createConnection(t, db, models.BrokerTradovate, func(c *models.BrokerConnection) {
		c.AccessTokenEncrypted = seal(t, "old-token")
		c.TokenExpiresAt = &expired
	})
	_, err := svc.Gateway(context.Background(), conn)
	assert.Error(t, err)

	// a token that is still valid survives a failed refresh
	soon := time.Now().Add(time.Minute)
	conn.TokenExpiresAt = &soon
	gw, err := svc.Gateway(context.Background(), conn)
	require.NoError(t, err)
	assert.NotNil(t, gw)
}

func TestCredentialService_NoCredentials(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newCredentialService(t, db, "http://127.0.0.1:1", nil)

	conn := createConnection(t, db, models.BrokerBybit, func(c *models.BrokerConnection) {})
	_, err := svc.Gateway(context.Background(), conn)
	assert.ErrorIs(t, err, exchange.ErrNoCredentials)
}

func TestCredentialService_BybitUsesKeyAndSecret(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newCredentialService(t, db, "http://127.0.0.1:1", nil)

	conn := createConnection(t, db, models.BrokerBybit, func(c *models.BrokerConnection) {
		c.APIKeyEncrypted = seal(t, "bybit-key")
		c.APISecretEncrypted = seal(t, "bybit-secret")
	})
	gw, err := svc.Gateway(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, models.BrokerBybit, gw.BrokerType())
}

func TestCredentialService_SealCredentials(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newCredentialService(t, db, "http://127.0.0.1:1", nil)

	conn := &models.BrokerConnection{}
	require.NoError(t, svc.SealCredentials(conn, "key", "", "token", ""))
	assert.NotEmpty(t, conn.APIKeyEncrypted)
	assert.Empty(t, conn.APISecretEncrypted)
	assert.NotEqual(t, "token", conn.AccessTokenEncrypted)

	plain, err := crypto.Open(conn.AccessTokenEncrypted, testCredentialKey)
	require.NoError(t, err)
	assert.Equal(t, "token", plain)
}

func TestCredentialService_SessionToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"success": true, "token": "hub-token"})
	}))
	defer server.Close()

	db := testutil.NewDB(t)
	svc := newCredentialService(t, db, server.URL, newMemorySessions())
	conn := createConnection(t, db, models.BrokerProjectX, func(c *models.BrokerConnection) {
		c.Username = "trader"
		c.APIKeyEncrypted = seal(t, "px-key")
	})

	token, err := svc.SessionToken(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "hub-token", token)

	_, err = svc.SessionToken(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrConnectionNotFound)
}
