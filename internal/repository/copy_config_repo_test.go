package repository_test

import (
	"context"
	"testing"

	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"github.com/marketpulse/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyConfigRepository_EnabledQueries(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.NewCopyConfigRepository(db)

	src := testutil.CreateAccount(t, db, "user-1", "source", models.BrokerProjectX)
	dstA := testutil.CreateAccount(t, db, "user-1", "dest A", models.BrokerProjectX)
	dstB := testutil.CreateAccount(t, db, "user-1", "dest B", models.BrokerTradovate)

	enabled := testutil.CreateConfig(t, db, src, dstA, 2, func(c *models.CopyConfiguration) {
		c.SymbolDenyList = []string{"NQ"}
	})
	testutil.CreateConfig(t, db, src, dstB, 1, func(c *models.CopyConfiguration) {
		c.Enabled = false
	})

	cfgs, err := repo.GetEnabledBySourceAccount(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, enabled.ID, cfgs[0].ID)
	assert.True(t, cfgs[0].Multiplier.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, []string{"NQ"}, []string(cfgs[0].SymbolDenyList))

	all, err := repo.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	users, err := repo.GetUserIDsWithEnabled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, users)

	_, err = repo.GetByIDAndUserID(ctx, enabled.ID, "user-2")
	assert.ErrorIs(t, err, repository.ErrConfigNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, enabled.ID, "user-2"), repository.ErrConfigNotFound)
	assert.NoError(t, repo.Delete(ctx, enabled.ID, "user-1"))
}

func TestConnectionRepository_BatchAndTokens(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.NewConnectionRepository(db)

	a := testutil.CreateAccount(t, db, "user-1", "A", models.BrokerProjectX)
	b := testutil.CreateAccount(t, db, "user-1", "B", models.BrokerTradovate)
	c := testutil.CreateAccount(t, db, "user-1", "C", models.BrokerBybit)
	connA := testutil.CreateConnection(t, db, a, "101")
	testutil.CreateConnection(t, db, b, "102")
	connC := testutil.CreateConnection(t, db, c, "103")
	connC.Enabled = false
	require.NoError(t, repo.Update(ctx, connC))

	conns, err := repo.GetEnabledByAccountIDs(ctx, []string{a.ID, b.ID, c.ID})
	require.NoError(t, err)
	assert.Len(t, conns, 2)

	conns, err = repo.GetEnabledByAccountIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, conns)

	_, err = repo.GetEnabledByAccountID(ctx, c.ID)
	assert.ErrorIs(t, err, repository.ErrConnectionNotFound)

	expires := testutil.NewTime(2030, 1, 1)
	require.NoError(t, repo.UpdateTokens(ctx, connA.ID, "sealed-access", "sealed-refresh", expires))
	got, err := repo.GetByID(ctx, connA.ID)
	require.NoError(t, err)
	assert.Equal(t, "sealed-access", got.AccessTokenEncrypted)
	assert.Equal(t, "sealed-refresh", got.RefreshTokenEncrypted)
	require.NotNil(t, got.TokenExpiresAt)
	assert.True(t, got.TokenExpiresAt.Equal(expires))

	px, err := repo.GetStreamSources(ctx, models.BrokerProjectX)
	require.NoError(t, err)
	assert.Empty(t, px, "a connection is streamed only while it sources an enabled configuration")

	testutil.CreateConfig(t, db, a, b, 1)
	testutil.CreateConfig(t, db, b, a, 1, func(cfg *models.CopyConfiguration) { cfg.Enabled = false })
	px, err = repo.GetStreamSources(ctx, models.BrokerProjectX)
	require.NoError(t, err)
	require.Len(t, px, 1)
	assert.Equal(t, connA.ID, px[0].ID)
}

func TestJournalRepository_ExternalID(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewJournalRepository(testutil.NewDB(t))

	ext := models.BrokerExternalID(models.BrokerProjectX, "555")
	trade := &models.JournalTrade{
		UserID:           "user-1",
		TradingAccountID: "acct",
		ExternalID:       &ext,
		Symbol:           "ES",
		Side:             models.OrderSideBuy,
		Quantity:         1,
		EntryPrice:       5000,
		Source:           models.JournalSourceBrokerSync,
	}
	require.NoError(t, repo.Create(ctx, trade))

	exists, err := repo.ExistsByExternalID(ctx, "projectx_555")
	require.NoError(t, err)
	assert.True(t, exists)

	dup := *trade
	dup.ID = ""
	assert.ErrorIs(t, repo.Create(ctx, &dup), repository.ErrDuplicateKey)

	// manual entries without an external id never collide
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.Create(ctx, &models.JournalTrade{
			UserID: "user-1", TradingAccountID: "acct", Symbol: "NQ",
			Side: models.OrderSideSell, Quantity: 1, Source: models.JournalSourceManual,
		}))
	}

	items, total, err := repo.GetByAccountIDPaginated(ctx, "user-1", "acct", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, items, 3)
}
