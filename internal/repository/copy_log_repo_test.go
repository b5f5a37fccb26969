package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"github.com/marketpulse/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog(configID, key string) *models.CopyTradeLog {
	return &models.CopyTradeLog{
		UserID:               "user-1",
		ConfigID:             configID,
		DedupKey:             key,
		SourceAccountID:      "src",
		SourceSymbol:         "ES",
		SourceSide:           models.OrderSideBuy,
		SourceQuantity:       1,
		SourceOrderID:        "9001",
		DestinationAccountID: "dst",
		DestinationSymbol:    "ES",
		DestinationSide:      models.OrderSideBuy,
		DestinationQuantity:  2,
		OrderType:            models.OrderTypeMarket,
		Multiplier:           decimal.NewFromInt(2),
		Status:               models.CopyStatusPending,
	}
}

func TestCopyLogRepository_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCopyLogRepository(testutil.NewDB(t))

	require.NoError(t, repo.Create(ctx, newLog("cfg-1", "order:9001")))

	err := repo.Create(ctx, newLog("cfg-1", "order:9001"))
	assert.ErrorIs(t, err, repository.ErrDuplicateKey)

	// same key under another configuration is a distinct pair
	assert.NoError(t, repo.Create(ctx, newLog("cfg-2", "order:9001")))
}

func TestCopyLogRepository_Reclaim(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCopyLogRepository(testutil.NewDB(t))

	first := newLog("cfg-1", "order:9001")
	require.NoError(t, repo.Create(ctx, first))

	// a pending row cannot be reclaimed
	ok, err := repo.Reclaim(ctx, newLog("cfg-1", "order:9001"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.MarkError(ctx, first.ID, "rejected"))

	retry := newLog("cfg-1", "order:9001")
	retry.DestinationQuantity = 3
	ok, err = repo.Reclaim(ctx, retry)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first.ID, retry.ID)
	assert.Equal(t, models.CopyStatusPending, retry.Status)
	assert.Equal(t, 3.0, retry.DestinationQuantity)
	assert.Empty(t, retry.ErrorMessage)
}

func TestCopyLogRepository_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCopyLogRepository(testutil.NewDB(t))

	entry := newLog("cfg-1", "order:9001")
	entry.DestinationPrice = testutil.Float(100)
	require.NoError(t, repo.Create(ctx, entry))

	require.NoError(t, repo.MarkSubmitted(ctx, entry.ID, "dest-1"))
	got, err := repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CopyStatusSubmitted, got.Status)
	assert.Equal(t, "dest-1", got.DestinationOrderID)

	require.NoError(t, repo.UpdateDestinationPrice(ctx, entry.ID, 105))
	got, err = repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DestinationPrice)
	assert.InDelta(t, 105, *got.DestinationPrice, 1e-9)

	require.NoError(t, repo.MarkCancelled(ctx, entry.ID))
	got, err = repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CopyStatusCancelled, got.Status)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrCopyLogNotFound)
}

func TestCopyLogRepository_ExistsRecentFill(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCopyLogRepository(testutil.NewDB(t))

	entry := newLog("cfg-1", "fill:ES:BUY:1:0")
	require.NoError(t, repo.Create(ctx, entry))

	since := time.Now().Add(-30 * time.Second)

	ok, err := repo.ExistsRecentFill(ctx, "src", "ES", models.OrderSideBuy, 1, since, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ExistsRecentFill(ctx, "src", "ES", models.OrderSideSell, 1, since, "")
	require.NoError(t, err)
	assert.False(t, ok, "side differs")

	ok, err = repo.ExistsRecentFill(ctx, "src", "ES", models.OrderSideBuy, 2, since, "")
	require.NoError(t, err)
	assert.False(t, ok, "quantity differs")

	ok, err = repo.ExistsRecentFill(ctx, "src", "ES", models.OrderSideBuy, 1, time.Now().Add(time.Minute), "")
	require.NoError(t, err)
	assert.False(t, ok, "outside window")

	ok, err = repo.ExistsRecentFill(ctx, "src", "ES", models.OrderSideBuy, 1, since, "9001")
	require.NoError(t, err)
	assert.False(t, ok, "rows of the same source order are excluded")

	require.NoError(t, repo.MarkError(ctx, entry.ID, "boom"))
	ok, err = repo.ExistsRecentFill(ctx, "src", "ES", models.OrderSideBuy, 1, since, "")
	require.NoError(t, err)
	assert.False(t, ok, "errored rows do not suppress a retry")
}

func TestCopyLogRepository_SourceOrderLookups(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCopyLogRepository(testutil.NewDB(t))

	a := newLog("cfg-1", "order:9001")
	b := newLog("cfg-2", "order:9001")
	other := newLog("cfg-1", "order:7000")
	other.SourceOrderID = "7000"
	for _, e := range []*models.CopyTradeLog{a, b, other} {
		require.NoError(t, repo.Create(ctx, e))
	}
	require.NoError(t, repo.MarkCancelled(ctx, b.ID))

	active, err := repo.GetActiveBySourceOrder(ctx, "src", "9001")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	exists, err := repo.ExistsForSourceOrder(ctx, "src", "9001")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ExistsForSourceOrder(ctx, "src", "1234")
	require.NoError(t, err)
	assert.False(t, exists)

	live, err := repo.ExistsLiveKey(ctx, "src", "order:9001")
	require.NoError(t, err)
	assert.True(t, live)

	require.NoError(t, repo.MarkError(ctx, other.ID, "rejected"))
	live, err = repo.ExistsLiveKey(ctx, "src", "order:7000")
	require.NoError(t, err)
	assert.False(t, live, "errored rows are not live")
}

func TestCopyLogRepository_PaginationAndStuck(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.NewCopyLogRepository(db)

	for i, key := range []string{"k1", "k2", "k3"} {
		e := newLog("cfg-1", key)
		require.NoError(t, repo.Create(ctx, e))
		if i == 0 {
			require.NoError(t, repo.MarkSubmitted(ctx, e.ID, "d"))
		}
	}

	items, total, err := repo.GetByUserIDPaginated(ctx, "user-1", "", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, items, 2)

	items, total, err = repo.GetByUserIDPaginated(ctx, "user-1", models.CopyStatusPending, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, items, 2)

	stuck, err := repo.GetStuckPending(ctx, "user-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stuck, 2)

	stuck, err = repo.GetStuckPending(ctx, "user-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stuck)
}
