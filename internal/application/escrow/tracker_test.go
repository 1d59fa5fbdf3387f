package escrow_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alejandrodnm/mitate/internal/adapters/storage"
	"github.com/alejandrodnm/mitate/internal/application/escrow"
	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const marketID = "3f2a9c1e-5b7d-4e21-9a0c-6f1d2e3b4a5c"

func newTracker(t *testing.T) (*escrow.Tracker, *storage.SQLiteStorage) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.CreateMarket(ctx, domain.Market{
		ID: marketID, Title: "t", Status: domain.MarketDraft,
		BettingDeadline: now.Add(time.Hour), ResolutionTime: now.Add(time.Hour),
		PoolTotal: new(big.Int), CreatedAt: now, UpdatedAt: now,
	}, []domain.Outcome{
		{ID: "a", Key: "A", Label: "A", Currency: "0233663261396331653A41000000000000000000", Total: new(big.Int)},
		{ID: "b", Key: "B", Label: "B", Currency: "0233663261396331653A42000000000000000000", Total: new(big.Int), DisplayOrder: 1},
	}))

	tr := escrow.New(db)
	tr.SetClock(func() time.Time { return now })
	return tr, db
}

func TestBalance(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()

	_, err := tr.Balance(ctx, marketID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "no escrow yet")

	require.NoError(t, db.OpenMarket(ctx, marketID, domain.Escrow{ID: "e1", Amount: big.NewInt(1_000_000), Sequence: 3, CreateTxHash: "ESC1"}))
	require.NoError(t, db.CreateBet(ctx, domain.Bet{
		ID: "bet1", MarketID: marketID, OutcomeID: "a", Bettor: "rAlice",
		Amount: big.NewInt(250), Weight: 1, EffectiveAmount: big.NewInt(250),
		Status: domain.BetPending, CreatedAt: now,
	}))
	_, _, err = db.ConfirmBet(ctx, "bet1", "PAY1", now)
	require.NoError(t, err)

	bal, err := tr.Balance(ctx, marketID)
	require.NoError(t, err)
	assert.Equal(t, "1000250", bal.String())

	open, err := tr.Open(ctx, marketID)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), open.Sequence)

	_, err = tr.ConfirmFinish(ctx, marketID, "FIN1")
	require.NoError(t, err)

	bal, err = tr.Balance(ctx, marketID)
	require.NoError(t, err)
	assert.Equal(t, "0", bal.String())
}

func TestConfirmRelease_Idempotent(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	require.NoError(t, db.OpenMarket(ctx, marketID, domain.Escrow{ID: "e1", Amount: big.NewInt(1), Sequence: 3, CreateTxHash: "ESC1"}))

	e, err := tr.ConfirmCancel(ctx, marketID, "CAN1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCanceled, e.Status)
	assert.Equal(t, "CAN1", e.CancelTxHash)

	_, err = tr.ConfirmCancel(ctx, marketID, "CAN1")
	require.NoError(t, err)

	_, err = tr.ConfirmFinish(ctx, marketID, "FIN1")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = tr.ConfirmFinish(ctx, marketID, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	latest, err := tr.Latest(ctx, marketID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCanceled, latest.Status)
}
