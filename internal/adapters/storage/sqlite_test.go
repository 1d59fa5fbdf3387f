package storage_test

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/mitate/internal/adapters/storage"
	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMarketID = "3f2a9c1e-5b7d-4e21-9a0c-6f1d2e3b4a5c"
	bettorA      = "rBettorAAAAAAAAAAAAAAAAAAAAAAAAAA"
	bettorB      = "rBettorBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetClock(func() time.Time { return t0 })
	return db
}

func drops(v int64) *big.Int { return big.NewInt(v) }

func fixed(payouts []domain.Payout) ports.PayoutFunc {
	return func(*big.Int, []domain.Bet) []domain.Payout { return payouts }
}

// seedOpenMarket crea un mercado con outcomes A y B y lo abre con su escrow.
func seedOpenMarket(t *testing.T, db *storage.SQLiteStorage) {
	t.Helper()
	ctx := context.Background()

	m := domain.Market{
		ID:              testMarketID,
		Title:           "Will it rain in Lima?",
		Status:          domain.MarketDraft,
		BettingDeadline: t0.Add(24 * time.Hour),
		ResolutionTime:  t0.Add(48 * time.Hour),
		PoolTotal:       new(big.Int),
		OperatorAddress: "rOperator",
		IssuerAddress:   "rIssuer",
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
	outcomes := []domain.Outcome{
		{ID: "out-a", Key: "A", Label: "Yes", Currency: "0233663261396331653A41000000000000000000", Total: new(big.Int), DisplayOrder: 0},
		{ID: "out-b", Key: "B", Label: "No", Currency: "0233663261396331653A42000000000000000000", Total: new(big.Int), DisplayOrder: 1},
	}
	require.NoError(t, db.CreateMarket(ctx, m, outcomes))
	require.NoError(t, db.OpenMarket(ctx, testMarketID, domain.Escrow{
		ID:           "esc-1",
		Amount:       drops(1_000_000),
		Sequence:     7,
		CancelAfter:  t0.Add(72 * time.Hour),
		FinishAfter:  t0,
		CreateTxHash: "ESCROWCREATE",
	}))
}

func pendingBet(id, outcome, bettor string, amount int64) domain.Bet {
	return domain.Bet{
		ID:              id,
		MarketID:        testMarketID,
		OutcomeID:       outcome,
		Bettor:          bettor,
		Amount:          drops(amount),
		Weight:          1.0,
		EffectiveAmount: drops(amount),
		Status:          domain.BetPending,
		CreatedAt:       t0,
	}
}

func TestSQLiteStorage_CreateAndGetMarket(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	m, err := db.GetMarket(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketOpen, m.Status)
	assert.Equal(t, "ESCROWCREATE", m.EscrowTxHash)
	assert.Equal(t, uint32(7), m.EscrowSequence)
	assert.True(t, m.BettingDeadline.Equal(t0.Add(24*time.Hour)))
	assert.Equal(t, "0", m.PoolTotal.String())

	outs, err := db.ListOutcomes(ctx, testMarketID)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "A", outs[0].Key)
	assert.Equal(t, "B", outs[1].Key)

	esc, err := db.GetOpenEscrow(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, "1000000", esc.Amount.String())
	assert.True(t, esc.CancelAfter.Equal(t0.Add(72*time.Hour)))

	_, err = db.GetMarket(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_OpenMarket_Idempotent(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	// Mismo hash: no-op
	err := db.OpenMarket(ctx, testMarketID, domain.Escrow{ID: "esc-2", Amount: drops(1), Sequence: 7, CreateTxHash: "ESCROWCREATE"})
	require.NoError(t, err)

	// Otro hash: conflicto
	err = db.OpenMarket(ctx, testMarketID, domain.Escrow{ID: "esc-3", Amount: drops(1), Sequence: 8, CreateTxHash: "OTHER"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSQLiteStorage_ConfirmBet_MutatesOnce(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	require.NoError(t, db.CreateBet(ctx, pendingBet("bet-1", "out-a", bettorA, 250)))

	b, applied, err := db.ConfirmBet(ctx, "bet-1", "PAY1", t0)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.BetConfirmed, b.Status)
	assert.Equal(t, "PAY1", b.PaymentTxHash)

	b, applied, err = db.ConfirmBet(ctx, "bet-1", "PAY1", t0)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.BetConfirmed, b.Status)

	m, err := db.GetMarket(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, "250", m.PoolTotal.String())

	outs, err := db.ListOutcomes(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, "250", outs[0].Total.String())
	assert.Equal(t, "0", outs[1].Total.String())
	assert.Equal(t, domain.SumTotals(outs).String(), m.PoolTotal.String())

	esc, err := db.GetOpenEscrow(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, "1000250", esc.Amount.String())
}

func TestSQLiteStorage_ConfirmBet_Conflicts(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	require.NoError(t, db.CreateBet(ctx, pendingBet("bet-1", "out-a", bettorA, 100)))
	require.NoError(t, db.CreateBet(ctx, pendingBet("bet-2", "out-b", bettorB, 100)))

	_, _, err := db.ConfirmBet(ctx, "bet-1", "PAY1", t0)
	require.NoError(t, err)

	// Hash ya usado por otra apuesta
	_, _, err = db.ConfirmBet(ctx, "bet-2", "PAY1", t0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Ya confirmada con otro hash
	_, _, err = db.ConfirmBet(ctx, "bet-1", "PAY2", t0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Apuesta fallida no se puede confirmar
	require.NoError(t, db.UpdateBetStatus(ctx, "bet-2", domain.BetPending, domain.BetFailed))
	_, _, err = db.ConfirmBet(ctx, "bet-2", "PAY3", t0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, _, err = db.ConfirmBet(ctx, "missing", "PAY4", t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m, err := db.GetMarket(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, "100", m.PoolTotal.String())
}

func TestSQLiteStorage_ConfirmBet_Concurrent(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	require.NoError(t, db.CreateBet(ctx, pendingBet("bet-1", "out-a", bettorA, 500)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := db.ConfirmBet(ctx, "bet-1", "PAY1", t0)
			if err == nil && ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	m, err := db.GetMarket(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, "500", m.PoolTotal.String())
}

func TestSQLiteStorage_UpdateMarketStatus_CAS(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	require.NoError(t, db.UpdateMarketStatus(ctx, testMarketID, domain.MarketOpen, domain.MarketClosed))
	err := db.UpdateMarketStatus(ctx, testMarketID, domain.MarketOpen, domain.MarketClosed)
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = db.UpdateMarketStatus(ctx, "missing", domain.MarketOpen, domain.MarketClosed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_ListExpiredOpen(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	// 1ns antes del deadline: todavía no expiró
	expired, err := db.ListExpiredOpen(ctx, t0.Add(24*time.Hour-time.Nanosecond))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = db.ListExpiredOpen(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, testMarketID, expired[0].ID)
}

func TestSQLiteStorage_ResolveAndPayouts(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	payouts := []domain.Payout{
		{ID: "p-small", MarketID: testMarketID, Recipient: bettorA, Amount: drops(9), CreatedAt: t0},
		{ID: "p-big", MarketID: testMarketID, Recipient: bettorB, Amount: drops(10), CreatedAt: t0},
		{ID: "p-mid", MarketID: testMarketID, Recipient: "rC", Amount: drops(9), CreatedAt: t0},
	}

	// Open: no se puede resolver
	_, err := db.ResolveMarket(ctx, testMarketID, "out-a", fixed(payouts))
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, db.UpdateMarketStatus(ctx, testMarketID, domain.MarketOpen, domain.MarketClosed))
	_, err = db.ResolveMarket(ctx, testMarketID, "out-a", fixed(payouts))
	require.NoError(t, err)

	m, err := db.GetMarket(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketResolved, m.Status)
	assert.Equal(t, "out-a", m.ResolvedOutcomeID)

	// 10 > 9: el orden es numérico, no lexicográfico
	pending, err := db.PendingPayouts(ctx, testMarketID, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "p-big", pending[0].ID)
	assert.Equal(t, "9", pending[1].Amount.String())

	n, err := db.CountUnsettledPayouts(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	p, applied, err := db.ConfirmPayout(ctx, "p-big", "PAYOUT1", t0)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PayoutSent, p.Status)
	require.NotNil(t, p.SentAt)

	_, applied, err = db.ConfirmPayout(ctx, "p-big", "PAYOUT1", t0)
	require.NoError(t, err)
	assert.False(t, applied)

	_, _, err = db.ConfirmPayout(ctx, "p-small", "PAYOUT1", t0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, db.FailPayout(ctx, "p-small", "tecNO_DST"))
	failed, err := db.GetPayout(ctx, "p-small")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutFailed, failed.Status)
	assert.Equal(t, "tecNO_DST", failed.FailureReason)

	n, err = db.CountUnsettledPayouts(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "failed payouts still count as unsettled")

	require.NoError(t, db.RetryPayout(ctx, "p-small"))
	assert.ErrorIs(t, db.RetryPayout(ctx, "p-small"), domain.ErrConflict)

	found, err := db.FindPayout(ctx, testMarketID, bettorB)
	require.NoError(t, err)
	assert.Equal(t, "p-big", found.ID)
}

func TestSQLiteStorage_ResolveMarket_DuplicateRecipient(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()
	require.NoError(t, db.UpdateMarketStatus(ctx, testMarketID, domain.MarketOpen, domain.MarketClosed))

	payouts := []domain.Payout{
		{ID: "p1", MarketID: testMarketID, Recipient: bettorA, Amount: drops(1), CreatedAt: t0},
		{ID: "p2", MarketID: testMarketID, Recipient: bettorA, Amount: drops(2), CreatedAt: t0},
	}
	_, err := db.ResolveMarket(ctx, testMarketID, "out-a", fixed(payouts))
	assert.ErrorIs(t, err, domain.ErrConflict)

	// La transacción se revirtió entera
	m, err := db.GetMarket(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketClosed, m.Status)
	all, err := db.ListPayouts(ctx, testMarketID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStorage_ResolveMarket_ComputesInsideTx(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	require.NoError(t, db.CreateBet(ctx, pendingBet("bet-1", "out-a", bettorA, 300)))
	require.NoError(t, db.CreateBet(ctx, pendingBet("bet-2", "out-b", bettorB, 700)))
	require.NoError(t, db.CreateBet(ctx, pendingBet("bet-late", "out-a", bettorB, 50)))
	_, _, err := db.ConfirmBet(ctx, "bet-1", "PAY1", t0)
	require.NoError(t, err)
	require.NoError(t, db.UpdateMarketStatus(ctx, testMarketID, domain.MarketOpen, domain.MarketClosed))
	// Confirmado con el mercado ya cerrado: entra en el cálculo
	_, _, err = db.ConfirmBet(ctx, "bet-2", "PAY2", t0)
	require.NoError(t, err)

	var (
		gotPool *big.Int
		gotBets []string
	)
	payouts, err := db.ResolveMarket(ctx, testMarketID, "out-a", func(pool *big.Int, bets []domain.Bet) []domain.Payout {
		gotPool = pool
		for _, b := range bets {
			gotBets = append(gotBets, b.ID)
		}
		return []domain.Payout{{ID: "p1", MarketID: testMarketID, Recipient: bettorA, Amount: pool, CreatedAt: t0}}
	})
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, "1000", gotPool.String())
	assert.Equal(t, []string{"bet-1", "bet-2"}, gotBets, "only confirmed bets")

	// Después de resolver ya no se confirma nada
	_, _, err = db.ConfirmBet(ctx, "bet-late", "PAY3", t0)
	assert.ErrorIs(t, err, domain.ErrConflict)
	m, err := db.GetMarket(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, "1000", m.PoolTotal.String())
}

func TestSQLiteStorage_CloseEscrow(t *testing.T) {
	db := newStore(t)
	seedOpenMarket(t, db)
	ctx := context.Background()

	e, err := db.CloseEscrow(ctx, testMarketID, domain.EscrowFinished, "FINISH1", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFinished, e.Status)
	assert.Equal(t, "FINISH1", e.FinishTxHash)

	// Mismo hash: no-op
	_, err = db.CloseEscrow(ctx, testMarketID, domain.EscrowFinished, "FINISH1", t0)
	require.NoError(t, err)

	_, err = db.CloseEscrow(ctx, testMarketID, domain.EscrowCanceled, "CANCEL1", t0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = db.GetOpenEscrow(ctx, testMarketID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	latest, err := db.GetLatestEscrow(ctx, testMarketID)
	require.NoError(t, err)
	assert.Equal(t, "esc-1", latest.ID)
}

func TestSQLiteStorage_InsertEvent_Idempotent(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	ev := domain.LedgerEvent{
		ID:          "ev-1",
		TxHash:      "TX1",
		Type:        domain.EventBet,
		MarketID:    testMarketID,
		Payload:     json.RawMessage(`{"v":1,"type":"bet"}`),
		LedgerIndex: 100,
		IngestedAt:  t0,
	}
	inserted, err := db.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	ev.ID = "ev-2"
	ev.Payload = json.RawMessage(`{"v":1,"type":"other"}`)
	inserted, err = db.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := db.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetEvent(ctx, "TX1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", got.ID)
	assert.JSONEq(t, `{"v":1,"type":"bet"}`, string(got.Payload))

	list, err := db.ListEvents(ctx, testMarketID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteStorage_MarkEventApplied(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	for i, hash := range []string{"TX2", "TX1", "TX3"} {
		_, err := db.InsertEvent(ctx, domain.LedgerEvent{
			ID: "ev-" + hash, TxHash: hash, Type: domain.EventBet, MarketID: testMarketID,
			LedgerIndex: uint32(100 + i%2), IngestedAt: t0,
			TxJSON: json.RawMessage(`{"Hash":"` + hash + `"}`),
		})
		require.NoError(t, err)
	}

	pending, err := db.ListUnappliedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"TX2", "TX3", "TX1"}, []string{pending[0].TxHash, pending[1].TxHash, pending[2].TxHash}, "oldest ledger first")
	assert.JSONEq(t, `{"Hash":"TX2"}`, string(pending[0].TxJSON))
	assert.False(t, pending[0].Applied)

	require.NoError(t, db.MarkEventApplied(ctx, "TX2", ""))
	require.NoError(t, db.MarkEventApplied(ctx, "TX1", "bet is failed"))
	require.NoError(t, db.MarkEventApplied(ctx, "TX1", "other"), "second mark keeps the first result")
	assert.ErrorIs(t, db.MarkEventApplied(ctx, "NOPE", ""), domain.ErrNotFound)

	pending, err = db.ListUnappliedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "TX3", pending[0].TxHash)

	got, err := db.GetEvent(ctx, "TX1")
	require.NoError(t, err)
	assert.True(t, got.Applied)
	assert.Equal(t, "bet is failed", got.ApplyError)
}

func TestSQLiteStorage_InsertTrade_Idempotent(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	tr := domain.Trade{ID: "tr-1", MarketID: testMarketID, OfferTxHash: "OFFER1", Account: bettorA,
		TakerGets: `{"currency":"X","issuer":"rIssuer","value":"10"}`, TakerPays: `"500"`, LedgerIndex: 5, ExecutedAt: t0}
	ok, err := db.InsertTrade(ctx, tr)
	require.NoError(t, err)
	assert.True(t, ok)

	tr.ID = "tr-2"
	ok, err = db.InsertTrade(ctx, tr)
	require.NoError(t, err)
	assert.False(t, ok)

	trades, err := db.ListTrades(ctx, testMarketID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "tr-1", trades[0].ID)
}

func TestSQLiteStorage_LedgerCursor_Monotonic(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	_, found, err := db.GetState(ctx, domain.StateLastLedgerIndex)
	require.NoError(t, err)
	assert.False(t, found)

	moved, err := db.AdvanceLedgerCursor(ctx, 1000, t0)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = db.AdvanceLedgerCursor(ctx, 999, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = db.AdvanceLedgerCursor(ctx, 1000, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, moved)

	v, found, err := db.GetState(ctx, domain.StateLastLedgerIndex)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1000", v)

	moved, err = db.AdvanceLedgerCursor(ctx, 1001, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, moved)

	v, _, err = db.GetState(ctx, domain.StateLastLedgerIndex)
	require.NoError(t, err)
	assert.Equal(t, "1001", v)
}

func TestSQLiteStorage_Attributes(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertAttribute(ctx, domain.UserAttribute{Wallet: bettorA, Type: domain.AttrRegion, Label: "PE", Weight: 1.5, VerifiedAt: t0}))
	require.NoError(t, db.UpsertAttribute(ctx, domain.UserAttribute{Wallet: bettorA, Type: domain.AttrExpertise, Label: "weather", Weight: 2.0, VerifiedAt: t0}))
	// Reemplaza el peso de la región
	require.NoError(t, db.UpsertAttribute(ctx, domain.UserAttribute{Wallet: bettorA, Type: domain.AttrRegion, Label: "PE", Weight: 1.2, VerifiedAt: t0}))

	err := db.UpsertAttribute(ctx, domain.UserAttribute{Wallet: bettorA, Type: domain.AttrRegion, Label: "CL", Weight: 3.5})
	assert.ErrorIs(t, err, domain.ErrValidation)
	err = db.UpsertAttribute(ctx, domain.UserAttribute{Wallet: bettorA, Type: "karma", Label: "x", Weight: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	attrs, err := db.ListAttributes(ctx, bettorA)
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	assert.Equal(t, domain.AttrExpertise, attrs[0].Type)
	assert.InDelta(t, 1.2, attrs[1].Weight, 1e-9)
	assert.InDelta(t, 2.2, domain.WeightScore(attrs), 1e-9)
}
