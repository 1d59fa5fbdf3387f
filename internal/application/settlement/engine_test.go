package settlement_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alejandrodnm/mitate/internal/adapters/storage"
	"github.com/alejandrodnm/mitate/internal/application/betbook"
	"github.com/alejandrodnm/mitate/internal/application/escrow"
	"github.com/alejandrodnm/mitate/internal/application/market"
	"github.com/alejandrodnm/mitate/internal/application/settlement"
	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
	"github.com/alejandrodnm/mitate/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db       *storage.SQLiteStorage
	markets  *market.Ledger
	book     *betbook.Book
	escrows  *escrow.Tracker
	engine   *settlement.Engine
	marketID string
	hashes   int
}

func newFixture(t *testing.T, cfg settlement.Config) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := func() time.Time { return now }
	b := ledger.NewBuilder("rOperator", "rIssuer", clock)
	ml := market.New(market.Config{}, db, b)
	ml.SetClock(clock)
	book := betbook.New(db, b)
	book.SetClock(clock)
	tr := escrow.New(db)
	tr.SetClock(clock)
	eng := settlement.New(cfg, db, tr, b)
	eng.SetClock(clock)

	ctx := context.Background()
	c, err := ml.Create(ctx, market.CreateParams{
		Title:           "Who wins the derby?",
		Outcomes:        []string{"Home", "Away", "Draw"},
		BettingDeadline: now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, ml.ConfirmEscrowCreated(ctx, c.Market.ID, "ESC1", 7))

	return &fixture{db: db, markets: ml, book: book, escrows: tr, engine: eng, marketID: c.Market.ID}
}

// bet coloca y confirma una apuesta.
func (f *fixture) bet(t *testing.T, bettor, outcome string, amount int64) domain.Bet {
	t.Helper()
	ctx := context.Background()
	p, err := f.book.PlaceBet(ctx, betbook.PlaceBetRequest{
		MarketID: f.marketID, Outcome: outcome, Bettor: bettor, Amount: big.NewInt(amount),
	})
	require.NoError(t, err)
	f.hashes++
	b, err := f.book.ConfirmBet(ctx, p.Bet.ID, "PAY"+string(rune('A'+f.hashes)))
	require.NoError(t, err)
	return b
}

func byRecipient(payouts []domain.Payout) map[string]string {
	out := make(map[string]string, len(payouts))
	for _, p := range payouts {
		out[p.Recipient] = p.Amount.String()
	}
	return out
}

func TestResolve_RequiresClosed(t *testing.T) {
	f := newFixture(t, settlement.Config{})
	_, err := f.engine.Resolve(context.Background(), f.marketID, "A")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestResolve_SplitsPoolAmongWinners(t *testing.T) {
	f := newFixture(t, settlement.Config{})
	ctx := context.Background()

	f.bet(t, "rAlice", "A", 100)
	f.bet(t, "rAlice", "A", 200)
	f.bet(t, "rBob", "A", 100)
	f.bet(t, "rCarol", "B", 600)
	require.NoError(t, f.markets.Close(ctx, f.marketID))

	_, err := f.engine.Resolve(ctx, f.marketID, "E")
	assert.ErrorIs(t, err, domain.ErrValidation, "unknown outcome")

	res, err := f.engine.Resolve(ctx, f.marketID, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketResolved, res.Market.Status)
	assert.Equal(t, "A", res.Winner.Key)
	assert.Equal(t, map[string]string{"rAlice": "750", "rBob": "250"}, byRecipient(res.Payouts))

	assert.Equal(t, ledger.TxEscrowFinish, res.EscrowFinish.TransactionType)
	assert.Equal(t, uint32(7), res.EscrowFinish.OfferSequence)

	stored, err := f.db.ListPayouts(ctx, f.marketID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	_, err = f.engine.Resolve(ctx, f.marketID, "A")
	assert.ErrorIs(t, err, domain.ErrValidation, "already resolved")
}

func TestResolve_WeightedShares(t *testing.T) {
	f := newFixture(t, settlement.Config{WeightedShares: true})
	ctx := context.Background()
	require.NoError(t, f.db.UpsertAttribute(ctx, domain.UserAttribute{Wallet: "rAlice", Type: domain.AttrExpertise, Label: "football", Weight: 2.0}))

	f.bet(t, "rAlice", "A", 300) // efectivo 600
	f.bet(t, "rBob", "A", 100)
	f.bet(t, "rCarol", "B", 600)
	require.NoError(t, f.markets.Close(ctx, f.marketID))

	res, err := f.engine.Resolve(ctx, f.marketID, "A")
	require.NoError(t, err)
	// floor(1000×600/700)=857, floor(1000×100/700)=142
	assert.Equal(t, map[string]string{"rAlice": "857", "rBob": "142"}, byRecipient(res.Payouts))
}

func TestResolve_NoWinningBets(t *testing.T) {
	f := newFixture(t, settlement.Config{})
	ctx := context.Background()
	f.bet(t, "rCarol", "B", 600)
	require.NoError(t, f.markets.Close(ctx, f.marketID))

	res, err := f.engine.Resolve(ctx, f.marketID, "C")
	require.NoError(t, err)
	assert.Empty(t, res.Payouts)

	paid, err := f.engine.FinalizeIfComplete(ctx, f.marketID)
	require.NoError(t, err)
	assert.False(t, paid, "escrow finish not validated yet")

	require.NoError(t, f.engine.ConfirmEscrowRelease(ctx, f.marketID, "FIN1"))
	m, err := f.markets.Get(ctx, f.marketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketPaid, m.Status)
}

func TestPayoutLifecycle(t *testing.T) {
	f := newFixture(t, settlement.Config{PayoutBatchSize: 1})
	ctx := context.Background()
	f.bet(t, "rAlice", "A", 300)
	f.bet(t, "rBob", "A", 100)
	f.bet(t, "rCarol", "B", 600)
	require.NoError(t, f.markets.Close(ctx, f.marketID))
	_, err := f.engine.Resolve(ctx, f.marketID, "A")
	require.NoError(t, err)

	batch, err := f.engine.ExecutePayouts(ctx, f.marketID, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	first := batch[0]
	assert.Equal(t, "rAlice", first.Payout.Recipient, "largest first")
	assert.Equal(t, ledger.TxPayment, first.Tx.TransactionType)
	assert.Equal(t, "rOperator", first.Tx.Account)
	assert.Equal(t, "750", first.Tx.Amount.Drops.String())

	p, err := f.engine.ConfirmPayout(ctx, first.Payout.ID, "OUT1")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutSent, p.Status)
	_, err = f.engine.ConfirmPayout(ctx, first.Payout.ID, "OUT1")
	require.NoError(t, err, "same hash is a no-op")

	batch, err = f.engine.ExecutePayouts(ctx, f.marketID, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	bob := batch[0].Payout

	require.NoError(t, f.engine.FailPayout(ctx, bob.ID, "tecNO_DST"))
	paid, err := f.engine.FinalizeIfComplete(ctx, f.marketID)
	require.NoError(t, err)
	assert.False(t, paid, "failed payout still unsettled")

	require.NoError(t, f.engine.RetryPayout(ctx, bob.ID))
	_, err = f.engine.ConfirmPayoutTo(ctx, f.marketID, "rBob", "OUT2")
	require.NoError(t, err)

	m, err := f.markets.Get(ctx, f.marketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketResolved, m.Status, "all payouts sent but escrow finish pending")

	require.NoError(t, f.engine.ConfirmEscrowRelease(ctx, f.marketID, "FIN1"))
	m, err = f.markets.Get(ctx, f.marketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketPaid, m.Status)
	require.NoError(t, f.engine.ConfirmEscrowRelease(ctx, f.marketID, "FIN1"), "replay on a paid market")

	_, err = f.engine.ExecutePayouts(ctx, f.marketID, 10)
	assert.ErrorIs(t, err, domain.ErrValidation, "paid market has nothing to execute")
}

func TestCancelAndRelease(t *testing.T) {
	f := newFixture(t, settlement.Config{})
	ctx := context.Background()
	f.bet(t, "rAlice", "A", 300)

	tx, err := f.engine.Cancel(ctx, f.marketID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxEscrowCancel, tx.TransactionType)
	assert.Equal(t, uint32(7), tx.OfferSequence)

	_, err = f.engine.Cancel(ctx, f.marketID)
	assert.ErrorIs(t, err, domain.ErrValidation, "canceled is terminal")

	require.NoError(t, f.engine.ConfirmEscrowRelease(ctx, f.marketID, "CAN1"))
	require.NoError(t, f.engine.ConfirmEscrowRelease(ctx, f.marketID, "CAN1"))
	e, err := f.escrows.Latest(ctx, f.marketID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCanceled, e.Status)
	assert.Equal(t, "CAN1", e.CancelTxHash)
}

func TestConfirmEscrowRelease_Resolved(t *testing.T) {
	f := newFixture(t, settlement.Config{})
	ctx := context.Background()

	assert.ErrorIs(t, f.engine.ConfirmEscrowRelease(ctx, f.marketID, "FIN1"), domain.ErrValidation, "open market")

	f.bet(t, "rAlice", "A", 300)
	require.NoError(t, f.markets.Close(ctx, f.marketID))
	_, err := f.engine.Resolve(ctx, f.marketID, "A")
	require.NoError(t, err)

	require.NoError(t, f.engine.ConfirmEscrowRelease(ctx, f.marketID, "FIN1"))
	e, err := f.escrows.Latest(ctx, f.marketID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFinished, e.Status)
}

func TestFinalizeResolved(t *testing.T) {
	f := newFixture(t, settlement.Config{})
	ctx := context.Background()
	require.NoError(t, f.markets.Close(ctx, f.marketID))
	_, err := f.engine.Resolve(ctx, f.marketID, "A")
	require.NoError(t, err)

	n, err := f.engine.FinalizeResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "escrow still open")

	// El finish llega sin pasar por ConfirmEscrowRelease; el barrido lo cierra.
	_, err = f.escrows.ConfirmFinish(ctx, f.marketID, "FIN1")
	require.NoError(t, err)
	n, err = f.engine.FinalizeResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.engine.FinalizeResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// lateConfirmStore confirma una apuesta justo antes de que ResolveMarket abra
// su transacción, como haría el syncer en paralelo.
type lateConfirmStore struct {
	*storage.SQLiteStorage
	before func()
}

func (s lateConfirmStore) ResolveMarket(ctx context.Context, marketID, winningOutcomeID string, compute ports.PayoutFunc) ([]domain.Payout, error) {
	s.before()
	return s.SQLiteStorage.ResolveMarket(ctx, marketID, winningOutcomeID, compute)
}

func TestResolve_IncludesBetConfirmedDuringResolution(t *testing.T) {
	f := newFixture(t, settlement.Config{})
	ctx := context.Background()
	f.bet(t, "rAlice", "A", 300)
	f.bet(t, "rCarol", "B", 600)

	late, err := f.book.PlaceBet(ctx, betbook.PlaceBetRequest{
		MarketID: f.marketID, Outcome: "A", Bettor: "rBob", Amount: big.NewInt(100),
	})
	require.NoError(t, err)
	require.NoError(t, f.markets.Close(ctx, f.marketID))

	store := lateConfirmStore{SQLiteStorage: f.db, before: func() {
		_, err := f.book.ConfirmBet(ctx, late.Bet.ID, "PAYLATE")
		require.NoError(t, err)
	}}
	eng := settlement.New(settlement.Config{}, store, f.escrows, ledger.NewBuilder("rOperator", "rIssuer", func() time.Time { return now }))
	eng.SetClock(func() time.Time { return now })

	res, err := eng.Resolve(ctx, f.marketID, "A")
	require.NoError(t, err)
	assert.Equal(t, "1000", res.Market.PoolTotal.String())
	// floor(1000×300/400)=750, floor(1000×100/400)=250
	assert.Equal(t, map[string]string{"rAlice": "750", "rBob": "250"}, byRecipient(res.Payouts))
}

func TestResolve_RejectsConfirmationAfterResolution(t *testing.T) {
	f := newFixture(t, settlement.Config{})
	ctx := context.Background()
	f.bet(t, "rAlice", "A", 300)
	late, err := f.book.PlaceBet(ctx, betbook.PlaceBetRequest{
		MarketID: f.marketID, Outcome: "A", Bettor: "rBob", Amount: big.NewInt(100),
	})
	require.NoError(t, err)
	require.NoError(t, f.markets.Close(ctx, f.marketID))

	res, err := f.engine.Resolve(ctx, f.marketID, "A")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"rAlice": "300"}, byRecipient(res.Payouts))

	_, err = f.book.ConfirmBet(ctx, late.Bet.ID, "PAYLATE")
	assert.ErrorIs(t, err, domain.ErrConflict)
	m, err := f.markets.Get(ctx, f.marketID)
	require.NoError(t, err)
	assert.Equal(t, "300", m.PoolTotal.String(), "pool unchanged after resolution")
}

func TestComputePayouts_NeverExceedsPool(t *testing.T) {
	pool := big.NewInt(1_000)
	bets := []domain.Bet{
		{Bettor: "r1", OutcomeID: "w", Amount: big.NewInt(1), Status: domain.BetConfirmed},
		{Bettor: "r2", OutcomeID: "w", Amount: big.NewInt(1), Status: domain.BetConfirmed},
		{Bettor: "r3", OutcomeID: "w", Amount: big.NewInt(1), Status: domain.BetConfirmed},
		{Bettor: "r4", OutcomeID: "w", Amount: big.NewInt(5), Status: domain.BetPending},
		{Bettor: "r5", OutcomeID: "l", Amount: big.NewInt(997), Status: domain.BetConfirmed},
	}
	payouts := settlement.ComputePayouts("m", pool, "w", bets, false, now)
	require.Len(t, payouts, 3)
	total := new(big.Int)
	for _, p := range payouts {
		assert.Equal(t, "333", p.Amount.String())
		assert.Equal(t, domain.PayoutPending, p.Status)
		total.Add(total, p.Amount)
	}
	assert.True(t, total.Cmp(pool) <= 0)
}

func TestComputePayouts_LoserGetsNothing(t *testing.T) {
	bets := []domain.Bet{
		{Bettor: "rAlice", OutcomeID: "a", Amount: big.NewInt(100), Status: domain.BetConfirmed},
		{Bettor: "rBob", OutcomeID: "a", Amount: big.NewInt(600), Status: domain.BetConfirmed},
		{Bettor: "rCarol", OutcomeID: "b", Amount: big.NewInt(300), Status: domain.BetConfirmed},
	}
	payouts := settlement.ComputePayouts("m", big.NewInt(1_000), "a", bets, false, now)
	assert.Equal(t, map[string]string{"rAlice": "142", "rBob": "857"}, byRecipient(payouts))
}
