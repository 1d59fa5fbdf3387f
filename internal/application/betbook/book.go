// Package betbook places and confirms bets. A bet only moves pool totals once
// a validated payment hash is bound to it.
package betbook

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
	"github.com/alejandrodnm/mitate/internal/ports"
	"github.com/google/uuid"
)

// Store es lo que el Book necesita del almacenamiento.
type Store interface {
	ports.MarketStore
	ports.BetStore
	ports.AttributeStore
}

// Book es el BetBook.
type Book struct {
	store   Store
	builder *ledger.Builder
	now     func() time.Time
}

func New(store Store, builder *ledger.Builder) *Book {
	return &Book{store: store, builder: builder, now: time.Now}
}

// SetClock reemplaza el reloj (tests).
func (b *Book) SetClock(now func() time.Time) {
	b.now = now
}

// PlaceBetRequest es una apuesta pedida por un bettor. Outcome acepta id o key.
type PlaceBetRequest struct {
	MarketID string
	Outcome  string
	Bettor   string
	Amount   *big.Int
}

// Placed contiene la apuesta Pending y las dos transacciones que el bettor
// tiene que firmar: la trust line del token y el pago al operador.
type Placed struct {
	Bet      domain.Bet
	TrustSet ledger.Transaction
	Payment  ledger.Transaction
}

// PlaceBet valida y registra una apuesta Pending. No mueve ningún total.
func (b *Book) PlaceBet(ctx context.Context, req PlaceBetRequest) (Placed, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Placed{}, fmt.Errorf("betbook.PlaceBet: %w: amount must be positive", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Bettor) == "" {
		return Placed{}, fmt.Errorf("betbook.PlaceBet: %w: bettor is required", domain.ErrValidation)
	}

	now := b.now().UTC()
	m, outcome, err := b.acceptingMarket(ctx, req.MarketID, req.Outcome, now)
	if err != nil {
		return Placed{}, fmt.Errorf("betbook.PlaceBet: %w", err)
	}

	attrs, err := b.store.ListAttributes(ctx, req.Bettor)
	if err != nil {
		return Placed{}, fmt.Errorf("betbook.PlaceBet: %w", err)
	}
	weight := domain.WeightScore(attrs)

	bet := domain.Bet{
		ID:              uuid.NewString(),
		MarketID:        m.ID,
		OutcomeID:       outcome.ID,
		Bettor:          req.Bettor,
		Amount:          new(big.Int).Set(req.Amount),
		Weight:          weight,
		EffectiveAmount: domain.EffectiveAmount(req.Amount, weight),
		Status:          domain.BetPending,
		CreatedAt:       now,
	}

	trust, err := b.builder.TrustSet(bet, outcome)
	if err != nil {
		return Placed{}, fmt.Errorf("betbook.PlaceBet: %w", err)
	}
	payment, err := b.builder.BetPayment(bet, outcome)
	if err != nil {
		return Placed{}, fmt.Errorf("betbook.PlaceBet: %w", err)
	}

	if err := b.store.CreateBet(ctx, bet); err != nil {
		return Placed{}, fmt.Errorf("betbook.PlaceBet: %w", err)
	}

	slog.Info("betbook: bet placed",
		"bet", bet.ID, "market", m.ID, "outcome", outcome.Key,
		"amount", bet.Amount.String(), "weight", weight,
	)
	return Placed{Bet: bet, TrustSet: trust, Payment: payment}, nil
}

// acceptingMarket carga el mercado y el outcome, y exige que se pueda apostar en now.
func (b *Book) acceptingMarket(ctx context.Context, marketID, outcomeRef string, now time.Time) (domain.Market, domain.Outcome, error) {
	m, outcome, err := b.marketOutcome(ctx, marketID, outcomeRef)
	if err != nil {
		return m, outcome, err
	}
	if !m.CanPlaceBet(now) {
		return m, outcome, fmt.Errorf("%w: market %s is not accepting bets (status %s, deadline %s)",
			domain.ErrValidation, m.ID, m.Status, m.BettingDeadline.Format(time.RFC3339))
	}
	return m, outcome, nil
}

func (b *Book) marketOutcome(ctx context.Context, marketID, outcomeRef string) (domain.Market, domain.Outcome, error) {
	m, err := b.store.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, domain.Outcome{}, err
	}
	outs, err := b.store.ListOutcomes(ctx, marketID)
	if err != nil {
		return domain.Market{}, domain.Outcome{}, err
	}
	outcome, ok := domain.FindOutcome(outs, outcomeRef)
	if !ok {
		return domain.Market{}, domain.Outcome{}, fmt.Errorf("%w: unknown outcome %q in market %s", domain.ErrValidation, outcomeRef, marketID)
	}
	return m, outcome, nil
}

// ConfirmBet vincula el hash del pago validado a la apuesta. Con el mismo
// hash es idempotente; un hash ya usado por otra apuesta es ErrConflict.
func (b *Book) ConfirmBet(ctx context.Context, betID, paymentTxHash string) (domain.Bet, error) {
	if paymentTxHash == "" {
		return domain.Bet{}, fmt.Errorf("betbook.ConfirmBet: %w: empty payment hash", domain.ErrValidation)
	}
	bet, applied, err := b.store.ConfirmBet(ctx, betID, paymentTxHash, b.now())
	if err != nil {
		return domain.Bet{}, fmt.Errorf("betbook.ConfirmBet: %w", err)
	}
	if applied {
		slog.Info("betbook: bet confirmed", "bet", betID, "market", bet.MarketID, "tx", paymentTxHash, "amount", bet.Amount.String())
	}
	return bet, nil
}

// FailBet marca como fallida una apuesta cuyo pago nunca llegó.
func (b *Book) FailBet(ctx context.Context, betID string) error {
	bet, err := b.store.GetBet(ctx, betID)
	if err != nil {
		return fmt.Errorf("betbook.FailBet: %w", err)
	}
	switch bet.Status {
	case domain.BetFailed:
		return nil
	case domain.BetPending:
	default:
		return fmt.Errorf("betbook.FailBet: %w: bet %s is %s", domain.ErrValidation, betID, bet.Status)
	}
	if err := b.store.UpdateBetStatus(ctx, betID, domain.BetPending, domain.BetFailed); err != nil {
		return fmt.Errorf("betbook.FailBet: %w", err)
	}
	slog.Info("betbook: bet failed", "bet", betID)
	return nil
}

// MintPayment construye el mint de tokens del outcome para una apuesta confirmada.
func (b *Book) MintPayment(ctx context.Context, betID string) (ledger.Transaction, error) {
	bet, err := b.store.GetBet(ctx, betID)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("betbook.MintPayment: %w", err)
	}
	if bet.Status != domain.BetConfirmed {
		return ledger.Transaction{}, fmt.Errorf("betbook.MintPayment: %w: bet %s is %s", domain.ErrValidation, betID, bet.Status)
	}
	_, outcome, err := b.marketOutcome(ctx, bet.MarketID, bet.OutcomeID)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("betbook.MintPayment: %w", err)
	}
	tx, err := b.builder.MintPayment(bet, outcome)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("betbook.MintPayment: %w", err)
	}
	return tx, nil
}

// BindMint registra el hash del mint validado.
func (b *Book) BindMint(ctx context.Context, betID, txHash string) error {
	if txHash == "" {
		return fmt.Errorf("betbook.BindMint: %w: empty tx hash", domain.ErrValidation)
	}
	if err := b.store.SetMintTx(ctx, betID, txHash); err != nil {
		return fmt.Errorf("betbook.BindMint: %w", err)
	}
	return nil
}

// PreviewPayout cotiza cuánto devolvería amount sobre el outcome si ganara hoy.
func (b *Book) PreviewPayout(ctx context.Context, marketID, outcomeRef string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("betbook.PreviewPayout: %w: amount must be positive", domain.ErrValidation)
	}
	m, outcome, err := b.marketOutcome(ctx, marketID, outcomeRef)
	if err != nil {
		return nil, fmt.Errorf("betbook.PreviewPayout: %w", err)
	}
	return domain.PreviewPayout(m.PoolTotal, outcome.Total, amount), nil
}

// OfferRequest es una orden de venta de tokens de outcome por drops.
type OfferRequest struct {
	MarketID   string
	Account    string
	Outcome    string
	Tokens     *big.Int
	PriceDrops *big.Int
}

// Offer construye un OfferCreate que expira con el deadline del mercado.
func (b *Book) Offer(ctx context.Context, req OfferRequest) (ledger.Transaction, error) {
	if req.Tokens == nil || req.Tokens.Sign() <= 0 || req.PriceDrops == nil || req.PriceDrops.Sign() <= 0 {
		return ledger.Transaction{}, fmt.Errorf("betbook.Offer: %w: tokens and price must be positive", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Account) == "" {
		return ledger.Transaction{}, fmt.Errorf("betbook.Offer: %w: account is required", domain.ErrValidation)
	}
	m, outcome, err := b.acceptingMarket(ctx, req.MarketID, req.Outcome, b.now())
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("betbook.Offer: %w", err)
	}
	tx, err := b.builder.OfferCreate(ledger.OfferParams{
		MarketID:   m.ID,
		Account:    req.Account,
		Outcome:    outcome,
		Tokens:     req.Tokens,
		PriceDrops: req.PriceDrops,
		Expiration: m.BettingDeadline,
	})
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("betbook.Offer: %w", err)
	}
	return tx, nil
}

// Get devuelve una apuesta por id.
func (b *Book) Get(ctx context.Context, betID string) (domain.Bet, error) {
	bet, err := b.store.GetBet(ctx, betID)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("betbook.Get: %w", err)
	}
	return bet, nil
}
