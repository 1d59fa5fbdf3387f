// Package settlement resolves and cancels markets and drives payout delivery.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alejandrodnm/mitate/internal/application/escrow"
	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
	"github.com/alejandrodnm/mitate/internal/ports"
)

const defaultBatchSize = 25

// Store es lo que el Engine necesita del almacenamiento.
type Store interface {
	ports.MarketStore
	ports.BetStore
	ports.PayoutStore
}

// Config contiene la configuración del SettlementEngine.
type Config struct {
	PayoutBatchSize int
	// WeightedShares reparte el pool por monto efectivo en vez de monto bruto.
	WeightedShares bool
}

// Engine es el SettlementEngine.
type Engine struct {
	cfg     Config
	store   Store
	escrows *escrow.Tracker
	builder *ledger.Builder
	now     func() time.Time
}

func New(cfg Config, store Store, escrows *escrow.Tracker, builder *ledger.Builder) *Engine {
	if cfg.PayoutBatchSize <= 0 {
		cfg.PayoutBatchSize = defaultBatchSize
	}
	return &Engine{cfg: cfg, store: store, escrows: escrows, builder: builder, now: time.Now}
}

// SetClock reemplaza el reloj (tests).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Resolution es el resultado de Resolve.
type Resolution struct {
	Market       domain.Market
	Winner       domain.Outcome
	Payouts      []domain.Payout
	EscrowFinish ledger.Transaction
}

// Resolve fija el outcome ganador de un mercado Closed y crea todos los
// payouts en la misma transacción que el cambio a Resolved.
func (e *Engine) Resolve(ctx context.Context, marketID, winningOutcome string) (Resolution, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return Resolution{}, fmt.Errorf("settlement.Resolve: %w", err)
	}
	if m.Status != domain.MarketClosed {
		return Resolution{}, fmt.Errorf("settlement.Resolve: %w: market %s is %s, want closed",
			domain.ErrValidation, marketID, m.Status)
	}

	outs, err := e.store.ListOutcomes(ctx, marketID)
	if err != nil {
		return Resolution{}, fmt.Errorf("settlement.Resolve: %w", err)
	}
	winner, ok := domain.FindOutcome(outs, winningOutcome)
	if !ok {
		return Resolution{}, fmt.Errorf("settlement.Resolve: %w: unknown outcome %q", domain.ErrValidation, winningOutcome)
	}

	tx, err := e.builder.EscrowFinish(marketID, m.EscrowSequence, winner)
	if err != nil {
		return Resolution{}, fmt.Errorf("settlement.Resolve: %w", err)
	}

	now := e.now().UTC()
	payouts, err := e.store.ResolveMarket(ctx, marketID, winner.ID, func(pool *big.Int, bets []domain.Bet) []domain.Payout {
		m.PoolTotal = pool
		return ComputePayouts(marketID, pool, winner.ID, bets, e.cfg.WeightedShares, now)
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("settlement.Resolve: %w", err)
	}
	m.Status = domain.MarketResolved
	m.ResolvedOutcomeID = winner.ID

	total := new(big.Int)
	for _, p := range payouts {
		total.Add(total, p.Amount)
	}
	slog.Info("settlement: market resolved",
		"market", marketID, "winner", winner.Key, "pool", m.PoolTotal.String(),
		"payouts", len(payouts), "paid_out", total.String(), "weighted", e.cfg.WeightedShares,
	)
	return Resolution{Market: m, Winner: winner, Payouts: payouts, EscrowFinish: tx}, nil
}

// Cancel cancela un mercado con escrow y devuelve el EscrowCancel a firmar.
func (e *Engine) Cancel(ctx context.Context, marketID string) (ledger.Transaction, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("settlement.Cancel: %w", err)
	}
	if !domain.CanTransition(m.Status, domain.MarketCanceled) || m.EscrowTxHash == "" {
		return ledger.Transaction{}, fmt.Errorf("settlement.Cancel: %w: market %s is %s",
			domain.ErrValidation, marketID, m.Status)
	}

	tx, err := e.builder.EscrowCancel(marketID, m.EscrowSequence)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("settlement.Cancel: %w", err)
	}
	if err := e.store.UpdateMarketStatus(ctx, marketID, m.Status, domain.MarketCanceled); err != nil {
		return ledger.Transaction{}, fmt.Errorf("settlement.Cancel: %w", err)
	}
	slog.Warn("settlement: market canceled", "market", marketID, "from", m.Status)
	return tx, nil
}

// ConfirmEscrowRelease vincula el hash del EscrowFinish (mercado resuelto) o
// del EscrowCancel (mercado cancelado).
func (e *Engine) ConfirmEscrowRelease(ctx context.Context, marketID, txHash string) error {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("settlement.ConfirmEscrowRelease: %w", err)
	}
	switch m.Status {
	case domain.MarketResolved, domain.MarketPaid:
		_, err = e.escrows.ConfirmFinish(ctx, marketID, txHash)
	case domain.MarketCanceled:
		_, err = e.escrows.ConfirmCancel(ctx, marketID, txHash)
	default:
		err = fmt.Errorf("%w: market %s is %s", domain.ErrValidation, marketID, m.Status)
	}
	if err != nil {
		return fmt.Errorf("settlement.ConfirmEscrowRelease: %w", err)
	}
	// Los payouts pueden haber terminado antes de que se validara el finish.
	if m.Status == domain.MarketResolved {
		if _, err := e.FinalizeIfComplete(ctx, marketID); err != nil {
			slog.Warn("settlement: finalize after escrow finish failed", "market", marketID, "err", err)
		}
	}
	return nil
}

// PayoutInstruction es un payout pendiente con su Payment sin firmar.
type PayoutInstruction struct {
	Payout domain.Payout
	Tx     ledger.Transaction
}

// ExecutePayouts devuelve hasta batchSize payouts pendientes (mayor monto
// primero) con sus transacciones. No cambia ningún estado: el Sent llega con
// ConfirmPayout cuando el pago se valida.
func (e *Engine) ExecutePayouts(ctx context.Context, marketID string, batchSize int) ([]PayoutInstruction, error) {
	if batchSize <= 0 {
		batchSize = e.cfg.PayoutBatchSize
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement.ExecutePayouts: %w", err)
	}
	if m.Status != domain.MarketResolved {
		return nil, fmt.Errorf("settlement.ExecutePayouts: %w: market %s is %s", domain.ErrValidation, marketID, m.Status)
	}

	outs, err := e.store.ListOutcomes(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement.ExecutePayouts: %w", err)
	}
	winner, ok := domain.FindOutcome(outs, m.ResolvedOutcomeID)
	if !ok {
		return nil, fmt.Errorf("settlement.ExecutePayouts: %w: winning outcome %s", domain.ErrNotFound, m.ResolvedOutcomeID)
	}

	pending, err := e.store.PendingPayouts(ctx, marketID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("settlement.ExecutePayouts: %w", err)
	}
	out := make([]PayoutInstruction, 0, len(pending))
	for _, p := range pending {
		tx, err := e.builder.PayoutPayment(p, winner)
		if err != nil {
			return nil, fmt.Errorf("settlement.ExecutePayouts: %w", err)
		}
		out = append(out, PayoutInstruction{Payout: p, Tx: tx})
	}
	return out, nil
}

// ConfirmPayout marca el payout Sent. Idempotente por hash. Si era el último
// pendiente, el mercado pasa a Paid.
func (e *Engine) ConfirmPayout(ctx context.Context, payoutID, txHash string) (domain.Payout, error) {
	if txHash == "" {
		return domain.Payout{}, fmt.Errorf("settlement.ConfirmPayout: %w: empty tx hash", domain.ErrValidation)
	}
	p, applied, err := e.store.ConfirmPayout(ctx, payoutID, txHash, e.now())
	if err != nil {
		return domain.Payout{}, fmt.Errorf("settlement.ConfirmPayout: %w", err)
	}
	if applied {
		slog.Info("settlement: payout sent", "payout", payoutID, "market", p.MarketID, "recipient", p.Recipient, "amount", p.Amount.String())
		if _, err := e.FinalizeIfComplete(ctx, p.MarketID); err != nil {
			slog.Warn("settlement: finalize after payout failed", "market", p.MarketID, "err", err)
		}
	}
	return p, nil
}

// ConfirmPayoutTo confirma el payout de recipient en el mercado; es lo que se
// ve on-ledger (destino + memo), sin el id interno.
func (e *Engine) ConfirmPayoutTo(ctx context.Context, marketID, recipient, txHash string) (domain.Payout, error) {
	p, err := e.store.FindPayout(ctx, marketID, recipient)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("settlement.ConfirmPayoutTo: %w", err)
	}
	return e.ConfirmPayout(ctx, p.ID, txHash)
}

// FailPayout marca un payout pendiente como fallido.
func (e *Engine) FailPayout(ctx context.Context, payoutID, reason string) error {
	if err := e.store.FailPayout(ctx, payoutID, reason); err != nil {
		return fmt.Errorf("settlement.FailPayout: %w", err)
	}
	slog.Warn("settlement: payout failed", "payout", payoutID, "reason", reason)
	return nil
}

// RetryPayout devuelve un payout fallido a la cola.
func (e *Engine) RetryPayout(ctx context.Context, payoutID string) error {
	if err := e.store.RetryPayout(ctx, payoutID); err != nil {
		return fmt.Errorf("settlement.RetryPayout: %w", err)
	}
	return nil
}

// FinalizeIfComplete pasa un mercado Resolved a Paid cuando el EscrowFinish
// está validado y no le quedan payouts pendientes ni fallidos.
func (e *Engine) FinalizeIfComplete(ctx context.Context, marketID string) (bool, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return false, fmt.Errorf("settlement.FinalizeIfComplete: %w", err)
	}
	if m.Status != domain.MarketResolved {
		return false, nil
	}
	n, err := e.store.CountUnsettledPayouts(ctx, marketID)
	if err != nil {
		return false, fmt.Errorf("settlement.FinalizeIfComplete: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	esc, err := e.escrows.Latest(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settlement.FinalizeIfComplete: %w", err)
	}
	if esc.Status != domain.EscrowFinished {
		return false, nil
	}
	err = e.store.UpdateMarketStatus(ctx, marketID, domain.MarketResolved, domain.MarketPaid)
	if errors.Is(err, domain.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settlement.FinalizeIfComplete: %w", err)
	}
	slog.Info("settlement: market paid", "market", marketID)
	return true, nil
}

// FinalizeResolved barre todos los mercados Resolved. Devuelve cuántos pasaron a Paid.
func (e *Engine) FinalizeResolved(ctx context.Context) (int, error) {
	markets, err := e.store.ListMarkets(ctx, domain.MarketResolved)
	if err != nil {
		return 0, fmt.Errorf("settlement.FinalizeResolved: %w", err)
	}
	paid := 0
	for _, m := range markets {
		ok, err := e.FinalizeIfComplete(ctx, m.ID)
		if err != nil {
			return paid, err
		}
		if ok {
			paid++
		}
	}
	return paid, nil
}
