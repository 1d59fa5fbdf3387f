package ledgersync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/mitate/internal/application/betbook"
	"github.com/alejandrodnm/mitate/internal/application/market"
	"github.com/alejandrodnm/mitate/internal/application/settlement"
	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
)

// Reconciler aplica los eventos ingeridos sobre el estado de mercados,
// apuestas y payouts. Todas las operaciones destino son idempotentes.
type Reconciler struct {
	operator string
	markets  *market.Ledger
	bets     *betbook.Book
	settle   *settlement.Engine
}

func NewReconciler(operator string, markets *market.Ledger, bets *betbook.Book, settle *settlement.Engine) *Reconciler {
	return &Reconciler{operator: operator, markets: markets, bets: bets, settle: settle}
}

// Handle implementa Handler.
func (r *Reconciler) Handle(ctx context.Context, tx ledger.ObservedTx, env ledger.MemoPayload) error {
	t := tx.Tx.TransactionType
	switch env.Type {
	case domain.EventMarket:
		if t != ledger.TxEscrowCreate {
			return nil
		}
		return r.markets.ConfirmEscrowCreated(ctx, env.MarketID, tx.Hash, tx.Tx.Sequence)

	case domain.EventBet:
		// El TrustSet lleva el mismo memo; solo el pago confirma.
		if t != ledger.TxPayment || env.BetID == "" {
			return nil
		}
		return r.confirmBet(ctx, tx, env)

	case domain.EventMint:
		if t != ledger.TxPayment || env.BetID == "" {
			return nil
		}
		return r.bets.BindMint(ctx, env.BetID, tx.Hash)

	case domain.EventResolve:
		if t != ledger.TxEscrowFinish {
			return nil
		}
		return r.settle.ConfirmEscrowRelease(ctx, env.MarketID, tx.Hash)

	case domain.EventCancel:
		if t != ledger.TxEscrowCancel {
			return nil
		}
		return r.settle.ConfirmEscrowRelease(ctx, env.MarketID, tx.Hash)

	case domain.EventPayout:
		if t != ledger.TxPayment || tx.Tx.Account != r.operator {
			return nil
		}
		_, err := r.settle.ConfirmPayoutTo(ctx, env.MarketID, tx.Tx.Destination, tx.Hash)
		return err
	}
	return nil
}

// confirmBet exige que el pago llegue al operador por el monto exacto de la apuesta.
func (r *Reconciler) confirmBet(ctx context.Context, tx ledger.ObservedTx, env ledger.MemoPayload) error {
	bet, err := r.bets.Get(ctx, env.BetID)
	if err != nil {
		return err
	}
	amt := tx.Tx.Amount
	switch {
	case tx.Tx.Destination != r.operator:
		return fmt.Errorf("%w: bet %s paid to %s", domain.ErrValidation, bet.ID, tx.Tx.Destination)
	case tx.Tx.Account != bet.Bettor:
		return fmt.Errorf("%w: bet %s paid by %s, want %s", domain.ErrValidation, bet.ID, tx.Tx.Account, bet.Bettor)
	case amt == nil || !amt.IsNative() || amt.Drops == nil || amt.Drops.Cmp(bet.Amount) != 0:
		slog.Warn("ledgersync: bet payment amount mismatch", "bet", bet.ID, "tx", tx.Hash, "paid", amt.String(), "want", bet.Amount.String())
		return fmt.Errorf("%w: bet %s payment amount mismatch", domain.ErrValidation, bet.ID)
	}
	_, err = r.bets.ConfirmBet(ctx, bet.ID, tx.Hash)
	return err
}
